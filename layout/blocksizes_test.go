package layout_test

import (
	"strings"
	"testing"

	"github.com/gocarina/gocsv"
	"github.com/stretchr/testify/require"

	"github.com/efscore/efs/layout"
)

// blockSizeCase is one row of the embedded boundary-scenario table: a content
// size in bytes and the total data-area blocks (including index blocks)
// layout.TotalBlocks must report for it.
type blockSizeCase struct {
	SizeBytes    uint32 `csv:"size_bytes"`
	ExpectBlocks uint32 `csv:"expect_blocks"`
}

// blockSizesCSV walks every addressing-tier boundary: the direct range, the
// single-indirect range (entry and exit), and the double-indirect range
// (entry, a full second-level block, and a partial tail second-level block).
const blockSizesCSV = `size_bytes,expect_blocks
0,0
1,1
14336,28
14337,30
79872,157
79873,160
145408,287
145409,289
8468480,16670
8468481,16672
`

func TestTotalBlocks_TableDriven(t *testing.T) {
	var cases []blockSizeCase
	require.NoError(t, gocsv.UnmarshalString(strings.TrimSpace(blockSizesCSV)+"\n", &cases))
	require.NotEmpty(t, cases)

	for _, c := range cases {
		got := layout.TotalBlocks(c.SizeBytes)
		if got != c.ExpectBlocks {
			t.Errorf("TotalBlocks(%d) = %d, want %d", c.SizeBytes, got, c.ExpectBlocks)
		}
	}
}
