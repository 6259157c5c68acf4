// Package efstest provides shared test fixtures: a freshly formatted volume
// on a RAM-backed device of a given size, and a deterministic payload
// generator. It has no bitmap-parity assertions of its own; tests check the
// bitmaps directly through bitmap.Bitmap.PopCount and IsSet.
package efstest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efscore/efs/block"
	"github.com/efscore/efs/fs"
	"github.com/efscore/efs/layout"
)

// NewVolume formats a fresh RAM-backed volume of totalBlocks blocks with
// inodeBitmapBlocks reserved for the inode bitmap, and returns the manager
// bound to it plus the underlying device (for direct bitmap inspection).
func NewVolume(t *testing.T, totalBlocks, inodeBitmapBlocks uint32) (*fs.Manager, block.Device) {
	t.Helper()
	dev := block.NewRAMDevice(layout.BlockSize, uint(totalBlocks))
	m := fs.Create(dev, totalBlocks, inodeBitmapBlocks)
	require.NotNil(t, m)
	return m, dev
}

// RandomPayload returns a deterministic pseudo-random byte string of the
// given length, useful for round-trip tests where the exact bytes don't
// matter but reproducibility does.
func RandomPayload(length int) []byte {
	buf := make([]byte, length)
	state := uint32(0x2545F491)
	for i := range buf {
		state = state*1664525 + 1013904223
		buf[i] = byte(state >> 24)
	}
	return buf
}
