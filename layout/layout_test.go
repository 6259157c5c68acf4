package layout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efscore/efs/layout"
)

func TestSuperBlockRoundTrip(t *testing.T) {
	sb := layout.SuperBlock{
		TotalBlocks:       4096,
		InodeBitmapBlocks: 1,
		InodeAreaBlocks:   1024,
		DataBitmapBlocks:  1,
		DataAreaBlocks:    3070,
	}
	buf := make([]byte, layout.BlockSize)
	sb.Encode(buf)

	decoded, ok := layout.DecodeSuperBlock(buf)
	require.True(t, ok)
	assert.Equal(t, sb, decoded)
}

func TestDecodeSuperBlockRejectsBadMagic(t *testing.T) {
	buf := make([]byte, layout.BlockSize)
	_, ok := layout.DecodeSuperBlock(buf)
	assert.False(t, ok)
}

func TestDiskInodeRoundTrip(t *testing.T) {
	var ino layout.DiskInode
	ino.Initialize(layout.TypeFile)
	ino.Size = 12345
	ino.Direct[0] = 7
	ino.Direct[27] = 99
	ino.Indirect1 = 42
	ino.Indirect2 = 43

	buf := make([]byte, layout.DiskSize)
	ino.Encode(buf)
	decoded := layout.DecodeDiskInode(buf)
	assert.Equal(t, ino, decoded)
}

func TestDirEntryRoundTrip(t *testing.T) {
	e := layout.DirEntry{Name: "hello", InodeNumber: 3}
	buf := make([]byte, layout.DirEntrySize)
	e.Encode(buf)
	decoded := layout.DecodeDirEntry(buf)
	assert.Equal(t, e, decoded)
}

func TestDirEntryNameAtMaxLengthLeavesRoomForNUL(t *testing.T) {
	name := "0123456789012345678901234567"[:layout.MaxNameLength]
	e := layout.DirEntry{Name: name, InodeNumber: 1}
	buf := make([]byte, layout.DirEntrySize)
	e.Encode(buf)
	assert.Zero(t, buf[layout.MaxNameLength], "byte after a max-length name must be the NUL terminator")
	decoded := layout.DecodeDirEntry(buf)
	assert.Equal(t, name, decoded.Name)
}

func TestDirEntryEncode_PanicsWhenNameExceedsMaxLength(t *testing.T) {
	name := "0123456789012345678901234567"[:layout.NameLength] // one byte too long
	e := layout.DirEntry{Name: name, InodeNumber: 1}
	buf := make([]byte, layout.DirEntrySize)
	assert.Panics(t, func() { e.Encode(buf) })
}

func TestTotalBlocks_DirectRangeOnly(t *testing.T) {
	assert.EqualValues(t, 0, layout.TotalBlocks(0))
	assert.EqualValues(t, 1, layout.TotalBlocks(1))
	assert.EqualValues(t, 28, layout.TotalBlocks(28*layout.BlockSize))
}

func TestTotalBlocks_Indirect1Range(t *testing.T) {
	// One byte past the direct range needs a 29th data block plus the
	// indirect1 index block itself.
	size := uint32(28*layout.BlockSize + 1)
	assert.EqualValues(t, 28+1+1, layout.TotalBlocks(size))
}

func TestTotalBlocks_Indirect2Range(t *testing.T) {
	// One byte past the indirect1 range needs the indirect2 index block and
	// one second-level indirect1 block in addition to the data blocks.
	size := uint32(layout.Indirect1Bound*layout.BlockSize + 1)
	dataBlocks := uint32(layout.Indirect1Bound + 1)
	expected := dataBlocks + 1 /* indirect1 */ + 1 /* indirect2 */ + 1 /* 2nd-level indirect1 */
	assert.EqualValues(t, expected, layout.TotalBlocks(size))
}

func TestBlocksNumNeededPanicsOnShrink(t *testing.T) {
	var ino layout.DiskInode
	ino.Initialize(layout.TypeFile)
	ino.Size = 100
	assert.Panics(t, func() { ino.BlocksNumNeeded(10) })
}

// fakeIndex is an in-memory stand-in for the cache-backed indirect block
// storage fs.Manager would otherwise provide, letting layout's growth/
// addressing logic be tested without a device.
type fakeIndex struct {
	blocks map[uint32][]uint32
	next   uint32
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{blocks: make(map[uint32][]uint32)}
}

func (f *fakeIndex) alloc() uint32 {
	f.next++
	f.blocks[f.next] = make([]uint32, layout.IDsPerBlock)
	return f.next
}

func (f *fakeIndex) read(id uint32, index int) uint32 {
	return f.blocks[id][index]
}

func (f *fakeIndex) write(id uint32, index int, value uint32) {
	f.blocks[id][index] = value
}

func TestIncreaseSizeAndGetBlockID_DirectOnly(t *testing.T) {
	idx := newFakeIndex()
	var ino layout.DiskInode
	ino.Initialize(layout.TypeFile)

	newSize := uint32(10 * layout.BlockSize)
	needed := ino.BlocksNumNeeded(newSize)
	require.EqualValues(t, 10, needed)

	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = 100 + uint32(i)
	}
	ino.IncreaseSize(newSize, blocks, idx.read, idx.write)

	for i := uint32(0); i < 10; i++ {
		assert.Equal(t, 100+i, ino.GetBlockID(i, idx.read))
	}
}

func TestIncreaseSizeAndGetBlockID_Indirect1(t *testing.T) {
	idx := newFakeIndex()
	var ino layout.DiskInode
	ino.Initialize(layout.TypeFile)

	// 40 data blocks: 28 direct + 12 via indirect1.
	newSize := uint32(40 * layout.BlockSize)
	needed := ino.BlocksNumNeeded(newSize)

	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = idx.alloc()
	}
	ino.IncreaseSize(newSize, blocks, idx.read, idx.write)

	assert.NotZero(t, ino.Indirect1)
	for i := uint32(0); i < 40; i++ {
		id := ino.GetBlockID(i, idx.read)
		assert.NotZero(t, id)
	}
}

func TestIncreaseSizeAndGetBlockID_Indirect2(t *testing.T) {
	idx := newFakeIndex()
	var ino layout.DiskInode
	ino.Initialize(layout.TypeFile)

	// Past the indirect1 range: forces indirect2 allocation, including a
	// second-level indirect1 block.
	extraBlocks := uint32(5)
	dataBlocks := layout.Indirect1Bound + extraBlocks
	newSize := dataBlocks * layout.BlockSize
	needed := ino.BlocksNumNeeded(newSize)

	blocks := make([]uint32, needed)
	for i := range blocks {
		blocks[i] = idx.alloc()
	}
	ino.IncreaseSize(newSize, blocks, idx.read, idx.write)

	assert.NotZero(t, ino.Indirect2)
	seen := make(map[uint32]bool)
	for i := uint32(0); i < dataBlocks; i++ {
		id := ino.GetBlockID(i, idx.read)
		assert.NotZero(t, id)
		assert.False(t, seen[id], "block id %d addressed twice", id)
		seen[id] = true
	}
}

func TestReleasedBlocksCountMatchesTotalBlocks(t *testing.T) {
	cases := []uint32{
		0,
		3 * layout.BlockSize,
		28 * layout.BlockSize,
		40 * layout.BlockSize,
		(layout.Indirect1Bound + 5) * layout.BlockSize,
		(layout.Indirect1Bound + layout.IDsPerBlock + 7) * layout.BlockSize,
	}

	for _, size := range cases {
		idx := newFakeIndex()
		var ino layout.DiskInode
		ino.Initialize(layout.TypeFile)

		needed := ino.BlocksNumNeeded(size)
		blocks := make([]uint32, needed)
		for i := range blocks {
			blocks[i] = idx.alloc()
		}
		ino.IncreaseSize(size, blocks, idx.read, idx.write)

		released := ino.ReleasedBlocks(idx.read)
		assert.Equal(t, int(layout.TotalBlocks(size)), len(released), "size=%d", size)
	}
}

func TestDataBlocks_PartialBlockCountsAsOne(t *testing.T) {
	// ReadAt/WriteAt and their clamping live in package inode (they need
	// cache access); this only checks the block count DataBlocks reports
	// for a 3-byte inode, to keep layout free of any cache dependency.
	var ino layout.DiskInode
	ino.Initialize(layout.TypeFile)
	ino.Size = 3
	assert.EqualValues(t, 1, ino.DataBlocks())
}
