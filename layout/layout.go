// Package layout defines the on-disk structures of an EFS volume: the
// superblock, the inode record, directory entries, and indirect blocks, plus
// the pure block-addressing arithmetic that sits on top of them. Everything
// here is encoding/decoding plus math; the actual I/O happens one cache
// handle at a time in the callers that hold this package's types (fs and
// inode).
package layout

import (
	"encoding/binary"

	"github.com/efscore/efs/efserrors"
	"github.com/noxer/bytewriter"
)

// BlockSize is the compile-time block size, in bytes, every on-disk
// structure in this package is sized against.
const BlockSize = 512

// Magic identifies a block 0 as an EFS superblock.
const Magic uint32 = 0x3b800001

// DirectCount is the number of block IDs stored inline in a DiskInode.
const DirectCount = 28

// IDsPerBlock is the number of little-endian uint32 block IDs that fit in
// one indirect block (BlockSize / 4).
const IDsPerBlock = BlockSize / 4

// Indirect1Bound is the first logical block index beyond the direct and
// single-indirect ranges combined.
const Indirect1Bound = DirectCount + IDsPerBlock

// Indirect2Bound is the first logical block index beyond the direct,
// single-indirect and double-indirect ranges combined.
const Indirect2Bound = Indirect1Bound + IDsPerBlock*IDsPerBlock

// DirEntrySize is the on-disk size of one DirEntry: 28 bytes of name plus a
// 4-byte inode number.
const DirEntrySize = 32

// NameLength is the on-disk width of a DirEntry's name field, in bytes.
const NameLength = 28

// MaxNameLength is the longest name Encode accepts: one byte short of
// NameLength, so every encoded name is always followed by at least one NUL
// byte within the field.
const MaxNameLength = NameLength - 1

// InodeType distinguishes a File from a Directory inode. Directory is only
// ever true for inode 0: there are no nested directories.
type InodeType uint32

const (
	TypeFile InodeType = iota
	TypeDirectory
)

// SuperBlock is the fixed-layout block 0 of a volume.
type SuperBlock struct {
	TotalBlocks       uint32
	InodeBitmapBlocks uint32
	InodeAreaBlocks   uint32
	DataBitmapBlocks  uint32
	DataAreaBlocks    uint32
}

// superBlockDiskSize is the encoded size of a SuperBlock: magic + 5 uint32s.
const superBlockDiskSize = 4 * 6

// Encode writes sb's on-disk representation into buf[:superBlockDiskSize].
func (sb SuperBlock) Encode(buf []byte) {
	w := bytewriter.New(buf)
	binary.Write(w, binary.LittleEndian, Magic)
	binary.Write(w, binary.LittleEndian, sb.TotalBlocks)
	binary.Write(w, binary.LittleEndian, sb.InodeBitmapBlocks)
	binary.Write(w, binary.LittleEndian, sb.InodeAreaBlocks)
	binary.Write(w, binary.LittleEndian, sb.DataBitmapBlocks)
	binary.Write(w, binary.LittleEndian, sb.DataAreaBlocks)
}

// DecodeSuperBlock reads a SuperBlock from buf and reports whether its magic
// matches; a false return means buf is not (or is no longer) a valid EFS
// superblock.
func DecodeSuperBlock(buf []byte) (SuperBlock, bool) {
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return SuperBlock{}, false
	}
	return SuperBlock{
		TotalBlocks:       binary.LittleEndian.Uint32(buf[4:8]),
		InodeBitmapBlocks: binary.LittleEndian.Uint32(buf[8:12]),
		InodeAreaBlocks:   binary.LittleEndian.Uint32(buf[12:16]),
		DataBitmapBlocks:  binary.LittleEndian.Uint32(buf[16:20]),
		DataAreaBlocks:    binary.LittleEndian.Uint32(buf[20:24]),
	}, true
}

// DiskInode is the 128-byte (at BlockSize=512) on-disk inode record: a byte
// size, 28 direct block pointers, a single- and a double-indirect pointer,
// and a type tag.
type DiskInode struct {
	Size      uint32
	Direct    [DirectCount]uint32
	Indirect1 uint32
	Indirect2 uint32
	Type      InodeType
}

// DiskSize is the encoded byte size of one DiskInode record.
const DiskSize = 4 + DirectCount*4 + 4 + 4 + 4 // 128 bytes

// Encode writes ino's on-disk representation into buf[:DiskSize].
func (ino DiskInode) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], ino.Size)
	for i, id := range ino.Direct {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], id)
	}
	off := 4 + DirectCount*4
	binary.LittleEndian.PutUint32(buf[off:off+4], ino.Indirect1)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], ino.Indirect2)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(ino.Type))
}

// DecodeDiskInode reads a DiskInode from buf.
func DecodeDiskInode(buf []byte) DiskInode {
	var ino DiskInode
	ino.Size = binary.LittleEndian.Uint32(buf[0:4])
	for i := range ino.Direct {
		off := 4 + i*4
		ino.Direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	off := 4 + DirectCount*4
	ino.Indirect1 = binary.LittleEndian.Uint32(buf[off : off+4])
	ino.Indirect2 = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	ino.Type = InodeType(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
	return ino
}

// Initialize resets ino to an empty record of the given type: zero size, no
// block pointers.
func (ino *DiskInode) Initialize(t InodeType) {
	*ino = DiskInode{Type: t}
}

// IsDir reports whether ino is a directory inode. Only inode 0 is ever a
// directory; every other inode is a plain file (no nested directories).
func (ino *DiskInode) IsDir() bool {
	return ino.Type == TypeDirectory
}

// DataBlocks returns ceil(size / BlockSize): the number of data-area blocks
// needed to hold ino's current contents.
func (ino *DiskInode) DataBlocks() uint32 {
	return dataBlocksFor(ino.Size)
}

func dataBlocksFor(size uint32) uint32 {
	return (size + BlockSize - 1) / BlockSize
}

// TotalBlocks returns the number of data-area blocks needed to hold size
// bytes of content, including any indirect index blocks that addressing
// that many data blocks requires.
func TotalBlocks(size uint32) uint32 {
	dataBlocks := dataBlocksFor(size)
	total := dataBlocks

	if dataBlocks > DirectCount {
		total++ // indirect1 index block
	}
	if dataBlocks > Indirect1Bound {
		total++ // indirect2 index block
		total += (dataBlocks - Indirect1Bound + IDsPerBlock - 1) / IDsPerBlock
	}
	return total
}

// BlocksNumNeeded returns how many additional data-area blocks (including
// new index blocks) growing to newSize from ino's current size requires.
// newSize must be >= ino.Size.
func (ino *DiskInode) BlocksNumNeeded(newSize uint32) uint32 {
	if newSize < ino.Size {
		panic("BlocksNumNeeded: newSize must be >= current size")
	}
	return TotalBlocks(newSize) - TotalBlocks(ino.Size)
}

// IndirectBlockReader/Writer abstract the one thing GetBlockID and
// IncreaseSize need from the cache: read or modify a 128-entry uint32 array
// stored in some block. The fs/inode layers supply these bound to an actual
// cache handle so this package stays free of any I/O dependency.
type IndirectBlockReader func(id uint32, index int) uint32
type IndirectBlockWriter func(id uint32, index int, value uint32)

// GetBlockID resolves the n-th logical data block of this inode to an
// absolute data-area block ID, via the direct / indirect1 / indirect2 tiers.
// Behavior is undefined for n >= DataBlocks().
func (ino *DiskInode) GetBlockID(n uint32, readIndirect IndirectBlockReader) uint32 {
	switch {
	case n < DirectCount:
		return ino.Direct[n]
	case n < Indirect1Bound:
		return readIndirect(ino.Indirect1, int(n-DirectCount))
	default:
		last := n - Indirect1Bound
		mid := readIndirect(ino.Indirect2, int(last/IDsPerBlock))
		return readIndirect(mid, int(last%IDsPerBlock))
	}
}

// IncreaseSize grows ino to newSize, consuming newBlocks (which must have
// exactly BlocksNumNeeded(newSize) entries) strictly in order: direct slots
// first, then the indirect1 index block (if newly needed) followed by its
// data entries, then the indirect2 index block (if newly needed) followed
// by each second-level indirect1 block and its data entries. This ordering
// is load-bearing for bit-compatibility with other EFS implementations.
func (ino *DiskInode) IncreaseSize(
	newSize uint32,
	newBlocks []uint32,
	readIndirect IndirectBlockReader,
	writeIndirect IndirectBlockWriter,
) {
	currentBlocks := ino.DataBlocks()
	ino.Size = newSize
	totalBlocks := ino.DataBlocks()
	next := 0
	take := func() uint32 {
		v := newBlocks[next]
		next++
		return v
	}

	for currentBlocks < minU32(totalBlocks, DirectCount) {
		ino.Direct[currentBlocks] = take()
		currentBlocks++
	}

	if totalBlocks <= DirectCount {
		return
	}
	if currentBlocks == DirectCount {
		ino.Indirect1 = take()
	}
	currentBlocks -= DirectCount
	totalBlocks -= DirectCount

	for currentBlocks < minU32(totalBlocks, IDsPerBlock) {
		writeIndirect(ino.Indirect1, int(currentBlocks), take())
		currentBlocks++
	}

	if totalBlocks <= IDsPerBlock {
		return
	}
	if currentBlocks == IDsPerBlock {
		ino.Indirect2 = take()
	}
	currentBlocks -= IDsPerBlock
	totalBlocks -= IDsPerBlock

	a0, b0 := currentBlocks/IDsPerBlock, currentBlocks%IDsPerBlock
	a1, b1 := totalBlocks/IDsPerBlock, totalBlocks%IDsPerBlock

	for a0 < a1 || (a0 == a1 && b0 < b1) {
		var level1ID uint32
		if b0 == 0 {
			level1ID = take()
			writeIndirect(ino.Indirect2, int(a0), level1ID)
		} else {
			level1ID = readIndirect(ino.Indirect2, int(a0))
		}
		writeIndirect(level1ID, int(b0), take())

		b0++
		if b0 == IDsPerBlock {
			b0 = 0
			a0++
		}
	}
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// ReleasedBlocks enumerates every data-area block ID this inode currently
// references: direct entries, the indirect1 index block and its data
// entries, the indirect2 index block, each second-level indirect1 block and
// its data entries, in the order encountered walking the map top to bottom.
// The returned slice always has length TotalBlocks(ino.Size).
func (ino *DiskInode) ReleasedBlocks(readIndirect IndirectBlockReader) []uint32 {
	dataBlocks := ino.DataBlocks()
	out := make([]uint32, 0, TotalBlocks(ino.Size))

	direct := minU32(dataBlocks, DirectCount)
	for i := uint32(0); i < direct; i++ {
		out = append(out, ino.Direct[i])
	}
	if dataBlocks <= DirectCount {
		return out
	}

	out = append(out, ino.Indirect1)
	remaining := dataBlocks - DirectCount
	level1Count := minU32(remaining, IDsPerBlock)
	for i := uint32(0); i < level1Count; i++ {
		out = append(out, readIndirect(ino.Indirect1, int(i)))
	}
	if remaining <= IDsPerBlock {
		return out
	}

	out = append(out, ino.Indirect2)
	remaining -= IDsPerBlock
	fullLevel1Blocks := remaining / IDsPerBlock
	tailCount := remaining % IDsPerBlock

	for a := uint32(0); a < fullLevel1Blocks; a++ {
		level1ID := readIndirect(ino.Indirect2, int(a))
		out = append(out, level1ID)
		for b := uint32(0); b < IDsPerBlock; b++ {
			out = append(out, readIndirect(level1ID, int(b)))
		}
	}
	if tailCount > 0 {
		level1ID := readIndirect(ino.Indirect2, int(fullLevel1Blocks))
		out = append(out, level1ID)
		for b := uint32(0); b < tailCount; b++ {
			out = append(out, readIndirect(level1ID, int(b)))
		}
	}
	return out
}

// ClearSize resets ino to an empty, zero-sized state. Callers must first
// have collected ReleasedBlocks and returned them to the data bitmap; this
// method only mutates the inode record itself.
func (ino *DiskInode) ClearSize() {
	ino.Size = 0
	ino.Direct = [DirectCount]uint32{}
	ino.Indirect1 = 0
	ino.Indirect2 = 0
}

// DirEntry is one 32-byte (name, inode number) record in a directory's
// contents.
type DirEntry struct {
	Name        string
	InodeNumber uint32
}

// Encode writes e's on-disk representation into buf[:DirEntrySize]: the name
// NUL-padded to NameLength bytes, followed by the little-endian inode
// number. It panics if e.Name is longer than MaxNameLength, since that would
// leave no NUL terminator within the field.
func (e DirEntry) Encode(buf []byte) {
	if len(e.Name) > MaxNameLength {
		panic(efserrors.EFSError("dir entry name exceeds MaxNameLength"))
	}
	for i := range buf[:NameLength] {
		buf[i] = 0
	}
	copy(buf[:NameLength], e.Name)
	binary.LittleEndian.PutUint32(buf[NameLength:NameLength+4], e.InodeNumber)
}

// DecodeDirEntry reads a DirEntry from buf.
func DecodeDirEntry(buf []byte) DirEntry {
	nameLen := 0
	for nameLen < NameLength && buf[nameLen] != 0 {
		nameLen++
	}
	return DirEntry{
		Name:        string(buf[:nameLen]),
		InodeNumber: binary.LittleEndian.Uint32(buf[NameLength : NameLength+4]),
	}
}
