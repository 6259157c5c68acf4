// Package bitmap implements the on-disk bit allocator shared by the inode
// and data regions. Each block of the bitmap holds 4096 bits, viewed as 64
// little-endian uint64 words; allocation always picks the lowest free bit by
// (block, word, bit), giving deterministic, test-friendly layouts.
package bitmap

import (
	"encoding/binary"

	bm "github.com/boljen/go-bitmap"

	"github.com/efscore/efs/block"
	"github.com/efscore/efs/block/cache"
	"github.com/efscore/efs/efserrors"
)

// WordsPerBlock is the number of 64-bit words packed into one bitmap block
// (64 words x 8 bytes = one layout.BlockSize block of 512 bytes, holding
// 64 x 64 = 4096 bits).
const WordsPerBlock = 64

// BitsPerBlock is the number of allocatable bits held in one bitmap block.
const BitsPerBlock = WordsPerBlock * 64

// Bitmap is a bit allocator backed by a contiguous run of cached blocks
// starting at StartBlock.
type Bitmap struct {
	StartBlock block.ID
	NumBlocks  uint
}

// New returns a Bitmap over numBlocks blocks of bitmap storage starting at
// startBlock. It does not format or zero anything; callers are responsible
// for zeroing the backing blocks (fs.Manager.Create does this for the whole
// volume up front).
func New(startBlock block.ID, numBlocks uint) Bitmap {
	return Bitmap{StartBlock: startBlock, NumBlocks: numBlocks}
}

// Maximum returns the total number of bits this bitmap can track.
func (b Bitmap) Maximum() uint {
	return b.NumBlocks * BitsPerBlock
}

func decompose(bit uint) (blockIdx, word, bitInWord uint) {
	blockIdx = bit / BitsPerBlock
	rem := bit % BitsPerBlock
	return blockIdx, rem / 64, rem % 64
}

// trailingOnes returns the position of the lowest clear bit in v, or 64 if
// v is all-ones. This mirrors go-bitmap's bit-scanning helpers, applied to a
// single 64-bit word instead of an arbitrary-length in-memory bitmap.
func trailingOnes(v uint64) int {
	n := 0
	for v&1 == 1 {
		n++
		v >>= 1
	}
	return n
}

// Alloc scans blocks in order, picks the first word that isn't all-ones,
// sets the lowest clear bit in that word, and returns the global bit index.
// It returns (0, false) if every word of every block is all-ones.
func (b Bitmap) Alloc(dev block.Device, c *cache.Cache) (uint, bool) {
	for blockIdx := uint(0); blockIdx < b.NumBlocks; blockIdx++ {
		h := c.Get(b.StartBlock+block.ID(blockIdx), dev)
		var result uint
		found := false
		h.Modify(0, func(buf []byte) {
			for word := 0; word < WordsPerBlock; word++ {
				v := binary.LittleEndian.Uint64(buf[word*8 : word*8+8])
				if v == ^uint64(0) {
					continue
				}
				bitInWord := trailingOnes(v)
				v |= uint64(1) << uint(bitInWord)
				binary.LittleEndian.PutUint64(buf[word*8:word*8+8], v)
				result = blockIdx*BitsPerBlock + uint(word)*64 + uint(bitInWord)
				found = true
				return
			}
		})
		h.Release()
		if found {
			return result, true
		}
	}
	return 0, false
}

// Dealloc clears bit, which must currently be set. Clearing an already-clear
// bit is a programmer error and panics.
func (b Bitmap) Dealloc(dev block.Device, c *cache.Cache, bit uint) {
	blockIdx, word, bitInWord := decompose(bit)
	h := c.Get(b.StartBlock+block.ID(blockIdx), dev)
	defer h.Release()

	h.Modify(0, func(buf []byte) {
		v := binary.LittleEndian.Uint64(buf[word*8 : word*8+8])
		mask := uint64(1) << bitInWord
		if v&mask == 0 {
			panic(efserrors.EFSError("dealloc of already-free bit").WithMessage(
				"bitmap: bit is not set",
			))
		}
		v &^= mask
		binary.LittleEndian.PutUint64(buf[word*8:word*8+8], v)
	})
}

// IsSet reports whether bit is currently allocated. Exposed for tests that
// want to check bitmap<->usage parity without going through Alloc/Dealloc.
func (b Bitmap) IsSet(dev block.Device, c *cache.Cache, bit uint) bool {
	blockIdx, word, bitInWord := decompose(bit)
	h := c.Get(b.StartBlock+block.ID(blockIdx), dev)
	defer h.Release()

	var set bool
	h.Read(0, func(buf []byte) {
		set = bm.Bitmap(buf).Get(int(word*64 + bitInWord))
	})
	return set
}

// PopCount returns the number of set bits across the whole bitmap, used by
// tests to verify allocator<->usage parity.
func (b Bitmap) PopCount(dev block.Device, c *cache.Cache) uint {
	var count uint
	for blockIdx := uint(0); blockIdx < b.NumBlocks; blockIdx++ {
		h := c.Get(b.StartBlock+block.ID(blockIdx), dev)
		h.Read(0, func(buf []byte) {
			bits := bm.Bitmap(buf)
			for i := 0; i < BitsPerBlock; i++ {
				if bits.Get(i) {
					count++
				}
			}
		})
		h.Release()
	}
	return count
}
