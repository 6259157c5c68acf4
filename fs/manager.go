// Package fs owns the filesystem-wide state a volume needs beyond any single
// inode: the two bitmap allocators, the region offsets computed at format
// time, and the single lock that makes a public inode operation atomic with
// respect to every other one.
package fs

import (
	"encoding/binary"
	"sync"

	"github.com/efscore/efs/bitmap"
	"github.com/efscore/efs/block"
	"github.com/efscore/efs/block/cache"
	"github.com/efscore/efs/efserrors"
	"github.com/efscore/efs/layout"
)

// Manager is the filesystem-wide state above a single device: the bitmap
// allocators, the region offsets, and the block cache every inode operation
// is routed through.
type Manager struct {
	mu sync.Mutex

	Device block.Device
	Cache  *cache.Cache

	InodeBitmap bitmap.Bitmap
	DataBitmap  bitmap.Bitmap

	inodeAreaStart block.ID
	dataAreaStart  block.ID
}

// Lock acquires the filesystem-wide lock. Every public inode operation holds
// this for its full duration; callers of Manager methods directly (as
// inode.Handle does) must already hold it.
func (m *Manager) Lock() { m.mu.Lock() }

// Unlock releases the filesystem-wide lock.
func (m *Manager) Unlock() { m.mu.Unlock() }

// DataAreaStart returns the first absolute block ID of the data area.
func (m *Manager) DataAreaStart() block.ID { return m.dataAreaStart }

// InodeAreaStart returns the first absolute block ID of the inode area.
func (m *Manager) InodeAreaStart() block.ID { return m.inodeAreaStart }

// inodesPerBlock is how many 128-byte DiskInode records fit in one block.
func inodesPerBlock() uint32 {
	return layout.BlockSize / layout.DiskSize
}

// Create formats a new volume of totalBlocks blocks, with inodeBitmapBlocks
// blocks reserved for the inode bitmap, and returns a Manager bound to it.
func Create(dev block.Device, totalBlocks, inodeBitmapBlocks uint32) *Manager {
	inodeBitmap := bitmap.New(1, uint(inodeBitmapBlocks))
	inodeNum := inodeBitmap.Maximum()

	inodeAreaBlocks := uint32((inodeNum*uint(layout.DiskSize) + layout.BlockSize - 1) / layout.BlockSize)
	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	dataBitmapBlocks := (dataTotalBlocks + 4096) / 4097
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks

	dataBitmap := bitmap.New(block.ID(1+inodeTotalBlocks), uint(dataBitmapBlocks))

	m := &Manager{
		Device:         dev,
		Cache:          cache.New(),
		InodeBitmap:    inodeBitmap,
		DataBitmap:     dataBitmap,
		inodeAreaStart: block.ID(1 + inodeBitmapBlocks),
		dataAreaStart:  block.ID(1 + inodeTotalBlocks + dataBitmapBlocks),
	}

	zero := make([]byte, layout.BlockSize)
	for i := uint32(0); i < totalBlocks; i++ {
		h := m.Cache.Get(block.ID(i), m.Device)
		h.Modify(0, func(buf []byte) { copy(buf, zero) })
		h.Release()
	}

	sb := layout.SuperBlock{
		TotalBlocks:       totalBlocks,
		InodeBitmapBlocks: inodeBitmapBlocks,
		InodeAreaBlocks:   inodeAreaBlocks,
		DataBitmapBlocks:  dataBitmapBlocks,
		DataAreaBlocks:    dataAreaBlocks,
	}
	h := m.Cache.Get(0, m.Device)
	h.Modify(0, func(buf []byte) { sb.Encode(buf) })
	h.Release()

	rootID, ok := m.AllocInode()
	if !ok || rootID != 0 {
		panic(efserrors.EFSError("format: root inode did not get id 0"))
	}
	rootBlockID, rootOffset := m.GetDiskInodePos(rootID)
	h = m.Cache.Get(rootBlockID, m.Device)
	h.Modify(rootOffset, func(buf []byte) {
		var root layout.DiskInode
		root.Initialize(layout.TypeDirectory)
		root.Encode(buf)
	})
	h.Release()

	if err := m.Cache.SyncAll(); err != nil {
		panic(err)
	}
	return m
}

// Open reads block 0 of dev, validates its magic, and reconstructs the
// Manager that formatted it. It panics with efserrors.ErrInvalidVolume if
// the magic doesn't match.
func Open(dev block.Device) *Manager {
	c := cache.New()
	h := c.Get(0, dev)
	var sb layout.SuperBlock
	var ok bool
	h.Read(0, func(buf []byte) {
		sb, ok = layout.DecodeSuperBlock(buf)
	})
	h.Release()
	if !ok {
		panic(efserrors.ErrInvalidVolume)
	}

	inodeTotalBlocks := sb.InodeBitmapBlocks + sb.InodeAreaBlocks
	return &Manager{
		Device:         dev,
		Cache:          c,
		InodeBitmap:    bitmap.New(1, uint(sb.InodeBitmapBlocks)),
		DataBitmap:     bitmap.New(block.ID(1+inodeTotalBlocks), uint(sb.DataBitmapBlocks)),
		inodeAreaStart: block.ID(1 + sb.InodeBitmapBlocks),
		dataAreaStart:  block.ID(1 + inodeTotalBlocks + sb.DataBitmapBlocks),
	}
}

// GetDiskInodePos returns the absolute block ID and in-block byte offset of
// inode id's on-disk record.
func (m *Manager) GetDiskInodePos(id uint32) (block.ID, int) {
	perBlock := inodesPerBlock()
	blockID := m.inodeAreaStart + block.ID(id/perBlock)
	offset := int(id%perBlock) * layout.DiskSize
	return blockID, offset
}

// AllocInode reserves the first free inode bit. The bool is false if the
// inode area is full.
func (m *Manager) AllocInode() (uint32, bool) {
	bit, ok := m.InodeBitmap.Alloc(m.Device, m.Cache)
	return uint32(bit), ok
}

// AllocData reserves the first free data-area bit and returns its absolute
// block ID (i.e. already offset by DataAreaStart). The bool is false if the
// data area is full.
func (m *Manager) AllocData() (block.ID, bool) {
	bit, ok := m.DataBitmap.Alloc(m.Device, m.Cache)
	if !ok {
		return 0, false
	}
	return m.dataAreaStart + block.ID(bit), true
}

// DeallocData zeroes blockID and returns its bit to the data bitmap.
func (m *Manager) DeallocData(blockID block.ID) {
	h := m.Cache.Get(blockID, m.Device)
	h.Modify(0, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
	})
	h.Release()
	m.DataBitmap.Dealloc(m.Device, m.Cache, uint(blockID-m.dataAreaStart))
}

// DeallocInode returns inode id's bit to the inode bitmap. Used by the
// Unlink operation; Clear alone never calls this.
func (m *Manager) DeallocInode(id uint32) {
	m.InodeBitmap.Dealloc(m.Device, m.Cache, uint(id))
}

// SyncAll flushes every dirty cache entry to the device.
func (m *Manager) SyncAll() error {
	return m.Cache.SyncAll()
}

// ReadIndirect returns an IndirectBlockReader bound to this manager's cache
// and device, for use with layout.DiskInode.GetBlockID/ReleasedBlocks.
func (m *Manager) ReadIndirect() layout.IndirectBlockReader {
	return func(id uint32, index int) uint32 {
		h := m.Cache.Get(block.ID(id), m.Device)
		defer h.Release()
		var v uint32
		h.Read(0, func(buf []byte) {
			off := index * 4
			v = binary.LittleEndian.Uint32(buf[off : off+4])
		})
		return v
	}
}

// WriteIndirect returns an IndirectBlockWriter bound to this manager's cache
// and device, for use with layout.DiskInode.IncreaseSize.
func (m *Manager) WriteIndirect() layout.IndirectBlockWriter {
	return func(id uint32, index int, value uint32) {
		h := m.Cache.Get(block.ID(id), m.Device)
		defer h.Release()
		h.Modify(0, func(buf []byte) {
			off := index * 4
			binary.LittleEndian.PutUint32(buf[off:off+4], value)
		})
	}
}
