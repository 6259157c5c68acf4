// Package inode is the user-facing handle bound to one on-disk inode. It is
// the only layer application code touches directly: Find, Create, Ls,
// ReadAt, WriteAt, Clear, and the supplemental Unlink. Every method acquires
// the filesystem manager's lock for its full duration, making it atomic with
// respect to every other public inode call.
package inode

import (
	"github.com/efscore/efs/block"
	"github.com/efscore/efs/efserrors"
	"github.com/efscore/efs/fs"
	"github.com/efscore/efs/layout"
)

// Handle is bound to one inode's on-disk position within the inode area.
type Handle struct {
	blockID block.ID
	offset  int
	fs      *fs.Manager
}

// RootInode returns the handle for inode 0, which is always the directory
// root of a formatted volume.
func RootInode(m *fs.Manager) *Handle {
	blockID, offset := m.GetDiskInodePos(0)
	return &Handle{blockID: blockID, offset: offset, fs: m}
}

func (h *Handle) readDiskInode() layout.DiskInode {
	handle := h.fs.Cache.Get(h.blockID, h.fs.Device)
	defer handle.Release()

	var ino layout.DiskInode
	handle.Read(h.offset, func(buf []byte) {
		ino = layout.DecodeDiskInode(buf[:layout.DiskSize])
	})
	return ino
}

func (h *Handle) modifyDiskInode(f func(ino *layout.DiskInode)) {
	handle := h.fs.Cache.Get(h.blockID, h.fs.Device)
	defer handle.Release()

	handle.Modify(h.offset, func(buf []byte) {
		ino := layout.DecodeDiskInode(buf[:layout.DiskSize])
		f(&ino)
		ino.Encode(buf[:layout.DiskSize])
	})
}

// readBytes reads up to len(buf) bytes starting at offset out of ino's data
// blocks, clamped to ino.Size, using the filesystem's cache, and returns the
// number of bytes copied. It and writeBytes live here rather than on
// layout.DiskInode because they need the cache (ino itself carries no
// device/cache reference).
func (h *Handle) readBytes(ino *layout.DiskInode, offset int, buf []byte) int {
	end := offset + len(buf)
	if end > int(ino.Size) {
		end = int(ino.Size)
	}
	if offset >= end {
		return 0
	}

	readIndirect := h.fs.ReadIndirect()
	start := offset
	startBlock := start / layout.BlockSize
	read := 0
	for {
		endCurrentBlock := (start/layout.BlockSize + 1) * layout.BlockSize
		if endCurrentBlock > end {
			endCurrentBlock = end
		}
		blockReadSize := endCurrentBlock - start

		blockID := ino.GetBlockID(uint32(startBlock), readIndirect)
		dataHandle := h.fs.Cache.Get(block.ID(blockID), h.fs.Device)
		dataHandle.Read(0, func(data []byte) {
			srcOff := start % layout.BlockSize
			copy(buf[read:read+blockReadSize], data[srcOff:srcOff+blockReadSize])
		})
		dataHandle.Release()

		read += blockReadSize
		if endCurrentBlock == end {
			break
		}
		startBlock++
		start = endCurrentBlock
	}
	return read
}

func (h *Handle) writeBytes(ino *layout.DiskInode, offset int, buf []byte) int {
	end := offset + len(buf)
	if end > int(ino.Size) {
		end = int(ino.Size)
	}
	if offset > end {
		panic(efserrors.EFSError("write_at: offset past end of inode"))
	}
	if offset == end {
		return 0
	}

	readIndirect := h.fs.ReadIndirect()
	start := offset
	startBlock := start / layout.BlockSize
	written := 0
	for {
		endCurrentBlock := (start/layout.BlockSize + 1) * layout.BlockSize
		if endCurrentBlock > end {
			endCurrentBlock = end
		}
		blockWriteSize := endCurrentBlock - start

		blockID := ino.GetBlockID(uint32(startBlock), readIndirect)
		dataHandle := h.fs.Cache.Get(block.ID(blockID), h.fs.Device)
		dataHandle.Modify(0, func(data []byte) {
			dstOff := start % layout.BlockSize
			copy(data[dstOff:dstOff+blockWriteSize], buf[written:written+blockWriteSize])
		})
		dataHandle.Release()

		written += blockWriteSize
		if endCurrentBlock == end {
			break
		}
		startBlock++
		start = endCurrentBlock
	}
	return written
}

// grow increases ino's size to at least newSize, allocating whatever data
// and index blocks that requires. fs lock must already be held.
func (h *Handle) grow(ino *layout.DiskInode, newSize uint32) {
	if newSize < ino.Size {
		return
	}
	needed := ino.BlocksNumNeeded(newSize)
	newBlocks := make([]uint32, needed)
	for i := range newBlocks {
		id, ok := h.fs.AllocData()
		if !ok {
			panic(efserrors.ErrNoSpace)
		}
		newBlocks[i] = uint32(id)
	}
	ino.IncreaseSize(newSize, newBlocks, h.fs.ReadIndirect(), h.fs.WriteIndirect())
}

// ReadAt reads len(buf) bytes from this inode's contents starting at
// offset, clamped to the inode's current size, and returns the number of
// bytes actually copied into buf.
func (h *Handle) ReadAt(offset int, buf []byte) int {
	h.fs.Lock()
	defer h.fs.Unlock()

	ino := h.readDiskInode()
	return h.readBytes(&ino, offset, buf)
}

// WriteAt grows this inode (allocating data and index blocks as needed) to
// at least offset+len(buf) bytes, writes buf at offset, and syncs the
// cache. It returns the number of bytes written.
func (h *Handle) WriteAt(offset int, buf []byte) int {
	h.fs.Lock()
	defer h.fs.Unlock()

	var written int
	h.modifyDiskInode(func(ino *layout.DiskInode) {
		needed := uint32(offset + len(buf))
		if needed > ino.Size {
			h.grow(ino, needed)
		}
		written = h.writeBytes(ino, offset, buf)
	})

	if err := h.fs.SyncAll(); err != nil {
		panic(err)
	}
	return written
}

// Size returns this inode's current content size in bytes: the number of
// data bytes for a file, or DirEntrySize times its entry-slot count
// (including any tombstoned slots) for a directory.
func (h *Handle) Size() int {
	h.fs.Lock()
	defer h.fs.Unlock()

	return int(h.readDiskInode().Size)
}

// Clear truncates this inode to zero bytes, returning every data-area block
// it owned to the data bitmap. It does not free the inode's own bit; see
// Unlink for that.
func (h *Handle) Clear() {
	h.fs.Lock()
	defer h.fs.Unlock()

	h.modifyDiskInode(func(ino *layout.DiskInode) {
		released := ino.ReleasedBlocks(h.fs.ReadIndirect())
		ino.ClearSize()
		for _, id := range released {
			h.fs.DeallocData(block.ID(id))
		}
	})

	if err := h.fs.SyncAll(); err != nil {
		panic(err)
	}
}

// dirEntryCount returns how many DirEntry records this (directory) inode
// holds.
func dirEntryCount(ino *layout.DiskInode) int {
	return int(ino.Size) / layout.DirEntrySize
}

// tombstoneInodeNumber marks a removed directory entry. Inode 0 is always
// the root directory and can never legitimately appear as a child entry, so
// it doubles as the "deleted" sentinel without needing an extra on-disk bit.
const tombstoneInodeNumber = 0

func (h *Handle) findEntry(ino *layout.DiskInode, name string) (layout.DirEntry, bool) {
	count := dirEntryCount(ino)
	buf := make([]byte, layout.DirEntrySize)
	for i := 0; i < count; i++ {
		n := h.readBytes(ino, i*layout.DirEntrySize, buf)
		if n != layout.DirEntrySize {
			panic(efserrors.ErrCorrupted)
		}
		entry := layout.DecodeDirEntry(buf)
		if entry.InodeNumber == tombstoneInodeNumber {
			continue
		}
		if entry.Name == name {
			return entry, true
		}
	}
	return layout.DirEntry{}, false
}

// findTombstoneSlot returns the index of the first unlinked (tombstoned)
// directory entry, so Create can reuse it instead of growing the directory.
func (h *Handle) findTombstoneSlot(ino *layout.DiskInode) (int, bool) {
	count := dirEntryCount(ino)
	buf := make([]byte, layout.DirEntrySize)
	for i := 0; i < count; i++ {
		h.readBytes(ino, i*layout.DirEntrySize, buf)
		if layout.DecodeDirEntry(buf).InodeNumber == tombstoneInodeNumber {
			return i, true
		}
	}
	return 0, false
}

// Find looks up name among this (directory-only) inode's entries and
// returns a Handle bound to the matching inode, or nil if there is none.
func (h *Handle) Find(name string) *Handle {
	h.fs.Lock()
	defer h.fs.Unlock()

	ino := h.readDiskInode()
	if !ino.IsDir() {
		panic(efserrors.ErrNotADirectory)
	}

	entry, ok := h.findEntry(&ino, name)
	if !ok {
		return nil
	}
	blockID, offset := h.fs.GetDiskInodePos(entry.InodeNumber)
	return &Handle{blockID: blockID, offset: offset, fs: h.fs}
}

// Create adds a new File inode named name to this (directory-only) inode
// and returns a Handle bound to it. It returns nil, without modifying
// anything, if an entry named name already exists or if name is longer than
// layout.MaxNameLength.
func (h *Handle) Create(name string) *Handle {
	h.fs.Lock()
	defer h.fs.Unlock()

	if len(name) > layout.MaxNameLength {
		return nil
	}

	ino := h.readDiskInode()
	if !ino.IsDir() {
		panic(efserrors.ErrNotADirectory)
	}
	if _, exists := h.findEntry(&ino, name); exists {
		return nil
	}

	newInodeID, ok := h.fs.AllocInode()
	if !ok {
		panic(efserrors.ErrNoSpace)
	}
	newBlockID, newOffset := h.fs.GetDiskInodePos(newInodeID)

	newHandle := h.fs.Cache.Get(newBlockID, h.fs.Device)
	newHandle.Modify(newOffset, func(buf []byte) {
		var newIno layout.DiskInode
		newIno.Initialize(layout.TypeFile)
		newIno.Encode(buf[:layout.DiskSize])
	})
	newHandle.Release()

	h.modifyDiskInode(func(dir *layout.DiskInode) {
		entry := layout.DirEntry{Name: name, InodeNumber: newInodeID}
		entryBuf := make([]byte, layout.DirEntrySize)
		entry.Encode(entryBuf)

		if slot, ok := h.findTombstoneSlot(dir); ok {
			h.writeBytes(dir, slot*layout.DirEntrySize, entryBuf)
			return
		}

		count := dirEntryCount(dir)
		newSize := uint32((count + 1) * layout.DirEntrySize)
		h.grow(dir, newSize)
		h.writeBytes(dir, count*layout.DirEntrySize, entryBuf)
	})

	if err := h.fs.SyncAll(); err != nil {
		panic(err)
	}
	return &Handle{blockID: newBlockID, offset: newOffset, fs: h.fs}
}

// Ls returns the names of this (directory-only) inode's entries, in
// directory-slot order. That is creation order, except that an entry created
// after an Unlink takes the first tombstoned slot instead of the end.
func (h *Handle) Ls() []string {
	h.fs.Lock()
	defer h.fs.Unlock()

	ino := h.readDiskInode()
	if !ino.IsDir() {
		panic(efserrors.ErrNotADirectory)
	}

	count := dirEntryCount(&ino)
	names := make([]string, 0, count)
	buf := make([]byte, layout.DirEntrySize)
	for i := 0; i < count; i++ {
		h.readBytes(&ino, i*layout.DirEntrySize, buf)
		entry := layout.DecodeDirEntry(buf)
		if entry.InodeNumber == tombstoneInodeNumber {
			continue
		}
		names = append(names, entry.Name)
	}
	return names
}

// Unlink removes the directory entry named name and frees the target
// inode's data blocks and its inode bit. The low-level Clear operation
// alone never frees an inode's bit, so without Unlink a remove-then-recreate
// sequence would leak one inode per cycle.
//
// The entry's slot is tombstoned in place (its inode number overwritten
// with 0) rather than compacted out, so the directory's own size never has
// to shrink: its block-map invariant requires the reachable set to have
// exactly TotalBlocks(size) blocks, and compaction would break that. Create
// reuses tombstoned slots before growing the directory, so they don't
// accumulate forever. Unlink returns false if no entry named name exists.
func (h *Handle) Unlink(name string) bool {
	h.fs.Lock()

	ino := h.readDiskInode()
	if !ino.IsDir() {
		h.fs.Unlock()
		panic(efserrors.ErrNotADirectory)
	}

	target, ok := h.findEntry(&ino, name)
	if !ok {
		h.fs.Unlock()
		return false
	}

	h.modifyDiskInode(func(dir *layout.DiskInode) {
		count := dirEntryCount(dir)
		buf := make([]byte, layout.DirEntrySize)
		for i := 0; i < count; i++ {
			h.readBytes(dir, i*layout.DirEntrySize, buf)
			entry := layout.DecodeDirEntry(buf)
			if entry.InodeNumber == target.InodeNumber && entry.Name == name {
				tombstone := layout.DirEntry{InodeNumber: tombstoneInodeNumber}
				tombstone.Encode(buf)
				h.writeBytes(dir, i*layout.DirEntrySize, buf)
				break
			}
		}
	})

	targetBlockID, targetOffset := h.fs.GetDiskInodePos(target.InodeNumber)
	targetHandle := &Handle{blockID: targetBlockID, offset: targetOffset, fs: h.fs}
	targetHandle.modifyDiskInode(func(ino *layout.DiskInode) {
		released := ino.ReleasedBlocks(h.fs.ReadIndirect())
		ino.ClearSize()
		for _, id := range released {
			h.fs.DeallocData(block.ID(id))
		}
	})

	h.fs.DeallocInode(target.InodeNumber)
	if err := h.fs.SyncAll(); err != nil {
		h.fs.Unlock()
		panic(err)
	}
	h.fs.Unlock()
	return true
}
