// Package cache implements the bounded, write-back block cache every read or
// modification of persistent EFS state goes through. Entries are
// reference-counted and shared: two callers asking for the same block ID see
// the same in-memory buffer. Eviction only ever considers entries nobody
// besides the cache itself is holding onto.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/efscore/efs/block"
	"github.com/efscore/efs/efserrors"
)

// Capacity is the maximum number of resident block images. A single public
// inode operation's working set (bitmap block, inode block, one indirect
// level, one data block) stays well under this.
const Capacity = 16

// entry is one resident in-memory copy of a block. refs is read by eviction
// without taking mu: a nested Get from inside a held Modify callback must
// never block on a mutex this goroutine already holds, so the refcount is
// kept outside the e.mu that guards buf/dirty.
type entry struct {
	mu    sync.Mutex
	id    block.ID
	dev   block.Device
	buf   []byte
	dirty bool
	refs  atomic.Int64
}

func (e *entry) sync() error {
	if !e.dirty {
		return nil
	}
	if err := e.dev.WriteBlock(e.id, e.buf); err != nil {
		return efserrors.ErrIO.WrapError(err)
	}
	e.dirty = false
	return nil
}

// Cache is a bounded set of resident block images shared across callers of a
// single device. It is safe for concurrent use; per-entry locking lets
// independent blocks be accessed concurrently, while the cache's own mutex
// only guards the queue and the id->entry index.
type Cache struct {
	mu       sync.Mutex
	queue    *list.List // of *entry, in insertion (FIFO) order
	byID     map[block.ID]*list.Element
	capacity int
}

// New creates an empty cache with the default capacity.
func New() *Cache {
	return &Cache{
		queue:    list.New(),
		byID:     make(map[block.ID]*list.Element),
		capacity: Capacity,
	}
}

// Handle is a shared reference to one cache entry. Callers must call Release
// exactly once when done; holding a Handle across more than one public
// filesystem operation is not supported.
type Handle struct {
	c *Cache
	e *entry
}

// Get returns a Handle to the block identified by id, loading it from dev if
// it isn't already resident. If the cache is full, the first (queue-order)
// entry with no outside references is evicted, syncing it first if dirty.
// If every resident entry is pinned, Get panics with
// efserrors.ErrCacheExhausted: this is a fatal, unrecoverable condition.
func (c *Cache) Get(id block.ID, dev block.Device) *Handle {
	c.mu.Lock()
	if elem, ok := c.byID[id]; ok {
		e := elem.Value.(*entry)
		e.refs.Add(1)
		c.mu.Unlock()
		return &Handle{c: c, e: e}
	}

	if c.queue.Len() >= c.capacity {
		c.evictLocked()
	}

	buf := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(id, buf); err != nil {
		c.mu.Unlock()
		panic(efserrors.ErrIO.WrapError(err))
	}

	e := &entry{id: id, dev: dev, buf: buf}
	e.refs.Store(1)
	c.byID[id] = c.queue.PushBack(e)
	c.mu.Unlock()
	return &Handle{c: c, e: e}
}

// evictLocked removes the first unreferenced entry from the queue, syncing
// it first. Caller must hold c.mu. Panics with ErrCacheExhausted if no entry
// is evictable. Only ever inspects refs, never e.mu: a caller reaching here
// may already hold e.mu on some other entry further up its call stack (e.g.
// a multi-block Modify callback that calls Get again), so evictLocked must
// not take any entry's mu except the one it actually evicts, and even then
// only to sync it.
func (c *Cache) evictLocked() {
	for elem := c.queue.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.refs.Load() != 0 {
			continue
		}

		if err := e.sync(); err != nil {
			panic(err)
		}
		c.queue.Remove(elem)
		delete(c.byID, e.id)
		return
	}
	panic(efserrors.ErrCacheExhausted)
}

// Read runs f against the cached buffer starting at byteOffset, without
// marking the entry dirty.
func (h *Handle) Read(byteOffset int, f func(buf []byte)) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	f(h.e.buf[byteOffset:])
}

// Modify runs f against the cached buffer starting at byteOffset and marks
// the entry dirty.
func (h *Handle) Modify(byteOffset int, f func(buf []byte)) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	f(h.e.buf[byteOffset:])
	h.e.dirty = true
}

// Sync writes the entry back to its device if dirty, and clears the dirty
// flag.
func (h *Handle) Sync() error {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.sync()
}

// Release drops this reference. It does not itself evict or sync the entry;
// eviction (and the sync that comes with it) only happens from Get, when the
// cache is full and needs room.
func (h *Handle) Release() {
	h.e.refs.Add(-1)
}

// BlockID reports which block this handle refers to.
func (h *Handle) BlockID() block.ID {
	return h.e.id
}

// SyncAll flushes every dirty entry currently resident in the cache.
func (c *Cache) SyncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs error
	for elem := c.queue.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		e.mu.Lock()
		err := e.sync()
		e.mu.Unlock()
		if err != nil {
			errs = appendError(errs, err)
		}
	}
	return errs
}

// Len reports how many entries are currently resident, for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}
