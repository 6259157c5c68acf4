package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efscore/efs/block"
	"github.com/efscore/efs/block/cache"
)

func TestCache_GetSharesEntryForSameBlock(t *testing.T) {
	dev := block.NewRAMDevice(64, 4)
	c := cache.New()

	h1 := c.Get(0, dev)
	h2 := c.Get(0, dev)

	h1.Modify(0, func(buf []byte) { buf[0] = 0x42 })

	var seen byte
	h2.Read(0, func(buf []byte) { seen = buf[0] })
	assert.Equal(t, byte(0x42), seen, "second handle should observe the first's write")

	h1.Release()
	h2.Release()
}

func TestCache_WriteIsDurableOnlyAfterSync(t *testing.T) {
	dev := block.NewRAMDevice(64, 4)
	c := cache.New()

	h := c.Get(1, dev)
	h.Modify(0, func(buf []byte) { buf[0] = 0x7 })

	raw := make([]byte, 64)
	require.NoError(t, dev.ReadBlock(1, raw))
	assert.NotEqual(t, byte(0x7), raw[0], "write must not be durable before sync")

	require.NoError(t, h.Sync())
	h.Release()

	require.NoError(t, dev.ReadBlock(1, raw))
	assert.Equal(t, byte(0x7), raw[0], "write should be durable after explicit sync")
}

func TestCache_EvictsFirstUnreferencedEntryOnceFull(t *testing.T) {
	dev := block.NewRAMDevice(64, cache.Capacity+4)
	c := cache.New()

	var handles []*cache.Handle
	for i := 0; i < cache.Capacity; i++ {
		h := c.Get(block.ID(i), dev)
		handles = append(handles, h)
	}
	assert.Equal(t, cache.Capacity, c.Len())

	// Release the first entry so it becomes evictable, then request one more
	// block: eviction must remove block 0, not any later one.
	handles[0].Release()
	_ = c.Get(block.ID(cache.Capacity), dev)

	assert.Equal(t, cache.Capacity, c.Len(), "cache must stay at capacity after eviction")

	for i := 1; i < cache.Capacity; i++ {
		handles[i].Release()
	}
}

func TestCache_SyncAllFlushesEveryDirtyEntry(t *testing.T) {
	dev := block.NewRAMDevice(64, 3)
	c := cache.New()

	for i := block.ID(0); i < 3; i++ {
		h := c.Get(i, dev)
		h.Modify(0, func(buf []byte) { buf[0] = byte(i) + 1 })
		h.Release()
	}

	require.NoError(t, c.SyncAll())

	raw := make([]byte, 64)
	for i := block.ID(0); i < 3; i++ {
		require.NoError(t, dev.ReadBlock(i, raw))
		assert.Equal(t, byte(i)+1, raw[0])
	}
}

func TestCache_ExhaustionPanics(t *testing.T) {
	dev := block.NewRAMDevice(64, cache.Capacity+1)
	c := cache.New()

	var handles []*cache.Handle
	for i := 0; i < cache.Capacity; i++ {
		handles = append(handles, c.Get(block.ID(i), dev))
	}

	assert.Panics(t, func() {
		c.Get(block.ID(cache.Capacity), dev)
	}, "requesting one more block than capacity with everything pinned must panic")

	for _, h := range handles {
		h.Release()
	}
}
