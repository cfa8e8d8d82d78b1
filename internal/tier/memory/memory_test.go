package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/internal/tier/memory"
	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
)

func newTier(t *testing.T, cfg memory.Config) *memory.Tier {
	t.Helper()
	if cfg.EvictionPolicy == "" {
		cfg.EvictionPolicy = "lru"
	}
	cfg.ThreadSafe = true
	return memory.New(cfg)
}

func mustKey(t *testing.T, ns, name string) cachekey.Key {
	t.Helper()
	k, err := cachekey.New(ns, name)
	require.NoError(t, err)
	return k
}

func TestSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "orders", "42")

	require.NoError(t, m.Set(ctx, k, cachevalue.New([]byte("payload")), 0))

	v, ok, err := m.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v.Payload)
	assert.Equal(t, uint64(1), v.AccessCount())
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})

	_, ok, err := m.Get(ctx, mustKey(t, "orders", "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntryIsEvictedOnGet(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "orders", "1")

	require.NoError(t, m.Set(ctx, k, cachevalue.New([]byte("x")), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := m.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestMaxEntriesTriggersEviction(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 2, EvictionPolicy: "lru"})

	k1 := mustKey(t, "ns", "1")
	k2 := mustKey(t, "ns", "2")
	k3 := mustKey(t, "ns", "3")

	require.NoError(t, m.Set(ctx, k1, cachevalue.New([]byte("a")), 0))
	require.NoError(t, m.Set(ctx, k2, cachevalue.New([]byte("b")), 0))
	require.NoError(t, m.Set(ctx, k3, cachevalue.New([]byte("c")), 0))

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	_, ok, _ := m.Get(ctx, k1)
	assert.False(t, ok, "k1 was the least recently used and should have been evicted")

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestMaxMemoryBytesTriggersEviction(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 100, MaxMemoryBytes: 10})

	require.NoError(t, m.Set(ctx, mustKey(t, "ns", "1"), cachevalue.New(make([]byte, 6)), 0))
	require.NoError(t, m.Set(ctx, mustKey(t, "ns", "2"), cachevalue.New(make([]byte, 6)), 0))

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size, "second set should have evicted the first to respect the byte ceiling")
}

func TestDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "ns", "1")
	require.NoError(t, m.Set(ctx, k, cachevalue.New([]byte("a")), 0))

	removed, err := m.Delete(ctx, k)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.Delete(ctx, k)
	require.NoError(t, err)
	assert.False(t, removed, "second delete of the same key reports nothing removed")
}

func TestExistsReflectsExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "ns", "1")
	require.NoError(t, m.Set(ctx, k, cachevalue.New([]byte("a")), time.Millisecond))

	ok, err := m.Exists(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	ok, err = m.Exists(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearEmptiesTierAndResetsStrategy(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	require.NoError(t, m.Set(ctx, mustKey(t, "ns", "1"), cachevalue.New([]byte("a")), 0))

	require.NoError(t, m.Clear(ctx))

	size, err := m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestKeysFiltersByPrefixGlob(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	require.NoError(t, m.Set(ctx, mustKey(t, "orders", "1"), cachevalue.New([]byte("a")), 0))
	require.NoError(t, m.Set(ctx, mustKey(t, "users", "1"), cachevalue.New([]byte("b")), 0))

	keys, err := m.Keys(ctx, "orders:*")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "orders:1", keys[0])
}

func TestBatchOperations(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k1 := mustKey(t, "ns", "1")
	k2 := mustKey(t, "ns", "2")

	err := m.BatchSet(ctx, []tier.BatchItem{
		{Key: k1, Value: cachevalue.New([]byte("a"))},
		{Key: k2, Value: cachevalue.New([]byte("b"))},
	}, 0)
	require.NoError(t, err)

	got, err := m.BatchGet(ctx, []cachekey.Key{k1, k2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	count, err := m.BatchDelete(ctx, []cachekey.Key{k1, k2})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIncrementOnMissingKeyInitializes(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "counters", "hits")

	v, err := m.Increment(ctx, k, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = m.Increment(ctx, k, -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestIncrementOnNonNumericValueErrors(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "ns", "1")
	require.NoError(t, m.Set(ctx, k, cachevalue.New([]byte("not-a-number")), 0))

	_, err := m.Increment(ctx, k, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, tier.ErrNotNumeric)
}

func TestExpireOnMissingKeyErrors(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})

	err := m.Expire(ctx, mustKey(t, "ns", "ghost"), time.Second)
	assert.ErrorIs(t, err, tier.ErrNotFound)
}

func TestHealthCheckRoundTrips(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})

	report, err := m.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
}

func TestWarmUpPrePopulatesEntries(t *testing.T) {
	ctx := context.Background()
	m := newTier(t, memory.Config{MaxEntries: 10})
	k := mustKey(t, "ns", "1")

	m.WarmUp(map[cachekey.Key][]byte{k: []byte("warm")})

	v, ok, err := m.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("warm"), v.Payload)
}

func TestBackgroundCompactionRemovesExpiredEntries(t *testing.T) {
	m := memory.New(memory.Config{
		MaxEntries:        10,
		ThreadSafe:        true,
		BackgroundCleanup: true,
		CleanupInterval:   5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(context.Background()) }()

	k := mustKey(t, "ns", "1")
	require.NoError(t, m.Set(ctx, k, cachevalue.New([]byte("a")), time.Millisecond))

	assert.Eventually(t, func() bool {
		size, _ := m.Size(ctx)
		return size == 0
	}, time.Second, 5*time.Millisecond)
}
