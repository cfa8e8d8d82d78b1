package disk_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/internal/tier/disk"
	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
)

func newTestTier(t *testing.T, mutate func(*disk.Config)) *disk.Tier {
	t.Helper()
	cfg := disk.Config{RootDir: t.TempDir()}
	if mutate != nil {
		mutate(&cfg)
	}
	dt, err := disk.New(cfg)
	require.NoError(t, err)
	return dt
}

func mustKey(t *testing.T, ns, name string) cachekey.Key {
	t.Helper()
	k, err := cachekey.New(ns, name)
	require.NoError(t, err)
	return k
}

func TestSetThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)
	k := mustKey(t, "orders", "1")

	require.NoError(t, dt.Set(ctx, k, cachevalue.New([]byte("payload")), 0))

	v, ok, err := dt.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v.Payload)
}

func TestCompressedRoundTrips(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, func(c *disk.Config) { c.Compress = true })
	k := mustKey(t, "orders", "1")
	payload := []byte("a long repeated payload a long repeated payload a long repeated payload")

	require.NoError(t, dt.Set(ctx, k, cachevalue.New(payload), 0))

	v, ok, err := dt.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, v.Payload)
}

func TestGetMissReturnsFalse(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)

	_, ok, err := dt.Get(ctx, mustKey(t, "orders", "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpiredEntryIsRemovedOnGet(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)
	k := mustKey(t, "orders", "1")

	require.NoError(t, dt.Set(ctx, k, cachevalue.New([]byte("x")), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := dt.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteRemovesEntryAndFile(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)
	k := mustKey(t, "orders", "1")
	require.NoError(t, dt.Set(ctx, k, cachevalue.New([]byte("a")), 0))

	removed, err := dt.Delete(ctx, k)
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, _ := dt.Get(ctx, k)
	assert.False(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)
	require.NoError(t, dt.Set(ctx, mustKey(t, "ns", "1"), cachevalue.New([]byte("a")), 0))
	require.NoError(t, dt.Set(ctx, mustKey(t, "ns", "2"), cachevalue.New([]byte("b")), 0))

	require.NoError(t, dt.Clear(ctx))

	size, err := dt.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestBatchOperations(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)
	k1 := mustKey(t, "ns", "1")
	k2 := mustKey(t, "ns", "2")

	err := dt.BatchSet(ctx, []tier.BatchItem{
		{Key: k1, Value: cachevalue.New([]byte("a"))},
		{Key: k2, Value: cachevalue.New([]byte("b"))},
	}, 0)
	require.NoError(t, err)

	got, err := dt.BatchGet(ctx, []cachekey.Key{k1, k2})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	count, err := dt.BatchDelete(ctx, []cachekey.Key{k1, k2})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestExpireOnMissingKeyErrors(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)

	err := dt.Expire(ctx, mustKey(t, "ns", "ghost"), time.Second)
	assert.ErrorIs(t, err, tier.ErrNotFound)
}

func TestHealthCheckRoundTrips(t *testing.T) {
	ctx := context.Background()
	dt := newTestTier(t, nil)

	report, err := dt.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, report.Healthy)
}

func TestIndexSurvivesReload(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dt, err := disk.New(disk.Config{RootDir: root})
	require.NoError(t, err)

	k := mustKey(t, "orders", "1")
	require.NoError(t, dt.Set(ctx, k, cachevalue.New([]byte("payload")), 0))
	require.NoError(t, dt.Stop(ctx))

	reloaded, err := disk.New(disk.Config{RootDir: root})
	require.NoError(t, err)

	v, ok, err := reloaded.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), v.Payload)
}

func TestDirLevelsShardsAcrossDirectories(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dt, err := disk.New(disk.Config{RootDir: root, DirLevels: 2})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		k := mustKey(t, "ns", string(rune('a'+i)))
		require.NoError(t, dt.Set(ctx, k, cachevalue.New([]byte("v")), 0))
	}

	size, err := dt.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, size)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	shardDirs := 0
	for _, e := range entries {
		if e.IsDir() {
			shardDirs++
		}
	}
	assert.Greater(t, shardDirs, 1, "20 keys should spread over more than one shard directory")
}
