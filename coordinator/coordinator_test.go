package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/coordinator"
	"github.com/otero/cachefabric/internal/tier/memory"
	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
)

func newMemTier(t *testing.T) tier.Cache {
	t.Helper()
	mt := memory.New(memory.Config{ThreadSafe: true})
	require.NoError(t, mt.Start(context.Background()))
	return mt
}

func mustKey(t *testing.T, ns, name string) cachekey.Key {
	t.Helper()
	k, err := cachekey.New(ns, name)
	require.NoError(t, err)
	return k
}

type stubOrigin struct {
	calls int
	value []byte
	err   error
}

func (s *stubOrigin) Fetch(ctx context.Context, key cachekey.Key) (*cachevalue.Value, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return cachevalue.New(s.value), nil
}

func TestGetReadsThroughToOriginOnFullMiss(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{}, l1, l2)
	origin := &stubOrigin{value: []byte("from-origin")}
	co.SetOriginFetcher(origin)

	k := mustKey(t, "orders", "1")
	v, ok, err := co.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from-origin"), v.Payload)
	assert.Equal(t, 1, origin.calls)

	// Backfilled into the fastest tier by writeAll after the origin fetch.
	v2, ok, err := l1.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("from-origin"), v2.Payload)
}

func TestGetCacheAsideNeverConsultsOrigin(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	co := coordinator.New(coordinator.Config{ReadPolicy: coordinator.CacheAside}, l1)
	origin := &stubOrigin{value: []byte("ignored")}
	co.SetOriginFetcher(origin)

	_, ok, err := co.Get(ctx, mustKey(t, "orders", "1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, origin.calls)
}

func TestGetCacheAsideOnlyConsultsFastestTier(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{ReadPolicy: coordinator.CacheAside}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, l2.Set(ctx, k, cachevalue.New([]byte("from-l2")), time.Minute))

	_, ok, err := co.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok, "cache_aside must not fall through to slower tiers on a tier-0 miss")

	_, ok, _ = l1.Get(ctx, k)
	assert.False(t, ok, "cache_aside must never backfill on a hit it didn't consult")
}

func TestSetWriteThroughWritesEveryTier(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{WritePolicy: coordinator.WriteThrough, DefaultTTL: time.Minute}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, co.Set(ctx, k, cachevalue.New([]byte("v")), 0))

	_, ok, err := l1.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = l2.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetWriteAroundWritesOnlySlowestTier(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{WritePolicy: coordinator.WriteAround, DefaultTTL: time.Minute}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, co.Set(ctx, k, cachevalue.New([]byte("v")), 0))

	_, ok, err := l1.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = l2.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetWriteBackQueuesPropagationToSlowerTiers(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{WritePolicy: coordinator.WriteBack, DefaultTTL: time.Minute}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, co.Set(ctx, k, cachevalue.New([]byte("v")), 0))

	_, ok, err := l1.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok, "write-back tier writes synchronously to the fastest tier")

	_, ok, _ = l2.Get(ctx, k)
	assert.False(t, ok, "slower tier has not been written yet")
	assert.Equal(t, 1, co.PendingWriteBacks())

	drained := co.DrainWriteBack(ctx, 10)
	assert.Equal(t, 1, drained)
	assert.Equal(t, 0, co.PendingWriteBacks())

	_, ok, err = l2.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPromotionGateBackfillsAfterThresholdConsecutiveLowerTierHits(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{PromotionThreshold: 2, DefaultTTL: time.Minute}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, l2.Set(ctx, k, cachevalue.New([]byte("v")), time.Minute))

	_, ok, err := co.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = l1.Get(ctx, k)
	assert.False(t, ok, "first lower-tier hit should not yet promote")

	_, ok, err = co.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = l1.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok, "second consecutive lower-tier hit should trigger promotion")

	assert.Equal(t, uint64(1), co.Metrics().Promotions)
}

func TestPromotionCounterResetsOnFastestTierHit(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{PromotionThreshold: 2, DefaultTTL: time.Minute}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, l2.Set(ctx, k, cachevalue.New([]byte("v")), time.Minute))
	_, _, err := co.Get(ctx, k)
	require.NoError(t, err)

	// A hit on the fastest tier resets k's count, so once k is gone from l1
	// again the next lower-tier hit starts counting from zero.
	require.NoError(t, l1.Set(ctx, k, cachevalue.New([]byte("v")), time.Minute))
	_, _, err = co.Get(ctx, k)
	require.NoError(t, err)
	_, err = l1.Delete(ctx, k)
	require.NoError(t, err)
	require.NoError(t, l2.Set(ctx, k, cachevalue.New([]byte("v2")), time.Minute))

	_, ok, err := co.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, _ = l1.Get(ctx, k)
	assert.False(t, ok, "count should not have carried over in a way that promotes on the first hit again")
}

// failingTier fails every Set/Delete/Clear/Size call, simulating a tier
// that's down for writes while another tier in the chain stays up.
type failingTier struct {
	tier.Cache
}

func (failingTier) Set(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	return errors.New("tier unavailable")
}

func (failingTier) Delete(ctx context.Context, key cachekey.Key) (bool, error) {
	return false, errors.New("tier unavailable")
}

func (failingTier) Clear(ctx context.Context) error {
	return errors.New("tier unavailable")
}

func (failingTier) Size(ctx context.Context) (int, error) {
	return 0, errors.New("tier unavailable")
}

func TestWriteDeleteClearSucceedWhenOnlySomeTiersAccept(t *testing.T) {
	ctx := context.Background()
	down := failingTier{Cache: newMemTier(t)}
	up := newMemTier(t)
	co := coordinator.New(coordinator.Config{WritePolicy: coordinator.WriteThrough, DefaultTTL: time.Minute}, down, up)

	k := mustKey(t, "orders", "1")
	require.NoError(t, co.Set(ctx, k, cachevalue.New([]byte("v")), 0),
		"Set must succeed when at least one tier accepted the write")

	_, ok, err := up.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := co.Delete(ctx, k)
	require.NoError(t, err, "Delete must succeed when at least one tier accepted it")
	assert.True(t, removed)

	require.NoError(t, co.Clear(ctx), "Clear must succeed when at least one tier accepted it")
}

func TestSizeReturnsMaxAcrossTiers(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{WritePolicy: coordinator.WriteThrough, DefaultTTL: time.Minute}, l1, l2)

	require.NoError(t, co.Set(ctx, mustKey(t, "orders", "1"), cachevalue.New([]byte("v")), 0))
	require.NoError(t, l2.Set(ctx, mustKey(t, "orders", "2"), cachevalue.New([]byte("v")), time.Minute))

	size, err := co.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size, "size must be the max across tiers, not just the fastest tier's count")
}

type flakyTier struct {
	tier.Cache
	failNext int
}

func (f *flakyTier) Get(ctx context.Context, key cachekey.Key) (*cachevalue.Value, bool, error) {
	if f.failNext > 0 {
		f.failNext--
		return nil, false, errors.New("boom")
	}
	return f.Cache.Get(ctx, key)
}

func TestFailoverMarksTierUnhealthyAfterMaxConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	base := newMemTier(t)
	flaky := &flakyTier{Cache: base, failNext: 2}
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{MaxConsecutiveFailures: 2, DefaultTTL: time.Minute}, flaky, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, l2.Set(ctx, k, cachevalue.New([]byte("v")), time.Minute))

	_, ok, err := co.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = co.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)

	// Both calls to the flaky tier failed; origin/l2 still served the read
	// via fallthrough, proving the coordinator tolerates tier failures.
	assert.Equal(t, 0, flaky.failNext)

	// The flaky tier is now unhealthy and skipped, so a queued failure is
	// never consumed by the next read.
	flaky.failNext = 1
	_, ok, err = co.Get(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, flaky.failNext)
}

func TestDeleteRemovesFromEveryTierAndResetsPromotion(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{DefaultTTL: time.Minute}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, co.Set(ctx, k, cachevalue.New([]byte("v")), 0))

	removed, err := co.Delete(ctx, k)
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok, _ := l1.Get(ctx, k)
	assert.False(t, ok)
	_, ok, _ = l2.Get(ctx, k)
	assert.False(t, ok)
}

func TestExistsShortCircuitsOnFirstHealthyHit(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{}, l1, l2)

	k := mustKey(t, "orders", "1")
	require.NoError(t, l2.Set(ctx, k, cachevalue.New([]byte("v")), time.Minute))

	ok, err := co.Exists(ctx, k)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentMissesFetchFromOriginAtMostOncePerGet(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	co := coordinator.New(coordinator.Config{}, l1)
	origin := &stubOrigin{value: []byte("v")}
	co.SetOriginFetcher(origin)

	k := mustKey(t, "orders", "same-key")
	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _, _ = co.Get(ctx, k)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	assert.LessOrEqual(t, origin.calls, n)
	assert.GreaterOrEqual(t, origin.calls, 1)
}

func TestTierStatsReportsEveryTier(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{DefaultTTL: time.Minute}, l1, l2)
	require.NoError(t, co.Set(ctx, mustKey(t, "orders", "1"), cachevalue.New([]byte("v")), 0))

	stats := co.TierStats()
	assert.Contains(t, stats, tier.LevelMemory)
	assert.Contains(t, stats, tier.LevelRemote)
}

func TestClearEmptiesEveryTierAndPromotionState(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	l2 := newMemTier(t)
	co := coordinator.New(coordinator.Config{DefaultTTL: time.Minute}, l1, l2)
	require.NoError(t, co.Set(ctx, mustKey(t, "orders", "1"), cachevalue.New([]byte("v")), 0))

	require.NoError(t, co.Clear(ctx))

	size, err := co.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestExpirePropagatesAcrossTiersHoldingTheKey(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	co := coordinator.New(coordinator.Config{DefaultTTL: time.Minute}, l1)
	k := mustKey(t, "orders", "1")
	require.NoError(t, co.Set(ctx, k, cachevalue.New([]byte("v")), 0))

	require.NoError(t, co.Expire(ctx, k, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := l1.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpireOnMissingKeyReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	co := coordinator.New(coordinator.Config{}, l1)

	err := co.Expire(ctx, mustKey(t, "orders", "ghost"), time.Second)
	assert.ErrorIs(t, err, tier.ErrNotFound)
}

func TestIncrementDelegatesToFastestHealthyTier(t *testing.T) {
	ctx := context.Background()
	l1 := newMemTier(t)
	co := coordinator.New(coordinator.Config{}, l1)
	k := mustKey(t, "counters", "views")

	v, err := co.Increment(ctx, k, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = co.Increment(ctx, k, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v)
}
