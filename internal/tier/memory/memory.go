// Package memory implements the Memory Tier of spec §4.3: a concurrent
// map guarded by a single per-tier RWMutex, a pluggable eviction
// strategy, optional background compaction, and optional warm-up.
//
// Grounded directly on the teacher's cache-manager/cache.go L1Cache
// (RWMutex-guarded map + container/list LRU) and
// cache-manager/service.go's runTTLCleanup ticker goroutine,
// generalized to: any eviction.Strategy (not just a hard-wired LRU list),
// the full tier.Cache contract (batch ops, increment, expire, health
// check), a byte-footprint ceiling alongside the entry-count ceiling, and
// the thread-safety toggle spec §4.3 calls for.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/otero/cachefabric/internal/eviction"
	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
)

// Config configures a Tier.
type Config struct {
	MaxEntries        int
	MaxMemoryBytes    int64 // 0 disables the byte ceiling
	DefaultTTL        time.Duration
	EvictionPolicy    string // "lru", "lfu", "ttl", "fifo", "random", "adaptive"
	ThreadSafe        bool   // when false, caller must externally serialize access
	BackgroundCleanup bool
	CleanupInterval   time.Duration
}

// Tier is the in-process Memory Tier.
type Tier struct {
	cfg Config

	mu       sync.RWMutex // unused when !cfg.ThreadSafe (see useLock)
	useLock  bool
	entries  map[string]*entry
	strategy eviction.Strategy
	bytes    int64

	stats tier.Stats

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type entry struct {
	key   cachekey.Key
	value *cachevalue.Value
}

// New constructs a Memory Tier with the given configuration.
func New(cfg Config) *Tier {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	t := &Tier{
		cfg:     cfg,
		useLock: cfg.ThreadSafe,
		entries: make(map[string]*entry, cfg.MaxEntries),
		stopCh:  make(chan struct{}),
	}
	t.strategy = eviction.New(cfg.EvictionPolicy, t.expiryOf)
	return t
}

// WarmUp pre-populates the tier from a keyed byte-blob map, as spec §4.3
// allows at start.
func (t *Tier) WarmUp(blobs map[cachekey.Key][]byte) {
	t.lock()
	defer t.unlock()
	for k, b := range blobs {
		t.setLocked(k, cachevalue.New(b), t.cfg.DefaultTTL)
	}
}

func (t *Tier) lock() {
	if t.useLock {
		t.mu.Lock()
	}
}
func (t *Tier) unlock() {
	if t.useLock {
		t.mu.Unlock()
	}
}
func (t *Tier) rlock() {
	if t.useLock {
		t.mu.RLock()
	}
}
func (t *Tier) runlock() {
	if t.useLock {
		t.mu.RUnlock()
	}
}

func (t *Tier) expiryOf(hashKey string) (time.Time, bool) {
	e, ok := t.entries[hashKey]
	if !ok || e.value.ExpiresAt == nil {
		return time.Time{}, false
	}
	return *e.value.ExpiresAt, true
}

// Get implements tier.Cache.
func (t *Tier) Get(_ context.Context, key cachekey.Key) (*cachevalue.Value, bool, error) {
	hk := key.HashKey()

	t.rlock()
	e, ok := t.entries[hk]
	t.runlock()
	if !ok {
		t.lock()
		t.stats.Misses++
		t.unlock()
		return nil, false, nil
	}

	if e.value.IsExpired(time.Now()) {
		t.lock()
		t.deleteLocked(hk)
		t.stats.Misses++
		t.unlock()
		return nil, false, nil
	}

	t.lock()
	t.strategy.Touch(hk)
	t.stats.Hits++
	t.unlock()
	e.value.Touch()
	return e.value, true, nil
}

// Set implements tier.Cache.
func (t *Tier) Set(_ context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	t.lock()
	defer t.unlock()
	t.setLocked(key, value, ttl)
	t.stats.Sets++
	return nil
}

func (t *Tier) setLocked(key cachekey.Key, value *cachevalue.Value, ttl time.Duration) {
	hk := key.HashKey()

	switch {
	case ttl > 0:
		value.WithTTL(ttl)
	case value.ExpiresAt != nil:
		// honor the value's own expiry
	case t.cfg.DefaultTTL > 0:
		value.WithTTL(t.cfg.DefaultTTL)
	}

	if old, exists := t.entries[hk]; exists {
		t.bytes -= int64(old.value.SizeBytes)
	} else {
		t.strategy.Track(hk)
	}

	t.entries[hk] = &entry{key: key, value: value}
	t.bytes += int64(value.SizeBytes)

	t.evictUntilWithinLimitsLocked()
}

func (t *Tier) evictUntilWithinLimitsLocked() {
	for t.overCapacityLocked() {
		victim, ok := t.strategy.Evict()
		if !ok {
			return
		}
		t.deleteLocked(victim)
		t.stats.Evictions++
	}
}

func (t *Tier) overCapacityLocked() bool {
	if len(t.entries) > t.cfg.MaxEntries {
		return true
	}
	if t.cfg.MaxMemoryBytes > 0 && t.bytes > t.cfg.MaxMemoryBytes {
		return true
	}
	return false
}

// Delete implements tier.Cache.
func (t *Tier) Delete(_ context.Context, key cachekey.Key) (bool, error) {
	t.lock()
	defer t.unlock()
	removed := t.deleteLocked(key.HashKey())
	if removed {
		t.stats.Deletes++
	}
	return removed, nil
}

func (t *Tier) deleteLocked(hashKey string) bool {
	e, ok := t.entries[hashKey]
	if !ok {
		return false
	}
	t.bytes -= int64(e.value.SizeBytes)
	delete(t.entries, hashKey)
	t.strategy.Remove(hashKey)
	return true
}

// Exists implements tier.Cache.
func (t *Tier) Exists(_ context.Context, key cachekey.Key) (bool, error) {
	t.rlock()
	e, ok := t.entries[key.HashKey()]
	t.runlock()
	if !ok {
		return false, nil
	}
	return !e.value.IsExpired(time.Now()), nil
}

// Clear implements tier.Cache.
func (t *Tier) Clear(_ context.Context) error {
	t.lock()
	defer t.unlock()
	t.entries = make(map[string]*entry, t.cfg.MaxEntries)
	t.strategy = eviction.New(t.cfg.EvictionPolicy, t.expiryOf)
	t.bytes = 0
	return nil
}

// Size implements tier.Cache.
func (t *Tier) Size(_ context.Context) (int, error) {
	t.rlock()
	defer t.runlock()
	return len(t.entries), nil
}

// Keys implements tier.Cache.
func (t *Tier) Keys(_ context.Context, pattern string) ([]string, error) {
	t.rlock()
	defer t.runlock()

	now := time.Now()
	keys := make([]string, 0, len(t.entries))
	for hk, e := range t.entries {
		if e.value.IsExpired(now) {
			continue
		}
		if pattern == "" || pattern == "*" {
			keys = append(keys, e.key.FullKey())
			continue
		}
		if matched, _ := matchGlob(pattern, e.key.FullKey()); matched {
			keys = append(keys, e.key.FullKey())
		}
	}
	return keys, nil
}

// BatchGet implements tier.Cache.
func (t *Tier) BatchGet(ctx context.Context, keys []cachekey.Key) (map[string]*cachevalue.Value, error) {
	out := make(map[string]*cachevalue.Value, len(keys))
	for _, k := range keys {
		if v, ok, _ := t.Get(ctx, k); ok {
			out[k.HashKey()] = v
		}
	}
	return out, nil
}

// BatchSet implements tier.Cache.
func (t *Tier) BatchSet(ctx context.Context, items []tier.BatchItem, ttl time.Duration) error {
	for _, item := range items {
		if err := t.Set(ctx, item.Key, item.Value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// BatchDelete implements tier.Cache.
func (t *Tier) BatchDelete(ctx context.Context, keys []cachekey.Key) (int, error) {
	count := 0
	for _, k := range keys {
		if removed, _ := t.Delete(ctx, k); removed {
			count++
		}
	}
	return count, nil
}

// Increment implements tier.Cache.
func (t *Tier) Increment(_ context.Context, key cachekey.Key, delta int64) (int64, error) {
	t.lock()
	defer t.unlock()

	hk := key.HashKey()
	e, ok := t.entries[hk]
	if !ok {
		v := cachevalue.New(encodeInt(delta))
		t.entries[hk] = &entry{key: key, value: v}
		t.strategy.Track(hk)
		t.bytes += int64(v.SizeBytes)
		return delta, nil
	}

	current, err := decodeInt(e.value.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", tier.ErrNotNumeric, err)
	}
	next := current + delta
	t.bytes -= int64(e.value.SizeBytes)
	e.value.Payload = encodeInt(next)
	e.value.SizeBytes = len(e.value.Payload)
	t.bytes += int64(e.value.SizeBytes)
	return next, nil
}

// Expire implements tier.Cache.
func (t *Tier) Expire(_ context.Context, key cachekey.Key, ttl time.Duration) error {
	t.lock()
	defer t.unlock()

	e, ok := t.entries[key.HashKey()]
	if !ok {
		return tier.ErrNotFound
	}
	e.value.WithTTL(ttl)
	return nil
}

// HealthCheck implements tier.Cache: a round-trip set/get/delete on a
// reserved namespace, per spec §4.1.
func (t *Tier) HealthCheck(ctx context.Context) (tier.HealthReport, error) {
	start := time.Now()
	probe, _ := cachekey.New("__health__", "probe")

	if err := t.Set(ctx, probe, cachevalue.New([]byte("ok")), time.Second); err != nil {
		return tier.HealthReport{Healthy: false, Detail: err.Error()}, err
	}
	if _, ok, err := t.Get(ctx, probe); err != nil || !ok {
		return tier.HealthReport{Healthy: false, Detail: "probe not found after set"}, nil
	}
	_, _ = t.Delete(ctx, probe)

	size, _ := t.Size(ctx)
	return tier.HealthReport{
		Healthy: true,
		Latency: time.Since(start),
		Size:    size,
	}, nil
}

// Stats implements tier.Cache.
func (t *Tier) Stats() tier.Stats {
	t.rlock()
	defer t.runlock()
	s := t.stats
	s.Size = len(t.entries)
	return s
}

// Start implements tier.Cache: launches background compaction if enabled.
func (t *Tier) Start(ctx context.Context) error {
	if !t.cfg.BackgroundCleanup {
		return nil
	}
	t.wg.Add(1)
	go t.runCompaction(ctx)
	return nil
}

// Stop implements tier.Cache: cancels background compaction and waits.
func (t *Tier) Stop(_ context.Context) error {
	close(t.stopCh)
	t.wg.Wait()
	return nil
}

func (t *Tier) runCompaction(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.compactExpired()
		}
	}
}

func (t *Tier) compactExpired() {
	t.lock()
	defer t.unlock()

	now := time.Now()
	var expired []string
	for hk, e := range t.entries {
		if e.value.IsExpired(now) {
			expired = append(expired, hk)
		}
	}
	for _, hk := range expired {
		t.deleteLocked(hk)
		t.stats.Evictions++
	}
}

func encodeInt(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

func decodeInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

// matchGlob supports the subset of glob matching spec §4.1's Keys(pattern)
// needs: "*" suffix prefix-match, exact match otherwise. Delegated to a
// tiny local helper rather than pkg/utils to keep this tier dependency-free;
// the caching, rate-limit, auth and authz middlewares use the shared
// pkg/utils.MatchPattern for the richer regex-fallback cases.
func matchGlob(pattern, key string) (bool, error) {
	if pattern == key {
		return true, nil
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix, nil
	}
	return false, nil
}
