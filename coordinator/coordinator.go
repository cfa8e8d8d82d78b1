// Package coordinator implements the Cache Coordinator of spec §4.6: it
// owns an ordered set of tier.Cache tiers (fastest first), routes
// operations across them according to a configurable policy, promotes
// hot keys toward faster tiers, tracks per-tier health and fails over
// around an unhealthy tier, and coalesces concurrent misses for the
// same key into a single origin fetch.
//
// Grounded on the teacher's cache-manager/service.go Service (L1/L2
// orchestration, fetchWithFallback, metrics) and cache-manager/
// singleflight.go's RequestCoalescer, replaced here with the real
// golang.org/x/sync/singleflight the teacher's own doc comment describes
// but doesn't import.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
)

// RoutingPolicy selects how reads and writes traverse the tier chain.
type RoutingPolicy string

const (
	// ReadThrough reads the fastest tier first, falling through to slower
	// tiers (and finally OriginFetcher) on miss, backfilling as it goes.
	ReadThrough RoutingPolicy = "read_through"
	// CacheAside never reads through on its own; callers populate the
	// cache explicitly via Set after fetching from origin themselves.
	CacheAside RoutingPolicy = "cache_aside"
	// WriteThrough writes to every tier synchronously.
	WriteThrough RoutingPolicy = "write_through"
	// WriteAround writes only to the slowest (source-of-record) tier,
	// leaving faster tiers to pick the value up on next read.
	WriteAround RoutingPolicy = "write_around"
	// WriteBack writes to the fastest tier synchronously and queues
	// propagation to slower tiers asynchronously.
	WriteBack RoutingPolicy = "write_back"
)

// OriginFetcher is consulted on a full cache miss across every tier.
type OriginFetcher interface {
	Fetch(ctx context.Context, key cachekey.Key) (*cachevalue.Value, error)
}

// Config configures a Coordinator.
type Config struct {
	ReadPolicy  RoutingPolicy
	WritePolicy RoutingPolicy

	DefaultTTL time.Duration

	// PromotionThreshold is the number of consecutive hits on a slower
	// tier required before a key is backfilled into every faster tier.
	PromotionThreshold int

	// MaxConsecutiveFailures marks a tier unhealthy after this many
	// consecutive operation failures; values <= 0 use the default of 3.
	MaxConsecutiveFailures int
	HealthCheckInterval    time.Duration

	// SyncStrategy selects how the background reconciliation loop pushes
	// entries from the slowest (source-of-record) tier to faster ones.
	// "" or "async" runs it on SyncInterval; "disabled" turns it off.
	SyncStrategy string
	// SyncInterval is the period between reconciliation passes; 0 uses
	// a 1-minute default.
	SyncInterval time.Duration

	// HealthObserver, when set, receives every periodic health check
	// result keyed by the tier's level name, letting a monitoring
	// package fold tier health into its own metrics without the
	// coordinator importing it directly.
	HealthObserver func(tierName string, report tier.HealthReport)
}

func (c Config) withDefaults() Config {
	if c.ReadPolicy == "" {
		c.ReadPolicy = ReadThrough
	}
	if c.WritePolicy == "" {
		c.WritePolicy = WriteThrough
	}
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = 3
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.SyncStrategy == "" {
		c.SyncStrategy = "async"
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = time.Minute
	}
	return c
}

// namedTier pairs a tier with its level and failover bookkeeping.
type namedTier struct {
	level tier.Level
	cache tier.Cache

	mu                  sync.Mutex
	consecutiveFailures int
	healthy             bool
}

// Coordinator routes cache operations across an ordered chain of tiers,
// fastest first.
type Coordinator struct {
	cfg   Config
	tiers []*namedTier
	group singleflight.Group

	origin OriginFetcher

	promoMu    sync.Mutex
	promoCount map[string]int // hash key -> consecutive lower-tier hits

	writeBackMu    sync.Mutex
	writeBackQueue []writeBackJob

	metricsMu sync.Mutex
	promotions uint64
	failovers  uint64
}

type writeBackJob struct {
	key   cachekey.Key
	value *cachevalue.Value
	ttl   time.Duration
}

// New constructs a Coordinator over tiers in fastest-to-slowest order.
func New(cfg Config, tiers ...tier.Cache) *Coordinator {
	cfg = cfg.withDefaults()

	levels := []tier.Level{tier.LevelMemory, tier.LevelRemote, tier.LevelDisk}
	nt := make([]*namedTier, 0, len(tiers))
	for i, c := range tiers {
		level := tier.Level(fmt.Sprintf("tier-%d", i))
		if i < len(levels) {
			level = levels[i]
		}
		nt = append(nt, &namedTier{level: level, cache: c, healthy: true})
	}

	return &Coordinator{
		cfg:        cfg,
		tiers:      nt,
		promoCount: make(map[string]int),
	}
}

// SetOriginFetcher installs the source-of-truth fetcher consulted on a
// full cross-tier miss under ReadThrough.
func (co *Coordinator) SetOriginFetcher(f OriginFetcher) {
	co.origin = f
}

// Start brings up every tier, launches periodic health checks and, unless
// SyncStrategy is "disabled", the periodic sync loop.
func (co *Coordinator) Start(ctx context.Context) error {
	for _, nt := range co.tiers {
		if err := nt.cache.Start(ctx); err != nil {
			return fmt.Errorf("coordinator: start %s tier: %w", nt.level, err)
		}
	}
	go co.runHealthChecks(ctx)
	if co.cfg.SyncStrategy != "disabled" {
		go co.runSync(ctx)
	}
	return nil
}

// Stop tears down every tier.
func (co *Coordinator) Stop(ctx context.Context) error {
	for _, nt := range co.tiers {
		if err := nt.cache.Stop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (co *Coordinator) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(co.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, nt := range co.tiers {
				report, err := nt.cache.HealthCheck(ctx)
				if co.cfg.HealthObserver != nil {
					co.cfg.HealthObserver(string(nt.level), report)
				}
				nt.mu.Lock()
				if err == nil && report.Healthy {
					nt.consecutiveFailures = 0
					nt.healthy = true
				} else {
					nt.consecutiveFailures++
					if nt.consecutiveFailures >= co.cfg.MaxConsecutiveFailures {
						if nt.healthy {
							co.metricsMu.Lock()
							co.failovers++
							co.metricsMu.Unlock()
						}
						nt.healthy = false
					}
				}
				nt.mu.Unlock()
			}
		}
	}
}

// runSync is the Coordinator's Synchronization responsibility: on each
// tick it reconciles every faster tier against the slowest (authoritative,
// source-of-record) tier, pushing entries the faster tier is missing or
// holds a stale copy of. It never overwrites a faster tier's entry that is
// newer than the authoritative one, so an in-flight write racing a sync
// pass can't be clobbered by a stale push.
func (co *Coordinator) runSync(ctx context.Context) {
	ticker := time.NewTicker(co.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.reconcile(ctx)
		}
	}
}

func (co *Coordinator) reconcile(ctx context.Context) {
	if len(co.tiers) < 2 {
		return
	}
	authoritative := co.tiers[len(co.tiers)-1]
	if !authoritative.isHealthy() {
		return
	}

	keys, err := authoritative.cache.Keys(ctx, "*")
	if err != nil {
		return
	}

	for _, raw := range keys {
		key, err := cachekey.ParseFullKey(raw)
		if err != nil {
			continue
		}
		source, ok, err := authoritative.cache.Get(ctx, key)
		if err != nil || !ok {
			continue
		}

		for i := 0; i < len(co.tiers)-1; i++ {
			nt := co.tiers[i]
			if !nt.isHealthy() {
				continue
			}
			existing, ok, err := nt.cache.Get(ctx, key)
			if err == nil && ok && !existing.CreatedAt.Before(source.CreatedAt) {
				continue // faster tier already has this entry or a newer one
			}
			ttl, _ := source.RemainingTTL(time.Now())
			_ = nt.cache.Set(ctx, key, source.Clone(), ttl)
		}
	}
}

func (nt *namedTier) recordResult(err error, maxFailures int) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	if err == nil {
		nt.consecutiveFailures = 0
		nt.healthy = true
		return
	}
	nt.consecutiveFailures++
	if nt.consecutiveFailures >= maxFailures {
		nt.healthy = false
	}
}

func (nt *namedTier) isHealthy() bool {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return nt.healthy
}

// Get implements the configured read policy: ReadThrough walks tiers
// fastest-first, falling back to slower tiers then origin on miss,
// backfilling faster tiers and applying the promotion gate as it goes.
// CacheAside only ever probes the fastest tier: the caller owns filling
// the cache after an origin fetch, so no other tier is consulted and no
// promotion/backfill side effect runs on a hit. Unhealthy tiers are
// skipped entirely.
func (co *Coordinator) Get(ctx context.Context, key cachekey.Key) (*cachevalue.Value, bool, error) {
	hk := key.HashKey()

	if co.cfg.ReadPolicy == CacheAside {
		if len(co.tiers) == 0 {
			return nil, false, nil
		}
		nt := co.tiers[0]
		if !nt.isHealthy() {
			return nil, false, nil
		}
		v, ok, err := nt.cache.Get(ctx, key)
		nt.recordResult(err, co.cfg.MaxConsecutiveFailures)
		if err != nil || !ok {
			return nil, false, err
		}
		return v, true, nil
	}

	for i, nt := range co.tiers {
		if !nt.isHealthy() {
			continue
		}
		v, ok, err := nt.cache.Get(ctx, key)
		nt.recordResult(err, co.cfg.MaxConsecutiveFailures)
		if err != nil {
			continue
		}
		if !ok {
			continue
		}

		if i > 0 {
			co.onLowerTierHit(ctx, key, v, i)
		} else {
			co.resetPromotion(hk)
		}
		return v, true, nil
	}

	if co.cfg.ReadPolicy != ReadThrough || co.origin == nil {
		return nil, false, nil
	}

	v, err, _ := co.group.Do(hk, func() (interface{}, error) {
		return co.origin.Fetch(ctx, key)
	})
	if err != nil {
		return nil, false, fmt.Errorf("coordinator origin fetch: %w", err)
	}
	value := v.(*cachevalue.Value)
	_ = co.writeAll(ctx, key, value, co.cfg.DefaultTTL)
	return value, true, nil
}

// onLowerTierHit implements the promotion gate: a key must be hit on a
// lower tier PromotionThreshold times in a row before it's backfilled
// into every faster tier, so a one-off miss doesn't thrash faster tiers.
func (co *Coordinator) onLowerTierHit(ctx context.Context, key cachekey.Key, v *cachevalue.Value, tierIndex int) {
	hk := key.HashKey()

	co.promoMu.Lock()
	co.promoCount[hk]++
	count := co.promoCount[hk]
	co.promoMu.Unlock()

	if count < co.cfg.PromotionThreshold {
		return
	}

	for i := 0; i < tierIndex; i++ {
		nt := co.tiers[i]
		if !nt.isHealthy() {
			continue
		}
		_ = nt.cache.Set(ctx, key, v.Clone(), co.cfg.DefaultTTL)
	}

	co.metricsMu.Lock()
	co.promotions++
	co.metricsMu.Unlock()
	co.resetPromotion(hk)
}

func (co *Coordinator) resetPromotion(hashKey string) {
	co.promoMu.Lock()
	delete(co.promoCount, hashKey)
	co.promoMu.Unlock()
}

// Set writes according to the configured write policy.
func (co *Coordinator) Set(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = co.cfg.DefaultTTL
	}

	switch co.cfg.WritePolicy {
	case WriteAround:
		return co.writeSlowest(ctx, key, value, ttl)
	case WriteBack:
		return co.writeBack(ctx, key, value, ttl)
	default: // WriteThrough and CacheAside both write synchronously to every tier
		return co.writeAll(ctx, key, value, ttl)
	}
}

// writeAll writes to every healthy tier and reports success once any one
// of them accepted the write, matching the write-through invariant that a
// write succeeding on at least one tier is not reported as a failure just
// because another tier was down.
func (co *Coordinator) writeAll(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	var firstErr error
	succeeded := false
	for _, nt := range co.tiers {
		if !nt.isHealthy() {
			continue
		}
		err := nt.cache.Set(ctx, key, value.Clone(), ttl)
		nt.recordResult(err, co.cfg.MaxConsecutiveFailures)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = true
	}
	if succeeded {
		return nil
	}
	return firstErr
}

func (co *Coordinator) writeSlowest(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	if len(co.tiers) == 0 {
		return nil
	}
	slowest := co.tiers[len(co.tiers)-1]
	err := slowest.cache.Set(ctx, key, value, ttl)
	slowest.recordResult(err, co.cfg.MaxConsecutiveFailures)
	return err
}

// writeBack writes synchronously to the fastest tier and queues the rest
// for asynchronous propagation. The queue holds at most maxWriteBackQueue
// jobs; past that the oldest queued jobs are dropped. It is drained by
// DrainWriteBack, which the FlushWriteBack endpoint calls (warming's
// write-back-flush cron job invokes that endpoint periodically).
func (co *Coordinator) writeBack(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	const maxWriteBackQueue = 10_000
	if len(co.tiers) == 0 {
		return nil
	}
	fastest := co.tiers[0]
	if err := fastest.cache.Set(ctx, key, value.Clone(), ttl); err != nil {
		fastest.recordResult(err, co.cfg.MaxConsecutiveFailures)
		return err
	}
	fastest.recordResult(nil, co.cfg.MaxConsecutiveFailures)

	co.writeBackMu.Lock()
	co.writeBackQueue = append(co.writeBackQueue, writeBackJob{key: key, value: value, ttl: ttl})
	if over := len(co.writeBackQueue) - maxWriteBackQueue; over > 0 {
		co.writeBackQueue = co.writeBackQueue[over:]
	}
	co.writeBackMu.Unlock()
	return nil
}

// DrainWriteBack flushes up to max queued write-back jobs (all of them when
// max <= 0), oldest first, to every healthy tier past the fastest, and
// returns how many jobs it took off the queue.
func (co *Coordinator) DrainWriteBack(ctx context.Context, max int) int {
	co.writeBackMu.Lock()
	n := len(co.writeBackQueue)
	if max > 0 && n > max {
		n = max
	}
	jobs := co.writeBackQueue[:n]
	co.writeBackQueue = co.writeBackQueue[n:]
	co.writeBackMu.Unlock()

	for _, job := range jobs {
		for i := 1; i < len(co.tiers); i++ {
			nt := co.tiers[i]
			if !nt.isHealthy() {
				continue
			}
			_ = nt.cache.Set(ctx, job.key, job.value.Clone(), job.ttl)
		}
	}
	return len(jobs)
}

// PendingWriteBacks reports the current write-back queue depth.
func (co *Coordinator) PendingWriteBacks() int {
	co.writeBackMu.Lock()
	defer co.writeBackMu.Unlock()
	return len(co.writeBackQueue)
}

// Delete removes a key from every tier. It succeeds once any one tier
// reports success, even if another tier failed.
func (co *Coordinator) Delete(ctx context.Context, key cachekey.Key) (bool, error) {
	removedAny := false
	var firstErr error
	succeeded := false
	for _, nt := range co.tiers {
		removed, err := nt.cache.Delete(ctx, key)
		nt.recordResult(err, co.cfg.MaxConsecutiveFailures)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = true
		removedAny = removedAny || removed
	}
	co.resetPromotion(key.HashKey())
	if succeeded {
		return removedAny, nil
	}
	return removedAny, firstErr
}

// Exists checks tiers fastest-first, short-circuiting on the first hit.
func (co *Coordinator) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	for _, nt := range co.tiers {
		if !nt.isHealthy() {
			continue
		}
		ok, err := nt.cache.Exists(ctx, key)
		if err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// Keys merges (deduplicated) keys from every healthy tier.
func (co *Coordinator) Keys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, nt := range co.tiers {
		if !nt.isHealthy() {
			continue
		}
		keys, err := nt.cache.Keys(ctx, pattern)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// Size reports the maximum entry count reported by any healthy tier, a
// conservative upper bound on the coordinator's logical size rather than a
// sum across tiers (which would double-count promoted/propagated entries).
// Per-tier sizes are available via TierStats.
func (co *Coordinator) Size(ctx context.Context) (int, error) {
	max := 0
	var firstErr error
	succeeded := false
	for _, nt := range co.tiers {
		if !nt.isHealthy() {
			continue
		}
		n, err := nt.cache.Size(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = true
		if n > max {
			max = n
		}
	}
	if succeeded || len(co.tiers) == 0 {
		return max, nil
	}
	return max, firstErr
}

// Clear clears every tier, attempting all of them regardless of an
// individual failure, and reports success once any one tier reports it.
func (co *Coordinator) Clear(ctx context.Context) error {
	var firstErr error
	succeeded := false
	for _, nt := range co.tiers {
		if err := nt.cache.Clear(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded = true
	}
	co.promoMu.Lock()
	co.promoCount = make(map[string]int)
	co.promoMu.Unlock()
	if succeeded || len(co.tiers) == 0 {
		return nil
	}
	return firstErr
}

// TierStats reports per-tier stats keyed by level.
func (co *Coordinator) TierStats() map[tier.Level]tier.Stats {
	out := make(map[tier.Level]tier.Stats, len(co.tiers))
	for _, nt := range co.tiers {
		out[nt.level] = nt.cache.Stats()
	}
	return out
}

// Metrics reports coordinator-level counters not owned by any one tier.
type Metrics struct {
	Promotions       uint64
	Failovers        uint64
	PendingWriteBack int
}

// Metrics returns the coordinator's own counters.
func (co *Coordinator) Metrics() Metrics {
	co.metricsMu.Lock()
	defer co.metricsMu.Unlock()
	return Metrics{
		Promotions:       co.promotions,
		Failovers:        co.failovers,
		PendingWriteBack: co.PendingWriteBacks(),
	}
}

// Increment delegates to the fastest healthy tier.
func (co *Coordinator) Increment(ctx context.Context, key cachekey.Key, delta int64) (int64, error) {
	for _, nt := range co.tiers {
		if !nt.isHealthy() {
			continue
		}
		v, err := nt.cache.Increment(ctx, key, delta)
		nt.recordResult(err, co.cfg.MaxConsecutiveFailures)
		return v, err
	}
	return 0, fmt.Errorf("coordinator: no healthy tier available")
}

// Expire applies a new TTL on every tier that currently holds the key.
func (co *Coordinator) Expire(ctx context.Context, key cachekey.Key, ttl time.Duration) error {
	var firstErr error
	applied := false
	for _, nt := range co.tiers {
		if err := nt.cache.Expire(ctx, key, ttl); err == nil {
			applied = true
		} else if firstErr == nil && err != tier.ErrNotFound {
			firstErr = err
		}
	}
	if !applied && firstErr == nil {
		return tier.ErrNotFound
	}
	return firstErr
}
