// Package disk implements the Disk Tier of spec §4.5: a filesystem-backed
// cache tier with sharded directories, an on-disk index, crash-safe
// atomic writes, and optional zstd compression.
//
// The teacher has no disk tier at all — L1 is memory, L2 is the network.
// This package is new, built in the teacher's idiom: a mutex-guarded
// struct with an explicit Stats block, grounded on the teacher's
// cache-manager/cache.go for the locking discipline, and on the
// compression engine of other_examples' MinIO-derived cache_engine_v2.go
// (github.com/klauspost/compress/zstd encoder/decoder pair) for the
// compression arm.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
)

// Config configures a Tier.
type Config struct {
	RootDir          string
	DirLevels        int // directory sharding depth; <= 0 uses the default of 2
	Compress         bool
	IndexFlushPeriod time.Duration
	DefaultTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.DirLevels <= 0 {
		c.DirLevels = 2
	}
	if c.IndexFlushPeriod <= 0 {
		c.IndexFlushPeriod = 30 * time.Second
	}
	return c
}

// indexEntry is the on-disk index record for one key.
type indexEntry struct {
	RelPath    string     `json:"rel_path"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	SizeBytes  int        `json:"size_bytes"`
	Compressed bool       `json:"compressed"`
}

// Tier is the filesystem-backed Disk Tier.
type Tier struct {
	cfg Config

	mu    sync.RWMutex
	index map[string]indexEntry // hash key -> location

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	dirty  bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	hits, misses, sets, deletes, evictions, errs uint64
	statsMu                                      sync.Mutex
}

// New constructs a Disk Tier rooted at cfg.RootDir, loading any existing
// index file. A malformed index is treated as empty and rebuilt from a
// reconciliation scan rather than failing startup.
func New(cfg Config) (*Tier, error) {
	cfg = cfg.withDefaults()

	if cfg.RootDir == "" {
		return nil, fmt.Errorf("disk tier: root_dir is required")
	}
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("disk tier: create root dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("disk tier: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("disk tier: zstd decoder: %w", err)
	}

	t := &Tier{
		cfg:     cfg,
		index:   make(map[string]indexEntry),
		encoder: enc,
		decoder: dec,
		stopCh:  make(chan struct{}),
	}

	if err := t.loadIndex(); err != nil {
		t.index = make(map[string]indexEntry)
		t.reconcileFromDisk()
	}

	return t, nil
}

func (t *Tier) indexPath() string {
	return filepath.Join(t.cfg.RootDir, "index.json")
}

func (t *Tier) loadIndex() error {
	raw, err := os.ReadFile(t.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var loaded map[string]indexEntry
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return err
	}
	t.mu.Lock()
	t.index = loaded
	t.mu.Unlock()
	return nil
}

// reconcileFromDisk walks the root directory rebuilding the index from
// whatever payload files survived a crash between writes and the last
// index flush, discarding orphans it can't associate with a hash key.
func (t *Tier) reconcileFromDisk() {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = filepath.Walk(t.cfg.RootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) != ".bin" {
			return nil
		}
		rel, relErr := filepath.Rel(t.cfg.RootDir, path)
		if relErr != nil {
			return nil
		}
		hk := filepath.Base(rel)
		hk = hk[:len(hk)-len(".bin")]
		t.index[hk] = indexEntry{
			RelPath:    rel,
			CreatedAt:  info.ModTime(),
			SizeBytes:  int(info.Size()),
			Compressed: t.cfg.Compress,
		}
		return nil
	})
}

func (t *Tier) flushIndex() error {
	t.mu.RLock()
	snapshot := make(map[string]indexEntry, len(t.index))
	for k, v := range t.index {
		snapshot[k] = v
	}
	t.mu.RUnlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return writeFileAtomic(t.indexPath(), raw)
}

// shardedPath maps a hash key to a sharded path under RootDir, using the
// FNV-1a hash of the key to pick DirLevels nested two-hex-digit
// directories so no single directory accumulates every entry.
func (t *Tier) shardedPath(hashKey string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(hashKey))
	sum := h.Sum32()

	parts := make([]string, 0, t.cfg.DirLevels+1)
	for i := 0; i < t.cfg.DirLevels; i++ {
		shift := uint(i * 8)
		parts = append(parts, fmt.Sprintf("%02x", byte(sum>>shift)))
	}
	parts = append(parts, safeFileName(hashKey)+".bin")
	return filepath.Join(append([]string{t.cfg.RootDir}, parts...)...)
}

func safeFileName(hashKey string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(hashKey))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Get implements tier.Cache.
func (t *Tier) Get(_ context.Context, key cachekey.Key) (*cachevalue.Value, bool, error) {
	hk := key.HashKey()

	t.mu.RLock()
	entry, ok := t.index[hk]
	t.mu.RUnlock()
	if !ok {
		t.bump(&t.misses)
		return nil, false, nil
	}

	if entry.ExpiresAt != nil && !time.Now().Before(*entry.ExpiresAt) {
		t.removeEntry(hk)
		t.bump(&t.misses)
		return nil, false, nil
	}

	raw, err := os.ReadFile(filepath.Join(t.cfg.RootDir, entry.RelPath))
	if err != nil {
		t.bump(&t.errs)
		if os.IsNotExist(err) {
			t.removeEntry(hk)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("disk tier read: %w", err)
	}

	if entry.Compressed {
		raw, err = t.decoder.DecodeAll(raw, nil)
		if err != nil {
			t.bump(&t.errs)
			return nil, false, fmt.Errorf("disk tier decompress: %w", err)
		}
	}

	v := cachevalue.New(raw)
	v.CreatedAt = entry.CreatedAt
	v.ExpiresAt = entry.ExpiresAt
	v.Touch()
	t.bump(&t.hits)
	return v, true, nil
}

// Set implements tier.Cache.
func (t *Tier) Set(_ context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	if ttl > 0 {
		value.WithTTL(ttl)
	} else if value.ExpiresAt == nil && t.cfg.DefaultTTL > 0 {
		value.WithTTL(t.cfg.DefaultTTL)
	}

	hk := key.HashKey()
	path := t.shardedPath(hk)

	payload := value.Payload
	compressed := false
	if t.cfg.Compress {
		payload = t.encoder.EncodeAll(value.Payload, make([]byte, 0, len(value.Payload)))
		compressed = true
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.bump(&t.errs)
		return fmt.Errorf("disk tier mkdir: %w", err)
	}
	if err := writeFileAtomic(path, payload); err != nil {
		t.bump(&t.errs)
		return fmt.Errorf("disk tier write: %w", err)
	}

	rel, err := filepath.Rel(t.cfg.RootDir, path)
	if err != nil {
		rel = path
	}

	t.mu.Lock()
	t.index[hk] = indexEntry{
		RelPath:    rel,
		CreatedAt:  value.CreatedAt,
		ExpiresAt:  value.ExpiresAt,
		SizeBytes:  len(payload),
		Compressed: compressed,
	}
	t.dirty = true
	t.mu.Unlock()

	t.bump(&t.sets)
	return nil
}

// Delete implements tier.Cache.
func (t *Tier) Delete(_ context.Context, key cachekey.Key) (bool, error) {
	removed := t.removeEntry(key.HashKey())
	if removed {
		t.bump(&t.deletes)
	}
	return removed, nil
}

func (t *Tier) removeEntry(hashKey string) bool {
	t.mu.Lock()
	entry, ok := t.index[hashKey]
	if ok {
		delete(t.index, hashKey)
		t.dirty = true
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	_ = os.Remove(filepath.Join(t.cfg.RootDir, entry.RelPath))
	return true
}

// Exists implements tier.Cache.
func (t *Tier) Exists(_ context.Context, key cachekey.Key) (bool, error) {
	t.mu.RLock()
	entry, ok := t.index[key.HashKey()]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if entry.ExpiresAt != nil && !time.Now().Before(*entry.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Clear implements tier.Cache.
func (t *Tier) Clear(_ context.Context) error {
	t.mu.Lock()
	paths := make([]string, 0, len(t.index))
	for _, e := range t.index {
		paths = append(paths, filepath.Join(t.cfg.RootDir, e.RelPath))
	}
	t.index = make(map[string]indexEntry)
	t.dirty = true
	t.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
	return nil
}

// Size implements tier.Cache.
func (t *Tier) Size(_ context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index), nil
}

// Keys implements tier.Cache. The disk index only stores hash keys, so
// Keys returns those. A hash key equals the FullKey form when the full key
// is at most 250 bytes; longer keys come back in their hashed form.
func (t *Tier) Keys(_ context.Context, pattern string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(t.index))
	for hk, e := range t.index {
		if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
			continue
		}
		if pattern == "" || pattern == "*" {
			keys = append(keys, hk)
			continue
		}
		if matched, _ := matchGlob(pattern, hk); matched {
			keys = append(keys, hk)
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

// Increment implements tier.Cache. The disk tier is not the natural home
// for hot counters, but the contract requires it for uniformity across
// tiers the coordinator may route increments to.
func (t *Tier) Increment(ctx context.Context, key cachekey.Key, delta int64) (int64, error) {
	v, ok, err := t.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var current int64
	if ok {
		if _, scanErr := fmt.Sscanf(string(v.Payload), "%d", &current); scanErr != nil {
			return 0, fmt.Errorf("%w: %s", tier.ErrNotNumeric, scanErr)
		}
	}
	next := current + delta
	return next, t.Set(ctx, key, cachevalue.New([]byte(fmt.Sprintf("%d", next))), 0)
}

// Expire implements tier.Cache.
func (t *Tier) Expire(_ context.Context, key cachekey.Key, ttl time.Duration) error {
	hk := key.HashKey()

	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.index[hk]
	if !ok {
		return tier.ErrNotFound
	}
	at := time.Now().Add(ttl)
	entry.ExpiresAt = &at
	t.index[hk] = entry
	t.dirty = true
	return nil
}

// HealthCheck implements tier.Cache: a round-trip write/read/remove
// against the root directory.
func (t *Tier) HealthCheck(ctx context.Context) (tier.HealthReport, error) {
	start := time.Now()
	probe, _ := cachekey.New("__health__", "probe")

	if err := t.Set(ctx, probe, cachevalue.New([]byte("ok")), time.Second); err != nil {
		return tier.HealthReport{Healthy: false, Detail: err.Error()}, nil
	}
	if _, ok, err := t.Get(ctx, probe); err != nil || !ok {
		return tier.HealthReport{Healthy: false, Detail: "probe unreadable after write"}, nil
	}
	_, _ = t.Delete(ctx, probe)

	size, _ := t.Size(ctx)
	return tier.HealthReport{Healthy: true, Latency: time.Since(start), Size: size}, nil
}

// Stats implements tier.Cache.
func (t *Tier) Stats() tier.Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	size, _ := t.Size(context.Background())
	return tier.Stats{
		Hits:      t.hits,
		Misses:    t.misses,
		Sets:      t.sets,
		Deletes:   t.deletes,
		Evictions: t.evictions,
		Errors:    t.errs,
		Size:      size,
	}
}

func (t *Tier) bump(counter *uint64) {
	t.statsMu.Lock()
	*counter++
	t.statsMu.Unlock()
}

// Start implements tier.Cache: launches the periodic index flush.
func (t *Tier) Start(ctx context.Context) error {
	t.wg.Add(1)
	go t.runFlushLoop(ctx)
	return nil
}

// Stop implements tier.Cache: stops the flush loop and performs a final
// synchronous flush so a clean shutdown never loses index entries.
func (t *Tier) Stop(_ context.Context) error {
	close(t.stopCh)
	t.wg.Wait()
	return t.flushIndex()
}

func (t *Tier) runFlushLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.IndexFlushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.RLock()
			dirty := t.dirty
			t.mu.RUnlock()
			if dirty {
				if err := t.flushIndex(); err == nil {
					t.mu.Lock()
					t.dirty = false
					t.mu.Unlock()
				}
			}
		}
	}
}

// writeFileAtomic writes data to a temp file in the same directory as
// path, then renames it into place, so a crash mid-write never leaves a
// truncated payload at the final path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

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
