// Package remote implements the Remote Tier of spec §4.4: a
// network-backed cache tier fronting one or more Redis nodes, with
// optional cluster_mode consistent-hash routing across shards.
//
// Grounded on llmux's caches/redis/redis.go (client construction,
// key prefixing, pipelined batch ops, SetNX-style primitives) and the
// teacher's pkg/utils/hash.go HashRing, which the teacher itself never
// wires into a tier — cluster_mode here is that wiring.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
	"github.com/otero/cachefabric/pkg/tier"
	"github.com/otero/cachefabric/pkg/utils"
)

// Serialization selects the wire format used to encode cachevalue.Value
// envelopes before they hit Redis.
type Serialization int

const (
	// SerializationJSON is the default, portable format.
	SerializationJSON Serialization = iota
	// SerializationMsgPack trades readability for a smaller, faster wire form.
	SerializationMsgPack
)

// Config configures a Tier. A single Addr is a standalone node; Nodes
// populated with 2+ entries and ClusterMode true routes keys across
// shards via a consistent-hash ring instead of relying on Redis's own
// cluster protocol (useful for a fleet of independent standalone nodes).
type Config struct {
	Addr     string
	Password string
	DB       int

	Nodes       []string // additional node addresses for cluster_mode
	ClusterMode bool
	Replicas    int // virtual nodes per physical node on the hash ring, 0 = default

	Namespace      string
	DefaultTTL     time.Duration
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PoolSize       int
	MaxRetries     int
	RetryOnTimeout bool // retry a Get that timed out once

	Serialization Serialization
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	return c
}

// Tier is the Redis-backed Remote Tier.
type Tier struct {
	cfg Config

	mu      sync.RWMutex
	clients map[string]*goredis.Client // node address -> client
	ring    *utils.HashRing            // populated only when cfg.ClusterMode

	codec codec

	hits, misses, sets, deletes, evictions, errs atomic.Uint64
}

// New constructs a Remote Tier. It does not dial; call Start to verify
// connectivity via PING against every configured node.
func New(cfg Config) (*Tier, error) {
	cfg = cfg.withDefaults()

	if cfg.ClusterMode && len(cfg.Nodes) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 nodes", tier.ErrClusterModeUnconfigured)
	}

	addrs := cfg.Nodes
	if len(addrs) == 0 {
		addrs = []string{cfg.Addr}
	}

	clients := make(map[string]*goredis.Client, len(addrs))
	for _, addr := range addrs {
		clients[addr] = goredis.NewClient(&goredis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	t := &Tier{
		cfg:     cfg,
		clients: clients,
		codec:   codecFor(cfg.Serialization),
	}

	if cfg.ClusterMode {
		t.ring = utils.NewHashRing(cfg.Replicas)
		for _, addr := range addrs {
			if err := t.ring.AddNode(addr, 1); err != nil {
				return nil, fmt.Errorf("remote tier: add node to ring: %w", err)
			}
		}
	}

	return t, nil
}

// clientFor resolves which node handles a given hash key.
func (t *Tier) clientFor(hashKey string) *goredis.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.ring == nil {
		// single-node / failover mode: always the configured Addr.
		return t.clients[t.primaryAddr()]
	}
	node := t.ring.GetNode(hashKey)
	return t.clients[node]
}

func (t *Tier) primaryAddr() string {
	if t.cfg.Addr != "" {
		return t.cfg.Addr
	}
	if len(t.cfg.Nodes) > 0 {
		return t.cfg.Nodes[0]
	}
	return ""
}

func (t *Tier) prefixed(hashKey string) string {
	if t.cfg.Namespace == "" {
		return hashKey
	}
	return t.cfg.Namespace + ":" + hashKey
}

// Get implements tier.Cache.
func (t *Tier) Get(ctx context.Context, key cachekey.Key) (*cachevalue.Value, bool, error) {
	hk := key.HashKey()
	client := t.clientFor(hk)

	raw, err := client.Get(ctx, t.prefixed(hk)).Bytes()
	var netErr net.Error
	if err != nil && t.cfg.RetryOnTimeout && errors.As(err, &netErr) && netErr.Timeout() {
		raw, err = client.Get(ctx, t.prefixed(hk)).Bytes()
	}
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			t.misses.Add(1)
			return nil, false, nil
		}
		t.errs.Add(1)
		return nil, false, fmt.Errorf("remote tier get: %w", err)
	}

	v, err := t.codec.decode(raw)
	if err != nil {
		t.errs.Add(1)
		return nil, false, fmt.Errorf("remote tier decode: %w", err)
	}
	if v.IsExpired(time.Now()) {
		_ = client.Del(ctx, t.prefixed(hk)).Err()
		t.misses.Add(1)
		return nil, false, nil
	}

	v.Touch()
	t.hits.Add(1)
	return v, true, nil
}

// Set implements tier.Cache.
func (t *Tier) Set(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error {
	if ttl > 0 {
		value.WithTTL(ttl)
	}
	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = t.cfg.DefaultTTL
	}

	hk := key.HashKey()
	raw, err := t.codec.encode(value)
	if err != nil {
		t.errs.Add(1)
		return fmt.Errorf("remote tier encode: %w", err)
	}

	client := t.clientFor(hk)
	if err := client.Set(ctx, t.prefixed(hk), raw, effectiveTTL).Err(); err != nil {
		t.errs.Add(1)
		return fmt.Errorf("remote tier set: %w", err)
	}
	t.sets.Add(1)
	return nil
}

// Delete implements tier.Cache.
func (t *Tier) Delete(ctx context.Context, key cachekey.Key) (bool, error) {
	hk := key.HashKey()
	client := t.clientFor(hk)

	n, err := client.Del(ctx, t.prefixed(hk)).Result()
	if err != nil {
		t.errs.Add(1)
		return false, fmt.Errorf("remote tier delete: %w", err)
	}
	if n > 0 {
		t.deletes.Add(1)
	}
	return n > 0, nil
}

// Exists implements tier.Cache.
func (t *Tier) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	hk := key.HashKey()
	client := t.clientFor(hk)

	n, err := client.Exists(ctx, t.prefixed(hk)).Result()
	if err != nil {
		t.errs.Add(1)
		return false, fmt.Errorf("remote tier exists: %w", err)
	}
	return n > 0, nil
}

// Clear implements tier.Cache: scans every configured node and deletes the
// keys under this tier's Namespace prefix. With an empty Namespace the
// pattern is "*", so every key in the node's database is deleted.
func (t *Tier) Clear(ctx context.Context) error {
	t.mu.RLock()
	clients := make([]*goredis.Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.RUnlock()

	pattern := t.prefixed("*")
	for _, client := range clients {
		iter := client.Scan(ctx, 0, pattern, 0).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			t.errs.Add(1)
			return fmt.Errorf("remote tier clear scan: %w", err)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				t.errs.Add(1)
				return fmt.Errorf("remote tier clear del: %w", err)
			}
		}
	}
	return nil
}

// Size implements tier.Cache: counts namespaced keys across every node.
func (t *Tier) Size(ctx context.Context) (int, error) {
	keys, err := t.Keys(ctx, "*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Keys implements tier.Cache.
func (t *Tier) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	t.mu.RLock()
	clients := make([]*goredis.Client, 0, len(t.clients))
	for _, c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.RUnlock()

	prefixLen := 0
	if t.cfg.Namespace != "" {
		prefixLen = len(t.cfg.Namespace) + 1
	}

	var out []string
	for _, client := range clients {
		iter := client.Scan(ctx, 0, t.prefixed(pattern), 0).Iterator()
		for iter.Next(ctx) {
			out = append(out, iter.Val()[prefixLen:])
		}
		if err := iter.Err(); err != nil {
			t.errs.Add(1)
			return nil, fmt.Errorf("remote tier keys scan: %w", err)
		}
	}
	return out, nil
}

// BatchGet implements tier.Cache via a pipelined MGET per node.
func (t *Tier) BatchGet(ctx context.Context, keys []cachekey.Key) (map[string]*cachevalue.Value, error) {
	byNode := make(map[*goredis.Client][]string)
	byNodeKeys := make(map[*goredis.Client][]string)
	for _, k := range keys {
		hk := k.HashKey()
		c := t.clientFor(hk)
		byNode[c] = append(byNode[c], t.prefixed(hk))
		byNodeKeys[c] = append(byNodeKeys[c], hk)
	}

	out := make(map[string]*cachevalue.Value, len(keys))
	for client, prefixedKeys := range byNode {
		vals, err := client.MGet(ctx, prefixedKeys...).Result()
		if err != nil {
			t.errs.Add(1)
			return nil, fmt.Errorf("remote tier batch get: %w", err)
		}
		hashKeys := byNodeKeys[client]
		for i, val := range vals {
			if val == nil {
				t.misses.Add(1)
				continue
			}
			var raw []byte
			switch v := val.(type) {
			case string:
				raw = []byte(v)
			case []byte:
				raw = v
			default:
				continue
			}
			decoded, err := t.codec.decode(raw)
			if err != nil {
				t.errs.Add(1)
				continue
			}
			out[hashKeys[i]] = decoded
			t.hits.Add(1)
		}
	}
	return out, nil
}

// BatchSet implements tier.Cache via a pipeline per node.
func (t *Tier) BatchSet(ctx context.Context, items []tier.BatchItem, ttl time.Duration) error {
	effectiveTTL := ttl
	if effectiveTTL <= 0 {
		effectiveTTL = t.cfg.DefaultTTL
	}

	byNode := make(map[*goredis.Client]goredis.Pipeliner)
	for _, item := range items {
		hk := item.Key.HashKey()
		client := t.clientFor(hk)
		pipe, ok := byNode[client]
		if !ok {
			pipe = client.Pipeline()
			byNode[client] = pipe
		}
		raw, err := t.codec.encode(item.Value)
		if err != nil {
			t.errs.Add(1)
			return fmt.Errorf("remote tier batch set encode: %w", err)
		}
		pipe.Set(ctx, t.prefixed(hk), raw, effectiveTTL)
	}

	for _, pipe := range byNode {
		if _, err := pipe.Exec(ctx); err != nil {
			t.errs.Add(1)
			return fmt.Errorf("remote tier batch set exec: %w", err)
		}
	}
	t.sets.Add(uint64(len(items)))
	return nil
}

// BatchDelete implements tier.Cache.
func (t *Tier) BatchDelete(ctx context.Context, keys []cachekey.Key) (int, error) {
	byNode := make(map[*goredis.Client][]string)
	for _, k := range keys {
		hk := k.HashKey()
		client := t.clientFor(hk)
		byNode[client] = append(byNode[client], t.prefixed(hk))
	}

	total := 0
	for client, prefixedKeys := range byNode {
		n, err := client.Del(ctx, prefixedKeys...).Result()
		if err != nil {
			t.errs.Add(1)
			return total, fmt.Errorf("remote tier batch delete: %w", err)
		}
		total += int(n)
	}
	t.deletes.Add(uint64(total))
	return total, nil
}

// Increment implements tier.Cache via Redis INCRBY, which is atomic
// server-side and needs no round-trip read first.
func (t *Tier) Increment(ctx context.Context, key cachekey.Key, delta int64) (int64, error) {
	hk := key.HashKey()
	client := t.clientFor(hk)

	next, err := client.IncrBy(ctx, t.prefixed(hk), delta).Result()
	if err != nil {
		t.errs.Add(1)
		return 0, fmt.Errorf("%w: %s", tier.ErrNotNumeric, err)
	}
	return next, nil
}

// Expire implements tier.Cache.
func (t *Tier) Expire(ctx context.Context, key cachekey.Key, ttl time.Duration) error {
	hk := key.HashKey()
	client := t.clientFor(hk)

	ok, err := client.Expire(ctx, t.prefixed(hk), ttl).Result()
	if err != nil {
		t.errs.Add(1)
		return fmt.Errorf("remote tier expire: %w", err)
	}
	if !ok {
		return tier.ErrNotFound
	}
	return nil
}

// HealthCheck implements tier.Cache: PINGs every configured node.
func (t *Tier) HealthCheck(ctx context.Context) (tier.HealthReport, error) {
	start := time.Now()

	t.mu.RLock()
	clients := make(map[string]*goredis.Client, len(t.clients))
	for addr, c := range t.clients {
		clients[addr] = c
	}
	t.mu.RUnlock()

	for addr, client := range clients {
		if err := client.Ping(ctx).Err(); err != nil {
			return tier.HealthReport{
				Healthy: false,
				Latency: time.Since(start),
				Detail:  fmt.Sprintf("node %s unreachable: %s", addr, err),
			}, nil
		}
	}

	size, _ := t.Size(ctx)
	return tier.HealthReport{Healthy: true, Latency: time.Since(start), Size: size}, nil
}

// Stats implements tier.Cache.
func (t *Tier) Stats() tier.Stats {
	return tier.Stats{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Sets:      t.sets.Load(),
		Deletes:   t.deletes.Load(),
		Evictions: t.evictions.Load(),
		Errors:    t.errs.Load(),
	}
}

// Start implements tier.Cache: verifies every node answers PING before
// the tier is considered usable.
func (t *Tier) Start(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for addr, client := range t.clients {
		if err := client.Ping(dialCtx).Err(); err != nil {
			return fmt.Errorf("remote tier: node %s ping failed: %w", addr, err)
		}
	}
	return nil
}

// Stop implements tier.Cache: closes every client connection.
func (t *Tier) Stop(_ context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, client := range t.clients {
		if err := client.Close(); err != nil {
			return err
		}
	}
	return nil
}
