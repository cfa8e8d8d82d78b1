// Package tier defines the Cache Contract implemented by every concrete
// cache tier (memory, remote, disk) and consumed uniformly by the
// Cache Coordinator. It is the generalization of the teacher's ad hoc
// L1Cache/RemoteCache pair (cache-manager/cache.go, cache-manager/service.go)
// into the full contract spec.md §4.1 requires, including batch ops,
// increment/expire, and health checks.
package tier

import (
	"context"
	"errors"
	"time"

	"github.com/otero/cachefabric/pkg/cachekey"
	"github.com/otero/cachefabric/pkg/cachevalue"
)

// ErrNotFound is returned by operations that require an existing entry
// (Expire) when the key is absent. Increment creates an absent key.
var ErrNotFound = errors.New("tier: key not found")

// ErrNotNumeric is returned by Increment when the stored value cannot be
// interpreted as an integer.
var ErrNotNumeric = errors.New("tier: value is not numeric")

// ErrClusterModeUnconfigured is returned by the remote tier's constructor
// when cluster_mode is set with fewer than two nodes — the tier fails
// closed per spec §4.4.
var ErrClusterModeUnconfigured = errors.New("tier: cluster_mode enabled without cluster client")

// Level identifies where a tier sits in the routing order.
type Level string

const (
	LevelMemory Level = "memory"
	LevelRemote Level = "remote"
	LevelDisk   Level = "disk"
)

// HealthReport is returned by Cache.HealthCheck.
type HealthReport struct {
	Healthy bool
	Latency time.Duration
	Size    int
	Detail  string
}

// Stats is the uniform per-tier counter set, aggregated by the coordinator.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Sets      uint64
	Deletes   uint64
	Evictions uint64
	Errors    uint64
	Size      int
}

// BatchItem pairs a key with the value to write for it. A plain slice
// rather than a map keyed by cachekey.Key, since Key carries a Tags slice
// and is therefore not a comparable map key type.
type BatchItem struct {
	Key   cachekey.Key
	Value *cachevalue.Value
}

// Cache is the contract every tier implementation satisfies. All
// operations may block (network/disk IO) and accept a context so callers
// can bound that wait; implementations must honor context cancellation
// where feasible.
type Cache interface {
	Get(ctx context.Context, key cachekey.Key) (*cachevalue.Value, bool, error)
	Set(ctx context.Context, key cachekey.Key, value *cachevalue.Value, ttl time.Duration) error
	Delete(ctx context.Context, key cachekey.Key) (bool, error)
	Exists(ctx context.Context, key cachekey.Key) (bool, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Keys(ctx context.Context, pattern string) ([]string, error)

	BatchGet(ctx context.Context, keys []cachekey.Key) (map[string]*cachevalue.Value, error)
	BatchSet(ctx context.Context, items []BatchItem, ttl time.Duration) error
	BatchDelete(ctx context.Context, keys []cachekey.Key) (int, error)

	Increment(ctx context.Context, key cachekey.Key, delta int64) (int64, error)
	Expire(ctx context.Context, key cachekey.Key, ttl time.Duration) error

	HealthCheck(ctx context.Context) (HealthReport, error)
	Stats() Stats

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
