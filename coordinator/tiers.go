package coordinator

import (
	"fmt"

	"github.com/otero/cachefabric/internal/tier/disk"
	"github.com/otero/cachefabric/internal/tier/memory"
	"github.com/otero/cachefabric/internal/tier/remote"
	"github.com/otero/cachefabric/pkg/config"
	"github.com/otero/cachefabric/pkg/tier"
)

// BuildTiers constructs one tier.Cache per entry in cfg.Tiers, in the
// order given (the coordinator treats index 0 as fastest). The caller is
// responsible for ordering the slice fastest-to-slowest in YAML.
func BuildTiers(cfg []config.TierConfig) ([]tier.Cache, error) {
	out := make([]tier.Cache, 0, len(cfg))
	for _, t := range cfg {
		built, err := buildTier(t)
		if err != nil {
			return nil, fmt.Errorf("build tier %q: %w", t.Name, err)
		}
		out = append(out, built)
	}
	return out, nil
}

func buildTier(t config.TierConfig) (tier.Cache, error) {
	switch t.Level {
	case "memory":
		return memory.New(memory.Config{
			MaxEntries:        t.MaxSize,
			MaxMemoryBytes:    int64(t.MaxMemoryMB) * 1024 * 1024,
			DefaultTTL:        t.DefaultTTL,
			EvictionPolicy:    evictionPolicyOrDefault(t.EvictionPolicy),
			ThreadSafe:        t.ThreadSafe,
			BackgroundCleanup: t.BackgroundCleanup,
		}), nil

	case "remote":
		serialization := remote.SerializationJSON
		if t.SerializationFormat == "msgpack" {
			serialization = remote.SerializationMsgPack
		}
		addr := fmt.Sprintf("%s:%d", t.Remote.Host, t.Remote.Port)
		return remote.New(remote.Config{
			Addr:           addr,
			Password:       t.Remote.Password,
			DB:             t.Remote.DB,
			Nodes:          t.Remote.ClusterNodes,
			ClusterMode:    t.Remote.ClusterMode,
			Namespace:      t.Remote.KeyPrefix,
			DefaultTTL:     t.DefaultTTL,
			ReadTimeout:    t.Remote.SocketTimeout,
			WriteTimeout:   t.Remote.SocketTimeout,
			DialTimeout:    t.Remote.SocketConnectTimeout,
			PoolSize:       t.Remote.MaxConnections,
			RetryOnTimeout: t.Remote.RetryOnTimeout,
			Serialization:  serialization,
		})

	case "disk":
		return disk.New(disk.Config{
			RootDir:          t.Disk.CacheDir,
			DirLevels:        t.Disk.DirLevels,
			Compress:         t.CompressionEnabled,
			IndexFlushPeriod: t.Disk.IndexSyncInterval,
			DefaultTTL:       t.DefaultTTL,
		})

	default:
		return nil, fmt.Errorf("unknown tier level %q", t.Level)
	}
}

func evictionPolicyOrDefault(p string) string {
	switch p {
	case "lru", "lfu", "ttl", "fifo", "random", "adaptive":
		return p
	default:
		return "lru"
	}
}
