package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otero/cachefabric/pkg/config"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

const minimalValidConfig = `
tiers:
  - name: hot
    level: memory
    max_size: 1000
coordinator:
  name: primary
  read_policy: read_through
  write_policy: write_through
`

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 3, cfg.Coordinator.MaxFailures)
	assert.True(t, cfg.Coordinator.EnableFailover)
}

func TestLoadFromFileExpandsEnvVars(t *testing.T) {
	t.Setenv("REMOTE_TEST_HOST", "redis.internal")
	path := writeConfigFile(t, `
tiers:
  - name: hot
    level: memory
    max_size: 1000
  - name: warm
    level: remote
    max_size: 5000
    remote:
      host: ${REMOTE_TEST_HOST}
      port: 6379
`)

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Tiers, 2)
	assert.Equal(t, "redis.internal", cfg.Tiers[1].Remote.Host)
}

func TestLoadFromFileRejectsNoTiers(t *testing.T) {
	path := writeConfigFile(t, `
coordinator:
  name: primary
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsUnknownTierLevel(t *testing.T) {
	path := writeConfigFile(t, `
tiers:
  - name: hot
    level: nonsense
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsDuplicateTierNames(t *testing.T) {
	path := writeConfigFile(t, `
tiers:
  - name: hot
    level: memory
  - name: hot
    level: disk
    disk:
      cache_dir: /tmp/x
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsClusterModeWithOneNode(t *testing.T) {
	path := writeConfigFile(t, `
tiers:
  - name: warm
    level: remote
    remote:
      cluster_mode: true
      cluster_nodes:
        - "10.0.0.1:6379"
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsDiskTierWithoutCacheDir(t *testing.T) {
	path := writeConfigFile(t, `
tiers:
  - name: cold
    level: disk
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsUnknownReadPolicy(t *testing.T) {
	path := writeConfigFile(t, `
tiers:
  - name: hot
    level: memory
coordinator:
  read_policy: sideways
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsRateLimitRuleWithoutLimit(t *testing.T) {
	path := writeConfigFile(t, `
tiers:
  - name: hot
    level: memory
rate_limit_rules:
  - rule_id: r1
    requests_per_window: 0
`)

	_, err := config.LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileMissingFileErrors(t *testing.T) {
	_, err := config.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
