package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/otero/cachefabric/pkg/config"
	"github.com/otero/cachefabric/pkg/observability"
)

func nopLogger() *observability.Logger {
	return &observability.Logger{Logger: zap.NewNop()}
}

func TestManagerStatus(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	mgr, err := config.NewManager(path, nopLogger())
	require.NoError(t, err)

	status := mgr.Status()
	assert.Equal(t, path, status.Path)
	assert.NotEmpty(t, status.Checksum)
	assert.False(t, status.LoadedAt.IsZero())
	assert.Equal(t, uint64(1), status.ReloadCount)
}

func TestManagerGetReturnsLoadedConfig(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	mgr, err := config.NewManager(path, nopLogger())
	require.NoError(t, err)

	cfg := mgr.Get()
	require.Len(t, cfg.Tiers, 1)
	assert.Equal(t, "hot", cfg.Tiers[0].Name)
}

func TestManagerReloadUpdatesChecksumAndCount(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	mgr, err := config.NewManager(path, nopLogger())
	require.NoError(t, err)
	before := mgr.Status()

	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - name: hot
    level: memory
    max_size: 1000
  - name: warm
    level: disk
    disk:
      cache_dir: /tmp/cachefabric-test
coordinator:
  name: primary
  read_policy: read_through
  write_policy: write_through
`), 0o644))

	require.NoError(t, mgr.Reload())
	after := mgr.Status()

	assert.NotEqual(t, before.Checksum, after.Checksum)
	assert.Equal(t, before.ReloadCount+1, after.ReloadCount)
	assert.Len(t, mgr.Get().Tiers, 2)
}

func TestManagerReloadKeepsCurrentConfigOnInvalidFile(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	mgr, err := config.NewManager(path, nopLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("tiers: []\n"), 0o644))

	err = mgr.Reload()
	assert.Error(t, err)
	assert.Len(t, mgr.Get().Tiers, 1, "config should be unchanged after a failed reload")
}

func TestManagerOnChangeInvokedAfterReload(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	mgr, err := config.NewManager(path, nopLogger())
	require.NoError(t, err)

	seen := make(chan *config.Config, 1)
	mgr.OnChange(func(c *config.Config) { seen <- c })

	require.NoError(t, os.WriteFile(path, []byte(minimalValidConfig), 0o644))
	require.NoError(t, mgr.Reload())

	select {
	case c := <-seen:
		require.NotNil(t, c)
	case <-time.After(time.Second):
		t.Fatal("OnChange callback was not invoked")
	}
}

func TestManagerWatchReloadsOnFileChange(t *testing.T) {
	path := writeConfigFile(t, minimalValidConfig)

	mgr, err := config.NewManager(path, nopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, mgr.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - name: hot
    level: memory
    max_size: 1000
  - name: warm
    level: disk
    disk:
      cache_dir: /tmp/cachefabric-test-watch
coordinator:
  name: primary
  read_policy: read_through
  write_policy: write_through
`), 0o644))

	assert.Eventually(t, func() bool {
		return len(mgr.Get().Tiers) == 2
	}, 2*time.Second, 20*time.Millisecond)
}
