package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/otero/cachefabric/pkg/observability"
)

// Manager loads a Config from disk and hot-reloads it on file change,
// publishing every successive version through an atomic pointer swap so
// concurrent readers never observe a torn config.
//
// Grounded on blueberrycongee-llmux's internal/config/manager.go: the
// same atomic.Pointer[Config] swap, debounced fsnotify watch loop, and
// checksum/reload-count status tracking, with the teacher's slog.Logger
// replaced by this module's zap-backed observability.Logger.
type Manager struct {
	config      atomic.Pointer[Config]
	path        string
	watcher     *fsnotify.Watcher
	onChange    []func(*Config)
	logger      *observability.Logger
	checksum    atomic.Value
	loadedAt    atomic.Value
	reloadCount atomic.Uint64
}

// NewManager loads the configuration at path and returns a Manager ready
// to serve it. Call Watch to start hot-reloading.
func NewManager(path string, logger *observability.Logger) (*Manager, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{path: path, logger: logger}
	if err := m.storeConfig(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the current configuration. Safe for concurrent use.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback invoked with the new Config after every
// successful reload, in registration order.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Status reports metadata about the currently active configuration.
type Status struct {
	Path        string    `json:"path"`
	Checksum    string    `json:"checksum"`
	LoadedAt    time.Time `json:"loaded_at"`
	ReloadCount uint64    `json:"reload_count"`
}

// Status returns the active configuration's metadata.
func (m *Manager) Status() Status {
	s := Status{Path: m.path, ReloadCount: m.reloadCount.Load()}
	if v, ok := m.checksum.Load().(string); ok {
		s.Checksum = v
	}
	if v, ok := m.loadedAt.Load().(time.Time); ok {
		s.LoadedAt = v
	}
	return s
}

// Watch starts watching the configuration file for changes. Reloads are
// debounced so a burst of writes from an editor only triggers one swap.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := m.Reload(); err != nil {
						m.logger.Error("failed to reload config, keeping current", zap.Error(err))
					}
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

// Reload forces an immediate reload from disk, validating before the
// swap so a broken file never displaces a working configuration.
func (m *Manager) Reload() error {
	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		return err
	}
	if err := m.storeConfig(newCfg); err != nil {
		return err
	}
	m.logger.Info("configuration reloaded successfully", zap.Uint64("reload_count", m.reloadCount.Load()))

	for _, fn := range m.onChange {
		fn(newCfg)
	}
	return nil
}

// Close stops the configuration watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) storeConfig(cfg *Config) error {
	checksum, err := configChecksum(cfg)
	if err != nil {
		return err
	}
	m.config.Store(cfg)
	m.checksum.Store(checksum)
	m.loadedAt.Store(time.Now().UTC())
	m.reloadCount.Add(1)
	return nil
}

func configChecksum(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
