package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded configuration after a
// successful hot reload.
type ChangeHandler func(cfg *Config)

// Manager watches the orchestrator config file and hot-reloads the
// tunable knobs. Reload failures keep the last good configuration.
type Manager struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	started  bool
	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	// debounce for editors that emit write bursts
	debounce time.Duration
}

// NewManager creates a config manager for the given file path.
func NewManager(path string, initial *Config, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		path:     path,
		logger:   logger,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		current:  initial,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked after each successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start begins watching the config file's directory for changes.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	// Watch the directory: editors replace files rather than write in place.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	go m.watchLoop(ctx)

	m.logger.Info("Config manager started", zap.String("path", m.path))
	return nil
}

// Stop terminates the watch loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	_ = m.watcher.Close()
}

func (m *Manager) watchLoop(ctx context.Context) {
	var timer *time.Timer
	reload := func() {
		cfg, err := LoadFile(m.path)
		if err != nil {
			m.logger.Warn("Config reload failed, keeping previous configuration",
				zap.String("path", m.path),
				zap.Error(err),
			)
			return
		}
		m.mu.Lock()
		m.current = cfg
		handlers := make([]ChangeHandler, len(m.handlers))
		copy(handlers, m.handlers)
		m.mu.Unlock()
		for _, h := range handlers {
			h(cfg)
		}
		m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, reload)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}
