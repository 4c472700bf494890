package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LoadServersFile reads a JSON file mapping server names to configs.
// A missing file is treated as an empty config set.
func LoadServersFile(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerConfig{}, nil
		}
		return nil, err
	}

	var configs map[string]ServerConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// ConfigWatcher reloads the server config file on change and reconciles
// the registry against it: new servers start, removed servers stop, and
// servers whose config changed restart.
type ConfigWatcher struct {
	registry *Registry
	path     string
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopCh   chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	applied map[string]ServerConfig
}

// NewConfigWatcher starts watching the directory containing path. The
// initial file contents are applied immediately.
func NewConfigWatcher(ctx context.Context, registry *Registry, path string, logger zerolog.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	cw := &ConfigWatcher{
		registry: registry,
		path:     path,
		logger:   logger.With().Str("component", "mcp_watcher").Logger(),
		watcher:  watcher,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		applied:  make(map[string]ServerConfig),
	}

	// Watch the parent so atomic rename-based saves are seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	cw.reload(ctx)
	go cw.run()

	return cw, nil
}

// Stop stops the watcher. Servers keep running.
func (cw *ConfigWatcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) run() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				cw.logger.Debug().Str("op", event.Op.String()).Msg("Server config change detected")
				cw.scheduleReload()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error().Err(err).Msg("Config watcher error")

		case <-cw.stopCh:
			return
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		cw.reload(ctx)
	})
}

func (cw *ConfigWatcher) reload(ctx context.Context) {
	configs, err := LoadServersFile(cw.path)
	if err != nil {
		cw.logger.Error().Err(err).Str("path", cw.path).Msg("Failed to load server config")
		return
	}

	cw.mu.Lock()
	previous := cw.applied
	cw.applied = configs
	cw.mu.Unlock()

	for name, cfg := range configs {
		old, existed := previous[name]
		switch {
		case !existed:
			if !cfg.Disabled {
				if err := cw.registry.StartServer(ctx, name, cfg); err != nil {
					cw.logger.Warn().Err(err).Str("server", name).Msg("Server failed to start")
				}
			}
		case !reflect.DeepEqual(old, cfg):
			if cfg.Disabled {
				if err := cw.registry.StopServer(name); err != nil {
					cw.logger.Warn().Err(err).Str("server", name).Msg("Server failed to stop")
				}
				continue
			}
			if err := cw.registry.StopServer(name); err != nil && !errors.Is(err, ErrServerNotFound) {
				cw.logger.Warn().Err(err).Str("server", name).Msg("Error stopping server for restart")
			}
			if err := cw.registry.StartServer(ctx, name, cfg); err != nil {
				cw.logger.Warn().Err(err).Str("server", name).Msg("Server failed to restart")
			}
		}
	}

	for name := range previous {
		if _, still := configs[name]; !still {
			if err := cw.registry.RemoveServer(name); err != nil {
				cw.logger.Warn().Err(err).Str("server", name).Msg("Error removing server")
			}
		}
	}
}
