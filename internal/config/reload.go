// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/taskhub/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Snapshot is an immutable, atomically-swapped view of the current
// configuration. Epoch increases by one on every successful reload, so a
// caller holding a stale Snapshot can tell it apart from the current one
// without comparing the whole struct.
type Snapshot struct {
	App   AppConfig
	Epoch uint64
}

// ConfigHolder serves the current Snapshot and, when watching a config
// file, reloads it on every write/create/rename event after a debounce
// window. A reload that fails validation leaves the previous Snapshot in
// place untouched.
type ConfigHolder struct {
	loader     *Loader
	configPath string
	logger     zerolog.Logger

	current atomic.Pointer[Snapshot]

	watcher    *fsnotify.Watcher
	configDir  string
	configFile string

	reloadMu        sync.RWMutex
	reloadListeners []chan<- AppConfig
	snapListeners   []chan<- *Snapshot

	reloadOpMu sync.Mutex
}

// NewConfigHolder loads the initial configuration via loader and returns a
// ConfigHolder serving it as epoch 0.
func NewConfigHolder(loader *Loader, configPath string) (*ConfigHolder, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("config: initial load: %w", err)
	}
	h := &ConfigHolder{
		loader:     loader,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
	h.current.Store(&Snapshot{App: cfg, Epoch: 0})
	return h, nil
}

// Current returns the Snapshot currently in effect. Safe for concurrent
// use; never blocks on a reload in progress.
func (h *ConfigHolder) Current() *Snapshot {
	return h.current.Load()
}

// Get returns the AppConfig of the current Snapshot.
func (h *ConfigHolder) Get() AppConfig {
	return h.Current().App
}

// Swap atomically installs snap as the current Snapshot.
func (h *ConfigHolder) Swap(snap *Snapshot) {
	h.current.Store(snap)
}

// Reload re-runs the loader and, if the result validates, atomically
// swaps it in as a new Snapshot one epoch ahead of the current one. The
// old configuration remains in effect if loading or validation fails.
func (h *ConfigHolder) Reload(_ context.Context) error {
	h.reloadOpMu.Lock()
	defer h.reloadOpMu.Unlock()

	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("config: reload: %w", err)
	}

	prev := h.Current()
	next := &Snapshot{App: newCfg, Epoch: prev.Epoch + 1}
	h.Swap(next)

	h.notifyListeners(newCfg)
	h.notifySnapshotListeners(next)

	h.logger.Info().
		Str("event", "config.reload_success").
		Uint64("epoch", next.Epoch).
		Msg("configuration reloaded successfully")
	return nil
}

// StartWatcher begins watching the config file's directory for
// write/create/rename events and debounces them into Reload calls. A
// no-op when this holder was constructed without a config file path.
func (h *ConfigHolder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("config file watcher disabled (ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	h.watcher = watcher
	h.configDir = filepath.Dir(h.configPath)
	h.configFile = filepath.Base(h.configPath)

	if err := watcher.Add(h.configDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config: watch directory: %w", err)
	}

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.configPath).Msg("watching config file for changes")
	go h.watchLoop(ctx)
	return nil
}

func (h *ConfigHolder) watchLoop(ctx context.Context) {
	const debounceDuration = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if h.configFile != "" && filepath.Base(event.Name) != h.configFile {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)) {
				continue
			}
			h.logger.Debug().Str("event", "config.file_changed").Str("op", event.Op.String()).Msg("config file changed")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDuration, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic config reload failed")
				}
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher, if one is running.
func (h *ConfigHolder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers ch to receive the new AppConfig after every
// successful reload. Sends are non-blocking: a full channel drops the
// notification rather than stalling the reload path.
func (h *ConfigHolder) RegisterListener(ch chan<- AppConfig) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.reloadListeners = append(h.reloadListeners, ch)
}

// RegisterSnapshotListener registers ch to receive the new Snapshot after
// every successful reload.
func (h *ConfigHolder) RegisterSnapshotListener(ch chan<- *Snapshot) {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	h.snapListeners = append(h.snapListeners, ch)
}

func (h *ConfigHolder) notifyListeners(cfg AppConfig) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.reloadListeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("skipped notifying listener (channel full)")
		}
	}
}

func (h *ConfigHolder) notifySnapshotListeners(snap *Snapshot) {
	h.reloadMu.RLock()
	defer h.reloadMu.RUnlock()
	for _, ch := range h.snapListeners {
		select {
		case ch <- snap:
		default:
			h.logger.Warn().Str("event", "config.snapshot_listener_skip").Msg("skipped notifying snapshot listener (channel full)")
		}
	}
}
