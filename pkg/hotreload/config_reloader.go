// Package hotreload watches the config file and re-applies
// runtime-safe tunables without a restart. Reloads are triggered by
// fsnotify events (debounced), a periodic content-hash check, or the
// reload endpoint.
package hotreload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/config"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config tunes the reloader loops.
type Config struct {
	Enabled          bool
	WatchInterval    time.Duration
	DebounceInterval time.Duration
}

// Stats counters for the reloader.
type Stats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReloadTime    time.Time `json:"last_reload_time"`
	LastSuccessTime   time.Time `json:"last_success_time"`
	LastError         string    `json:"last_error,omitempty"`
	IsWatching        bool      `json:"is_watching"`
}

// Reloader owns the watcher goroutines and the current config value.
type Reloader struct {
	config     Config
	logger     *logrus.Logger
	configFile string

	watcher *fsnotify.Watcher

	onConfigChanged func(old, new *types.Config) error
	onReloadError   func(error)

	reloadMux     sync.Mutex
	currentHash   string
	currentConfig *types.Config
	stats         Stats

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewReloader creates a reloader for the given file. A disabled
// reloader is inert: Start and Stop are no-ops and TriggerReload fails.
func NewReloader(cfg Config, configFile string, logger *logrus.Logger) (*Reloader, error) {
	if !cfg.Enabled {
		return &Reloader{config: cfg, logger: logger, configFile: configFile}, nil
	}

	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = 5 * time.Second
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	absFile, err := filepath.Abs(configFile)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reloader{
		config:     cfg,
		logger:     logger,
		configFile: absFile,
		watcher:    watcher,
		ctx:        ctx,
		cancel:     cancel,
	}

	if hash, err := r.fileHash(); err == nil {
		r.currentHash = hash
	} else {
		logger.WithError(err).Warn("Failed to hash initial config")
	}

	return r, nil
}

// SetCallbacks registers the apply hook. onChanged receives the old
// and the freshly loaded config; returning an error rejects the reload.
func (r *Reloader) SetCallbacks(onChanged func(old, new *types.Config) error, onError func(error)) {
	r.onConfigChanged = onChanged
	r.onReloadError = onError
}

// Start watches the config file and its directory (editors often
// replace rather than rewrite the file).
func (r *Reloader) Start(initial *types.Config) error {
	if !r.config.Enabled {
		r.logger.Info("Config hot reload disabled")
		return nil
	}
	if r.isRunning {
		return fmt.Errorf("config reloader already running")
	}

	r.currentConfig = initial

	if err := r.watcher.Add(r.configFile); err != nil {
		r.logger.WithError(err).WithField("file", r.configFile).Warn("Failed to watch config file")
	}
	if err := r.watcher.Add(filepath.Dir(r.configFile)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	r.wg.Add(2)
	go r.watchFileChanges()
	go r.periodicCheck()

	r.isRunning = true
	r.stats.IsWatching = true

	r.logger.WithFields(logrus.Fields{
		"config_file":    r.configFile,
		"watch_interval": r.config.WatchInterval,
	}).Info("Config reloader started")

	return nil
}

// Stop halts the watcher goroutines.
func (r *Reloader) Stop() {
	if !r.isRunning {
		return
	}
	r.isRunning = false
	r.stats.IsWatching = false

	r.cancel()
	r.watcher.Close()
	r.wg.Wait()

	r.logger.Info("Config reloader stopped")
}

// TriggerReload forces an immediate reload, used by the HTTP surface.
func (r *Reloader) TriggerReload() error {
	if !r.config.Enabled {
		return fmt.Errorf("config reloader is disabled")
	}
	if !r.isRunning {
		return fmt.Errorf("config reloader is not running")
	}
	r.logger.Info("Manual config reload triggered")
	return r.performReload()
}

func (r *Reloader) watchFileChanges() {
	defer r.wg.Done()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		select {
		case <-debounce.C:
		default:
		}
	}
	pending := false

	for {
		select {
		case <-r.ctx.Done():
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.shouldProcessEvent(event) {
				continue
			}
			r.logger.WithFields(logrus.Fields{
				"file":      event.Name,
				"operation": event.Op.String(),
			}).Debug("Config file change detected")

			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(r.config.DebounceInterval)
			pending = true

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.WithError(err).Error("File watcher error")

		case <-debounce.C:
			if pending {
				pending = false
				if err := r.performReload(); err != nil {
					r.logger.WithError(err).Error("Config reload failed")
				}
			}
		}
	}
}

// periodicCheck catches edits fsnotify misses (bind mounts, some
// network filesystems) by comparing content hashes.
func (r *Reloader) periodicCheck() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			hash, err := r.fileHash()
			if err != nil {
				continue
			}
			r.reloadMux.Lock()
			changed := hash != r.currentHash
			r.reloadMux.Unlock()
			if changed {
				r.logger.Info("Config change detected via hash comparison")
				if err := r.performReload(); err != nil {
					r.logger.WithError(err).Error("Config reload failed")
				}
			}
		}
	}
}

func (r *Reloader) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return absPath == r.configFile
}

func (r *Reloader) performReload() error {
	r.reloadMux.Lock()
	defer r.reloadMux.Unlock()

	r.stats.TotalReloads++
	r.stats.LastReloadTime = time.Now()

	fail := func(err error) error {
		r.stats.FailedReloads++
		r.stats.LastError = err.Error()
		if r.onReloadError != nil {
			r.onReloadError(err)
		}
		return err
	}

	newConfig, err := config.LoadConfig(r.configFile)
	if err != nil {
		return fail(fmt.Errorf("failed to load new config: %w", err))
	}
	if err := config.ValidateConfig(newConfig); err != nil {
		return fail(fmt.Errorf("new config validation failed: %w", err))
	}

	if r.onConfigChanged != nil {
		if err := r.onConfigChanged(r.currentConfig, newConfig); err != nil {
			return fail(fmt.Errorf("failed to apply config changes: %w", err))
		}
	}

	r.currentConfig = newConfig
	if hash, err := r.fileHash(); err == nil {
		r.currentHash = hash
	}

	r.stats.SuccessfulReloads++
	r.stats.LastSuccessTime = time.Now()
	r.stats.LastError = ""

	r.logger.Info("Config reload completed")
	return nil
}

func (r *Reloader) fileHash() (string, error) {
	file, err := os.Open(r.configFile)
	if err != nil {
		return "", fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("failed to hash config file: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// GetCurrentConfig returns the last successfully applied config.
func (r *Reloader) GetCurrentConfig() *types.Config {
	r.reloadMux.Lock()
	defer r.reloadMux.Unlock()
	return r.currentConfig
}

// GetStats returns a copy of the reload counters.
func (r *Reloader) GetStats() Stats {
	r.reloadMux.Lock()
	defer r.reloadMux.Unlock()
	return r.stats
}

// IsHealthy reports whether the watcher is running (or disabled).
func (r *Reloader) IsHealthy() bool {
	if !r.config.Enabled {
		return true
	}
	return r.isRunning
}
