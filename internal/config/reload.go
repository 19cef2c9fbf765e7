package config

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadConfig configures the config file watcher.
type ReloadConfig struct {
	Enabled          bool          `yaml:"enabled"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
}

// DefaultReloadConfig matches the teacher's hot-reload defaults.
func DefaultReloadConfig() ReloadConfig {
	return ReloadConfig{
		Enabled:          false,
		WatchInterval:    5 * time.Second,
		DebounceInterval: 1 * time.Second,
	}
}

// Reloader watches a config file and re-loads it on change, handing the
// new value to onChanged. Reloader hands back the whole reloaded Config
// and leaves picking which fields to apply live to the caller.
type Reloader struct {
	configFile string
	config     ReloadConfig
	logger     *logrus.Entry
	onChanged  func(*Config)
	onError    func(error)

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewReloader builds a Reloader. When config.Enabled is false, Start is a
// no-op so callers never need to branch on whether reload is configured.
func NewReloader(configFile string, config ReloadConfig, logger *logrus.Entry, onChanged func(*Config), onError func(error)) (*Reloader, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Reloader{configFile: configFile, config: config, logger: logger, onChanged: onChanged, onError: onError}
	if !config.Enabled {
		return r, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	r.watcher = watcher
	return r, nil
}

// Start begins watching the config file for writes/renames, debouncing
// bursts of filesystem events (editors often write via rename+create)
// before triggering a reload.
func (r *Reloader) Start() error {
	if !r.config.Enabled || r.watcher == nil {
		return nil
	}
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := r.watcher.Add(r.configFile); err != nil {
		r.running.Store(false)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.watchLoop(ctx)
	return nil
}

func (r *Reloader) watchLoop(ctx context.Context) {
	defer r.wg.Done()
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(r.config.DebounceInterval, r.reload)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			if r.onError != nil {
				r.onError(err)
			}
		}
	}
}

func (r *Reloader) reload() {
	cfg, err := Load(r.configFile)
	if err != nil {
		r.logger.WithError(err).Warn("config: reload failed, keeping previous configuration")
		if r.onError != nil {
			r.onError(err)
		}
		return
	}
	r.logger.Info("config: reloaded from disk")
	if r.onChanged != nil {
		r.onChanged(cfg)
	}
}

// Stop ends the watch loop and closes the underlying watcher.
func (r *Reloader) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return r.watcher.Close()
}
