// Package resourcewatch samples process memory and goroutine counts and
// turns them into a load-shedding decision the tracker's bounded
// per-reference query parallelism consults before fanning out.
package resourcewatch

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

func defaultGoroutineCounter() int { return runtime.NumGoroutine() }

// Level is a coarse load-shedding tier, heaviest at LevelCritical.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config configures the watcher, mirroring the recognized resourcewatch.*
// config keys.
type Config struct {
	SampleInterval time.Duration `yaml:"sample_interval"` // default 5s

	// RSS thresholds, in megabytes, at which each level engages.
	LowMemoryMB      int64 `yaml:"low_memory_mb"`      // default 256
	MediumMemoryMB   int64 `yaml:"medium_memory_mb"`   // default 512
	HighMemoryMB     int64 `yaml:"high_memory_mb"`      // default 768
	CriticalMemoryMB int64 `yaml:"critical_memory_mb"` // default 896, just under the 1Gi pod limit

	// Goroutine-count thresholds at which each level engages.
	LowGoroutines      int `yaml:"low_goroutines"`      // default 500
	MediumGoroutines   int `yaml:"medium_goroutines"`   // default 1000
	HighGoroutines     int `yaml:"high_goroutines"`     // default 2000
	CriticalGoroutines int `yaml:"critical_goroutines"` // default 4000
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:     5 * time.Second,
		LowMemoryMB:        256,
		MediumMemoryMB:     512,
		HighMemoryMB:       768,
		CriticalMemoryMB:   896,
		LowGoroutines:      500,
		MediumGoroutines:   1000,
		HighGoroutines:     2000,
		CriticalGoroutines: 4000,
	}
}

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	Timestamp  time.Time
	RSSBytes   uint64
	Goroutines int
	Level      Level
}

// Sampler reads the current process's RSS; the default queries gopsutil
// for the running process, tests supply a fake.
type Sampler interface {
	RSSBytes() (uint64, error)
}

type processSampler struct {
	proc *process.Process
}

func (s *processSampler) RSSBytes() (uint64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// GoroutineCounter returns the current goroutine count; swappable in
// tests. Defaults to runtime.NumGoroutine.
type GoroutineCounter func() int

// Watcher periodically samples memory and goroutine pressure and derives
// a load-shedding Level.
type Watcher struct {
	config   Config
	sampler  Sampler
	counter  GoroutineCounter
	logger   *logrus.Entry

	mu       sync.RWMutex
	current  Snapshot
}

// New builds a Watcher sampling the current OS process via gopsutil.
func New(config Config, logger *logrus.Entry) (*Watcher, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return NewWithSampler(config, &processSampler{proc: proc}, nil, logger), nil
}

// NewWithSampler builds a Watcher over an explicit Sampler and
// GoroutineCounter, for tests. A nil counter defaults to
// runtime.NumGoroutine.
func NewWithSampler(config Config, sampler Sampler, counter GoroutineCounter, logger *logrus.Entry) *Watcher {
	config = withDefaults(config)
	if counter == nil {
		counter = defaultGoroutineCounter
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Watcher{
		config:  config,
		sampler: sampler,
		counter: counter,
		logger:  logger.WithField("component", "resourcewatch"),
	}
}

func withDefaults(c Config) Config {
	d := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.LowMemoryMB <= 0 {
		c.LowMemoryMB = d.LowMemoryMB
	}
	if c.MediumMemoryMB <= 0 {
		c.MediumMemoryMB = d.MediumMemoryMB
	}
	if c.HighMemoryMB <= 0 {
		c.HighMemoryMB = d.HighMemoryMB
	}
	if c.CriticalMemoryMB <= 0 {
		c.CriticalMemoryMB = d.CriticalMemoryMB
	}
	if c.LowGoroutines <= 0 {
		c.LowGoroutines = d.LowGoroutines
	}
	if c.MediumGoroutines <= 0 {
		c.MediumGoroutines = d.MediumGoroutines
	}
	if c.HighGoroutines <= 0 {
		c.HighGoroutines = d.HighGoroutines
	}
	if c.CriticalGoroutines <= 0 {
		c.CriticalGoroutines = d.CriticalGoroutines
	}
	return c
}

// Run samples on config.SampleInterval until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.SampleInterval)
	defer ticker.Stop()

	w.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

func (w *Watcher) sample() {
	rss, err := w.sampler.RSSBytes()
	if err != nil {
		w.logger.WithError(err).Warn("resourcewatch: RSS sample failed, keeping last known level")
		return
	}
	snap := Snapshot{
		Timestamp:  time.Now().UTC(),
		RSSBytes:   rss,
		Goroutines: w.counter(),
	}
	snap.Level = w.deriveLevel(snap)

	w.mu.Lock()
	prev := w.current.Level
	w.current = snap
	w.mu.Unlock()

	if snap.Level != prev {
		w.logger.WithFields(logrus.Fields{
			"old_level":  prev.String(),
			"new_level":  snap.Level.String(),
			"rss_mb":     snap.RSSBytes / 1024 / 1024,
			"goroutines": snap.Goroutines,
		}).Info("resourcewatch: load level changed")
	}
}

// deriveLevel takes the more severe of the memory-driven and
// goroutine-driven levels.
func (w *Watcher) deriveLevel(snap Snapshot) Level {
	memMB := int64(snap.RSSBytes / 1024 / 1024)
	byMemory := levelFor(memMB, w.config.LowMemoryMB, w.config.MediumMemoryMB, w.config.HighMemoryMB, w.config.CriticalMemoryMB)
	byGoroutines := levelFor(int64(snap.Goroutines), int64(w.config.LowGoroutines), int64(w.config.MediumGoroutines), int64(w.config.HighGoroutines), int64(w.config.CriticalGoroutines))
	if byGoroutines > byMemory {
		return byGoroutines
	}
	return byMemory
}

func levelFor(value, low, medium, high, critical int64) Level {
	switch {
	case value >= critical:
		return LevelCritical
	case value >= high:
		return LevelHigh
	case value >= medium:
		return LevelMedium
	case value >= low:
		return LevelLow
	default:
		return LevelNone
	}
}

// Current returns the most recent snapshot; the zero Snapshot if no
// sample has been taken yet.
func (w *Watcher) Current() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// AllowedParallelism scales base down according to the current load
// level: full capacity at LevelNone/LevelLow, progressively shed at
// Medium/High, down to a single in-flight request at Critical so the
// pipeline keeps making forward progress instead of stalling completely.
func (w *Watcher) AllowedParallelism(base int) int {
	if base <= 0 {
		base = 1
	}
	switch w.Current().Level {
	case LevelMedium:
		return maxInt(1, base*3/4)
	case LevelHigh:
		return maxInt(1, base/2)
	case LevelCritical:
		return 1
	default:
		return base
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
