package platform

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiterConfig configures the adaptive limiter.
type RateLimiterConfig struct {
	InitialRPS         float64       `yaml:"initial_rps"`         // default 10
	MinRPS             float64       `yaml:"min_rps"`             // default 1
	MaxRPS             float64       `yaml:"max_rps"`             // default 50, the platform's per-org concurrent-request ceiling
	LatencyTargetMS    int           `yaml:"latency_target_ms"`   // default 500
	LatencyWindowSize  int           `yaml:"latency_window_size"` // default 50
	AdaptationInterval time.Duration `yaml:"adaptation_interval"` // default 30s
	AdaptationFactor   float64       `yaml:"adaptation_factor"`   // default 0.1
}

func defaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		InitialRPS:         10,
		MinRPS:             1,
		MaxRPS:             50,
		LatencyTargetMS:    500,
		LatencyWindowSize:  50,
		AdaptationInterval: 30 * time.Second,
		AdaptationFactor:   0.1,
	}
}

// latencyWindow is a small fixed-size ring buffer of recent latencies.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	index   int
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.index] = d
	w.index = (w.index + 1) % len(w.samples)
}

func (w *latencyWindow) average() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total time.Duration
	var count int
	for _, s := range w.samples {
		if s > 0 {
			total += s
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// rateLimiter is a token-bucket limiter whose rate adapts down when
// observed request latency drifts above its target, and back up when it
// recovers — keeping a single flaky org from being hammered at a fixed
// rate that only makes its latency worse.
type rateLimiter struct {
	config RateLimiterConfig

	mu         sync.Mutex
	currentRPS float64
	tokens     float64
	lastRefill time.Time
	latency    *latencyWindow
	lastAdapt  time.Time
}

func newRateLimiter(config RateLimiterConfig) *rateLimiter {
	d := defaultRateLimiterConfig()
	if config.InitialRPS <= 0 {
		config.InitialRPS = d.InitialRPS
	}
	if config.MinRPS <= 0 {
		config.MinRPS = d.MinRPS
	}
	if config.MaxRPS <= 0 {
		config.MaxRPS = d.MaxRPS
	}
	if config.LatencyTargetMS <= 0 {
		config.LatencyTargetMS = d.LatencyTargetMS
	}
	if config.LatencyWindowSize <= 0 {
		config.LatencyWindowSize = d.LatencyWindowSize
	}
	if config.AdaptationInterval <= 0 {
		config.AdaptationInterval = d.AdaptationInterval
	}
	if config.AdaptationFactor <= 0 {
		config.AdaptationFactor = d.AdaptationFactor
	}
	return &rateLimiter{
		config:     config,
		currentRPS: config.InitialRPS,
		tokens:     config.InitialRPS,
		lastRefill: time.Now(),
		latency:    newLatencyWindow(config.LatencyWindowSize),
		lastAdapt:  time.Now(),
	}
}

// Wait blocks until a token is available or ctx is canceled.
func (r *rateLimiter) Wait(ctx context.Context) error {
	for {
		if r.tryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (r *rateLimiter) tryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now
	r.tokens = math.Min(r.tokens+elapsed*r.currentRPS, r.currentRPS*2)

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// RecordLatency feeds an observed request latency into the adaptation
// window and, if the adaptation interval has elapsed, adjusts currentRPS.
func (r *rateLimiter) RecordLatency(d time.Duration) {
	r.latency.add(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastAdapt) < r.config.AdaptationInterval {
		return
	}
	r.lastAdapt = time.Now()

	avg := r.latency.average()
	if avg == 0 {
		return
	}
	target := time.Duration(r.config.LatencyTargetMS) * time.Millisecond
	if avg > target {
		r.currentRPS = math.Max(r.config.MinRPS, r.currentRPS*(1-r.config.AdaptationFactor))
	} else {
		r.currentRPS = math.Min(r.config.MaxRPS, r.currentRPS*(1+r.config.AdaptationFactor))
	}
}

// CurrentRPS reports the current adapted rate, for diagnostics.
func (r *rateLimiter) CurrentRPS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentRPS
}
