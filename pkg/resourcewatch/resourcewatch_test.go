package resourcewatch

import "testing"

type fakeSampler struct {
	rss uint64
	err error
}

func (f *fakeSampler) RSSBytes() (uint64, error) { return f.rss, f.err }

func mb(n int64) uint64 { return uint64(n) * 1024 * 1024 }

func TestWatcher_DeriveLevel_ByMemory(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWithSampler(cfg, &fakeSampler{rss: mb(cfg.CriticalMemoryMB)}, func() int { return 0 }, nil)
	w.sample()
	if got := w.Current().Level; got != LevelCritical {
		t.Errorf("expected LevelCritical, got %v", got)
	}
}

func TestWatcher_DeriveLevel_ByGoroutines(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWithSampler(cfg, &fakeSampler{rss: 0}, func() int { return cfg.HighGoroutines }, nil)
	w.sample()
	if got := w.Current().Level; got != LevelHigh {
		t.Errorf("expected LevelHigh, got %v", got)
	}
}

func TestWatcher_DeriveLevel_TakesTheMoreSevere(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWithSampler(cfg, &fakeSampler{rss: mb(cfg.LowMemoryMB)}, func() int { return cfg.CriticalGoroutines }, nil)
	w.sample()
	if got := w.Current().Level; got != LevelCritical {
		t.Errorf("expected the goroutine-driven critical level to win, got %v", got)
	}
}

func TestWatcher_SampleError_KeepsLastLevel(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWithSampler(cfg, &fakeSampler{rss: mb(cfg.HighMemoryMB)}, func() int { return 0 }, nil)
	w.sample()
	before := w.Current().Level

	w.sampler = &fakeSampler{err: errBoom}
	w.sample()
	if got := w.Current().Level; got != before {
		t.Errorf("expected level to stay %v after a failed sample, got %v", before, got)
	}
}

func TestWatcher_AllowedParallelism_ShedsUnderLoad(t *testing.T) {
	cfg := DefaultConfig()
	w := NewWithSampler(cfg, &fakeSampler{rss: 0}, func() int { return 0 }, nil)

	cases := []struct {
		level Level
		base  int
		want  int
	}{
		{LevelNone, 5, 5},
		{LevelLow, 5, 5},
		{LevelMedium, 5, 3},
		{LevelHigh, 5, 2},
		{LevelCritical, 5, 1},
	}
	for _, c := range cases {
		w.mu.Lock()
		w.current.Level = c.level
		w.mu.Unlock()
		if got := w.AllowedParallelism(c.base); got != c.want {
			t.Errorf("level %v: AllowedParallelism(%d) = %d, want %d", c.level, c.base, got, c.want)
		}
	}
}

var errBoom = &sampleError{"boom"}

type sampleError struct{ msg string }

func (e *sampleError) Error() string { return e.msg }
