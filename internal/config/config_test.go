package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_AppliesDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Capture.Preset != "minimal" {
		t.Errorf("expected default preset 'minimal', got %q", cfg.Capture.Preset)
	}
	if cfg.Correlation.MinConfidence != 0.40 {
		t.Errorf("expected default min confidence 0.40, got %v", cfg.Correlation.MinConfidence)
	}
	if cfg.Correlation.MaxChildren != 5 {
		t.Errorf("expected default max children 5, got %d", cfg.Correlation.MaxChildren)
	}
}

func TestLoad_ReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
capture:
  preset: soql_analysis
  duration_minutes: 60
correlation:
  min_confidence: 0.5
  max_children: 3
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Capture.Preset != "soql_analysis" {
		t.Errorf("expected preset soql_analysis, got %q", cfg.Capture.Preset)
	}
	if cfg.Correlation.MinConfidence != 0.5 {
		t.Errorf("expected min confidence 0.5, got %v", cfg.Correlation.MinConfidence)
	}
	if cfg.Correlation.MaxChildren != 3 {
		t.Errorf("expected max children 3, got %d", cfg.Correlation.MaxChildren)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("APEX_CAPTURE_PRESET", "full_diagnostic")
	t.Setenv("APEX_MIN_CONFIDENCE", "0.75")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Capture.Preset != "full_diagnostic" {
		t.Errorf("expected env-overridden preset, got %q", cfg.Capture.Preset)
	}
	if cfg.Correlation.MinConfidence != 0.75 {
		t.Errorf("expected env-overridden confidence, got %v", cfg.Correlation.MinConfidence)
	}
}

func TestValidate_RejectsOutOfRangeConfidence(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Correlation.MinConfidence = 1.5

	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for out-of-range min confidence")
	}
}

func TestValidate_RejectsUnknownPreset(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Capture.Preset = "not-a-real-preset"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for an unrecognized preset")
	}
}

func TestValidate_RejectsKafkaEnabledWithoutBrokers(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Publish.Enabled = true
	cfg.Publish.Brokers = nil
	cfg.Publish.Topic = "artifacts"

	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error when publish is enabled without brokers")
	}
}

func TestValidate_RejectsUnknownAuthMethod(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Auth.PreferredMethods = []string{"smoke-signal"}

	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for an unrecognized auth method")
	}
}

func TestCorrelatorOptions_RoundTripsMillisecondWindow(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Correlation.MaxTimeWindowMS = 7200000

	opts := cfg.CorrelatorOptions()
	if opts.MaxTimeWindow.Milliseconds() != 7200000 {
		t.Errorf("expected 7200000ms window, got %v", opts.MaxTimeWindow)
	}
}
