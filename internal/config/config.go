// Package config loads, validates, and hot-reloads the correlator's
// configuration: a YAML file overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"apex-correlator/internal/platform"
	"apex-correlator/internal/tracing"
	"apex-correlator/pkg/capture"
	"apex-correlator/pkg/correlator"
	"apex-correlator/pkg/publish"
	"apex-correlator/pkg/redaction"
)

// CaptureConfig is the YAML-facing capture surface.
type CaptureConfig struct {
	Preset                  string `yaml:"preset"`
	DurationMinutes         int    `yaml:"duration_minutes"`
	IncludeAutomatedProcess bool   `yaml:"include_automated_process"`
}

// CorrelationConfig is the YAML-facing correlation surface.
type CorrelationConfig struct {
	MaxTimeWindowMS   int64   `yaml:"max_time_window_ms"`
	MinConfidence     float64 `yaml:"min_confidence"`
	MaxChildren       int     `yaml:"max_children"`
	QueryPlatformJobs *bool   `yaml:"query_platform_jobs"` // pointer so "unset" and "false" are distinguishable
}

// AuthConfig is the YAML-facing auth surface: just the allow-listed
// method preference ordering (§6.3); flow mechanics are a caller concern.
type AuthConfig struct {
	PreferredMethods []string `yaml:"preferred_methods"`
}

// AppConfig carries top-level identity used in logging/tracing resource
// attributes.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "json" or "text"
}

// AdminConfig configures the /healthz + /metrics admin HTTP surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the root configuration object.
type Config struct {
	App         AppConfig             `yaml:"app"`
	Admin       AdminConfig           `yaml:"admin"`
	Capture     CaptureConfig         `yaml:"capture"`
	Correlation CorrelationConfig     `yaml:"correlation"`
	Redaction   redaction.Config      `yaml:"redaction"`
	Auth        AuthConfig            `yaml:"auth"`
	Platform    platform.ClientConfig `yaml:"platform"`
	RateLimit   platform.RateLimiterConfig `yaml:"rate_limit"`
	Publish     publish.Config        `yaml:"publish"`
	Tracing     tracing.Config        `yaml:"tracing"`
	HotReload   ReloadConfig          `yaml:"hot_reload"`
}

// Load reads configFile (if non-empty), applies defaults for anything
// left unset, then applies environment-variable overrides, and validates
// the result before returning it.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", configFile, err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "apex-correlator"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "production"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}

	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9402"
	}

	if cfg.Capture.Preset == "" {
		cfg.Capture.Preset = "minimal"
	}
	if cfg.Capture.DurationMinutes == 0 {
		cfg.Capture.DurationMinutes = 120
	}

	defaultOpts := correlator.DefaultOptions()
	if cfg.Correlation.MaxTimeWindowMS == 0 {
		cfg.Correlation.MaxTimeWindowMS = defaultOpts.MaxTimeWindow.Milliseconds()
	}
	if cfg.Correlation.MinConfidence == 0 {
		cfg.Correlation.MinConfidence = defaultOpts.MinConfidence
	}
	if cfg.Correlation.MaxChildren == 0 {
		cfg.Correlation.MaxChildren = defaultOpts.MaxChildren
	}
	if cfg.Correlation.QueryPlatformJobs == nil {
		v := defaultOpts.QueryPlatformJobs
		cfg.Correlation.QueryPlatformJobs = &v
	}

	if len(cfg.Auth.PreferredMethods) == 0 {
		cfg.Auth.PreferredMethods = []string{string(capture.AuthAuthorizationCodePKCE)}
	}

	if cfg.Redaction.MinSensitivity == redaction.SensitivityNone && !cfg.Redaction.UsePlaceholders {
		cfg.Redaction = redaction.DefaultConfig()
	}

	if cfg.Tracing.ServiceName == "" {
		t := tracing.DefaultConfig()
		t.Enabled = cfg.Tracing.Enabled // preserve an explicit yaml setting
		cfg.Tracing = t
	}

	if cfg.HotReload.WatchInterval == 0 {
		cfg.HotReload = DefaultReloadConfig()
	}
}

// envString/envInt/... follow the teacher's getEnvXxx pattern: read a
// string, fall back to the existing value (already file-loaded or
// defaulted) if the variable is unset or unparseable.
func envString(key string, current string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return current
}

func envInt(key string, current int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return current
}

func envFloat(key string, current float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return current
}

func envBool(key string, current bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return current
}

func envStringSlice(key string, current []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return strings.Split(v, ",")
	}
	return current
}

// applyEnvOverrides lets the handful of settings most often tuned in
// deployment (log level, capture preset, confidence threshold, Kafka
// brokers) be overridden without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	cfg.App.LogLevel = envString("APEX_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.Environment = envString("APEX_ENVIRONMENT", cfg.App.Environment)

	cfg.Capture.Preset = envString("APEX_CAPTURE_PRESET", cfg.Capture.Preset)
	cfg.Capture.DurationMinutes = envInt("APEX_CAPTURE_DURATION_MINUTES", cfg.Capture.DurationMinutes)
	cfg.Capture.IncludeAutomatedProcess = envBool("APEX_CAPTURE_INCLUDE_AUTOMATED_PROCESS", cfg.Capture.IncludeAutomatedProcess)

	cfg.Correlation.MinConfidence = envFloat("APEX_MIN_CONFIDENCE", cfg.Correlation.MinConfidence)
	cfg.Correlation.MaxChildren = envInt("APEX_MAX_CHILDREN", cfg.Correlation.MaxChildren)

	cfg.Auth.PreferredMethods = envStringSlice("APEX_AUTH_PREFERRED_METHODS", cfg.Auth.PreferredMethods)

	cfg.Publish.Enabled = envBool("APEX_KAFKA_ENABLED", cfg.Publish.Enabled)
	cfg.Publish.Brokers = envStringSlice("APEX_KAFKA_BROKERS", cfg.Publish.Brokers)
	cfg.Publish.Topic = envString("APEX_KAFKA_TOPIC", cfg.Publish.Topic)
}

// Validate fails fast on configuration that would otherwise surface as a
// confusing runtime error much later.
func Validate(cfg *Config) error {
	if cfg.Correlation.MinConfidence < 0 || cfg.Correlation.MinConfidence > 1 {
		return fmt.Errorf("correlation.min_confidence must be in [0,1], got %v", cfg.Correlation.MinConfidence)
	}
	if cfg.Correlation.MaxChildren < 1 {
		return fmt.Errorf("correlation.max_children must be >= 1, got %d", cfg.Correlation.MaxChildren)
	}
	if cfg.Correlation.MaxTimeWindowMS <= 0 {
		return fmt.Errorf("correlation.max_time_window_ms must be > 0, got %d", cfg.Correlation.MaxTimeWindowMS)
	}
	if _, ok := capture.PresetByName(cfg.Capture.Preset); !ok {
		return fmt.Errorf("capture.preset %q is not a recognized preset", cfg.Capture.Preset)
	}
	if err := capture.ValidateAuthMethods(cfg.Auth.PreferredMethods); err != nil {
		return err
	}
	if cfg.Publish.Enabled && (len(cfg.Publish.Brokers) == 0 || cfg.Publish.Topic == "") {
		return fmt.Errorf("publish.enabled requires at least one broker and a topic")
	}
	return nil
}

// CorrelatorOptions converts the YAML-facing correlation config into
// correlator.Options.
func (c *Config) CorrelatorOptions() correlator.Options {
	queryJobs := true
	if c.Correlation.QueryPlatformJobs != nil {
		queryJobs = *c.Correlation.QueryPlatformJobs
	}
	return correlator.Options{
		MaxTimeWindow:     time.Duration(c.Correlation.MaxTimeWindowMS) * time.Millisecond,
		MinConfidence:     c.Correlation.MinConfidence,
		MaxChildren:       c.Correlation.MaxChildren,
		QueryPlatformJobs: queryJobs,
	}
}

// CaptureControllerConfig converts the YAML-facing capture config into
// capture.Config.
func (c *Config) CaptureControllerConfig() capture.Config {
	return capture.Config{
		DefaultDuration:         time.Duration(c.Capture.DurationMinutes) * time.Minute,
		IncludeAutomatedProcess: c.Capture.IncludeAutomatedProcess,
	}
}
