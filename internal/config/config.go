// Package config loads the shapserve configuration from YAML with environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving/artifact"
)

// Config holds all shapserve configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tracking TrackingConfig `yaml:"tracking"`
	Serving  ServingConfig  `yaml:"serving"`
	Charts   ChartsConfig   `yaml:"charts"`
	NATS     NATSConfig     `yaml:"nats"`
	Store    StoreConfig    `yaml:"store"`
	Drift    DriftConfig    `yaml:"drift"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds a request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// TrackingConfig locates the MLflow tracking server.
type TrackingConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Timeout  string `yaml:"timeout"`
	// Stage is the registry stage that serves traffic.
	Stage string `yaml:"stage"`
}

// ServingConfig controls the artifact loader and request reconciliation.
type ServingConfig struct {
	CacheDir     string         `yaml:"cache_dir"`
	DisableCache bool           `yaml:"disable_cache"`
	Paths        artifact.Paths `yaml:"paths"`
	DefaultValue float64        `yaml:"default_value"`
	Strict       bool           `yaml:"strict"`
	MaxRows      int            `yaml:"max_rows"`
}

// ChartsConfig sets how many features each chart shows before folding the rest.
type ChartsConfig struct {
	BeeswarmMaxDisplay  int `yaml:"beeswarm_max_display"`
	HeatmapMaxDisplay   int `yaml:"heatmap_max_display"`
	WaterfallMaxDisplay int `yaml:"waterfall_max_display"`
}

// NATSConfig enables the NATS request/reply transport. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Queue         string `yaml:"queue"`
	DrainTimeout  string `yaml:"drain_timeout"`
}

// StoreConfig locates the SQLite audit database. An empty path disables auditing.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DriftConfig configures prediction drift monitoring.
type DriftConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Delta      float64 `yaml:"delta"`
	BucketSize int     `yaml:"bucket_size"`
	MaxBuckets int     `yaml:"max_buckets"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration. The tracking URL has no default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     "30s",
			WriteTimeout:    "120s",
			ShutdownTimeout: "15s",
			MaxBodyBytes:    32 << 20,
		},
		Tracking: TrackingConfig{
			Timeout: "30s",
			Stage:   "Production",
		},
		Serving: ServingConfig{
			Paths:   artifact.DefaultPaths(),
			MaxRows: 10000,
		},
		Charts: ChartsConfig{
			BeeswarmMaxDisplay:  15,
			HeatmapMaxDisplay:   15,
			WaterfallMaxDisplay: 8,
		},
		NATS: NATSConfig{
			SubjectPrefix: "shapserve",
			Queue:         "shapserve",
			DrainTimeout:  "10s",
		},
		Store: StoreConfig{
			Path: "data/shapserve.db",
		},
		Drift: DriftConfig{
			Enabled:    true,
			Delta:      0.002,
			BucketSize: 32,
			MaxBuckets: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, scierrors.Wrapf(err, "failed to parse config %s", path)
			}
		case !os.IsNotExist(err):
			return nil, scierrors.Wrapf(err, "failed to read config %s", path)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return scierrors.Wrap(err, "failed to create config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return scierrors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return scierrors.Wrap(err, "failed to write config")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MLFLOW_URL"); v != "" {
		c.Tracking.URL = v
	}
	if v := os.Getenv("MLFLOW_TRACKING_TOKEN"); v != "" {
		c.Tracking.Token = v
	}
	if v := os.Getenv("MLFLOW_TRACKING_USERNAME"); v != "" {
		c.Tracking.Username = v
	}
	if v := os.Getenv("MLFLOW_TRACKING_PASSWORD"); v != "" {
		c.Tracking.Password = v
	}
	if v := os.Getenv("SHAPSERVE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SHAPSERVE_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Tracking.URL) == "" {
		return scierrors.NewValidationError("tracking.url", "tracking server URL is required (set MLFLOW_URL)", c.Tracking.URL)
	}
	if c.Server.Addr == "" {
		return scierrors.NewValidationError("server.addr", "listen address is required", c.Server.Addr)
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return scierrors.NewValidationError("logging.level", "unknown level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return scierrors.NewValidationError("logging.format", "expected json or console", c.Logging.Format)
	}
	if c.Serving.MaxRows < 0 {
		return scierrors.NewValidationError("serving.max_rows", "must not be negative", c.Serving.MaxRows)
	}
	if c.Drift.Enabled && (c.Drift.Delta <= 0 || c.Drift.Delta >= 1) {
		return scierrors.NewValidationError("drift.delta", "must be in (0, 1)", c.Drift.Delta)
	}
	for key, raw := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"tracking.timeout":        c.Tracking.Timeout,
		"nats.drain_timeout":      c.NATS.DrainTimeout,
	} {
		if raw == "" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			return scierrors.NewValidationError(key, "invalid duration", raw)
		}
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.Server.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the HTTP write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return duration(c.Server.WriteTimeout, 120*time.Second)
}

// GetShutdownTimeout returns the grace period for in-flight requests on shutdown.
func (c *Config) GetShutdownTimeout() time.Duration {
	return duration(c.Server.ShutdownTimeout, 15*time.Second)
}

// GetTrackingTimeout returns the per-request tracking server timeout.
func (c *Config) GetTrackingTimeout() time.Duration {
	return duration(c.Tracking.Timeout, 30*time.Second)
}

// GetDrainTimeout returns how long NATS may drain on shutdown.
func (c *Config) GetDrainTimeout() time.Duration {
	return duration(c.NATS.DrainTimeout, 10*time.Second)
}

// IsNATSEnabled reports whether the NATS transport should start.
func (c *Config) IsNATSEnabled() bool {
	return c.NATS.URL != ""
}

// IsStoreEnabled reports whether requests are audited.
func (c *Config) IsStoreEnabled() bool {
	return c.Store.Path != ""
}
