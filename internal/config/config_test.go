package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{
		"MLFLOW_URL", "MLFLOW_TRACKING_TOKEN", "MLFLOW_TRACKING_USERNAME", "MLFLOW_TRACKING_PASSWORD",
		"SHAPSERVE_ADDR", "NATS_URL", "SHAPSERVE_DB", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "Production", cfg.Tracking.Stage)
	assert.Equal(t, "model/model.json", cfg.Serving.Paths.Estimator)
	assert.Equal(t, 8, cfg.Charts.WaterfallMaxDisplay)
	assert.False(t, cfg.Serving.Strict)
	assert.False(t, cfg.IsNATSEnabled())
	assert.True(t, cfg.IsStoreEnabled())
	assert.True(t, cfg.Drift.Enabled)

	// no tracking URL by default
	assert.Error(t, cfg.Validate())
	cfg.Tracking.URL = "http://mlflow:5000"
	assert.NoError(t, cfg.Validate())
}

func TestSaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "conf", "shapserve.yaml")

	cfg := DefaultConfig()
	cfg.Tracking.URL = "http://mlflow:5000"
	cfg.Serving.Strict = true
	cfg.Serving.Paths.Explainer = "explainer/shap.json"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed across save and load (-saved +loaded):\n%s", diff)
	}
}

func TestLoadPartialFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "shapserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tracking:\n  url: http://mlflow:5000\ncharts:\n  heatmap_max_display: 20\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://mlflow:5000", cfg.Tracking.URL)
	assert.Equal(t, 20, cfg.Charts.HeatmapMaxDisplay)
	assert.Equal(t, 15, cfg.Charts.BeeswarmMaxDisplay)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadMissingAndInvalid(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("missing file should yield defaults (-want +got):\n%s", diff)
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MLFLOW_URL", "https://mlflow.internal")
	t.Setenv("MLFLOW_TRACKING_TOKEN", "tok")
	t.Setenv("MLFLOW_TRACKING_USERNAME", "svc")
	t.Setenv("MLFLOW_TRACKING_PASSWORD", "secret")
	t.Setenv("SHAPSERVE_ADDR", ":9090")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("SHAPSERVE_DB", "/var/lib/shapserve.db")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://mlflow.internal", cfg.Tracking.URL)
	assert.Equal(t, "tok", cfg.Tracking.Token)
	assert.Equal(t, "svc", cfg.Tracking.Username)
	assert.Equal(t, "secret", cfg.Tracking.Password)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.IsNATSEnabled())
	assert.Equal(t, "/var/lib/shapserve.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"negative rows", func(c *Config) { c.Serving.MaxRows = -1 }},
		{"bad duration", func(c *Config) { c.Tracking.Timeout = "soon" }},
		{"bad drift delta", func(c *Config) { c.Drift.Delta = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Tracking.URL = "http://mlflow:5000"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.GetReadTimeout())
	assert.Equal(t, 120*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, 15*time.Second, cfg.GetShutdownTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetDrainTimeout())

	cfg.Tracking.Timeout = "garbage"
	assert.Equal(t, 30*time.Second, cfg.GetTrackingTimeout())
	cfg.Tracking.Timeout = "5s"
	assert.Equal(t, 5*time.Second, cfg.GetTrackingTimeout())
}
