package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainable-platform/shapserve/internal/fixtures"
	"github.com/explainable-platform/shapserve/pkg/log"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		l, _ := log.NewTestLogger(log.LevelInfo)
		log.SetLogger(l)
	})
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "shapserve dev")
}

func TestModelsRequiresTrackingURL(t *testing.T) {
	t.Setenv("MLFLOW_URL", "")
	_, err := run(t, "models", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracking")
}

func TestModelsCommand(t *testing.T) {
	ts := fixtures.NewTrackingServer()
	defer ts.Close()
	ts.Publish("crc", "5", "run-crc", map[string]float64{"auc": 0.9512, "f1": 0.88}, fixtures.BinaryArtifacts())
	ts.Publish("linear", "1", "run-lin", nil, fixtures.LinearArtifacts())
	t.Setenv("MLFLOW_URL", ts.URL)
	t.Setenv("SHAPSERVE_DB", "")
	cfgPath := filepath.Join(t.TempDir(), "absent.yaml")

	out, err := run(t, "models", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "MODEL")
	assert.Contains(t, out, "auc=0.9512 f1=0.88")
	assert.Less(t, bytes.Index([]byte(out), []byte("crc")), bytes.Index([]byte(out), []byte("linear")))

	out, err = run(t, "models", "--json", "--config", cfgPath)
	require.NoError(t, err)
	var models []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	require.Len(t, models, 2)
	assert.Equal(t, "crc", models[0]["model_name"])
	assert.Equal(t, "run-lin", models[1]["run_id"])
}
