package artifact

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/explainable-platform/shapserve/internal/fixtures"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/sklearn/lightgbm"
	"github.com/explainable-platform/shapserve/sklearn/linear_model"
	"github.com/explainable-platform/shapserve/tracking/mlflow"
)

// fakeTracking is an in-memory registry and artifact store.
type fakeTracking struct {
	mu        sync.Mutex
	versions  map[string][]mlflow.ModelVersion
	metrics   map[string]map[string]float64
	artifacts map[string]string // run_id/path -> body
	downloads int64
	gate      chan struct{}
}

func newFakeTracking() *fakeTracking {
	return &fakeTracking{
		versions:  map[string][]mlflow.ModelVersion{},
		metrics:   map[string]map[string]float64{},
		artifacts: map[string]string{},
	}
}

func (f *fakeTracking) publish(name, version, runID string, artifacts map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[name] = append(f.versions[name], mlflow.ModelVersion{
		Name: name, Version: version, RunID: runID, CurrentStage: mlflow.DefaultStage,
	})
	for p, body := range artifacts {
		f.artifacts[runID+"/"+p] = body
	}
}

func (f *fakeTracking) LatestVersions(_ context.Context, name string, _ ...string) ([]mlflow.ModelVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "broken" {
		return nil, scierrors.NewUpstreamError("tracking", "get-latest-versions", http.StatusBadGateway, scierrors.New("bad gateway"))
	}
	v, ok := f.versions[name]
	if !ok {
		return nil, scierrors.NewNotFoundError("model", name, "")
	}
	return v, nil
}

func (f *fakeTracking) SearchRegisteredModels(context.Context) ([]mlflow.RegisteredModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	models := []mlflow.RegisteredModel{{Name: "staging-only"}}
	for name := range f.versions {
		models = append(models, mlflow.RegisteredModel{Name: name})
	}
	return models, nil
}

func (f *fakeTracking) GetRun(_ context.Context, runID string) (*mlflow.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &mlflow.Run{}
	run.Info.RunID = runID
	for k, v := range f.metrics[runID] {
		run.Data.Metrics = append(run.Data.Metrics, mlflow.Metric{Key: k, Value: v})
	}
	return run, nil
}

func (f *fakeTracking) DownloadArtifact(_ context.Context, runID, path string, w io.Writer) (int64, error) {
	atomic.AddInt64(&f.downloads, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	body, ok := f.artifacts[runID+"/"+path]
	f.mu.Unlock()
	if !ok {
		return 0, scierrors.NewNotFoundError("artifact", path, "run "+runID)
	}
	n, err := io.Copy(w, strings.NewReader(body))
	return n, err
}

func fullArtifacts() map[string]string {
	p := DefaultPaths()
	return map[string]string{
		p.Estimator: fixtures.BinaryModel,
		p.Explainer: fixtures.TreeExplainer,
		p.Schema:    fixtures.InputExample,
	}
}

func testLogger() log.Logger {
	l, _ := log.NewTestLogger(log.LevelDebug)
	return l
}

func TestResolvePicksLastVersion(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", nil)
	f.publish("crc", "2", "run-2", nil)
	r := NewResolver(f, "", testLogger())

	d, err := r.Resolve(context.Background(), "crc")
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Name: "crc", Version: "2", RunID: "run-2", Stage: "Production"}, d)
}

func TestResolveErrors(t *testing.T) {
	f := newFakeTracking()
	f.versions["empty"] = nil
	r := NewResolver(f, "Production", testLogger())

	_, err := r.Resolve(context.Background(), "unknown-model")
	assert.Equal(t, http.StatusNotFound, scierrors.StatusCode(err))

	_, err = r.Resolve(context.Background(), "empty")
	assert.Equal(t, http.StatusNotFound, scierrors.StatusCode(err))

	_, err = r.Resolve(context.Background(), "broken")
	var up *scierrors.UpstreamError
	assert.True(t, scierrors.As(err, &up))
}

func TestListActive(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "4", "run-4", nil)
	f.publish("ibd", "1", "run-i", nil)
	f.metrics["run-4"] = map[string]float64{"roc_auc": 0.93}

	active, err := NewResolver(f, "", testLogger()).ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)

	byName := map[string]ActiveModel{}
	for _, m := range active {
		byName[m.Name] = m
	}
	assert.Equal(t, "4", byName["crc"].Version)
	assert.Equal(t, 0.93, byName["crc"].Metrics["roc_auc"])
	assert.Empty(t, byName["ibd"].Metrics)
	assert.NotContains(t, byName, "staging-only")
}

func TestLoadBundle(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", fullArtifacts())
	l := NewLoader(f, LoaderConfig{}, testLogger())
	d := Descriptor{Name: "crc", Version: "1", RunID: "run-1"}

	b, hit, err := l.Load(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.IsType(t, &lightgbm.Model{}, b.Estimator)
	assert.IsType(t, &lightgbm.TreeExplainer{}, b.Explainer)
	assert.Equal(t, fixtures.FeatureNames, b.Schema)

	again, hit, err := l.Load(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Same(t, b, again)
	assert.EqualValues(t, 3, atomic.LoadInt64(&f.downloads))
}

func TestLoadLinearBundle(t *testing.T) {
	f := newFakeTracking()
	p := DefaultPaths()
	f.publish("lr", "1", "run-lr", map[string]string{
		p.Estimator: fixtures.LogisticModel,
		p.Explainer: fixtures.LinearExplainer,
	})
	l := NewLoader(f, LoaderConfig{}, testLogger())

	b, _, err := l.Load(context.Background(), Descriptor{Name: "lr", Version: "1", RunID: "run-lr"})
	require.NoError(t, err)
	assert.IsType(t, &linear_model.LogisticRegression{}, b.Estimator)
	assert.IsType(t, &linear_model.LinearExplainer{}, b.Explainer)
	assert.Nil(t, b.Schema)
}

func TestLoadOptionalArtifactsMissing(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", map[string]string{DefaultPaths().Estimator: fixtures.BinaryModel})
	logger, buf := log.NewTestLogger(log.LevelDebug)
	l := NewLoader(f, LoaderConfig{}, logger)

	b, _, err := l.Load(context.Background(), Descriptor{Name: "crc", Version: "1", RunID: "run-1"})
	require.NoError(t, err)
	assert.Nil(t, b.Explainer)
	assert.Nil(t, b.Schema)
	assert.Contains(t, buf.String(), "optional artifact missing")
}

func TestLoadEstimatorErrors(t *testing.T) {
	f := newFakeTracking()
	f.publish("none", "1", "run-none", nil)
	f.publish("regressor", "1", "run-reg", map[string]string{
		DefaultPaths().Estimator: strings.Replace(fixtures.BinaryModel, `"binary sigmoid:1"`, `"regression"`, 1),
	})
	f.publish("corrupt", "1", "run-cor", map[string]string{DefaultPaths().Estimator: `{"kind": "svm"}`})
	l := NewLoader(f, LoaderConfig{}, testLogger())

	_, _, err := l.Load(context.Background(), Descriptor{Name: "none", Version: "1", RunID: "run-none"})
	assert.Equal(t, http.StatusNotFound, scierrors.StatusCode(err))

	for _, name := range []string{"regressor", "corrupt"} {
		_, _, err = l.Load(context.Background(), Descriptor{Name: name, Version: "1", RunID: "run-" + name[:3]})
		var me *scierrors.ModelError
		require.True(t, scierrors.As(err, &me), "%s: %v", name, err)
		assert.Equal(t, http.StatusInternalServerError, scierrors.StatusCode(err))
	}
}

func TestLoadCoalescesConcurrentCalls(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", fullArtifacts())
	f.gate = make(chan struct{})
	l := NewLoader(f, LoaderConfig{}, testLogger())
	d := Descriptor{Name: "crc", Version: "1", RunID: "run-1"}

	const callers = 16
	bundles := make([]*Bundle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _, err := l.Load(context.Background(), d)
			assert.NoError(t, err)
			bundles[i] = b
		}(i)
	}
	close(f.gate)
	wg.Wait()

	assert.EqualValues(t, 3, atomic.LoadInt64(&f.downloads))
	for _, b := range bundles {
		assert.Same(t, bundles[0], b)
	}
	assert.Equal(t, 1, l.Cache().Stats().Entries)
}

func TestLoadEvictsOlderVersions(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", fullArtifacts())
	f.publish("crc", "2", "run-2", fullArtifacts())
	f.publish("ibd", "1", "run-i", fullArtifacts())
	l := NewLoader(f, LoaderConfig{}, testLogger())
	ctx := context.Background()

	for _, d := range []Descriptor{
		{Name: "crc", Version: "1", RunID: "run-1"},
		{Name: "ibd", Version: "1", RunID: "run-i"},
		{Name: "crc", Version: "2", RunID: "run-2"},
	} {
		_, _, err := l.Load(ctx, d)
		require.NoError(t, err)
	}

	stats := l.Cache().Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.EqualValues(t, 1, stats.Evictions)
	_, ok := l.Cache().Get(Descriptor{Name: "crc", Version: "1", RunID: "run-1"})
	assert.False(t, ok)

	assert.Equal(t, 2, l.Cache().Invalidate("crc")+l.Cache().Invalidate("ibd"))
	assert.Zero(t, l.Cache().Stats().Entries)
}

func TestCacheKeepsNewerVersion(t *testing.T) {
	c := NewCache()
	bundle := func(version string) *Bundle {
		return &Bundle{Descriptor: Descriptor{Name: "crc", Version: version, RunID: "run-" + version}}
	}

	c.Put(bundle("10"))
	c.Put(bundle("9"))
	_, ok := c.Get(bundle("10").Descriptor)
	assert.True(t, ok, "storing an older version must not evict a newer one")
	_, ok = c.Get(bundle("9").Descriptor)
	assert.True(t, ok)
	assert.Zero(t, c.Stats().Evictions)

	c.Put(bundle("11"))
	assert.Equal(t, 1, c.Stats().Entries)
	assert.EqualValues(t, 2, c.Stats().Evictions)
}

func TestVersionLess(t *testing.T) {
	assert.True(t, versionLess("9", "10"))
	assert.False(t, versionLess("10", "9"))
	assert.False(t, versionLess("3", "3"))
	assert.True(t, versionLess("a", "b"))
}

func TestLoadDisableCache(t *testing.T) {
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", fullArtifacts())
	l := NewLoader(f, LoaderConfig{DisableCache: true}, testLogger())
	d := Descriptor{Name: "crc", Version: "1", RunID: "run-1"}

	for i := 0; i < 2; i++ {
		_, hit, err := l.Load(context.Background(), d)
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.EqualValues(t, 6, atomic.LoadInt64(&f.downloads))
}

func TestDiskCacheReusesDownloads(t *testing.T) {
	dir := t.TempDir()
	f := newFakeTracking()
	f.publish("crc", "1", "run-1", fullArtifacts())
	cfg := LoaderConfig{CacheDir: dir, DisableCache: true}
	d := Descriptor{Name: "crc", Version: "1", RunID: "run-1"}

	_, _, err := NewLoader(f, cfg, testLogger()).Load(context.Background(), d)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "run-1", "model", "model.json"))
	require.NoError(t, err)

	// a fresh loader finds the local copies
	_, _, err = NewLoader(f, cfg, testLogger()).Load(context.Background(), d)
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt64(&f.downloads))
}

func TestDiskCacheRejectsEscapingRunID(t *testing.T) {
	l := NewLoader(newFakeTracking(), LoaderConfig{CacheDir: t.TempDir()}, testLogger())
	_, err := l.LoadEstimator(context.Background(), Descriptor{Name: "x", RunID: "../../etc"})
	var ve *scierrors.ValidationError
	assert.True(t, scierrors.As(err, &ve))
}

func TestDecodeSchema(t *testing.T) {
	cols, err := DecodeSchema([]byte(fixtures.InputExample))
	require.NoError(t, err)
	assert.Equal(t, fixtures.FeatureNames, cols)

	_, err = DecodeSchema([]byte(`{"data": [[1]]}`))
	assert.Error(t, err)
	_, err = DecodeSchema([]byte(`not json`))
	assert.Error(t, err)
}
