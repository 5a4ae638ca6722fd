package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/explainable-platform/shapserve/internal/fixtures"
	"github.com/explainable-platform/shapserve/internal/store"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving"
	"github.com/explainable-platform/shapserve/serving/artifact"
	"github.com/explainable-platform/shapserve/serving/drift"
	"github.com/explainable-platform/shapserve/tracking/mlflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

const body = `{"dataframe_split": {
	"columns": ["mean_radius", "worst_texture"],
	"index": ["p-1", "p-2"],
	"data": [[1, 3], [0, 0.5]]
}}`

type env struct {
	srv      *Server
	http     *httptest.Server
	tracking *fixtures.TrackingServer
	db       *store.DB
	logs     *log.TestLogger
}

func newEnv(t *testing.T, withStore bool) *env {
	t.Helper()
	tracking := fixtures.NewTrackingServer()
	t.Cleanup(tracking.Close)
	tracking.Publish("crc", "3", "run-crc", map[string]float64{"auc": 0.95}, fixtures.BinaryArtifacts())
	tracking.Publish("bare", "1", "run-bare", nil, map[string]string{fixtures.EstimatorPath: fixtures.BinaryModel})

	client, err := mlflow.NewClient(mlflow.Config{URL: tracking.URL})
	require.NoError(t, err)
	logger, _ := log.NewTestLogger(log.LevelDebug)
	svc := serving.New(
		artifact.NewResolver(client, "", logger),
		artifact.NewLoader(client, artifact.LoaderConfig{}, logger),
		serving.Config{TrackingURI: tracking.URL, MaxRows: 100, Drift: drift.NewMonitor(nil)},
		logger,
	)

	var db *store.DB
	if withStore {
		db, err = store.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
	}
	srv := New(Config{MaxBodyBytes: 4 << 10}, svc, db, logger)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &env{srv: srv, http: hs, tracking: tracking, db: db, logs: logger}
}

func (e *env) do(t *testing.T, method, path, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(payload))
	require.NoError(t, err)
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func assertPNG(t *testing.T, b64 string) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	_, err = png.DecodeConfig(bytes.NewReader(raw))
	assert.NoError(t, err)
}

func errorMessage(t *testing.T, raw []byte) string {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(raw, &e))
	return e.Error
}

func TestPredictEndpoint(t *testing.T) {
	e := newEnv(t, true)
	resp, raw := e.do(t, http.MethodPost, "/v1/predict/crc", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	_, err := ulid.Parse(resp.Header.Get(RequestIDHeader))
	assert.NoError(t, err)

	var out struct {
		Predict []struct {
			ID    string  `json:"id"`
			Proba float64 `json:"proba"`
			Class int     `json:"class"`
		} `json:"predict"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Predict, 2)
	assert.Equal(t, "p-1", out.Predict[0].ID)
	assert.Equal(t, 1, out.Predict[0].Class)
	assert.Equal(t, 0, out.Predict[1].Class)
	for _, p := range out.Predict {
		assert.GreaterOrEqual(t, p.Proba, 0.0)
		assert.LessOrEqual(t, p.Proba, 1.0)
	}
}

func TestErrorStatuses(t *testing.T) {
	e := newEnv(t, false)
	tests := []struct {
		name    string
		method  string
		path    string
		payload string
		status  int
	}{
		{"unknown model", http.MethodPost, "/v1/predict/nope", body, http.StatusNotFound},
		{"malformed body", http.MethodPost, "/v1/predict/crc", `{"dataframe_split":`, http.StatusBadRequest},
		{"missing data", http.MethodPost, "/v1/predict/crc", `{"dataframe_split": {"columns": ["a"]}}`, http.StatusBadRequest},
		{"ragged rows", http.MethodPost, "/v1/predict/crc", `{"dataframe_split": {"columns": ["a", "b"], "data": [[1]]}}`, http.StatusBadRequest},
		{"unknown chart", http.MethodPost, "/v1/explain/violin/crc", body, http.StatusNotFound},
		{"predict is not a chart", http.MethodPost, "/v1/explain/predict/crc", body, http.StatusNotFound},
		{"no explainer", http.MethodPost, "/v1/explain/heatmap/bare", body, http.StatusNotFound},
		{"body too large", http.MethodPost, "/v1/predict/crc", strings.Repeat(" ", 8<<10) + body, http.StatusBadRequest},
		{"audit disabled", http.MethodGet, "/v1/requests", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := e.do(t, tt.method, tt.path, tt.payload)
			assert.Equal(t, tt.status, resp.StatusCode, string(raw))
			assert.NotEmpty(t, errorMessage(t, raw))
			assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
		})
	}

	resp, _ := e.do(t, http.MethodGet, "/v1/predict/crc", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestExplainEndpoints(t *testing.T) {
	e := newEnv(t, false)

	for _, kind := range []string{"beeswarm", "heatmap"} {
		resp, raw := e.do(t, http.MethodPost, "/v1/explain/"+kind+"/crc", body)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
		var out serving.Explanation
		require.NoError(t, json.Unmarshal(raw, &out))
		assertPNG(t, out.Explain)
	}

	resp, raw := e.do(t, http.MethodPost, "/v1/explain/waterfall/crc", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var wf struct {
		Explain []struct {
			ID        string `json:"id"`
			Waterfall string `json:"waterfall"`
		} `json:"explain"`
	}
	require.NoError(t, json.Unmarshal(raw, &wf))
	require.Len(t, wf.Explain, 2)
	assert.Equal(t, "p-2", wf.Explain[1].ID)
	assertPNG(t, wf.Explain[1].Waterfall)
}

func TestAnalyzeEndpoint(t *testing.T) {
	e := newEnv(t, false)
	resp, raw := e.do(t, http.MethodPost, "/v1/analyze/crc", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var out struct {
		Summary struct {
			Beeswarm string `json:"beeswarm"`
			Heatmap  string `json:"heatmap"`
		} `json:"summary"`
		Predictions []struct {
			ID    string  `json:"id"`
			Proba float64 `json:"proba"`
			Plot  struct {
				Waterfall string `json:"waterfall"`
			} `json:"plot"`
		} `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assertPNG(t, out.Summary.Beeswarm)
	assertPNG(t, out.Summary.Heatmap)
	require.Len(t, out.Predictions, 2)
	assert.Equal(t, "p-1", out.Predictions[0].ID)
	assertPNG(t, out.Predictions[0].Plot.Waterfall)
}

func TestModelsAndTrackingURI(t *testing.T) {
	e := newEnv(t, false)

	resp, raw := e.do(t, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var models []struct {
		Name    string             `json:"model_name"`
		Version string             `json:"version"`
		RunID   string             `json:"run_id"`
		Metrics map[string]float64 `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(raw, &models))
	require.Len(t, models, 2)
	for _, m := range models {
		if m.Name == "crc" {
			assert.Equal(t, "3", m.Version)
			assert.Equal(t, "run-crc", m.RunID)
			assert.InDelta(t, 0.95, m.Metrics["auc"], 1e-12)
		}
	}

	resp, raw = e.do(t, http.MethodGet, "/v1/mlflow/tracking_uri", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var uri map[string]string
	require.NoError(t, json.Unmarshal(raw, &uri))
	assert.Equal(t, e.tracking.URL, uri["url"])
}

func TestAuditTrail(t *testing.T) {
	e := newEnv(t, true)
	okResp, _ := e.do(t, http.MethodPost, "/v1/predict/crc", body)
	e.do(t, http.MethodPost, "/v1/predict/nope", body)

	resp, raw := e.do(t, http.MethodGet, "/v1/requests?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var reqs []store.Request
	require.NoError(t, json.Unmarshal(raw, &reqs))
	require.Len(t, reqs, 2)

	assert.Equal(t, "nope", reqs[0].Model)
	assert.Equal(t, store.StatusError, reqs[0].Status)
	assert.Equal(t, http.StatusNotFound, reqs[0].HTTPStatus)

	assert.Equal(t, okResp.Header.Get(RequestIDHeader), reqs[1].ID)
	assert.Equal(t, "crc", reqs[1].Model)
	assert.Equal(t, "3", reqs[1].Version)
	assert.Equal(t, "run-crc", reqs[1].RunID)
	assert.Equal(t, 2, reqs[1].Rows)
	assert.Equal(t, log.SourceHTTP, reqs[1].Source)
	assert.Equal(t, "predict", reqs[1].Operation)
	assert.Equal(t, store.StatusSuccess, reqs[1].Status)

	resp, _ = e.do(t, http.MethodGet, "/v1/requests?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheInvalidation(t *testing.T) {
	e := newEnv(t, true)
	e.do(t, http.MethodPost, "/v1/predict/crc", body)
	downloads := e.tracking.Downloads()
	e.do(t, http.MethodPost, "/v1/predict/crc", body)
	assert.Equal(t, downloads, e.tracking.Downloads())

	resp, raw := e.do(t, http.MethodDelete, "/v1/cache/crc", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"evicted": 1}`, string(raw))

	e.do(t, http.MethodPost, "/v1/predict/crc", body)
	assert.Equal(t, 2*downloads, e.tracking.Downloads())

	n, err := e.db.EventCount(context.Background(), "cache.invalidate")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp, raw = e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status string              `json:"status"`
		Cache  artifact.CacheStats `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(raw, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int64(1), health.Cache.Hits)
	assert.Equal(t, 1, health.Cache.Entries)
}

func TestRecoveryMiddleware(t *testing.T) {
	e := newEnv(t, false)
	h := e.srv.withRequestID(e.srv.withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, errorMessage(t, rec.Body.Bytes()), "boom")
	assert.True(t, e.logs.ContainsMessage("handler panic"))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	e := newEnv(t, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	http.DefaultClient.CloseIdleConnections()
}

func TestServeDrainsInFlightRequests(t *testing.T) {
	e := newEnv(t, false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Serve(ctx, ln) }()
	require.Eventually(t, func() bool {
		resp, err := http.Get(addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	e.tracking.SetLatency(200 * time.Millisecond)
	type result struct {
		status int
		raw    []byte
		err    error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := http.Post(addr+"/v1/predict/crc", "application/json", strings.NewReader(body))
		if err != nil {
			results <- result{err: err}
			return
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		results <- result{status: resp.StatusCode, raw: raw, err: err}
	}()

	// the request is waiting on the tracking server when shutdown starts
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusOK, res.status, string(res.raw))
	case <-time.After(10 * time.Second):
		t.Fatal("in-flight request was not answered")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
	http.DefaultClient.CloseIdleConnections()
}

func TestDriftEndpoint(t *testing.T) {
	e := newEnv(t, false)
	e.do(t, http.MethodPost, "/v1/predict/crc", body)
	e.do(t, http.MethodPost, "/v1/analyze/crc", body)

	resp, raw := e.do(t, http.MethodGet, "/v1/drift", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var statuses []drift.Status
	require.NoError(t, json.Unmarshal(raw, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "crc", statuses[0].Model)
	assert.Equal(t, "3", statuses[0].Version)
	assert.Equal(t, int64(4), statuses[0].Observed)
	assert.Zero(t, statuses[0].Drifts)

	e.do(t, http.MethodDelete, "/v1/cache/crc", "")
	_, raw = e.do(t, http.MethodGet, "/v1/drift", "")
	assert.JSONEq(t, `[]`, string(raw))
}
