package fixtures

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"
)

// Artifact paths used by the default loader configuration.
const (
	EstimatorPath = "model/model.json"
	ExplainerPath = "shap_explainer/shap_explainer.json"
	SchemaPath    = "model/input_example.json"
)

// TrackingServer is an in-memory MLflow tracking server speaking the REST endpoints the
// service calls. Models are published into the Production stage.
type TrackingServer struct {
	*httptest.Server

	mu        sync.Mutex
	versions  map[string][]map[string]string
	metrics   map[string]map[string]float64
	artifacts map[string][]byte
	downloads atomic.Int64
	latency   atomic.Int64
}

// NewTrackingServer starts an empty server. Callers must Close it.
func NewTrackingServer() *TrackingServer {
	ts := &TrackingServer{
		versions:  map[string][]map[string]string{},
		metrics:   map[string]map[string]float64{},
		artifacts: map[string][]byte{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/2.0/mlflow/registered-models/get-latest-versions", ts.latestVersions)
	mux.HandleFunc("GET /api/2.0/mlflow/registered-models/search", ts.search)
	mux.HandleFunc("GET /api/2.0/mlflow/runs/get", ts.getRun)
	mux.HandleFunc("GET /get-artifact", ts.getArtifact)
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(ts.latency.Load()); d > 0 {
			time.Sleep(d)
		}
		mux.ServeHTTP(w, r)
	}))
	return ts
}

// SetLatency delays every subsequent response by d.
func (ts *TrackingServer) SetLatency(d time.Duration) {
	ts.latency.Store(int64(d))
}

// Publish registers a version of name backed by runID with the given artifacts.
func (ts *TrackingServer) Publish(name, version, runID string, metrics map[string]float64, artifacts map[string]string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.versions[name] = append(ts.versions[name], map[string]string{
		"name": name, "version": version, "run_id": runID, "current_stage": "Production",
	})
	ts.metrics[runID] = metrics
	for p, body := range artifacts {
		ts.artifacts[runID+"/"+p] = []byte(body)
	}
}

// Downloads returns the number of artifact requests served.
func (ts *TrackingServer) Downloads() int64 {
	return ts.downloads.Load()
}

// BinaryArtifacts is a complete tree model bundle.
func BinaryArtifacts() map[string]string {
	return map[string]string{
		EstimatorPath: BinaryModel,
		ExplainerPath: TreeExplainer,
		SchemaPath:    InputExample,
	}
}

// LinearArtifacts is a complete logistic regression bundle.
func LinearArtifacts() map[string]string {
	return map[string]string{
		EstimatorPath: LogisticModel,
		ExplainerPath: LinearExplainer,
		SchemaPath:    InputExample,
	}
}

func (ts *TrackingServer) latestVersions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return
	}
	ts.mu.Lock()
	versions, ok := ts.versions[req.Name]
	ts.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Registered Model with name="+req.Name+" not found")
		return
	}
	writeJSON(w, map[string]any{"model_versions": versions})
}

func (ts *TrackingServer) search(w http.ResponseWriter, _ *http.Request) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	models := make([]map[string]string, 0, len(ts.versions))
	for name := range ts.versions {
		models = append(models, map[string]string{"name": name})
	}
	writeJSON(w, map[string]any{"registered_models": models})
}

func (ts *TrackingServer) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	ts.mu.Lock()
	metrics, ok := ts.metrics[runID]
	ts.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "RESOURCE_DOES_NOT_EXIST", "Run "+runID+" not found")
		return
	}
	list := make([]map[string]any, 0, len(metrics))
	for k, v := range metrics {
		list = append(list, map[string]any{"key": k, "value": v})
	}
	writeJSON(w, map[string]any{"run": map[string]any{
		"info": map[string]string{"run_id": runID, "status": "FINISHED"},
		"data": map[string]any{"metrics": list},
	}})
}

func (ts *TrackingServer) getArtifact(w http.ResponseWriter, r *http.Request) {
	ts.downloads.Add(1)
	q := r.URL.Query()
	ts.mu.Lock()
	body, ok := ts.artifacts[q.Get("run_uuid")+"/"+q.Get("path")]
	ts.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": msg})
}
