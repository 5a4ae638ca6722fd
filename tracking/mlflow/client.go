// Package mlflow is a minimal client for the MLflow tracking server REST API: registry lookups,
// run metrics and artifact downloads.
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
)

const service = "tracking"

// DefaultStage is the registry stage whose versions serve live traffic.
const DefaultStage = "Production"

// Config is the tracking server location and credentials.
type Config struct {
	URL      string
	Token    string
	Username string
	Password string
	Timeout  time.Duration
}

// ModelVersion is one registered model version.
type ModelVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	CurrentStage string `json:"current_stage"`
	RunID        string `json:"run_id"`
	Source       string `json:"source,omitempty"`
	Status       string `json:"status,omitempty"`
}

// RegisteredModel is a registry entry.
type RegisteredModel struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	LatestVersions []ModelVersion `json:"latest_versions,omitempty"`
}

// Metric is the latest value of a run metric.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// Run is the subset of a run the service uses.
type Run struct {
	Info struct {
		RunID        string `json:"run_id"`
		ExperimentID string `json:"experiment_id"`
		Status       string `json:"status"`
		ArtifactURI  string `json:"artifact_uri"`
	} `json:"info"`
	Data struct {
		Metrics []Metric `json:"metrics"`
	} `json:"data"`
}

// Metrics returns the run metrics keyed by name.
func (r *Run) Metrics() map[string]float64 {
	out := make(map[string]float64, len(r.Data.Metrics))
	for _, m := range r.Data.Metrics {
		out[m.Key] = m.Value
	}
	return out
}

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// Client talks to one tracking server. It is safe for concurrent use.
type Client struct {
	cfg  Config
	base *url.URL
	http *http.Client
}

// NewClient validates cfg and returns a client. A zero Timeout means 30s.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, scierrors.NewValidationError("tracking.url", "tracking server URL is required", cfg.URL)
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, scierrors.NewValidationError("tracking.url", "tracking server URL must be absolute", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, base: base, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

// TrackingURI returns the configured server URL.
func (c *Client) TrackingURI() string {
	return c.cfg.URL
}

// LatestVersions returns the latest version of name in each of stages, in registry order.
// An unknown model is a NotFoundError.
func (c *Client) LatestVersions(ctx context.Context, name string, stages ...string) ([]ModelVersion, error) {
	body := map[string]interface{}{"name": name}
	if len(stages) > 0 {
		body["stages"] = stages
	}
	var resp struct {
		ModelVersions []ModelVersion `json:"model_versions"`
	}
	err := c.call(ctx, http.MethodPost, "registered-models/get-latest-versions", nil, body, &resp)
	if err != nil {
		return nil, c.notFound(err, "model", name)
	}
	return resp.ModelVersions, nil
}

// SearchRegisteredModels returns every registered model, following page tokens.
func (c *Client) SearchRegisteredModels(ctx context.Context) ([]RegisteredModel, error) {
	var models []RegisteredModel
	token := ""
	for {
		q := url.Values{"max_results": {"100"}}
		if token != "" {
			q.Set("page_token", token)
		}
		var resp struct {
			RegisteredModels []RegisteredModel `json:"registered_models"`
			NextPageToken    string            `json:"next_page_token"`
		}
		if err := c.call(ctx, http.MethodGet, "registered-models/search", q, nil, &resp); err != nil {
			return nil, err
		}
		models = append(models, resp.RegisteredModels...)
		if resp.NextPageToken == "" || resp.NextPageToken == token {
			return models, nil
		}
		token = resp.NextPageToken
	}
}

// GetRun fetches a run. An unknown run is a NotFoundError.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.call(ctx, http.MethodGet, "runs/get", url.Values{"run_id": {runID}}, nil, &resp)
	if err != nil {
		return nil, c.notFound(err, "run", runID)
	}
	return &resp.Run, nil
}

// DownloadArtifact streams the artifact at path of runID into w. A missing artifact is a
// NotFoundError.
func (c *Client) DownloadArtifact(ctx context.Context, runID, path string, w io.Writer) (int64, error) {
	u := c.endpoint("/get-artifact", url.Values{"path": {path}, "run_uuid": {runID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, scierrors.NewUpstreamError(service, "get-artifact", 0, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, scierrors.NewUpstreamError(service, "get-artifact", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, scierrors.NewNotFoundError("artifact", path, "run "+runID)
	}
	if resp.StatusCode >= 300 {
		return 0, c.statusError("get-artifact", resp)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, scierrors.NewUpstreamError(service, "get-artifact", resp.StatusCode, err)
	}
	return n, nil
}

func (c *Client) call(ctx context.Context, method, op string, query url.Values, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return scierrors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint("/api/2.0/mlflow/"+op, query), body)
	if err != nil {
		return scierrors.NewUpstreamError(service, op, 0, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return scierrors.NewUpstreamError(service, op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return scierrors.NewUpstreamError(service, op, resp.StatusCode, scierrors.Wrap(err, "decode response"))
	}
	return nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return c.http.Do(req)
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// statusError reads the MLflow error envelope of a failed response.
func (c *Client) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var ae apiError
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
		msg = ae.ErrorCode + ": " + ae.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return scierrors.NewUpstreamError(service, op, resp.StatusCode, &statusErr{code: ae.ErrorCode, msg: msg})
}

type statusErr struct {
	code string
	msg  string
}

func (e *statusErr) Error() string { return e.msg }

// notFound turns a 404 or RESOURCE_DOES_NOT_EXIST response into a NotFoundError.
func (c *Client) notFound(err error, kind, name string) error {
	var up *scierrors.UpstreamError
	if !scierrors.As(err, &up) {
		return err
	}
	var se *statusErr
	if up.StatusCode == http.StatusNotFound ||
		(scierrors.As(up.Err, &se) && se.code == "RESOURCE_DOES_NOT_EXIST") {
		return scierrors.NewNotFoundError(kind, name, "")
	}
	return err
}
