package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/explainable-platform/shapserve/core/model"
	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/sklearn/lightgbm"
	"github.com/explainable-platform/shapserve/sklearn/linear_model"
)

// Paths are the run-relative locations of the three artifacts.
type Paths struct {
	Estimator string `yaml:"estimator"`
	Explainer string `yaml:"explainer"`
	Schema    string `yaml:"schema"`
}

// DefaultPaths returns the layout the training jobs publish.
func DefaultPaths() Paths {
	return Paths{
		Estimator: "model/model.json",
		Explainer: "shap_explainer/shap_explainer.json",
		Schema:    "model/input_example.json",
	}
}

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// CacheDir receives a local copy of every download as <CacheDir>/<run_id>/<path>.
	// Empty keeps downloads in memory only.
	CacheDir string
	Paths    Paths
	// DisableCache reloads artifacts on every call.
	DisableCache bool
}

// Bundle is the decoded artifact set of one model version.
type Bundle struct {
	Descriptor Descriptor
	Estimator  model.Classifier
	// Explainer is nil when the run has no explainer artifact.
	Explainer model.Explainer
	// Schema is nil when the run has no input example.
	Schema   []string
	LoadedAt time.Time
}

// Loader fetches and decodes artifacts. Concurrent loads of one descriptor share a single fetch.
type Loader struct {
	dl     Downloader
	cfg    LoaderConfig
	cache  *Cache
	group  singleflight.Group
	logger log.Logger
}

// NewLoader creates a loader. Zero-valued paths fall back to DefaultPaths.
func NewLoader(dl Downloader, cfg LoaderConfig, logger log.Logger) *Loader {
	def := DefaultPaths()
	if cfg.Paths.Estimator == "" {
		cfg.Paths.Estimator = def.Estimator
	}
	if cfg.Paths.Explainer == "" {
		cfg.Paths.Explainer = def.Explainer
	}
	if cfg.Paths.Schema == "" {
		cfg.Paths.Schema = def.Schema
	}
	if logger == nil {
		logger = log.GetLoggerWithName("artifact.loader")
	}
	return &Loader{dl: dl, cfg: cfg, cache: NewCache(), logger: logger}
}

// Cache returns the in-process bundle cache.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Load returns the bundle for d, from the cache when possible.
func (l *Loader) Load(ctx context.Context, d Descriptor) (*Bundle, bool, error) {
	if l.cfg.DisableCache {
		b, err := l.load(ctx, d)
		return b, false, err
	}
	if b, ok := l.cache.Get(d); ok {
		return b, true, nil
	}

	v, err, _ := l.group.Do(d.Key(), func() (interface{}, error) {
		// a concurrent caller may have finished while we queued
		if b, ok := l.cache.Get(d); ok {
			return b, nil
		}
		b, err := l.load(context.WithoutCancel(ctx), d)
		if err != nil {
			return nil, err
		}
		l.cache.Put(b)
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Bundle), false, nil
}

func (l *Loader) load(ctx context.Context, d Descriptor) (*Bundle, error) {
	start := time.Now()
	est, err := l.LoadEstimator(ctx, d)
	if err != nil {
		return nil, err
	}
	exp, err := l.LoadExplainer(ctx, d)
	if err != nil {
		return nil, err
	}
	schema, err := l.LoadSchema(ctx, d)
	if err != nil {
		return nil, err
	}
	if schema != nil && len(schema) != est.NFeatures() {
		l.logger.Warn("input schema does not match estimator width",
			log.ModelNameKey, d.Name,
			log.ModelVersionKey, d.Version,
			log.FeaturesKey, len(schema),
			"model.features", est.NFeatures(),
		)
	}

	l.logger.Info("artifacts loaded",
		log.OperationKey, log.OperationLoad,
		log.ModelNameKey, d.Name,
		log.ModelVersionKey, d.Version,
		log.RunIDKey, d.RunID,
		"explainer", exp != nil,
		"schema", schema != nil,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return &Bundle{Descriptor: d, Estimator: est, Explainer: exp, Schema: schema, LoadedAt: time.Now()}, nil
}

// LoadEstimator fetches and decodes the estimator. A missing estimator is a NotFoundError.
func (l *Loader) LoadEstimator(ctx context.Context, d Descriptor) (model.Classifier, error) {
	data, err := l.fetch(ctx, d, l.cfg.Paths.Estimator)
	if err != nil {
		return nil, err
	}
	est, err := DecodeEstimator(data)
	if err != nil {
		return nil, scierrors.NewModelError("load", "estimator", err)
	}
	return est, nil
}

// LoadExplainer fetches and decodes the explainer. A missing explainer returns nil.
func (l *Loader) LoadExplainer(ctx context.Context, d Descriptor) (model.Explainer, error) {
	data, err := l.fetchOptional(ctx, d, l.cfg.Paths.Explainer)
	if err != nil || data == nil {
		return nil, err
	}
	exp, err := DecodeExplainer(data)
	if err != nil {
		return nil, scierrors.NewModelError("load", "explainer", err)
	}
	return exp, nil
}

// LoadSchema fetches the input example and returns its columns. A missing or unreadable
// example returns nil, which disables reconciliation.
func (l *Loader) LoadSchema(ctx context.Context, d Descriptor) ([]string, error) {
	data, err := l.fetchOptional(ctx, d, l.cfg.Paths.Schema)
	if err != nil || data == nil {
		return nil, err
	}
	cols, err := DecodeSchema(data)
	if err != nil {
		l.logger.Error("input example unreadable, reconciliation disabled", err,
			log.ModelNameKey, d.Name,
			log.ArtifactKey, l.cfg.Paths.Schema,
		)
		return nil, nil
	}
	return cols, nil
}

func (l *Loader) fetchOptional(ctx context.Context, d Descriptor, path string) ([]byte, error) {
	data, err := l.fetch(ctx, d, path)
	var nf *scierrors.NotFoundError
	if scierrors.As(err, &nf) {
		l.logger.Warn("optional artifact missing",
			log.ModelNameKey, d.Name,
			log.RunIDKey, d.RunID,
			log.ArtifactKey, path,
		)
		return nil, nil
	}
	return data, err
}

// fetch returns the artifact bytes, reusing the local copy under CacheDir when present.
func (l *Loader) fetch(ctx context.Context, d Descriptor, path string) ([]byte, error) {
	if l.cfg.CacheDir == "" {
		var buf bytes.Buffer
		if _, err := l.dl.DownloadArtifact(ctx, d.RunID, path, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	rel := filepath.Join(d.RunID, filepath.FromSlash(path))
	if !filepath.IsLocal(rel) {
		return nil, scierrors.NewValidationError("artifact", "path escapes the cache directory", rel)
	}
	local := filepath.Join(l.cfg.CacheDir, rel)
	if data, err := os.ReadFile(local); err == nil {
		return data, nil
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, scierrors.Wrap(err, "create artifact cache directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(local), ".download-*")
	if err != nil {
		return nil, scierrors.Wrap(err, "create artifact download file")
	}
	defer os.Remove(tmp.Name())

	n, err := l.dl.DownloadArtifact(ctx, d.RunID, path, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = scierrors.Wrap(cerr, "close artifact download file")
	}
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), local); err != nil {
		return nil, scierrors.Wrap(err, "store downloaded artifact")
	}
	l.logger.Debug("artifact downloaded",
		log.RunIDKey, d.RunID,
		log.ArtifactKey, path,
		log.BytesKey, n,
	)
	return os.ReadFile(local)
}

// DecodeEstimator decodes a LightGBM dump or a logistic-regression coefficient document.
func DecodeEstimator(data []byte) (model.Classifier, error) {
	h, err := model.PeekHeader(data)
	if err != nil {
		return nil, err
	}
	switch kind := h.DocumentKind(); kind {
	case model.KindLightGBM:
		m, err := lightgbm.ParseModel(data)
		if err != nil {
			return nil, err
		}
		if !m.IsClassifier() {
			return nil, scierrors.NewValidationError("objective", "only classification objectives can be served", string(m.Objective))
		}
		return m, nil
	case model.KindLogisticRegression:
		lr, err := linear_model.ParseLogisticRegression(data)
		if err != nil {
			return nil, err
		}
		return lr, nil
	default:
		return nil, scierrors.NewValidationError("kind", "unsupported estimator document", kind)
	}
}

// DecodeExplainer decodes a tree or linear explainer document.
func DecodeExplainer(data []byte) (model.Explainer, error) {
	h, err := model.PeekHeader(data)
	if err != nil {
		return nil, err
	}
	switch h.Algorithm {
	case lightgbm.AlgorithmTree:
		te, err := lightgbm.ParseExplainer(data)
		if err != nil {
			return nil, err
		}
		return te, nil
	case linear_model.AlgorithmLinear:
		le, err := linear_model.ParseLinearExplainer(data)
		if err != nil {
			return nil, err
		}
		return le, nil
	default:
		return nil, scierrors.NewValidationError("algorithm", "unsupported explainer document", h.Algorithm)
	}
}

// DecodeSchema reads the column names of a split-oriented input example.
func DecodeSchema(data []byte) ([]string, error) {
	var doc struct {
		Columns []string `json:"columns"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, scierrors.Wrap(err, "decode input example")
	}
	if len(doc.Columns) == 0 {
		return nil, scierrors.NewValidationError("columns", "input example has no columns", nil)
	}
	return doc.Columns, nil
}
