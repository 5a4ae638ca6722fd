// Package serving composes the request pipeline: resolve the active model version, load its
// artifacts, reconcile the request table to the input schema, then predict, explain and plot.
// Transports (HTTP, NATS) are thin adapters over Service.
package serving

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/preprocessing"
	"github.com/explainable-platform/shapserve/serving/artifact"
	"github.com/explainable-platform/shapserve/serving/charts"
	"github.com/explainable-platform/shapserve/serving/drift"
	"github.com/explainable-platform/shapserve/serving/engine"
)

// Config controls request handling.
type Config struct {
	// DefaultValue fills schema columns missing from a request.
	DefaultValue float64
	// Strict rejects requests whose columns differ from the schema instead of reconciling.
	Strict bool
	// MaxRows bounds the rows of one request. Zero means unlimited.
	MaxRows int
	// TrackingURI is reported to clients that need to reach the tracking server directly.
	TrackingURI string
	// Drift, if set, receives every served positive-class probability.
	Drift *drift.Monitor

	BeeswarmMaxDisplay  int
	HeatmapMaxDisplay   int
	WaterfallMaxDisplay int
}

// DefaultConfig returns the standard chart sizes and a 10000 row limit.
func DefaultConfig() Config {
	return Config{
		MaxRows:             10000,
		BeeswarmMaxDisplay:  charts.BeeswarmMaxDisplay,
		HeatmapMaxDisplay:   charts.HeatmapMaxDisplay,
		WaterfallMaxDisplay: charts.WaterfallMaxDisplay,
	}
}

// Meta describes how a request was served. It is filled as far as the pipeline got, so it is
// meaningful on error too.
type Meta struct {
	Model    artifact.Descriptor
	Rows     int
	Report   preprocessing.Report
	CacheHit bool
}

// Prediction is the body of a predict response.
type Prediction struct {
	Predict []engine.PredictionRow `json:"predict"`
}

// Explanation is the body of a beeswarm or heatmap response.
type Explanation struct {
	Explain string `json:"explain"`
}

// WaterfallRow is the waterfall of one request row. Error replaces Waterfall when that row's
// plot failed.
type WaterfallRow struct {
	ID        preprocessing.RowID `json:"id"`
	Waterfall string              `json:"waterfall,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Waterfalls is the body of a waterfall response.
type Waterfalls struct {
	Explain []WaterfallRow `json:"explain"`
}

// Summary holds the global charts of an analysis.
type Summary struct {
	Beeswarm string            `json:"beeswarm,omitempty"`
	Heatmap  string            `json:"heatmap,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// AnalyzedRow is a prediction with its waterfall.
type AnalyzedRow struct {
	engine.PredictionRow
	Plot *WaterfallRow `json:"plot,omitempty"`
}

// Analysis is the body of an analyze response. Summary is nil when the model has no explainer.
type Analysis struct {
	Summary     *Summary      `json:"summary,omitempty"`
	Predictions []AnalyzedRow `json:"predictions"`
}

// Service runs the pipeline. It is safe for concurrent use.
type Service struct {
	resolver *artifact.Resolver
	loader   *artifact.Loader
	cfg      Config
	logger   log.Logger
}

// New creates a service.
func New(resolver *artifact.Resolver, loader *artifact.Loader, cfg Config, logger log.Logger) *Service {
	def := DefaultConfig()
	if cfg.BeeswarmMaxDisplay <= 0 {
		cfg.BeeswarmMaxDisplay = def.BeeswarmMaxDisplay
	}
	if cfg.HeatmapMaxDisplay <= 0 {
		cfg.HeatmapMaxDisplay = def.HeatmapMaxDisplay
	}
	if cfg.WaterfallMaxDisplay <= 0 {
		cfg.WaterfallMaxDisplay = def.WaterfallMaxDisplay
	}
	if logger == nil {
		logger = log.GetLoggerWithName("serving")
	}
	return &Service{resolver: resolver, loader: loader, cfg: cfg, logger: logger}
}

// Resolver returns the model resolver.
func (s *Service) Resolver() *artifact.Resolver {
	return s.resolver
}

// Loader returns the artifact loader.
func (s *Service) Loader() *artifact.Loader {
	return s.loader
}

// prepared is a resolved model plus the reconciled request table.
type prepared struct {
	bundle *artifact.Bundle
	table  *preprocessing.Table
}

func (s *Service) prepare(ctx context.Context, name string, body []byte, meta *Meta) (*prepared, error) {
	d, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	meta.Model = d

	b, hit, err := s.loader.Load(ctx, d)
	if err != nil {
		return nil, err
	}
	meta.CacheHit = hit

	in, err := preprocessing.DecodeRequest(body)
	if err != nil {
		return nil, err
	}
	meta.Rows = in.Rows()
	if s.cfg.MaxRows > 0 && in.Rows() > s.cfg.MaxRows {
		return nil, scierrors.NewInvalidRequestError("dataframe_split.data",
			"at most "+strconv.Itoa(s.cfg.MaxRows)+" rows per request")
	}

	t, report := preprocessing.Reconcile(in, b.Schema, s.cfg.DefaultValue)
	meta.Report = report
	if !report.Empty() {
		if s.cfg.Strict {
			return nil, scierrors.NewInvalidRequestError("dataframe_split.columns", describe(report))
		}
		scierrors.Warn(scierrors.NewSchemaWarning(d.Name, report.Dropped, report.Imputed))
		s.logger.Debug("request reconciled to schema",
			log.ModelNameKey, d.Name,
			log.DroppedKey, report.Dropped,
			log.ImputedKey, report.Imputed,
		)
	}
	return &prepared{bundle: b, table: t}, nil
}

func describe(r preprocessing.Report) string {
	var parts []string
	if len(r.Dropped) > 0 {
		parts = append(parts, "unknown columns ["+strings.Join(r.Dropped, ", ")+"]")
	}
	if len(r.Imputed) > 0 {
		parts = append(parts, "missing columns ["+strings.Join(r.Imputed, ", ")+"]")
	}
	return strings.Join(parts, "; ")
}

func (s *Service) explain(p *prepared) (*engine.Bundle, error) {
	if p.bundle.Explainer == nil {
		d := p.bundle.Descriptor
		return nil, scierrors.Wrapf(scierrors.ErrNoExplainer, "model %s version %s", d.Name, d.Version)
	}
	b, err := engine.Explain(p.bundle.Explainer, p.table)
	if err != nil {
		return nil, err
	}
	s.checkAdditivity(p, b)
	return b, nil
}

// additivityTolerance bounds the margin error tolerated before attributions are reported as
// inconsistent with the estimator.
const additivityTolerance = 1e-6

// checkAdditivity logs when the explainer's attributions do not add up to the estimator's margin.
func (s *Service) checkAdditivity(p *prepared, b *engine.Bundle) {
	gap, ok, err := engine.AdditivityGap(p.bundle.Estimator, b)
	d := p.bundle.Descriptor
	switch {
	case err != nil:
		s.logger.Warn("additivity check failed", log.ErrAttrKey, err.Error(),
			log.ModelNameKey, d.Name, log.ModelVersionKey, d.Version)
	case !ok:
	case gap > additivityTolerance:
		s.logger.Warn("attributions do not add up to the model margin",
			log.ModelNameKey, d.Name, log.ModelVersionKey, d.Version, "gap", gap)
	default:
		s.logger.Debug("attributions add up to the model margin",
			log.ModelNameKey, d.Name, log.ModelVersionKey, d.Version, "gap", gap)
	}
}

// Predict scores every request row.
func (s *Service) Predict(ctx context.Context, name string, body []byte) (*Prediction, Meta, error) {
	var meta Meta
	p, err := s.prepare(ctx, name, body, &meta)
	if err != nil {
		return nil, meta, err
	}
	rows, err := engine.Infer(p.bundle.Estimator, p.table)
	if err != nil {
		return nil, meta, err
	}
	s.observe(meta.Model, rows)
	return &Prediction{Predict: rows}, meta, nil
}

func (s *Service) observe(d artifact.Descriptor, rows []engine.PredictionRow) {
	if s.cfg.Drift == nil {
		return
	}
	probas := make([]float64, len(rows))
	for i, r := range rows {
		probas[i] = r.Proba
	}
	for _, ev := range s.cfg.Drift.Observe(d.Name, d.Version, probas) {
		s.logger.Warn("prediction drift detected",
			log.ModelNameKey, ev.Model,
			log.ModelVersionKey, ev.Version,
			"drift.previous_mean", ev.PreviousMean,
			"drift.mean", ev.Mean,
		)
	}
}

// Drift returns the drift monitor, or nil when monitoring is off.
func (s *Service) Drift() *drift.Monitor {
	return s.cfg.Drift
}

// Beeswarm renders the global beeswarm of the request rows.
func (s *Service) Beeswarm(ctx context.Context, name string, body []byte) (*Explanation, Meta, error) {
	return s.global(ctx, name, body, func(b *engine.Bundle) (string, error) {
		return charts.Beeswarm(b, s.cfg.BeeswarmMaxDisplay)
	})
}

// Heatmap renders the global heatmap of the request rows.
func (s *Service) Heatmap(ctx context.Context, name string, body []byte) (*Explanation, Meta, error) {
	return s.global(ctx, name, body, func(b *engine.Bundle) (string, error) {
		return charts.Heatmap(b, s.cfg.HeatmapMaxDisplay)
	})
}

func (s *Service) global(ctx context.Context, name string, body []byte, plot func(*engine.Bundle) (string, error)) (*Explanation, Meta, error) {
	var meta Meta
	p, err := s.prepare(ctx, name, body, &meta)
	if err != nil {
		return nil, meta, err
	}
	b, err := s.explain(p)
	if err != nil {
		return nil, meta, err
	}
	img, err := plot(b)
	if err != nil {
		return nil, meta, err
	}
	return &Explanation{Explain: img}, meta, nil
}

// Waterfall renders one waterfall per request row. A row whose plot fails carries the error
// and does not fail the request.
func (s *Service) Waterfall(ctx context.Context, name string, body []byte) (*Waterfalls, Meta, error) {
	var meta Meta
	p, err := s.prepare(ctx, name, body, &meta)
	if err != nil {
		return nil, meta, err
	}
	b, err := s.explain(p)
	if err != nil {
		return nil, meta, err
	}
	return &Waterfalls{Explain: s.waterfalls(ctx, b)}, meta, nil
}

func (s *Service) waterfalls(ctx context.Context, b *engine.Bundle) []WaterfallRow {
	rows := make([]WaterfallRow, b.Rows())
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range rows {
		i := i
		g.Go(func() error {
			rows[i].ID = b.Index[i]
			if err := ctx.Err(); err != nil {
				rows[i].Error = err.Error()
				return nil
			}
			img, err := charts.Waterfall(b, i, s.cfg.WaterfallMaxDisplay)
			if err != nil {
				s.logger.Error("waterfall failed", err, "row.id", b.Index[i].String())
				rows[i].Error = err.Error()
				return nil
			}
			rows[i].Waterfall = img
			return nil
		})
	}
	_ = g.Wait()
	return rows
}

// Analyze predicts every row and, when the model has an explainer, renders the global charts
// and one waterfall per row. Chart failures are reported per chart.
func (s *Service) Analyze(ctx context.Context, name string, body []byte) (*Analysis, Meta, error) {
	var meta Meta
	p, err := s.prepare(ctx, name, body, &meta)
	if err != nil {
		return nil, meta, err
	}
	preds, err := engine.Infer(p.bundle.Estimator, p.table)
	if err != nil {
		return nil, meta, err
	}
	s.observe(meta.Model, preds)
	out := &Analysis{Predictions: make([]AnalyzedRow, len(preds))}
	for i, pr := range preds {
		out.Predictions[i].PredictionRow = pr
	}
	if p.bundle.Explainer == nil {
		return out, meta, nil
	}

	b, err := s.explain(p)
	if err != nil {
		return nil, meta, err
	}
	summary := &Summary{}
	var mu sync.Mutex
	fail := func(chart string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if summary.Errors == nil {
			summary.Errors = make(map[string]string)
		}
		summary.Errors[chart] = err.Error()
	}

	var g errgroup.Group
	g.Go(func() error {
		img, err := charts.Beeswarm(b, s.cfg.BeeswarmMaxDisplay)
		if err != nil {
			fail(log.OperationBeeswarm, err)
			return nil
		}
		summary.Beeswarm = img
		return nil
	})
	g.Go(func() error {
		img, err := charts.Heatmap(b, s.cfg.HeatmapMaxDisplay)
		if err != nil {
			fail(log.OperationHeatmap, err)
			return nil
		}
		summary.Heatmap = img
		return nil
	})
	var rows []WaterfallRow
	g.Go(func() error {
		rows = s.waterfalls(ctx, b)
		return nil
	})
	_ = g.Wait()

	for i := range out.Predictions {
		out.Predictions[i].Plot = &rows[i]
	}
	out.Summary = summary
	return out, meta, nil
}

// TrackingURI returns the tracking server URL models are resolved against.
func (s *Service) TrackingURI() string {
	return s.cfg.TrackingURI
}

// Models lists the models with a version in the active stage.
func (s *Service) Models(ctx context.Context) ([]artifact.ActiveModel, error) {
	start := time.Now()
	models, err := s.resolver.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("models listed", log.DurationMsKey, time.Since(start).Milliseconds())
	return models, nil
}
