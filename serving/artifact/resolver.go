// Package artifact resolves registered model names to concrete versions and loads the estimator,
// explainer and input schema published with each version's run.
package artifact

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	scierrors "github.com/explainable-platform/shapserve/pkg/errors"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/tracking/mlflow"
)

// Descriptor identifies one servable model version.
type Descriptor struct {
	Name    string `json:"model_name"`
	Version string `json:"version"`
	RunID   string `json:"run_id"`
	Stage   string `json:"stage,omitempty"`
}

// Key is the cache identity of the descriptor.
func (d Descriptor) Key() string {
	return d.Name + "@" + d.Version + "/" + d.RunID
}

// Registry is the part of the tracking client used for resolution.
type Registry interface {
	LatestVersions(ctx context.Context, name string, stages ...string) ([]mlflow.ModelVersion, error)
	SearchRegisteredModels(ctx context.Context) ([]mlflow.RegisteredModel, error)
	GetRun(ctx context.Context, runID string) (*mlflow.Run, error)
}

// Downloader fetches run artifacts.
type Downloader interface {
	DownloadArtifact(ctx context.Context, runID, path string, w io.Writer) (int64, error)
}

// ActiveModel is a registered model with a version in the active stage.
type ActiveModel struct {
	Descriptor
	Metrics map[string]float64 `json:"metrics"`
}

// listConcurrency bounds the registry calls issued by ListActive.
const listConcurrency = 8

// Resolver maps model names to the version currently in the active stage.
type Resolver struct {
	registry Registry
	stage    string
	logger   log.Logger
}

// NewResolver creates a resolver for stage. An empty stage means mlflow.DefaultStage.
func NewResolver(registry Registry, stage string, logger log.Logger) *Resolver {
	if stage == "" {
		stage = mlflow.DefaultStage
	}
	if logger == nil {
		logger = log.GetLoggerWithName("artifact.resolver")
	}
	return &Resolver{registry: registry, stage: stage, logger: logger}
}

// Stage returns the stage versions are resolved from.
func (r *Resolver) Stage() string {
	return r.stage
}

// Resolve returns the latest version of name in the active stage. The last version the
// registry reports wins.
func (r *Resolver) Resolve(ctx context.Context, name string) (Descriptor, error) {
	start := time.Now()
	versions, err := r.registry.LatestVersions(ctx, name, r.stage)
	if err != nil {
		return Descriptor{}, err
	}
	if len(versions) == 0 {
		return Descriptor{}, scierrors.NewNotFoundError("model", name, "no version in stage "+r.stage)
	}
	v := versions[len(versions)-1]
	d := Descriptor{Name: name, Version: v.Version, RunID: v.RunID, Stage: r.stage}
	if d.RunID == "" {
		return Descriptor{}, scierrors.NewNotFoundError("run", name+"@"+d.Version, "model version has no backing run")
	}

	r.logger.Debug("model resolved",
		log.OperationKey, log.OperationResolve,
		log.ModelNameKey, name,
		log.ModelVersionKey, d.Version,
		log.RunIDKey, d.RunID,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return d, nil
}

// ListActive returns every registered model that has a version in the active stage, with the
// metrics of its run. Models without an active version are skipped.
func (r *Resolver) ListActive(ctx context.Context) ([]ActiveModel, error) {
	models, err := r.registry.SearchRegisteredModels(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	found := make([]*ActiveModel, len(models))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, m := range models {
		i, m := i, m
		g.Go(func() error {
			d, err := r.Resolve(gctx, m.Name)
			if err != nil {
				var nf *scierrors.NotFoundError
				if scierrors.As(err, &nf) {
					return nil
				}
				return err
			}
			run, err := r.registry.GetRun(gctx, d.RunID)
			if err != nil {
				return err
			}
			mu.Lock()
			found[i] = &ActiveModel{Descriptor: d, Metrics: run.Metrics()}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	active := make([]ActiveModel, 0, len(found))
	for _, m := range found {
		if m != nil {
			active = append(active, *m)
		}
	}
	r.logger.Info("active models listed", log.OperationKey, log.OperationList, "models.count", len(active))
	return active, nil
}
