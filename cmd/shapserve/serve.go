package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/explainable-platform/shapserve/internal/store"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/pkg/server"
	"github.com/explainable-platform/shapserve/serving/drift"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, and the NATS transport when configured",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				opts.cfg.Server.Addr = addr
			}
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func serve(ctx context.Context, opts *options) error {
	cfg := opts.cfg
	logger := log.GetLoggerWithName("main")

	var (
		db  *store.DB
		err error
	)
	if cfg.IsStoreEnabled() {
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		_ = db.Event(ctx, "info", "startup", "server starting", map[string]interface{}{
			"version":  version,
			"addr":     cfg.Server.Addr,
			"tracking": cfg.Tracking.URL,
			"stage":    cfg.Tracking.Stage,
		})
	}

	var mon *drift.Monitor
	if cfg.Drift.Enabled {
		mon = drift.NewMonitor(func(ev drift.Event) {
			if db == nil {
				return
			}
			meta := map[string]interface{}{
				"version":       ev.Version,
				"previous_mean": ev.PreviousMean,
				"mean":          ev.Mean,
				"width":         ev.Width,
			}
			if err := db.Event(context.WithoutCancel(ctx), "warn", "drift.detected", ev.Model, meta); err != nil {
				logger.Error("audit write failed", err)
			}
		},
			drift.WithDelta(cfg.Drift.Delta),
			drift.WithBucketSize(cfg.Drift.BucketSize),
			drift.WithMaxBuckets(cfg.Drift.MaxBuckets),
		)
	}

	svc, err := newService(cfg, mon)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.GetReadTimeout(),
			WriteTimeout:    cfg.GetWriteTimeout(),
			ShutdownTimeout: cfg.GetShutdownTimeout(),
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		}, svc, db, log.GetLoggerWithName("server")).Run(gctx)
	})
	if cfg.IsNATSEnabled() {
		g.Go(func() error {
			return server.NewNATSTransport(server.NATSConfig{
				URL:           cfg.NATS.URL,
				SubjectPrefix: cfg.NATS.SubjectPrefix,
				Queue:         cfg.NATS.Queue,
				DrainTimeout:  cfg.GetDrainTimeout(),
			}, svc, db, log.GetLoggerWithName("nats")).Run(gctx)
		})
	}

	err = g.Wait()
	if db != nil {
		_ = db.Event(context.WithoutCancel(ctx), "info", "shutdown", "server stopped", nil)
	}
	if err != nil {
		logger.Error("server stopped", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
