// Command shapserve serves predictions and SHAP explanations for models in an MLflow registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/explainable-platform/shapserve/internal/config"
	"github.com/explainable-platform/shapserve/pkg/log"
	"github.com/explainable-platform/shapserve/serving"
	"github.com/explainable-platform/shapserve/serving/artifact"
	"github.com/explainable-platform/shapserve/serving/drift"
	"github.com/explainable-platform/shapserve/tracking/mlflow"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

type options struct {
	configPath string
	verbose    bool
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "shapserve",
		Short:         "Inference and SHAP explanation service for MLflow-registered classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.verbose {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := log.SetupLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "shapserve.yaml", "path to the YAML configuration")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd(opts), newModelsCmd(opts), newVersionCmd())
	return root
}

// newService wires the tracking client, resolver and loader from cfg. mon may be nil.
func newService(cfg *config.Config, mon *drift.Monitor) (*serving.Service, error) {
	client, err := mlflow.NewClient(mlflow.Config{
		URL:      cfg.Tracking.URL,
		Token:    cfg.Tracking.Token,
		Username: cfg.Tracking.Username,
		Password: cfg.Tracking.Password,
		Timeout:  cfg.GetTrackingTimeout(),
	})
	if err != nil {
		return nil, err
	}
	resolver := artifact.NewResolver(client, cfg.Tracking.Stage, log.GetLoggerWithName("artifact.resolver"))
	loader := artifact.NewLoader(client, artifact.LoaderConfig{
		CacheDir:     cfg.Serving.CacheDir,
		Paths:        cfg.Serving.Paths,
		DisableCache: cfg.Serving.DisableCache,
	}, log.GetLoggerWithName("artifact.loader"))

	return serving.New(resolver, loader, serving.Config{
		DefaultValue:        cfg.Serving.DefaultValue,
		Strict:              cfg.Serving.Strict,
		MaxRows:             cfg.Serving.MaxRows,
		TrackingURI:         client.TrackingURI(),
		Drift:               mon,
		BeeswarmMaxDisplay:  cfg.Charts.BeeswarmMaxDisplay,
		HeatmapMaxDisplay:   cfg.Charts.HeatmapMaxDisplay,
		WaterfallMaxDisplay: cfg.Charts.WaterfallMaxDisplay,
	}, log.GetLoggerWithName("serving")), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
