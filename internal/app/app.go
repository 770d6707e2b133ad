package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chrissnell/climatepipe/internal/artifact"
	"github.com/chrissnell/climatepipe/internal/biascorrect"
	"github.com/chrissnell/climatepipe/internal/gamma"
	"github.com/chrissnell/climatepipe/internal/gridio"
	"github.com/chrissnell/climatepipe/internal/log"
	"github.com/chrissnell/climatepipe/internal/pipeline"
	"github.com/chrissnell/climatepipe/internal/registry"
	"github.com/chrissnell/climatepipe/internal/sink"
	"github.com/chrissnell/climatepipe/internal/spi"
	"github.com/chrissnell/climatepipe/internal/zonal"
	"github.com/chrissnell/climatepipe/pkg/config"
)

// App holds the wired pipeline for one invocation.
type App struct {
	Config   config.Context
	RunID    string
	Pipeline *pipeline.Pipeline
	Registry *registry.Registry

	catalog *artifact.Catalog
	sink    *sink.Sink
	logger  *zap.SugaredLogger
}

// New opens the gamma catalog, and the sink when one is configured, and
// wires the pipeline.
func New(ctx context.Context, cfg config.Context, logger *zap.SugaredLogger) (*App, error) {
	if logger == nil {
		logger = log.Named("app")
	}
	method, err := gamma.ParseMethod(cfg.Gamma.Method)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		RunID:  uuid.NewString(),
		logger: logger,
	}

	if cfg.Catalog.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Catalog.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	a.catalog, err = artifact.OpenCatalog(ctx, cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		return nil, err
	}

	var rows pipeline.RowSink
	if cfg.SinkDSN != "" {
		a.sink, err = sink.Open(cfg.SinkDSN, a.RunID, log.GetZapLogger())
		if err != nil {
			a.catalog.Close()
			return nil, err
		}
		rows = a.sink
	}

	bc := biascorrect.NewOrchestrator(biascorrect.Settings{
		Enabled:            cfg.BiasCorrection.Enabled,
		ReferencePrecip:    cfg.BiasCorrection.PrecipRef,
		HistoricalObs:      cfg.BiasCorrection.HistoricalObs,
		HistoricalForecast: cfg.BiasCorrection.HistoricalForecast,
		ClipPercentile:     cfg.BiasCorrection.ClipPercentile,
	}, logger.Named("biascorrect"))

	a.Pipeline, err = pipeline.New(pipeline.Config{
		Paths:          cfg.Paths,
		Source:         gridio.NewDirectorySource(filepath.Join(cfg.Paths.DataHome, "sources")),
		Store:          artifact.NewStore(filepath.Join(cfg.Paths.DataHome, "output"), a.catalog, a.RunID, logger.Named("artifact")),
		Estimator:      gamma.NewEstimator(method, cfg.Workers, logger.Named("gamma")),
		Calculator:     spi.NewCalculator(cfg.Clip, logger.Named("index")).WithWorkers(cfg.Workers),
		BiasCorrection: bc,
		Zonal:          zonal.Passthrough{},
		Sink:           rows,
		RunID:          a.RunID,
		Logger:         logger.Named("pipeline"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = a.Pipeline.Registry()

	logger.Infow("pipeline ready",
		"run_id", a.RunID,
		"region", cfg.Region,
		"admin_level", cfg.AdminLevel,
		"data_home", cfg.Paths.DataHome,
		"catalog", cfg.Catalog.Driver,
		"bias_correction", cfg.BiasCorrection.Enabled,
	)
	return a, nil
}

// Catalog returns the gamma artifact catalog.
func (a *App) Catalog() *artifact.Catalog { return a.catalog }

// Close releases the catalog and sink connections.
func (a *App) Close() error {
	var first error
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			first = err
		}
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			log.Info("shutdown signal received, cancelling run...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
