// Package server builds the application's dependencies and runs the HTTP
// service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/treexport/internal/api"
	"github.com/JakeFAU/treexport/internal/clock/system"
	"github.com/JakeFAU/treexport/internal/config"
	"github.com/JakeFAU/treexport/internal/exporter"
	"github.com/JakeFAU/treexport/internal/id/uuid"
	"github.com/JakeFAU/treexport/internal/logging"
	"github.com/JakeFAU/treexport/internal/metrics"
	"github.com/JakeFAU/treexport/internal/policy/ratelimit"
	"github.com/JakeFAU/treexport/internal/progress"
	progresssinks "github.com/JakeFAU/treexport/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/treexport/internal/publisher/pubsub"
	"github.com/JakeFAU/treexport/internal/remote"
	"github.com/JakeFAU/treexport/internal/storage"
	gcsstorage "github.com/JakeFAU/treexport/internal/storage/gcs"
	localstorage "github.com/JakeFAU/treexport/internal/storage/local"
	memorystorage "github.com/JakeFAU/treexport/internal/storage/memory"
	"github.com/JakeFAU/treexport/internal/tabular"
	"github.com/JakeFAU/treexport/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	remote      *remote.Client
	broadcaster *progress.Broadcaster
	exporter    *exporter.Service
	apiServer   *api.Server

	gcsStore       *gcsstorage.BlobStore
	publisher      *gcppublisher.Publisher
	tracerProvider *sdktrace.TracerProvider
}

// Options adjusts Build for callers other than the HTTP service.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("remote", cfg.Remote.BaseURL),
		zap.String("retention", cfg.Retention.Backend),
	)
	metrics.Init()

	if err := app.setupTracing(ctx); err != nil {
		return nil, err
	}
	app.setupRemote()
	if err := app.setupProgress(opts.Registerer); err != nil {
		return nil, app.abort(err)
	}

	store, err := app.setupRetention(ctx)
	if err != nil {
		return nil, app.abort(err)
	}
	notifier, err := app.setupNotifier(ctx)
	if err != nil {
		return nil, app.abort(err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, app.abort(err)
	}
	deps := exporter.Deps{
		Source: exporter.SourceFunc(func(credential string) exporter.Fetcher {
			return app.remote.Bind(credential)
		}),
		Broadcaster: app.broadcaster,
		Store:       store,
		Notifier:    notifier,
		IDs:         uuid.New(),
		Clock:       system.New(),
		Logger:      logger.Named("exporter"),
	}
	app.exporter, err = exporter.New(exporter.Config{
		Format:          exportFormat(cfg, loc),
		MaxDepth:        cfg.Export.MaxDepth,
		RetentionPrefix: cfg.Retention.Prefix,
	}, deps)
	if err != nil {
		return nil, app.abort(fmt.Errorf("exporter init failed: %w", err))
	}

	app.apiServer = api.NewServer(*cfg, api.Deps{
		Exporter:    app.exporter,
		Upstream:    app.remote,
		Broadcaster: app.broadcaster,
		Logger:      logger.Named("api"),
	})
	return app, nil
}

// Exporter returns the export service.
func (a *App) Exporter() *exporter.Service {
	return a.exporter
}

// Broadcaster returns the shared progress feed.
func (a *App) Broadcaster() *progress.Broadcaster {
	return a.broadcaster
}

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then shuts
// down gracefully and releases every dependency.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutMs) * time.Millisecond,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			// Streaming exports outlived the grace period; cut them off.
			a.logger.Warn("graceful shutdown timed out", zap.Error(err))
			if cerr := srv.Close(); cerr != nil {
				a.logger.Warn("server close failed", zap.Error(cerr))
			}
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases clients and flushes telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs store: %w", err))
		}
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	// Sync fails on terminals; nothing useful can be done about it.
	_ = a.logger.Sync()
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) abort(err error) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if cerr := a.Close(ctx); cerr != nil {
		a.logger.Warn("cleanup after failed build", zap.Error(cerr))
	}
	return err
}

func (a *App) setupTracing(ctx context.Context) error {
	tp, err := telemetry.InitTracing(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerProvider = tp
	a.logger.Debug("tracing initialized",
		zap.String("service", a.cfg.Telemetry.ServiceName),
		zap.Bool("cloud_trace", a.cfg.Telemetry.ProjectID != ""),
	)
	return nil
}

func exportFormat(cfg *config.Config, loc *time.Location) tabular.Format {
	return tabular.Format{TimeLayout: cfg.Export.TimeLayout, Location: loc}
}

func (a *App) setupRemote() {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = time.Duration(a.cfg.Remote.ResponseHeaderTimeoutSec) * time.Second
	// No overall client timeout: content streams last as long as the file.
	httpClient := &http.Client{Transport: otelhttp.NewTransport(transport)}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Remote.RequestsPerSecond,
		Burst: a.cfg.Remote.Burst,
	})
	a.remote = remote.NewClient(remote.Config{
		BaseURL:   a.cfg.Remote.BaseURL,
		UserAgent: a.cfg.Remote.UserAgent,
		Limiter:   limiter,
	}, httpClient, a.logger.Named("remote"))
	a.logger.Debug("remote client ready",
		zap.Duration("response_header_timeout", transport.ResponseHeaderTimeout),
		zap.Float64("requests_per_second", a.cfg.Remote.RequestsPerSecond),
	)
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	ids := uuid.New()
	a.broadcaster = progress.NewBroadcaster(progress.Config{
		BufferSize:    a.cfg.Progress.BufferSize,
		NewID:         ids.ConnectionID,
		Logger:        a.logger.Named("progress"),
		OnSubscribers: metrics.SetProgressObservers,
		OnSkip:        metrics.IncProgressSkipped,
		OnDrop: func(kind progress.Kind) {
			metrics.IncProgressDropped(string(kind))
		},
	})

	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics sink init failed: %w", err)
	}
	if _, err := a.broadcaster.Subscribe(promSink); err != nil {
		return fmt.Errorf("subscribe progress metrics sink: %w", err)
	}
	if a.cfg.Progress.LogEnabled {
		if _, err := a.broadcaster.Subscribe(progresssinks.NewLogSink(a.logger.Named("progress_log"))); err != nil {
			return fmt.Errorf("subscribe progress log sink: %w", err)
		}
		a.logger.Debug("added progress log sink")
	}
	a.logger.Info("progress broadcaster initialized", zap.Int("buffer_size", a.cfg.Progress.BufferSize))
	return nil
}

func (a *App) setupRetention(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Retention.Backend {
	case config.RetentionGCS:
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Retention.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.logger.Info("retaining exports in GCS", zap.String("bucket", a.cfg.Retention.GCSBucket))
		return store, nil
	case config.RetentionLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Retention.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("retaining exports on disk", zap.String("path", a.cfg.Retention.LocalDir))
		return store, nil
	case config.RetentionMemory:
		a.logger.Info("retaining exports in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("export retention disabled")
		return nil, nil
	}
}

func (a *App) setupNotifier(ctx context.Context) (exporter.Notifier, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, completion notifications disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}
