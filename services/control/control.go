// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package control assembles the warden control plane.
//
// # Description
//
// New builds every component from a config.Config and wires them together:
// one safety.State shared by the breaker registry, the execution locker,
// the supervisor and the HTTP handlers; one prometheus registry serving
// /metrics; one job runner executing periodic work through the budget,
// lock, supervisor and breaker pipeline.
//
// # Lifecycle
//
//	svc, err := control.New(cfg, extensions.DefaultOptions(), control.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx) // blocks until ctx is cancelled
//
// Run closes the service on return. Call Close directly when Run is never
// called.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/warden/pkg/extensions"
	"github.com/AleutianAI/warden/services/control/audit"
	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/budget"
	"github.com/AleutianAI/warden/services/control/clock"
	"github.com/AleutianAI/warden/services/control/config"
	"github.com/AleutianAI/warden/services/control/execlock"
	"github.com/AleutianAI/warden/services/control/handlers"
	"github.com/AleutianAI/warden/services/control/jobs"
	"github.com/AleutianAI/warden/services/control/observability"
	"github.com/AleutianAI/warden/services/control/routes"
	"github.com/AleutianAI/warden/services/control/safety"
	"github.com/AleutianAI/warden/services/control/supervisor"
)

const (
	// PostgresPingJob probes the lock database when a DSN is configured.
	PostgresPingJob = "postgres-ping"

	// PostgresBreaker guards lock acquisition and the ping job.
	PostgresBreaker = "postgres"

	shutdownTimeout = 10 * time.Second
)

// Option customizes New.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	version string
	source  clock.Source
	loader  *config.Loader
}

// WithLogger sets the process logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithVersion sets the version reported in telemetry resources.
func WithVersion(version string) Option {
	return func(o *options) { o.version = version }
}

// WithSource replaces the real clock. Tests pass a *clock.Fake.
func WithSource(src clock.Source) Option {
	return func(o *options) { o.source = src }
}

// WithLoader enables hot reload of budgetDisabled from the loader's file.
func WithLoader(loader *config.Loader) Option {
	return func(o *options) { o.loader = loader }
}

// Service is the assembled control plane.
//
// # Thread Safety
//
// Safe for concurrent use. Run must be called at most once.
type Service struct {
	config config.Config
	logger *slog.Logger
	loader *config.Loader

	registry   *prometheus.Registry
	metrics    *observability.Metrics
	state      *safety.State
	breakers   *breaker.Registry
	watchdog   *budget.Watchdog
	locker     *execlock.Locker
	supervisor *supervisor.Supervisor
	sink       audit.Sink
	pool       *pgxpool.Pool
	runner     *jobs.Runner
	router     *gin.Engine

	telemetryShutdown func(context.Context) error
	closeOnce         sync.Once
	closeErr          error
}

// New creates a Service from cfg.
//
// # Inputs
//
//   - cfg: A validated configuration.
//   - ext: Extension points. A nil AuthProvider authenticates release calls
//     against cfg.OperatorToken.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Non-nil if telemetry, the database pool or the audit store
//     cannot be created. Resources created before the failure are released.
func New(cfg config.Config, ext extensions.ServiceOptions, opts ...Option) (*Service, error) {
	o := options{logger: slog.Default(), version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	src := clock.OrReal(o.source)
	logger := o.logger

	s := &Service{
		config:   cfg,
		logger:   logger.With(slog.String("component", "control")),
		loader:   o.loader,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	tc := cfg.TelemetryConfig(o.version)
	tc.Registerer = s.registry
	shutdown, err := observability.InitTelemetry(context.Background(), tc)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	s.state = safety.New(safety.Options{Clock: src, Logger: logger})

	bcfg := cfg.BreakerConfig()
	bcfg.OnStateChange = s.metrics.OnBreakerStateChange
	s.breakers = breaker.NewRegistry(bcfg, src)
	s.registry.MustRegister(observability.NewStateCollector(s.state, s.breakers))

	s.watchdog = budget.NewWatchdog(cfg.BudgetConfig(),
		budget.WithClock(src),
		budget.WithLogger(logger),
		budget.WithExceededHook(s.metrics.OnBudgetExceeded),
	)

	lockOpts := []execlock.Option{execlock.WithLogger(logger), execlock.WithClock(src)}
	if cfg.Database.DSN != "" {
		s.pool, err = pgxpool.New(context.Background(), cfg.Database.DSN)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		lockOpts = append(lockOpts,
			execlock.WithStore(execlock.NewPostgresStore(s.pool)),
			execlock.WithBreaker(s.breakers.Get(PostgresBreaker)))
	}
	s.locker = execlock.NewLocker(s.state, lockOpts...)

	s.supervisor = supervisor.New(cfg.SupervisorConfig(), s.state, src, logger)

	if cfg.AuditDir != "" {
		bc := audit.DefaultBadgerConfig(cfg.AuditDir)
		bc.Logger = logger
		sink, err := audit.OpenBadgerSink(bc)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		s.sink = sink
	} else {
		s.sink = audit.NewLogSink(logger)
	}

	s.runner, err = jobs.NewRunner(jobs.RunnerConfig{
		Watchdog:      s.watchdog,
		Locker:        s.locker,
		Supervisor:    s.supervisor,
		Breakers:      s.breakers,
		Metrics:       s.metrics,
		MeterProvider: otel.GetMeterProvider(),
		Source:        src,
		Logger:        logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create job runner: %w", err)
	}
	if s.pool != nil {
		if err := s.runner.Register(s.pingJob()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("register %s: %w", PostgresPingJob, err)
		}
	}

	auth := ext.AuthProvider
	if auth == nil {
		if cfg.OperatorToken == "" {
			s.logger.Warn("no operator token configured; release endpoints reject every request")
		}
		auth = extensions.NewStaticTokenAuthProvider(cfg.OperatorToken, "")
	}
	s.initRouter(auth, src, logger)

	s.logger.Info("control plane initialized",
		slog.Bool("distributedLocks", s.locker.Distributed()),
		slog.Bool("persistentAudit", cfg.AuditDir != ""),
		slog.Bool("budgetDisabled", cfg.BudgetDisabled))
	return s, nil
}

// initRouter creates the gin engine with recovery and tracing middleware.
func (s *Service) initRouter(auth extensions.AuthProvider, src clock.Source, logger *slog.Logger) {
	handler := handlers.NewSafetyHandler(handlers.SafetyHandlerConfig{
		State:             s.state,
		Breakers:          s.breakers,
		Audit:             s.sink,
		Metrics:           s.metrics,
		ReleasesPerMinute: s.config.ReleaseRatePerMinute,
		Clock:             src,
		Logger:            logger,
	})

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("warden"))

	routes.SetupRoutes(s.router, handler, auth,
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
}

func (s *Service) pingJob() jobs.Job {
	return jobs.Job{
		Name:     PostgresPingJob,
		Interval: time.Duration(s.config.Database.PingIntervalMs) * time.Millisecond,
		Breaker:  PostgresBreaker,
		Run: func(ctx context.Context, _ func()) error {
			return s.pool.Ping(ctx)
		},
	}
}

// Run serves HTTP and runs the scheduled jobs until ctx is cancelled, then
// shuts down gracefully and closes the service.
//
// # Outputs
//
//   - error: Nil after a clean shutdown. Non-nil if the listener fails.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := s.runner.Start(gctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}
	if s.loader != nil {
		s.loader.Watch(func(cfg config.Config) {
			s.watchdog.SetDisabled(cfg.BudgetDisabled)
		})
	}

	g.Go(func() error {
		s.logger.Info("starting HTTP server", slog.Int("port", s.config.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Router returns the configured engine for tests and embedding.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// State returns the shared safety state.
func (s *Service) State() *safety.State {
	return s.state
}

// Runner returns the job runner so embedders can register jobs before Run.
func (s *Service) Runner() *jobs.Runner {
	return s.runner
}

// Breakers returns the breaker registry.
func (s *Service) Breakers() *breaker.Registry {
	return s.breakers
}

// Close stops the jobs and releases every resource. Safe to call more than
// once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.runner != nil {
			s.runner.Stop()
		}
		if s.supervisor != nil {
			s.supervisor.Close()
		}
		if s.sink != nil {
			errs = append(errs, s.sink.Close())
		}
		if s.pool != nil {
			s.pool.Close()
		}
		if s.telemetryShutdown != nil {
			errs = append(errs, s.telemetryShutdown(context.Background()))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
