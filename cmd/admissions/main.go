// Package main is the entry point for the admissions workflow service.
// It wires all dependencies together and starts the HTTP server and the
// trigger scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/access"
	"github.com/pitabwire/admissions/internal/audit"
	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/definition"
	"github.com/pitabwire/admissions/internal/external"
	"github.com/pitabwire/admissions/internal/guard"
	"github.com/pitabwire/admissions/internal/notify"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/scheduler"
	"github.com/pitabwire/admissions/internal/transport"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// statusProvider answers both document and payment guard predicates.
type statusProvider interface {
	model.DocumentStatusProvider
	model.PaymentStatusProvider
}

func run() int {
	// Step 1: Parse CLI flags and load a local .env if present.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()
	_ = godotenv.Load()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open the stores.
	stores, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer stores.close()

	// Step 5: Load definitions from disk and activate the latest versions.
	registry, guards, err := bootstrapDefinitions(ctx, cfg.Definitions, stores.definitions, logger, metrics)
	if err != nil {
		logger.Error("definition bootstrap failed", zap.Error(err))
		return 1
	}

	// Step 6: Build collaborators.
	roles, err := access.New(cfg.Access, metrics)
	if err != nil {
		logger.Error("role provider initialization failed", zap.Error(err))
		return 1
	}

	var status statusProvider
	var statusHealth observability.HealthChecker
	switch cfg.Status.Driver {
	case "http":
		h := external.NewHTTPStatus(cfg.Status, logger, metrics)
		status, statusHealth = h, h
	default:
		logger.Warn("using in-memory document and payment status; guards on them stay false")
		status = external.NewMemoryStatus()
	}

	sinks := []audit.Named{{Name: "log", Sink: audit.NewLogSink(logger)}}
	if cfg.Audit.Driver == "postgres" && stores.pool != nil {
		sinks = append(sinks, audit.Named{Name: "postgres", Sink: audit.NewPgSink(stores.pool)})
	}
	auditSink := audit.NewFanOut(metrics, sinks...)

	notifier, err := notify.New(ctx, cfg.Notifications, logger, metrics)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Build the transition engine and the scheduler.
	engine := workflow.NewEngine(registry, stores.states, guards, workflow.Collaborators{
		Documents: status,
		Payments:  status,
		Roles:     roles,
		Audit:     auditSink,
		Notifier:  notifier,
	}, workflow.WithLogger(logger), workflow.WithMetrics(metrics))

	lease, leaseHealth, leaseCloser, err := buildLease(cfg.Scheduler.Lease)
	if err != nil {
		logger.Error("scheduler lease initialization failed", zap.Error(err))
		return 1
	}
	if leaseCloser != nil {
		defer leaseCloser()
	}

	sched := scheduler.New(engine, registry, stores.states, cfg.Scheduler,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithLease(lease),
	)

	// Step 8: Build HTTP router.
	authenticate := transport.HeaderAuthenticator
	if cfg.Identity.Disabled {
		logger.Warn("identity verification disabled; trusting X-User-Id")
	} else {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	}

	readiness := observability.ReadinessChecks{
		ActiveDefinitions: func() bool { return registry.HasActive(context.Background()) },
		StateStore:        stores.stateHealth,
		DefinitionStore:   stores.definitionHealth,
		Lease:             leaseHealth,
		Notifier:          notifier,
		Status:            statusHealth,
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: authenticate,
		Readiness:    readiness,
		Engine:       engine,
		Definitions:  registry,
		Scheduler:    sched,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background tasks.
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			logger.Error("scheduler start failed", zap.Error(err))
			return 1
		}
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(defs)),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Wait for a running scan, then flush queued notifications.
	sched.Stop()
	if err := notifier.Close(shutdownCtx); err != nil {
		logger.Error("notifier shutdown error", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// storeSet groups the definition and state stores with their shared pool.
type storeSet struct {
	definitions      definition.Store
	states           workflow.StateStore
	definitionHealth observability.HealthChecker
	stateHealth      observability.HealthChecker
	pool             *pgxpool.Pool
}

func (s storeSet) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// bootstrapDefinitions builds the guard evaluator and definition registry,
// stores the definition files found in cfg.Directories and activates the
// latest versions when configured to.
func bootstrapDefinitions(ctx context.Context, cfg config.DefinitionsConfig, store definition.Store,
	logger *zap.Logger, metrics *observability.Metrics,
) (*definition.Registry, *guard.Evaluator, error) {
	guards := guard.NewEvaluator(guard.DefaultRegistry())
	registry := definition.NewRegistry(store, definition.NewValidator(guards), logger, metrics)

	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, nil, fmt.Errorf("load definitions: %w", err)
	}
	if err := registry.Bootstrap(ctx, defs, cfg.ActivateLatest); err != nil {
		return nil, nil, err
	}
	return registry, guards, nil
}

// buildStores creates the stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (storeSet, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		defs := definition.NewMemoryStore()
		states := workflow.NewMemoryStateStore()
		return storeSet{definitions: defs, states: states, definitionHealth: defs, stateHealth: states}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return storeSet{}, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return storeSet{}, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return storeSet{}, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return storeSet{}, fmt.Errorf("store: ping: %w", err)
		}

		defs := definition.NewPgStore(pool)
		states := workflow.NewPgStateStore(pool)
		return storeSet{
			definitions:      defs,
			states:           states,
			definitionHealth: defs,
			stateHealth:      states,
			pool:             pool,
		}, nil
	default:
		return storeSet{}, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildLease creates the scheduler scan lease based on config. The health
// checker is nil for leases with nothing to check.
func buildLease(cfg config.LeaseConfig) (scheduler.Lease, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "none":
		return scheduler.NoLease{}, nil, nil, nil
	case "memory", "":
		return scheduler.NewMemoryLease(), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("scheduler lease: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		lease := scheduler.NewRedisLease(client, cfg.Key)
		return lease, lease, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported lease driver: %q", cfg.Driver)
	}
}
