// Package main is the entry point for the stepflow server.
// It wires all dependencies together and starts the HTTP server and the
// background processors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/stepflow/internal/capability"
	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/notify"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/openapi"
	"github.com/pitabwire/stepflow/internal/orchestrator"
	"github.com/pitabwire/stepflow/internal/transport"
	"github.com/pitabwire/stepflow/internal/workflow"
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

// store is what the engine and the definition store need from persistence.
type store interface {
	workflow.Store
	definition.Repository
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stepflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	st, storeCheck, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	directory, err := buildDirectory(cfg.Capability)
	if err != nil {
		logger.Error("capability policy failed to load", zap.Error(err))
		return 1
	}

	publisher, err := buildPublisher(cfg.Notify, logger)
	if err != nil {
		logger.Error("notification publisher initialization failed", zap.Error(err))
		return 1
	}
	relay := notify.NewRelay(publisher, cfg.Notify.BufferSize, logger, notify.WithRelayMetrics(metrics))

	// Events queued before the relay starts are delivered once it runs.
	var definitionsLoaded atomic.Bool
	registry := definition.NewRegistry(st, logger, definition.WithNotifier(relay))
	if err := registry.Load(ctx); err != nil {
		logger.Error("definition hydration failed", zap.Error(err))
		return 1
	}
	if err := registry.Seed(ctx, cfg.Definitions.Directories); err != nil {
		logger.Error("definition seeding failed", zap.Error(err))
		return 1
	}
	definitionsLoaded.Store(true)

	idemStore, idemCheck, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idemCloser != nil {
		defer idemCloser()
	}

	scheduler := workflow.NewScheduler(st, directory, relay, logger)
	manager := workflow.NewManager(st, registry, scheduler, directory, relay, logger,
		workflow.WithMaxDerivations(cfg.Orchestrator.MaxDerivations))

	facadeOpts := []orchestrator.Option{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithMaxRetries(cfg.Orchestrator.MaxRetries),
	}
	if idemStore != nil {
		facadeOpts = append(facadeOpts, orchestrator.WithIdempotencyStore(idemStore, cfg.Idempotency.Store.DefaultTTL))
	}
	facade := orchestrator.New(st, registry, scheduler, manager, directory, logger, facadeOpts...)

	apiDoc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("API document failed to load", zap.Error(err))
		return 1
	}

	signingKeys := transport.NewSigningKeys(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Facade:       facade,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, signingKeys),
		Logger:       logger,
		Metrics:      metrics,
		APIDocument:  apiDoc,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: definitionsLoaded.Load,
			Store:             storeCheck,
			NotifyRelay:       relay,
			IdempotencyStore:  idemCheck,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notify", cfg.Notify.Driver),
		zap.Int("definitions", len(registry.List(false))),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return facade.RunReconciler(gctx, cfg.Orchestrator.ReconcileInterval) })
	g.Go(func() error { return facade.RunAutomation(gctx, cfg.Orchestrator.AutomationInterval) })
	g.Go(func() error { return facade.RunTimeouts(gctx, cfg.Orchestrator.TimeoutInterval) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	exit := 0
	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		exit = 1
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracingShutdown(flushCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete", zap.Uint64("notifications_dropped", relay.Dropped()))
	return exit
}

// buildStore opens the configured persistence backend. The returned check is
// nil for the memory store.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory store")
		return workflow.NewMemoryStore(), nil, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.MaxConns
		poolCfg.MinConns = cfg.MinConns
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := workflow.NewPgStore(pool, logger)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("store: migrate: %w", err)
			}
		}
		return pg, observability.CheckFunc(pg.Ping), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func buildDirectory(cfg config.CapabilityConfig) (*capability.Directory, error) {
	if cfg.StaticPolicyFile == "" {
		return capability.NewDirectory(capability.DefaultPolicy()), nil
	}
	return capability.LoadPolicyFile(cfg.StaticPolicyFile)
}

func buildPublisher(cfg config.NotifyConfig, logger *zap.Logger) (notify.Publisher, error) {
	switch cfg.Driver {
	case "log", "":
		return notify.NewLogPublisher(logger), nil
	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("notify: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		return notify.NewRedisStreamPublisher(client, cfg.Redis.StreamPrefix, cfg.Redis.MaxLen), nil
	case "nats":
		return notify.DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	case "kafka":
		return notify.DialKafka(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
	default:
		return nil, fmt.Errorf("unsupported notify driver: %q", cfg.Driver)
	}
}

func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		s := idempotency.NewMemoryStore()
		return s, s, nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("idempotency: ping redis: %w", err)
		}
		s := idempotency.NewRedisStore(client)
		return s, s, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency driver: %q", cfg.Store.Driver)
	}
}
