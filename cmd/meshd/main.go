// meshd runs one mesh node: it wires the key store, crypto engine, session
// ledger, resilience stack, directory, audit sinks, and monitors behind the
// mesh orchestrator, then waits for shutdown.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	appservice "github.com/turtacn/meshsec/internal/application/service"
	"github.com/turtacn/meshsec/internal/config"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/internal/infrastructure/audit"
	"github.com/turtacn/meshsec/internal/infrastructure/crypto"
	"github.com/turtacn/meshsec/internal/infrastructure/directory"
	"github.com/turtacn/meshsec/internal/infrastructure/keystore"
	"github.com/turtacn/meshsec/internal/infrastructure/monitoring"
	"github.com/turtacn/meshsec/internal/infrastructure/ratelimit"
	"github.com/turtacn/meshsec/internal/infrastructure/session"
	"github.com/turtacn/meshsec/pkg/logger"
)

func main() {
	startupLogger := logger.NewZapLogger("info")

	cfg, err := config.Load(startupLogger)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger := logger.NewZapLogger(cfg.Log.Level)
	ctx := context.Background()

	tracing, err := monitoring.NewTracingManager(&cfg.Tracing, appLogger)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() { _ = tracing.Shutdown(ctx) }()

	keyStore, err := buildKeyStore(cfg, appLogger)
	if err != nil {
		log.Fatalf("failed to build key store: %v", err)
	}

	engine, err := crypto.NewEngine(&cfg.Crypto, appLogger)
	if err != nil {
		log.Fatalf("failed to build crypto engine: %v", err)
	}

	limiter, err := buildRateLimiter(cfg, appLogger)
	if err != nil {
		log.Fatalf("failed to build rate limiter: %v", err)
	}
	defer func() { _ = limiter.Close() }()

	sinks, err := buildAuditSinks(cfg, appLogger)
	if err != nil {
		log.Fatalf("failed to build audit sinks: %v", err)
	}
	dispatcher := audit.NewDispatcher(cfg.Audit.BufferSize, sinks, appLogger)
	defer func() { _ = dispatcher.Close() }()

	ledger := session.NewLedger(cfg.Session.TTL, cfg.Session.SweepInterval, appLogger)

	network := appservice.NewInProcessNetwork()
	mesh, err := appservice.NewMeshService(cfg, appservice.Deps{
		KeyStore:  keyStore,
		Engine:    engine,
		Ledger:    ledger,
		Directory: directory.NewRegistry(appLogger),
		Limiter:   limiter,
		Auditor:   dispatcher,
		Transport: network,
		Metrics:   monitoring.NewMetrics(),
		Tracing:   tracing,
		Logger:    appLogger,
	})
	if err != nil {
		log.Fatalf("failed to build mesh service: %v", err)
	}

	if err := mesh.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize mesh service: %v", err)
	}
	network.Join(cfg.Service.ID, mesh)
	defer func() { _ = mesh.Cleanup(ctx) }()

	appLogger.Info(ctx, "meshd running",
		logger.String("service_id", cfg.Service.ID),
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	appLogger.Info(ctx, "meshd shutting down")
}

func buildKeyStore(cfg *config.Config, log logger.Logger) (service.KeyStore, error) {
	switch cfg.KeyStore.Backend {
	case "file":
		return keystore.NewFileStore(cfg.KeyStore.Path, log)
	case "vault":
		return keystore.NewVaultStore(&cfg.KeyStore, log)
	default:
		return keystore.NewMemoryStore(log), nil
	}
}

func buildRateLimiter(cfg *config.Config, log logger.Logger) (service.RateLimiter, error) {
	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addresses,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return ratelimit.NewRedisLimiter(client, &cfg.RateLimit, log)
	}
	return ratelimit.NewFixedWindowLimiter(&cfg.RateLimit, log), nil
}

func buildAuditSinks(cfg *config.Config, log logger.Logger) ([]service.AuditSink, error) {
	sinks := []service.AuditSink{audit.NewLoggerSink(log)}

	if cfg.Audit.Kafka.Enabled {
		sink, err := audit.NewKafkaSink(&cfg.Audit.Kafka, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Audit.Database.Enabled {
		sink, err := audit.NewGormSink(&cfg.Audit.Database, log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
