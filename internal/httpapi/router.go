package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"costguardian/internal/auth"
	"costguardian/internal/config"
	"costguardian/internal/ingest"
	"costguardian/internal/logging"
	"costguardian/internal/metrics"
	"costguardian/internal/pricing"
	"costguardian/internal/probe"
	"costguardian/internal/queue"
	"costguardian/internal/ratelimit"
	"costguardian/internal/storage"
	"costguardian/internal/vault"
)

// Dependencies aggregates all services the HTTP layer needs, plus the
// long-lived components main has to shut down.
type Dependencies struct {
	DB       *storage.DB
	Vault    *vault.Vault
	Pipeline *ingest.Pipeline
	Limiter  *ratelimit.TokenBucketLimiter
	Registry *metrics.Registry
	Queue    queue.Queue
	Worker   *ingest.Worker
	Prober   *probe.Prober
}

// NewRouter creates an HTTP handler with all dependencies wired up.
func NewRouter(cfg *config.Config) (http.Handler, *Dependencies, error) {
	db, err := storage.Open(storage.DBConfig{
		Driver:          cfg.Database.Driver,
		Path:            cfg.Database.Path,
		LegacyPaths:     cfg.Database.LegacyPaths,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open usage store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate usage store: %w", err)
	}

	cipher, err := vault.NewCipherFromMasterKey(cfg.MasterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize vault cipher: %w", err)
	}
	credVault := vault.New(storage.NewCredentialRepository(db), cipher)

	table := pricing.Default()
	if cfg.Pricing.FilePath != "" {
		table, err = pricing.LoadFile(cfg.Pricing.FilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load pricing table: %w", err)
		}
	}

	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	registry := metrics.NewRegistry()
	usageRepo := storage.NewUsageRepository(db)
	pipeline := ingest.NewPipeline(limiter, credVault, table, usageRepo, registry)

	// The probe path goes through a queue so heartbeat bursts never block on
	// storage. HTTP ingestion stays synchronous.
	queueCfg := queue.DefaultConfig("usage")
	queueCfg.UseRedis = cfg.Redis.Enabled
	queueCfg.RedisAddr = cfg.Redis.Address
	queueCfg.RedisPassword = cfg.Redis.Password
	queueCfg.RedisDB = cfg.Redis.DB

	var usageQueue queue.Queue
	var usageDLQ queue.DeadLetterQueue
	if cfg.Redis.Enabled {
		usageQueue, err = queue.NewRedisQueue(queueCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create usage queue: %w", err)
		}
		usageDLQ, err = queue.NewRedisDeadLetterQueue(queueCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create usage DLQ: %w", err)
		}
	} else {
		usageQueue = queue.NewMemoryQueue(queueCfg)
		usageDLQ = queue.NewMemoryDeadLetterQueue()
	}

	worker := ingest.NewWorker(usageQueue, usageDLQ, pipeline, queueCfg)
	worker.Start(context.Background())

	var prober *probe.Prober
	if cfg.Probe.Enabled {
		prober = probe.New(probe.Config{
			BaseURL:        cfg.Probe.BaseURL,
			Model:          cfg.Probe.Model,
			Prompt:         cfg.Probe.Prompt,
			Interval:       cfg.Probe.Interval,
			RequestTimeout: cfg.Probe.RequestTimeout,
		}, credVault, usageQueue, registry)
	}

	admin := auth.NewAdmin(cfg.AdminKey, cfg.JWTSecret)
	if !admin.Enabled() {
		logging.Warningf("ADMIN_KEY is not set; reset and credential management are disabled")
	}

	deps := &Dependencies{
		DB:       db,
		Vault:    credVault,
		Pipeline: pipeline,
		Limiter:  limiter,
		Registry: registry,
		Queue:    usageQueue,
		Worker:   worker,
		Prober:   prober,
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps, admin, cfg)

	// The ingestion endpoint is exempt from the HTTP-level limiter; the
	// pipeline runs the same bucket itself so admission happens in
	// submission order.
	exempt := ratelimit.NewExemptPaths(append([]string{"/log", "/auth/token"}, cfg.RateLimit.ExemptPaths...))

	handler := IdentityMiddleware(credVault)(
		RateLimitMiddleware(limiter, exempt)(mux),
	)
	return handler, deps, nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies, admin *auth.Admin, cfg *config.Config) {
	usageRepo := storage.NewUsageRepository(deps.DB)
	credsRepo := storage.NewCredentialRepository(deps.DB)
	usageHandler := NewUsageHandler(deps.Pipeline, usageRepo, credsRepo, deps.DB, deps.Registry, deps.Limiter, cfg.Production)
	credsHandler := NewCredentialsHandler(deps.Vault, admin, cfg.Production)

	mux.HandleFunc("/ping", usageHandler.Ping)
	mux.HandleFunc("/log", usageHandler.Log)
	mux.HandleFunc("/data", usageHandler.Data)
	mux.HandleFunc("/aggregate", usageHandler.Aggregate)
	mux.HandleFunc("/metrics", usageHandler.Metrics)

	// Admin token exchange is public; everything it unlocks is not.
	mux.HandleFunc("/auth/token", credsHandler.ExchangeToken)

	adminJWT := AdminJWTMiddleware(admin)
	mux.Handle("/reset", adminJWT(http.HandlerFunc(usageHandler.Reset)))
	mux.Handle("/credentials", adminJWT(http.HandlerFunc(credsHandler.Collection)))
	mux.Handle("/credentials/", adminJWT(http.HandlerFunc(credsHandler.Item)))
	mux.Handle("/tokens", adminJWT(http.HandlerFunc(credsHandler.MintToken)))
}
