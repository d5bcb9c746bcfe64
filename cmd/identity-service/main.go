// Package main is the entry point for the Identity Service.
// It loads the configured user directories and serves the ops and identity endpoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/identityd/internal/common/config"
	"github.com/openidx/identityd/internal/common/database"
	"github.com/openidx/identityd/internal/common/logger"
	"github.com/openidx/identityd/internal/common/resilience"
	"github.com/openidx/identityd/internal/common/tlsutil"
	"github.com/openidx/identityd/internal/common/tracing"
	"github.com/openidx/identityd/internal/directory"
	"github.com/openidx/identityd/internal/health"
	"github.com/openidx/identityd/internal/server"
	"github.com/openidx/identityd/internal/store/memory"
	"github.com/openidx/identityd/internal/store/postgres"
)

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

// identityCore holds the directory components shared by embedding services
type identityCore struct {
	Registry    *directory.Registry
	Dispatcher  *directory.Dispatcher
	Directories *directory.Service
	Resets      *directory.PasswordResetService
	Scheduler   *directory.Scheduler
}

func main() {
	log := logger.New()
	defer log.Sync()

	log.Info("Starting Identity Service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	cfg, err := config.Load("identity-service")
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg.LogSecurityWarnings(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	hs := health.NewHealthService(log)
	hs.SetVersion(Version)

	shutdownTracer, err := tracing.Init(ctx, tracing.FromConfig(cfg), log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	store, closeStore, err := openStore(ctx, cfg, hs, log)
	if err != nil {
		log.Fatal("Failed to open directory store", zap.Error(err))
	}

	redis, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Warn("Redis unavailable, password resets are disabled", zap.Error(err))
		redis = nil
	} else {
		hs.RegisterCheck(health.NewRedisChecker(redis))
	}

	breakers := resilience.NewRegistry(resilience.Config{
		Threshold:    cfg.LDAPBreakerThreshold,
		ResetTimeout: cfg.LDAPBreakerResetDuration(),
		Logger:       log.With(zap.String("component", "ldap_breaker")),
	})

	core, err := newIdentityCore(ctx, cfg, store, redis, breakers, log)
	if err != nil {
		log.Fatal("Failed to load user directories", zap.Error(err))
	}
	hs.RegisterCheck(health.NewRegistryChecker(core.Registry))
	hs.RegisterCheck(health.NewBreakerChecker(breakers))

	schedCtx, cancelSched := context.WithCancel(ctx)
	go core.Scheduler.Start(schedCtx)

	routes := server.RouterConfig{
		ServiceName: cfg.ServiceName,
		Production:  cfg.IsProduction(),
		Logger:      log,
		Health:      hs,
		Directories: core.Registry,
		Catalog:     core.Directories,
		Reloader:    core.Scheduler,
		Identity:    core.Dispatcher,
	}
	if core.Resets != nil {
		routes.Resets = core.Resets
	}
	router := server.NewRouter(routes)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gs := server.New(server.Config{
		Server: srv,
		Logger: log,
		Listen: func(s *http.Server) error { return tlsutil.ListenAndServe(s, cfg.TLS, log) },
	})
	gs.AddFunc("tracer", shutdownTracer)
	gs.AddFunc("database", closeStore)
	if redis != nil {
		gs.Add(server.Closer("redis", redis))
	}
	gs.AddFunc("scheduler", func(context.Context) error {
		core.Scheduler.Stop()
		cancelSched()
		return nil
	})

	log.Info("Identity Service ready",
		zap.Int("port", cfg.Port),
		zap.Int("directories", len(core.Registry.Directories())),
	)

	if err := gs.Run(ctx); err != nil {
		log.Error("Identity Service stopped with error", zap.Error(err))
	}
}

// openStore returns the configured descriptor store and its close function
func openStore(ctx context.Context, cfg *config.Config, hs *health.HealthService, log *zap.Logger) (directory.Store, func(context.Context) error, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("Using in-memory directory store; data is lost on restart")
		store, err := memory.New()
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error { return nil }, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	store := postgres.New(db, log)
	if err := store.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	hs.RegisterCheck(health.NewPostgresChecker(db))
	return store, func(context.Context) error { return db.Close() }, nil
}

func newIdentityCore(ctx context.Context, cfg *config.Config, store directory.Store, redis *database.RedisClient, breakers *resilience.Registry, log *zap.Logger) (*identityCore, error) {
	hasher := directory.NewPBKDF2Hasher(cfg.PasswordPepper, cfg.PasswordHashIterations)

	registry := directory.NewRegistry(directory.Dependencies{
		Store:       store,
		Hasher:      hasher,
		Logger:      log,
		Dialer:      directory.NewBreakerDialer(directory.NetDialer{}, breakers),
		LDAPTimeout: cfg.LDAPTimeoutDuration(),
	})
	if err := registry.Reload(ctx); err != nil {
		return nil, err
	}

	dispatcher := directory.NewDispatcher(registry, store, log)
	core := &identityCore{
		Registry:    registry,
		Dispatcher:  dispatcher,
		Directories: directory.NewService(store, registry, log),
		Scheduler:   directory.NewScheduler(registry, cfg.ReloadIntervalDuration(), log),
	}
	if redis != nil {
		core.Resets = directory.NewPasswordResetService(
			dispatcher,
			directory.NewRedisSecurityCodeStore(redis.Client),
			hasher,
			directory.ResetConfig{
				CodeLength: cfg.SecurityCodeLength,
				TTL:        cfg.SecurityCodeTTLDuration(),
			},
			log,
		)
	}
	return core, nil
}
