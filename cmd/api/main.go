package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Eliobros/mozhost-mz/internal/app/migrate"
	"github.com/Eliobros/mozhost-mz/internal/catalog"
	"github.com/Eliobros/mozhost-mz/internal/engine/docker"
	httpx "github.com/Eliobros/mozhost-mz/internal/http"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	"github.com/Eliobros/mozhost-mz/internal/repository/postgres"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite"
	"github.com/Eliobros/mozhost-mz/internal/service/auth"
	"github.com/Eliobros/mozhost-mz/internal/service/environment"
	"github.com/Eliobros/mozhost-mz/internal/service/ports"
	"github.com/Eliobros/mozhost-mz/internal/service/proxy"
	"github.com/Eliobros/mozhost-mz/internal/service/reconcile"
	"github.com/Eliobros/mozhost-mz/internal/service/resolver"
	"github.com/Eliobros/mozhost-mz/internal/service/terminal"
	"github.com/Eliobros/mozhost-mz/internal/telemetry"
	"github.com/Eliobros/mozhost-mz/internal/workspace"
	"github.com/Eliobros/mozhost-mz/pkg/config"
	"github.com/Eliobros/mozhost-mz/pkg/crypto"
	"github.com/Eliobros/mozhost-mz/pkg/logger"
)

type store interface {
	repository.UserRepository
	repository.EnvironmentRepository
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, dbHealth, closeDB, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	engineOpts := []docker.Option{docker.WithStopTimeout(cfg.EngineStopTimeout)}
	if cfg.TracingEnabled {
		provider := telemetry.NewProvider(log)
		shutdownTracing := telemetry.Install(provider)
		engineOpts = append(engineOpts, docker.WithTracerProvider(provider))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}
	eng, err := docker.New(cfg.DockerHost, engineOpts...)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer eng.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := eng.Ping(pingCtx); err != nil {
		log.Warn("docker daemon unreachable at startup", "error", err)
	}
	cancelPing()

	kinds, err := catalog.Load(cfg.KindsFile)
	if err != nil {
		log.Error("failed to load kind catalog", "path", cfg.KindsFile, "error", err)
		os.Exit(1)
	}
	workspaces, err := workspace.New(cfg.DataRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "path", cfg.DataRoot, "error", err)
		os.Exit(1)
	}
	sealer, err := crypto.NewSealer(cfg.EnvEncryptionKey)
	if err != nil {
		log.Error("failed to configure env var encryption", "error", err)
		os.Exit(1)
	}
	allocator, err := ports.New(repo, cfg.PortRangeMin, cfg.PortRangeMax)
	if err != nil {
		log.Error("invalid port range", "min", cfg.PortRangeMin, "max", cfg.PortRangeMax, "error", err)
		os.Exit(1)
	}

	environmentSvc, err := environment.New(environment.Deps{
		Environments: repo,
		Users:        repo,
		Engine:       eng,
		Ports:        allocator,
		Workspace:    workspaces,
		Catalog:      kinds,
		Sealer:       sealer,
		Logger:       log,
	}, environment.ConfigFromAPI(cfg))
	if err != nil {
		log.Error("failed to configure environment service", "error", err)
		os.Exit(1)
	}

	authSvc := auth.New(repo, cfg.JWTSecret, log)
	registry := terminal.NewRegistry()
	environmentSvc.SetSessionCloser(registry)
	terminalSvc := terminal.New(authSvc, repo, eng, registry, terminal.Config{
		Shell:       terminal.ShellCommand(cfg.ShellCommand),
		WorkingDir:  cfg.MountTarget,
		ExecTimeout: cfg.EngineTimeout,
	}, log)
	terminalSvc.SetLocker(environmentSvc)

	proxySvc := proxy.New(resolver.New(repo, cfg.DomainSuffix), proxy.Config{TargetHost: cfg.ProxyTargetHost}, log)

	sweeper := reconcile.New(repo, environmentSvc, log, cfg.ReconcileInterval)
	go sweeper.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Deps{
		Logger:       log,
		Auth:         authSvc,
		Environments: environmentSvc,
		Terminal:     terminalSvc,
		Proxy:        proxySvc,
		Limiter:      limiter,
		DBHealth:     dbHealth,
		EngineHealth: eng.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "domain_suffix", cfg.DomainSuffix)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		sessionCtx, cancelSessions := context.WithTimeout(context.Background(), cfg.SessionShutdownTimeout)
		defer cancelSessions()
		if err := registry.Shutdown(sessionCtx); err != nil {
			log.Warn("terminal sessions did not drain", "error", err, "remaining", registry.Count())
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore connects the configured database, applies migrations and returns
// the repository together with a health probe and a close func.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(context.Context) error, func(), error) {
	switch cfg.DatabaseDriver {
	case migrate.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		runner, err := migrate.NewFromDSN(migrate.DriverPostgres, cfg.DatabaseURL, log)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return postgres.New(pool), pool.Ping, pool.Close, nil
	case migrate.DriverSQLite:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		runner, err := migrate.New(db.DB, migrate.DriverSQLite, log)
		if err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		return sqlite.New(db), db.PingContext, func() { db.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
