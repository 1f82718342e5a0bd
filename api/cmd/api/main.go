package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/pipelines/api/internal/app/migrate"
	httpx "github.com/splax/pipelines/api/internal/http"
	"github.com/splax/pipelines/api/internal/repository"
	"github.com/splax/pipelines/api/internal/repository/memory"
	"github.com/splax/pipelines/api/internal/repository/postgres"
	"github.com/splax/pipelines/api/internal/service/engine"
	"github.com/splax/pipelines/api/internal/service/events"
	"github.com/splax/pipelines/api/internal/service/execution"
	"github.com/splax/pipelines/api/internal/service/pipeline"
	"github.com/splax/pipelines/api/internal/telemetry"
	"github.com/splax/pipelines/api/internal/ws"
	"github.com/splax/pipelines/pkg/config"
	"github.com/splax/pipelines/pkg/logger"
)

type store interface {
	repository.PipelineRepository
	repository.ExecutionRepository
	Ping(ctx context.Context) error
}

type broadcaster interface {
	engine.Broadcaster
	httpx.EventStream
}

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer("pipelines-api", cfg.TracesExporter, os.Stdout, log)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	hub := ws.NewHub()
	defer hub.Close()
	var bus broadcaster = events.New(hub, log)
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := events.NewRedisClient(addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("redis event relay unavailable, using local delivery", "error", err)
		} else {
			defer client.Close()
			relay := events.NewRedisRelay(client, hub, cfg.EventPrefix, log)
			go func() {
				if err := relay.Run(ctx); err != nil {
					log.Error("event relay stopped", "error", err)
				}
			}()
			bus = relay
		}
	}

	runner, closeRunner, err := newRunner(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure stage executor", "error", err)
		os.Exit(1)
	}
	defer closeRunner()

	eng := engine.New(repo, repo, runner, bus, log, engine.WithMetrics(engine.NewMetrics(prometheus.DefaultRegisterer)))
	execSvc := execution.New(repo, repo, eng, log, execution.Options{MaxConcurrent: cfg.MaxConcurrent})
	if cfg.RecoverOrphans {
		if _, err := execSvc.RecoverOrphans(ctx); err != nil {
			log.Error("orphan recovery failed", "error", err)
		}
	}
	pipelineSvc := pipeline.New(repo, log)

	router := httpx.NewRouter(log, pipelineSvc, execSvc, bus, cfg.JWTSecret, repo.Ping, httpx.Options{
		SSEHeartbeat: cfg.SSEHeartbeat,
		HistoryLimit: cfg.HistoryPageLimit,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "executor", cfg.StageExecutor, "max_concurrent", cfg.MaxConcurrent)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := execSvc.Shutdown(shutdownCtx); err != nil {
			log.Error("executions did not stop in time", "error", err, "running", execSvc.Running())
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back to
// process memory otherwise.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("DATABASE_URL not set, executions are kept in memory")
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := runner.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return postgres.New(pool), pool.Close, nil
}

func newRunner(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (engine.Runner, func(), error) {
	switch cfg.StageExecutor {
	case config.ExecutorDocker:
		runner, err := engine.NewDockerRunner(cfg.DockerHost, cfg.StageImage, log)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := runner.Ping(pingCtx); err != nil {
			runner.Close()
			return nil, nil, err
		}
		return runner, func() { runner.Close() }, nil
	default:
		return engine.SimulatedRunner{Delay: cfg.SimulatedDelay}, func() {}, nil
	}
}
