package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xteam/backend/internal/api"
	"github.com/xteam/backend/internal/auth"
	"github.com/xteam/backend/internal/config"
	"github.com/xteam/backend/internal/events"
	"github.com/xteam/backend/internal/infra"
	"github.com/xteam/backend/internal/llm"
	"github.com/xteam/backend/internal/metrics"
	"github.com/xteam/backend/internal/middleware"
	"github.com/xteam/backend/internal/queue"
	"github.com/xteam/backend/internal/store"
	"github.com/xteam/backend/internal/workflow"
	"github.com/xteam/backend/internal/workspace"
	"github.com/xteam/backend/internal/ws"
)

const shutdownGrace = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	// Persistence: postgres when a DSN is configured, the in-memory
	// store otherwise.
	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.OpenPostgres(cfg.Database.DSN)
		if err != nil {
			slog.Error("open postgres", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		slog.Warn("no database DSN configured, using the in-memory store")
		st = store.NewMemory()
	}

	rdb, err := infra.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("connect redis", "error", err)
		os.Exit(1)
	}

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenMinutes, cfg.Auth.RefreshTokenDays)
	blacklist := auth.NewBlacklist(rdb)
	authority := auth.NewAuthority(issuer, blacklist)

	files, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		slog.Error("init workspace", "error", err)
		os.Exit(1)
	}

	m := metrics.New()

	q := queue.New(rdb, cfg.Queue.MaxRetries, cfg.Queue.TimeoutSeconds)
	q.SetMetrics(m)

	bus := events.NewBus(cfg.Events.BufferSize,
		time.Duration(cfg.Events.BatchTimeoutMs)*time.Millisecond)
	bus.SetMetrics(m)
	bus.Start()

	models := llm.NewDefaultRegistry(cfg.Providers)
	driver := workflow.NewDriver(st, bus, models, files,
		time.Duration(cfg.Providers.ValidateTimeoutSecs)*time.Second)
	driver.SetMetrics(m)

	workers := queue.NewWorkers(q, cfg.Queue.Workers, cfg.Queue.BatchSize)
	workers.Register(workflow.JobTypeExecute, driver.HandleJob)
	workers.Register(workflow.JobTypeResume, driver.HandleJob)
	workers.OnFailure(workflow.JobTypeExecute, driver.HandleJobFailure)
	workers.OnFailure(workflow.JobTypeResume, driver.HandleJobFailure)
	workers.Start(context.Background())

	registry := ws.NewRegistry(
		time.Duration(cfg.Sessions.IdleTimeoutSeconds)*time.Second, m)
	registry.Start()

	// One limiter covers both HTTP requests and streaming admission.
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute)

	router := ws.NewRouter(st, q, bus, files, driver)
	gateway := ws.NewGateway(registry, router, bus, authority, st, limiter, m)

	server := api.NewServer(cfg, st, authority, blacklist, q, bus, files, gateway, limiter, m)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("server failed", "error", err)
		}
	}

	// Teardown reverses startup: stop admission first, then the
	// session registry, the workers, and the event bus, then close
	// the connections.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	registry.Stop()
	workers.Stop()
	bus.Stop()
	if err := rdb.Close(); err != nil {
		slog.Error("close redis", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("close store", "error", err)
	}
	slog.Info("shutdown complete")
}
