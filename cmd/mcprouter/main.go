// Command mcprouter starts the MCP protocol-aggregating router: it loads
// configuration, connects to Postgres, brings up the Connection Manager,
// Tool Registry, Credit Gate and Sync Engine, then serves the downstream
// MCP endpoint and REST admin routes until told to stop.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcprouter/router/internal/config"
	"github.com/mcprouter/router/internal/credit"
	"github.com/mcprouter/router/internal/httpapi"
	"github.com/mcprouter/router/internal/store"
	"github.com/mcprouter/router/internal/syncengine"
	"github.com/mcprouter/router/internal/upstream"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.ConnectionString())
	if err != nil {
		logger.Error("db connect failed", "error", err)
		return 1
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("db ping failed", "error", err)
		return 1
	}

	if cfg.RunMigrations {
		if err := store.Migrate(ctx, pool); err != nil {
			logger.Error("migration failed", "error", err)
			return 1
		}
	}

	repo := store.NewServerRepository(pool)
	syncEvents := store.NewSyncEventStore(pool)

	var audit *store.AuditBuffer
	if cfg.EnableAuditLog {
		audit = store.NewAuditBuffer(pool, store.DefaultAuditBufferConfig(), logger)
		audit.Start(ctx)
	}

	var events *store.EventBuffer
	if cfg.EnableEventLog {
		events = store.NewEventBuffer(pool, store.DefaultEventBufferConfig(), logger)
		events.Start(ctx)
	}

	manager := upstream.NewManager(upstream.ManagerConfig{
		Separator:               cfg.ToolNameSeparator,
		PingInterval:            cfg.PingInterval,
		MaxConsecutivePingFails: cfg.MaxPingFailures,
		ReconnectCooldown:       60 * time.Second,
	}, repo, events, nil, logger)

	var usage *credit.UsageClient
	if cfg.UserManagementAPI != "" {
		usage = credit.NewUsageClient(cfg.UserManagementAPI, cfg.UserManagementAPIKey)
	}
	gate := credit.New(usage, cfg.ToolNameSeparator, logger)

	servers, err := repo.FindAll(ctx, false)
	if err != nil {
		logger.Error("initial server load failed", "error", err)
		return 1
	}

	server := httpapi.New(cfg, manager, gate, repo, audit, logger)
	reg := server.ToolRegistry()
	manager.SetOnToolsChanged(func(name string) { reg.RegisterToolsFor(manager.Tools(name)) })

	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		upCfg := upstream.ServerConfig{
			ID: s.ID, Name: s.Name, URL: s.URL,
			AutoReconnect: s.AutoReconnect, TimeoutMS: s.TimeoutMS, RetryAttempts: s.RetryAttempts,
		}
		if err := manager.Connect(ctx, upCfg); err != nil {
			logger.Warn("initial connect failed", "server", s.Name, "error", err)
			continue
		}
		reg.RegisterToolsFor(manager.Tools(s.Name))
	}

	connector := syncengine.NewConnector(manager, reg)
	syncCfg := syncengine.DefaultConfig()
	syncCfg.InstanceID = cfg.InstanceID
	syncCfg.PollInterval = cfg.SyncPollInterval
	syncCfg.CleanupInterval = cfg.SyncCleanupInterval
	syncCfg.EventRetention = time.Duration(cfg.SyncEventRetentionHours) * time.Hour
	engine := syncengine.New(syncCfg, syncEvents, repo, connector, logger)
	server.SetSyncEngine(engine)

	engineCtx, cancelEngine := context.WithCancel(ctx)
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(engineCtx) }()

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Start() }()

	logger.Info("mcprouter ready", "port", cfg.Port, "instance_id", engine.InstanceID())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveDone:
		if err != nil {
			logger.Error("http server exited", "error", err)
		}
	case err := <-engineDone:
		if err != nil {
			logger.Error("sync engine exited", "error", err)
		}
	}

	cancelEngine()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("http shutdown error", "error", err)
	}

	manager.DisconnectAll()

	if audit != nil {
		audit.Shutdown(shutdownCtx)
	}
	if events != nil {
		events.Shutdown(shutdownCtx)
	}

	logger.Info("goodbye")
	return 0
}
