package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/crewflow/internal/events"
	"github.com/animus-labs/crewflow/internal/platform/httpserver"
	"github.com/animus-labs/crewflow/internal/platform/objectstore"
	platformpg "github.com/animus-labs/crewflow/internal/platform/postgres"
	"github.com/animus-labs/crewflow/internal/repo/postgres"
	"github.com/animus-labs/crewflow/internal/service/recompute"
	"github.com/animus-labs/crewflow/internal/service/sweep"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv("crewflowd")
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	dbCfg, err := platformpg.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	recomputeCfg, err := recompute.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid recompute config", "error", err)
		os.Exit(2)
	}
	sweepCfg, err := sweep.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sweep config", "error", err)
		os.Exit(2)
	}

	sqlDB, err := platformpg.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	db, err := postgres.NewDatabase(sqlDB, dbCfg)
	if err != nil {
		logger.Error("database init failed", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	minioClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(1)
	}
	if err := objectstore.EnsureBuckets(ctx, minioClient, storeCfg); err != nil {
		logger.Error("object store bucket init failed", "error", err)
		os.Exit(1)
	}
	snapshots, err := objectstore.NewSnapshotStore(minioClient, storeCfg)
	if err != nil {
		logger.Error("snapshot store init failed", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	bus.Subscribe(events.LogSubscriber(logger))

	recompute.Start(ctx, recompute.New(db, snapshots, bus, logger, recomputeCfg), recomputeCfg)
	sweep.Start(ctx, sweep.New(db, logger, sweepCfg), sweepCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("crewflowd"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"crewflowd",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.Ping(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "object_store",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, minioClient, storeCfg)
				},
			},
		),
	)

	logger.Info("workers configured",
		"recompute_enabled", recomputeCfg.Enabled,
		"recompute_interval", recomputeCfg.Interval.String(),
		"sweep_enabled", sweepCfg.Enabled,
		"sweep_interval", sweepCfg.Interval.String(),
	)

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, "crewflowd", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
