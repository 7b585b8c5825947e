// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Command server runs the Earshot sync service: the DuckDB event log and
// read models, the command dispatcher behind a BadgerDB journal, the
// projection pipeline, the default-collection process manager, the
// compaction worker, and the HTTP API, all under one supervision tree.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/earshot-sync/earshot/internal/bus"
	"github.com/earshot-sync/earshot/internal/compaction"
	"github.com/earshot-sync/earshot/internal/config"
	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/eventlog"
	"github.com/earshot-sync/earshot/internal/journal"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/process"
	"github.com/earshot-sync/earshot/internal/projection"
	"github.com/earshot-sync/earshot/internal/server"
	"github.com/earshot-sync/earshot/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("MAIN: Loading configuration failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("level", cfg.Logging.Level).Msg("MAIN: Earshot starting")

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("MAIN: Earshot exited with error")
	}
	logging.Info().Msg("MAIN: Earshot stopped")
}

func run(cfg *config.Config) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := eventlog.NewDuckDB(db)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	if err := projection.InitSchema(db); err != nil {
		return err
	}

	j, err := journal.Open(journal.Config{
		Path:         cfg.Journal.Path,
		SyncWrites:   cfg.Journal.SyncWrites,
		ConfirmedTTL: cfg.Journal.ConfirmedTTL,
		GCInterval:   cfg.Journal.GCInterval,
	})
	if err != nil {
		return err
	}
	defer j.Close()

	notices := bus.New()
	defer notices.Close()

	dispatcher := dispatch.New(store, notices, dispatch.Config{
		QueueSize:           cfg.Dispatch.QueueSize,
		MaxRetries:          cfg.Dispatch.MaxRetries,
		IdleTTL:             cfg.Dispatch.IdleTTL,
		CheckpointRetention: cfg.Compaction.CheckpointRetention(),
	})
	defer dispatcher.Close()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	// Data layer: journal recovery and GC, then compaction.
	tree.AddDataService(supervisor.Named{
		Name: "journal-replayer",
		Service: journal.NewReplayer(j, dispatcher, journal.ReplayerConfig{
			Interval:    cfg.Journal.ReplayEvery,
			MaxAttempts: cfg.Journal.ReplayMaxTry,
		}),
	})
	tree.AddDataService(supervisor.Named{
		Name:    "journal-compactor",
		Service: journal.NewCompactor(j),
	})
	tree.AddDataService(supervisor.Named{
		Name: "compaction-worker",
		Service: compaction.New(store, dispatcher,
			func(ctx context.Context, feeds []string, at time.Time) error {
				return projection.RecomputeFeeds(ctx, db, feeds, at)
			},
			compaction.Config{
				Interval:            cfg.Compaction.Interval,
				CheckpointRetention: cfg.Compaction.CheckpointRetention(),
				PruneRetention:      cfg.Compaction.PruneRetention(),
				DispatchRate:        cfg.Compaction.DispatchRate,
				StreamLimit:         cfg.Compaction.StreamLimit,
			}),
	})

	// Projection layer: every read model plus the process manager.
	runnerCfg := projection.RunnerConfig{
		BatchSize:    cfg.Projection.BatchSize,
		PollInterval: cfg.Projection.PollInterval,
		MaxBackoff:   cfg.Projection.MaxBackoff,
		HaltAfter:    uint32(cfg.Projection.HaltAfter),
	}
	projectors := []projection.Projector{
		projection.Subscriptions{},
		projection.PlayStatuses{},
		projection.Playlists{},
		projection.UserPrivacy{},
		projection.Collections{},
		projection.PublicEvents{},
		projection.Popularity{},
	}
	for _, p := range projectors {
		tree.AddProjectionService(supervisor.Named{
			Name:    "projector-" + p.Name(),
			Service: projection.NewRunner(p, store, db, notices, runnerCfg),
		})
	}
	tree.AddProjectionService(supervisor.Named{
		Name:    "process-default-collection",
		Service: process.New(store, dispatcher, notices, process.Config{}),
	})

	// API layer.
	tree.AddAPIService(supervisor.Named{
		Name:    "http-server",
		Service: server.New(cfg.Server, dispatcher, j, db),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("MAIN: Service ignored shutdown")
		}
	}
	return err
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.Path
	if dsn != "" {
		dsn += "?max_memory=" + cfg.MaxMemory
		if cfg.Threads > 0 {
			dsn += fmt.Sprintf("&threads=%d", cfg.Threads)
		}
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb at %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb at %q: %w", cfg.Path, err)
	}
	return db, nil
}
