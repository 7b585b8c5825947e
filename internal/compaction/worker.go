// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package compaction bounds stream length. A timer worker finds streams that
// still hold old events, dispatches a cleanup Snapshot through the ordinary
// command path, and prunes everything the resulting checkpoint covers. The
// Prune API is the only deletion path into the log.
package compaction

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/eventlog"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/metrics"
)

// Commander dispatches the Snapshot commands. Satisfied by
// *dispatch.Dispatcher.
type Commander interface {
	Dispatch(ctx context.Context, cmd domain.Command) (dispatch.Result, error)
}

// PopularityRecomputer rebuilds popularity scores for feeds whose backing
// events were pruned. Nil disables the recompute.
type PopularityRecomputer func(ctx context.Context, feeds []string, at time.Time) error

// Config tunes the worker.
type Config struct {
	// Interval between sweeps. Default 15m.
	Interval time.Duration
	// CheckpointRetention is the event age that makes a stream due for a
	// checkpoint. Default 45 days.
	CheckpointRetention time.Duration
	// PruneRetention is the event age past which pruning applies. Default
	// 31 days.
	PruneRetention time.Duration
	// DispatchRate limits Snapshot commands per second. Default 10.
	DispatchRate float64
	// StreamLimit caps streams per sweep. Default 1000.
	StreamLimit int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = 45 * 24 * time.Hour
	}
	if c.PruneRetention <= 0 {
		c.PruneRetention = 31 * 24 * time.Hour
	}
	if c.DispatchRate <= 0 {
		c.DispatchRate = 10
	}
	if c.StreamLimit <= 0 {
		c.StreamLimit = 1000
	}
	return c
}

// Worker sweeps stale streams.
type Worker struct {
	log       eventlog.Store
	commander Commander
	recompute PopularityRecomputer
	limiter   *rate.Limiter
	cfg       Config
	now       func() time.Time
}

// New wires a worker.
func New(log eventlog.Store, commander Commander, recompute PopularityRecomputer, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		log:       log,
		commander: commander,
		recompute: recompute,
		limiter:   rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Serve sweeps on the configured interval until ctx is done. It satisfies
// the supervisor's service contract.
func (w *Worker) Serve(ctx context.Context) error {
	logging.Info().Dur("interval", w.cfg.Interval).Msg("COMPACTION: Worker starting")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.runOnce(ctx); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("COMPACTION: Sweep failed")
			}
		}
	}
}

// runOnce compacts every stream that still holds old events. Per-stream
// failures are logged and left for the next sweep; the sweep itself only
// fails when the stream listing does.
func (w *Worker) runOnce(ctx context.Context) error {
	now := w.now()
	cutoff := now.Add(-w.cfg.CheckpointRetention)
	streams, err := w.log.StreamsWithEventsBefore(ctx, cutoff, w.cfg.StreamLimit)
	if err != nil {
		return err
	}
	if len(streams) == 0 {
		return nil
	}
	logging.Debug().Int("streams", len(streams)).Msg("COMPACTION: Sweep starting")

	for _, streamID := range streams {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := w.compactStream(ctx, streamID, now); err != nil {
			logging.Warn().Err(err).Str("stream_id", streamID).
				Msg("COMPACTION: Stream skipped, retrying next sweep")
		}
	}
	return nil
}

// compactStream checkpoints one stream and prunes what the checkpoint
// covers. A prune failure after the checkpoint is harmless: the checkpoint
// stands, and the next sweep prunes against it again.
func (w *Worker) compactStream(ctx context.Context, streamID string, now time.Time) error {
	res, err := w.commander.Dispatch(ctx, &domain.Snapshot{
		Meta:             domain.Meta{UserID: streamID},
		CleanupOldEvents: true,
	})
	if err != nil {
		return err
	}
	if len(res.Events) == 0 {
		return nil
	}
	checkpoint := res.Events[len(res.Events)-1]
	metrics.CheckpointsWritten.Inc()

	// Scan the doomed events before deleting them. The checkpoint is no
	// guide here: share-only feeds and cleanup-dropped subscriptions never
	// make it into the fold, yet their pruned events still back scores.
	horizon := now.Add(-w.cfg.PruneRetention)
	var feeds []string
	if w.recompute != nil {
		events, err := w.log.ReadStream(ctx, streamID, 0)
		if err != nil {
			return err
		}
		feeds = prunedFeeds(events, checkpoint.Version, horizon)
	}

	pruned, err := w.log.Prune(ctx, streamID, checkpoint.Version, horizon)
	if err != nil {
		return err
	}
	if pruned == 0 {
		return nil
	}
	metrics.EventsPruned.Add(float64(pruned))
	logging.Info().Str("stream_id", streamID).Int64("pruned", pruned).
		Int64("checkpoint_version", checkpoint.Version).
		Msg("COMPACTION: Stream compacted")

	if w.recompute != nil && len(feeds) > 0 {
		if err := w.recompute(ctx, feeds, now); err != nil {
			return err
		}
	}
	return nil
}

// prunedFeeds lists every feed referenced by the events Prune is about to
// delete: everything below the checkpoint version and older than the horizon.
// The scoring queries read subscribe, play, save, share, privacy and
// withdrawal rows, so any of those kinds leaving the log can move a score.
func prunedFeeds(events []domain.Event, beforeVersion int64, olderThan time.Time) []string {
	seen := make(map[string]struct{})
	add := func(feed string) {
		if feed != "" {
			seen[feed] = struct{}{}
		}
	}
	for _, ev := range events {
		if ev.Version >= beforeVersion || !ev.Timestamp.Before(olderThan) {
			continue
		}
		switch p := ev.Payload.(type) {
		case *domain.UserSubscribed:
			add(p.Feed)
		case *domain.UserUnsubscribed:
			add(p.Feed)
		case *domain.PlayRecorded:
			add(p.Feed)
		case *domain.PositionUpdated:
			add(p.Feed)
		case *domain.EpisodeSaved:
			add(p.Feed)
		case *domain.EpisodeUnsaved:
			add(p.Feed)
		case *domain.EpisodeShared:
			add(p.Feed)
		case *domain.PrivacyChanged:
			add(p.Feed)
		case *domain.EventsRemoved:
			add(p.Feed)
		}
	}
	feeds := make([]string, 0, len(seen))
	for feed := range seen {
		feeds = append(feeds, feed)
	}
	return feeds
}
