// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/metrics"
)

// Commander re-dispatches journaled commands. Satisfied by
// *dispatch.Dispatcher.
type Commander interface {
	Dispatch(ctx context.Context, cmd domain.Command) (dispatch.Result, error)
}

// ReplayerConfig tunes the retry loop.
type ReplayerConfig struct {
	// Interval between sweeps over pending entries. Default 30s.
	Interval time.Duration
	// MinAge keeps the loop off entries whose original dispatch is likely
	// still in flight. Default 5s.
	MinAge time.Duration
	// MaxAttempts drops an entry after this many failed re-dispatches.
	// Default 20.
	MaxAttempts int
}

func (c ReplayerConfig) withDefaults() ReplayerConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MinAge <= 0 {
		c.MinAge = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	return c
}

// Replayer re-dispatches commands that were admitted but never confirmed,
// so a crash between journal write and dispatcher ack loses nothing.
type Replayer struct {
	journal   *Journal
	commander Commander
	cfg       ReplayerConfig
	now       func() time.Time
}

// NewReplayer wires a retry loop over the journal.
func NewReplayer(j *Journal, commander Commander, cfg ReplayerConfig) *Replayer {
	return &Replayer{
		journal:   j,
		commander: commander,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Serve sweeps pending entries until ctx is done. It runs one sweep
// immediately so restart recovery does not wait out the first interval.
func (r *Replayer) Serve(ctx context.Context) error {
	if n, err := r.runOnce(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("JOURNAL: Startup replay failed")
	} else if n > 0 {
		logging.Info().Int("replayed", n).Msg("JOURNAL: Startup replay complete")
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.runOnce(ctx); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("JOURNAL: Replay sweep failed")
			}
		}
	}
}

// runOnce re-dispatches every pending entry old enough to be a genuine
// orphan and returns how many it confirmed or dropped.
func (r *Replayer) runOnce(ctx context.Context) (int, error) {
	entries, err := r.journal.Pending(ctx)
	if err != nil {
		return 0, err
	}

	settled := 0
	cutoff := r.now().Add(-r.cfg.MinAge)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if entry.CreatedAt.After(cutoff) {
			continue
		}
		if r.replayEntry(ctx, entry) {
			settled++
		}
	}
	return settled, nil
}

// replayEntry re-dispatches one entry and reports whether it was settled
// (confirmed or dropped). Deterministic failures settle the entry: a
// rejection the aggregate will repeat forever is not worth retrying.
func (r *Replayer) replayEntry(ctx context.Context, entry *Entry) bool {
	cmd, err := entry.DecodeCommand()
	if err != nil {
		logging.Error().Err(err).Str("entry_id", entry.ID).Str("command", entry.CommandName).
			Msg("JOURNAL: Dropping undecodable entry")
		r.confirm(ctx, entry.ID)
		return true
	}

	metrics.JournalReplays.Inc()
	_, err = r.commander.Dispatch(ctx, cmd)
	_, rejected := domain.AsDomainError(err)
	switch {
	case err == nil:
		r.confirm(ctx, entry.ID)
		return true
	case rejected:
		logging.Debug().Err(err).Str("entry_id", entry.ID).Str("command", entry.CommandName).
			Msg("JOURNAL: Replay rejected by domain, settling entry")
		r.confirm(ctx, entry.ID)
		return true
	default:
		if entry.Attempts+1 >= r.cfg.MaxAttempts {
			logging.Error().Err(err).Str("entry_id", entry.ID).Str("command", entry.CommandName).
				Int("attempts", entry.Attempts+1).Msg("JOURNAL: Dropping entry after repeated failures")
			r.confirm(ctx, entry.ID)
			return true
		}
		if markErr := r.journal.MarkAttempt(ctx, entry.ID, err); markErr != nil {
			logging.Warn().Err(markErr).Str("entry_id", entry.ID).
				Msg("JOURNAL: Recording attempt failed")
		}
		return false
	}
}

func (r *Replayer) confirm(ctx context.Context, entryID string) {
	if err := r.journal.Confirm(ctx, entryID); err != nil && !errors.Is(err, ErrEntryNotFound) {
		logging.Warn().Err(err).Str("entry_id", entryID).Msg("JOURNAL: Confirm failed")
	}
}

// Compactor periodically runs Badger value-log GC. Confirmed entries expire
// by TTL; GC reclaims the space.
type Compactor struct {
	journal *Journal
}

// NewCompactor wires the GC loop.
func NewCompactor(j *Journal) *Compactor { return &Compactor{journal: j} }

// Serve runs GC on the journal's configured interval until ctx is done.
func (c *Compactor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.journal.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.journal.RunGC()
		}
	}
}
