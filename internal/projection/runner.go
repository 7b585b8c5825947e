// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package projection derives the query-side tables from the event log. Each
// projector is driven by its own runner: batches are read from the log past
// the projector's durable checkpoint and folded into read-model rows inside
// one transaction per batch, checkpoint included. Everything is keyed upserts
// and deletes, so replaying a batch after a crash lands on the same rows.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/earshot-sync/earshot/internal/bus"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/eventlog"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/metrics"
)

// Projector folds events into read-model rows. Handle runs inside the
// runner's batch transaction and must stay idempotent under redelivery.
type Projector interface {
	Name() string
	Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error
}

// logStore is what a runner needs from the event log.
type logStore interface {
	eventlog.Store
	eventlog.ProjectorOffsets
}

// RunnerConfig tunes one projection runner.
type RunnerConfig struct {
	// BatchSize caps events per transaction. Default 500.
	BatchSize int
	// PollInterval is the catch-up tick when no wakeups arrive. Default 2s.
	PollInterval time.Duration
	// MaxBackoff caps the exponential retry delay. Default 30s.
	MaxBackoff time.Duration
	// HaltAfter is the consecutive-failure count that marks the head batch
	// poisoned and stops the runner. Default 10.
	HaltAfter uint32
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HaltAfter == 0 {
		c.HaltAfter = 10
	}
	return c
}

// ErrHalted is returned by Serve when the runner stops on a poison batch.
// The supervisor logs it and leaves the projector down; the write path is
// unaffected.
var ErrHalted = errors.New("projection: halted on poison position")

// Runner drives one projector against the log.
type Runner struct {
	projector Projector
	log       logStore
	conn      *sql.DB
	wakeups   *bus.Bus
	cfg       RunnerConfig
	breaker   *gobreaker.CircuitBreaker[int64]
	now       func() time.Time
}

// NewRunner wires a runner. wakeups may be nil; the poll ticker then carries
// the whole load.
func NewRunner(p Projector, log logStore, conn *sql.DB, wakeups *bus.Bus, cfg RunnerConfig) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		projector: p,
		log:       log,
		conn:      conn,
		wakeups:   wakeups,
		cfg:       cfg,
		breaker: gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
			Name:    "projector-" + p.Name(),
			Timeout: cfg.PollInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Serve runs until ctx is done or the head batch is poisoned. It satisfies
// the supervisor's service contract.
func (r *Runner) Serve(ctx context.Context) error {
	name := r.projector.Name()
	log := logging.With().Str("projector", name).Logger()
	log.Info().Msg("PROJECTION: Runner starting")

	var notices <-chan struct{}
	if r.wakeups != nil {
		ch, err := r.wakeups.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("projection: subscribe %s: %w", name, err)
		}
		wake := make(chan struct{}, 1)
		go func() {
			for msg := range ch {
				msg.Ack()
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}()
		notices = wake
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var failures uint32
	for {
		processed, err := r.breaker.Execute(func() (int64, error) {
			return r.runBatch(ctx)
		})
		switch {
		case err == nil:
			failures = 0
			metrics.ProjectorBatches.WithLabelValues(name, "ok").Inc()
			if processed > 0 {
				// Drain the backlog before sleeping.
				continue
			}
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return ctx.Err()
		case errors.Is(err, gobreaker.ErrOpenState):
			// Breaker cooling off; wait for its timeout via the ticker.
		default:
			failures++
			metrics.ProjectorBatches.WithLabelValues(name, "error").Inc()
			log.Error().Err(err).Uint32("consecutive_failures", failures).
				Msg("PROJECTION: Batch failed")
			if failures >= r.cfg.HaltAfter {
				metrics.ProjectorHalted.WithLabelValues(name).Set(1)
				log.Error().Msg("PROJECTION: Halting on poison position")
				return ErrHalted
			}
			if !r.sleep(ctx, backoff(failures, r.cfg.MaxBackoff)) {
				return ctx.Err()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notices:
		case <-ticker.C:
		}
	}
}

// runBatch folds one batch and returns how many events it processed.
func (r *Runner) runBatch(ctx context.Context) (int64, error) {
	name := r.projector.Name()
	from, err := r.log.ProjectorPosition(ctx, name)
	if err != nil {
		return 0, err
	}
	events, err := r.log.ReadAll(ctx, from, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	r.observeLag(ctx, name, from)
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("projection: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range events {
		if err := r.projector.Handle(ctx, tx, ev); err != nil {
			return 0, fmt.Errorf("projection: %s at position %d: %w", name, ev.Position, err)
		}
	}
	last := events[len(events)-1].Position
	if err := eventlog.SaveProjectorPositionTx(ctx, tx, name, last, r.now()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("projection: commit batch: %w", err)
	}

	logging.Trace().Str("projector", name).
		Int("events", len(events)).Int64("position", last).
		Msg("PROJECTION: Batch applied")
	return int64(len(events)), nil
}

func (r *Runner) observeLag(ctx context.Context, name string, from int64) {
	head, err := r.log.Head(ctx)
	if err != nil {
		return
	}
	metrics.ProjectorLag.WithLabelValues(name).Set(float64(head - from))
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoff(failures uint32, limit time.Duration) time.Duration {
	d := 100 * time.Millisecond
	for i := uint32(1); i < failures && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}
