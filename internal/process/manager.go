// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package process reacts to events with follow-up commands. The default
// collection manager is the one process here: every subscription guarantees
// the user a default "All Subscriptions" collection containing the feed.
package process

import (
	"context"
	"fmt"
	"time"

	"github.com/earshot-sync/earshot/internal/bus"
	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/eventlog"
	"github.com/earshot-sync/earshot/internal/logging"
)

// checkpointName is the durable offset row for this process.
const checkpointName = "process_default_collection"

// Commander dispatches follow-up commands. Satisfied by *dispatch.Dispatcher.
type Commander interface {
	Dispatch(ctx context.Context, cmd domain.Command) (dispatch.Result, error)
}

// logStore is what the manager needs from the event log.
type logStore interface {
	eventlog.Store
	eventlog.ProjectorOffsets
}

// Config tunes the manager loop.
type Config struct {
	// BatchSize caps events per offset save. Default 100.
	BatchSize int
	// PollInterval is the catch-up tick when no wakeups arrive. Default 2s.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// Manager is the default-collection process manager.
//
// Its offset is saved after each batch, so a crash replays commands. Both
// follow-ups are idempotent: creation uses the deterministic collection ID
// and swallows DefaultCollectionExists, and adding an existing member emits
// nothing.
type Manager struct {
	log       logStore
	commander Commander
	wakeups   *bus.Bus
	cfg       Config
}

// New wires a manager. wakeups may be nil; polling then carries the load.
func New(log logStore, commander Commander, wakeups *bus.Bus, cfg Config) *Manager {
	return &Manager{log: log, commander: commander, wakeups: wakeups, cfg: cfg.withDefaults()}
}

// Serve runs until ctx is done. It satisfies the supervisor's service
// contract.
func (m *Manager) Serve(ctx context.Context) error {
	logging.Info().Msg("PROCESS: Default-collection manager starting")

	var notices <-chan struct{}
	if m.wakeups != nil {
		ch, err := m.wakeups.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("process: subscribe: %w", err)
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

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed, err := m.runBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Error().Err(err).Msg("PROCESS: Batch failed")
		} else if processed > 0 {
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

// runBatch handles one batch of events past the durable offset.
func (m *Manager) runBatch(ctx context.Context) (int, error) {
	from, err := m.log.ProjectorPosition(ctx, checkpointName)
	if err != nil {
		return 0, err
	}
	events, err := m.log.ReadAll(ctx, from, m.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	for _, ev := range events {
		if ev.EventKind != domain.KindUserSubscribed {
			continue
		}
		sub, ok := ev.Payload.(*domain.UserSubscribed)
		if !ok {
			continue
		}
		if err := m.ensureDefaultCollection(ctx, ev.StreamID, sub.Feed); err != nil {
			return 0, err
		}
	}

	last := events[len(events)-1].Position
	if err := m.log.SetProjectorPosition(ctx, checkpointName, last); err != nil {
		return 0, err
	}
	return len(events), nil
}

// ensureDefaultCollection issues the create-then-add command pair.
func (m *Manager) ensureDefaultCollection(ctx context.Context, userID, feed string) error {
	meta := domain.Meta{UserID: userID}
	collectionID := domain.DefaultCollectionID(userID)

	_, err := m.commander.Dispatch(ctx, &domain.CreateCollection{
		Meta:         meta,
		CollectionID: collectionID,
		Title:        domain.DefaultCollectionTitle,
		IsDefault:    true,
	})
	switch {
	case err == nil:
		logging.Debug().Str("stream_id", userID).Msg("PROCESS: Default collection created")
	case domain.IsDomainError(err, domain.ErrDefaultCollectionExists):
		// Expected on every subscription after the first.
	case domain.IsDomainError(err, domain.ErrDuplicateSlug):
		// The user already owns a collection with this title; adding the
		// feed to a fresh default would never succeed, so skip the user.
		logging.Warn().Str("stream_id", userID).
			Msg("PROCESS: Default collection title taken, skipping")
		return nil
	default:
		return fmt.Errorf("process: create default collection for %s: %w", userID, err)
	}

	_, err = m.commander.Dispatch(ctx, &domain.AddFeedToCollection{
		Meta:         meta,
		CollectionID: collectionID,
		Feed:         feed,
	})
	switch {
	case err == nil:
		return nil
	case domain.IsDomainError(err, domain.ErrFeedNotSubscribed):
		// The user unsubscribed again before this batch caught up.
		logging.Debug().Str("stream_id", userID).Str("feed", feed).
			Msg("PROCESS: Feed no longer subscribed, skipping add")
		return nil
	default:
		return fmt.Errorf("process: add %s to default collection of %s: %w", feed, userID, err)
	}
}
