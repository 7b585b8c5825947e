// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/earshot-sync/earshot/internal/domain"
)

// ErrVersionConflict is returned by Append when the stream's head version no
// longer matches the caller's expectation. The dispatcher reloads and retries.
var ErrVersionConflict = errors.New("eventlog: version conflict")

// AnyVersion disables the concurrency check on Append.
const AnyVersion int64 = -1

// Store is the append-only event log.
type Store interface {
	// Append writes payloads as consecutive events on streamID. When
	// expectedVersion is not AnyVersion it must equal the stream's current
	// head, otherwise ErrVersionConflict. The stored events, complete with
	// versions and positions, come back in order.
	Append(ctx context.Context, streamID string, expectedVersion int64, payloads []domain.Payload, infos *domain.EventInfos) ([]domain.Event, error)

	// ReadStream returns streamID's events with Version > fromVersion, in
	// version order.
	ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]domain.Event, error)

	// ReadAll returns up to limit events with Position > fromPosition across
	// all streams, in position order.
	ReadAll(ctx context.Context, fromPosition int64, limit int) ([]domain.Event, error)

	// Head returns the highest assigned position, 0 for an empty log.
	Head(ctx context.Context) (int64, error)

	// LastCheckpoint returns streamID's newest UserCheckpoint event, or nil.
	LastCheckpoint(ctx context.Context, streamID string) (*domain.Event, error)

	// Prune deletes streamID's events with Version < beforeVersion that are
	// older than olderThan, and returns how many went. Callers pass the
	// latest checkpoint's version, which keeps the checkpoint and everything
	// after it untouched. This is the only deletion path into the log.
	Prune(ctx context.Context, streamID string, beforeVersion int64, olderThan time.Time) (int64, error)

	// StreamsWithEventsBefore lists up to limit stream IDs that still hold
	// events older than cutoff. The compaction worker feeds on this.
	StreamsWithEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// ProjectorOffsets tracks each projector's last processed global position.
// Durable implementations persist the offset transactionally with the
// projector's row changes.
type ProjectorOffsets interface {
	ProjectorPosition(ctx context.Context, name string) (int64, error)
	SetProjectorPosition(ctx context.Context, name string, position int64) error
}
