// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/logging"
)

// eventlogSchema creates the log tables. All columns are declared up front;
// schema changes ship as new statements appended here.
var eventlogSchema = []string{
	`CREATE SEQUENCE IF NOT EXISTS events_position_seq START 1`,
	`CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		position BIGINT NOT NULL DEFAULT nextval('events_position_seq'),
		stream_id VARCHAR NOT NULL,
		version BIGINT NOT NULL,
		event_kind VARCHAR NOT NULL,
		payload JSON NOT NULL,
		event_infos JSON,
		created_at TIMESTAMP NOT NULL,
		UNIQUE (stream_id, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_position ON events (position)`,
	`CREATE INDEX IF NOT EXISTS idx_events_stream_kind ON events (stream_id, event_kind)`,
	`CREATE TABLE IF NOT EXISTS projector_checkpoints (
		projector_name VARCHAR PRIMARY KEY,
		last_position BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// DuckDB is the production Store on a DuckDB database.
//
// Appends serialize on a process-local mutex: DuckDB is embedded and this
// service is the only writer, so the mutex, not the UNIQUE constraint, is the
// ordinary concurrency control. The constraint backstops operator mistakes.
type DuckDB struct {
	conn *sql.DB
	mu   sync.Mutex

	now func() time.Time
}

// NewDuckDB initializes the schema on conn and returns the store.
func NewDuckDB(conn *sql.DB) (*DuckDB, error) {
	if conn == nil {
		return nil, fmt.Errorf("eventlog: database connection required")
	}
	s := &DuckDB{conn: conn, now: func() time.Time { return time.Now().UTC() }}
	for _, q := range eventlogSchema {
		if _, err := conn.Exec(q); err != nil {
			return nil, fmt.Errorf("eventlog: init schema: %w", err)
		}
	}
	return s, nil
}

// Conn exposes the underlying connection so read models can share it.
func (s *DuckDB) Conn() *sql.DB { return s.conn }

// Append implements Store.
func (s *DuckDB) Append(ctx context.Context, streamID string, expectedVersion int64, payloads []domain.Payload, infos *domain.EventInfos) ([]domain.Event, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventlog: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?`, streamID,
	).Scan(&head); err != nil {
		return nil, fmt.Errorf("eventlog: read head of %s: %w", streamID, err)
	}
	if expectedVersion != AnyVersion && head != expectedVersion {
		return nil, fmt.Errorf("%w: stream %s at %d, expected %d",
			ErrVersionConflict, streamID, head, expectedVersion)
	}

	infosJSON, err := domain.EncodeInfos(infos)
	if err != nil {
		return nil, err
	}

	now := s.now()
	events := make([]domain.Event, 0, len(payloads))
	for i, p := range payloads {
		payloadJSON, err := domain.EncodePayload(p)
		if err != nil {
			return nil, err
		}
		ev := domain.Event{
			ID:        uuid.New(),
			StreamID:  streamID,
			Version:   head + int64(i) + 1,
			EventKind: p.Kind(),
			Payload:   p,
			Timestamp: now,
			Infos:     infos,
		}
		var infosArg any
		if infosJSON != nil {
			infosArg = string(infosJSON)
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO events (id, stream_id, version, event_kind, payload, event_infos, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING position`,
			ev.ID.String(), streamID, ev.Version, string(ev.EventKind),
			string(payloadJSON), infosArg, now,
		).Scan(&ev.Position); err != nil {
			return nil, fmt.Errorf("eventlog: insert %s v%d: %w", streamID, ev.Version, err)
		}
		events = append(events, ev)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventlog: commit append: %w", err)
	}

	logging.Trace().
		Str("stream_id", streamID).
		Int("events", len(events)).
		Int64("head", events[len(events)-1].Version).
		Msg("LOG: Appended")
	return events, nil
}

// id, payload and event_infos are cast to VARCHAR: the duckdb driver
// materializes UUID and JSON columns as native Go values, but scanEvents
// wants the textual forms.
const eventColumns = `CAST(id AS VARCHAR) AS id, position, stream_id, version, event_kind, CAST(payload AS VARCHAR) AS payload, CAST(event_infos AS VARCHAR) AS event_infos, created_at`

// ReadStream implements Store.
func (s *DuckDB) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]domain.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_id = ? AND version > ? ORDER BY version`,
		streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read stream %s: %w", streamID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll implements Store.
func (s *DuckDB) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]domain.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE position > ? ORDER BY position LIMIT ?`,
		fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read all from %d: %w", fromPosition, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Head implements Store.
func (s *DuckDB) Head(ctx context.Context) (int64, error) {
	var head int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("eventlog: read head: %w", err)
	}
	return head, nil
}

// LastCheckpoint implements Store.
func (s *DuckDB) LastCheckpoint(ctx context.Context, streamID string) (*domain.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_id = ? AND event_kind = ?
		 ORDER BY version DESC LIMIT 1`,
		streamID, string(domain.KindUserCheckpoint))
	if err != nil {
		return nil, fmt.Errorf("eventlog: read checkpoint of %s: %w", streamID, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// Prune implements Store.
func (s *DuckDB) Prune(ctx context.Context, streamID string, beforeVersion int64, olderThan time.Time) (int64, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM events
		 WHERE stream_id = ? AND version < ? AND created_at < ?`,
		streamID, beforeVersion, olderThan)
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune %s: %w", streamID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune %s rows affected: %w", streamID, err)
	}
	if n > 0 {
		logging.Debug().
			Str("stream_id", streamID).
			Int64("pruned", n).
			Int64("before_version", beforeVersion).
			Msg("LOG: Pruned")
	}
	return n, nil
}

// StreamsWithEventsBefore implements Store.
func (s *DuckDB) StreamsWithEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT stream_id FROM events WHERE created_at < ? LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list stale streams: %w", err)
	}
	defer rows.Close()

	var streams []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("eventlog: scan stale stream: %w", err)
		}
		streams = append(streams, id)
	}
	return streams, rows.Err()
}

// ProjectorPosition implements ProjectorOffsets.
func (s *DuckDB) ProjectorPosition(ctx context.Context, name string) (int64, error) {
	var pos int64
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_position FROM projector_checkpoints WHERE projector_name = ?`,
		name).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: read offset of %s: %w", name, err)
	}
	return pos, nil
}

// SetProjectorPosition implements ProjectorOffsets with its own transaction.
// Read models that write through the same DuckDB use SaveProjectorPositionTx
// inside their row-change transaction instead.
func (s *DuckDB) SetProjectorPosition(ctx context.Context, name string, position int64) error {
	_, err := s.conn.ExecContext(ctx, projectorUpsertSQL, name, position, s.now())
	if err != nil {
		return fmt.Errorf("eventlog: save offset of %s: %w", name, err)
	}
	return nil
}

// SaveProjectorPositionTx saves a projector offset inside tx so the offset
// commits or rolls back together with the projector's row changes.
func SaveProjectorPositionTx(ctx context.Context, tx *sql.Tx, name string, position int64, at time.Time) error {
	if _, err := tx.ExecContext(ctx, projectorUpsertSQL, name, position, at); err != nil {
		return fmt.Errorf("eventlog: save offset of %s: %w", name, err)
	}
	return nil
}

const projectorUpsertSQL = `INSERT INTO projector_checkpoints (projector_name, last_position, updated_at)
 VALUES (?, ?, ?)
 ON CONFLICT (projector_name) DO UPDATE SET last_position = excluded.last_position, updated_at = excluded.updated_at`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var (
			idStr     string
			kindStr   string
			payload   string
			infosJSON sql.NullString
			ev        domain.Event
		)
		if err := rows.Scan(&idStr, &ev.Position, &ev.StreamID, &ev.Version,
			&kindStr, &payload, &infosJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("eventlog: parse event id %q: %w", idStr, err)
		}
		ev.ID = id
		ev.EventKind = domain.EventKind(kindStr)
		if ev.Payload, err = domain.DecodePayload(ev.EventKind, []byte(payload)); err != nil {
			return nil, err
		}
		if infosJSON.Valid {
			if ev.Infos, err = domain.DecodeInfos([]byte(infosJSON.String)); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
