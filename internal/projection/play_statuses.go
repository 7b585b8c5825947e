// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package projection

import (
	"context"
	"database/sql"

	"github.com/earshot-sync/earshot/internal/domain"
)

// PlayStatuses maintains the latest playback row per (user, feed, item).
type PlayStatuses struct{}

func (PlayStatuses) Name() string { return "play_statuses" }

func (PlayStatuses) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.PlayRecorded:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO play_statuses (user_id, feed, item, position, played, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, feed, item) DO UPDATE SET
				position = excluded.position,
				played = excluded.played,
				updated_at = excluded.updated_at`,
			ev.StreamID, p.Feed, p.Item, p.Position, p.Played, p.At)
		return err

	case *domain.PositionUpdated:
		// A bare position change never clears a played flag.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO play_statuses (user_id, feed, item, position, played, updated_at)
			 VALUES (?, ?, ?, ?, false, ?)
			 ON CONFLICT (user_id, feed, item) DO UPDATE SET
				position = excluded.position,
				updated_at = excluded.updated_at`,
			ev.StreamID, p.Feed, p.Item, p.Position, p.At)
		return err

	case *domain.EventsRemoved:
		switch {
		case p.Item != "":
			_, err := tx.ExecContext(ctx,
				`DELETE FROM play_statuses WHERE user_id = ? AND item = ?`,
				ev.StreamID, p.Item)
			return err
		case p.Feed != "":
			_, err := tx.ExecContext(ctx,
				`DELETE FROM play_statuses WHERE user_id = ? AND feed = ?`,
				ev.StreamID, p.Feed)
			return err
		}
		return nil

	case *domain.UserCheckpoint:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM play_statuses WHERE user_id = ?`, ev.StreamID); err != nil {
			return err
		}
		for _, st := range p.PlayStatuses {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO play_statuses (user_id, feed, item, position, played, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				ev.StreamID, st.Feed, st.Item, st.Position, st.Played, st.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}
