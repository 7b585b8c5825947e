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

// Subscriptions maintains the per-user subscription table.
type Subscriptions struct{}

func (Subscriptions) Name() string { return "subscriptions" }

func (Subscriptions) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.UserSubscribed:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (user_id, feed, source_id, subscribed_at, unsubscribed_at, active)
			 VALUES (?, ?, ?, ?, NULL, true)
			 ON CONFLICT (user_id, feed) DO UPDATE SET
				source_id = excluded.source_id,
				subscribed_at = excluded.subscribed_at,
				active = excluded.subscribed_at > COALESCE(subscriptions.unsubscribed_at, '1970-01-01'::TIMESTAMP)`,
			ev.StreamID, p.Feed, p.SourceID, p.SubscribedAt)
		return err

	case *domain.UserUnsubscribed:
		// Unsubscribing a feed the table has never seen folds to nothing.
		_, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET unsubscribed_at = ?, active = subscribed_at > ?,
				source_id = CASE WHEN ? <> '' THEN ? ELSE source_id END
			 WHERE user_id = ? AND feed = ?`,
			p.UnsubscribedAt, p.UnsubscribedAt, p.SourceID, p.SourceID, ev.StreamID, p.Feed)
		return err

	case *domain.UserCheckpoint:
		// The checkpoint is the authoritative fold; replacing the user's rows
		// also propagates the cleanup filters that dropped stale entries.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE user_id = ?`, ev.StreamID); err != nil {
			return err
		}
		for _, sub := range p.Subscriptions {
			var unsubAt any
			if sub.UnsubscribedAt != nil {
				unsubAt = *sub.UnsubscribedAt
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO subscriptions (user_id, feed, source_id, subscribed_at, unsubscribed_at, active)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				ev.StreamID, sub.Feed, sub.SourceID, sub.SubscribedAt, unsubAt, sub.Active()); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}
