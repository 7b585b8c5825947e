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

// UserPrivacy maintains the privacy override table. The public_events and
// popularity projectors apply the same upsert before consulting the table,
// so each of them always sees privacy folded up to its own position.
//
// Three writers with independent checkpoints means a lagging projector can
// transiently rewrite a row the others already advanced past. The upsert is
// last-write-wins on identical source events, so the table converges once
// every writer passes the PrivacyChanged position; until then a public read
// may briefly see the older level.
type UserPrivacy struct{}

func (UserPrivacy) Name() string { return "user_privacy" }

func (UserPrivacy) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.PrivacyChanged:
		return upsertPrivacy(ctx, tx, ev.StreamID, p)
	case *domain.EventsRemoved:
		switch {
		case p.Item != "":
			_, err := tx.ExecContext(ctx,
				`DELETE FROM user_privacy WHERE user_id = ? AND scope = 'item' AND item = ?`,
				ev.StreamID, p.Item)
			return err
		case p.Feed != "":
			_, err := tx.ExecContext(ctx,
				`DELETE FROM user_privacy WHERE user_id = ? AND scope = 'feed' AND feed = ?`,
				ev.StreamID, p.Feed)
			return err
		}
	}
	return nil
}

// upsertPrivacy writes one override row. Scope determines the key columns:
// global rows key on empty feed and item, feed rows on the feed, item rows on
// the item.
func upsertPrivacy(ctx context.Context, tx *sql.Tx, userID string, p *domain.PrivacyChanged) error {
	feed, item := "", ""
	switch p.Scope {
	case domain.ScopeFeed:
		feed = p.Feed
	case domain.ScopeItem:
		item = p.Item
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO user_privacy (user_id, scope, feed, item, level)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, scope, feed, item) DO UPDATE SET level = excluded.level`,
		userID, string(p.Scope), feed, item, string(p.Level))
	return err
}
