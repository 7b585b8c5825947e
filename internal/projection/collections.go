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

// Collections maintains the collections and collection_subscriptions tables.
type Collections struct{}

func (Collections) Name() string { return "collections" }

//nolint:gocyclo // exhaustive event switch mirroring the aggregate fold
func (Collections) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.CollectionCreated:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO collections (user_id, collection_id, title, slug, description, color, is_default, is_public)
			 VALUES (?, ?, ?, ?, ?, ?, ?, false)
			 ON CONFLICT (user_id, collection_id) DO NOTHING`,
			ev.StreamID, p.CollectionID, p.Title, domain.Slugify(p.Title),
			p.Description, p.Color, p.IsDefault)
		return err

	case *domain.CollectionUpdated:
		if p.Title != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE collections SET title = ?, slug = ?
				 WHERE user_id = ? AND collection_id = ?`,
				*p.Title, domain.Slugify(*p.Title), ev.StreamID, p.CollectionID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE collections SET
				description = COALESCE(?, description),
				color = COALESCE(?, color)
			 WHERE user_id = ? AND collection_id = ?`,
			p.Description, p.Color, ev.StreamID, p.CollectionID)
		return err

	case *domain.CollectionDeleted:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM collection_subscriptions WHERE user_id = ? AND collection_id = ?`,
			ev.StreamID, p.CollectionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM collections WHERE user_id = ? AND collection_id = ?`,
			ev.StreamID, p.CollectionID)
		return err

	case *domain.CollectionVisibilityChanged:
		_, err := tx.ExecContext(ctx,
			`UPDATE collections SET is_public = ? WHERE user_id = ? AND collection_id = ?`,
			p.IsPublic, ev.StreamID, p.CollectionID)
		return err

	case *domain.FeedAddedToCollection:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO collection_subscriptions (user_id, collection_id, feed, position)
			 VALUES (?, ?, ?,
				(SELECT COUNT(*) FROM collection_subscriptions WHERE user_id = ? AND collection_id = ?))
			 ON CONFLICT (user_id, collection_id, feed) DO NOTHING`,
			ev.StreamID, p.CollectionID, p.Feed, ev.StreamID, p.CollectionID)
		return err

	case *domain.FeedRemovedFromCollection:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM collection_subscriptions
			 WHERE user_id = ? AND collection_id = ? AND feed = ?`,
			ev.StreamID, p.CollectionID, p.Feed); err != nil {
			return err
		}
		return reindexCollection(ctx, tx, ev.StreamID, p.CollectionID)

	case *domain.CollectionFeedReordered:
		// FeedOrder is the authoritative order for current members.
		for i, feed := range p.FeedOrder {
			if _, err := tx.ExecContext(ctx,
				`UPDATE collection_subscriptions SET position = ?
				 WHERE user_id = ? AND collection_id = ? AND feed = ?`,
				i, ev.StreamID, p.CollectionID, feed); err != nil {
				return err
			}
		}
		return nil

	case *domain.UserCheckpoint:
		for _, q := range []string{
			`DELETE FROM collection_subscriptions WHERE user_id = ?`,
			`DELETE FROM collections WHERE user_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, ev.StreamID); err != nil {
				return err
			}
		}
		for _, c := range p.Collections {
			if c.Deleted {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO collections (user_id, collection_id, title, slug, description, color, is_default, is_public)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.StreamID, c.ID, c.Title, c.Slug, c.Description, c.Color, c.IsDefault, c.IsPublic); err != nil {
				return err
			}
			for i, feed := range c.FeedOrder {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO collection_subscriptions (user_id, collection_id, feed, position)
					 VALUES (?, ?, ?, ?)`,
					ev.StreamID, c.ID, feed, i); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

// reindexCollection closes position gaps after a removal.
func reindexCollection(ctx context.Context, tx *sql.Tx, userID, collectionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE collection_subscriptions SET position = ranked.rn
		 FROM (SELECT feed, row_number() OVER (ORDER BY position) - 1 AS rn
		       FROM collection_subscriptions WHERE user_id = ? AND collection_id = ?) ranked
		 WHERE collection_subscriptions.user_id = ? AND collection_subscriptions.collection_id = ?
		   AND collection_subscriptions.feed = ranked.feed`,
		userID, collectionID, userID, collectionID)
	return err
}
