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

// Playlists maintains the playlist and playlist_items tables. Deleted
// playlists drop their rows outright; the tombstones live in the aggregate.
type Playlists struct{}

func (Playlists) Name() string { return "playlists" }

//nolint:gocyclo // exhaustive event switch mirroring the aggregate fold
func (Playlists) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.PlaylistCreated:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO playlists (user_id, playlist_id, name, description, is_public, updated_at)
			 VALUES (?, ?, ?, ?, false, ?)
			 ON CONFLICT (user_id, playlist_id) DO NOTHING`,
			ev.StreamID, p.PlaylistID, p.Name, p.Description, ev.Timestamp)
		return err

	case *domain.EpisodeSaved:
		id, err := playlistIDByName(ctx, tx, ev.StreamID, p.Playlist)
		if err != nil {
			return err
		}
		if id == "" {
			// Implicit creation keyed by name, as in the aggregate.
			id = p.Playlist
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO playlists (user_id, playlist_id, name, description, is_public, updated_at)
				 VALUES (?, ?, ?, '', false, ?)
				 ON CONFLICT (user_id, playlist_id) DO NOTHING`,
				ev.StreamID, id, p.Playlist, ev.Timestamp); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO playlist_items (user_id, playlist_id, feed, item, item_title, feed_title, position)
			 VALUES (?, ?, ?, ?, ?, ?,
				(SELECT COUNT(*) FROM playlist_items WHERE user_id = ? AND playlist_id = ?))
			 ON CONFLICT (user_id, playlist_id, feed, item) DO NOTHING`,
			ev.StreamID, id, p.Feed, p.Item, p.ItemTitle, p.FeedTitle,
			ev.StreamID, id); err != nil {
			return err
		}
		return touchPlaylist(ctx, tx, ev.StreamID, id, ev)

	case *domain.EpisodeUnsaved:
		id, err := playlistIDByName(ctx, tx, ev.StreamID, p.Playlist)
		if err != nil || id == "" {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM playlist_items
			 WHERE user_id = ? AND playlist_id = ? AND feed = ? AND item = ?`,
			ev.StreamID, id, p.Feed, p.Item); err != nil {
			return err
		}
		if err := reindexPlaylist(ctx, tx, ev.StreamID, id); err != nil {
			return err
		}
		return touchPlaylist(ctx, tx, ev.StreamID, id, ev)

	case *domain.PlaylistUpdated:
		_, err := tx.ExecContext(ctx,
			`UPDATE playlists SET
				name = COALESCE(?, name),
				description = COALESCE(?, description),
				updated_at = ?
			 WHERE user_id = ? AND playlist_id = ?`,
			p.Name, p.Description, ev.Timestamp, ev.StreamID, p.PlaylistID)
		return err

	case *domain.PlaylistDeleted:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM playlist_items WHERE user_id = ? AND playlist_id = ?`,
			ev.StreamID, p.PlaylistID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM playlists WHERE user_id = ? AND playlist_id = ?`,
			ev.StreamID, p.PlaylistID)
		return err

	case *domain.PlaylistReordered:
		// The event carries the complete ordering; anything unlisted goes.
		if _, err := tx.ExecContext(ctx,
			`UPDATE playlist_items SET position = -1
			 WHERE user_id = ? AND playlist_id = ?`,
			ev.StreamID, p.PlaylistID); err != nil {
			return err
		}
		for i, ref := range p.Items {
			if _, err := tx.ExecContext(ctx,
				`UPDATE playlist_items SET position = ?
				 WHERE user_id = ? AND playlist_id = ? AND feed = ? AND item = ? AND position = -1`,
				i, ev.StreamID, p.PlaylistID, ref.Feed, ref.Item); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM playlist_items
			 WHERE user_id = ? AND playlist_id = ? AND position = -1`,
			ev.StreamID, p.PlaylistID); err != nil {
			return err
		}
		return touchPlaylist(ctx, tx, ev.StreamID, p.PlaylistID, ev)

	case *domain.PlaylistVisibilityChanged:
		_, err := tx.ExecContext(ctx,
			`UPDATE playlists SET is_public = ?, updated_at = ?
			 WHERE user_id = ? AND playlist_id = ?`,
			p.IsPublic, ev.Timestamp, ev.StreamID, p.PlaylistID)
		return err

	case *domain.UserCheckpoint:
		for _, q := range []string{
			`DELETE FROM playlist_items WHERE user_id = ?`,
			`DELETE FROM playlists WHERE user_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, ev.StreamID); err != nil {
				return err
			}
		}
		for _, pl := range p.Playlists {
			if pl.Deleted {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO playlists (user_id, playlist_id, name, description, is_public, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				ev.StreamID, pl.ID, pl.Name, pl.Description, pl.IsPublic, pl.UpdatedAt); err != nil {
				return err
			}
			for _, it := range pl.Items {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO playlist_items (user_id, playlist_id, feed, item, item_title, feed_title, position)
					 VALUES (?, ?, ?, ?, ?, ?, ?)`,
					ev.StreamID, pl.ID, it.Feed, it.Item, it.ItemTitle, it.FeedTitle, it.Position); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return nil
}

// playlistIDByName resolves a live playlist by display name, "" when absent.
func playlistIDByName(ctx context.Context, tx *sql.Tx, userID, name string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx,
		`SELECT playlist_id FROM playlists WHERE user_id = ? AND name = ? LIMIT 1`,
		userID, name).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// reindexPlaylist closes position gaps after a removal.
func reindexPlaylist(ctx context.Context, tx *sql.Tx, userID, playlistID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE playlist_items SET position = ranked.rn
		 FROM (SELECT feed, item, row_number() OVER (ORDER BY position) - 1 AS rn
		       FROM playlist_items WHERE user_id = ? AND playlist_id = ?) ranked
		 WHERE playlist_items.user_id = ? AND playlist_items.playlist_id = ?
		   AND playlist_items.feed = ranked.feed AND playlist_items.item = ranked.item`,
		userID, playlistID, userID, playlistID)
	return err
}

func touchPlaylist(ctx context.Context, tx *sql.Tx, userID, playlistID string, ev domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE playlists SET updated_at = ? WHERE user_id = ? AND playlist_id = ?`,
		ev.Timestamp, userID, playlistID)
	return err
}
