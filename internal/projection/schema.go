// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package projection

import (
	"database/sql"
	"fmt"
)

// readModelSchema creates every read-model table. All statements are
// idempotent; schema changes ship as new statements appended here.
var readModelSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		user_id VARCHAR NOT NULL,
		feed VARCHAR NOT NULL,
		source_id VARCHAR,
		subscribed_at TIMESTAMP,
		unsubscribed_at TIMESTAMP,
		active BOOLEAN NOT NULL,
		PRIMARY KEY (user_id, feed)
	)`,
	`CREATE TABLE IF NOT EXISTS play_statuses (
		user_id VARCHAR NOT NULL,
		feed VARCHAR NOT NULL,
		item VARCHAR NOT NULL,
		position INTEGER NOT NULL,
		played BOOLEAN NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, feed, item)
	)`,
	`CREATE TABLE IF NOT EXISTS playlists (
		user_id VARCHAR NOT NULL,
		playlist_id VARCHAR NOT NULL,
		name VARCHAR NOT NULL,
		description VARCHAR,
		is_public BOOLEAN NOT NULL DEFAULT false,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, playlist_id)
	)`,
	`CREATE TABLE IF NOT EXISTS playlist_items (
		user_id VARCHAR NOT NULL,
		playlist_id VARCHAR NOT NULL,
		feed VARCHAR NOT NULL,
		item VARCHAR NOT NULL,
		item_title VARCHAR,
		feed_title VARCHAR,
		position INTEGER NOT NULL,
		PRIMARY KEY (user_id, playlist_id, feed, item)
	)`,
	`CREATE TABLE IF NOT EXISTS user_privacy (
		user_id VARCHAR NOT NULL,
		scope VARCHAR NOT NULL,
		feed VARCHAR NOT NULL DEFAULT '',
		item VARCHAR NOT NULL DEFAULT '',
		level VARCHAR NOT NULL,
		PRIMARY KEY (user_id, scope, feed, item)
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		user_id VARCHAR NOT NULL,
		collection_id VARCHAR NOT NULL,
		title VARCHAR NOT NULL,
		slug VARCHAR NOT NULL,
		description VARCHAR,
		color VARCHAR,
		is_default BOOLEAN NOT NULL DEFAULT false,
		is_public BOOLEAN NOT NULL DEFAULT false,
		PRIMARY KEY (user_id, collection_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_subscriptions (
		user_id VARCHAR NOT NULL,
		collection_id VARCHAR NOT NULL,
		feed VARCHAR NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (user_id, collection_id, feed)
	)`,
	`CREATE TABLE IF NOT EXISTS public_events (
		position BIGINT PRIMARY KEY,
		user_id VARCHAR NOT NULL,
		event_kind VARCHAR NOT NULL,
		feed VARCHAR NOT NULL,
		item VARCHAR NOT NULL DEFAULT '',
		occurred_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS podcast_popularity (
		feed VARCHAR PRIMARY KEY,
		score BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episode_popularity (
		feed VARCHAR NOT NULL,
		item VARCHAR NOT NULL,
		score BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (feed, item)
	)`,
}

// InitSchema creates the read-model tables on conn.
func InitSchema(conn *sql.DB) error {
	for _, q := range readModelSchema {
		if _, err := conn.Exec(q); err != nil {
			return fmt.Errorf("projection: init schema: %w", err)
		}
	}
	return nil
}

// effectivePrivacySQL checks that the owner of the aliased events row e has
// an effective level of public for the row's feed/item. Precedence is
// item > feed > global with a private default, matching Privacy.Effective.
const effectivePrivacySQL = `COALESCE(
	(SELECT level FROM user_privacy up WHERE up.user_id = e.stream_id AND up.scope = 'item'
		AND up.item = json_extract_string(e.payload, '$.item')),
	(SELECT level FROM user_privacy up WHERE up.user_id = e.stream_id AND up.scope = 'feed'
		AND up.feed = json_extract_string(e.payload, '$.feed')),
	(SELECT level FROM user_privacy up WHERE up.user_id = e.stream_id AND up.scope = 'global'),
	'private') = 'public'`
