// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/earshot-sync/earshot/internal/domain"
)

// Popularity scoring weights per activity kind.
const (
	WeightSubscribe = 10
	WeightPlay      = 5
	WeightSave      = 3
	WeightShare     = 2
)

// feedScoreSQL sums a feed's weighted public activity from the log.
var feedScoreSQL = fmt.Sprintf(`SELECT COALESCE(SUM(CASE e.event_kind
	WHEN 'UserSubscribed' THEN %d
	WHEN 'PlayRecorded' THEN %d
	WHEN 'EpisodeSaved' THEN %d
	WHEN 'EpisodeShared' THEN %d
	ELSE 0 END), 0)
 FROM events e
 WHERE json_extract_string(e.payload, '$.feed') = ?
   AND e.event_kind IN `+publicKindsSQL+`
   AND `+effectivePrivacySQL+`
   AND `+notWithdrawnSQL,
	WeightSubscribe, WeightPlay, WeightSave, WeightShare)

// episodeScoresSQL groups a feed's weighted public activity per episode.
var episodeScoresSQL = fmt.Sprintf(`SELECT json_extract_string(e.payload, '$.feed'),
	json_extract_string(e.payload, '$.item'),
	SUM(CASE e.event_kind
		WHEN 'PlayRecorded' THEN %d
		WHEN 'EpisodeSaved' THEN %d
		WHEN 'EpisodeShared' THEN %d
		ELSE 0 END)
 FROM events e
 WHERE json_extract_string(e.payload, '$.feed') = ?
   AND e.event_kind IN ('PlayRecorded', 'EpisodeSaved', 'EpisodeShared')
   AND `+effectivePrivacySQL+`
   AND `+notWithdrawnSQL+`
 GROUP BY 1, 2`,
	WeightPlay, WeightSave, WeightShare)

// Popularity maintains podcast and episode scores. Scores are always full
// recomputes of the affected feed from the log, never increments, so replaying
// an event lands on the same numbers.
type Popularity struct{}

func (Popularity) Name() string { return "popularity" }

func (Popularity) Handle(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	switch p := ev.Payload.(type) {
	case *domain.UserSubscribed:
		return recomputeFeed(ctx, tx, p.Feed, ev.Timestamp)
	case *domain.PlayRecorded:
		return recomputeFeed(ctx, tx, p.Feed, ev.Timestamp)
	case *domain.EpisodeSaved:
		return recomputeFeed(ctx, tx, p.Feed, ev.Timestamp)
	case *domain.EpisodeShared:
		return recomputeFeed(ctx, tx, p.Feed, ev.Timestamp)

	case *domain.PrivacyChanged:
		if err := upsertPrivacy(ctx, tx, ev.StreamID, p); err != nil {
			return err
		}
		switch p.Scope {
		case domain.ScopeFeed:
			return recomputeFeed(ctx, tx, p.Feed, ev.Timestamp)
		case domain.ScopeItem, domain.ScopeGlobal:
			return recomputeUserFeeds(ctx, tx, ev.StreamID, ev.Timestamp)
		}
		return nil

	case *domain.EventsRemoved:
		if p.Feed != "" {
			return recomputeFeed(ctx, tx, p.Feed, ev.Timestamp)
		}
		// A bare item marker can touch any feed the user played it under.
		return recomputeUserFeeds(ctx, tx, ev.StreamID, ev.Timestamp)
	}
	return nil
}

// recomputeFeed rebuilds one feed's podcast and episode scores from the log.
func recomputeFeed(ctx context.Context, tx *sql.Tx, feed string, at time.Time) error {
	if feed == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO podcast_popularity (feed, score, updated_at)
		 VALUES (?, (`+feedScoreSQL+`), ?)
		 ON CONFLICT (feed) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		feed, feed, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM episode_popularity WHERE feed = ?`, feed); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO episode_popularity (feed, item, score, updated_at)
		 SELECT scored.*, ? FROM (`+episodeScoresSQL+`) scored`,
		at, feed)
	return err
}

// recomputeUserFeeds rebuilds every feed the user's activity touches.
func recomputeUserFeeds(ctx context.Context, tx *sql.Tx, userID string, at time.Time) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT json_extract_string(payload, '$.feed') FROM events
		 WHERE stream_id = ? AND event_kind IN `+publicKindsSQL+`
		   AND json_extract_string(payload, '$.feed') IS NOT NULL`,
		userID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var feeds []string
	for rows.Next() {
		var feed string
		if err := rows.Scan(&feed); err != nil {
			return err
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, feed := range feeds {
		if err := recomputeFeed(ctx, tx, feed, at); err != nil {
			return err
		}
	}
	return nil
}

// RecomputeFeeds rebuilds scores for the given feeds outside a runner, in one
// transaction. The compaction worker calls it after pruning, since pruned
// events no longer back their scores.
func RecomputeFeeds(ctx context.Context, conn *sql.DB, feeds []string, at time.Time) error {
	if len(feeds) == 0 {
		return nil
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("projection: begin recompute: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, feed := range feeds {
		if err := recomputeFeed(ctx, tx, feed, at); err != nil {
			return fmt.Errorf("projection: recompute %s: %w", feed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("projection: commit recompute: %w", err)
	}
	return nil
}
