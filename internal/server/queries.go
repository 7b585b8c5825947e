// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/earshot-sync/earshot/internal/logging"
)

// Read-model row shapes.
type subscriptionRow struct {
	Feed         string     `json:"feed"`
	SourceID     string     `json:"source_id,omitempty"`
	SubscribedAt *time.Time `json:"subscribed_at,omitempty"`
}

type playStatusRow struct {
	Feed      string    `json:"feed"`
	Item      string    `json:"item"`
	Position  int       `json:"position"`
	Played    bool      `json:"played"`
	UpdatedAt time.Time `json:"updated_at"`
}

type playlistRow struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Public      bool              `json:"public"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Items       []playlistItemRow `json:"items"`
}

type playlistItemRow struct {
	Feed      string `json:"feed"`
	Item      string `json:"item"`
	ItemTitle string `json:"item_title,omitempty"`
	FeedTitle string `json:"feed_title,omitempty"`
	Position  int    `json:"position"`
}

type collectionRow struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Slug        string   `json:"slug"`
	Description string   `json:"description,omitempty"`
	Color       string   `json:"color,omitempty"`
	Default     bool     `json:"default"`
	Public      bool     `json:"public"`
	Feeds       []string `json:"feeds"`
}

type trendingRow struct {
	Feed  string `json:"feed"`
	Score int64  `json:"score"`
}

type trendingEpisodeRow struct {
	Feed  string `json:"feed"`
	Item  string `json:"item"`
	Score int64  `json:"score"`
}

type activityRow struct {
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Feed       string    `json:"feed"`
	Item       string    `json:"item,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT feed, COALESCE(source_id, ''), subscribed_at
		FROM subscriptions WHERE user_id = ? AND active ORDER BY feed`, userID)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	subs := make([]subscriptionRow, 0)
	for rows.Next() {
		var row subscriptionRow
		if err := rows.Scan(&row.Feed, &row.SourceID, &row.SubscribedAt); err != nil {
			respondQueryError(w, err)
			return
		}
		subs = append(subs, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, subs)
}

func (s *Server) handlePlays(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT feed, item, position, played, updated_at
		FROM play_statuses WHERE user_id = ? ORDER BY updated_at DESC
		LIMIT ?`, userID, limitParam(r, 200, 1000))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	plays := make([]playStatusRow, 0)
	for rows.Next() {
		var row playStatusRow
		if err := rows.Scan(&row.Feed, &row.Item, &row.Position, &row.Played, &row.UpdatedAt); err != nil {
			respondQueryError(w, err)
			return
		}
		plays = append(plays, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, plays)
}

func (s *Server) handlePlaylists(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	rows, err := s.db.QueryContext(ctx, `
		SELECT playlist_id, name, COALESCE(description, ''), is_public, updated_at
		FROM playlists WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	playlists := make([]playlistRow, 0)
	index := make(map[string]int)
	for rows.Next() {
		var row playlistRow
		if err := rows.Scan(&row.ID, &row.Name, &row.Description, &row.Public, &row.UpdatedAt); err != nil {
			respondQueryError(w, err)
			return
		}
		row.Items = make([]playlistItemRow, 0)
		index[row.ID] = len(playlists)
		playlists = append(playlists, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}

	items, err := s.db.QueryContext(ctx, `
		SELECT playlist_id, feed, item, COALESCE(item_title, ''), COALESCE(feed_title, ''), position
		FROM playlist_items WHERE user_id = ? ORDER BY playlist_id, position`, userID)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer items.Close()

	for items.Next() {
		var playlistID string
		var row playlistItemRow
		if err := items.Scan(&playlistID, &row.Feed, &row.Item, &row.ItemTitle, &row.FeedTitle, &row.Position); err != nil {
			respondQueryError(w, err)
			return
		}
		if i, ok := index[playlistID]; ok {
			playlists[i].Items = append(playlists[i].Items, row)
		}
	}
	if err := items.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, playlists)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	rows, err := s.db.QueryContext(ctx, `
		SELECT collection_id, title, slug, COALESCE(description, ''), COALESCE(color, ''),
			is_default, is_public
		FROM collections WHERE user_id = ? ORDER BY is_default DESC, title`, userID)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	collections := make([]collectionRow, 0)
	index := make(map[string]int)
	for rows.Next() {
		var row collectionRow
		if err := rows.Scan(&row.ID, &row.Title, &row.Slug, &row.Description, &row.Color,
			&row.Default, &row.Public); err != nil {
			respondQueryError(w, err)
			return
		}
		row.Feeds = make([]string, 0)
		index[row.ID] = len(collections)
		collections = append(collections, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}

	feeds, err := s.db.QueryContext(ctx, `
		SELECT collection_id, feed FROM collection_subscriptions
		WHERE user_id = ? ORDER BY collection_id, position`, userID)
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer feeds.Close()

	for feeds.Next() {
		var collectionID, feed string
		if err := feeds.Scan(&collectionID, &feed); err != nil {
			respondQueryError(w, err)
			return
		}
		if i, ok := index[collectionID]; ok {
			collections[i].Feeds = append(collections[i].Feeds, feed)
		}
	}
	if err := feeds.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, collections)
}

func (s *Server) handleTrending(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT feed, score FROM podcast_popularity
		WHERE score > 0 ORDER BY score DESC, feed LIMIT ?`, limitParam(r, 50, 500))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	trending := make([]trendingRow, 0)
	for rows.Next() {
		var row trendingRow
		if err := rows.Scan(&row.Feed, &row.Score); err != nil {
			respondQueryError(w, err)
			return
		}
		trending = append(trending, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trending)
}

func (s *Server) handleTrendingEpisodes(w http.ResponseWriter, r *http.Request) {
	feed := chi.URLParam(r, "feed")
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT feed, item, score FROM episode_popularity
		WHERE feed = ? AND score > 0 ORDER BY score DESC, item LIMIT ?`,
		feed, limitParam(r, 50, 500))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	episodes := make([]trendingEpisodeRow, 0)
	for rows.Next() {
		var row trendingEpisodeRow
		if err := rows.Scan(&row.Feed, &row.Item, &row.Score); err != nil {
			respondQueryError(w, err)
			return
		}
		episodes = append(episodes, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, episodes)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT user_id, event_kind, feed, item, occurred_at
		FROM public_events ORDER BY position DESC LIMIT ?`, limitParam(r, 100, 1000))
	if err != nil {
		respondQueryError(w, err)
		return
	}
	defer rows.Close()

	activity := make([]activityRow, 0)
	for rows.Next() {
		var row activityRow
		if err := rows.Scan(&row.UserID, &row.Kind, &row.Feed, &row.Item, &row.OccurredAt); err != nil {
			respondQueryError(w, err)
			return
		}
		activity = append(activity, row)
	}
	if err := rows.Err(); err != nil {
		respondQueryError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, activity)
}

func respondQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "No matching rows", nil)
		return
	}
	logging.Error().Err(err).Msg("SERVER: Read-model query failed")
	respondError(w, http.StatusInternalServerError, "DATABASE_ERROR", "Read model query failed", nil)
}

// limitParam reads a bounded ?limit= query parameter.
func limitParam(r *http.Request, fallback, ceiling int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
