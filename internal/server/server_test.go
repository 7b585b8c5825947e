// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package server

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/goccy/go-json"

	"github.com/earshot-sync/earshot/internal/config"
	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/eventlog"
	"github.com/earshot-sync/earshot/internal/journal"
	"github.com/earshot-sync/earshot/internal/projection"
)

func newTestServer(t *testing.T) (*Server, *eventlog.Memory, *sql.DB) {
	t.Helper()

	store := eventlog.NewMemory()
	d := dispatch.New(store, nil, dispatch.Config{})
	t.Cleanup(d.Close)

	j, err := journal.Open(journal.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("Open duckdb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := projection.InitSchema(db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	cfg := config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	}
	return New(cfg, d, j, db), store, db
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error"`
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("Decode envelope from %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestCommandEndpointAppends(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"Subscribe","payload":{"feed":"https://example.org/feed.xml"}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.Status != "ok" {
		t.Fatalf("Expected ok status, got %+v", env)
	}

	var resp commandResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("Decode data: %v", err)
	}
	if resp.UserID != "u1" || resp.Version != 1 {
		t.Errorf("Expected u1 at version 1, got %+v", resp)
	}
	if len(resp.Events) != 1 || resp.Events[0].Type != domain.KindUserSubscribed {
		t.Errorf("Expected one UserSubscribed summary, got %+v", resp.Events)
	}

	events, err := store.ReadStream(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event in the log, got %d", len(events))
	}
}

func TestCommandEndpointConfirmsJournal(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, _ := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"Subscribe","payload":{"feed":"f1"}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}
	if depth := s.journal.Depth(); depth != 0 {
		t.Errorf("Expected confirmed journal, got depth %d", depth)
	}
}

func TestCommandEndpointValidation(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"payload":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("Expected VALIDATION_ERROR, got %+v", env.Error)
	}
}

func TestCommandEndpointUnknownCommand(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"SelfDestruct","payload":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "UNKNOWN_COMMAND" {
		t.Errorf("Expected UNKNOWN_COMMAND, got %+v", env.Error)
	}
}

func TestCommandEndpointDomainRejection(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"CreatePlaylist","payload":{"name":"   "}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.Error == nil || env.Error.Code != "EMPTY_TITLE" {
		t.Errorf("Expected EMPTY_TITLE, got %+v", env.Error)
	}
	// A rejected command settles its journal entry.
	if depth := s.journal.Depth(); depth != 0 {
		t.Errorf("Expected settled journal, got depth %d", depth)
	}

	events, err := store.ReadStream(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events from a rejected command, got %d", len(events))
	}
}

func TestCommandEndpointIdentityMismatch(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"Subscribe","payload":{"feed":"f1"}}`,
		map[string]string{"X-Earshot-User": "u2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != "FORBIDDEN" {
		t.Errorf("Expected FORBIDDEN, got %+v", env.Error)
	}
}

func TestCommandEndpointIgnoresPayloadIdentity(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec, _ := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"Subscribe","payload":{"feed":"f1","user_id":"victim"}}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}

	ctx := context.Background()
	if events, _ := store.ReadStream(ctx, "victim", 0); len(events) != 0 {
		t.Errorf("Expected no events on the smuggled stream, got %d", len(events))
	}
	if events, _ := store.ReadStream(ctx, "u1", 0); len(events) != 1 {
		t.Errorf("Expected the event on the path user's stream, got %d", len(events))
	}
}

func TestCommandEndpointStampsDevice(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec, _ := doRequest(t, s, http.MethodPost, "/api/v1/users/u1/commands",
		`{"command":"Subscribe","payload":{"feed":"f1"}}`,
		map[string]string{
			"X-Earshot-User":        "u1",
			"X-Earshot-Device":      "dev-42",
			"X-Earshot-Device-Name": "Kitchen speaker",
		})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rec.Code)
	}

	events, err := store.ReadStream(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if events[0].Infos == nil || events[0].Infos.DeviceID != "dev-42" {
		t.Errorf("Expected device infos on the event, got %+v", events[0].Infos)
	}
}

func TestSubscriptionsQuery(t *testing.T) {
	s, _, db := newTestServer(t)

	seed := []string{
		`INSERT INTO subscriptions VALUES ('u1', 'f1', 's1', '2026-05-01 08:00:00', NULL, true)`,
		`INSERT INTO subscriptions VALUES ('u1', 'f2', '', '2026-05-01 09:00:00', '2026-05-02 09:00:00', false)`,
		`INSERT INTO subscriptions VALUES ('u2', 'f3', '', '2026-05-01 10:00:00', NULL, true)`,
	}
	for _, q := range seed {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}

	rec, env := doRequest(t, s, http.MethodGet, "/api/v1/users/u1/subscriptions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var subs []subscriptionRow
	if err := json.Unmarshal(env.Data, &subs); err != nil {
		t.Fatalf("Decode data: %v", err)
	}
	if len(subs) != 1 || subs[0].Feed != "f1" {
		t.Errorf("Expected only the active f1 subscription, got %+v", subs)
	}
}

func TestTrendingQuery(t *testing.T) {
	s, _, db := newTestServer(t)

	seed := []string{
		`INSERT INTO podcast_popularity VALUES ('f1', 30, now())`,
		`INSERT INTO podcast_popularity VALUES ('f2', 50, now())`,
		`INSERT INTO podcast_popularity VALUES ('f3', 0, now())`,
	}
	for _, q := range seed {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}

	rec, env := doRequest(t, s, http.MethodGet, "/api/v1/trending?limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var trending []trendingRow
	if err := json.Unmarshal(env.Data, &trending); err != nil {
		t.Fatalf("Decode data: %v", err)
	}
	if len(trending) != 2 {
		t.Fatalf("Expected 2 scored feeds, got %d", len(trending))
	}
	if trending[0].Feed != "f2" || trending[0].Score != 50 {
		t.Errorf("Expected f2 first with score 50, got %+v", trending[0])
	}
}

func TestTrendingCacheServesHit(t *testing.T) {
	s, _, db := newTestServer(t)

	if _, err := db.Exec(`INSERT INTO podcast_popularity VALUES ('f1', 30, now())`); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	rec, _ := doRequest(t, s, http.MethodGet, "/api/v1/trending", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Cache") == "hit" {
		t.Fatal("Expected the first request to miss the cache")
	}

	// Mutate the read model; the cached body must win within the TTL.
	if _, err := db.Exec(`DELETE FROM podcast_popularity`); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	rec2, env := doRequest(t, s, http.MethodGet, "/api/v1/trending", "", nil)
	if rec2.Code != http.StatusOK {
		t.Fatalf("Expected 200 on cached request, got %d", rec2.Code)
	}
	if rec2.Header().Get("X-Cache") != "hit" {
		t.Error("Expected X-Cache: hit on the second request")
	}
	var trending []trendingRow
	if err := json.Unmarshal(env.Data, &trending); err != nil {
		t.Fatalf("Decode data: %v", err)
	}
	if len(trending) != 1 || trending[0].Feed != "f1" {
		t.Errorf("Expected cached f1 row, got %+v", trending)
	}
}

func TestActivityQuery(t *testing.T) {
	s, _, db := newTestServer(t)

	seed := []string{
		`INSERT INTO public_events VALUES (1, 'u1', 'UserSubscribed', 'f1', '', '2026-05-01 08:00:00')`,
		`INSERT INTO public_events VALUES (2, 'u1', 'EpisodeShared', 'f1', 'ep1', '2026-05-01 09:00:00')`,
	}
	for _, q := range seed {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("Seed: %v", err)
		}
	}

	rec, env := doRequest(t, s, http.MethodGet, "/api/v1/activity", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var activity []activityRow
	if err := json.Unmarshal(env.Data, &activity); err != nil {
		t.Fatalf("Decode data: %v", err)
	}
	if len(activity) != 2 {
		t.Fatalf("Expected 2 activity rows, got %d", len(activity))
	}
	if activity[0].Kind != "EpisodeShared" {
		t.Errorf("Expected newest event first, got %+v", activity[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, env := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if env.Status != "ok" {
		t.Errorf("Expected ok envelope, got %+v", env)
	}
}
