// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"reflect"
	"testing"
	"time"
)

var stateBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fold applies payloads in order with one-second spacing, the way the
// dispatcher would after a successful append.
func fold(s *State, payloads ...Payload) {
	for i, p := range payloads {
		s.ApplyPayload(p, stateBase.Add(time.Duration(i)*time.Second))
	}
}

func TestStateSubscriptionLifecycle(t *testing.T) {
	s := NewState("u1")

	fold(s, &UserSubscribed{Feed: "f1", SourceID: "itunes:1", SubscribedAt: stateBase})
	if !s.Subscribed("f1") {
		t.Fatal("Expected f1 to be subscribed")
	}

	fold(s, &UserUnsubscribed{Feed: "f1", UnsubscribedAt: stateBase.Add(time.Hour)})
	if s.Subscribed("f1") {
		t.Error("Expected f1 to be unsubscribed")
	}

	// Re-subscribing refreshes subscribed_at and revives the feed.
	fold(s, &UserSubscribed{Feed: "f1", SourceID: "itunes:2", SubscribedAt: stateBase.Add(2 * time.Hour)})
	if !s.Subscribed("f1") {
		t.Error("Expected f1 to be subscribed again")
	}
	if s.Subscriptions["f1"].SourceID != "itunes:2" {
		t.Errorf("Expected refreshed source_id, got %s", s.Subscriptions["f1"].SourceID)
	}

	// Unsubscribing a feed the fold never saw is a no-op.
	fold(s, &UserUnsubscribed{Feed: "ghost", UnsubscribedAt: stateBase})
	if _, ok := s.Subscriptions["ghost"]; ok {
		t.Error("Expected unknown-feed unsubscribe to fold to nothing")
	}
}

func TestStatePlayStatuses(t *testing.T) {
	s := NewState("u1")

	fold(s, &PlayRecorded{Feed: "f1", Item: "i1", Position: 120, At: stateBase})
	fold(s, &PositionUpdated{Feed: "f1", Item: "i1", Position: 300, At: stateBase.Add(time.Minute)})

	st := s.PlayStatuses["i1"]
	if st.Position != 300 {
		t.Errorf("Expected position 300, got %d", st.Position)
	}
	if st.Played {
		t.Error("Expected played=false after a bare position update")
	}

	fold(s, &PlayRecorded{Feed: "f1", Item: "i1", Position: 0, Played: true, At: stateBase.Add(2 * time.Minute)})
	if !s.PlayStatuses["i1"].Played {
		t.Error("Expected played=true")
	}
}

func TestStatePlaylistFold(t *testing.T) {
	s := NewState("u1")

	// Saving into a playlist nobody created makes it implicitly, ID == name.
	fold(s,
		&EpisodeSaved{Playlist: "favorites", Feed: "f1", Item: "a"},
		&EpisodeSaved{Playlist: "favorites", Feed: "f1", Item: "b"},
		&EpisodeSaved{Playlist: "favorites", Feed: "f1", Item: "a"}, // duplicate
	)

	pl := s.Playlists["favorites"]
	if pl == nil {
		t.Fatal("Expected implicit playlist creation")
	}
	if len(pl.Items) != 2 {
		t.Fatalf("Expected duplicate suppression to keep 2 items, got %d", len(pl.Items))
	}
	if pl.Items[0].Position != 0 || pl.Items[1].Position != 1 {
		t.Error("Expected contiguous positions 0,1")
	}

	fold(s, &EpisodeUnsaved{Playlist: "favorites", Feed: "f1", Item: "a"})
	if len(pl.Items) != 1 || pl.Items[0].Item != "b" {
		t.Errorf("Expected only item b to remain, got %+v", pl.Items)
	}
	if pl.Items[0].Position != 0 {
		t.Errorf("Expected re-index to position 0, got %d", pl.Items[0].Position)
	}
	if len(pl.Removed) != 1 || pl.Removed[0].DeletedAt == nil {
		t.Error("Expected a dated tombstone for the removed item")
	}
}

func TestStatePlaylistReorderDropsUnlisted(t *testing.T) {
	s := NewState("u1")
	fold(s,
		&PlaylistCreated{PlaylistID: "pl-1", Name: "queue"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "a"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "b"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "c"},
		&PlaylistReordered{PlaylistID: "pl-1", Items: []ItemRef{
			{Feed: "f1", Item: "c"},
			{Feed: "f1", Item: "a"},
		}},
	)

	pl := s.Playlists["pl-1"]
	if len(pl.Items) != 2 {
		t.Fatalf("Expected unlisted item to be dropped, got %d items", len(pl.Items))
	}
	if pl.Items[0].Item != "c" || pl.Items[1].Item != "a" {
		t.Errorf("Expected order c,a got %s,%s", pl.Items[0].Item, pl.Items[1].Item)
	}
}

func TestStateCollections(t *testing.T) {
	s := NewState("u1")
	fold(s,
		&UserSubscribed{Feed: "f1", SubscribedAt: stateBase},
		&UserSubscribed{Feed: "f2", SubscribedAt: stateBase},
		&CollectionCreated{CollectionID: "c1", Title: "News & Tech"},
		&FeedAddedToCollection{CollectionID: "c1", Feed: "f1"},
		&FeedAddedToCollection{CollectionID: "c1", Feed: "f2"},
		&FeedAddedToCollection{CollectionID: "c1", Feed: "f1"}, // duplicate
	)

	col := s.Collections["c1"]
	if col.Slug != "news-tech" {
		t.Errorf("Expected slug news-tech, got %s", col.Slug)
	}
	if got := col.FeedOrder; !reflect.DeepEqual(got, []string{"f1", "f2"}) {
		t.Errorf("Expected order [f1 f2], got %v", got)
	}

	fold(s, &CollectionFeedReordered{CollectionID: "c1", Feed: "f2", NewPosition: 0, FeedOrder: []string{"f2", "f1"}})
	if got := col.FeedOrder; !reflect.DeepEqual(got, []string{"f2", "f1"}) {
		t.Errorf("Expected order [f2 f1], got %v", got)
	}

	fold(s, &FeedRemovedFromCollection{CollectionID: "c1", Feed: "f2"})
	if col.Has("f2") {
		t.Error("Expected f2 removed from membership")
	}
	if got := col.FeedOrder; !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("Expected order [f1], got %v", got)
	}

	fold(s, &CollectionDeleted{CollectionID: "c1"})
	if !col.Deleted {
		t.Error("Expected tombstoned collection")
	}
	fold(s, &FeedAddedToCollection{CollectionID: "c1", Feed: "f1"})
	if len(col.FeedOrder) != 1 {
		t.Error("Expected adds to a deleted collection to fold to nothing")
	}
}

func TestStatePrivacyPrecedence(t *testing.T) {
	s := NewState("u1")

	if got := s.Privacy.Effective("f1", "i1"); got != PrivacyPrivate {
		t.Errorf("Expected private default, got %s", got)
	}

	fold(s,
		&PrivacyChanged{Scope: ScopeGlobal, Level: PrivacyPublic},
		&PrivacyChanged{Scope: ScopeFeed, Feed: "f1", Level: PrivacyAnonymous},
		&PrivacyChanged{Scope: ScopeItem, Item: "i1", Level: PrivacyPrivate},
	)

	tests := []struct {
		feed, item string
		want       PrivacyLevel
	}{
		{"f1", "i1", PrivacyPrivate},   // item override
		{"f1", "i2", PrivacyAnonymous}, // feed override
		{"f2", "i3", PrivacyPublic},    // global default
	}
	for _, tt := range tests {
		if got := s.Privacy.Effective(tt.feed, tt.item); got != tt.want {
			t.Errorf("Effective(%s,%s): expected %s, got %s", tt.feed, tt.item, tt.want, got)
		}
	}
}

func TestStateEventsRemoved(t *testing.T) {
	s := NewState("u1")
	fold(s,
		&PlayRecorded{Feed: "f1", Item: "i1", Position: 10, At: stateBase},
		&PlayRecorded{Feed: "f1", Item: "i2", Position: 20, At: stateBase},
		&PlayRecorded{Feed: "f2", Item: "i3", Position: 30, At: stateBase},
		&PrivacyChanged{Scope: ScopeFeed, Feed: "f1", Level: PrivacyPublic},
		&PrivacyChanged{Scope: ScopeItem, Item: "i1", Level: PrivacyPublic},
	)

	fold(s, &EventsRemoved{Item: "i1"})
	if _, ok := s.PlayStatuses["i1"]; ok {
		t.Error("Expected i1 play status withdrawn")
	}
	if _, ok := s.Privacy.Items["i1"]; ok {
		t.Error("Expected i1 privacy override withdrawn")
	}

	fold(s, &EventsRemoved{Feed: "f1"})
	if _, ok := s.PlayStatuses["i2"]; ok {
		t.Error("Expected f1 play statuses withdrawn")
	}
	if _, ok := s.PlayStatuses["i3"]; !ok {
		t.Error("Expected other feeds untouched")
	}
	if _, ok := s.Privacy.Feeds["f1"]; ok {
		t.Error("Expected f1 privacy override withdrawn")
	}
}

// A checkpoint is a fold in a box: replaying checkpoint+suffix must land on
// the same state as replaying the full stream.
func TestStateCheckpointEquivalence(t *testing.T) {
	history := []Payload{
		&UserSubscribed{Feed: "f1", SourceID: "s1", SubscribedAt: stateBase},
		&UserSubscribed{Feed: "f2", SourceID: "s2", SubscribedAt: stateBase},
		&PlayRecorded{Feed: "f1", Item: "i1", Position: 500, At: stateBase},
		&PlaylistCreated{PlaylistID: "pl-1", Name: "queue"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "i1"},
		&CollectionCreated{CollectionID: "c1", Title: "Tech"},
		&FeedAddedToCollection{CollectionID: "c1", Feed: "f1"},
		&UserUnsubscribed{Feed: "f2", UnsubscribedAt: stateBase.Add(time.Hour)},
	}
	suffix := []Payload{
		&PlayRecorded{Feed: "f1", Item: "i1", Position: 900, At: stateBase.Add(2 * time.Hour)},
		&EpisodeSaved{Playlist: "queue", Feed: "f2", Item: "i2"},
	}

	full := NewState("u1")
	fold(full, history...)
	cp := Decider{}.buildCheckpoint(full, stateBase.Add(time.Hour), false)
	fold(full, suffix...)

	fast := NewState("u1")
	fold(fast, cp)
	fold(fast, suffix...)

	if !reflect.DeepEqual(full.Subscriptions, fast.Subscriptions) {
		t.Errorf("Subscriptions diverged:\nfull %+v\nfast %+v", full.Subscriptions, fast.Subscriptions)
	}
	if !reflect.DeepEqual(full.PlayStatuses, fast.PlayStatuses) {
		t.Errorf("PlayStatuses diverged:\nfull %+v\nfast %+v", full.PlayStatuses, fast.PlayStatuses)
	}
	for id, pl := range full.Playlists {
		got, ok := fast.Playlists[id]
		if !ok {
			t.Fatalf("Playlist %s missing after checkpoint replay", id)
		}
		if !reflect.DeepEqual(pl.Items, got.Items) {
			t.Errorf("Playlist %s items diverged:\nfull %+v\nfast %+v", id, pl.Items, got.Items)
		}
	}
	for id, col := range full.Collections {
		got, ok := fast.Collections[id]
		if !ok {
			t.Fatalf("Collection %s missing after checkpoint replay", id)
		}
		if !reflect.DeepEqual(col.FeedOrder, got.FeedOrder) {
			t.Errorf("Collection %s order diverged: %v vs %v", id, col.FeedOrder, got.FeedOrder)
		}
	}
}

func TestReplayTracksVersion(t *testing.T) {
	events := []Event{
		{Version: 1, Payload: &UserSubscribed{Feed: "f1", SubscribedAt: stateBase}, Timestamp: stateBase},
		{Version: 2, Payload: &PlayRecorded{Feed: "f1", Item: "i1", Position: 5, At: stateBase}, Timestamp: stateBase},
	}
	s := Replay("u1", events)
	if s.Version != 2 {
		t.Errorf("Expected version 2, got %d", s.Version)
	}
	if !s.Subscribed("f1") {
		t.Error("Expected subscription folded")
	}
}

func TestDefaultCollectionID(t *testing.T) {
	a := DefaultCollectionID("u1")
	b := DefaultCollectionID("u1")
	c := DefaultCollectionID("u2")

	if a != b {
		t.Error("Expected deterministic ID per user")
	}
	if a == c {
		t.Error("Expected distinct IDs across users")
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"All Subscriptions", "all-subscriptions"},
		{"News & Tech", "news-tech"},
		{"  spaced  out  ", "spaced-out"},
		{"Émigré Radio", "migr-radio"},
		{"123 Go", "123-go"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q): expected %q, got %q", tt.in, tt.want, got)
		}
	}
}
