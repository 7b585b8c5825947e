// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"testing"
	"time"
)

var decideBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustDecide(t *testing.T, s *State, cmd Command) Decision {
	t.Helper()
	dec, err := Decider{}.Decide(s, cmd, decideBase)
	if err != nil {
		t.Fatalf("Decide(%s): unexpected error %v", cmd.CommandName(), err)
	}
	return dec
}

func wantDomainErr(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	de, ok := AsDomainError(err)
	if !ok {
		t.Fatalf("Expected DomainError %s, got %v", kind, err)
	}
	if de.Kind != kind {
		t.Errorf("Expected kind %s, got %s", kind, de.Kind)
	}
}

// foldDecision applies the decision's events, emulating a dispatcher commit.
func foldDecision(s *State, dec Decision) {
	for _, p := range dec.Events {
		s.ApplyPayload(p, decideBase)
	}
}

func TestDecideSubscribeAndPlay(t *testing.T) {
	s := NewState("u1")

	dec := mustDecide(t, s, &Subscribe{Meta: Meta{UserID: "u1"}, Feed: "f1", SourceID: "itunes:1"})
	if len(dec.Events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(dec.Events))
	}
	sub, ok := dec.Events[0].(*UserSubscribed)
	if !ok {
		t.Fatalf("Expected UserSubscribed, got %T", dec.Events[0])
	}
	if !sub.SubscribedAt.Equal(decideBase) {
		t.Error("Expected injected clock as subscribed_at")
	}

	dec = mustDecide(t, s, &RecordPlay{Meta: Meta{UserID: "u1"}, Feed: "f1", Item: "i1", Position: -30})
	play := dec.Events[0].(*PlayRecorded)
	if play.Position != 0 {
		t.Errorf("Expected negative position clamped to 0, got %d", play.Position)
	}
}

func TestDecidePlaylistErrors(t *testing.T) {
	s := NewState("u1")
	d := Decider{}

	_, err := d.Decide(s, &CreatePlaylist{Meta: Meta{UserID: "u1"}, Name: "   "}, decideBase)
	wantDomainErr(t, err, ErrEmptyTitle)

	_, err = d.Decide(s, &DeletePlaylist{Meta: Meta{UserID: "u1"}, PlaylistID: "nope"}, decideBase)
	wantDomainErr(t, err, ErrPlaylistNotFound)

	_, err = d.Decide(s, &ReorderPlaylist{Meta: Meta{UserID: "u1"}, PlaylistID: "nope"}, decideBase)
	wantDomainErr(t, err, ErrPlaylistNotFound)

	foldDecision(s, mustDecide(t, s, &CreatePlaylist{Meta: Meta{UserID: "u1"}, PlaylistID: "pl-1", Name: "queue"}))

	// A present ID makes creation idempotent.
	dec := mustDecide(t, s, &CreatePlaylist{Meta: Meta{UserID: "u1"}, PlaylistID: "pl-1", Name: "queue"})
	if len(dec.Events) != 0 {
		t.Errorf("Expected idempotent re-create to emit nothing, got %d events", len(dec.Events))
	}

	blank := " "
	_, err = d.Decide(s, &UpdatePlaylist{Meta: Meta{UserID: "u1"}, PlaylistID: "pl-1", Name: &blank}, decideBase)
	wantDomainErr(t, err, ErrEmptyTitle)
}

func TestDecideCollectionRules(t *testing.T) {
	s := NewState("u1")
	d := Decider{}

	foldDecision(s, mustDecide(t, s, &Subscribe{Meta: Meta{UserID: "u1"}, Feed: "f1"}))
	foldDecision(s, mustDecide(t, s, &CreateCollection{
		Meta: Meta{UserID: "u1"}, CollectionID: DefaultCollectionID("u1"),
		Title: DefaultCollectionTitle, IsDefault: true,
	}))

	// Second default is rejected.
	_, err := d.Decide(s, &CreateCollection{Meta: Meta{UserID: "u1"}, Title: "Another", IsDefault: true}, decideBase)
	wantDomainErr(t, err, ErrDefaultCollectionExists)

	// Idempotent retry with the same deterministic ID emits nothing.
	dec := mustDecide(t, s, &CreateCollection{
		Meta: Meta{UserID: "u1"}, CollectionID: DefaultCollectionID("u1"),
		Title: DefaultCollectionTitle, IsDefault: true,
	})
	if len(dec.Events) != 0 {
		t.Errorf("Expected idempotent creation to emit nothing, got %d events", len(dec.Events))
	}

	// Slug collisions among live collections are rejected.
	_, err = d.Decide(s, &CreateCollection{Meta: Meta{UserID: "u1"}, Title: "all subscriptions"}, decideBase)
	wantDomainErr(t, err, ErrDuplicateSlug)

	_, err = d.Decide(s, &DeleteCollection{Meta: Meta{UserID: "u1"}, CollectionID: DefaultCollectionID("u1")}, decideBase)
	wantDomainErr(t, err, ErrCannotDeleteDefault)

	_, err = d.Decide(s, &AddFeedToCollection{Meta: Meta{UserID: "u1"}, CollectionID: "nope", Feed: "f1"}, decideBase)
	wantDomainErr(t, err, ErrCollectionNotFound)

	_, err = d.Decide(s, &AddFeedToCollection{
		Meta: Meta{UserID: "u1"}, CollectionID: DefaultCollectionID("u1"), Feed: "unsubscribed",
	}, decideBase)
	wantDomainErr(t, err, ErrFeedNotSubscribed)

	foldDecision(s, mustDecide(t, s, &AddFeedToCollection{
		Meta: Meta{UserID: "u1"}, CollectionID: DefaultCollectionID("u1"), Feed: "f1",
	}))
	dec = mustDecide(t, s, &AddFeedToCollection{
		Meta: Meta{UserID: "u1"}, CollectionID: DefaultCollectionID("u1"), Feed: "f1",
	})
	if len(dec.Events) != 0 {
		t.Errorf("Expected re-add to emit nothing, got %d events", len(dec.Events))
	}
}

func TestDecideReorderCollectionFeedClamps(t *testing.T) {
	s := NewState("u1")
	foldDecision(s, mustDecide(t, s, &Subscribe{Meta: Meta{UserID: "u1"}, Feed: "f1"}))
	foldDecision(s, mustDecide(t, s, &Subscribe{Meta: Meta{UserID: "u1"}, Feed: "f2"}))
	foldDecision(s, mustDecide(t, s, &CreateCollection{Meta: Meta{UserID: "u1"}, CollectionID: "c1", Title: "Tech"}))
	foldDecision(s, mustDecide(t, s, &AddFeedToCollection{Meta: Meta{UserID: "u1"}, CollectionID: "c1", Feed: "f1"}))
	foldDecision(s, mustDecide(t, s, &AddFeedToCollection{Meta: Meta{UserID: "u1"}, CollectionID: "c1", Feed: "f2"}))

	dec := mustDecide(t, s, &ReorderCollectionFeed{
		Meta: Meta{UserID: "u1"}, CollectionID: "c1", Feed: "f1", NewPosition: 99,
	})
	ev := dec.Events[0].(*CollectionFeedReordered)
	if ev.NewPosition != 1 {
		t.Errorf("Expected position clamped to 1, got %d", ev.NewPosition)
	}
	if len(ev.FeedOrder) != 2 || ev.FeedOrder[0] != "f2" || ev.FeedOrder[1] != "f1" {
		t.Errorf("Expected order [f2 f1], got %v", ev.FeedOrder)
	}
}

func TestDecideChangePrivacy(t *testing.T) {
	s := NewState("u1")
	d := Decider{}

	_, err := d.Decide(s, &ChangePrivacy{Meta: Meta{UserID: "u1"}, Scope: ScopeGlobal, Level: "loud"}, decideBase)
	wantDomainErr(t, err, ErrInvalidPrivacyLevel)

	_, err = d.Decide(s, &ChangePrivacy{Meta: Meta{UserID: "u1"}, Scope: ScopeFeed, Level: PrivacyPublic}, decideBase)
	wantDomainErr(t, err, ErrInvalidPrivacyLevel)

	dec := mustDecide(t, s, &ChangePrivacy{Meta: Meta{UserID: "u1"}, Scope: ScopeItem, Item: "i1", Level: PrivacyAnonymous})
	if _, ok := dec.Events[0].(*PrivacyChanged); !ok {
		t.Fatalf("Expected PrivacyChanged, got %T", dec.Events[0])
	}
}

func TestDecideRemoveEvents(t *testing.T) {
	s := NewState("u1")

	dec := mustDecide(t, s, &RemoveEvents{Meta: Meta{UserID: "u1"}})
	if len(dec.Events) != 0 {
		t.Error("Expected empty removal request to emit nothing")
	}

	dec = mustDecide(t, s, &RemoveEvents{Meta: Meta{UserID: "u1"}, Feed: "f1"})
	if _, ok := dec.Events[0].(*EventsRemoved); !ok {
		t.Fatalf("Expected EventsRemoved, got %T", dec.Events[0])
	}
}

// Higher progress wins even against a newer timestamp.
func TestDecideSyncHighestProgressWins(t *testing.T) {
	s := NewState("u1")
	foldDecision(s, mustDecide(t, s, &Subscribe{Meta: Meta{UserID: "u1"}, Feed: "f1"}))
	s.ApplyPayload(&PlayRecorded{Feed: "f1", Item: "i1", Position: 2000, At: decideBase.Add(-5 * time.Minute)}, decideBase)

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		PlayStatuses: []SyncPlayStatus{
			{Feed: "f1", Item: "i1", Position: 1500, UpdatedAt: decideBase},
		},
	})

	if len(dec.Events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(dec.Events))
	}
	play := dec.Events[0].(*PlayRecorded)
	if play.Position != 2000 || play.Played {
		t.Errorf("Expected PlayRecorded{position=2000, played=false}, got %+v", play)
	}
	if len(dec.Conflicts) != 1 {
		t.Fatalf("Expected 1 conflict report, got %d", len(dec.Conflicts))
	}
	c := dec.Conflicts[0]
	if c.Type != ConflictPlayPosition || c.Resolution != ResolutionRemoteWins {
		t.Errorf("Expected play_position remote_wins, got %s %s", c.Type, c.Resolution)
	}
	if c.Reason != "Higher remote position" {
		t.Errorf("Expected reason %q, got %q", "Higher remote position", c.Reason)
	}
}

// A finished episode beats a further-along unfinished one.
func TestDecideSyncPlayedOverridesPosition(t *testing.T) {
	s := NewState("u1")
	s.ApplyPayload(&PlayRecorded{Feed: "f1", Item: "i1", Position: 2000, At: decideBase}, decideBase)

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		PlayStatuses: []SyncPlayStatus{
			{Feed: "f1", Item: "i1", Position: 1500, Played: true, UpdatedAt: decideBase},
		},
	})

	play := dec.Events[0].(*PlayRecorded)
	if play.Position != 1500 || !play.Played {
		t.Errorf("Expected PlayRecorded{position=1500, played=true}, got %+v", play)
	}
	if dec.Conflicts[0].Resolution != ResolutionLocalWins {
		t.Errorf("Expected local_wins, got %s", dec.Conflicts[0].Resolution)
	}
}

func TestDecideSyncResetWins(t *testing.T) {
	s := NewState("u1")
	s.ApplyPayload(&PlayRecorded{Feed: "f1", Item: "i1", Position: 4000, Played: true, At: decideBase}, decideBase)

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		PlayStatuses: []SyncPlayStatus{
			{Feed: "f1", Item: "i1", Position: 0, Reset: true, UpdatedAt: decideBase.Add(-time.Hour)},
		},
	})

	play := dec.Events[0].(*PlayRecorded)
	if play.Position != 0 || play.Played {
		t.Errorf("Expected restart-from-zero to win, got %+v", play)
	}
}

func TestDecideSyncUnknownItemRecordsDirectly(t *testing.T) {
	s := NewState("u1")

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		PlayStatuses: []SyncPlayStatus{
			{Feed: "f1", Item: "i9", Position: 42, UpdatedAt: decideBase},
		},
	})
	if len(dec.Conflicts) != 0 {
		t.Errorf("Expected no conflict for an unknown item, got %d", len(dec.Conflicts))
	}
	play := dec.Events[0].(*PlayRecorded)
	if play.Item != "i9" || play.Position != 42 {
		t.Errorf("Expected direct record, got %+v", play)
	}
}

// Simultaneous subscribe and unsubscribe at the same instant resolve toward
// the subscribed state and report a merge.
func TestDecideSyncSubscriptionTiePrefersSubscribed(t *testing.T) {
	s := NewState("u1")
	s.ApplyPayload(&UserSubscribed{Feed: "f1", SubscribedAt: decideBase.Add(-time.Hour)}, decideBase)
	s.ApplyPayload(&UserUnsubscribed{Feed: "f1", UnsubscribedAt: decideBase}, decideBase)

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		Subscriptions: []SyncSubscription{
			{Feed: "f1", SubscribedAt: tp(decideBase)},
		},
	})

	if len(dec.Conflicts) != 1 || dec.Conflicts[0].Resolution != ResolutionMerged {
		t.Fatalf("Expected a merged conflict, got %+v", dec.Conflicts)
	}
	sub, ok := dec.Events[0].(*UserSubscribed)
	if !ok {
		t.Fatalf("Expected UserSubscribed, got %T", dec.Events[0])
	}
	if !sub.SubscribedAt.Equal(decideBase) {
		t.Errorf("Expected subscribed_at %v, got %v", decideBase, sub.SubscribedAt)
	}
}

func TestDecideSyncSubscriptionLWW(t *testing.T) {
	s := NewState("u1")
	s.ApplyPayload(&UserSubscribed{Feed: "f1", SubscribedAt: decideBase}, decideBase)

	// Device carries a newer unsubscribe.
	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		Subscriptions: []SyncSubscription{
			{Feed: "f1", SubscribedAt: tp(decideBase), UnsubscribedAt: tp(decideBase.Add(time.Hour))},
		},
	})
	if _, ok := dec.Events[0].(*UserUnsubscribed); !ok {
		t.Fatalf("Expected UserUnsubscribed, got %T", dec.Events[0])
	}
	if dec.Conflicts[0].Resolution != ResolutionLocalWins {
		t.Errorf("Expected local_wins, got %s", dec.Conflicts[0].Resolution)
	}

	// Matching states are not a conflict.
	dec = mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		Subscriptions: []SyncSubscription{
			{Feed: "f1", SubscribedAt: tp(decideBase)},
		},
	})
	if len(dec.Events)+len(dec.Conflicts) != 0 {
		t.Errorf("Expected clean sync, got %d events %d conflicts", len(dec.Events), len(dec.Conflicts))
	}
}

// Base [A], device [A,B], stored [A,C]: the merge keeps {A,B,C} in ascending
// original position order, re-indexed from zero.
func TestDecideSyncPlaylistThreeWayMerge(t *testing.T) {
	s := NewState("u1")
	fold(s,
		&PlaylistCreated{PlaylistID: "pl-1", Name: "queue"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "a"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "c"},
	)

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		Playlists: []SyncPlaylist{{
			ID: "pl-1", Name: "queue", UpdatedAt: decideBase,
			Items: []SyncPlaylistItem{
				{Feed: "f1", Item: "a", Position: 0},
				{Feed: "f1", Item: "b", Position: 1},
			},
			Base: []SyncPlaylistItem{{Feed: "f1", Item: "a", Position: 0}},
		}},
	})

	var saved []string
	var reordered *PlaylistReordered
	for _, p := range dec.Events {
		switch e := p.(type) {
		case *EpisodeSaved:
			saved = append(saved, e.Item)
		case *EpisodeUnsaved:
			t.Errorf("Expected no removals, got unsave of %s", e.Item)
		case *PlaylistReordered:
			reordered = e
		}
	}
	if len(saved) != 1 || saved[0] != "b" {
		t.Errorf("Expected only b to be saved, got %v", saved)
	}
	if reordered == nil {
		t.Fatal("Expected a reorder carrying the merged sequence")
	}
	want := []string{"a", "b", "c"}
	if len(reordered.Items) != len(want) {
		t.Fatalf("Expected %d merged items, got %d", len(want), len(reordered.Items))
	}
	for i, item := range want {
		if reordered.Items[i].Item != item {
			t.Errorf("Expected %s at %d, got %s", item, i, reordered.Items[i].Item)
		}
	}
	if len(dec.Conflicts) != 1 || dec.Conflicts[0].Type != ConflictPlaylist {
		t.Errorf("Expected one playlist conflict report, got %+v", dec.Conflicts)
	}

	// Folding the decision converges the aggregate on the merged sequence.
	foldDecision(s, dec)
	pl := s.Playlists["pl-1"]
	for i, item := range want {
		if pl.Items[i].Item != item || pl.Items[i].Position != i {
			t.Errorf("Expected %s at position %d, got %s/%d", item, i, pl.Items[i].Item, pl.Items[i].Position)
		}
	}
}

// A removal recorded against the shared base propagates through the merge.
func TestDecideSyncPlaylistBaseRemoval(t *testing.T) {
	s := NewState("u1")
	fold(s,
		&PlaylistCreated{PlaylistID: "pl-1", Name: "queue"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "a"},
		&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "b"},
	)

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		Playlists: []SyncPlaylist{{
			ID: "pl-1", Name: "queue", UpdatedAt: decideBase,
			Items: []SyncPlaylistItem{{Feed: "f1", Item: "b", Position: 0}},
			Base: []SyncPlaylistItem{
				{Feed: "f1", Item: "a", Position: 0},
				{Feed: "f1", Item: "b", Position: 1},
			},
		}},
	})

	var unsaved []string
	for _, p := range dec.Events {
		if e, ok := p.(*EpisodeUnsaved); ok {
			unsaved = append(unsaved, e.Item)
		}
	}
	if len(unsaved) != 1 || unsaved[0] != "a" {
		t.Errorf("Expected a to be unsaved, got %v", unsaved)
	}
}

// An unknown playlist from the device is created wholesale.
func TestDecideSyncPlaylistCreation(t *testing.T) {
	s := NewState("u1")

	dec := mustDecide(t, s, &Sync{
		Meta: Meta{UserID: "u1"},
		Playlists: []SyncPlaylist{{
			Name: "road trip", IsPublic: true, UpdatedAt: decideBase,
			Items: []SyncPlaylistItem{
				{Feed: "f1", Item: "b", Position: 1},
				{Feed: "f1", Item: "a", Position: 0},
			},
		}},
	})

	if _, ok := dec.Events[0].(*PlaylistCreated); !ok {
		t.Fatalf("Expected PlaylistCreated first, got %T", dec.Events[0])
	}
	first := dec.Events[1].(*EpisodeSaved)
	if first.Item != "a" {
		t.Errorf("Expected saves in position order, got %s first", first.Item)
	}
	last, ok := dec.Events[len(dec.Events)-1].(*PlaylistVisibilityChanged)
	if !ok || !last.IsPublic {
		t.Error("Expected a public visibility event for the new playlist")
	}
}

func TestDecideSnapshotCleanup(t *testing.T) {
	now := decideBase
	old := now.Add(-60 * 24 * time.Hour)

	s := NewState("u1")
	s.ApplyPayload(&UserSubscribed{Feed: "live", SubscribedAt: old}, old)
	s.ApplyPayload(&UserSubscribed{Feed: "stale", SubscribedAt: old}, old)
	s.ApplyPayload(&UserUnsubscribed{Feed: "stale", UnsubscribedAt: old.Add(time.Hour)}, old)
	s.ApplyPayload(&UserSubscribed{Feed: "recent", SubscribedAt: old}, old)
	s.ApplyPayload(&UserUnsubscribed{Feed: "recent", UnsubscribedAt: now.Add(-time.Hour)}, now)
	s.ApplyPayload(&EpisodeSaved{Playlist: "queue", Feed: "f1", Item: "a"}, old)
	s.ApplyPayload(&EpisodeUnsaved{Playlist: "queue", Feed: "f1", Item: "a"}, old)

	d := Decider{CheckpointRetention: 45 * 24 * time.Hour}

	dec, err := d.Decide(s, &Snapshot{Meta: Meta{UserID: "u1"}, CleanupOldEvents: true}, now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	cp := dec.Events[0].(*UserCheckpoint)

	feeds := make(map[string]bool, len(cp.Subscriptions))
	for _, sub := range cp.Subscriptions {
		feeds[sub.Feed] = true
	}
	if !feeds["live"] {
		t.Error("Expected live subscription kept")
	}
	if feeds["stale"] {
		t.Error("Expected stale unsubscribe dropped")
	}
	if !feeds["recent"] {
		t.Error("Expected recent unsubscribe kept")
	}
	if len(cp.Playlists) != 1 || len(cp.Playlists[0].Removed) != 0 {
		t.Error("Expected old playlist tombstones dropped")
	}

	// Without cleanup everything survives.
	dec, err = d.Decide(s, &Snapshot{Meta: Meta{UserID: "u1"}}, now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	cp = dec.Events[0].(*UserCheckpoint)
	if len(cp.Subscriptions) != 3 {
		t.Errorf("Expected all 3 subscriptions kept, got %d", len(cp.Subscriptions))
	}
	if len(cp.Playlists[0].Removed) != 1 {
		t.Error("Expected tombstone kept without cleanup")
	}
}
