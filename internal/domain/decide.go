// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Decision is the outcome of a successfully decided command: the payloads to
// append, in order, plus any conflict reports produced by Sync.
type Decision struct {
	Events    []Payload
	Conflicts []ConflictInfo
}

// Decider holds the few policy knobs decide needs. It stays a pure function
// of (state, command, now): the clock is injected by the caller.
type Decider struct {
	// CheckpointRetention is the age past which Snapshot's cleanup filters
	// drop dead subscriptions and removed playlist items.
	CheckpointRetention time.Duration
}

// Decide validates cmd against the current state and returns the events to
// append. A DomainError rejection leaves the stream untouched.
//
//nolint:gocyclo // exhaustive command switch; one arm per command family
func (d Decider) Decide(s *State, cmd Command, now time.Time) (Decision, error) {
	switch c := cmd.(type) {
	case *Subscribe:
		at := now
		if c.SubscribedAt != nil {
			at = *c.SubscribedAt
		}
		return oneEvent(&UserSubscribed{Feed: c.Feed, SourceID: c.SourceID, SubscribedAt: at}), nil

	case *Unsubscribe:
		at := now
		if c.UnsubscribedAt != nil {
			at = *c.UnsubscribedAt
		}
		// Unknown feeds still get the event recorded; folding it is a no-op.
		return oneEvent(&UserUnsubscribed{Feed: c.Feed, SourceID: c.SourceID, UnsubscribedAt: at}), nil

	case *RecordPlay:
		at := now
		if c.At != nil {
			at = *c.At
		}
		return oneEvent(&PlayRecorded{
			Feed: c.Feed, Item: c.Item,
			Position: clampPosition(c.Position), Played: c.Played, At: at,
		}), nil

	case *UpdatePosition:
		at := now
		if c.At != nil {
			at = *c.At
		}
		return oneEvent(&PositionUpdated{
			Feed: c.Feed, Item: c.Item, Position: clampPosition(c.Position), At: at,
		}), nil

	case *SaveEpisode:
		return oneEvent(&EpisodeSaved{
			Playlist: c.Playlist, Feed: c.Feed, Item: c.Item,
			ItemTitle: c.ItemTitle, FeedTitle: c.FeedTitle,
		}), nil

	case *UnsaveEpisode:
		return oneEvent(&EpisodeUnsaved{Playlist: c.Playlist, Feed: c.Feed, Item: c.Item}), nil

	case *ShareEpisode:
		return oneEvent(&EpisodeShared{Feed: c.Feed, Item: c.Item}), nil

	case *ChangePrivacy:
		return d.decideChangePrivacy(c)

	case *CreatePlaylist:
		return d.decideCreatePlaylist(s, c)

	case *UpdatePlaylist:
		pl := s.Playlists[c.PlaylistID]
		if pl == nil || pl.Deleted {
			return Decision{}, domainErr(ErrPlaylistNotFound, c.PlaylistID)
		}
		if c.Name != nil && strings.TrimSpace(*c.Name) == "" {
			return Decision{}, domainErr(ErrEmptyTitle, "playlist name must not be blank")
		}
		return oneEvent(&PlaylistUpdated{PlaylistID: c.PlaylistID, Name: c.Name, Description: c.Description}), nil

	case *DeletePlaylist:
		pl := s.Playlists[c.PlaylistID]
		if pl == nil || pl.Deleted {
			return Decision{}, domainErr(ErrPlaylistNotFound, c.PlaylistID)
		}
		return oneEvent(&PlaylistDeleted{PlaylistID: c.PlaylistID}), nil

	case *ReorderPlaylist:
		pl := s.Playlists[c.PlaylistID]
		if pl == nil || pl.Deleted {
			return Decision{}, domainErr(ErrPlaylistNotFound, c.PlaylistID)
		}
		// The event carries the complete new ordering so replay is
		// deterministic regardless of prior state.
		return oneEvent(&PlaylistReordered{PlaylistID: c.PlaylistID, Items: c.Items}), nil

	case *ChangePlaylistVisibility:
		pl := s.Playlists[c.PlaylistID]
		if pl == nil || pl.Deleted {
			return Decision{}, domainErr(ErrPlaylistNotFound, c.PlaylistID)
		}
		return oneEvent(&PlaylistVisibilityChanged{PlaylistID: c.PlaylistID, IsPublic: c.IsPublic}), nil

	case *CreateCollection:
		return d.decideCreateCollection(s, c)

	case *UpdateCollection:
		return d.decideUpdateCollection(s, c)

	case *DeleteCollection:
		col := s.Collections[c.CollectionID]
		if col == nil || col.Deleted {
			return Decision{}, domainErr(ErrCollectionNotFound, c.CollectionID)
		}
		if col.IsDefault {
			return Decision{}, domainErr(ErrCannotDeleteDefault, c.CollectionID)
		}
		return oneEvent(&CollectionDeleted{CollectionID: c.CollectionID}), nil

	case *ChangeCollectionVisibility:
		col := s.Collections[c.CollectionID]
		if col == nil || col.Deleted {
			return Decision{}, domainErr(ErrCollectionNotFound, c.CollectionID)
		}
		return oneEvent(&CollectionVisibilityChanged{CollectionID: c.CollectionID, IsPublic: c.IsPublic}), nil

	case *AddFeedToCollection:
		col := s.Collections[c.CollectionID]
		if col == nil || col.Deleted {
			return Decision{}, domainErr(ErrCollectionNotFound, c.CollectionID)
		}
		if !s.Subscribed(c.Feed) {
			return Decision{}, domainErr(ErrFeedNotSubscribed, c.Feed)
		}
		if col.Has(c.Feed) {
			return Decision{}, nil // already a member
		}
		return oneEvent(&FeedAddedToCollection{CollectionID: c.CollectionID, Feed: c.Feed}), nil

	case *RemoveFeedFromCollection:
		col := s.Collections[c.CollectionID]
		if col == nil || col.Deleted {
			return Decision{}, domainErr(ErrCollectionNotFound, c.CollectionID)
		}
		if !col.Has(c.Feed) {
			return Decision{}, nil
		}
		return oneEvent(&FeedRemovedFromCollection{CollectionID: c.CollectionID, Feed: c.Feed}), nil

	case *ReorderCollectionFeed:
		return d.decideReorderCollectionFeed(s, c)

	case *RemoveEvents:
		if c.Feed == "" && c.Item == "" {
			return Decision{}, nil
		}
		return oneEvent(&EventsRemoved{Feed: c.Feed, Item: c.Item}), nil

	case *Sync:
		return d.decideSync(s, c, now)

	case *Snapshot:
		return oneEvent(d.buildCheckpoint(s, now, c.CleanupOldEvents)), nil

	default:
		return Decision{}, fmt.Errorf("decide: unknown command %T", cmd)
	}
}

func oneEvent(p Payload) Decision {
	return Decision{Events: []Payload{p}}
}

// clampPosition enforces position >= 0 without rejecting the command; a
// negative position is a client artifact, not a domain rule violation.
func clampPosition(p int) int {
	if p < 0 {
		return 0
	}
	return p
}

func (d Decider) decideChangePrivacy(c *ChangePrivacy) (Decision, error) {
	if !ValidPrivacyLevel(c.Level) {
		return Decision{}, domainErr(ErrInvalidPrivacyLevel, string(c.Level))
	}
	switch c.Scope {
	case ScopeGlobal:
	case ScopeFeed:
		if c.Feed == "" {
			return Decision{}, domainErr(ErrInvalidPrivacyLevel, "feed scope requires a feed")
		}
	case ScopeItem:
		if c.Item == "" {
			return Decision{}, domainErr(ErrInvalidPrivacyLevel, "item scope requires an item")
		}
	default:
		return Decision{}, domainErr(ErrInvalidPrivacyLevel, "unknown scope "+string(c.Scope))
	}
	return oneEvent(&PrivacyChanged{Scope: c.Scope, Feed: c.Feed, Item: c.Item, Level: c.Level}), nil
}

func (d Decider) decideCreatePlaylist(s *State, c *CreatePlaylist) (Decision, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Decision{}, domainErr(ErrEmptyTitle, "playlist name must not be blank")
	}
	id := c.PlaylistID
	if id == "" {
		id = uuid.New().String()
	} else if _, ok := s.Playlists[id]; ok {
		return Decision{}, nil // idempotent creation attempt
	}
	return oneEvent(&PlaylistCreated{PlaylistID: id, Name: c.Name, Description: c.Description}), nil
}

func (d Decider) decideCreateCollection(s *State, c *CreateCollection) (Decision, error) {
	if strings.TrimSpace(c.Title) == "" {
		return Decision{}, domainErr(ErrEmptyTitle, "collection title must not be blank")
	}
	if c.IsDefault && s.DefaultCollection() != nil {
		return Decision{}, domainErr(ErrDefaultCollectionExists, s.UserID)
	}
	id := c.CollectionID
	if id == "" {
		id = uuid.New().String()
	} else if _, ok := s.Collections[id]; ok {
		return Decision{}, nil // idempotent creation attempt
	}
	if dup := s.liveCollectionBySlug(Slugify(c.Title)); dup != nil && dup.ID != id {
		return Decision{}, domainErr(ErrDuplicateSlug, Slugify(c.Title))
	}
	return oneEvent(&CollectionCreated{
		CollectionID: id, Title: c.Title, IsDefault: c.IsDefault,
		Description: c.Description, Color: c.Color,
	}), nil
}

func (d Decider) decideUpdateCollection(s *State, c *UpdateCollection) (Decision, error) {
	col := s.Collections[c.CollectionID]
	if col == nil || col.Deleted {
		return Decision{}, domainErr(ErrCollectionNotFound, c.CollectionID)
	}
	if c.Title != nil {
		if strings.TrimSpace(*c.Title) == "" {
			return Decision{}, domainErr(ErrEmptyTitle, "collection title must not be blank")
		}
		if dup := s.liveCollectionBySlug(Slugify(*c.Title)); dup != nil && dup.ID != col.ID {
			return Decision{}, domainErr(ErrDuplicateSlug, Slugify(*c.Title))
		}
	}
	return oneEvent(&CollectionUpdated{
		CollectionID: c.CollectionID, Title: c.Title,
		Description: c.Description, Color: c.Color,
	}), nil
}

func (d Decider) decideReorderCollectionFeed(s *State, c *ReorderCollectionFeed) (Decision, error) {
	col := s.Collections[c.CollectionID]
	if col == nil || col.Deleted {
		return Decision{}, domainErr(ErrCollectionNotFound, c.CollectionID)
	}
	if !col.Has(c.Feed) {
		return Decision{}, nil
	}
	order := make([]string, 0, len(col.FeedOrder))
	for _, f := range col.FeedOrder {
		if f != c.Feed {
			order = append(order, f)
		}
	}
	pos := c.NewPosition
	if pos < 0 {
		pos = 0
	}
	if pos > len(order) {
		pos = len(order)
	}
	order = append(order[:pos], append([]string{c.Feed}, order[pos:]...)...)
	return oneEvent(&CollectionFeedReordered{
		CollectionID: c.CollectionID, Feed: c.Feed,
		NewPosition: pos, FeedOrder: order,
	}), nil
}

// decideSync runs the conflict resolver over every entry the device reports.
// The device's view is the resolver's local side; the aggregate is remote.
// Whenever the two sides genuinely diverge the winner is emitted as an event,
// even when the winner is the aggregate's own state, so every device observes
// the resolution on the stream. The whole batch is appended atomically by the
// dispatcher.
func (d Decider) decideSync(s *State, c *Sync, now time.Time) (Decision, error) {
	var dec Decision

	for _, dev := range c.Subscriptions {
		local := SubscriptionView{
			SourceID:       dev.SourceID,
			SubscribedAt:   dev.SubscribedAt,
			UnsubscribedAt: dev.UnsubscribedAt,
		}
		remote := SubscriptionView{}
		if sub, ok := s.Subscriptions[dev.Feed]; ok {
			remote.SourceID = sub.SourceID
			if !sub.SubscribedAt.IsZero() {
				t := sub.SubscribedAt
				remote.SubscribedAt = &t
			}
			remote.UnsubscribedAt = sub.UnsubscribedAt
		}

		winner, res := ResolveSubscription(local, remote)
		if res == ResolutionNoConflict {
			continue
		}

		reason := "Newer device subscription state"
		switch res {
		case ResolutionRemoteWins:
			reason = "Newer recorded subscription state"
		case ResolutionMerged:
			reason = "Timestamp tie resolved toward subscribed"
		}
		dec.Conflicts = append(dec.Conflicts, ConflictInfo{
			Type: ConflictSubscription, Key: dev.Feed,
			Local: local, Remote: remote,
			Resolution: res, Reason: reason,
		})

		if winner.Subscribed() {
			at := now
			if winner.SubscribedAt != nil {
				at = *winner.SubscribedAt
			}
			dec.Events = append(dec.Events, &UserSubscribed{
				Feed: dev.Feed, SourceID: winner.SourceID, SubscribedAt: at,
			})
		} else if winner.UnsubscribedAt != nil {
			dec.Events = append(dec.Events, &UserUnsubscribed{
				Feed: dev.Feed, SourceID: winner.SourceID, UnsubscribedAt: *winner.UnsubscribedAt,
			})
		}
	}

	for _, dev := range c.PlayStatuses {
		local := PlayView{
			Position:  clampPosition(dev.Position),
			Played:    dev.Played,
			Reset:     dev.Reset,
			UpdatedAt: dev.UpdatedAt,
		}

		stored, known := s.PlayStatuses[dev.Item]
		if !known {
			dec.Events = append(dec.Events, &PlayRecorded{
				Feed: dev.Feed, Item: dev.Item,
				Position: local.Position, Played: local.Played,
				At: dev.UpdatedAt,
			})
			continue
		}

		remote := PlayView{
			Position:  stored.Position,
			Played:    stored.Played,
			UpdatedAt: stored.UpdatedAt,
		}
		winner, res, info := ResolvePlayStatus(dev.Item, local, remote)
		if info != nil {
			dec.Conflicts = append(dec.Conflicts, *info)
		}
		if res == ResolutionNoConflict {
			continue
		}
		dec.Events = append(dec.Events, &PlayRecorded{
			Feed: dev.Feed, Item: dev.Item,
			Position: winner.Position, Played: winner.Played,
			At: winner.UpdatedAt,
		})
	}

	for i := range c.Playlists {
		d.syncPlaylist(s, &c.Playlists[i], &dec)
	}

	return dec, nil
}

// syncPlaylist merges one device playlist and appends the delta events.
func (d Decider) syncPlaylist(s *State, dev *SyncPlaylist, dec *Decision) {
	stored := s.Playlists[dev.ID]
	if stored == nil || stored.Deleted {
		stored = s.playlistByName(dev.Name)
	}

	if stored == nil || stored.Deleted {
		id := dev.ID
		if id == "" {
			id = dev.Name
		}
		dec.Events = append(dec.Events, &PlaylistCreated{
			PlaylistID: id, Name: dev.Name, Description: dev.Description,
		})
		items := append([]SyncPlaylistItem(nil), dev.Items...)
		sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
		for _, it := range items {
			dec.Events = append(dec.Events, &EpisodeSaved{
				Playlist: dev.Name, Feed: it.Feed, Item: it.Item,
				ItemTitle: it.ItemTitle, FeedTitle: it.FeedTitle,
			})
		}
		if dev.IsPublic {
			dec.Events = append(dec.Events, &PlaylistVisibilityChanged{PlaylistID: id, IsPublic: true})
		}
		return
	}

	res := ResolvePlaylist(stored, stored.UpdatedAt, *dev)

	if res.Resolution == ResolutionMerged {
		dec.Conflicts = append(dec.Conflicts, ConflictInfo{
			Type: ConflictPlaylist, Key: stored.ID,
			Resolution: ResolutionMerged, Reason: "Item sets diverged; three-way merge applied",
		})
	}

	have := make(map[ItemRef]struct{}, len(stored.Items))
	for _, it := range stored.Items {
		have[ItemRef{Feed: it.Feed, Item: it.Item}] = struct{}{}
	}
	want := make(map[ItemRef]SyncPlaylistItem, len(res.Items))
	for _, it := range res.Items {
		want[ItemRef{Feed: it.Feed, Item: it.Item}] = it
	}

	for _, it := range res.Items {
		if _, ok := have[ItemRef{Feed: it.Feed, Item: it.Item}]; !ok {
			dec.Events = append(dec.Events, &EpisodeSaved{
				Playlist: stored.Name, Feed: it.Feed, Item: it.Item,
				ItemTitle: it.ItemTitle, FeedTitle: it.FeedTitle,
			})
		}
	}
	for _, it := range stored.Items {
		ref := ItemRef{Feed: it.Feed, Item: it.Item}
		if _, ok := want[ref]; !ok {
			dec.Events = append(dec.Events, &EpisodeUnsaved{
				Playlist: stored.Name, Feed: it.Feed, Item: it.Item,
			})
		}
	}
	if res.Resolution == ResolutionMerged {
		refs := make([]ItemRef, len(res.Items))
		for i, it := range res.Items {
			refs[i] = ItemRef{Feed: it.Feed, Item: it.Item}
		}
		dec.Events = append(dec.Events, &PlaylistReordered{PlaylistID: stored.ID, Items: refs})
	}

	if res.UseDeviceMeta {
		if dev.Name != stored.Name || dev.Description != stored.Description {
			upd := &PlaylistUpdated{PlaylistID: stored.ID}
			if dev.Name != stored.Name && dev.Name != "" {
				n := dev.Name
				upd.Name = &n
			}
			if dev.Description != stored.Description {
				desc := dev.Description
				upd.Description = &desc
			}
			dec.Events = append(dec.Events, upd)
		}
		if dev.IsPublic != stored.IsPublic {
			dec.Events = append(dec.Events, &PlaylistVisibilityChanged{
				PlaylistID: stored.ID, IsPublic: dev.IsPublic,
			})
		}
	}
}

// buildCheckpoint folds the current state into a UserCheckpoint payload.
// With cleanup enabled, subscriptions dead longer than the retention window
// and playlist tombstones older than it are dropped; the filters never touch
// live state.
func (d Decider) buildCheckpoint(s *State, now time.Time, cleanup bool) *UserCheckpoint {
	retention := d.CheckpointRetention
	if retention <= 0 {
		retention = 45 * 24 * time.Hour
	}
	cutoff := now.Add(-retention)

	cp := &UserCheckpoint{}

	feeds := make([]string, 0, len(s.Subscriptions))
	for f := range s.Subscriptions {
		feeds = append(feeds, f)
	}
	sort.Strings(feeds)
	for _, f := range feeds {
		sub := s.Subscriptions[f]
		if cleanup && sub.UnsubscribedAt != nil &&
			sub.UnsubscribedAt.After(sub.SubscribedAt) &&
			sub.UnsubscribedAt.Before(cutoff) {
			continue
		}
		cp.Subscriptions = append(cp.Subscriptions, sub)
	}

	items := make([]string, 0, len(s.PlayStatuses))
	for it := range s.PlayStatuses {
		items = append(items, it)
	}
	sort.Strings(items)
	for _, it := range items {
		cp.PlayStatuses = append(cp.PlayStatuses, s.PlayStatuses[it])
	}

	plIDs := make([]string, 0, len(s.Playlists))
	for id := range s.Playlists {
		plIDs = append(plIDs, id)
	}
	sort.Strings(plIDs)
	for _, id := range plIDs {
		pl := s.Playlists[id]
		if pl.Deleted {
			continue
		}
		snap := *clonePlaylist(*pl)
		if cleanup {
			kept := snap.Removed[:0]
			for _, rm := range snap.Removed {
				if rm.DeletedAt != nil && rm.DeletedAt.Before(cutoff) {
					continue
				}
				kept = append(kept, rm)
			}
			snap.Removed = kept
		}
		cp.Playlists = append(cp.Playlists, snap)
	}

	colIDs := make([]string, 0, len(s.Collections))
	for id := range s.Collections {
		colIDs = append(colIDs, id)
	}
	sort.Strings(colIDs)
	for _, id := range colIDs {
		col := s.Collections[id]
		if col.Deleted {
			continue
		}
		cp.Collections = append(cp.Collections, *cloneCollection(*col))
	}

	return cp
}
