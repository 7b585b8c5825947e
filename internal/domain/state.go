// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"time"

	"github.com/google/uuid"
)

// defaultCollectionNamespace seeds the deterministic default-collection ID.
// Changing it would orphan every existing default collection.
var defaultCollectionNamespace = uuid.MustParse("9f2c8a4e-7d31-4c52-9b0e-5a6f1d8e2c47")

// DefaultCollectionID derives the one default-collection ID for a user.
// The same user always maps to the same ID, which is what lets the process
// manager issue idempotent creation attempts.
func DefaultCollectionID(userID string) string {
	return uuid.NewSHA1(defaultCollectionNamespace, []byte("default-collection-"+userID)).String()
}

// DefaultCollectionTitle is the title given to the auto-created collection.
const DefaultCollectionTitle = "All Subscriptions"

// Subscription is one feed's subscription record.
//
// The feed counts as subscribed iff SubscribedAt is set and either
// UnsubscribedAt is absent or SubscribedAt is newer.
type Subscription struct {
	Feed           string     `json:"feed"`
	SourceID       string     `json:"source_id"`
	SubscribedAt   time.Time  `json:"subscribed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
}

// Active reports whether the subscription is currently live.
func (s Subscription) Active() bool {
	if s.SubscribedAt.IsZero() {
		return false
	}
	return s.UnsubscribedAt == nil || s.SubscribedAt.After(*s.UnsubscribedAt)
}

// PlayStatus is the latest playback knowledge for one episode.
// Played is terminal: the episode counts as finished.
type PlayStatus struct {
	Feed      string    `json:"feed"`
	Item      string    `json:"item"`
	Position  int       `json:"position"`
	Played    bool      `json:"played"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlaylistItem is one saved episode inside a playlist. Removed items keep a
// tombstone with DeletedAt so checkpoint filters and three-way merges can see
// removals.
type PlaylistItem struct {
	Feed      string     `json:"feed"`
	Item      string     `json:"item"`
	ItemTitle string     `json:"item_title,omitempty"`
	FeedTitle string     `json:"feed_title,omitempty"`
	Position  int        `json:"position"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Playlist is a duplicate-free ordered sequence of episodes keyed by
// (feed, item). Items holds live entries with positions 0..len-1; Removed
// holds tombstones.
type Playlist struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	IsPublic    bool           `json:"is_public"`
	Items       []PlaylistItem `json:"items"`
	Removed     []PlaylistItem `json:"removed,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Deleted     bool           `json:"deleted,omitempty"`
}

func (p *Playlist) indexOf(feed, item string) int {
	for i, it := range p.Items {
		if it.Feed == feed && it.Item == item {
			return i
		}
	}
	return -1
}

func (p *Playlist) reindex() {
	for i := range p.Items {
		p.Items[i].Position = i
	}
}

// Collection groups subscribed feeds. FeedOrder is authoritative for display
// order; Feeds is the membership set.
type Collection struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Slug        string              `json:"slug"`
	IsDefault   bool                `json:"is_default"`
	Description string              `json:"description,omitempty"`
	Color       string              `json:"color,omitempty"`
	IsPublic    bool                `json:"is_public"`
	Feeds       map[string]struct{} `json:"feeds"`
	FeedOrder   []string            `json:"feed_order"`
	Deleted     bool                `json:"deleted,omitempty"`
}

// Has reports feed membership.
func (c *Collection) Has(feed string) bool {
	_, ok := c.Feeds[feed]
	return ok
}

// Privacy holds the default level plus per-feed and per-item overrides.
type Privacy struct {
	Default PrivacyLevel            `json:"default"`
	Feeds   map[string]PrivacyLevel `json:"feeds,omitempty"`
	Items   map[string]PrivacyLevel `json:"items,omitempty"`
}

// Effective resolves the level for an item within a feed.
// Precedence: item override > feed override > default.
func (p Privacy) Effective(feed, item string) PrivacyLevel {
	if item != "" {
		if lvl, ok := p.Items[item]; ok {
			return lvl
		}
	}
	if feed != "" {
		if lvl, ok := p.Feeds[feed]; ok {
			return lvl
		}
	}
	if p.Default == "" {
		return PrivacyPrivate
	}
	return p.Default
}

// State is the fold of one user's event stream.
type State struct {
	UserID        string
	Version       int64
	Privacy       Privacy
	Subscriptions map[string]Subscription
	PlayStatuses  map[string]PlayStatus
	Playlists     map[string]*Playlist
	Collections   map[string]*Collection
}

// NewState returns the empty aggregate for a user.
func NewState(userID string) *State {
	return &State{
		UserID:        userID,
		Privacy:       Privacy{Default: PrivacyPrivate},
		Subscriptions: make(map[string]Subscription),
		PlayStatuses:  make(map[string]PlayStatus),
		Playlists:     make(map[string]*Playlist),
		Collections:   make(map[string]*Collection),
	}
}

// Subscribed reports whether feed is currently subscribed.
func (s *State) Subscribed(feed string) bool {
	sub, ok := s.Subscriptions[feed]
	return ok && sub.Active()
}

// DefaultCollection returns the live default collection, or nil.
func (s *State) DefaultCollection() *Collection {
	for _, c := range s.Collections {
		if c.IsDefault && !c.Deleted {
			return c
		}
	}
	return nil
}

// playlistByName finds a live playlist by display name, or nil.
func (s *State) playlistByName(name string) *Playlist {
	for _, p := range s.Playlists {
		if !p.Deleted && p.Name == name {
			return p
		}
	}
	return nil
}

// liveCollectionBySlug finds a non-deleted collection by slug, or nil.
func (s *State) liveCollectionBySlug(slug string) *Collection {
	for _, c := range s.Collections {
		if !c.Deleted && c.Slug == slug {
			return c
		}
	}
	return nil
}

// Apply folds one event into the state. It is total: unknown combinations
// degrade to no-ops so that replay never fails mid-stream.
func (s *State) Apply(ev Event) {
	s.applyPayload(ev.Payload, ev.Timestamp)
	if ev.Version > s.Version {
		s.Version = ev.Version
	}
}

// ApplyPayload folds a payload with an explicit timestamp, without advancing
// the version. The dispatcher uses Apply; decide-time lookahead uses this.
func (s *State) ApplyPayload(p Payload, at time.Time) {
	s.applyPayload(p, at)
}

//nolint:gocyclo // exhaustive event switch; splitting it would hide the fold
func (s *State) applyPayload(p Payload, at time.Time) {
	switch e := p.(type) {
	case *UserSubscribed:
		sub := s.Subscriptions[e.Feed]
		sub.Feed = e.Feed
		sub.SourceID = e.SourceID
		sub.SubscribedAt = e.SubscribedAt
		s.Subscriptions[e.Feed] = sub

	case *UserUnsubscribed:
		sub, ok := s.Subscriptions[e.Feed]
		if !ok {
			// Unknown feed: the event is recorded but folds to nothing.
			return
		}
		t := e.UnsubscribedAt
		sub.UnsubscribedAt = &t
		if e.SourceID != "" {
			sub.SourceID = e.SourceID
		}
		s.Subscriptions[e.Feed] = sub

	case *PlayRecorded:
		s.PlayStatuses[e.Item] = PlayStatus{
			Feed: e.Feed, Item: e.Item,
			Position: e.Position, Played: e.Played, UpdatedAt: e.At,
		}

	case *PositionUpdated:
		st := s.PlayStatuses[e.Item]
		st.Feed = e.Feed
		st.Item = e.Item
		st.Position = e.Position
		st.UpdatedAt = e.At
		s.PlayStatuses[e.Item] = st

	case *EpisodeSaved:
		pl := s.playlistByName(e.Playlist)
		if pl == nil {
			// Implicit creation: the playlist ID is the name itself.
			pl = &Playlist{ID: e.Playlist, Name: e.Playlist}
			s.Playlists[pl.ID] = pl
		}
		if pl.indexOf(e.Feed, e.Item) >= 0 {
			return // duplicate suppression
		}
		pl.Items = append(pl.Items, PlaylistItem{
			Feed: e.Feed, Item: e.Item,
			ItemTitle: e.ItemTitle, FeedTitle: e.FeedTitle,
			Position: len(pl.Items),
		})
		pl.UpdatedAt = at

	case *EpisodeUnsaved:
		pl := s.playlistByName(e.Playlist)
		if pl == nil {
			return
		}
		i := pl.indexOf(e.Feed, e.Item)
		if i < 0 {
			return
		}
		removed := pl.Items[i]
		t := at
		removed.DeletedAt = &t
		pl.Removed = append(pl.Removed, removed)
		pl.Items = append(pl.Items[:i], pl.Items[i+1:]...)
		pl.reindex()
		pl.UpdatedAt = at

	case *EpisodeShared:
		// Shares carry no aggregate state; projectors score them.

	case *PrivacyChanged:
		switch e.Scope {
		case ScopeGlobal:
			s.Privacy.Default = e.Level
		case ScopeFeed:
			if s.Privacy.Feeds == nil {
				s.Privacy.Feeds = make(map[string]PrivacyLevel)
			}
			s.Privacy.Feeds[e.Feed] = e.Level
		case ScopeItem:
			if s.Privacy.Items == nil {
				s.Privacy.Items = make(map[string]PrivacyLevel)
			}
			s.Privacy.Items[e.Item] = e.Level
		}

	case *PlaylistCreated:
		if _, ok := s.Playlists[e.PlaylistID]; ok {
			return
		}
		s.Playlists[e.PlaylistID] = &Playlist{
			ID: e.PlaylistID, Name: e.Name, Description: e.Description,
			UpdatedAt: at,
		}

	case *PlaylistUpdated:
		pl, ok := s.Playlists[e.PlaylistID]
		if !ok || pl.Deleted {
			return
		}
		if e.Name != nil {
			pl.Name = *e.Name
		}
		if e.Description != nil {
			pl.Description = *e.Description
		}
		pl.UpdatedAt = at

	case *PlaylistDeleted:
		if pl, ok := s.Playlists[e.PlaylistID]; ok {
			pl.Deleted = true
		}

	case *PlaylistReordered:
		pl, ok := s.Playlists[e.PlaylistID]
		if !ok || pl.Deleted {
			return
		}
		byKey := make(map[ItemRef]PlaylistItem, len(pl.Items))
		for _, it := range pl.Items {
			byKey[ItemRef{Feed: it.Feed, Item: it.Item}] = it
		}
		next := make([]PlaylistItem, 0, len(e.Items))
		seen := make(map[ItemRef]struct{}, len(e.Items))
		for _, ref := range e.Items {
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			if it, ok := byKey[ref]; ok {
				next = append(next, it)
			}
		}
		// Items absent from the new ordering are dropped without tombstones:
		// the reorder event already carries the authoritative sequence.
		pl.Items = next
		pl.reindex()
		pl.UpdatedAt = at

	case *PlaylistVisibilityChanged:
		if pl, ok := s.Playlists[e.PlaylistID]; ok && !pl.Deleted {
			pl.IsPublic = e.IsPublic
			pl.UpdatedAt = at
		}

	case *CollectionCreated:
		if _, ok := s.Collections[e.CollectionID]; ok {
			return // idempotent creation attempt
		}
		s.Collections[e.CollectionID] = &Collection{
			ID: e.CollectionID, Title: e.Title, Slug: Slugify(e.Title),
			IsDefault: e.IsDefault, Description: e.Description, Color: e.Color,
			Feeds: make(map[string]struct{}),
		}

	case *CollectionUpdated:
		c, ok := s.Collections[e.CollectionID]
		if !ok || c.Deleted {
			return
		}
		if e.Title != nil {
			c.Title = *e.Title
			c.Slug = Slugify(*e.Title)
		}
		if e.Description != nil {
			c.Description = *e.Description
		}
		if e.Color != nil {
			c.Color = *e.Color
		}

	case *CollectionDeleted:
		if c, ok := s.Collections[e.CollectionID]; ok {
			c.Deleted = true
		}

	case *CollectionVisibilityChanged:
		if c, ok := s.Collections[e.CollectionID]; ok && !c.Deleted {
			c.IsPublic = e.IsPublic
		}

	case *FeedAddedToCollection:
		c, ok := s.Collections[e.CollectionID]
		if !ok || c.Deleted {
			return
		}
		if c.Has(e.Feed) {
			return
		}
		if c.Feeds == nil {
			c.Feeds = make(map[string]struct{})
		}
		c.Feeds[e.Feed] = struct{}{}
		c.FeedOrder = append(c.FeedOrder, e.Feed)

	case *FeedRemovedFromCollection:
		c, ok := s.Collections[e.CollectionID]
		if !ok || c.Deleted {
			return
		}
		delete(c.Feeds, e.Feed)
		for i, f := range c.FeedOrder {
			if f == e.Feed {
				c.FeedOrder = append(c.FeedOrder[:i], c.FeedOrder[i+1:]...)
				break
			}
		}

	case *CollectionFeedReordered:
		c, ok := s.Collections[e.CollectionID]
		if !ok || c.Deleted {
			return
		}
		next := make([]string, 0, len(e.FeedOrder))
		for _, f := range e.FeedOrder {
			if c.Has(f) {
				next = append(next, f)
			}
		}
		c.FeedOrder = next

	case *EventsRemoved:
		s.applyEventsRemoved(e)

	case *UserCheckpoint:
		s.applyCheckpoint(e)
	}
}

// applyEventsRemoved withdraws the aggregate's knowledge of the affected
// feed/item activity. Subscriptions and collections are untouched: those are
// withdrawn via their own commands.
func (s *State) applyEventsRemoved(e *EventsRemoved) {
	switch {
	case e.Item != "":
		delete(s.PlayStatuses, e.Item)
		delete(s.Privacy.Items, e.Item)
	case e.Feed != "":
		for item, st := range s.PlayStatuses {
			if st.Feed == e.Feed {
				delete(s.PlayStatuses, item)
			}
		}
		delete(s.Privacy.Feeds, e.Feed)
	}
}

// applyCheckpoint overwrites the four captured substates verbatim.
func (s *State) applyCheckpoint(cp *UserCheckpoint) {
	s.Subscriptions = make(map[string]Subscription, len(cp.Subscriptions))
	for _, sub := range cp.Subscriptions {
		s.Subscriptions[sub.Feed] = sub
	}
	s.PlayStatuses = make(map[string]PlayStatus, len(cp.PlayStatuses))
	for _, st := range cp.PlayStatuses {
		s.PlayStatuses[st.Item] = st
	}
	s.Playlists = make(map[string]*Playlist, len(cp.Playlists))
	for i := range cp.Playlists {
		pl := clonePlaylist(cp.Playlists[i])
		s.Playlists[pl.ID] = pl
	}
	s.Collections = make(map[string]*Collection, len(cp.Collections))
	for i := range cp.Collections {
		c := cloneCollection(cp.Collections[i])
		s.Collections[c.ID] = c
	}
}

// Replay folds events in order onto a fresh state.
func Replay(userID string, events []Event) *State {
	s := NewState(userID)
	for _, ev := range events {
		s.Apply(ev)
	}
	return s
}

func clonePlaylist(p Playlist) *Playlist {
	cp := p
	cp.Items = append([]PlaylistItem(nil), p.Items...)
	cp.Removed = append([]PlaylistItem(nil), p.Removed...)
	return &cp
}

func cloneCollection(c Collection) *Collection {
	cc := c
	cc.Feeds = make(map[string]struct{}, len(c.Feeds))
	for f := range c.Feeds {
		cc.Feeds[f] = struct{}{}
	}
	cc.FeedOrder = append([]string(nil), c.FeedOrder...)
	return &cc
}
