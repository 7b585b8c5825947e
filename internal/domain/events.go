// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags the payload type of a stored event.
type EventKind string

// All event kinds recorded on a user stream.
const (
	KindUserSubscribed              EventKind = "UserSubscribed"
	KindUserUnsubscribed            EventKind = "UserUnsubscribed"
	KindPlayRecorded                EventKind = "PlayRecorded"
	KindPositionUpdated             EventKind = "PositionUpdated"
	KindEpisodeSaved                EventKind = "EpisodeSaved"
	KindEpisodeUnsaved              EventKind = "EpisodeUnsaved"
	KindEpisodeShared               EventKind = "EpisodeShared"
	KindPrivacyChanged              EventKind = "PrivacyChanged"
	KindPlaylistCreated             EventKind = "PlaylistCreated"
	KindPlaylistUpdated             EventKind = "PlaylistUpdated"
	KindPlaylistDeleted             EventKind = "PlaylistDeleted"
	KindPlaylistReordered           EventKind = "PlaylistReordered"
	KindPlaylistVisibilityChanged   EventKind = "PlaylistVisibilityChanged"
	KindCollectionCreated           EventKind = "CollectionCreated"
	KindCollectionUpdated           EventKind = "CollectionUpdated"
	KindCollectionDeleted           EventKind = "CollectionDeleted"
	KindCollectionVisibilityChanged EventKind = "CollectionVisibilityChanged"
	KindFeedAddedToCollection       EventKind = "FeedAddedToCollection"
	KindFeedRemovedFromCollection   EventKind = "FeedRemovedFromCollection"
	KindCollectionFeedReordered     EventKind = "CollectionFeedReordered"
	KindEventsRemoved               EventKind = "EventsRemoved"
	KindUserCheckpoint              EventKind = "UserCheckpoint"
)

// PrivacyLevel controls visibility of a user's activity at some scope.
type PrivacyLevel string

// Valid privacy levels, most to least visible.
const (
	PrivacyPublic    PrivacyLevel = "public"
	PrivacyAnonymous PrivacyLevel = "anonymous"
	PrivacyPrivate   PrivacyLevel = "private"
)

// ValidPrivacyLevel reports whether l is one of the three known levels.
func ValidPrivacyLevel(l PrivacyLevel) bool {
	return l == PrivacyPublic || l == PrivacyAnonymous || l == PrivacyPrivate
}

// PrivacyScope names the scope of a PrivacyChanged event.
type PrivacyScope string

// Privacy scopes, in override precedence order item > feed > global.
const (
	ScopeGlobal PrivacyScope = "global"
	ScopeFeed   PrivacyScope = "feed"
	ScopeItem   PrivacyScope = "item"
)

// EventInfos carries the originating device, when the transport knows it.
type EventInfos struct {
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

// Payload is a typed event payload. Implementations are plain data structs;
// Kind is used for codec dispatch and stream storage.
type Payload interface {
	Kind() EventKind
}

// Event is one immutable record on a user stream.
//
// Version is 1-based and gap-free per stream. Position is strictly increasing
// across the whole log but not contiguous per stream. Timestamp is the server
// clock at append time.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Position  int64       `json:"position"`
	StreamID  string      `json:"stream_id"`
	Version   int64       `json:"version"`
	EventKind EventKind   `json:"type"`
	Payload   Payload     `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Infos     *EventInfos `json:"event_infos,omitempty"`
}

// UserSubscribed records a feed subscription. Re-subscribing emits a fresh
// event on purpose: it refreshes subscribed_at and source_id.
type UserSubscribed struct {
	Feed         string    `json:"feed"`
	SourceID     string    `json:"source_id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

func (UserSubscribed) Kind() EventKind { return KindUserSubscribed }

// UserUnsubscribed records a feed unsubscription. Emitted even for feeds the
// aggregate has never seen; projectors treat those as no-ops.
type UserUnsubscribed struct {
	Feed           string    `json:"feed"`
	SourceID       string    `json:"source_id,omitempty"`
	UnsubscribedAt time.Time `json:"unsubscribed_at"`
}

func (UserUnsubscribed) Kind() EventKind { return KindUserUnsubscribed }

// PlayRecorded records a playback observation for an episode.
type PlayRecorded struct {
	Feed     string    `json:"feed"`
	Item     string    `json:"item"`
	Position int       `json:"position"`
	Played   bool      `json:"played"`
	At       time.Time `json:"at"`
}

func (PlayRecorded) Kind() EventKind { return KindPlayRecorded }

// PositionUpdated records a bare position change without a play/stop edge.
type PositionUpdated struct {
	Feed     string    `json:"feed"`
	Item     string    `json:"item"`
	Position int       `json:"position"`
	At       time.Time `json:"at"`
}

func (PositionUpdated) Kind() EventKind { return KindPositionUpdated }

// EpisodeSaved adds an episode to a playlist. If the playlist does not exist
// yet, applying this event creates it implicitly with Name == Playlist.
type EpisodeSaved struct {
	Playlist  string `json:"playlist"`
	Feed      string `json:"feed"`
	Item      string `json:"item"`
	ItemTitle string `json:"item_title,omitempty"`
	FeedTitle string `json:"feed_title,omitempty"`
}

func (EpisodeSaved) Kind() EventKind { return KindEpisodeSaved }

// EpisodeUnsaved removes an episode from a playlist.
type EpisodeUnsaved struct {
	Playlist string `json:"playlist"`
	Feed     string `json:"feed"`
	Item     string `json:"item"`
}

func (EpisodeUnsaved) Kind() EventKind { return KindEpisodeUnsaved }

// EpisodeShared records that the user shared an episode.
type EpisodeShared struct {
	Feed string `json:"feed"`
	Item string `json:"item"`
}

func (EpisodeShared) Kind() EventKind { return KindEpisodeShared }

// PrivacyChanged sets the privacy level at global, feed, or item scope.
type PrivacyChanged struct {
	Scope PrivacyScope `json:"scope"`
	Feed  string       `json:"feed,omitempty"`
	Item  string       `json:"item,omitempty"`
	Level PrivacyLevel `json:"level"`
}

func (PrivacyChanged) Kind() EventKind { return KindPrivacyChanged }

// PlaylistCreated creates a named playlist.
type PlaylistCreated struct {
	PlaylistID  string `json:"playlist_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (PlaylistCreated) Kind() EventKind { return KindPlaylistCreated }

// PlaylistUpdated changes playlist metadata. Nil fields are untouched.
type PlaylistUpdated struct {
	PlaylistID  string  `json:"playlist_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (PlaylistUpdated) Kind() EventKind { return KindPlaylistUpdated }

// PlaylistDeleted tombstones a playlist.
type PlaylistDeleted struct {
	PlaylistID string `json:"playlist_id"`
}

func (PlaylistDeleted) Kind() EventKind { return KindPlaylistDeleted }

// ItemRef identifies an episode inside a feed.
type ItemRef struct {
	Feed string `json:"feed"`
	Item string `json:"item"`
}

// PlaylistReordered carries the complete new ordering. Items not listed are
// dropped, which keeps replay deterministic regardless of prior state.
type PlaylistReordered struct {
	PlaylistID string    `json:"playlist_id"`
	Items      []ItemRef `json:"items"`
}

func (PlaylistReordered) Kind() EventKind { return KindPlaylistReordered }

// PlaylistVisibilityChanged toggles public visibility of a playlist.
type PlaylistVisibilityChanged struct {
	PlaylistID string `json:"playlist_id"`
	IsPublic   bool   `json:"is_public"`
}

func (PlaylistVisibilityChanged) Kind() EventKind { return KindPlaylistVisibilityChanged }

// CollectionCreated creates a feed collection. Exactly one collection per
// user may carry IsDefault.
type CollectionCreated struct {
	CollectionID string `json:"collection_id"`
	Title        string `json:"title"`
	IsDefault    bool   `json:"is_default"`
	Description  string `json:"description,omitempty"`
	Color        string `json:"color,omitempty"`
}

func (CollectionCreated) Kind() EventKind { return KindCollectionCreated }

// CollectionUpdated changes collection metadata. Nil fields are untouched.
type CollectionUpdated struct {
	CollectionID string  `json:"collection_id"`
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Color        *string `json:"color,omitempty"`
}

func (CollectionUpdated) Kind() EventKind { return KindCollectionUpdated }

// CollectionDeleted tombstones a collection. The default collection cannot
// be deleted.
type CollectionDeleted struct {
	CollectionID string `json:"collection_id"`
}

func (CollectionDeleted) Kind() EventKind { return KindCollectionDeleted }

// CollectionVisibilityChanged toggles public visibility of a collection.
type CollectionVisibilityChanged struct {
	CollectionID string `json:"collection_id"`
	IsPublic     bool   `json:"is_public"`
}

func (CollectionVisibilityChanged) Kind() EventKind { return KindCollectionVisibilityChanged }

// FeedAddedToCollection adds a currently subscribed feed to a collection.
type FeedAddedToCollection struct {
	CollectionID string `json:"collection_id"`
	Feed         string `json:"feed"`
}

func (FeedAddedToCollection) Kind() EventKind { return KindFeedAddedToCollection }

// FeedRemovedFromCollection removes a feed from a collection.
type FeedRemovedFromCollection struct {
	CollectionID string `json:"collection_id"`
	Feed         string `json:"feed"`
}

func (FeedRemovedFromCollection) Kind() EventKind { return KindFeedRemovedFromCollection }

// CollectionFeedReordered moves one feed and carries the complete resulting
// order so replay never depends on prior state.
type CollectionFeedReordered struct {
	CollectionID string   `json:"collection_id"`
	Feed         string   `json:"feed"`
	NewPosition  int      `json:"new_position"`
	FeedOrder    []string `json:"feed_order"`
}

func (CollectionFeedReordered) Kind() EventKind { return KindCollectionFeedReordered }

// EventsRemoved records a compaction intent: activity for the given feed
// and/or item is withdrawn. Projectors drop derived rows and recompute
// popularity for the affected keys.
type EventsRemoved struct {
	Feed string `json:"feed,omitempty"`
	Item string `json:"item,omitempty"`
}

func (EventsRemoved) Kind() EventKind { return KindEventsRemoved }

// UserCheckpoint is a fold-in-a-box: applying it replaces the four captured
// substates verbatim. Replay may start at the latest checkpoint and fold only
// newer events; both folds yield the same state.
type UserCheckpoint struct {
	Subscriptions []Subscription `json:"subscriptions"`
	PlayStatuses  []PlayStatus   `json:"play_statuses"`
	Playlists     []Playlist     `json:"playlists"`
	Collections   []Collection   `json:"collections"`
}

func (UserCheckpoint) Kind() EventKind { return KindUserCheckpoint }
