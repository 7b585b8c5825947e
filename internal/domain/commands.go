// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import "time"

// Meta carries the routing identity every command shares. UserID comes from
// the authentication collaborator; Infos is the originating device if known.
type Meta struct {
	UserID string      `json:"user_id"`
	Infos  *EventInfos `json:"event_infos,omitempty"`
}

// AggregateID routes the command to its user stream.
func (m Meta) AggregateID() string { return m.UserID }

// EventInfosRef returns the device infos to stamp on emitted events.
func (m Meta) EventInfosRef() *EventInfos { return m.Infos }

// SetMeta overwrites the routing identity. The transport uses it to stamp
// the authenticated user onto a decoded command body, so a client cannot
// smuggle someone else's user_id in the payload.
func (m *Meta) SetMeta(meta Meta) { *m = meta }

// Command is an intent to change one user's state. One command yields zero
// or more events.
type Command interface {
	CommandName() string
	AggregateID() string
	EventInfosRef() *EventInfos
}

// Subscribe subscribes a feed. SubscribedAt defaults to the injected clock.
type Subscribe struct {
	Meta
	Feed         string     `json:"feed"`
	SourceID     string     `json:"source_id"`
	SubscribedAt *time.Time `json:"subscribed_at,omitempty"`
}

func (Subscribe) CommandName() string { return "Subscribe" }

// Unsubscribe unsubscribes a feed. Emits even for unknown feeds.
type Unsubscribe struct {
	Meta
	Feed           string     `json:"feed"`
	SourceID       string     `json:"source_id,omitempty"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
}

func (Unsubscribe) CommandName() string { return "Unsubscribe" }

// RecordPlay records a playback observation.
type RecordPlay struct {
	Meta
	Feed     string     `json:"feed"`
	Item     string     `json:"item"`
	Position int        `json:"position"`
	Played   bool       `json:"played"`
	At       *time.Time `json:"at,omitempty"`
}

func (RecordPlay) CommandName() string { return "RecordPlay" }

// UpdatePosition records a bare position change.
type UpdatePosition struct {
	Meta
	Feed     string     `json:"feed"`
	Item     string     `json:"item"`
	Position int        `json:"position"`
	At       *time.Time `json:"at,omitempty"`
}

func (UpdatePosition) CommandName() string { return "UpdatePosition" }

// SaveEpisode saves an episode to a playlist, creating the playlist
// implicitly when it does not exist.
type SaveEpisode struct {
	Meta
	Playlist  string `json:"playlist"`
	Feed      string `json:"feed"`
	Item      string `json:"item"`
	ItemTitle string `json:"item_title,omitempty"`
	FeedTitle string `json:"feed_title,omitempty"`
}

func (SaveEpisode) CommandName() string { return "SaveEpisode" }

// UnsaveEpisode removes an episode from a playlist.
type UnsaveEpisode struct {
	Meta
	Playlist string `json:"playlist"`
	Feed     string `json:"feed"`
	Item     string `json:"item"`
}

func (UnsaveEpisode) CommandName() string { return "UnsaveEpisode" }

// ShareEpisode records an episode share.
type ShareEpisode struct {
	Meta
	Feed string `json:"feed"`
	Item string `json:"item"`
}

func (ShareEpisode) CommandName() string { return "ShareEpisode" }

// ChangePrivacy sets a privacy level at some scope.
type ChangePrivacy struct {
	Meta
	Scope PrivacyScope `json:"scope"`
	Feed  string       `json:"feed,omitempty"`
	Item  string       `json:"item,omitempty"`
	Level PrivacyLevel `json:"level"`
}

func (ChangePrivacy) CommandName() string { return "ChangePrivacy" }

// CreatePlaylist creates a playlist explicitly.
type CreatePlaylist struct {
	Meta
	PlaylistID  string `json:"playlist_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (CreatePlaylist) CommandName() string { return "CreatePlaylist" }

// UpdatePlaylist updates playlist metadata; nil fields stay untouched.
type UpdatePlaylist struct {
	Meta
	PlaylistID  string  `json:"playlist_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (UpdatePlaylist) CommandName() string { return "UpdatePlaylist" }

// DeletePlaylist tombstones a playlist.
type DeletePlaylist struct {
	Meta
	PlaylistID string `json:"playlist_id"`
}

func (DeletePlaylist) CommandName() string { return "DeletePlaylist" }

// ReorderPlaylist replaces the playlist ordering with Items; entries not
// listed are dropped.
type ReorderPlaylist struct {
	Meta
	PlaylistID string    `json:"playlist_id"`
	Items      []ItemRef `json:"items"`
}

func (ReorderPlaylist) CommandName() string { return "ReorderPlaylist" }

// ChangePlaylistVisibility toggles public visibility.
type ChangePlaylistVisibility struct {
	Meta
	PlaylistID string `json:"playlist_id"`
	IsPublic   bool   `json:"is_public"`
}

func (ChangePlaylistVisibility) CommandName() string { return "ChangePlaylistVisibility" }

// CreateCollection creates a collection. A present CollectionID makes the
// attempt idempotent; an absent one gets a fresh ID.
type CreateCollection struct {
	Meta
	CollectionID string `json:"collection_id,omitempty"`
	Title        string `json:"title"`
	IsDefault    bool   `json:"is_default"`
	Description  string `json:"description,omitempty"`
	Color        string `json:"color,omitempty"`
}

func (CreateCollection) CommandName() string { return "CreateCollection" }

// UpdateCollection updates collection metadata; nil fields stay untouched.
type UpdateCollection struct {
	Meta
	CollectionID string  `json:"collection_id"`
	Title        *string `json:"title,omitempty"`
	Description  *string `json:"description,omitempty"`
	Color        *string `json:"color,omitempty"`
}

func (UpdateCollection) CommandName() string { return "UpdateCollection" }

// DeleteCollection tombstones a collection; the default one is protected.
type DeleteCollection struct {
	Meta
	CollectionID string `json:"collection_id"`
}

func (DeleteCollection) CommandName() string { return "DeleteCollection" }

// ChangeCollectionVisibility toggles public visibility.
type ChangeCollectionVisibility struct {
	Meta
	CollectionID string `json:"collection_id"`
	IsPublic     bool   `json:"is_public"`
}

func (ChangeCollectionVisibility) CommandName() string { return "ChangeCollectionVisibility" }

// AddFeedToCollection adds a currently subscribed feed.
type AddFeedToCollection struct {
	Meta
	CollectionID string `json:"collection_id"`
	Feed         string `json:"feed"`
}

func (AddFeedToCollection) CommandName() string { return "AddFeedToCollection" }

// RemoveFeedFromCollection removes a feed from a collection.
type RemoveFeedFromCollection struct {
	Meta
	CollectionID string `json:"collection_id"`
	Feed         string `json:"feed"`
}

func (RemoveFeedFromCollection) CommandName() string { return "RemoveFeedFromCollection" }

// ReorderCollectionFeed moves one feed to a new position.
type ReorderCollectionFeed struct {
	Meta
	CollectionID string `json:"collection_id"`
	Feed         string `json:"feed"`
	NewPosition  int    `json:"new_position"`
}

func (ReorderCollectionFeed) CommandName() string { return "ReorderCollectionFeed" }

// RemoveEvents records a compaction intent for a feed and/or item.
type RemoveEvents struct {
	Meta
	Feed string `json:"feed,omitempty"`
	Item string `json:"item,omitempty"`
}

func (RemoveEvents) CommandName() string { return "RemoveEvents" }

// Sync reconciles a device's divergent view against the aggregate. One event
// is emitted per resolved change; conflict reports ride on the Decision.
type Sync struct {
	Meta
	Subscriptions []SyncSubscription `json:"subscriptions,omitempty"`
	PlayStatuses  []SyncPlayStatus   `json:"play_statuses,omitempty"`
	Playlists     []SyncPlaylist     `json:"playlists,omitempty"`
}

func (Sync) CommandName() string { return "Sync" }

// Snapshot asks the aggregate to emit a UserCheckpoint. CleanupOldEvents
// additionally applies the retention filters so the checkpoint sheds stale
// unsubscribes and long-deleted playlist items.
type Snapshot struct {
	Meta
	CleanupOldEvents bool `json:"cleanup_old_events,omitempty"`
}

func (Snapshot) CommandName() string { return "Snapshot" }

// SyncSubscription is a device's view of one feed subscription.
type SyncSubscription struct {
	Feed           string     `json:"feed"`
	SourceID       string     `json:"source_id,omitempty"`
	SubscribedAt   *time.Time `json:"subscribed_at,omitempty"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
}

// SyncPlayStatus is a device's view of one episode's playback.
// Reset marks a deliberate restart; it wins over any recorded progress.
type SyncPlayStatus struct {
	Feed      string    `json:"feed"`
	Item      string    `json:"item"`
	Position  int       `json:"position"`
	Played    bool      `json:"played"`
	Reset     bool      `json:"reset,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncPlaylistItem is one playlist entry as a device sees it.
type SyncPlaylistItem struct {
	Feed      string `json:"feed"`
	Item      string `json:"item"`
	ItemTitle string `json:"item_title,omitempty"`
	FeedTitle string `json:"feed_title,omitempty"`
	Position  int    `json:"position"`
}

// SyncPlaylist is a device's view of one playlist. Base, when present, is the
// last state the device and server agreed on; it drives removal detection in
// the three-way merge. An absent Base degrades to union semantics.
type SyncPlaylist struct {
	ID          string             `json:"id,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	IsPublic    bool               `json:"is_public,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Items       []SyncPlaylistItem `json:"items"`
	Base        []SyncPlaylistItem `json:"base,omitempty"`
}
