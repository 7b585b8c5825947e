// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"fmt"

	"github.com/goccy/go-json"
)

// payloadFactories maps every event kind to a constructor for its payload
// type. Decoding an unknown kind is an error: the log never contains kinds
// this build does not know about, except after a downgrade, which must fail
// loudly rather than skip events.
var payloadFactories = map[EventKind]func() Payload{
	KindUserSubscribed:              func() Payload { return &UserSubscribed{} },
	KindUserUnsubscribed:            func() Payload { return &UserUnsubscribed{} },
	KindPlayRecorded:                func() Payload { return &PlayRecorded{} },
	KindPositionUpdated:             func() Payload { return &PositionUpdated{} },
	KindEpisodeSaved:                func() Payload { return &EpisodeSaved{} },
	KindEpisodeUnsaved:              func() Payload { return &EpisodeUnsaved{} },
	KindEpisodeShared:               func() Payload { return &EpisodeShared{} },
	KindPrivacyChanged:              func() Payload { return &PrivacyChanged{} },
	KindPlaylistCreated:             func() Payload { return &PlaylistCreated{} },
	KindPlaylistUpdated:             func() Payload { return &PlaylistUpdated{} },
	KindPlaylistDeleted:             func() Payload { return &PlaylistDeleted{} },
	KindPlaylistReordered:           func() Payload { return &PlaylistReordered{} },
	KindPlaylistVisibilityChanged:   func() Payload { return &PlaylistVisibilityChanged{} },
	KindCollectionCreated:           func() Payload { return &CollectionCreated{} },
	KindCollectionUpdated:           func() Payload { return &CollectionUpdated{} },
	KindCollectionDeleted:           func() Payload { return &CollectionDeleted{} },
	KindCollectionVisibilityChanged: func() Payload { return &CollectionVisibilityChanged{} },
	KindFeedAddedToCollection:       func() Payload { return &FeedAddedToCollection{} },
	KindFeedRemovedFromCollection:   func() Payload { return &FeedRemovedFromCollection{} },
	KindCollectionFeedReordered:     func() Payload { return &CollectionFeedReordered{} },
	KindEventsRemoved:               func() Payload { return &EventsRemoved{} },
	KindUserCheckpoint:              func() Payload { return &UserCheckpoint{} },
}

// KnownKind reports whether k names a registered payload type.
func KnownKind(k EventKind) bool {
	_, ok := payloadFactories[k]
	return ok
}

// EncodePayload serializes a payload to JSON for log storage.
func EncodePayload(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return data, nil
}

// DecodePayload deserializes a stored payload by its kind tag.
func DecodePayload(kind EventKind, data []byte) (Payload, error) {
	factory, ok := payloadFactories[kind]
	if !ok {
		return nil, fmt.Errorf("decode payload: unknown event kind %q", kind)
	}
	p := factory()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", kind, err)
	}
	return p, nil
}

// commandFactories maps command names to constructors, mirroring
// payloadFactories. The journal uses it to re-dispatch commands that were
// admitted but not yet acknowledged when the process died.
var commandFactories = map[string]func() Command{
	"Subscribe":                  func() Command { return &Subscribe{} },
	"Unsubscribe":                func() Command { return &Unsubscribe{} },
	"RecordPlay":                 func() Command { return &RecordPlay{} },
	"UpdatePosition":             func() Command { return &UpdatePosition{} },
	"SaveEpisode":                func() Command { return &SaveEpisode{} },
	"UnsaveEpisode":              func() Command { return &UnsaveEpisode{} },
	"ShareEpisode":               func() Command { return &ShareEpisode{} },
	"ChangePrivacy":              func() Command { return &ChangePrivacy{} },
	"CreatePlaylist":             func() Command { return &CreatePlaylist{} },
	"UpdatePlaylist":             func() Command { return &UpdatePlaylist{} },
	"DeletePlaylist":             func() Command { return &DeletePlaylist{} },
	"ReorderPlaylist":            func() Command { return &ReorderPlaylist{} },
	"ChangePlaylistVisibility":   func() Command { return &ChangePlaylistVisibility{} },
	"CreateCollection":           func() Command { return &CreateCollection{} },
	"UpdateCollection":           func() Command { return &UpdateCollection{} },
	"DeleteCollection":           func() Command { return &DeleteCollection{} },
	"ChangeCollectionVisibility": func() Command { return &ChangeCollectionVisibility{} },
	"AddFeedToCollection":        func() Command { return &AddFeedToCollection{} },
	"RemoveFeedFromCollection":   func() Command { return &RemoveFeedFromCollection{} },
	"ReorderCollectionFeed":      func() Command { return &ReorderCollectionFeed{} },
	"RemoveEvents":               func() Command { return &RemoveEvents{} },
	"Sync":                       func() Command { return &Sync{} },
	"Snapshot":                   func() Command { return &Snapshot{} },
}

// EncodeCommand serializes a command for journaling.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", cmd.CommandName(), err)
	}
	return data, nil
}

// DecodeCommand deserializes a journaled command by its name.
func DecodeCommand(name string, data []byte) (Command, error) {
	factory, ok := commandFactories[name]
	if !ok {
		return nil, fmt.Errorf("decode command: unknown command %q", name)
	}
	cmd := factory()
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("unmarshal %s command: %w", name, err)
	}
	return cmd, nil
}

// EncodeInfos serializes optional device infos; nil encodes to nil.
func EncodeInfos(infos *EventInfos) ([]byte, error) {
	if infos == nil {
		return nil, nil
	}
	data, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("marshal event infos: %w", err)
	}
	return data, nil
}

// DecodeInfos deserializes optional device infos; empty input yields nil.
func DecodeInfos(data []byte) (*EventInfos, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var infos EventInfos
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("unmarshal event infos: %w", err)
	}
	return &infos, nil
}
