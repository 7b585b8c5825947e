// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import (
	"sort"
	"time"
)

// Resolution labels the outcome of a merge decision.
type Resolution string

// Merge outcomes. "local" is the syncing device's view, "remote" is the
// aggregate's stored state. The device initiated the merge, so reports read
// from its perspective.
const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerged     Resolution = "merged"
	ResolutionNoConflict Resolution = "no_conflict"
)

// ConflictType names the domain of a conflict report.
type ConflictType string

// Conflict report types.
const (
	ConflictSubscription ConflictType = "subscription"
	ConflictPlayPosition ConflictType = "play_position"
	ConflictPlaylist     ConflictType = "playlist"
	ConflictPrivacy      ConflictType = "privacy"
)

// ConflictInfo describes one non-trivial merge decision, returned to the
// syncing caller so clients can surface what happened.
type ConflictInfo struct {
	Type       ConflictType `json:"type"`
	Key        string       `json:"key"`
	Local      interface{}  `json:"local,omitempty"`
	Remote     interface{}  `json:"remote,omitempty"`
	Resolution Resolution   `json:"resolution"`
	Reason     string       `json:"reason"`
}

// SubscriptionView is the side-neutral shape both merge inputs reduce to.
type SubscriptionView struct {
	SourceID       string     `json:"source_id,omitempty"`
	SubscribedAt   *time.Time `json:"subscribed_at,omitempty"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty"`
}

// Subscribed reports whether the view represents a live subscription.
func (v SubscriptionView) Subscribed() bool {
	if v.SubscribedAt == nil {
		return false
	}
	return v.UnsubscribedAt == nil || v.SubscribedAt.After(*v.UnsubscribedAt)
}

// effectiveTime is max(subscribed_at, unsubscribed_at), epoch zero when both
// are missing.
func (v SubscriptionView) effectiveTime() time.Time {
	var t time.Time
	if v.SubscribedAt != nil {
		t = *v.SubscribedAt
	}
	if v.UnsubscribedAt != nil && v.UnsubscribedAt.After(t) {
		t = *v.UnsubscribedAt
	}
	return t
}

// ResolveSubscription merges two subscription views with last-writer-wins on
// the effective timestamp. A timestamp tie with diverging states prefers the
// subscribed side and reports a merge.
func ResolveSubscription(local, remote SubscriptionView) (SubscriptionView, Resolution) {
	lt, rt := local.effectiveTime(), remote.effectiveTime()

	switch {
	case lt.After(rt):
		return local, ResolutionLocalWins
	case rt.After(lt):
		return remote, ResolutionRemoteWins
	}

	// Tie. Identical outcomes are not a conflict; diverging outcomes prefer
	// the subscribed side.
	if local.Subscribed() == remote.Subscribed() {
		return local, ResolutionNoConflict
	}
	if local.Subscribed() {
		return local, ResolutionMerged
	}
	return remote, ResolutionMerged
}

// PlayView is the side-neutral playback shape used by the resolver. Reset is
// only meaningful on the local (device) side: a deliberate restart wins over
// any recorded progress.
type PlayView struct {
	Position  int       `json:"position"`
	Played    bool      `json:"played"`
	Reset     bool      `json:"reset,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResolvePlayStatus merges playback progress with highest-progress-wins
// semantics and explicit overrides:
//
//  1. local Reset wins unconditionally,
//  2. a side that finished the episode (Played) beats one that did not,
//  3. otherwise the greater Position wins,
//  4. on equal positions the newer UpdatedAt wins.
//
// Every decision between genuinely diverging sides yields a ConflictInfo.
func ResolvePlayStatus(key string, local, remote PlayView) (PlayView, Resolution, *ConflictInfo) {
	if local == remote {
		return local, ResolutionNoConflict, nil
	}

	report := func(winner PlayView, res Resolution, reason string) (PlayView, Resolution, *ConflictInfo) {
		return winner, res, &ConflictInfo{
			Type: ConflictPlayPosition, Key: key,
			Local: local, Remote: remote,
			Resolution: res, Reason: reason,
		}
	}

	if local.Reset {
		return report(local, ResolutionLocalWins, "Local reset overrides remote progress")
	}
	if local.Played != remote.Played {
		if local.Played {
			return report(local, ResolutionLocalWins, "Local marked played")
		}
		return report(remote, ResolutionRemoteWins, "Remote marked played")
	}
	if local.Position != remote.Position {
		if local.Position > remote.Position {
			return report(local, ResolutionLocalWins, "Higher local position")
		}
		return report(remote, ResolutionRemoteWins, "Higher remote position")
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return report(local, ResolutionLocalWins, "Newer local update")
	}
	return report(remote, ResolutionRemoteWins, "Newer remote update")
}

// PlaylistMergeResult is the outcome of a three-way playlist merge.
type PlaylistMergeResult struct {
	Items      []SyncPlaylistItem
	Resolution Resolution
	// UseDeviceMeta is true when metadata LWW picked the device side.
	UseDeviceMeta bool
}

// MergePlaylistItems performs the three-way item merge:
// union(local, remote) minus removals, where a removal is a base item absent
// from one side. A nil base means no removals can be detected and the merge
// degrades to a plain union. The result is ordered by ascending original
// position (ties broken by feed/item key) and re-indexed 0..n-1.
func MergePlaylistItems(local, remote, base []SyncPlaylistItem) []SyncPlaylistItem {
	type key struct{ feed, item string }
	k := func(it SyncPlaylistItem) key { return key{it.Feed, it.Item} }

	localSet := make(map[key]SyncPlaylistItem, len(local))
	for _, it := range local {
		localSet[k(it)] = it
	}
	remoteSet := make(map[key]SyncPlaylistItem, len(remote))
	for _, it := range remote {
		remoteSet[k(it)] = it
	}

	removed := make(map[key]struct{})
	for _, it := range base {
		bk := k(it)
		_, inLocal := localSet[bk]
		_, inRemote := remoteSet[bk]
		if !inLocal || !inRemote {
			removed[bk] = struct{}{}
		}
	}

	merged := make([]SyncPlaylistItem, 0, len(local)+len(remote))
	seen := make(map[key]struct{}, len(local)+len(remote))
	appendItem := func(it SyncPlaylistItem) {
		ik := k(it)
		if _, dup := seen[ik]; dup {
			return
		}
		if _, gone := removed[ik]; gone {
			return
		}
		seen[ik] = struct{}{}
		merged = append(merged, it)
	}
	for _, it := range local {
		appendItem(it)
	}
	for _, it := range remote {
		appendItem(it)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Position != merged[j].Position {
			return merged[i].Position < merged[j].Position
		}
		if merged[i].Feed != merged[j].Feed {
			return merged[i].Feed < merged[j].Feed
		}
		return merged[i].Item < merged[j].Item
	})
	for i := range merged {
		merged[i].Position = i
	}
	return merged
}

// ResolvePlaylist merges a device playlist (the local side) against the
// aggregate's stored one. Items use the three-way merge; metadata uses
// last-writer-wins on UpdatedAt.
func ResolvePlaylist(stored *Playlist, storedUpdatedAt time.Time, device SyncPlaylist) PlaylistMergeResult {
	storedItems := make([]SyncPlaylistItem, 0, len(stored.Items))
	for _, it := range stored.Items {
		storedItems = append(storedItems, SyncPlaylistItem{
			Feed: it.Feed, Item: it.Item,
			ItemTitle: it.ItemTitle, FeedTitle: it.FeedTitle,
			Position: it.Position,
		})
	}

	merged := MergePlaylistItems(device.Items, storedItems, device.Base)

	diverged := len(merged) != len(storedItems)
	if !diverged {
		for i := range merged {
			if merged[i].Feed != storedItems[i].Feed || merged[i].Item != storedItems[i].Item {
				diverged = true
				break
			}
		}
	}

	res := PlaylistMergeResult{Items: merged}
	res.UseDeviceMeta = device.UpdatedAt.After(storedUpdatedAt)
	switch {
	case diverged:
		res.Resolution = ResolutionMerged
	case res.UseDeviceMeta:
		res.Resolution = ResolutionLocalWins
	default:
		res.Resolution = ResolutionNoConflict
	}
	return res
}

// PrivacyView is one side's privacy setting with its change time.
type PrivacyView struct {
	Level     PrivacyLevel `json:"level"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ResolvePrivacy merges privacy settings with last-writer-wins.
func ResolvePrivacy(local, remote PrivacyView) (PrivacyView, Resolution) {
	if local.Level == remote.Level {
		return local, ResolutionNoConflict
	}
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return remote, ResolutionRemoteWins
	}
	return local, ResolutionLocalWins
}
