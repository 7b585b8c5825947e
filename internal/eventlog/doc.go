// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package eventlog stores the append-only per-user event streams.
//
// Each stream is one user's history. Versions are 1-based and gap-free within
// a stream; positions are strictly increasing across the whole log. Append is
// guarded by optimistic concurrency: callers state the version they built on
// and get ErrVersionConflict when the stream moved underneath them.
package eventlog
