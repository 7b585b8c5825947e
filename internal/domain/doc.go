// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package domain implements the per-user aggregate for podcast
// synchronization: the event taxonomy, the pure decide/apply function pair,
// and the multi-device conflict resolver used by Sync.
//
// Nothing in this package performs I/O or reads the wall clock. Commands are
// decided against a replayed State with an injected timestamp, and the
// resulting events are folded back with Apply. The aggregate is the
// consistency boundary for exactly one user.
package domain
