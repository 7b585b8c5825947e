// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package metrics exposes Prometheus instrumentation for the sync core:
// command dispatch, conflict resolution, projection lag, journal depth, and
// compaction progress.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Command dispatch.
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "earshot_command_duration_seconds",
			Help:    "End-to-end duration of command dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "outcome"}, // outcome: ok, domain_error, conflict, timeout, busy
	)

	CommandRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "earshot_command_version_retries_total",
			Help: "Total optimistic-concurrency retries during dispatch",
		},
	)

	ActiveActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "earshot_dispatch_active_actors",
			Help: "Per-user actors currently resident in memory",
		},
	)

	// Conflict resolution.
	SyncConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earshot_sync_conflicts_total",
			Help: "Conflicts resolved during Sync, by type and resolution",
		},
		[]string{"type", "resolution"},
	)

	// Event log.
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earshot_events_appended_total",
			Help: "Events appended to the log, by kind",
		},
		[]string{"kind"},
	)

	// Projections.
	ProjectorLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "earshot_projector_lag_events",
			Help: "Events between the log head and each projector's offset",
		},
		[]string{"projector"},
	)

	ProjectorBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "earshot_projector_batches_total",
			Help: "Projection batches processed, by projector and outcome",
		},
		[]string{"projector", "outcome"}, // outcome: ok, error
	)

	ProjectorHalted = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "earshot_projector_halted",
			Help: "1 when a projector halted on a poison position",
		},
		[]string{"projector"},
	)

	// Command journal.
	JournalDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "earshot_journal_pending_entries",
			Help: "Commands journaled but not yet confirmed",
		},
	)

	JournalReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "earshot_journal_replays_total",
			Help: "Journaled commands re-dispatched after a restart or failure",
		},
	)

	// Checkpoint and compaction.
	CheckpointsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "earshot_checkpoints_written_total",
			Help: "User checkpoints appended by the compaction worker",
		},
	)

	EventsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "earshot_events_pruned_total",
			Help: "Events removed by prune-after-checkpoint compaction",
		},
	)
)

// ObserveCommand records one dispatch outcome.
func ObserveCommand(command, outcome string, start time.Time) {
	CommandDuration.WithLabelValues(command, outcome).Observe(time.Since(start).Seconds())
}
