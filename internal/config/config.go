// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package config loads layered configuration with Koanf v2: built-in
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Projection ProjectionConfig `koanf:"projection"`
	Journal    JournalConfig    `koanf:"journal"`
	Compaction CompactionConfig `koanf:"compaction"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DatabaseConfig covers the DuckDB event log and read models.
type DatabaseConfig struct {
	// Path is the DuckDB file. Empty means in-memory, which loses the log
	// on restart; only the journal survives.
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// DispatchConfig covers the command dispatcher.
type DispatchConfig struct {
	QueueSize       int           `koanf:"queue_size"`
	MaxRetries      int           `koanf:"max_retries"`
	IdleTTL         time.Duration `koanf:"idle_ttl"`
	DefaultDeadline time.Duration `koanf:"default_deadline"`
}

// ProjectionConfig covers the read-model pipeline.
type ProjectionConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxBackoff   time.Duration `koanf:"max_backoff"`
	HaltAfter    int           `koanf:"halt_after"`
}

// JournalConfig covers the BadgerDB command journal.
type JournalConfig struct {
	Path         string        `koanf:"path"`
	SyncWrites   bool          `koanf:"sync_writes"`
	ConfirmedTTL time.Duration `koanf:"confirmed_ttl"`
	GCInterval   time.Duration `koanf:"gc_interval"`
	ReplayEvery  time.Duration `koanf:"replay_every"`
	ReplayMaxTry int           `koanf:"replay_max_attempts"`
}

// CompactionConfig covers the checkpoint and prune worker.
type CompactionConfig struct {
	Interval                time.Duration `koanf:"interval"`
	CheckpointRetentionDays int           `koanf:"checkpoint_retention_days"`
	PruneRetentionDays      int           `koanf:"prune_retention_days"`
	DispatchRate            float64       `koanf:"dispatch_rate"`
	StreamLimit             int           `koanf:"stream_limit"`
}

// LoggingConfig covers zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be positive, got %d", c.Dispatch.QueueSize)
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("dispatch.max_retries must be positive, got %d", c.Dispatch.MaxRetries)
	}
	if c.Projection.BatchSize < 1 {
		return fmt.Errorf("projection.batch_size must be positive, got %d", c.Projection.BatchSize)
	}
	if c.Projection.HaltAfter < 1 {
		return fmt.Errorf("projection.halt_after must be positive, got %d", c.Projection.HaltAfter)
	}
	if c.Compaction.CheckpointRetentionDays < c.Compaction.PruneRetentionDays {
		return fmt.Errorf("compaction.checkpoint_retention_days (%d) must be >= prune_retention_days (%d): pruning ahead of checkpointing would drop unfolded events",
			c.Compaction.CheckpointRetentionDays, c.Compaction.PruneRetentionDays)
	}
	if c.Compaction.PruneRetentionDays < 1 {
		return fmt.Errorf("compaction.prune_retention_days must be positive, got %d", c.Compaction.PruneRetentionDays)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of trace, debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// CheckpointRetention returns the checkpoint retention as a duration.
func (c CompactionConfig) CheckpointRetention() time.Duration {
	return time.Duration(c.CheckpointRetentionDays) * 24 * time.Hour
}

// PruneRetention returns the prune retention as a duration.
func (c CompactionConfig) PruneRetention() time.Duration {
	return time.Duration(c.PruneRetentionDays) * 24 * time.Hour
}
