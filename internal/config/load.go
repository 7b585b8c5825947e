// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order. The
// first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/earshot/config.yaml",
	"/etc/earshot/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// Default returns the built-in defaults, applied before file and env layers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/earshot.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = DuckDB decides
		},
		Dispatch: DispatchConfig{
			QueueSize:       256,
			MaxRetries:      3,
			IdleTTL:         10 * time.Minute,
			DefaultDeadline: 5 * time.Second,
		},
		Projection: ProjectionConfig{
			BatchSize:    500,
			PollInterval: 2 * time.Second,
			MaxBackoff:   30 * time.Second,
			HaltAfter:    10,
		},
		Journal: JournalConfig{
			Path:         "/data/journal",
			SyncWrites:   true,
			ConfirmedTTL: time.Hour,
			GCInterval:   10 * time.Minute,
			ReplayEvery:  30 * time.Second,
			ReplayMaxTry: 20,
		},
		Compaction: CompactionConfig{
			Interval:                15 * time.Minute,
			CheckpointRetentionDays: 45,
			PruneRetentionDays:      31,
			DispatchRate:            10,
			StreamLimit:             1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources: defaults, then an
// optional YAML file, then environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to config paths. Unmapped
// variables return empty and are skipped, so stray environment noise cannot
// leak into the configuration.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"http_host":             "server.host",
		"http_port":             "server.port",
		"http_read_timeout":     "server.read_timeout",
		"http_write_timeout":    "server.write_timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",
		"rate_limit_requests":   "server.rate_limit_reqs",
		"rate_limit_window":     "server.rate_limit_window",

		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		"dispatch_queue_size":       "dispatch.queue_size",
		"dispatch_max_retries":      "dispatch.max_retries",
		"dispatch_idle_ttl":         "dispatch.idle_ttl",
		"dispatch_default_deadline": "dispatch.default_deadline",

		"projection_batch_size":    "projection.batch_size",
		"projection_poll_interval": "projection.poll_interval",
		"projection_max_backoff":   "projection.max_backoff",
		"projection_halt_after":    "projection.halt_after",

		"journal_path":          "journal.path",
		"journal_sync_writes":   "journal.sync_writes",
		"journal_confirmed_ttl": "journal.confirmed_ttl",
		"journal_gc_interval":   "journal.gc_interval",
		"journal_replay_every":  "journal.replay_every",
		"journal_replay_max":    "journal.replay_max_attempts",

		"compaction_interval":       "compaction.interval",
		"checkpoint_retention_days": "compaction.checkpoint_retention_days",
		"prune_retention_days":      "compaction.prune_retention_days",
		"compaction_dispatch_rate":  "compaction.dispatch_rate",
		"compaction_stream_limit":   "compaction.stream_limit",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}
	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
