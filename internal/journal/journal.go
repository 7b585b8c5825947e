// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package journal gives the write path crash-safe admission. Commands
// accepted by the transport are persisted to BadgerDB before dispatch and
// confirmed after the dispatcher acknowledges; unconfirmed entries are
// re-dispatched on startup and by the retry loop. Re-dispatch is plain
// at-least-once: the aggregate's idempotent decisions absorb duplicates.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/metrics"
)

// Journal errors.
var (
	ErrClosed        = errors.New("journal: closed")
	ErrEntryNotFound = errors.New("journal: entry not found")
)

// Key prefixes separate pending entries from confirmed ones awaiting
// compaction.
const (
	prefixPending   = "pending:"
	prefixConfirmed = "confirmed:"
)

// Entry is one journaled command.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	CommandName string          `json:"command_name"`
	Command     json.RawMessage `json:"command"`
	CreatedAt   time.Time       `json:"created_at"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
}

// DecodeCommand rebuilds the typed command.
func (e *Entry) DecodeCommand() (domain.Command, error) {
	return domain.DecodeCommand(e.CommandName, e.Command)
}

// Config holds journal tuning.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string
	// InMemory runs Badger without a directory, for tests.
	InMemory bool
	// SyncWrites fsyncs every admission. Default true.
	SyncWrites bool
	// ConfirmedTTL is how long confirmed entries linger before compaction
	// drops them. Default 1h.
	ConfirmedTTL time.Duration
	// GCInterval is how often the compactor runs. Default 10m.
	GCInterval time.Duration
	// GCRatio is Badger's value-log rewrite threshold. Default 0.5.
	GCRatio float64
}

func (c Config) withDefaults() Config {
	if c.ConfirmedTTL <= 0 {
		c.ConfirmedTTL = time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}
	if c.GCRatio <= 0 {
		c.GCRatio = 0.5
	}
	return c
}

// Journal is a BadgerDB-backed command journal.
type Journal struct {
	db  *badger.DB
	cfg Config
	now func() time.Time

	pending atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the journal.
func Open(cfg Config) (*Journal, error) {
	cfg = cfg.withDefaults()
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("journal: path required")
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites && !cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open badger: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
	n, err := j.countPending()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.pending.Store(n)
	metrics.JournalDepth.Set(float64(n))

	logging.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).
		Int64("pending", n).Msg("JOURNAL: Opened")
	return j, nil
}

// Admit persists cmd before dispatch and returns the entry ID to confirm.
func (j *Journal) Admit(ctx context.Context, cmd domain.Command) (string, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return "", ErrClosed
	}
	j.mu.RUnlock()

	payload, err := domain.EncodeCommand(cmd)
	if err != nil {
		return "", err
	}
	entry := &Entry{
		ID:          uuid.New().String(),
		UserID:      cmd.AggregateID(),
		CommandName: cmd.CommandName(),
		Command:     payload,
		CreatedAt:   j.now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("journal: marshal entry: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixPending+entry.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("journal: admit %s: %w", cmd.CommandName(), err)
	}

	metrics.JournalDepth.Set(float64(j.pending.Add(1)))
	return entry.ID, nil
}

// Confirm moves an entry from pending to confirmed. Confirmed entries carry
// a TTL and vanish at the next compaction.
func (j *Journal) Confirm(ctx context.Context, entryID string) error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	j.mu.RUnlock()

	err := j.db.Update(func(txn *badger.Txn) error {
		pendingKey := []byte(prefixPending + entryID)
		item, err := txn.Get(pendingKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		var data []byte
		if err := item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		e := badger.NewEntry([]byte(prefixConfirmed+entryID), data).WithTTL(j.cfg.ConfirmedTTL)
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		return txn.Delete(pendingKey)
	})
	if err != nil {
		return fmt.Errorf("journal: confirm %s: %w", entryID, err)
	}

	metrics.JournalDepth.Set(float64(j.pending.Add(-1)))
	return nil
}

// MarkAttempt records a failed dispatch on a pending entry.
func (j *Journal) MarkAttempt(ctx context.Context, entryID string, attemptErr error) error {
	return j.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixPending + entryID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		var entry Entry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}
		entry.Attempts++
		if attemptErr != nil {
			entry.LastError = attemptErr.Error()
		}
		data, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// Pending returns all unconfirmed entries, oldest first.
func (j *Journal) Pending(ctx context.Context) ([]*Entry, error) {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil, ErrClosed
	}
	j.mu.RUnlock()

	var entries []*Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).
					Msg("JOURNAL: Skipping malformed entry")
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: iterate pending: %w", err)
	}

	sortEntriesByAge(entries)
	return entries, nil
}

// Depth returns the number of pending entries.
func (j *Journal) Depth() int64 { return j.pending.Load() }

// RunGC triggers Badger's value-log garbage collection once.
func (j *Journal) RunGC() {
	if j.cfg.InMemory {
		return
	}
	// Badger returns ErrNoRewrite when there is nothing to collect.
	if err := j.db.RunValueLogGC(j.cfg.GCRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		logging.Warn().Err(err).Msg("JOURNAL: Value log GC failed")
	}
}

// Close shuts the journal down.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()
	return j.db.Close()
}

func (j *Journal) countPending() (int64, error) {
	var n int64
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("journal: count pending: %w", err)
	}
	return n, nil
}

func sortEntriesByAge(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for k := i; k > 0 && entries[k].CreatedAt.Before(entries[k-1].CreatedAt); k-- {
			entries[k], entries[k-1] = entries[k-1], entries[k]
		}
	}
}
