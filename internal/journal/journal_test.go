// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/eventlog"
)

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAdmitConfirmRoundTrip(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	cmd := &domain.Subscribe{Meta: domain.Meta{UserID: "u1"}, Feed: "f1"}
	id, err := j.Admit(ctx, cmd)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if j.Depth() != 1 {
		t.Fatalf("Expected depth 1, got %d", j.Depth())
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending entry, got %d", len(pending))
	}
	entry := pending[0]
	if entry.ID != id || entry.UserID != "u1" || entry.CommandName != "Subscribe" {
		t.Errorf("Unexpected entry %+v", entry)
	}

	decoded, err := entry.DecodeCommand()
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	sub, ok := decoded.(*domain.Subscribe)
	if !ok {
		t.Fatalf("Expected *Subscribe, got %T", decoded)
	}
	if sub.Feed != "f1" || sub.AggregateID() != "u1" {
		t.Errorf("Command fields lost in round trip: %+v", sub)
	}

	if err := j.Confirm(ctx, id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if j.Depth() != 0 {
		t.Errorf("Expected depth 0 after confirm, got %d", j.Depth())
	}
	pending, err = j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending entries, got %d", len(pending))
	}
}

func TestConfirmUnknownEntry(t *testing.T) {
	j := newJournal(t)
	err := j.Confirm(context.Background(), "missing")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound, got %v", err)
	}
}

func TestConfirmIsNotRepeatable(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	id, err := j.Admit(ctx, &domain.Subscribe{Meta: domain.Meta{UserID: "u1"}, Feed: "f1"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := j.Confirm(ctx, id); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := j.Confirm(ctx, id); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound on second confirm, got %v", err)
	}
}

func TestPendingOrderedByAge(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	times := []time.Time{base.Add(2 * time.Minute), base, base.Add(time.Minute)}
	feeds := []string{"f-late", "f-early", "f-mid"}
	for i := range times {
		at := times[i]
		j.now = func() time.Time { return at }
		if _, err := j.Admit(ctx, &domain.Subscribe{
			Meta: domain.Meta{UserID: "u1"}, Feed: feeds[i],
		}); err != nil {
			t.Fatalf("Admit %s: %v", feeds[i], err)
		}
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(pending))
	}
	want := []string{"f-early", "f-mid", "f-late"}
	for i, entry := range pending {
		cmd, err := entry.DecodeCommand()
		if err != nil {
			t.Fatalf("DecodeCommand: %v", err)
		}
		if got := cmd.(*domain.Subscribe).Feed; got != want[i] {
			t.Errorf("Entry %d: expected %s, got %s", i, want[i], got)
		}
	}
}

func TestMarkAttempt(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	id, err := j.Admit(ctx, &domain.Subscribe{Meta: domain.Meta{UserID: "u1"}, Feed: "f1"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := j.MarkAttempt(ctx, id, errors.New("store down")); err != nil {
		t.Fatalf("MarkAttempt: %v", err)
	}

	pending, err := j.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", pending[0].Attempts)
	}
	if pending[0].LastError != "store down" {
		t.Errorf("Expected recorded error, got %q", pending[0].LastError)
	}
}

func TestReplayerRedispatchesOrphans(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	store := eventlog.NewMemory()
	d := dispatch.New(store, nil, dispatch.Config{})
	t.Cleanup(d.Close)

	// An orphan: admitted but the process died before dispatching.
	if _, err := j.Admit(ctx, &domain.Subscribe{
		Meta: domain.Meta{UserID: "u1"}, Feed: "f1",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	r := NewReplayer(j, d, ReplayerConfig{})
	r.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	settled, err := r.runOnce(ctx)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if settled != 1 {
		t.Fatalf("Expected 1 settled entry, got %d", settled)
	}
	if j.Depth() != 0 {
		t.Errorf("Expected empty journal, got depth %d", j.Depth())
	}

	events, err := store.ReadStream(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(events) != 1 || events[0].EventKind != domain.KindUserSubscribed {
		t.Fatalf("Expected the replayed subscription in the log, got %d events", len(events))
	}
}

func TestReplayerSkipsFreshEntries(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	store := eventlog.NewMemory()
	d := dispatch.New(store, nil, dispatch.Config{})
	t.Cleanup(d.Close)

	if _, err := j.Admit(ctx, &domain.Subscribe{
		Meta: domain.Meta{UserID: "u1"}, Feed: "f1",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	// A just-admitted entry is likely still in flight on the request path.
	r := NewReplayer(j, d, ReplayerConfig{})
	settled, err := r.runOnce(ctx)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if settled != 0 {
		t.Errorf("Expected no settled entries, got %d", settled)
	}
	if j.Depth() != 1 {
		t.Errorf("Expected the entry to stay pending, got depth %d", j.Depth())
	}
}

func TestReplayerSettlesDomainRejections(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	store := eventlog.NewMemory()
	d := dispatch.New(store, nil, dispatch.Config{})
	t.Cleanup(d.Close)

	// The aggregate rejects this deterministically; retrying is pointless.
	if _, err := j.Admit(ctx, &domain.CreatePlaylist{
		Meta: domain.Meta{UserID: "u1"}, Name: "   ",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	r := NewReplayer(j, d, ReplayerConfig{})
	r.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	settled, err := r.runOnce(ctx)
	if err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	if settled != 1 {
		t.Fatalf("Expected the rejection to settle, got %d", settled)
	}
	if j.Depth() != 0 {
		t.Errorf("Expected empty journal, got depth %d", j.Depth())
	}
	events, err := store.ReadStream(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events from a rejected command, got %d", len(events))
	}
}

func TestReplayerCountsAttemptsOnInfraFailure(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	if _, err := j.Admit(ctx, &domain.Subscribe{
		Meta: domain.Meta{UserID: "u1"}, Feed: "f1",
	}); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	failing := commanderFunc(func(ctx context.Context, cmd domain.Command) (dispatch.Result, error) {
		return dispatch.Result{}, errors.New("log unavailable")
	})
	r := NewReplayer(j, failing, ReplayerConfig{MaxAttempts: 3})
	r.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	for sweep := 1; sweep <= 2; sweep++ {
		settled, err := r.runOnce(ctx)
		if err != nil {
			t.Fatalf("Sweep %d: %v", sweep, err)
		}
		if settled != 0 {
			t.Fatalf("Sweep %d: expected entry to stay pending, settled %d", sweep, settled)
		}
		pending, err := j.Pending(ctx)
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if pending[0].Attempts != sweep {
			t.Errorf("Sweep %d: expected %d attempts, got %d", sweep, sweep, pending[0].Attempts)
		}
	}

	// Third failure hits MaxAttempts and drops the entry.
	settled, err := r.runOnce(ctx)
	if err != nil {
		t.Fatalf("Final sweep: %v", err)
	}
	if settled != 1 {
		t.Fatalf("Expected the entry to be dropped, settled %d", settled)
	}
	if j.Depth() != 0 {
		t.Errorf("Expected empty journal, got depth %d", j.Depth())
	}
}

type commanderFunc func(ctx context.Context, cmd domain.Command) (dispatch.Result, error)

func (f commanderFunc) Dispatch(ctx context.Context, cmd domain.Command) (dispatch.Result, error) {
	return f(ctx, cmd)
}
