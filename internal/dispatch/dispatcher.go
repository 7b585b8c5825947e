// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package dispatch routes commands to per-user actors. Commands for one user
// run strictly in arrival order on that user's goroutine; different users run
// in parallel. Each actor caches its aggregate state, loaded from the latest
// checkpoint plus the event suffix, and evicts itself after sitting idle.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/eventlog"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/metrics"
)

// Publisher receives successfully appended events, after the append is
// durable and before the command is acknowledged.
type Publisher interface {
	PublishEvents(events []domain.Event) error
}

// Config holds dispatcher tuning.
type Config struct {
	// QueueSize bounds each actor's mailbox; a full mailbox rejects with
	// ErrBusy. Default 64.
	QueueSize int
	// MaxRetries bounds reload-and-retry cycles on version conflicts before
	// giving up with ErrConflict. Default 3.
	MaxRetries int
	// IdleTTL evicts an actor (and its cached state) after this long without
	// traffic. Default 5m.
	IdleTTL time.Duration
	// CheckpointRetention feeds the decider's snapshot cleanup filters.
	CheckpointRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	return c
}

// Result is a successful dispatch: the appended events (empty for benign
// no-ops), the stream's resulting version, and any Sync conflict reports.
type Result struct {
	Events    []domain.Event
	Conflicts []domain.ConflictInfo
	Version   int64
}

// Dispatcher owns the actor map.
type Dispatcher struct {
	store   eventlog.Store
	pub     Publisher
	cfg     Config
	decider domain.Decider
	now     func() time.Time

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// New returns a running dispatcher. pub may be nil when nothing consumes
// append notifications, as in tests.
func New(store eventlog.Store, pub Publisher, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		decider: domain.Decider{CheckpointRetention: cfg.CheckpointRetention},
		now:     func() time.Time { return time.Now().UTC() },
		actors:  make(map[string]*actor),
	}
}

type request struct {
	ctx   context.Context
	cmd   domain.Command
	reply chan reply
}

type reply struct {
	result Result
	err    error
}

// Dispatch runs cmd on its user's actor and waits for the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd domain.Command) (Result, error) {
	start := time.Now()
	userID := cmd.AggregateID()
	if userID == "" {
		return Result{}, infraErr(ErrUnavailable, "command without user id", nil)
	}

	req := request{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	if err := d.enqueue(userID, req); err != nil {
		metrics.ObserveCommand(cmd.CommandName(), outcomeLabel(err), start)
		return Result{}, err
	}

	select {
	case r := <-req.reply:
		metrics.ObserveCommand(cmd.CommandName(), outcomeLabel(r.err), start)
		return r.result, r.err
	case <-ctx.Done():
		// The actor will notice the dead context and drop the request.
		err := infraErr(ErrTimeout, "command "+cmd.CommandName(), ctx.Err())
		metrics.ObserveCommand(cmd.CommandName(), outcomeLabel(err), start)
		return Result{}, err
	}
}

// enqueue places req on the user's actor, creating it when absent. The send
// is non-blocking: a full mailbox is ErrBusy, never backpressure into the
// caller's goroutine.
func (d *Dispatcher) enqueue(userID string, req request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return infraErr(ErrUnavailable, "dispatcher closed", nil)
	}

	a, ok := d.actors[userID]
	if !ok {
		a = &actor{
			userID:   userID,
			requests: make(chan request, d.cfg.QueueSize),
			d:        d,
		}
		d.actors[userID] = a
		metrics.ActiveActors.Set(float64(len(d.actors)))
		d.wg.Add(1)
		go a.run()
	}

	select {
	case a.requests <- req:
		return nil
	default:
		return infraErr(ErrBusy, "queue full for user "+userID, nil)
	}
}

// remove drops a from the map if it is still the registered actor. Returns
// false when a send raced the idle eviction, in which case the actor keeps
// serving its drained mailbox.
func (d *Dispatcher) remove(a *actor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(a.requests) > 0 {
		return false
	}
	if d.actors[a.userID] == a {
		delete(d.actors, a.userID)
		metrics.ActiveActors.Set(float64(len(d.actors)))
	}
	return true
}

// Close stops accepting commands and waits for in-flight ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	actors := make([]*actor, 0, len(d.actors))
	for _, a := range d.actors {
		actors = append(actors, a)
	}
	d.actors = make(map[string]*actor)
	d.mu.Unlock()

	for _, a := range actors {
		close(a.requests)
	}
	d.wg.Wait()
	metrics.ActiveActors.Set(0)
}

type actor struct {
	userID   string
	requests chan request
	d        *Dispatcher
	state    *domain.State
}

func (a *actor) run() {
	defer a.d.wg.Done()

	idle := time.NewTimer(a.d.cfg.IdleTTL)
	defer idle.Stop()

	for {
		select {
		case req, ok := <-a.requests:
			if !ok {
				return
			}
			a.serve(req)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.d.cfg.IdleTTL)

		case <-idle.C:
			if a.d.remove(a) {
				logging.Trace().Str("stream_id", a.userID).Msg("DISPATCH: Actor evicted")
				return
			}
			idle.Reset(a.d.cfg.IdleTTL)
		}
	}
}

func (a *actor) serve(req request) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- reply{err: infraErr(ErrTimeout, "queued past deadline", err)}
		return
	}

	result, err := a.execute(req.ctx, req.cmd)
	req.reply <- reply{result: result, err: err}
}

// execute is the decide/append/apply cycle with conflict retries.
func (a *actor) execute(ctx context.Context, cmd domain.Command) (Result, error) {
	if a.state == nil {
		state, err := a.load(ctx)
		if err != nil {
			return Result{}, infraErr(ErrUnavailable, "load state", err)
		}
		a.state = state
	}

	for attempt := 0; ; attempt++ {
		decision, err := a.d.decider.Decide(a.state, cmd, a.d.now())
		if err != nil {
			return Result{}, err // DomainError: deterministic, no retry
		}
		countConflicts(decision.Conflicts)

		if len(decision.Events) == 0 {
			return Result{Conflicts: decision.Conflicts, Version: a.state.Version}, nil
		}

		events, err := a.d.store.Append(ctx, a.userID, a.state.Version, decision.Events, cmd.EventInfosRef())
		if errors.Is(err, eventlog.ErrVersionConflict) {
			if attempt+1 >= a.d.cfg.MaxRetries {
				a.state = nil // cache is stale; rebuild on next command
				return Result{}, infraErr(ErrConflict, "retries exhausted for "+cmd.CommandName(), err)
			}
			metrics.CommandRetries.Inc()
			state, lerr := a.load(ctx)
			if lerr != nil {
				return Result{}, infraErr(ErrUnavailable, "reload state", lerr)
			}
			a.state = state
			continue
		}
		if err != nil {
			return Result{}, infraErr(ErrUnavailable, "append", err)
		}

		for _, ev := range events {
			a.state.Apply(ev)
			metrics.EventsAppended.WithLabelValues(string(ev.EventKind)).Inc()
		}

		if a.d.pub != nil {
			if err := a.d.pub.PublishEvents(events); err != nil {
				// The append is durable; projections catch up on their poll
				// tick. Surface it in logs only.
				logging.Warn().Err(err).Str("stream_id", a.userID).Msg("DISPATCH: Publish failed")
			}
		}

		return Result{Events: events, Conflicts: decision.Conflicts, Version: a.state.Version}, nil
	}
}

// load rebuilds the aggregate from the newest checkpoint plus suffix, or the
// whole stream when no checkpoint exists.
func (a *actor) load(ctx context.Context) (*domain.State, error) {
	from := int64(0)
	if cp, err := a.d.store.LastCheckpoint(ctx, a.userID); err != nil {
		return nil, err
	} else if cp != nil {
		from = cp.Version - 1 // include the checkpoint event itself
	}
	events, err := a.d.store.ReadStream(ctx, a.userID, from)
	if err != nil {
		return nil, err
	}
	state := domain.Replay(a.userID, events)
	if state.Version == 0 && from > 0 {
		// Defensive: a pruned prefix with a missing checkpoint would fold an
		// empty state silently. Rebuild from scratch instead.
		events, err = a.d.store.ReadStream(ctx, a.userID, 0)
		if err != nil {
			return nil, err
		}
		state = domain.Replay(a.userID, events)
	}
	return state, nil
}

func countConflicts(conflicts []domain.ConflictInfo) {
	for _, c := range conflicts {
		metrics.SyncConflicts.WithLabelValues(string(c.Type), string(c.Resolution)).Inc()
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := domain.AsDomainError(err); ok {
		return "domain_error"
	}
	if ie, ok := AsInfraError(err); ok {
		return string(ie.Kind)
	}
	return "error"
}
