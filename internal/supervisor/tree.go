// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package supervisor builds the suture supervision tree that keeps the
// long-running services alive: journal replay and GC, projection runners,
// the process manager, the compaction worker, and the HTTP server.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default 5.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	// Default 30.
	FailureDecay float64
	// FailureBackoff is how long to wait once the threshold is exceeded.
	// Default 15s.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds graceful shutdown per service. Default 10s.
	ShutdownTimeout time.Duration
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5.0
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30.0
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Tree is the hierarchical supervisor for Earshot.
//
// Three layers isolate failures:
//   - data: journal replayer and GC, compaction worker
//   - projection: read-model runners and the process manager
//   - api: the HTTP server
//
// A crashing projector restarts without disturbing command intake, and the
// HTTP layer keeps serving reads while the data layer recovers.
type Tree struct {
	root       *suture.Supervisor
	data       *suture.Supervisor
	projection *suture.Supervisor
	api        *suture.Supervisor
	config     TreeConfig
}

// NewTree builds the supervision tree. Suture events are logged through
// sutureslog onto the given slog logger, which the caller normally bridges
// to zerolog via logging.NewSlogLogger.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	config = config.withDefaults()

	// sutureslog.Handler.MustHook has a pointer receiver.
	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("earshot", rootSpec)
	data := suture.New("data-layer", childSpec)
	projection := suture.New("projection-layer", childSpec)
	api := suture.New("api-layer", childSpec)

	root.Add(data)
	root.Add(projection)
	root.Add(api)

	return &Tree{
		root:       root,
		data:       data,
		projection: projection,
		api:        api,
		config:     config,
	}
}

// Root returns the root supervisor for direct access.
func (t *Tree) Root() *suture.Supervisor { return t.root }

// AddDataService supervises a data-layer service: journal replay, journal
// GC, compaction.
func (t *Tree) AddDataService(svc suture.Service) suture.ServiceToken {
	return t.data.Add(svc)
}

// AddProjectionService supervises a projection runner or the process
// manager.
func (t *Tree) AddProjectionService(svc suture.Service) suture.ServiceToken {
	return t.projection.Add(svc)
}

// AddAPIService supervises the HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Remove stops and removes a service by token.
func (t *Tree) Remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

// Serve runs the tree until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine and returns the terminal
// error channel.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that ignored shutdown, for
// debugging hangs.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
