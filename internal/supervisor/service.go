// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package supervisor

import "context"

// Named wraps a service with a stable name for suture's event log.
type Named struct {
	Name    string
	Service interface {
		Serve(ctx context.Context) error
	}
}

// Serve implements suture.Service.
func (n Named) Serve(ctx context.Context) error {
	return n.Service.Serve(ctx)
}

// String implements fmt.Stringer for suture log lines.
func (n Named) String() string { return n.Name }

// Func adapts a bare function to a suture service.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve implements suture.Service.
func (f Func) Serve(ctx context.Context) error { return f.Run(ctx) }

// String implements fmt.Stringer for suture log lines.
func (f Func) String() string { return f.Name }
