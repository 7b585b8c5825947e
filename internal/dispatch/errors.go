// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package dispatch

import "errors"

// ErrorKind classifies an infrastructure failure during dispatch. Unlike a
// domain rejection these are transient: the same command may succeed later.
type ErrorKind string

// Infrastructure failure kinds.
const (
	ErrConflict    ErrorKind = "conflict"    // retries exhausted on version conflicts
	ErrTimeout     ErrorKind = "timeout"     // deadline passed before the append
	ErrBusy        ErrorKind = "busy"        // the user's queue is full
	ErrUnavailable ErrorKind = "unavailable" // the log or bus failed
)

// InfraError is a transient dispatch failure.
type InfraError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *InfraError) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InfraError) Unwrap() error { return e.Err }

func infraErr(kind ErrorKind, msg string, err error) error {
	return &InfraError{Kind: kind, Message: msg, Err: err}
}

// AsInfraError unwraps err into an *InfraError if it is one.
func AsInfraError(err error) (*InfraError, bool) {
	var ie *InfraError
	if errors.As(err, &ie) {
		return ie, true
	}
	return nil, false
}

// IsInfraError reports whether err is an InfraError of the given kind.
func IsInfraError(err error, kind ErrorKind) bool {
	ie, ok := AsInfraError(err)
	return ok && ie.Kind == kind
}
