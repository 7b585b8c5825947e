// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package domain

import "errors"

// ErrorKind classifies a command rejection. Kinds are stable identifiers for
// callers; the message is advisory only.
type ErrorKind string

// Domain rejection kinds. Deterministic given state and command, never
// retried automatically.
const (
	ErrEmptyTitle              ErrorKind = "empty_title"
	ErrDefaultCollectionExists ErrorKind = "default_collection_exists"
	ErrDuplicateSlug           ErrorKind = "duplicate_slug"
	ErrCollectionNotFound      ErrorKind = "collection_not_found"
	ErrFeedNotSubscribed       ErrorKind = "feed_not_subscribed"
	ErrCannotDeleteDefault     ErrorKind = "cannot_delete_default"
	ErrPlaylistNotFound        ErrorKind = "playlist_not_found"
	ErrInvalidPrivacyLevel     ErrorKind = "invalid_privacy_level"
)

// DomainError is a deterministic command rejection.
type DomainError struct {
	Kind    ErrorKind
	Message string
}

func (e *DomainError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func domainErr(kind ErrorKind, msg string) error {
	return &DomainError{Kind: kind, Message: msg}
}

// AsDomainError unwraps err into a *DomainError if it is one.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsDomainError reports whether err is a DomainError of the given kind.
func IsDomainError(err error, kind ErrorKind) bool {
	de, ok := AsDomainError(err)
	return ok && de.Kind == kind
}
