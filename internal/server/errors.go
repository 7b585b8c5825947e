// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package server

import (
	"net/http"
	"strings"

	"github.com/earshot-sync/earshot/internal/dispatch"
	"github.com/earshot-sync/earshot/internal/domain"
)

// respondCommandError maps a dispatch failure to an HTTP response. Domain
// rejections keep their kind as the error code; infrastructure errors map
// to the transport-level statuses clients retry on.
func respondCommandError(w http.ResponseWriter, err error) {
	if de, ok := domain.AsDomainError(err); ok {
		respondError(w, domainStatus(de.Kind), strings.ToUpper(string(de.Kind)), de.Error(), nil)
		return
	}
	if ie, ok := dispatch.AsInfraError(err); ok {
		switch ie.Kind {
		case dispatch.ErrBusy:
			respondError(w, http.StatusTooManyRequests, "BUSY", "Command queue is full, retry later", nil)
		case dispatch.ErrTimeout:
			respondError(w, http.StatusGatewayTimeout, "TIMEOUT", "Command deadline exceeded", nil)
		case dispatch.ErrConflict:
			respondError(w, http.StatusConflict, "VERSION_CONFLICT", "Concurrent writes exhausted retries, retry the command", nil)
		default:
			respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Command intake is unavailable", nil)
		}
		return
	}
	respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Command dispatch failed", nil)
}

func domainStatus(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrCollectionNotFound, domain.ErrPlaylistNotFound:
		return http.StatusNotFound
	case domain.ErrDefaultCollectionExists, domain.ErrDuplicateSlug, domain.ErrCannotDeleteDefault:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
