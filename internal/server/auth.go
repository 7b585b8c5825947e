// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/earshot-sync/earshot/internal/domain"
)

// Identity headers. Earshot runs behind an authenticating proxy that
// strips inbound copies of these and injects the verified values.
const (
	headerUserID     = "X-Earshot-User"
	headerDeviceID   = "X-Earshot-Device"
	headerDeviceName = "X-Earshot-Device-Name"
)

// authenticatedUser returns the proxy-asserted user, or empty when the
// request carried no identity.
func authenticatedUser(r *http.Request) string {
	return r.Header.Get(headerUserID)
}

// deviceInfos extracts the originating device, if the client declared one.
func deviceInfos(r *http.Request) *domain.EventInfos {
	id := r.Header.Get(headerDeviceID)
	name := r.Header.Get(headerDeviceName)
	if id == "" && name == "" {
		return nil
	}
	return &domain.EventInfos{DeviceID: id, DeviceName: name}
}

// requireUserMatch rejects requests whose asserted identity conflicts with
// the {userID} path segment. Requests without identity pass through; the
// proxy is responsible for enforcing authentication at the edge.
func requireUserMatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if auth := authenticatedUser(r); auth != "" && auth != userID {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "Authenticated user does not match path", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
