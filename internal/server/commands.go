// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/earshot-sync/earshot/internal/domain"
	"github.com/earshot-sync/earshot/internal/journal"
	"github.com/earshot-sync/earshot/internal/logging"
	"github.com/earshot-sync/earshot/internal/validation"
)

// maxCommandBody bounds request bodies; sync payloads dominate and stay
// well under this.
const maxCommandBody = 4 << 20

// commandRequest is the wire shape of a command submission.
type commandRequest struct {
	Command string          `json:"command" validate:"required,min=1,max=64"`
	Payload json.RawMessage `json:"payload"`
}

// commandResponse reports what a dispatched command did.
type commandResponse struct {
	UserID    string                `json:"user_id"`
	Version   int64                 `json:"version"`
	Events    []eventSummary        `json:"events"`
	Conflicts []domain.ConflictInfo `json:"conflicts,omitempty"`
}

type eventSummary struct {
	Type      domain.EventKind `json:"type"`
	Version   int64            `json:"version"`
	Position  int64            `json:"position"`
	Timestamp time.Time        `json:"timestamp"`
}

// handleCommand is the single write endpoint: decode, stamp identity,
// journal, dispatch, confirm.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "Reading request body failed", nil)
		return
	}
	if len(body) > maxCommandBody {
		respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body exceeds limit", nil)
		return
	}

	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "Malformed JSON body", nil)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), verr.Details())
		return
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	cmd, err := domain.DecodeCommand(req.Command, payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "UNKNOWN_COMMAND", err.Error(), nil)
		return
	}

	// The path is authoritative for identity; payload user_id is discarded.
	meta := domain.Meta{UserID: userID, Infos: deviceInfos(r)}
	if setter, ok := cmd.(interface{ SetMeta(domain.Meta) }); ok {
		setter.SetMeta(meta)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WriteTimeout)
	defer cancel()

	entryID := ""
	if s.journal != nil {
		entryID, err = s.journal.Admit(ctx, cmd)
		if err != nil {
			logging.Error().Err(err).Str("command", req.Command).Msg("SERVER: Journal admit failed")
			respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Command intake is unavailable", nil)
			return
		}
	}

	result, err := s.dispatcher.Dispatch(ctx, cmd)
	if err != nil {
		// Deterministic rejections settle the journal entry; infra failures
		// leave it pending for the replayer.
		if _, ok := domain.AsDomainError(err); ok {
			s.confirmEntry(entryID)
		}
		respondCommandError(w, err)
		return
	}
	s.confirmEntry(entryID)

	resp := commandResponse{
		UserID:    userID,
		Version:   result.Version,
		Events:    make([]eventSummary, len(result.Events)),
		Conflicts: result.Conflicts,
	}
	for i, ev := range result.Events {
		resp.Events[i] = eventSummary{
			Type:      ev.EventKind,
			Version:   ev.Version,
			Position:  ev.Position,
			Timestamp: ev.Timestamp,
		}
	}

	status := http.StatusOK
	if len(result.Events) > 0 {
		status = http.StatusCreated
	}
	respondJSON(w, status, resp)
}

func (s *Server) confirmEntry(entryID string) {
	if s.journal == nil || entryID == "" {
		return
	}
	err := s.journal.Confirm(context.Background(), entryID)
	if err != nil && !errors.Is(err, journal.ErrEntryNotFound) {
		logging.Warn().Err(err).Str("entry_id", entryID).Msg("SERVER: Journal confirm failed")
	}
}
