// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/earshot-sync/earshot/internal/domain"
)

// Memory is an in-process Store for tests and throwaway runs. Payloads are
// deep-copied through the codec on append so callers cannot mutate stored
// history.
type Memory struct {
	mu       sync.RWMutex
	all      []domain.Event
	streams  map[string][]domain.Event
	position int64
	// heads tracks the latest version per stream. Kept apart from the
	// slices because pruning shortens a stream without moving its head.
	heads   map[string]int64
	offsets map[string]int64

	now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]domain.Event),
		heads:   make(map[string]int64),
		offsets: make(map[string]int64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append implements Store.
func (s *Memory) Append(ctx context.Context, streamID string, expectedVersion int64, payloads []domain.Payload, infos *domain.EventInfos) ([]domain.Event, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.heads[streamID]
	if expectedVersion != AnyVersion && head != expectedVersion {
		return nil, fmt.Errorf("%w: stream %s at %d, expected %d",
			ErrVersionConflict, streamID, head, expectedVersion)
	}

	now := s.now()
	appended := make([]domain.Event, 0, len(payloads))
	for _, p := range payloads {
		data, err := domain.EncodePayload(p)
		if err != nil {
			return nil, err
		}
		copied, err := domain.DecodePayload(p.Kind(), data)
		if err != nil {
			return nil, err
		}
		s.position++
		head++
		ev := domain.Event{
			ID:        uuid.New(),
			Position:  s.position,
			StreamID:  streamID,
			Version:   head,
			EventKind: p.Kind(),
			Payload:   copied,
			Timestamp: now,
			Infos:     infos,
		}
		s.all = append(s.all, ev)
		s.streams[streamID] = append(s.streams[streamID], ev)
		appended = append(appended, ev)
	}
	s.heads[streamID] = head
	return appended, nil
}

// ReadStream implements Store.
func (s *Memory) ReadStream(ctx context.Context, streamID string, fromVersion int64) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Event
	for _, ev := range s.streams[streamID] {
		if ev.Version > fromVersion {
			result = append(result, ev)
		}
	}
	return result, nil
}

// ReadAll implements Store.
func (s *Memory) ReadAll(ctx context.Context, fromPosition int64, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Event
	for _, ev := range s.all {
		if ev.Position > fromPosition {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Head implements Store.
func (s *Memory) Head(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position, nil
}

// LastCheckpoint implements Store.
func (s *Memory) LastCheckpoint(ctx context.Context, streamID string) (*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamID]
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i].EventKind == domain.KindUserCheckpoint {
			ev := stream[i]
			return &ev, nil
		}
	}
	return nil, nil
}

// Prune implements Store.
func (s *Memory) Prune(ctx context.Context, streamID string, beforeVersion int64, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := func(ev domain.Event) bool {
		return ev.StreamID != streamID || ev.Version >= beforeVersion || !ev.Timestamp.Before(olderThan)
	}

	var pruned int64
	next := s.all[:0]
	for _, ev := range s.all {
		if keep(ev) {
			next = append(next, ev)
		} else {
			pruned++
		}
	}
	s.all = next

	stream := s.streams[streamID][:0]
	for _, ev := range s.streams[streamID] {
		if keep(ev) {
			stream = append(stream, ev)
		}
	}
	s.streams[streamID] = stream
	return pruned, nil
}

// StreamsWithEventsBefore implements Store.
func (s *Memory) StreamsWithEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var streams []string
	for _, ev := range s.all {
		if !ev.Timestamp.Before(cutoff) {
			continue
		}
		if _, dup := seen[ev.StreamID]; dup {
			continue
		}
		seen[ev.StreamID] = struct{}{}
		streams = append(streams, ev.StreamID)
		if limit > 0 && len(streams) >= limit {
			break
		}
	}
	return streams, nil
}

// ProjectorPosition implements ProjectorOffsets.
func (s *Memory) ProjectorPosition(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[name], nil
}

// SetProjectorPosition implements ProjectorOffsets.
func (s *Memory) SetProjectorPosition(ctx context.Context, name string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[name] = position
	return nil
}
