// Earshot - Multi-Device Podcast Synchronization Service
// Copyright 2026 Earshot Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/earshot-sync/earshot

// Package bus carries append notifications from the write path to the
// projection pipeline and the process manager. It is a wakeup channel, not a
// source of truth: the event log is authoritative, and every consumer reads
// from its own durable offset. A lost notification costs latency until the
// next poll tick, never correctness.
package bus

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/earshot-sync/earshot/internal/domain"
)

// TopicEvents carries one Notice per appended event.
const TopicEvents = "earshot.events"

// Notice tells consumers the log grew. Payloads stay in the log.
type Notice struct {
	StreamID string           `json:"stream_id"`
	Position int64            `json:"position"`
	Version  int64            `json:"version"`
	Kind     domain.EventKind `json:"kind"`
}

// Bus is an in-process publish/subscribe fan-out on Watermill's gochannel.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New returns a running bus. Close releases the subscriber channels.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, NewLoggerAdapter()),
	}
}

// PublishEvents fans out one Notice per event, in order.
func (b *Bus) PublishEvents(events []domain.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(Notice{
			StreamID: ev.StreamID,
			Position: ev.Position,
			Version:  ev.Version,
			Kind:     ev.EventKind,
		})
		if err != nil {
			return fmt.Errorf("bus: marshal notice: %w", err)
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("stream_id", ev.StreamID)
		msg.Metadata.Set("kind", string(ev.EventKind))
		if err := b.pubsub.Publish(TopicEvents, msg); err != nil {
			return fmt.Errorf("bus: publish notice for %s: %w", ev.StreamID, err)
		}
	}
	return nil
}

// Subscribe returns the notice stream. Each subscriber gets every notice and
// must Ack each message.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, TopicEvents)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	return ch, nil
}

// Close shuts the fan-out down; subscriber channels close.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// DecodeNotice unmarshals a bus message.
func DecodeNotice(msg *message.Message) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return Notice{}, fmt.Errorf("bus: decode notice: %w", err)
	}
	return n, nil
}
