// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Kind is the type of a cross-tab message.
type Kind string

// Message kinds.
const (
	KindInFlight Kind = "auth_in_flight"
	KindComplete Kind = "auth_complete"
)

// Message is published to every tab of the same origin.
type Message struct {
	TabID  string    `json:"tab_id"`
	Kind   Kind      `json:"kind"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Channel is a same-origin publish/subscribe transport.
type Channel interface {
	// Publish delivers msg to every subscriber, including the sender's own.
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns a stream of messages and a function that ends the
	// subscription and closes the stream.
	Subscribe(ctx context.Context) (<-chan Message, func(), error)
}

// subscriberBuffer is the per-subscriber queue length of a Hub.
const subscriberBuffer = 32

// Hub is an in-process Channel shared by every tab of one process.
type Hub struct {
	mu     sync.RWMutex
	subs   []chan Message
	closed bool
}

var _ Channel = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe creates a channel for receiving messages.
func (h *Hub) Subscribe(_ context.Context) (<-chan Message, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, oops.Code("BROADCAST_CLOSED").Errorf("hub closed")
	}

	ch := make(chan Message, subscriberBuffer)
	h.subs = append(h.subs, ch)

	var once sync.Once
	return ch, func() { once.Do(func() { h.unsubscribe(ch) }) }, nil
}

func (h *Hub) unsubscribe(ch chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, sub := range h.subs {
		if sub == ch {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends msg to all subscribers without blocking.
func (h *Hub) Publish(_ context.Context, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return oops.Code("BROADCAST_CLOSED").Errorf("hub closed")
	}

	for _, ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// Advisory traffic; a slow tab just misses the notice.
			slog.Warn("broadcast dropped: subscriber buffer full",
				"tab_id", msg.TabID,
				"kind", string(msg.Kind),
			)
		}
	}
	return nil
}

// Close ends every subscription. Later calls fail with BROADCAST_CLOSED.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
