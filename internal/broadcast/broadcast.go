// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package broadcast tells other tabs that a sign-in is underway so they do
// not start a second one. It is advisory: errors are logged and never
// returned to the caller.
//
// Messages travel over a Channel when one is available. Without a channel,
// or when publishing fails, the tab writes a timestamp to the shared durable
// store instead; a recent timestamp written by another tab counts as "in
// flight".
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

// fallbackKey is the durable store key of the storage fallback.
const fallbackKey = "broadcast:inflight"

// Freshness defaults.
const (
	// DefaultFallbackFreshness is how long a stored timestamp counts as in
	// flight.
	DefaultFallbackFreshness = 10 * time.Second

	// DefaultMessageTTL bounds how long an in-flight message is trusted
	// without a matching completion, so a tab that navigated away and
	// never came back does not suppress sign-in forever.
	DefaultMessageTTL = 2 * time.Minute
)

type fallbackRecord struct {
	TabID  string    `json:"tab_id"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Broadcaster publishes and tracks cross-tab auth notices for one tab.
type Broadcaster struct {
	tabID     string
	channel   Channel
	store     storage.Store
	now       func() time.Time
	logger    *slog.Logger
	freshness time.Duration
	ttl       time.Duration

	mu       sync.Mutex
	inFlight map[string]Message
	started  bool
	cancel   func()
	done     chan struct{}
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) { b.logger = logger }
}

// WithFreshness overrides the storage fallback freshness window.
func WithFreshness(d time.Duration) Option {
	return func(b *Broadcaster) { b.freshness = d }
}

// New creates a broadcaster for tabID. channel may be nil; store is the
// durable store shared between tabs and is used for the fallback.
func New(tabID string, channel Channel, store storage.Store, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		tabID:     tabID,
		channel:   channel,
		store:     store,
		now:       time.Now,
		logger:    slog.Default(),
		freshness: DefaultFallbackFreshness,
		ttl:       DefaultMessageTTL,
		inFlight:  make(map[string]Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to the channel. Without a channel it does nothing.
func (b *Broadcaster) Start(ctx context.Context) {
	if b.channel == nil {
		return
	}
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	msgs, cancel, err := b.channel.Subscribe(ctx)
	if err != nil {
		errutil.LogWarnContext(ctx, b.logger, "cross-tab channel unavailable, using storage fallback", err)
		return
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range msgs {
			b.observe(msg)
		}
	}()
}

func (b *Broadcaster) observe(msg Message) {
	if msg.TabID == b.tabID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch msg.Kind {
	case KindInFlight:
		b.inFlight[msg.TabID] = msg
	case KindComplete:
		delete(b.inFlight, msg.TabID)
	}
}

// Close ends the subscription and waits for the receive loop to exit.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// BroadcastAuthInFlight announces that this tab is signing in.
func (b *Broadcaster) BroadcastAuthInFlight(ctx context.Context, status string) {
	msg := Message{TabID: b.tabID, Kind: KindInFlight, Status: status, At: b.now().UTC()}
	if b.publish(ctx, msg) || b.store == nil {
		return
	}
	rec := fallbackRecord{TabID: b.tabID, Status: status, At: msg.At}
	if err := storage.SetJSON(ctx, b.store, fallbackKey, rec); err != nil {
		errutil.LogWarnContext(ctx, b.logger, "failed to write cross-tab fallback", err)
	}
}

// BroadcastAuthComplete announces that this tab's sign-in has finished.
func (b *Broadcaster) BroadcastAuthComplete(ctx context.Context) {
	b.publish(ctx, Message{TabID: b.tabID, Kind: KindComplete, At: b.now().UTC()})

	rec, ok := b.readFallback(ctx)
	if ok && rec.TabID == b.tabID {
		if err := b.store.Delete(ctx, fallbackKey); err != nil {
			errutil.LogWarnContext(ctx, b.logger, "failed to clear cross-tab fallback", err)
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, msg Message) bool {
	if b.channel == nil {
		return false
	}
	if err := b.channel.Publish(ctx, msg); err != nil {
		errutil.LogWarnContext(ctx, b.logger, "cross-tab publish failed", err)
		return false
	}
	return true
}

// IsAuthInFlightInOtherTab reports whether another tab recently announced a
// sign-in that has not completed.
func (b *Broadcaster) IsAuthInFlightInOtherTab(ctx context.Context) bool {
	now := b.now()

	b.mu.Lock()
	for tab, msg := range b.inFlight {
		if now.Sub(msg.At) <= b.ttl {
			b.mu.Unlock()
			return true
		}
		delete(b.inFlight, tab)
	}
	b.mu.Unlock()

	rec, ok := b.readFallback(ctx)
	return ok && rec.TabID != b.tabID && now.Sub(rec.At) <= b.freshness
}

func (b *Broadcaster) readFallback(ctx context.Context) (fallbackRecord, bool) {
	if b.store == nil {
		return fallbackRecord{}, false
	}
	var rec fallbackRecord
	err := storage.GetJSON(ctx, b.store, fallbackKey, &rec)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			errutil.LogWarnContext(ctx, b.logger, "failed to read cross-tab fallback", err)
		}
		return fallbackRecord{}, false
	}
	return rec, true
}
