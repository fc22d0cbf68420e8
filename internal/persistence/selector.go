// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package persistence chooses the durable storage backend before any
// sign-in call is made and applies the choice to the identity client.
package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

// Backend is the persistence tier that was selected.
type Backend string

// Backends, most durable first.
const (
	BackendIndexed  Backend = "indexed"
	BackendKeyValue Backend = "keyValue"
	BackendUnknown  Backend = "unknown"
)

// Probe timing defaults.
const (
	DefaultIndexedTimeout = time.Second
	DefaultRetryInterval  = 100 * time.Millisecond
)

// Decision is the outcome of Select. It does not change once made.
type Decision struct {
	Backend   Backend   `json:"backend"`
	Store     string    `json:"store"`
	DecidedAt time.Time `json:"decided_at"`
}

// Identity returns the identity client persistence mode for the decision.
// Unknown maps to no mode: the client keeps its own default.
func (d Decision) Identity() (identity.Persistence, bool) {
	switch d.Backend {
	case BackendIndexed:
		return identity.PersistenceIndexed, true
	case BackendKeyValue:
		return identity.PersistenceKeyValue, true
	}
	return "", false
}

// Opener opens a candidate backend.
type Opener func(ctx context.Context) (storage.Store, error)

// Options configures a Selector.
type Options struct {
	// Indexed opens the indexed candidate (postgres or sqlite).
	Indexed Opener
	// KeyValue opens the key-value candidate (redis or file).
	KeyValue Opener
	// Fallback is used when both candidates fail. Defaults to a new
	// in-memory store.
	Fallback storage.Store

	IndexedTimeout time.Duration
	RetryInterval  time.Duration

	Client   identity.Client
	Recorder diag.Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Selector picks the backend once per page load.
type Selector struct {
	opts Options

	mu       sync.Mutex
	decided  bool
	decision Decision
	store    storage.Store
}

// NewSelector creates a selector.
func NewSelector(opts Options) *Selector {
	if opts.IndexedTimeout <= 0 {
		opts.IndexedTimeout = DefaultIndexedTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Recorder == nil {
		opts.Recorder = diag.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fallback == nil {
		opts.Fallback = storage.NewMemory()
	}
	return &Selector{opts: opts}
}

// Select probes the candidates, applies the result to the identity client
// and records persistence_selected. It never fails: when no candidate
// works the decision is unknown and the fallback store is used. Later
// calls return the first decision.
func (s *Selector) Select(ctx context.Context) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.decided {
		s.decision, s.store = s.selectOnce(ctx)
		s.decided = true
	}
	return s.decision
}

// Decision returns the locked decision and whether Select has run.
func (s *Selector) Decision() (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decision, s.decided
}

// Store returns the selected store, or nil before Select.
func (s *Selector) Store() storage.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *Selector) selectOnce(ctx context.Context) (Decision, storage.Store) {
	start := s.opts.Now()
	data := map[string]any{}

	backend := BackendUnknown
	store, err := s.timed(ctx, BackendIndexed, s.tryIndexed)
	if err == nil {
		backend = BackendIndexed
	} else {
		data["indexed_error"] = errutil.Code(err)
		errutil.LogWarnContext(ctx, s.opts.Logger, "indexed storage unavailable", err)

		store, err = s.timed(ctx, BackendKeyValue, s.tryKeyValue)
		if err == nil {
			backend = BackendKeyValue
		} else {
			data["kv_error"] = errutil.Code(err)
			errutil.LogWarnContext(ctx, s.opts.Logger, "key-value storage unavailable", err)
			store = s.opts.Fallback
		}
	}

	d := Decision{Backend: backend, Store: store.Name(), DecidedAt: s.opts.Now().UTC()}
	data["backend"] = string(d.Backend)
	data["store"] = d.Store
	data["elapsed_ms"] = d.DecidedAt.Sub(start).Milliseconds()

	if mode, ok := d.Identity(); ok && s.opts.Client != nil {
		if err := s.opts.Client.SetPersistence(ctx, mode); err != nil {
			s.opts.Recorder.Error(ctx, "persistence_apply_failed", err, map[string]any{"mode": string(mode)})
			errutil.LogWarnContext(ctx, s.opts.Logger, "identity client rejected persistence mode", err)
		}
	}

	s.opts.Recorder.Record(ctx, "persistence_selected", data)
	s.opts.Logger.InfoContext(ctx, "persistence selected", "backend", string(d.Backend), "store", d.Store)
	return d, store
}

// timed runs one candidate and traces how long it took in verbose mode.
func (s *Selector) timed(ctx context.Context, b Backend, try func(context.Context) (storage.Store, error)) (storage.Store, error) {
	start := s.opts.Now()
	store, err := try(ctx)
	data := map[string]any{
		"backend":    string(b),
		"ok":         err == nil,
		"elapsed_ms": s.opts.Now().Sub(start).Milliseconds(),
	}
	if err != nil {
		data["kind"] = errutil.Code(err)
	}
	s.opts.Recorder.Debug(ctx, "persistence_candidate", data)
	return store, err
}

// tryIndexed opens and probes the indexed candidate, retrying at a
// constant interval until the timeout.
func (s *Selector) tryIndexed(ctx context.Context) (storage.Store, error) {
	if s.opts.Indexed == nil {
		return nil, oops.Code("PERSISTENCE_UNAVAILABLE").With("backend", string(BackendIndexed)).Errorf("no indexed candidate")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.IndexedTimeout)
	defer cancel()

	store, err := s.opts.Indexed(ctx)
	if err != nil {
		return nil, oops.Code("PERSISTENCE_UNAVAILABLE").With("backend", string(BackendIndexed)).Wrap(err)
	}

	var lastErr error
	err = retry.Do(ctx, retry.NewConstant(s.opts.RetryInterval), func(ctx context.Context) error {
		if err := store.Probe(ctx); err != nil {
			lastErr = err
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = store.Close()
		if lastErr != nil {
			err = lastErr
		}
		return nil, oops.Code("PERSISTENCE_UNAVAILABLE").With("backend", string(BackendIndexed)).Wrap(err)
	}
	return store, nil
}

// tryKeyValue opens the key-value candidate and runs one write/remove
// probe.
func (s *Selector) tryKeyValue(ctx context.Context) (storage.Store, error) {
	if s.opts.KeyValue == nil {
		return nil, oops.Code("PERSISTENCE_UNAVAILABLE").With("backend", string(BackendKeyValue)).Errorf("no key-value candidate")
	}
	store, err := s.opts.KeyValue(ctx)
	if err != nil {
		return nil, oops.Code("PERSISTENCE_UNAVAILABLE").With("backend", string(BackendKeyValue)).Wrap(err)
	}
	if err := storage.WriteProbe(ctx, store); err != nil {
		_ = store.Close()
		return nil, oops.Code("PERSISTENCE_UNAVAILABLE").With("backend", string(BackendKeyValue)).Wrap(err)
	}
	return store, nil
}
