// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package guard enforces the redirect attempt budget for one tab.
//
// State lives in session-scoped storage: it survives page reloads within
// the tab but is purged when the tab closes, so a user is never locked out
// permanently.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

// Budget defaults.
const (
	// DefaultWindow is the rolling window the attempt budget applies to.
	DefaultWindow = 10 * time.Minute

	// DefaultMaxAttempts is the number of redirects allowed per window.
	DefaultMaxAttempts = 1
)

// stateKey is the storage key of the guard record.
const stateKey = "guard:redirect"

// Policy configures the attempt budget.
type Policy struct {
	Window      time.Duration
	MaxAttempts int
}

// DefaultPolicy returns the default budget.
func DefaultPolicy() Policy {
	return Policy{Window: DefaultWindow, MaxAttempts: DefaultMaxAttempts}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return oops.Code("GUARD_INVALID_POLICY").With("window", p.Window.String()).Errorf("window must be positive")
	}
	if p.MaxAttempts < 1 {
		return oops.Code("GUARD_INVALID_POLICY").With("max_attempts", p.MaxAttempts).Errorf("max attempts must be at least 1")
	}
	return nil
}

// State is the persisted guard record.
type State struct {
	AttemptCount    int       `json:"attempt_count"`
	WindowStartedAt time.Time `json:"window_started_at"`
	InFlight        bool      `json:"in_flight"`
}

// Guard gates redirect attempts.
type Guard struct {
	store  storage.Store
	policy Policy
	now    func() time.Time
	logger *slog.Logger
	rec    diag.Recorder
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger used for storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithRecorder sets where budget decisions are traced in verbose mode.
func WithRecorder(rec diag.Recorder) Option {
	return func(g *Guard) { g.rec = rec }
}

// New creates a guard over a session-scoped store.
func New(store storage.Store, policy Policy, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: slog.Default(),
		rec:    diag.Nop{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the budget in effect.
func (g *Guard) Policy() Policy { return g.policy }

// State reads the guard record. A missing or corrupt record reads as the
// zero State.
func (g *Guard) State(ctx context.Context) (State, error) {
	var st State
	err := storage.GetJSON(ctx, g.store, stateKey, &st)
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, storage.ErrNotFound):
		return State{}, nil
	case errutil.HasCode(err, "STORAGE_DECODE_FAILED"):
		errutil.LogWarnContext(ctx, g.logger, "discarding corrupt redirect guard state", err)
		return State{}, nil
	default:
		return State{}, oops.Code("GUARD_READ_FAILED").Wrap(err)
	}
}

func (g *Guard) save(ctx context.Context, st State) error {
	if err := storage.SetJSON(ctx, g.store, stateKey, st); err != nil {
		return oops.Code("GUARD_WRITE_FAILED").Wrap(err)
	}
	return nil
}

func (g *Guard) expired(st State) bool {
	return !st.WindowStartedAt.IsZero() && g.now().Sub(st.WindowStartedAt) > g.policy.Window
}

// CanAttemptRedirect reports whether the budget allows another redirect.
// An expired window is reset here. If the record cannot be read the
// attempt is refused, since an unbounded redirect loop is worse than a
// missed automatic sign-in.
func (g *Guard) CanAttemptRedirect(ctx context.Context) bool {
	st, err := g.State(ctx)
	if err != nil {
		errutil.LogErrorContext(ctx, g.logger, "redirect guard unavailable", err)
		g.rec.Debug(ctx, "guard_checked", map[string]any{"allowed": false, "kind": errutil.Code(err)})
		return false
	}
	reset := g.expired(st)
	if reset {
		st.AttemptCount = 0
		st.WindowStartedAt = g.now()
		if err := g.save(ctx, st); err != nil {
			errutil.LogWarnContext(ctx, g.logger, "failed to persist redirect guard window reset", err)
		}
	}
	allowed := st.AttemptCount < g.policy.MaxAttempts
	data := map[string]any{
		"allowed":       allowed,
		"attempt_count": st.AttemptCount,
		"max_attempts":  g.policy.MaxAttempts,
		"in_flight":     st.InFlight,
		"window_reset":  reset,
	}
	if !st.WindowStartedAt.IsZero() {
		data["window_age_ms"] = g.now().Sub(st.WindowStartedAt).Milliseconds()
	}
	g.rec.Debug(ctx, "guard_checked", data)
	return allowed
}

// RecordAttempt counts a redirect. Call it immediately before initiating
// the redirect.
func (g *Guard) RecordAttempt(ctx context.Context) error {
	st, err := g.State(ctx)
	if err != nil {
		return err
	}
	if g.expired(st) {
		st.AttemptCount = 0
	}
	if st.AttemptCount == 0 {
		st.WindowStartedAt = g.now()
	}
	st.AttemptCount++
	g.rec.Debug(ctx, "guard_attempt_recorded", map[string]any{
		"attempt_count": st.AttemptCount,
		"max_attempts":  g.policy.MaxAttempts,
	})
	return g.save(ctx, st)
}

// MarkRedirectStarted sets the in-flight flag.
func (g *Guard) MarkRedirectStarted(ctx context.Context) error {
	return g.setInFlight(ctx, true)
}

// ClearRedirectFlag clears the in-flight flag. The attempt count is kept.
func (g *Guard) ClearRedirectFlag(ctx context.Context) error {
	return g.setInFlight(ctx, false)
}

func (g *Guard) setInFlight(ctx context.Context, v bool) error {
	st, err := g.State(ctx)
	if err != nil {
		return err
	}
	if st.InFlight == v {
		return nil
	}
	st.InFlight = v
	return g.save(ctx, st)
}

// HasRedirectStarted reports the in-flight flag.
func (g *Guard) HasRedirectStarted(ctx context.Context) bool {
	st, err := g.State(ctx)
	if err != nil {
		errutil.LogWarnContext(ctx, g.logger, "redirect guard unavailable", err)
		return false
	}
	return st.InFlight
}

// Remaining returns how long until the current window expires, or zero
// when the budget is available.
func (g *Guard) Remaining(ctx context.Context) time.Duration {
	st, err := g.State(ctx)
	if err != nil || st.AttemptCount < g.policy.MaxAttempts || st.WindowStartedAt.IsZero() {
		return 0
	}
	left := g.policy.Window - g.now().Sub(st.WindowStartedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Reset deletes the guard record.
func (g *Guard) Reset(ctx context.Context) error {
	if err := g.store.Delete(ctx, stateKey); err != nil {
		return oops.Code("GUARD_WRITE_FAILED").With("operation", "reset").Wrap(err)
	}
	return nil
}
