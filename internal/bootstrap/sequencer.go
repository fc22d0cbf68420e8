// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package bootstrap orders page load startup: persistence is selected and
// applied, then the identity client's first state notification is awaited
// with a safety timeout. Startup never fails; a broken step degrades to a
// signed-out start.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/pkg/errutil"
)

// DefaultTimeout bounds the wait for the first state notification.
const DefaultTimeout = 5 * time.Second

// Reasons a bootstrap resolved.
const (
	ReasonStateChanged = "state_changed"
	ReasonTimeout      = "timeout"
	ReasonCompleted    = "completed"
	ReasonFailed       = "failed"
)

// Result describes a resolved bootstrap.
type Result struct {
	At      time.Time
	Reason  string
	Elapsed time.Duration
}

// Options configures a Sequencer.
type Options struct {
	Selector *persistence.Selector
	Client   identity.Client
	Recorder diag.Recorder
	Logger   *slog.Logger
	Timeout  time.Duration
	Now      func() time.Time
	// OnReady is called once when bootstrap resolves.
	OnReady func(Result)
}

// Sequencer runs bootstrap at most once.
type Sequencer struct {
	opts Options

	lockOnce   sync.Once
	runOnce    sync.Once
	subscribed chan struct{}
	done       chan struct{}
	complete   chan struct{}
	markOnce   sync.Once
	ready      atomic.Bool
	result     Result
}

// New creates a sequencer.
func New(opts Options) *Sequencer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
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
	return &Sequencer{
		opts:       opts,
		subscribed: make(chan struct{}),
		done:       make(chan struct{}),
		complete:   make(chan struct{}),
	}
}

// Lock selects persistence and applies it to the identity client. It
// returns once the decision is in effect and is safe to call repeatedly.
func (s *Sequencer) Lock(ctx context.Context) {
	s.lockOnce.Do(func() {
		if s.opts.Selector != nil {
			s.opts.Selector.Select(ctx)
		}
	})
}

// Start begins bootstrap on the first call and returns once the auth
// state listener is registered, or the subscribe step has failed. Redirect
// results and sign-in calls must wait for Start.
func (s *Sequencer) Start(ctx context.Context) {
	s.runOnce.Do(func() {
		go s.run(context.WithoutCancel(ctx))
	})
	select {
	case <-s.subscribed:
	case <-ctx.Done():
	}
}

// Bootstrap starts bootstrap on the first call and waits for it to
// resolve. Every call returns the same timestamp. If ctx ends first the
// current time is returned, Ready stays false and bootstrap keeps running.
func (s *Sequencer) Bootstrap(ctx context.Context) time.Time {
	s.Start(ctx)
	select {
	case <-s.done:
		return s.result.At
	case <-ctx.Done():
		return s.opts.Now()
	}
}

// MarkComplete resolves a pending bootstrap without waiting for the state
// notification, as when a redirect result has just been consumed.
func (s *Sequencer) MarkComplete() {
	s.markOnce.Do(func() { close(s.complete) })
}

// Ready reports whether bootstrap has resolved.
func (s *Sequencer) Ready() bool { return s.ready.Load() }

// Done is closed when bootstrap resolves.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

// Result returns the resolution, valid once Done is closed.
func (s *Sequencer) Result() (Result, bool) {
	if !s.ready.Load() {
		return Result{}, false
	}
	return s.result, true
}

func (s *Sequencer) run(ctx context.Context) {
	start := s.opts.Now()

	fired, unsubscribe, err := s.prepare(ctx)
	close(s.subscribed)
	s.opts.Recorder.Debug(ctx, "bootstrap_subscribed", map[string]any{
		"ok":         err == nil,
		"elapsed_ms": s.opts.Now().Sub(start).Milliseconds(),
	})
	reason := ReasonFailed
	if err != nil {
		s.opts.Recorder.Error(ctx, "bootstrap_step_failed", err, nil)
		errutil.LogErrorContext(ctx, s.opts.Logger, "bootstrap step failed, continuing signed out", err)
	} else {
		timer := time.NewTimer(s.opts.Timeout)
		select {
		case <-fired:
			reason = ReasonStateChanged
		case <-s.complete:
			reason = ReasonCompleted
		case <-timer.C:
			reason = ReasonTimeout
		}
		timer.Stop()
		s.safeUnsubscribe(ctx, unsubscribe)
	}

	at := s.opts.Now()
	s.result = Result{At: at, Reason: reason, Elapsed: at.Sub(start)}
	s.opts.Recorder.Record(ctx, "bootstrap_ready", map[string]any{
		"reason":     reason,
		"elapsed_ms": s.result.Elapsed.Milliseconds(),
	})
	s.opts.Logger.DebugContext(ctx, "bootstrap resolved", "reason", reason, "elapsed", s.result.Elapsed)

	if s.opts.OnReady != nil {
		s.opts.OnReady(s.result)
	}
	s.ready.Store(true)
	close(s.done)
}

// prepare runs the lock and subscribe steps, converting panics to errors.
func (s *Sequencer) prepare(ctx context.Context) (fired <-chan struct{}, unsubscribe func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("BOOTSTRAP_PANIC").Errorf("%s", fmt.Sprint(r))
		}
	}()

	s.Lock(ctx)

	if s.opts.Client == nil {
		return nil, nil, oops.Code("BOOTSTRAP_NO_CLIENT").Errorf("no identity client")
	}
	ch := make(chan struct{})
	var once sync.Once
	unsubscribe = s.opts.Client.OnAuthStateChanged(func(*identity.User) {
		once.Do(func() { close(ch) })
	})
	return ch, unsubscribe, nil
}

func (s *Sequencer) safeUnsubscribe(ctx context.Context, unsubscribe func()) {
	if unsubscribe == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.opts.Recorder.Error(ctx, "bootstrap_step_failed",
				oops.Code("BOOTSTRAP_PANIC").Errorf("%s", fmt.Sprint(r)), map[string]any{"step": "unsubscribe"})
		}
	}()
	unsubscribe()
}
