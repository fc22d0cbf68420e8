// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package flow runs the sign-in flow for a page load.
//
// On load the orchestrator first consumes a pending redirect result, at
// most once. Only when there is no result and no signed-in user does it
// choose between popup and redirect and start a flow. Redirects are gated
// by the redirect guard so that a lost result can never cause a reload
// loop. Starting a redirect ends the session in the suspended state; the
// next page load picks up from the guard's in-flight flag.
package flow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/authflow/internal/authstate"
	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/logging"
	"github.com/holomush/authflow/internal/platform"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

var tracer = otel.Tracer("authflow/flow")

// Error codes returned to callers.
const (
	CodePlatformBlocked = "AUTH_PLATFORM_BLOCKED"
	CodeSignInFailed    = "AUTH_SIGNIN_FAILED"
	CodeSignOutFailed   = "AUTH_SIGNOUT_FAILED"
)

// cachePrefix is the namespace of locally cached application data purged
// on sign-out.
const cachePrefix = "cache:"

// Recorder is the diagnostic log port.
type Recorder interface {
	diag.Recorder
	StartTrace(ctx context.Context) string
	ResumeTrace(ctx context.Context) string
}

// Sequencer is the part of bootstrap the orchestrator drives. Start
// returns once persistence is applied and the auth state listener is
// registered.
type Sequencer interface {
	Start(ctx context.Context)
	MarkComplete()
}

// Guard is the redirect attempt budget.
type Guard interface {
	CanAttemptRedirect(ctx context.Context) bool
	RecordAttempt(ctx context.Context) error
	MarkRedirectStarted(ctx context.Context) error
	ClearRedirectFlag(ctx context.Context) error
	HasRedirectStarted(ctx context.Context) bool
	Remaining(ctx context.Context) time.Duration
}

// Broadcaster is the cross-tab notice channel.
type Broadcaster interface {
	BroadcastAuthInFlight(ctx context.Context, status string)
	BroadcastAuthComplete(ctx context.Context)
	IsAuthInFlightInOtherTab(ctx context.Context) bool
}

// OutcomeObserver receives every finished flow.
type OutcomeObserver interface {
	ObserveOutcome(status, method string)
}

// Config is the flow policy.
type Config struct {
	Provider identity.Provider
	// DefaultToPopup prefers popup over the platform heuristics.
	DefaultToPopup bool
}

// Deps are the orchestrator collaborators. Client, Guard and Recorder are
// required.
type Deps struct {
	Client      identity.Client
	Sequencer   Sequencer
	Guard       Guard
	Broadcaster Broadcaster
	Recorder    Recorder
	// Cache holds locally cached application data.
	Cache    storage.Store
	Env      platform.Environment
	Observer OutcomeObserver
	Logger   *slog.Logger
	Now      func() time.Time
}

// Outcome is the result of running a flow.
type Outcome struct {
	TraceID string
	Status  Status
	Method  Method
	User    *authstate.AuthUser
	// Skipped is set when nothing ran: a repeated InitOnLoad, or another
	// tab already signing in.
	Skipped bool
	// RetryAfter is set when the redirect budget is exhausted.
	RetryAfter time.Duration
	Reason     string
	Err        error
}

// Orchestrator runs sign-in flows for one page load.
type Orchestrator struct {
	cfg  Config
	deps Deps

	loaded atomic.Bool

	mu      sync.Mutex
	session *Session
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// Session returns a snapshot of the current session, if any.
func (o *Orchestrator) Session() (SessionSnapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return SessionSnapshot{}, false
	}
	return o.session.Snapshot(), true
}

func (o *Orchestrator) newSession(traceID string) *Session {
	s := NewSession(traceID, o.deps.Now().UTC())
	o.mu.Lock()
	o.session = s
	o.mu.Unlock()
	return s
}

// InitOnLoad runs the page load flow. Only the first call does anything;
// later calls return a skipped outcome. It never panics on provider errors
// and reports failures in Outcome.Err.
func (o *Orchestrator) InitOnLoad(ctx context.Context) Outcome {
	if !o.loaded.CompareAndSwap(false, true) {
		snap, _ := o.Session()
		return Outcome{TraceID: snap.TraceID, Status: snap.Status, Method: snap.Method, Skipped: true, Reason: "already_ran"}
	}

	rec := o.deps.Recorder
	resuming := o.deps.Guard.HasRedirectStarted(ctx)
	var traceID string
	if resuming {
		traceID = rec.ResumeTrace(ctx)
	} else {
		traceID = rec.StartTrace(ctx)
	}
	ctx = logging.WithAuthTrace(ctx, traceID)
	ctx, span := tracer.Start(ctx, "flow.init_on_load",
		trace.WithAttributes(
			attribute.String("auth.trace_id", traceID),
			attribute.Bool("auth.resuming", resuming),
		),
	)
	defer span.End()

	sess := o.newSession(traceID)
	o.transition(ctx, sess, StatusChecking)
	rec.Record(ctx, "init_on_load", map[string]any{"resuming": resuming})

	o.startSequencer(ctx)

	if out, done := o.consumeRedirectResult(ctx, sess, resuming); done {
		return o.finish(ctx, span, out)
	}

	if user := o.deps.Client.CurrentUser(); user != nil {
		o.transition(ctx, sess, StatusAuthenticated)
		rec.Record(ctx, "already_authenticated", map[string]any{"uid": user.UID})
		return o.finish(ctx, span, o.outcome(sess, authstate.FromIdentity(user), nil))
	}

	if o.deps.Broadcaster != nil && o.deps.Broadcaster.IsAuthInFlightInOtherTab(ctx) {
		o.transition(ctx, sess, StatusUnauthenticated)
		rec.Record(ctx, "auth_in_flight_other_tab", nil)
		out := o.outcome(sess, nil, nil)
		out.Skipped = true
		out.Reason = "other_tab"
		return o.finish(ctx, span, out)
	}

	return o.finish(ctx, span, o.start(ctx, sess))
}

// startSequencer blocks until bootstrap has subscribed to auth state.
func (o *Orchestrator) startSequencer(ctx context.Context) {
	if o.deps.Sequencer == nil {
		return
	}
	start := o.deps.Now()
	o.deps.Sequencer.Start(ctx)
	o.deps.Recorder.Debug(ctx, "sequencer_started", map[string]any{
		"elapsed_ms": o.deps.Now().Sub(start).Milliseconds(),
	})
}

// consumeRedirectResult fetches the pending redirect result. It reports
// done when the result signed the user in.
func (o *Orchestrator) consumeRedirectResult(ctx context.Context, sess *Session, resuming bool) (Outcome, bool) {
	rec := o.deps.Recorder
	result, err := o.deps.Client.GetRedirectResult(ctx)
	o.clearInFlight(ctx)
	fetched := map[string]any{"has_result": result != nil && result.User != nil, "failed": err != nil}
	if result != nil && result.User != nil {
		fetched["uid"] = result.User.UID
	}
	rec.Debug(ctx, "redirect_result_fetched", fetched)

	switch {
	case err != nil:
		rec.Error(ctx, "redirect_result_error", err, map[string]any{"resuming": resuming})
		errutil.LogWarnContext(ctx, o.deps.Logger, "redirect result unavailable, continuing", err)
		return Outcome{}, false
	case result == nil || result.User == nil:
		rec.Record(ctx, "redirect_result_empty", map[string]any{"resuming": resuming})
		return Outcome{}, false
	}

	o.setMethod(ctx, sess, MethodRedirect)
	o.transition(ctx, sess, StatusResolving)
	o.transition(ctx, sess, StatusAuthenticated)
	if o.deps.Sequencer != nil {
		o.deps.Sequencer.MarkComplete()
	}
	if o.deps.Broadcaster != nil {
		o.deps.Broadcaster.BroadcastAuthComplete(ctx)
	}
	rec.Record(ctx, "redirect_result_consumed", map[string]any{
		"provider":  result.ProviderID,
		"operation": result.Operation,
		"uid":       result.User.UID,
	})
	return o.outcome(sess, authstate.FromIdentity(result.User), nil), true
}

// SignIn runs an explicit, user-initiated sign-in with a fresh session and
// trace. Failures are returned. An exhausted redirect budget is not an
// error: the outcome is unauthenticated with RetryAfter set.
func (o *Orchestrator) SignIn(ctx context.Context) (Outcome, error) {
	rec := o.deps.Recorder
	traceID := rec.StartTrace(ctx)
	ctx = logging.WithAuthTrace(ctx, traceID)
	ctx, span := tracer.Start(ctx, "flow.sign_in",
		trace.WithAttributes(attribute.String("auth.trace_id", traceID)),
	)
	defer span.End()

	sess := o.newSession(traceID)
	o.transition(ctx, sess, StatusChecking)
	rec.Record(ctx, "signin_requested", nil)

	o.startSequencer(ctx)

	if user := o.deps.Client.CurrentUser(); user != nil {
		o.transition(ctx, sess, StatusAuthenticated)
		rec.Record(ctx, "already_authenticated", map[string]any{"uid": user.UID})
		out := o.finish(ctx, span, o.outcome(sess, authstate.FromIdentity(user), nil))
		return out, nil
	}

	out := o.finish(ctx, span, o.start(ctx, sess))
	return out, out.Err
}

// SignOut ends the provider session and purges cached application data.
func (o *Orchestrator) SignOut(ctx context.Context) error {
	rec := o.deps.Recorder
	ctx = logging.WithAuthTrace(ctx, rec.TraceID(ctx))
	ctx, span := tracer.Start(ctx, "flow.sign_out")
	defer span.End()

	if err := o.deps.Client.SignOut(ctx); err != nil {
		err = oops.Code(CodeSignOutFailed).With("step", "provider").Wrap(err)
		rec.Error(ctx, "signout_failed", err, nil)
		recordSpanError(span, err)
		return err
	}
	if o.deps.Cache != nil {
		if err := storage.PurgePrefix(ctx, o.deps.Cache, cachePrefix); err != nil {
			err = oops.Code(CodeSignOutFailed).With("step", "purge_cache").Wrap(err)
			rec.Error(ctx, "signout_failed", err, nil)
			recordSpanError(span, err)
			return err
		}
	}
	rec.Record(ctx, "signed_out", nil)
	return nil
}

// decide applies the decision order: platform veto, authMode override,
// default-to-popup, heuristics.
func (o *Orchestrator) decide() platform.Decision {
	env := o.deps.Env
	base := platform.Decide(env)
	if base.Method == platform.MethodBlocked {
		return base
	}

	info := platform.Detect(env.UserAgent, env.DisplayMode)
	fallback := !info.IOS && !info.Safari

	if m, ok := platform.ModeOverride(env.Query); ok {
		return platform.Decision{Method: m, AllowFallback: m == platform.MethodPopup && fallback, Reason: "override"}
	}
	if o.cfg.DefaultToPopup {
		return platform.Decision{Method: platform.MethodPopup, AllowFallback: fallback, Reason: "default_to_popup"}
	}
	return base
}

// start decides the method and runs the chosen flow.
func (o *Orchestrator) start(ctx context.Context, sess *Session) Outcome {
	rec := o.deps.Recorder
	d := o.decide()

	info := platform.Detect(o.deps.Env.UserAgent, o.deps.Env.DisplayMode)
	override, _ := platform.ModeOverride(o.deps.Env.Query)
	rec.Debug(ctx, "method_inputs", map[string]any{
		"user_agent":       o.deps.Env.UserAgent,
		"display_mode":     o.deps.Env.DisplayMode,
		"online":           o.deps.Env.Online,
		"override":         string(override),
		"default_to_popup": o.cfg.DefaultToPopup,
		"safari":           info.Safari,
		"in_app":           info.InAppBrowser,
	})
	data := map[string]any{
		"method":         string(d.Method),
		"reason":         d.Reason,
		"allow_fallback": d.AllowFallback,
		"ios":            info.IOS,
		"webview":        info.WebView,
		"standalone":     info.Standalone,
	}
	if info.IOSVersion != nil {
		data["ios_version"] = info.IOSVersion.String()
	}
	rec.Record(ctx, "method_decided", data)

	switch d.Method {
	case platform.MethodBlocked:
		err := oops.Code(CodePlatformBlocked).
			With("reason", d.Reason).
			Errorf("sign-in is not supported in this browser; open the app in a full browser")
		rec.Error(ctx, "oauth_blocked", err, map[string]any{"reason": d.Reason})
		o.transition(ctx, sess, StatusError)
		out := o.outcome(sess, nil, err)
		out.Reason = d.Reason
		return out
	case platform.MethodPopup:
		return o.popup(ctx, sess, d)
	default:
		return o.redirect(ctx, sess)
	}
}

func (o *Orchestrator) popup(ctx context.Context, sess *Session, d platform.Decision) Outcome {
	rec := o.deps.Recorder
	o.setMethod(ctx, sess, MethodPopup)
	if o.deps.Broadcaster != nil {
		o.deps.Broadcaster.BroadcastAuthInFlight(ctx, "popup")
	}

	result, err := o.deps.Client.SignInWithPopup(ctx, o.cfg.Provider)
	if err == nil && result != nil && result.User != nil {
		o.transition(ctx, sess, StatusResolving)
		o.transition(ctx, sess, StatusAuthenticated)
		o.complete(ctx)
		rec.Record(ctx, "popup_succeeded", map[string]any{"provider": result.ProviderID, "uid": result.User.UID})
		return o.outcome(sess, authstate.FromIdentity(result.User), nil)
	}
	if err == nil {
		err = oops.Code("PROVIDER_NO_USER").Errorf("popup returned no user")
	}

	switch {
	case identity.IsPopupCancelled(err):
		o.complete(ctx)
		o.transition(ctx, sess, StatusUnauthenticated)
		rec.Record(ctx, "popup_cancelled", nil)
		out := o.outcome(sess, nil, nil)
		out.Reason = "popup_cancelled"
		return out
	case identity.IsPopupBlocked(err) && d.AllowFallback:
		rec.Record(ctx, "popup_fallback_redirect", map[string]any{"kind": errutil.Code(err)})
		o.complete(ctx)
		if err := sess.SetMethod(MethodRedirect); err != nil {
			errutil.LogErrorContext(ctx, o.deps.Logger, "session method change rejected", err)
		}
		return o.redirect(ctx, sess)
	}

	o.complete(ctx)
	// A blocked or closed popup without fallback leaves the user signed
	// out; anything else is a provider failure.
	status := StatusError
	if identity.IsPopupBlocked(err) {
		status = StatusUnauthenticated
	}
	err = oops.Code(CodeSignInFailed).With("method", string(MethodPopup)).Wrap(err)
	rec.Error(ctx, "popup_failed", err, nil)
	o.transition(ctx, sess, status)
	return o.outcome(sess, nil, err)
}

func (o *Orchestrator) redirect(ctx context.Context, sess *Session) Outcome {
	rec := o.deps.Recorder
	g := o.deps.Guard
	o.setMethod(ctx, sess, MethodRedirect)

	if !g.CanAttemptRedirect(ctx) {
		retryAfter := g.Remaining(ctx)
		rec.Record(ctx, "redirect_blocked_budget", map[string]any{"retry_after_ms": retryAfter.Milliseconds()})
		o.transition(ctx, sess, StatusResolving)
		o.transition(ctx, sess, StatusUnauthenticated)
		out := o.outcome(sess, nil, nil)
		out.RetryAfter = retryAfter
		out.Reason = "redirect_budget"
		return out
	}

	if err := g.RecordAttempt(ctx); err != nil {
		err = oops.Code(CodeSignInFailed).With("method", string(MethodRedirect)).With("step", "record_attempt").Wrap(err)
		rec.Error(ctx, "redirect_failed", err, nil)
		o.transition(ctx, sess, StatusError)
		return o.outcome(sess, nil, err)
	}
	if err := g.MarkRedirectStarted(ctx); err != nil {
		errutil.LogWarnContext(ctx, o.deps.Logger, "failed to mark redirect in flight", err)
	}
	if o.deps.Broadcaster != nil {
		o.deps.Broadcaster.BroadcastAuthInFlight(ctx, string(StatusRedirecting))
	}
	o.transition(ctx, sess, StatusRedirecting)
	rec.Record(ctx, "redirect_initiated", map[string]any{"provider": o.cfg.Provider.ID})

	if err := o.deps.Client.SignInWithRedirect(ctx, o.cfg.Provider); err != nil {
		o.clearInFlight(ctx)
		o.complete(ctx)
		err = oops.Code(CodeSignInFailed).With("method", string(MethodRedirect)).Wrap(err)
		rec.Error(ctx, "redirect_failed", err, nil)
		o.transition(ctx, sess, StatusError)
		return o.outcome(sess, nil, err)
	}

	// The page is navigating away. Nothing below may assume it runs.
	o.transition(ctx, sess, StatusSuspended)
	return o.outcome(sess, nil, nil)
}

func (o *Orchestrator) clearInFlight(ctx context.Context) {
	if err := o.deps.Guard.ClearRedirectFlag(ctx); err != nil {
		errutil.LogWarnContext(ctx, o.deps.Logger, "failed to clear redirect flag", err)
	}
}

func (o *Orchestrator) complete(ctx context.Context) {
	if o.deps.Broadcaster != nil {
		o.deps.Broadcaster.BroadcastAuthComplete(ctx)
	}
}

func (o *Orchestrator) setMethod(ctx context.Context, sess *Session, m Method) {
	if err := sess.SetMethod(m); err != nil {
		o.deps.Recorder.Error(ctx, "session_invalid_transition", err, nil)
		errutil.LogErrorContext(ctx, o.deps.Logger, "session method change rejected", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, sess *Session, to Status) {
	if err := sess.Transition(to); err != nil {
		o.deps.Recorder.Error(ctx, "session_invalid_transition", err, nil)
		errutil.LogErrorContext(ctx, o.deps.Logger, "session transition rejected", err)
	}
}

func (o *Orchestrator) outcome(sess *Session, user *authstate.AuthUser, err error) Outcome {
	snap := sess.Snapshot()
	return Outcome{
		TraceID: snap.TraceID,
		Status:  snap.Status,
		Method:  snap.Method,
		User:    user,
		Err:     err,
	}
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, out Outcome) Outcome {
	span.SetAttributes(
		attribute.String("auth.status", string(out.Status)),
		attribute.String("auth.method", string(out.Method)),
	)
	if out.Err != nil {
		recordSpanError(span, out.Err)
	}
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveOutcome(string(out.Status), string(out.Method))
	}
	o.deps.Logger.InfoContext(ctx, "auth flow finished",
		"status", string(out.Status),
		"method", string(out.Method),
		"skipped", out.Skipped,
	)
	return out
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
