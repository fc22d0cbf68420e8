// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package app assembles one page load of the auth subsystem.
//
// A Runtime is the explicit context object for a page load: it owns the
// selected storage, the tab's session scope, the diagnostic log and every
// component built on them. A redirect ends a page load; the next Runtime
// built over the same storage and tab id picks the flow back up.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/authstate"
	"github.com/holomush/authflow/internal/bootstrap"
	"github.com/holomush/authflow/internal/broadcast"
	"github.com/holomush/authflow/internal/config"
	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/flow"
	"github.com/holomush/authflow/internal/guard"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/observability"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/internal/platform"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
)

// Options describes the page being loaded.
type Options struct {
	// TabID identifies the tab. Empty means a new tab.
	TabID  string
	Env    platform.Environment
	Config *config.Config
}

// Deps are the external collaborators of a page load.
type Deps struct {
	Identity identity.Client
	Indexed  persistence.Opener
	KeyValue persistence.Opener
	// Fallback backs page loads where no candidate opens. It must outlive
	// the page load, or the redirect guard resets on every reload. Nil
	// means a store private to this page load.
	Fallback storage.Store
	Channel  broadcast.Channel
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Runtime is one page load.
type Runtime struct {
	tabID  string
	cfg    *config.Config
	env    platform.Environment
	client identity.Client
	logger *slog.Logger

	log       *diag.Log
	selector  *persistence.Selector
	sequencer *bootstrap.Sequencer
	store     storage.Store
	session   *storage.Scoped
	guard     *guard.Guard
	bcast     *broadcast.Broadcaster
	publisher *authstate.Publisher
	orch      *flow.Orchestrator
}

// New builds a page load. Persistence is selected and applied to the
// identity client before New returns.
func New(ctx context.Context, opts Options, deps Deps) (*Runtime, error) {
	if deps.Identity == nil {
		return nil, oops.Code("APP_NO_IDENTITY").Errorf("an identity client is required")
	}
	cfg := opts.Config
	if cfg == nil {
		d := config.Default()
		cfg = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	tabID := opts.TabID
	if tabID == "" {
		tabID = ulid.Make().String()
	}
	logger := deps.Logger.With("tab_id", tabID)
	metrics := deps.Metrics

	diagOpts := cfg.DiagOptions()
	diagOpts.Verbose = diagOpts.Verbose || platform.DebugEnabled(opts.Env.Query)
	diagOpts.Logger = logger
	diagOpts.Now = deps.Now
	log := diag.New(diagOpts)
	log.OnEntry(func(e diag.Entry) { metrics.ObserveEvent(e.Event) })

	selector := persistence.NewSelector(persistence.Options{
		Indexed:        deps.Indexed,
		KeyValue:       deps.KeyValue,
		Fallback:       fallback(deps.Fallback),
		IndexedTimeout: cfg.Persistence.IndexedTimeout,
		Client:         deps.Identity,
		Recorder:       log,
		Logger:         logger,
		Now:            deps.Now,
	})
	seq := bootstrap.New(bootstrap.Options{
		Selector: selector,
		Client:   deps.Identity,
		Recorder: log,
		Logger:   logger,
		Timeout:  cfg.Bootstrap.Timeout,
		Now:      deps.Now,
		OnReady: func(r bootstrap.Result) {
			metrics.ObserveBootstrap(r.Reason, r.Elapsed)
		},
	})

	seq.Lock(ctx)
	decision, _ := selector.Decision()
	metrics.ObservePersistence(string(decision.Backend), decision.Store)

	store := selector.Store()
	session := storage.NewScoped(store, storage.SessionPrefix(tabID))
	log.Attach(ctx, store, session)

	g := guard.New(session, cfg.GuardPolicy(),
		guard.WithClock(deps.Now), guard.WithLogger(logger), guard.WithRecorder(log))
	bc := broadcast.New(tabID, deps.Channel, store, broadcast.WithClock(deps.Now), broadcast.WithLogger(logger))
	bc.Start(ctx)

	pub := authstate.NewPublisher()
	pub.Start(deps.Identity)

	orch := flow.New(flow.Config{
		Provider:       cfg.IdentityProvider(),
		DefaultToPopup: cfg.DefaultToPopup,
	}, flow.Deps{
		Client:      deps.Identity,
		Sequencer:   seq,
		Guard:       g,
		Broadcaster: bc,
		Recorder:    log,
		Cache:       store,
		Env:         opts.Env,
		Observer:    metrics,
		Logger:      logger,
		Now:         deps.Now,
	})

	return &Runtime{
		tabID:     tabID,
		cfg:       cfg,
		env:       opts.Env,
		client:    deps.Identity,
		logger:    logger,
		log:       log,
		selector:  selector,
		sequencer: seq,
		store:     store,
		session:   session,
		guard:     g,
		bcast:     bc,
		publisher: pub,
		orch:      orch,
	}, nil
}

// fallback wraps a shared store so closing the page load leaves it open.
func fallback(shared storage.Store) storage.Store {
	if shared == nil {
		return nil
	}
	return storage.NewScoped(shared, "")
}

// TabID returns the tab identifier.
func (r *Runtime) TabID() string { return r.tabID }

// Bootstrap waits for the first auth state notification, bounded by the
// configured timeout.
func (r *Runtime) Bootstrap(ctx context.Context) time.Time {
	return r.sequencer.Bootstrap(ctx)
}

// Ready reports whether bootstrap has resolved.
func (r *Runtime) Ready() bool { return r.sequencer.Ready() }

// InitOnLoad runs the page load flow once.
func (r *Runtime) InitOnLoad(ctx context.Context) flow.Outcome {
	return r.orch.InitOnLoad(ctx)
}

// SignIn runs an explicit sign-in.
func (r *Runtime) SignIn(ctx context.Context) (flow.Outcome, error) {
	return r.orch.SignIn(ctx)
}

// SignOut signs out and purges cached data.
func (r *Runtime) SignOut(ctx context.Context) error {
	return r.orch.SignOut(ctx)
}

// CurrentUser returns the latest published user.
func (r *Runtime) CurrentUser() *authstate.AuthUser {
	return r.publisher.CurrentUser()
}

// Subscribe registers fn for auth state changes.
func (r *Runtime) Subscribe(fn authstate.Listener) func() {
	return r.publisher.Subscribe(fn)
}

// Session returns the current auth session snapshot.
func (r *Runtime) Session() (flow.SessionSnapshot, bool) {
	return r.orch.Session()
}

// AuthInFlightElsewhere reports whether another tab is signing in.
func (r *Runtime) AuthInFlightElsewhere(ctx context.Context) bool {
	return r.bcast.IsAuthInFlightInOtherTab(ctx)
}

// Guard returns the tab's redirect guard.
func (r *Runtime) Guard() *guard.Guard { return r.guard }

// Diagnostics returns the diagnostic log.
func (r *Runtime) Diagnostics() *diag.Log { return r.log }

// Decision returns the persistence decision.
func (r *Runtime) Decision() persistence.Decision {
	d, _ := r.selector.Decision()
	return d
}

// Report builds the diagnostic report for this page load.
func (r *Runtime) Report() diag.Report {
	d := r.Decision()
	return r.log.Report(diag.EnvSnapshot{
		UserAgent:   r.env.UserAgent,
		DisplayMode: r.env.DisplayMode,
		Origin:      r.env.Origin,
		Viewport:    r.env.Viewport,
		Online:      r.env.Online,
		Storage: diag.StorageSnapshot{
			Backend:   string(d.Backend),
			Store:     d.Store,
			Available: d.Backend != persistence.BackendUnknown,
		},
	})
}

// Close ends the page load. With closeTab the tab's session scope is
// purged, as when the browser tab is closed.
func (r *Runtime) Close(ctx context.Context, closeTab bool) error {
	r.publisher.Stop()
	r.bcast.Close()

	var errs []error
	if closeTab {
		if err := r.session.Purge(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		err := oops.Code("APP_CLOSE_FAILED").With("tab_id", r.tabID).Wrap(errors.Join(errs...))
		errutil.LogWarnContext(ctx, r.logger, "page load did not close cleanly", err)
		return err
	}
	return nil
}
