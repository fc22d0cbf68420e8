// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flow_test

import (
	"context"
	"time"

	"github.com/holomush/authflow/internal/bootstrap"
	"github.com/holomush/authflow/internal/broadcast"
	"github.com/holomush/authflow/internal/diag"
	"github.com/holomush/authflow/internal/flow"
	"github.com/holomush/authflow/internal/guard"
	"github.com/holomush/authflow/internal/identity"
	"github.com/holomush/authflow/internal/identity/scripted"
	"github.com/holomush/authflow/internal/logging"
	"github.com/holomush/authflow/internal/persistence"
	"github.com/holomush/authflow/internal/platform"
	"github.com/holomush/authflow/internal/storage"
)

const (
	desktopChrome  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	iosSafari      = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	androidWebView = "Mozilla/5.0 (Linux; Android 13; SM-G991B; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/116.0.0.0 Mobile Safari/537.36"
	iosFacebook    = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 [FBAN/FBIOS;FBAV/466.0.0.37.108]"
)

var (
	alice  = &identity.User{UID: "u-alice-0001", Email: "alice@example.com", DisplayName: "Alice", ProviderID: "google.com"}
	google = identity.Provider{ID: "google.com", Scopes: []string{"email", "profile"}}
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

// browser is the state shared by page loads of one tab: durable storage,
// the identity client and the clock.
type browser struct {
	durable *storage.Memory
	client  *scripted.Client
	hub     *broadcast.Hub
	clock   *testClock
	tabID   string
}

func newBrowser(opts scripted.Options) *browser {
	return &browser{
		durable: storage.NewMemory(),
		client:  scripted.New(opts),
		hub:     broadcast.NewHub(),
		clock:   &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		tabID:   "tab-1",
	}
}

// page is one page load.
type page struct {
	orch    *flow.Orchestrator
	guard   *guard.Guard
	log     *diag.Log
	session *storage.Scoped
	bcast   *broadcast.Broadcaster
}

type pageOptions struct {
	ua             string
	displayMode    string
	origin         string
	query          map[string][]string
	defaultToPopup bool
}

func (b *browser) load(opts pageOptions) *page {
	ctx := context.Background()
	logger := logging.Discard()
	session := storage.NewScoped(b.durable, storage.SessionPrefix(b.tabID))

	log := diag.New(diag.Options{Logger: logger, Now: b.clock.now, Verbose: true})
	sel := persistence.NewSelector(persistence.Options{
		Indexed:  func(context.Context) (storage.Store, error) { return b.durable, nil },
		Client:   b.client,
		Recorder: log,
		Logger:   logger,
	})
	seq := bootstrap.New(bootstrap.Options{Selector: sel, Client: b.client, Recorder: log, Logger: logger, Timeout: 50 * time.Millisecond})
	seq.Lock(ctx)
	log.Attach(ctx, b.durable, session)

	g := guard.New(session, guard.DefaultPolicy(), guard.WithClock(b.clock.now), guard.WithLogger(logger))
	bc := broadcast.New(b.tabID, nil, b.durable, broadcast.WithClock(b.clock.now), broadcast.WithLogger(logger))

	ua := opts.ua
	if ua == "" {
		ua = desktopChrome
	}
	orch := flow.New(flow.Config{Provider: google, DefaultToPopup: opts.defaultToPopup}, flow.Deps{
		Client:      b.client,
		Sequencer:   seq,
		Guard:       g,
		Broadcaster: bc,
		Recorder:    log,
		Cache:       b.durable,
		Env: platform.Environment{
			UserAgent:   ua,
			DisplayMode: opts.displayMode,
			Origin:      opts.origin,
			Query:       opts.query,
			Online:      true,
		},
		Logger: logger,
		Now:    b.clock.now,
	})
	return &page{orch: orch, guard: g, log: log, session: session, bcast: bc}
}

// reload simulates the browser navigating back to the app.
func (b *browser) reload(opts pageOptions) *page {
	b.client.Reload()
	return b.load(opts)
}

func (p *page) events() []string {
	var out []string
	for _, s := range p.log.Sessions() {
		for _, e := range s.Entries {
			out = append(out, e.Event)
		}
	}
	return out
}

func newLogForTest() *diag.Log {
	return diag.New(diag.Options{Logger: logging.Discard()})
}
