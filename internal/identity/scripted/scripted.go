// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package scripted provides a deterministic identity.Client driven by a
// script. It backs the simulate command and the flow tests.
//
// A Client outlives page loads: Reload drops listeners and per-load call
// counters but keeps the signed-in user and any pending redirect result, the
// way a browser keeps provider state across a navigation.
package scripted

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/identity"
)

// PopupOutcome scripts the result of one SignInWithPopup call.
type PopupOutcome string

// Popup outcomes.
const (
	PopupSuccess   PopupOutcome = "success"
	PopupBlocked   PopupOutcome = "blocked"
	PopupClosed    PopupOutcome = "closed"
	PopupCancelled PopupOutcome = "cancelled"
	PopupFail      PopupOutcome = "fail"
)

// Options configures a Client.
type Options struct {
	// User is returned by successful sign-ins.
	User *identity.User
	// DropRedirectResult simulates browsers that lose the redirect
	// parameters: the redirect completes but no result is delivered.
	DropRedirectResult bool
	// FireOnSubscribe delivers the current user to new listeners right away,
	// as real identity clients do once their state has loaded.
	FireOnSubscribe bool
}

// Client is a scripted identity.Client. It is safe for concurrent use.
type Client struct {
	mu sync.Mutex

	opts        Options
	persistence identity.Persistence
	current     *identity.User
	pending     *identity.Result

	listeners map[int]func(*identity.User)
	nextID    int

	popups            []PopupOutcome
	redirectResultErr error
	setPersistenceErr error
	redirectErr       error
	calls             []string

	redirectCalls int
	popupCalls    int
	resultCalls   int
}

var _ identity.Client = (*Client)(nil)

// New creates a scripted client.
func New(opts Options) *Client {
	return &Client{
		opts:      opts,
		listeners: make(map[int]func(*identity.User)),
	}
}

// QueuePopup appends outcomes for the next SignInWithPopup calls. When the
// queue is empty popups succeed.
func (c *Client) QueuePopup(outcomes ...PopupOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.popups = append(c.popups, outcomes...)
}

// SetPendingRedirect stores a redirect result as if a redirect flow had
// just completed.
func (c *Client) SetPendingRedirect(user *identity.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &identity.Result{User: user, ProviderID: providerOf(user), Operation: "signIn"}
}

// FailRedirectResult makes the next GetRedirectResult return err.
func (c *Client) FailRedirectResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirectResultErr = err
}

// FailSetPersistence makes SetPersistence return err.
func (c *Client) FailSetPersistence(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPersistenceErr = err
}

// FailRedirect makes SignInWithRedirect return err.
func (c *Client) FailRedirect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redirectErr = err
}

// SetCurrentUser sets the signed-in user without notifying listeners, as a
// session restored from persistence would be.
func (c *Client) SetCurrentUser(user *identity.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = user
}

// Reload simulates a page reload.
func (c *Client) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = make(map[int]func(*identity.User))
	c.calls = nil
	c.redirectCalls = 0
	c.popupCalls = 0
	c.resultCalls = 0
}

// SetPersistence records the mode.
func (c *Client) SetPersistence(_ context.Context, mode identity.Persistence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "SetPersistence")
	if c.setPersistenceErr != nil {
		return c.setPersistenceErr
	}
	c.persistence = mode
	return nil
}

// Persistence returns the last mode set.
func (c *Client) Persistence() identity.Persistence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persistence
}

// OnAuthStateChanged registers fn.
func (c *Client) OnAuthStateChanged(fn func(*identity.User)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.calls = append(c.calls, "OnAuthStateChanged")
	fire := c.opts.FireOnSubscribe
	current := c.current
	c.mu.Unlock()

	if fire {
		fn(current)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// GetRedirectResult pops the pending redirect result.
func (c *Client) GetRedirectResult(_ context.Context) (*identity.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, "GetRedirectResult")
	c.resultCalls++
	if err := c.redirectResultErr; err != nil {
		c.redirectResultErr = nil
		c.mu.Unlock()
		return nil, err
	}
	result := c.pending
	c.pending = nil
	if result != nil {
		c.current = result.User
	}
	c.mu.Unlock()

	if result != nil {
		c.notify(result.User)
	}
	return result, nil
}

// SignInWithRedirect records the call and, unless results are dropped,
// leaves a pending result for the next page load.
func (c *Client) SignInWithRedirect(_ context.Context, provider identity.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "SignInWithRedirect")
	c.redirectCalls++
	if c.redirectErr != nil {
		return c.redirectErr
	}
	if c.opts.User != nil && !c.opts.DropRedirectResult {
		c.pending = &identity.Result{User: c.opts.User, ProviderID: provider.ID, Operation: "signIn"}
	}
	return nil
}

// SignInWithPopup plays the next scripted popup outcome.
func (c *Client) SignInWithPopup(_ context.Context, provider identity.Provider) (*identity.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, "SignInWithPopup")
	c.popupCalls++
	outcome := PopupSuccess
	if len(c.popups) > 0 {
		outcome = c.popups[0]
		c.popups = c.popups[1:]
	}
	user := c.opts.User

	switch outcome {
	case PopupBlocked:
		c.mu.Unlock()
		return nil, oops.Code(identity.CodePopupBlocked).With("provider", provider.ID).Errorf("popup blocked by the browser")
	case PopupClosed:
		c.mu.Unlock()
		return nil, oops.Code(identity.CodePopupClosedByUser).With("provider", provider.ID).Errorf("popup closed before sign-in completed")
	case PopupCancelled:
		c.mu.Unlock()
		return nil, oops.Code(identity.CodeCancelledPopupCall).With("provider", provider.ID).Errorf("popup request superseded")
	case PopupFail:
		c.mu.Unlock()
		return nil, oops.Code("PROVIDER_INTERNAL_ERROR").With("provider", provider.ID).Errorf("provider error")
	}

	if user == nil {
		c.mu.Unlock()
		return nil, oops.Code("PROVIDER_NO_USER").With("provider", provider.ID).Errorf("no scripted user")
	}
	c.current = user
	c.mu.Unlock()

	c.notify(user)
	return &identity.Result{User: user, ProviderID: provider.ID, Operation: "signIn"}, nil
}

// SignOut clears the current user and notifies listeners.
func (c *Client) SignOut(_ context.Context) error {
	c.mu.Lock()
	c.calls = append(c.calls, "SignOut")
	c.current = nil
	c.mu.Unlock()

	c.notify(nil)
	return nil
}

// CurrentUser returns the signed-in user.
func (c *Client) CurrentUser() *identity.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Emit notifies listeners of user without changing the current user.
func (c *Client) Emit(user *identity.User) {
	c.notify(user)
}

// Calls returns the ordered method calls since the last reload.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// RedirectCalls returns SignInWithRedirect calls since the last reload.
func (c *Client) RedirectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirectCalls
}

// PopupCalls returns SignInWithPopup calls since the last reload.
func (c *Client) PopupCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popupCalls
}

// ListenerCount returns the number of registered listeners.
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Client) notify(user *identity.User) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(*identity.User), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(user)
	}
}

func providerOf(user *identity.User) string {
	if user == nil {
		return ""
	}
	return user.ProviderID
}
