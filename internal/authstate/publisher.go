// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package authstate publishes the signed-in user to the rest of the
// application as an immutable snapshot.
package authstate

import (
	"sync"

	"github.com/holomush/authflow/internal/identity"
)

// AuthUser is the published projection of the provider's user. A new value
// is allocated for every identity change; consumers must not mutate it.
type AuthUser struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url"`
}

// FromIdentity projects a provider user. Returns nil for nil.
func FromIdentity(u *identity.User) *AuthUser {
	if u == nil {
		return nil
	}
	return &AuthUser{
		UID:         u.UID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
	}
}

// Listener receives the new snapshot, or nil on sign-out.
type Listener func(*AuthUser)

type subscription struct {
	id     uint64
	fn     Listener
	active bool
}

// Publisher wraps the identity client's change notification.
type Publisher struct {
	mu      sync.Mutex
	current *AuthUser
	subs    []*subscription
	nextID  uint64
	stop    func()
	started bool
}

// NewPublisher creates a publisher with no current user.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Start subscribes to client. Calling Start more than once is a no-op.
func (p *Publisher) Start(client identity.Client) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	stop := client.OnAuthStateChanged(p.publish)

	p.mu.Lock()
	p.stop = stop
	p.mu.Unlock()
}

// Stop detaches from the identity client. Listeners stay registered.
func (p *Publisher) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.started = false
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// CurrentUser returns the latest snapshot. Successive calls between
// notifications return the same pointer.
func (p *Publisher) CurrentUser() *AuthUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe registers fn for future changes and returns a function that
// removes it. Listeners are called synchronously in registration order.
func (p *Publisher) Subscribe(fn Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := &subscription{id: p.nextID, fn: fn, active: true}
	p.subs = append(p.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(sub.id) })
	}
}

// Publish delivers u as if the identity client had reported it.
func (p *Publisher) Publish(u *identity.User) {
	p.publish(u)
}

func (p *Publisher) publish(u *identity.User) {
	snapshot := FromIdentity(u)

	p.mu.Lock()
	p.current = snapshot
	// Listeners registered during delivery are not in this slice.
	subs := make([]*subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, sub := range subs {
		if !p.isActive(sub) {
			continue
		}
		sub.fn(snapshot)
	}
}

func (p *Publisher) isActive(sub *subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sub.active
}

func (p *Publisher) remove(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.subs {
		if sub.id == id {
			sub.active = false
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (p *Publisher) ListenerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
