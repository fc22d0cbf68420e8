// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package identity defines the boundary to the third-party identity
// provider client. Token exchange and verification happen behind this
// interface and are not modelled here.
package identity

import (
	"context"

	"github.com/holomush/authflow/pkg/errutil"
)

// Persistence is the identity client's session persistence mode.
type Persistence string

// Persistence modes.
const (
	PersistenceIndexed  Persistence = "indexed"
	PersistenceKeyValue Persistence = "keyValue"
	PersistenceMemory   Persistence = "memory"
)

// Provider names the upstream sign-in provider and requested scopes.
type Provider struct {
	ID     string
	Scopes []string
}

// User is the provider's native user object.
type User struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	ProviderID    string
	EmailVerified bool
}

// Result is returned by a completed sign-in.
type Result struct {
	User       *User
	ProviderID string
	// Operation is "signIn" or "link".
	Operation string
}

// Error codes reported by the identity client for popup flows.
const (
	CodePopupBlocked       = "POPUP_BLOCKED"
	CodePopupClosedByUser  = "POPUP_CLOSED_BY_USER"
	CodeCancelledPopupCall = "CANCELLED_POPUP_REQUEST"
)

// Client is the identity provider client.
type Client interface {
	// SetPersistence configures where the client keeps its session.
	SetPersistence(ctx context.Context, mode Persistence) error

	// OnAuthStateChanged registers fn for every identity change, including
	// sign-out (nil user). The returned function unsubscribes.
	OnAuthStateChanged(fn func(*User)) (unsubscribe func())

	// GetRedirectResult returns the outcome of a completed redirect flow, or
	// nil when none is pending. A given outcome is returned at most once.
	GetRedirectResult(ctx context.Context) (*Result, error)

	// SignInWithRedirect starts a redirect flow. A nil error means the page
	// is navigating away; nothing after the call should be assumed to run.
	SignInWithRedirect(ctx context.Context, provider Provider) error

	// SignInWithPopup runs a popup flow to completion.
	SignInWithPopup(ctx context.Context, provider Provider) (*Result, error)

	// SignOut ends the provider session.
	SignOut(ctx context.Context) error

	// CurrentUser returns the signed-in user or nil.
	CurrentUser() *User
}

// IsPopupBlocked reports whether err means the popup could not open or was
// closed before completing. Both allow one fallback to redirect.
func IsPopupBlocked(err error) bool {
	code := errutil.Code(err)
	return code == CodePopupBlocked || code == CodePopupClosedByUser
}

// IsPopupCancelled reports whether err is the provider's cancellation of a
// superseded popup request.
func IsPopupCancelled(err error) bool {
	return errutil.HasCode(err, CodeCancelledPopupCall)
}
