// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package flow

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Status is the state of an auth session.
type Status string

// Session statuses.
const (
	StatusIdle            Status = "idle"
	StatusChecking        Status = "checking"
	StatusRedirecting     Status = "redirecting"
	StatusResolving       Status = "resolving"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
	StatusError           Status = "error"
	// StatusSuspended means the page is navigating away for a redirect;
	// the next page load resumes.
	StatusSuspended Status = "suspended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAuthenticated, StatusUnauthenticated, StatusError, StatusSuspended:
		return true
	}
	return false
}

// Method is the sign-in method of a session.
type Method string

// Session methods.
const (
	MethodNone     Method = "none"
	MethodPopup    Method = "popup"
	MethodRedirect Method = "redirect"
)

var transitions = map[Status][]Status{
	StatusIdle:        {StatusChecking, StatusError},
	StatusChecking:    {StatusResolving, StatusRedirecting, StatusAuthenticated, StatusUnauthenticated, StatusError},
	StatusRedirecting: {StatusSuspended, StatusResolving, StatusError},
	StatusResolving:   {StatusAuthenticated, StatusUnauthenticated, StatusError},
}

// Session is the in-memory state of one sign-in attempt.
type Session struct {
	mu        sync.Mutex
	traceID   string
	status    Status
	method    Method
	startedAt time.Time
	history   []Status
}

// NewSession creates an idle session.
func NewSession(traceID string, startedAt time.Time) *Session {
	return &Session{
		traceID:   traceID,
		status:    StatusIdle,
		method:    MethodNone,
		startedAt: startedAt,
		history:   []Status{StatusIdle},
	}
}

// SessionSnapshot is a copy of a session's state.
type SessionSnapshot struct {
	TraceID   string    `json:"trace_id"`
	Status    Status    `json:"status"`
	Method    Method    `json:"method"`
	StartedAt time.Time `json:"started_at"`
	History   []Status  `json:"history"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		TraceID:   s.traceID,
		Status:    s.status,
		Method:    s.method,
		StartedAt: s.startedAt,
		History:   slices.Clone(s.history),
	}
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetMethod records the sign-in method. It cannot change once the session
// is terminal.
func (s *Session) SetMethod(m Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return oops.Code("FLOW_INVALID_TRANSITION").
			With("status", string(s.status)).
			With("method", string(m)).
			Errorf("session already finished")
	}
	s.method = m
	return nil
}

// Transition moves the session to status to. Once the method is redirect
// the session must pass through resolving before it can become
// authenticated or unauthenticated.
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.status
	if !slices.Contains(transitions[from], to) {
		return oops.Code("FLOW_INVALID_TRANSITION").
			With("from", string(from)).
			With("to", string(to)).
			Errorf("invalid session transition")
	}
	if s.method == MethodRedirect && from != StatusResolving &&
		(to == StatusAuthenticated || to == StatusUnauthenticated) {
		return oops.Code("FLOW_INVALID_TRANSITION").
			With("from", string(from)).
			With("to", string(to)).
			With("method", string(s.method)).
			Errorf("redirect sessions must resolve before finishing")
	}
	s.status = to
	s.history = append(s.history, to)
	return nil
}
