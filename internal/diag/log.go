// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package diag keeps the redacted auth lifecycle timeline.
//
// Entries are grouped into sessions by trace id. Each session is a bounded
// ring; only the most recent sessions are kept. The timeline is persisted in
// the durable store under diag:log and the active trace id in the tab's
// session store under diag:trace, so a page returning from a redirect can
// continue the same trace.
//
// Until Attach is called entries are buffered in memory, which lets the
// persistence selector record its own decision before any store is chosen.
// Entries recorded before a flow starts its trace go to a provisional
// trace that the next StartTrace or ResumeTrace takes over.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/logging"
	"github.com/holomush/authflow/internal/storage"
	"github.com/holomush/authflow/pkg/errutil"
	"github.com/holomush/authflow/pkg/redact"
)

// Storage keys.
const (
	logKey   = "diag:log"
	traceKey = "diag:trace"
)

// Defaults for Options.
const (
	DefaultCapacity    = 200
	DefaultMaxSessions = 5
)

// Level is the severity of an entry.
type Level string

// Entry levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Entry is one redacted lifecycle event.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	TraceID   string         `json:"trace_id"`
	Level     Level          `json:"level"`
	Data      map[string]any `json:"data,omitempty"`
}

// Session is the timeline of one trace.
type Session struct {
	TraceID   string    `json:"trace_id"`
	StartedAt time.Time `json:"started_at"`
	Entries   []Entry   `json:"entries"`
	// Dropped counts entries evicted from the ring.
	Dropped int `json:"dropped,omitempty"`
}

// Recorder is the logging port used by the auth components.
type Recorder interface {
	// TraceID returns the active trace id, starting one if needed.
	TraceID(ctx context.Context) string
	// Record appends an info entry.
	Record(ctx context.Context, event string, data map[string]any)
	// Debug appends an entry only in verbose mode.
	Debug(ctx context.Context, event string, data map[string]any)
	// Error appends an error entry describing err.
	Error(ctx context.Context, event string, err error, data map[string]any)
}

// Options configures a Log.
type Options struct {
	Capacity    int
	MaxSessions int
	Verbose     bool
	Logger      *slog.Logger
	Redactor    *redact.Redactor
	Now         func() time.Time
}

// Log is the diagnostic log. It is safe for concurrent use.
type Log struct {
	mu sync.Mutex

	capacity    int
	maxSessions int
	verbose     bool
	logger      *slog.Logger
	redactor    *redact.Redactor
	now         func() time.Time

	durable  storage.Store
	session  storage.Store
	sessions []Session
	current  string
	// provisional is set while current was started implicitly by an entry.
	provisional bool

	observers []func(Entry)
}

var _ Recorder = (*Log)(nil)

// New creates a detached log.
func New(opts Options) *Log {
	l := &Log{
		capacity:    opts.Capacity,
		maxSessions: opts.MaxSessions,
		verbose:     opts.Verbose,
		logger:      opts.Logger,
		redactor:    opts.Redactor,
		now:         opts.Now,
	}
	if l.capacity <= 0 {
		l.capacity = DefaultCapacity
	}
	if l.maxSessions <= 0 {
		l.maxSessions = DefaultMaxSessions
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.redactor == nil {
		l.redactor = redact.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Verbose reports whether debug entries are kept.
func (l *Log) Verbose() bool { return l.verbose }

// OnEntry registers fn to be called for every appended entry.
func (l *Log) OnEntry(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Attach loads the persisted timeline from durable, merges the buffered
// entries into it and persists the result. session holds the active trace
// id. A load failure is logged and the persisted timeline is replaced.
func (l *Log) Attach(ctx context.Context, durable, session storage.Store) {
	var persisted []Session
	err := storage.GetJSON(ctx, durable, logKey, &persisted)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		errutil.LogWarnContext(ctx, l.logger, "discarding unreadable diagnostic log", err)
		persisted = nil
	}

	l.mu.Lock()
	l.durable = durable
	l.session = session
	merged := persisted
	for _, s := range l.sessions {
		merged = mergeSession(merged, s)
	}
	l.sessions = merged
	l.trimLocked()
	snapshot := l.snapshotLocked()
	current := l.current
	provisional := l.provisional
	l.mu.Unlock()

	l.persist(ctx, snapshot)
	if current == "" || provisional || session == nil {
		return
	}
	// A stored trace belongs to a flow in progress; ResumeTrace picks it up.
	if _, err := session.Get(ctx, traceKey); errors.Is(err, storage.ErrNotFound) {
		l.saveTrace(ctx, current)
	}
}

func mergeSession(sessions []Session, s Session) []Session {
	for i := range sessions {
		if sessions[i].TraceID == s.TraceID {
			sessions[i].Entries = append(sessions[i].Entries, s.Entries...)
			sessions[i].Dropped += s.Dropped
			return sessions
		}
	}
	return append(sessions, s)
}

// StartTrace begins a new session with a fresh trace id. Entries of a
// provisional trace move into it.
func (l *Log) StartTrace(ctx context.Context) string {
	id := ulid.Make().String()

	l.mu.Lock()
	moved, ok := l.takeProvisionalLocked()
	l.startLocked(id)
	if ok {
		l.adoptLocked(id, moved)
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, snapshot)
	l.saveTrace(ctx, id)
	return id
}

// ResumeTrace continues the trace recorded in the session store, as after
// returning from a redirect. Without one it starts a new trace.
func (l *Log) ResumeTrace(ctx context.Context) string {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()

	if session != nil {
		raw, err := session.Get(ctx, traceKey)
		if err == nil && len(raw) > 0 {
			id := string(raw)
			l.mu.Lock()
			moved, ok := l.takeProvisionalLocked()
			l.current = id
			if l.find(id) < 0 {
				l.startLocked(id)
			}
			if ok {
				l.adoptLocked(id, moved)
			}
			snapshot := l.snapshotLocked()
			l.mu.Unlock()
			l.persist(ctx, snapshot)
			return id
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errutil.LogWarnContext(ctx, l.logger, "failed to read diagnostic trace id", err)
		}
	}
	return l.StartTrace(ctx)
}

// TraceID returns the active trace id. Without one a provisional trace is
// started; it is not stored as the tab's trace.
func (l *Log) TraceID(context.Context) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == "" {
		l.startLocked(ulid.Make().String())
		l.provisional = true
	}
	return l.current
}

// Record appends an info entry.
func (l *Log) Record(ctx context.Context, event string, data map[string]any) {
	l.append(ctx, LevelInfo, event, data)
}

// Debug appends a debug entry in verbose mode.
func (l *Log) Debug(ctx context.Context, event string, data map[string]any) {
	if !l.verbose {
		return
	}
	l.append(ctx, LevelDebug, event, data)
}

// Error appends an error entry. The error code is stored as "kind"; the
// message and the oops context are redacted along with data.
func (l *Log) Error(ctx context.Context, event string, err error, data map[string]any) {
	merged := make(map[string]any, len(data)+3)
	for k, v := range data {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
		if oopsErr, ok := oops.AsOops(err); ok {
			if code := errutil.Code(err); code != "" {
				merged["kind"] = code
			}
			if c := oopsErr.Context(); len(c) > 0 {
				merged["context"] = c
			}
		}
	}
	l.append(ctx, LevelError, event, merged)
}

func (l *Log) append(ctx context.Context, level Level, event string, data map[string]any) {
	traceID := l.TraceID(ctx)
	entry := Entry{
		Timestamp: l.now().UTC(),
		Event:     event,
		TraceID:   traceID,
		Level:     level,
		Data:      l.redactor.Map(data),
	}

	l.mu.Lock()
	idx := l.find(traceID)
	if idx < 0 {
		l.startLocked(traceID)
		idx = len(l.sessions) - 1
	}
	l.pushLocked(&l.sessions[idx], entry)
	snapshot := l.snapshotLocked()
	observers := slices.Clone(l.observers)
	l.mu.Unlock()

	l.logger.DebugContext(logging.WithAuthTrace(ctx, traceID), "auth event",
		"event", event, "level", string(level), "data", entry.Data)

	for _, fn := range observers {
		fn(entry)
	}
	l.persist(ctx, snapshot)
}

// Sessions returns a copy of the retained timeline, oldest first.
func (l *Log) Sessions() []Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Clear removes every session from memory and storage.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.sessions = nil
	l.current = ""
	l.provisional = false
	durable := l.durable
	session := l.session
	l.mu.Unlock()

	if durable != nil {
		if err := durable.Delete(ctx, logKey); err != nil {
			return err //nolint:wrapcheck // backend error carries its code
		}
	}
	if session != nil {
		if err := session.Delete(ctx, traceKey); err != nil {
			return err //nolint:wrapcheck // backend error carries its code
		}
	}
	return nil
}

func (l *Log) startLocked(id string) {
	l.current = id
	l.provisional = false
	l.sessions = append(l.sessions, Session{TraceID: id, StartedAt: l.now().UTC(), Entries: []Entry{}})
	l.trimLocked()
}

func (l *Log) pushLocked(s *Session, entries ...Entry) {
	s.Entries = append(s.Entries, entries...)
	if over := len(s.Entries) - l.capacity; over > 0 {
		s.Entries = append([]Entry(nil), s.Entries[over:]...)
		s.Dropped += over
	}
}

// takeProvisionalLocked removes the provisional session, if any.
func (l *Log) takeProvisionalLocked() (Session, bool) {
	if !l.provisional {
		return Session{}, false
	}
	l.provisional = false
	idx := l.find(l.current)
	if idx < 0 {
		return Session{}, false
	}
	moved := l.sessions[idx]
	l.sessions = slices.Delete(l.sessions, idx, idx+1)
	return moved, true
}

// adoptLocked re-keys moved's entries to id and appends them to its
// session.
func (l *Log) adoptLocked(id string, moved Session) {
	idx := l.find(id)
	if idx < 0 {
		return
	}
	s := &l.sessions[idx]
	if moved.StartedAt.Before(s.StartedAt) {
		s.StartedAt = moved.StartedAt
	}
	for i := range moved.Entries {
		moved.Entries[i].TraceID = id
	}
	s.Dropped += moved.Dropped
	l.pushLocked(s, moved.Entries...)
}

func (l *Log) trimLocked() {
	if over := len(l.sessions) - l.maxSessions; over > 0 {
		l.sessions = append([]Session(nil), l.sessions[over:]...)
	}
}

func (l *Log) find(id string) int {
	for i := range l.sessions {
		if l.sessions[i].TraceID == id {
			return i
		}
	}
	return -1
}

func (l *Log) snapshotLocked() []Session {
	out := make([]Session, len(l.sessions))
	for i, s := range l.sessions {
		out[i] = s
		out[i].Entries = append([]Entry{}, s.Entries...)
	}
	return out
}

func (l *Log) persist(ctx context.Context, sessions []Session) {
	l.mu.Lock()
	durable := l.durable
	l.mu.Unlock()
	if durable == nil {
		return
	}
	if err := storage.SetJSON(ctx, durable, logKey, sessions); err != nil {
		errutil.LogWarnContext(ctx, l.logger, "failed to persist diagnostic log", err)
	}
}

func (l *Log) saveTrace(ctx context.Context, id string) {
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.Set(ctx, traceKey, []byte(id)); err != nil {
		errutil.LogWarnContext(ctx, l.logger, "failed to persist diagnostic trace id", err)
	}
}

// Load reads the persisted timeline from durable without attaching.
func Load(ctx context.Context, durable storage.Store) ([]Session, error) {
	var sessions []Session
	err := storage.GetJSON(ctx, durable, logKey, &sessions)
	if errors.Is(err, storage.ErrNotFound) {
		return []Session{}, nil
	}
	if err != nil {
		return nil, err //nolint:wrapcheck // storage error carries its code
	}
	return sessions, nil
}

// Purge deletes the persisted timeline from durable.
func Purge(ctx context.Context, durable storage.Store) error {
	if err := durable.Delete(ctx, logKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err //nolint:wrapcheck // backend error carries its code
	}
	return nil
}

// Nop is a Recorder that discards everything.
type Nop struct{}

var _ Recorder = Nop{}

// TraceID returns "".
func (Nop) TraceID(context.Context) string { return "" }

// Record does nothing.
func (Nop) Record(context.Context, string, map[string]any) {}

// Debug does nothing.
func (Nop) Debug(context.Context, string, map[string]any) {}

// Error does nothing.
func (Nop) Error(context.Context, string, error, map[string]any) {}
