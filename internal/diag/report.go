// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/samber/oops"
)

// StorageSnapshot describes the persistence backend in use.
type StorageSnapshot struct {
	Backend   string `json:"backend"`
	Store     string `json:"store"`
	Available bool   `json:"available"`
}

// EnvSnapshot is the environment captured in a report.
type EnvSnapshot struct {
	UserAgent   string          `json:"user_agent"`
	DisplayMode string          `json:"display_mode,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	Viewport    string          `json:"viewport,omitempty"`
	Online      bool            `json:"online"`
	Storage     StorageSnapshot `json:"storage"`
}

// Report is the exportable diagnostic report.
type Report struct {
	TraceID     string      `json:"trace_id"`
	GeneratedAt time.Time   `json:"generated_at"`
	Environment EnvSnapshot `json:"environment"`
	Sessions    []Session   `json:"sessions"`
}

// Report builds a report of the retained timeline.
func (l *Log) Report(env EnvSnapshot) Report {
	l.mu.Lock()
	traceID := l.current
	now := l.now().UTC()
	sessions := l.snapshotLocked()
	l.mu.Unlock()

	return NewReport(traceID, now, env, sessions)
}

// NewReport assembles a report from already loaded sessions.
func NewReport(traceID string, at time.Time, env EnvSnapshot, sessions []Session) Report {
	if sessions == nil {
		sessions = []Session{}
	}
	for i := range sessions {
		if sessions[i].Entries == nil {
			sessions[i].Entries = []Entry{}
		}
	}
	if traceID == "" && len(sessions) > 0 {
		traceID = sessions[len(sessions)-1].TraceID
	}
	return Report{
		TraceID:     traceID,
		GeneratedAt: at,
		Environment: env,
		Sessions:    sessions,
	}
}

// WriteJSON writes the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return oops.Code("REPORT_WRITE_FAILED").With("format", "json").Wrap(err)
	}
	return nil
}

// WriteMarkdown writes the report as a markdown document.
func (r Report) WriteMarkdown(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Auth diagnostic report\n\n")
	fmt.Fprintf(&b, "- Trace: `%s`\n", r.TraceID)
	fmt.Fprintf(&b, "- Generated: %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	env := r.Environment
	b.WriteString("## Environment\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| User agent | %s |\n", mdEscape(env.UserAgent))
	if env.DisplayMode != "" {
		fmt.Fprintf(&b, "| Display mode | %s |\n", mdEscape(env.DisplayMode))
	}
	if env.Origin != "" {
		fmt.Fprintf(&b, "| Origin | %s |\n", mdEscape(env.Origin))
	}
	if env.Viewport != "" {
		fmt.Fprintf(&b, "| Viewport | %s |\n", mdEscape(env.Viewport))
	}
	fmt.Fprintf(&b, "| Online | %t |\n", env.Online)
	fmt.Fprintf(&b, "| Storage | %s (%s, available=%t) |\n\n", env.Storage.Backend, env.Storage.Store, env.Storage.Available)

	for _, s := range r.Sessions {
		fmt.Fprintf(&b, "## Session `%s`\n\n", s.TraceID)
		fmt.Fprintf(&b, "Started %s, %d entries", s.StartedAt.Format(time.RFC3339), len(s.Entries))
		if s.Dropped > 0 {
			fmt.Fprintf(&b, ", %d dropped", s.Dropped)
		}
		b.WriteString("\n\n")
		if len(s.Entries) == 0 {
			continue
		}
		b.WriteString("| Time | Level | Event | Data |\n|---|---|---|---|\n")
		for _, e := range s.Entries {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				e.Timestamp.Format("15:04:05.000"), e.Level, e.Event, mdEscape(formatData(e.Data)))
		}
		b.WriteString("\n")
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return oops.Code("REPORT_WRITE_FAILED").With("format", "markdown").Wrap(err)
	}
	return nil
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(data[k])
		if err != nil {
			v = []byte(fmt.Sprint(data[k]))
		}
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, " ")
}

func mdEscape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
