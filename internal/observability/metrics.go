// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the auth flow Prometheus metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	EventsTotal          *prometheus.CounterVec
	OutcomesTotal        *prometheus.CounterVec
	RedirectAttempts     prometheus.Counter
	RedirectBudgetBlocks prometheus.Counter
	PersistenceTotal     *prometheus.CounterVec
	BootstrapDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers the auth flow metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authflow_events_total",
				Help: "Total number of auth lifecycle events by event name",
			},
			[]string{"event"},
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authflow_outcomes_total",
				Help: "Total number of auth flow outcomes by status and method",
			},
			[]string{"status", "method"},
		),
		RedirectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authflow_redirect_attempts_total",
			Help: "Total number of redirects initiated",
		}),
		RedirectBudgetBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authflow_redirect_budget_blocked_total",
			Help: "Total number of redirects refused by the attempt budget",
		}),
		PersistenceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authflow_persistence_decisions_total",
				Help: "Total number of persistence decisions by backend and store",
			},
			[]string{"backend", "store"},
		),
		BootstrapDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authflow_bootstrap_duration_seconds",
				Help:    "Time from page load until bootstrap resolved, by reason",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		m.EventsTotal,
		m.OutcomesTotal,
		m.RedirectAttempts,
		m.RedirectBudgetBlocks,
		m.PersistenceTotal,
		m.BootstrapDuration,
	)
	return m
}

// ObserveEvent counts a diagnostic event.
func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(event).Inc()
	switch event {
	case "redirect_initiated":
		m.RedirectAttempts.Inc()
	case "redirect_blocked_budget":
		m.RedirectBudgetBlocks.Inc()
	}
}

// ObserveOutcome counts a finished flow.
func (m *Metrics) ObserveOutcome(status, method string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(status, method).Inc()
}

// ObservePersistence counts a persistence decision.
func (m *Metrics) ObservePersistence(backend, store string) {
	if m == nil {
		return
	}
	m.PersistenceTotal.WithLabelValues(backend, store).Inc()
}

// ObserveBootstrap records how long bootstrap took.
func (m *Metrics) ObserveBootstrap(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.BootstrapDuration.WithLabelValues(reason).Observe(d.Seconds())
}
