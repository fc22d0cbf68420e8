// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability serves the auth flow metrics, the health probes of
// a bootstrapped page load and its redacted diagnostic report.
package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/holomush/authflow/internal/diag"
)

// ReadinessChecker reports whether bootstrap has resolved.
type ReadinessChecker func() bool

// ReportSource returns the current diagnostic report.
type ReportSource func() diag.Report

// Endpoint paths.
const (
	PathMetrics   = "/metrics"
	PathLiveness  = "/healthz/liveness"
	PathReadiness = "/healthz/readiness"
	PathReport    = "/debug/report"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithReportSource enables PathReport.
func WithReportSource(src ReportSource) Option {
	return func(s *Server) { s.report = src }
}

// Server serves metrics, health probes and the diagnostic report.
type Server struct {
	addr     string
	registry *prometheus.Registry
	metrics  *Metrics
	logger   *slog.Logger

	mu         sync.RWMutex
	isReady    ReadinessChecker
	report     ReportSource
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates a server listening on addr ("127.0.0.1:9101", or
// ":9101" for all interfaces). It owns a private registry with the Go and
// process collectors and the auth flow metrics. A nil readinessChecker
// reports ready.
func NewServer(addr string, readinessChecker ReadinessChecker, opts ...Option) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		logger:   slog.Default(),
		isReady:  readinessChecker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReadiness replaces the readiness checker.
func (s *Server) SetReadiness(checker ReadinessChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isReady = checker
}

// SetReportSource replaces the report source; nil disables PathReport.
func (s *Server) SetReportSource(src ReportSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = src
}

// Metrics returns the auth flow metrics registered on the server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+PathMetrics, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("GET "+PathLiveness, s.handleLiveness)
	mux.HandleFunc("GET "+PathReadiness, s.handleReadiness)
	mux.HandleFunc("GET "+PathReport, s.handleReport)
	return mux
}

// Start serves in the background. The returned channel receives a serve
// error, if any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("OBSERVABILITY_RUNNING").Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("OBSERVABILITY_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpSrv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			s.logger.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server. Stopping a stopped server is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.RLock()
	httpSrv := s.httpServer
	s.mu.RUnlock()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.Code("OBSERVABILITY_SHUTDOWN_FAILED").Wrap(err)
		}
	}

	s.logger.Info("observability server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// handleReadiness returns 200 once bootstrap has resolved, 503 before.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	ready := s.isReady
	s.mu.RUnlock()

	if ready == nil || ready() {
		writeText(w, http.StatusOK, "ok")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "bootstrapping")
}

// handleReport writes the diagnostic report as JSON, or as Markdown with
// ?format=markdown.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	src := s.report
	s.mu.RUnlock()
	if src == nil {
		writeText(w, http.StatusNotFound, "no report source")
		return
	}

	report := src()
	var (
		buf         bytes.Buffer
		err         error
		contentType string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		contentType = "application/json"
		err = report.WriteJSON(&buf)
	case "markdown":
		contentType = "text/markdown; charset=utf-8"
		err = report.WriteMarkdown(&buf)
	default:
		writeText(w, http.StatusBadRequest, "format must be json or markdown")
		return
	}
	if err != nil {
		s.logger.Error("diagnostic report failed", "error", err)
		writeText(w, http.StatusInternalServerError, "report failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // client may disconnect
	w.Write(buf.Bytes())
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte(body + "\n"))
}
