// Package diag exposes the diagnostics HTTP surface of the detection
// service.
//
// Four endpoints are served:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /metrics — Prometheus scrape endpoint bridged from OpenTelemetry.
//   - /feed    — websocket stream of pipeline performance reports.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sibilant-audio/sibilant/internal/observe"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// shutdownTimeout bounds the graceful drain of in-flight requests when
// [Server.Run] winds down.
const shutdownTimeout = 10 * time.Second

// Checker is a named readiness check. The Check function should return nil
// when the dependency is healthy and a non-nil error describing the failure
// otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "source",
	// "pipeline"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Server is the diagnostics HTTP server. Construct it with [New], then either
// drive it with [Server.Run] or mount [Server.Handler] yourself.
type Server struct {
	logger   *slog.Logger
	addr     string
	feed     *Feed
	metrics  *observe.Metrics
	checkers []Checker
	handler  http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger used for server lifecycle messages. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics instance used by the request middleware.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithChecker registers a readiness check. Checks run sequentially on each
// /readyz request, in registration order.
func WithChecker(c Checker) Option {
	return func(s *Server) {
		s.checkers = append(s.checkers, c)
	}
}

// New creates a diagnostics server listening on addr once [Server.Run] is
// called. The feed is mounted at /feed and must be non-nil.
func New(addr string, feed *Feed, opts ...Option) *Server {
	s := &Server{
		logger: slog.Default(),
		addr:   addr,
		feed:   feed,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	probes := http.NewServeMux()
	probes.HandleFunc("GET /healthz", s.handleHealthz)
	probes.HandleFunc("GET /readyz", s.handleReadyz)
	probes.Handle("GET /metrics", promhttp.Handler())

	// The feed bypasses the request middleware: websocket connections are
	// hijacked and long-lived, which would distort the request histogram.
	mux := http.NewServeMux()
	mux.Handle("GET /feed", s.feed)
	mux.Handle("/", observe.Middleware(s.metrics)(probes))
	s.handler = mux

	return s
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains in-flight requests and
// disconnects feed clients. Returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("diag: listen %q: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("diagnostics server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("diag: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Hijacked feed connections are invisible to Shutdown; close them first
	// so their handlers return.
	s.feed.Close()

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("diag: shutdown: %w", err)
	}
	s.logger.Info("diagnostics server stopped")
	return nil
}

// handleHealthz is a liveness probe that always returns 200 OK. A running
// process that can serve HTTP is considered alive.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// handleReadyz is a readiness probe that returns 200 only when every
// registered [Checker] passes. Each checker is given a context with a
// [checkTimeout] deadline derived from the request context.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.checkers))
	allOK := true

	for _, c := range s.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
