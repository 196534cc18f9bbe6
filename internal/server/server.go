// Package server exposes the simulator over HTTP.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medsim/internal/cases"
	"medsim/internal/completion"
	"medsim/internal/metrics"
	"medsim/internal/report"
	"medsim/internal/session"
)

const maxBodyBytes = 1 << 20

// Config wires a Server. Manager and Cases are required.
type Config struct {
	Manager   *session.Manager
	Cases     cases.Source
	Renderer  *report.Renderer
	Histogram *metrics.Histogram
	Logger    *zap.Logger

	// Limiter is reported on /healthz when the completion backend is throttled.
	Limiter *completion.RateLimiter

	// Registry serves /metrics and receives the HTTP collectors. Nil uses
	// the default Prometheus registry.
	Registry *prometheus.Registry

	RequestsPerSecond float64
	Burst             int
}

// Server routes HTTP requests to the session manager.
type Server struct {
	manager   *session.Manager
	cases     cases.Source
	renderer  *report.Renderer
	histogram *metrics.Histogram
	limiter   *completion.RateLimiter
	logger    *zap.Logger
	router    chi.Router
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil || cfg.Cases == nil {
		return nil, errors.New("server: manager and cases are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = report.NewRenderer("")
	}

	s := &Server{
		manager:   cfg.Manager,
		cases:     cfg.Cases,
		renderer:  cfg.Renderer,
		histogram: cfg.Histogram,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger.Named("http"),
	}

	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if cfg.Registry != nil {
		reg, gatherer = cfg.Registry, cfg.Registry
	}

	skip := []string{"/healthz", "/metrics"}

	r := chi.NewRouter()
	r.Use(
		RequestIDMiddleware,
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger, newHTTPMetrics(reg), skip),
	)
	if cfg.RequestsPerSecond > 0 {
		r.Use(RateLimitMiddleware(cfg.RequestsPerSecond, cfg.Burst, skip))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFound(w, "no such route", r.URL.Path)
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/cases", s.handleListCases)
		r.Get("/metrics/latency", s.handleLatency)

		r.Post("/sessions", s.handleStart)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleSnapshot)
			r.Delete("/", s.handleEnd)
			r.Post("/messages", s.handleAsk)
			r.Post("/examination", s.handleExamine)
			r.Post("/differentials", s.handleDifferentials)
			r.Post("/rounds", s.handleRounds)
			r.Post("/final", s.handleFinal)
			r.Post("/feedback", s.handleFeedback)
			r.Get("/feedback.pdf", s.handleFeedbackPDF)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]any{
		"status":   "ok",
		"sessions": len(s.manager.IDs()),
	}
	if s.limiter != nil {
		stats := s.limiter.Stats()
		health["rate_limiter"] = stats
		if stats.InCooldown {
			health["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleListCases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cases.Scenarios())
}

func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	if s.histogram == nil {
		NotFound(w, "latency histogram is not enabled", r.URL.Path)
		return
	}

	window := 60
	if v := r.URL.Query().Get("window"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "window must be a positive number of minutes", r.URL.Path)
			return
		}
		window = n
	}

	p, err := s.histogram.AllPercentiles(r.Context(), window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.manager.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+snap.ID)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Snapshot(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, snap, err)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.End(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, snap, err)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req session.AskRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.manager.Ask(r.Context(), chi.URLParam(r, "id"), req)
	s.respond(w, r, resp, err)
}

func (s *Server) handleExamine(w http.ResponseWriter, r *http.Request) {
	resp, err := s.manager.Examine(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, resp, err)
}

func (s *Server) handleDifferentials(w http.ResponseWriter, r *http.Request) {
	var req session.DifferentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.manager.SubmitDifferentials(r.Context(), chi.URLParam(r, "id"), req)
	s.respond(w, r, snap, err)
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	var req session.DiagnosticsRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.manager.RequestDiagnostics(r.Context(), chi.URLParam(r, "id"), req)
	s.respond(w, r, resp, err)
}

func (s *Server) handleFinal(w http.ResponseWriter, r *http.Request) {
	var req session.FinalRequest
	if !s.decode(w, r, &req) {
		return
	}
	snap, err := s.manager.SubmitFinal(r.Context(), chi.URLParam(r, "id"), req)
	s.respond(w, r, snap, err)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	rep, err := s.manager.GenerateFeedback(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, rep, err)
}

func (s *Server) handleFeedbackPDF(w http.ResponseWriter, r *http.Request) {
	snap, doc, err := s.manager.Document(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := s.renderer.Render(&buf, snap, doc); err != nil {
		s.logger.Error("failed to render PDF", zap.String("session_id", snap.ID), zap.Error(err))
		InternalError(w, "failed to render PDF", r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"feedback_%s.pdf\"", snap.ID))
	_, _ = buf.WriteTo(w)
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	BadRequest(w, "invalid JSON body: "+err.Error(), r.URL.Path)
	return false
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err, r.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
	WriteProblem(w, p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
