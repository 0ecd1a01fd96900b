// Package api exposes the HTTP interface for newswire processes.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/newswire/internal/metrics"
	"github.com/JakeFAU/newswire/internal/scrape"
	"github.com/JakeFAU/newswire/internal/store"
)

const readyTimeout = 2 * time.Second

// RunReader is the read side of the ledger the API needs. It is nil in worker processes.
type RunReader interface {
	LatestPerHash(ctx context.Context, queueType scrape.QueueType) ([]scrape.Run, error)
	Get(ctx context.Context, id string) (scrape.Run, error)
	Ping(ctx context.Context) error
}

// Scheduler previews dispatch order. It is nil in worker processes.
type Scheduler interface {
	SortedUnits(ctx context.Context, queueType scrape.QueueType) ([]scrape.Scraper, error)
}

// Server wires HTTP handlers to the ledger and dispatcher.
type Server struct {
	router    chi.Router
	ledger    RunReader
	scheduler Scheduler
	logger    *zap.Logger
	ready     atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(ledger RunReader, scheduler Scheduler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ledger:    ledger,
		scheduler: scheduler,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/schedule", s.getSchedule)
			r.Get("/runs/latest", s.getLatestRuns)
		})
		r.Get("/runs/{run_id}", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe once the process has started its components.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeError(w, http.StatusServiceUnavailable, "starting")
		return
	}
	if s.ledger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.ledger.Ping(ctx); err != nil {
			s.logger.Warn("readiness ping failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scheduleEntry struct {
	Position int    `json:"position"`
	Key      string `json:"key"`
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusNotFound, "scheduling is not served by this process")
		return
	}
	queueType, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	units, err := s.scheduler.SortedUnits(r.Context(), queueType)
	if err != nil {
		s.logger.Error("sort units failed", zap.String("queue", string(queueType)), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to compute schedule")
		return
	}
	entries := make([]scheduleEntry, 0, len(units))
	for i, unit := range units {
		entries = append(entries, scheduleEntry{Position: i + 1, Key: unit.Key()})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queue": queueType, "units": entries})
}

func (s *Server) getLatestRuns(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, http.StatusNotFound, "the run ledger is not served by this process")
		return
	}
	queueType, ok := s.queueParam(w, r)
	if !ok {
		return
	}
	runs, err := s.ledger.LatestPerHash(r.Context(), queueType)
	if err != nil {
		s.logger.Error("list latest runs failed", zap.String("queue", string(queueType)), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []scrape.Run{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"queue": queueType, "runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeError(w, http.StatusNotFound, "the run ledger is not served by this process")
		return
	}
	id := chi.URLParam(r, "run_id")
	run, err := s.ledger.Get(r.Context(), id)
	switch {
	case store.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		s.logger.Error("get run failed", zap.String("run_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) queueParam(w http.ResponseWriter, r *http.Request) (scrape.QueueType, bool) {
	queueType, err := scrape.ParseQueueType(chi.URLParam(r, "queue"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return queueType, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
