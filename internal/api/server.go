// Package api exposes the HTTP interface for the pipeline service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobagent/leadpipe/internal/config"
	"github.com/jobagent/leadpipe/internal/dispatcher"
	"github.com/jobagent/leadpipe/internal/metrics"
	"github.com/jobagent/leadpipe/internal/pipeline"
	"github.com/jobagent/leadpipe/internal/store"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	readTimeout     = 3 * time.Second
	enqueueTimeout  = 5 * time.Second
)

// Server wires HTTP handlers to the dispatcher, run registry, and stores.
type Server struct {
	router     chi.Router
	runs       store.RunRepository
	snapshots  pipeline.SnapshotStore
	parsed     pipeline.ParseStore
	dispatcher *dispatcher.Dispatcher
	ids        pipeline.IDGenerator
	clock      pipeline.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil run
// repository degrades the registry endpoints to 503 rather than failing
// construction; submission still works.
func NewServer(
	runs store.RunRepository,
	snapshots pipeline.SnapshotStore,
	parsed pipeline.ParseStore,
	dispatch *dispatcher.Dispatcher,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		runs:       runs,
		snapshots:  snapshots,
		parsed:     parsed,
		dispatcher: dispatch,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(httpMetricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Get("/snapshots", s.listRunSnapshots)
				r.Get("/profiles", s.listRunProfiles)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitRun handles POST /v1/runs: mint a run id, register it as pending,
// and hand it to the dispatcher. 202 with the run id on success, 409 when
// the queue is at capacity.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatcher not running")
		return
	}
	now := s.clock.Now()
	runID, err := s.ids.NewRunID(now)
	if err != nil {
		s.logger.Error("run id allocation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to allocate run id")
		return
	}
	if s.runs != nil {
		if err := s.runs.UpsertRunPending(r.Context(), runID, now); err != nil {
			s.logger.Error("register pending run failed",
				zap.String("run_id", runID),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to register run")
			return
		}
	}

	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	req := pipeline.RunRequest{RunID: runID, Submitted: now.Unix()}
	if err := s.dispatcher.Enqueue(queueCtx, req); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			writeError(w, http.StatusConflict, "run queue is full")
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			s.logger.Error("run enqueue failed",
				zap.String("run_id", runID),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// listRuns handles GET /v1/runs?status=&limit=&offset=. It returns a JSON
// object {"runs": [...]} on success, 400 for invalid filters, 503 when the
// registry is unavailable, or 500 if the repository call fails.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run registry unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *pipeline.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	runs, err := s.runs.ListRuns(ctx, status, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// getRun handles GET /v1/runs/{run_id}. It returns {"run": {...}} with the
// per-stage breakdown, 404 when the registry has no such run.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run registry unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	rec, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	stages, err := s.runs.ListRunStages(ctx, runID)
	if err != nil {
		s.logger.Error("list run stages failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run stages")
		return
	}
	dto := toRunDTO(rec)
	dto.Stages = toStageDTOs(stages)
	writeJSON(w, http.StatusOK, map[string]any{"run": dto})
}

// listRunSnapshots handles GET /v1/runs/{run_id}/snapshots: the evidence
// metadata collected by the run, fetch failures included.
func (s *Server) listRunSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil || s.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot storage unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if !s.runExists(ctx, w, runID) {
		return
	}
	snaps, err := s.snapshots.ListByRun(ctx, runID)
	if err != nil {
		s.logger.Error("list snapshots failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	if snaps == nil {
		snaps = []pipeline.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "snapshots": snaps})
}

// listRunProfiles handles GET /v1/runs/{run_id}/profiles: the structured
// extraction results. A run whose parse stage has not written yet yields an
// empty list, not an error.
func (s *Server) listRunProfiles(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil || s.parsed == nil {
		writeError(w, http.StatusServiceUnavailable, "parse storage unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	if !s.runExists(ctx, w, runID) {
		return
	}
	profiles, err := s.parsed.ListProfiles(ctx, runID)
	if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
		s.logger.Error("list profiles failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list profiles")
		return
	}
	if profiles == nil {
		profiles = []pipeline.CompanyProfile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "profiles": profiles})
}

// runExists resolves the run in the registry, writing the error response
// itself when the lookup fails. Callers stop on false.
func (s *Server) runExists(ctx context.Context, w http.ResponseWriter, runID string) bool {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return false
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return false
	}
	return true
}

func parseRunID(r *http.Request) (string, error) {
	runID := strings.TrimSpace(chi.URLParam(r, "run_id"))
	if runID == "" {
		return "", errors.New("run_id is required")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (pipeline.RunStatus, error) {
	switch strings.ToLower(input) {
	case "pending":
		return pipeline.RunStatusPending, nil
	case "running":
		return pipeline.RunStatusRunning, nil
	case "completed", "success", "succeeded":
		return pipeline.RunStatusCompleted, nil
	case "failed", "failure", "error":
		return pipeline.RunStatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTOs(in []store.RunRecord) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, toRunDTO(rec))
	}
	return out
}

func toRunDTO(rec store.RunRecord) runDTO {
	return runDTO{
		RunID:       rec.RunID,
		Status:      string(rec.Status),
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Error:       rec.ErrorMessage,
		Metrics:     rec.Metrics,
	}
}

func toStageDTOs(in []store.StageRecord) []stageDTO {
	out := make([]stageDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, stageDTO{
			Stage:           rec.Stage,
			Status:          rec.Status,
			ItemsIn:         rec.ItemsIn,
			ItemsOut:        rec.ItemsOut,
			ErrorCount:      rec.ErrorCount,
			DurationSeconds: rec.DurationSeconds,
			StartedAt:       rec.StartedAt,
			CompletedAt:     rec.CompletedAt,
		})
	}
	return out
}

type runDTO struct {
	RunID       string              `json:"run_id"`
	Status      string              `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       *string             `json:"error,omitempty"`
	Metrics     pipeline.RunMetrics `json:"metrics"`
	Stages      []stageDTO          `json:"stages,omitempty"`
}

type stageDTO struct {
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	ItemsIn         int        `json:"items_in"`
	ItemsOut        int        `json:"items_out"`
	ErrorCount      int        `json:"error_count"`
	DurationSeconds float64    `json:"duration_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// httpMetricsMiddleware records request counts and latency against the chi
// route pattern so path parameters do not explode label cardinality.
func httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
