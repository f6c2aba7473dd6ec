// Package web exposes the on-demand trigger surface: start a sync for one
// user, read their log tail, liveness, and Prometheus metrics. Responses are
// JSON or plain text; there are no sessions and no HTML.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calmirror/calmirror/internal/config"
	"github.com/calmirror/calmirror/internal/metrics"
	"github.com/calmirror/calmirror/internal/model"
	"github.com/calmirror/calmirror/internal/userlog"
)

const (
	defaultLogLines = 50
	maxLogLines     = 1000
)

// Syncer triggers sync runs; *sync.Runner satisfies it.
type Syncer interface {
	RunUser(ctx context.Context, userID string) *model.SyncOutcome
}

// Options wires a Server. Syncer, Store, and UserLog are required; a nil
// Gatherer disables the metrics route.
type Options struct {
	Syncer   Syncer
	Store    *config.Store
	UserLog  *userlog.Log
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server handles the trigger API.
type Server struct {
	syncer   Syncer
	store    *config.Store
	logs     *userlog.Log
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewServer returns a Server over the given dependencies.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		syncer:   opts.Syncer,
		store:    opts.Store,
		logs:     opts.UserLog,
		gatherer: opts.Gatherer,
		logger:   logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/{userID}", s.handleSync)
		r.Get("/logs/{userID}", s.handleLogs)
	})

	return r
}

// handleSync runs a sync for the user. The run is synchronous; the response
// carries the finished outcome.
// POST /api/sync/{userID}
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	outcome := s.syncer.RunUser(r.Context(), userID)
	writeJSON(w, statusFor(outcome), toOutcomeResponse(outcome))
}

// handleLogs returns the newest lines of the user's sync log, oldest first.
// GET /api/logs/{userID}?n=50
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if _, err := s.store.Get(userID); err != nil {
		if model.IsKind(err, model.KindNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("failed to load user config", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load user config")
		return
	}

	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	if n > maxLogLines {
		n = maxLogLines
	}

	lines, err := s.logs.Tail(userID, n)
	if err != nil {
		s.logger.Error("failed to read user log", "user", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read log")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{UserID: userID, Lines: lines})
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// statusFor maps a run outcome onto an HTTP status. Success and partial are
// both 200: the trigger did its job, the body says how it went.
func statusFor(outcome *model.SyncOutcome) int {
	if outcome.Status != model.StatusFailure {
		return http.StatusOK
	}
	switch outcome.Reason {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAlreadyRunning:
		return http.StatusConflict
	case model.KindAuthRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// outcomeResponse is the JSON shape of a finished run.
type outcomeResponse struct {
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Fetched    int       `json:"fetched"`
	Filtered   int       `json:"filtered"`
	Created    int       `json:"created"`
	Deleted    int       `json:"deleted"`
	Skipped    int       `json:"skipped"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
}

func toOutcomeResponse(outcome *model.SyncOutcome) outcomeResponse {
	return outcomeResponse{
		RunID:      outcome.RunID,
		UserID:     outcome.UserID,
		StartedAt:  outcome.StartedAt,
		DurationMS: outcome.Duration.Milliseconds(),
		Status:     string(outcome.Status),
		Fetched:    outcome.Fetched,
		Filtered:   outcome.Filtered,
		Created:    outcome.Created,
		Deleted:    outcome.Deleted,
		Skipped:    outcome.Skipped,
		Reason:     string(outcome.Reason),
		Message:    outcome.Message,
	}
}

type logsResponse struct {
	UserID string   `json:"user_id"`
	Lines  []string `json:"lines"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
