// Package server exposes the reanalysis engine over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/ToolPulse/internal/database"
	"github.com/TobiSchelling/ToolPulse/internal/reanalysis"
)

// TriggeredByHeader carries the caller identity, verified upstream.
const TriggeredByHeader = "X-Triggered-By"

const maxBodyBytes = 1 << 20

// Server is the HTTP API server.
type Server struct {
	db      *database.DB
	trigger *reanalysis.Trigger
	merger  *reanalysis.Merger
	events  http.Handler
	logger  *slog.Logger
	mux     *http.ServeMux
}

// New creates a new Server. events serves the live job event stream and may
// be nil.
func New(db *database.DB, trigger *reanalysis.Trigger, merger *reanalysis.Merger, events http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:      db,
		trigger: trigger,
		merger:  merger,
		events:  events,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tools", s.handleListTools)
	s.mux.HandleFunc("POST /api/tools/merge", s.handleMerge)

	s.mux.HandleFunc("POST /api/reanalysis/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/reanalysis/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /api/reanalysis/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /api/reanalysis/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("POST /api/reanalysis/jobs/{id}/retry", s.handleRetryJob)

	if s.events != nil {
		s.mux.Handle("GET /ws/jobs", s.events)
	}
}

type createJobRequest struct {
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
	ToolIDs   []string   `json:"tool_ids"`
	BatchSize int        `json:"batch_size"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.trigger.Create(r.Context(), reanalysis.CreateRequest{
		From:        req.From,
		To:          req.To,
		ToolIDs:     req.ToolIDs,
		BatchSize:   req.BatchSize,
		TriggeredBy: r.Header.Get(TriggeredByHeader),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := database.JobFilter{
		Status: database.JobStatus(r.URL.Query().Get("status")),
		Limit:  20,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", reanalysis.ErrValidation))
			return
		}
		filter.Limit = n
	}

	jobs, err := s.trigger.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": reanalysis.ViewsOf(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.trigger.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reanalysis.ViewOf(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.trigger.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reanalysis.ViewOf(job))
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.trigger.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, reanalysis.ViewOf(job))
}

type mergeRequest struct {
	SourceToolIDs []string `json:"source_tool_ids"`
	TargetToolID  string   `json:"target_tool_id"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.merger.Merge(r.Context(), req.SourceToolIDs, req.TargetToolID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("tools merged", "sources", req.SourceToolIDs, "target", req.TargetToolID,
		"triggered_by", identity(r))
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	tools, err := s.db.ListTools(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tools == nil {
		tools = []database.Tool{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	active := stats.JobsByStatus[database.JobQueued] + stats.JobsByStatus[database.JobRunning]
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"documents":          stats.TotalDocuments,
		"analyzed_documents": stats.AnalyzedDocuments,
		"active_tools":       stats.ActiveTools,
		"active_jobs":        active,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", reanalysis.ErrValidation, err))
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reanalysis.ErrValidation), errors.Is(err, database.ErrInvalidAlias):
		return http.StatusBadRequest
	case errors.Is(err, reanalysis.ErrNotFound), errors.Is(err, database.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, reanalysis.ErrConcurrency), errors.Is(err, reanalysis.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, reanalysis.ErrRateLimited):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	} else {
		s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "url", "http://"+addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAddr formats the loopback address for port.
func ListenAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}

// identity is used in log lines when no caller identity was supplied.
func identity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(TriggeredByHeader)); id != "" {
		return id
	}
	return "anonymous"
}
