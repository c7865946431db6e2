package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/group-scraper/internal/metrics"
	"github.com/JakeFAU/group-scraper/internal/scrape"
)

// Service is the job control surface the handlers drive.
type Service interface {
	Start(ctx context.Context) (string, error)
	Resume(ctx context.Context, jobID string) (scrape.Job, error)
	Cancel(ctx context.Context, jobID string) (scrape.Job, error)
	Pause(ctx context.Context, jobID string) (scrape.Job, error)
	Job(ctx context.Context, jobID string) (scrape.Job, error)
	Jobs(ctx context.Context) ([]scrape.Job, error)
	ActiveJob(ctx context.Context) (scrape.Job, bool, error)
	Targets(ctx context.Context) ([]scrape.Target, error)
	DeleteJob(ctx context.Context, jobID string) error
	CleanupOldJobs(ctx context.Context) (int, error)
}

// TargetAdmin edits the target registry at runtime. Edits affect jobs created afterwards
// and targets a running job has not reached yet.
type TargetAdmin interface {
	Upsert(target scrape.Target) error
	Remove(targetID string)
	SetEnabled(targetID string, enabled bool) error
}

// Options configures the HTTP surface.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// Targets, when set, mounts the target edit routes.
	Targets TargetAdmin
	// Ready, when set, backs /readyz.
	Ready func(ctx context.Context) error
}

const defaultRequestTimeout = 60 * time.Second

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{svc: svc, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.listTargets)
			if opts.Targets != nil {
				r.Route("/{target_id}", func(r chi.Router) {
					r.Put("/", s.putTarget)
					r.Delete("/", s.deleteTarget)
					r.Post("/enable", s.setTargetEnabled(true))
					r.Post("/disable", s.setTargetEnabled(false))
				})
			}
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.startJob)
			r.Get("/", s.listJobs)
			r.Get("/active", s.activeJob)
			r.Post("/cleanup", s.cleanupJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/resume", s.resumeJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/cancel", s.cancelJob)
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.svc.Start(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := scrape.JobStatus(r.URL.Query().Get("status"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.svc.Jobs(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	out := make([]scrape.Job, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) activeJob(w http.ResponseWriter, r *http.Request) {
	job, found, err := s.svc.ActiveJob(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "no active job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.CleanupOldJobs(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Resume)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Pause)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.svc.Cancel)
}

func (s *Server) transition(
	w http.ResponseWriter,
	r *http.Request,
	op func(context.Context, string) (scrape.Job, error),
) {
	job, err := op(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.svc.Targets(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) putTarget(w http.ResponseWriter, r *http.Request) {
	var target scrape.Target
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target.ID = chi.URLParam(r, "target_id")
	if target.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if err := s.opts.Targets.Upsert(target); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"target": target})
}

func (s *Server) deleteTarget(w http.ResponseWriter, r *http.Request) {
	s.opts.Targets.Remove(chi.URLParam(r, "target_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setTargetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID := chi.URLParam(r, "target_id")
		if err := s.opts.Targets.SetEnabled(targetID, enabled); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"target_id": targetID, "enabled": enabled})
	}
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scrape.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, scrape.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, scrape.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scrape.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal server error"
	}
	s.writeError(w, status, msg)
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
