// Package api exposes the engine's control surface over HTTP. All endpoints
// speak JSON; engine error codes map onto HTTP status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cadenzahq/cadenza/internal/queue"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// ExecutionStarter starts workflow executions. Satisfied by the engine
// controller.
type ExecutionStarter interface {
	StartExecution(ctx context.Context, definitionID, contactID string, triggerPayload map[string]any) (string, error)
}

// Server is the HTTP control surface.
type Server struct {
	store   store.Store
	starter ExecutionStarter
	queues  *queue.Manager
	logger  *slog.Logger
	router  chi.Router
}

// NewServer wires the control surface around the store, the execution
// starter, and the queue manager.
func NewServer(st store.Store, starter ExecutionStarter, queues *queue.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:   st,
		starter: starter,
		queues:  queues,
		logger:  logger,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on addr with timeouts against slow
// clients.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return srv.ListenAndServe()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/definitions", func(r chi.Router) {
		r.Post("/", s.handlePutDefinition)
		r.Get("/", s.handleListDefinitions)
		r.Route("/{definitionID}", func(r chi.Router) {
			r.Get("/", s.handleGetDefinition)
			r.Get("/versions/{version}", s.handleGetDefinitionVersion)
			r.Put("/variants", s.handlePutVariants)
			r.Get("/variants", s.handleGetVariants)
		})
	})

	r.Route("/contacts", func(r chi.Router) {
		r.Put("/{contactID}", s.handleUpsertContact)
		r.Get("/{contactID}", s.handleGetContact)
	})

	r.Route("/executions", func(r chi.Router) {
		r.Post("/", s.handleStartExecution)
		r.Get("/", s.handleListExecutions)
		r.Get("/{executionID}", s.handleGetExecution)
	})

	r.Route("/queues", func(r chi.Router) {
		r.Get("/stats", s.handleQueueStats)
		r.Post("/{queue}/pause", s.handlePauseQueue)
		r.Post("/{queue}/resume", s.handleResumeQueue)
	})

	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", s.handleListDeadLetters)
		r.Post("/{deadLetterID}/requeue", s.handleRequeueDeadLetter)
	})

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", s.handleCreateSchedule)
		r.Get("/", s.handleListSchedules)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps engine error codes onto HTTP statuses. Unknown errors are
// 500s with the code hidden behind a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		s.logger.ErrorContext(r.Context(), "request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code: schema.ErrCodeExecution, Message: "internal error",
		})
		return
	}

	status := http.StatusInternalServerError
	switch engErr.Code {
	case schema.ErrCodeValidation, schema.ErrCodeNonRetryable:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeRateLimited:
		status = http.StatusTooManyRequests
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), "request failed", "code", engErr.Code, "error", err)
	}
	writeJSON(w, status, errorResponse{
		Code: engErr.Code, Message: engErr.Message, Details: engErr.Details,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err)
	}
	return nil
}
