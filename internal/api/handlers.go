package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cadenzahq/cadenza/internal/graph"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type putDefinitionRequest struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
}

// handlePutDefinition validates and stores a definition. Versions are
// immutable: storing under an existing id appends the next version.
func (s *Server) handlePutDefinition(w http.ResponseWriter, r *http.Request) {
	var req putDefinitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	if _, err := graph.Compile(&req.Definition); err != nil {
		s.writeError(w, r, err)
		return
	}

	version := 1
	if latest, err := s.store.GetLatestDefinition(r.Context(), req.ID); err == nil {
		version = latest.Version + 1
	}

	rec := &store.DefinitionRecord{
		ID:         req.ID,
		Version:    version,
		Name:       req.Name,
		Definition: req.Definition,
	}
	if err := s.store.PutDefinition(r.Context(), rec); err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeStore, "store definition").WithCause(err))
		return
	}

	s.logger.InfoContext(r.Context(), "definition stored", "definition_id", req.ID, "version", version)
	writeJSON(w, http.StatusCreated, map[string]any{"id": req.ID, "version": version})
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListDefinitions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetLatestDefinition(r.Context(), chi.URLParam(r, "definitionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetDefinitionVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "version must be an integer"))
		return
	}
	rec, err := s.store.GetDefinition(r.Context(), chi.URLParam(r, "definitionID"), version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type variantRequest struct {
	VariantDefinitionID string `json:"variant_definition_id"`
	Weight              int    `json:"weight"`
}

// handlePutVariants replaces the traffic split for a definition. Each variant
// must name a stored definition.
func (s *Server) handlePutVariants(w http.ResponseWriter, r *http.Request) {
	definitionID := chi.URLParam(r, "definitionID")

	var variants []variantRequest
	if err := decodeJSON(w, r, &variants); err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, v := range variants {
		if v.VariantDefinitionID == "" || v.Weight <= 0 {
			s.writeError(w, r, schema.NewError(schema.ErrCodeValidation,
				"each variant needs a variant_definition_id and a positive weight"))
			return
		}
		if _, err := s.store.GetLatestDefinition(r.Context(), v.VariantDefinitionID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	for _, v := range variants {
		if err := s.store.PutVariantConfig(r.Context(), &store.VariantConfig{
			DefinitionID:        definitionID,
			VariantDefinitionID: v.VariantDefinitionID,
			Weight:              v.Weight,
		}); err != nil {
			s.writeError(w, r, schema.NewError(schema.ErrCodeStore, "store variant config").WithCause(err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"definition_id": definitionID, "variants": len(variants)})
}

func (s *Server) handleGetVariants(w http.ResponseWriter, r *http.Request) {
	cfgs, err := s.store.GetVariantConfigs(r.Context(), chi.URLParam(r, "definitionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfgs)
}

func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var contact store.Contact
	if err := decodeJSON(w, r, &contact); err != nil {
		s.writeError(w, r, err)
		return
	}
	contact.ID = chi.URLParam(r, "contactID")

	if err := s.store.UpsertContact(r.Context(), &contact); err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeStore, "store contact").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.store.GetContact(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contact)
}

type startExecutionRequest struct {
	DefinitionID   string         `json:"definition_id"`
	ContactID      string         `json:"contact_id"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
}

// handleStartExecution admits a workflow start. Idempotent starts return the
// active execution id with 200 instead of 202.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DefinitionID == "" || req.ContactID == "" {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation,
			"definition_id and contact_id are required"))
		return
	}

	existing, _ := s.store.FindActiveExecution(r.Context(), req.DefinitionID, req.ContactID)

	id, err := s.starter.StartExecution(r.Context(), req.DefinitionID, req.ContactID, req.TriggerPayload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if existing != nil && existing.ID == id {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"execution_id": id})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		DefinitionID: q.Get("definition_id"),
		ContactID:    q.Get("contact_id"),
		Status:       schema.ExecutionStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	executions, err := s.store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

type executionDetail struct {
	Execution *store.Execution       `json:"execution"`
	Steps     []*store.ExecutionStep `json:"steps"`
	Events    []*store.Event         `json:"events"`
}

// handleGetExecution returns the execution row plus its step attempts and
// audit events.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	ex, err := s.store.GetExecution(r.Context(), executionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), executionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.store.GetEvents(r.Context(), executionID, 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executionDetail{Execution: ex, Steps: steps, Events: events})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !s.queues.Pause(name) {
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeNotFound, "unknown queue %q", name))
		return
	}
	s.logger.InfoContext(r.Context(), "queue paused", "queue", name)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !s.queues.Resume(name) {
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeNotFound, "unknown queue %q", name))
		return
	}
	s.logger.InfoContext(r.Context(), "queue resumed", "queue", name)
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, schema.NewError(schema.ErrCodeValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	letters, err := s.store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deadLetterID")
	if err := s.store.RequeueDeadLetter(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "dead letter requeued", "dead_letter_id", id)
	w.WriteHeader(http.StatusNoContent)
}

type createScheduleRequest struct {
	DefinitionID   string          `json:"definition_id"`
	ContactID      string          `json:"contact_id"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
}

// handleCreateSchedule registers a cron-triggered workflow start. The cron
// expression is validated up front so bad schedules fail here, not in the
// scheduler loop.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DefinitionID == "" || req.ContactID == "" || req.CronExpression == "" {
		s.writeError(w, r, schema.NewError(schema.ErrCodeValidation,
			"definition_id, contact_id and cron_expression are required"))
		return
	}
	if _, err := cronParser.Parse(req.CronExpression); err != nil {
		s.writeError(w, r, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q", req.CronExpression).WithCause(err))
		return
	}
	if _, err := s.store.GetLatestDefinition(r.Context(), req.DefinitionID); err != nil {
		s.writeError(w, r, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &store.ScheduledStart{
		ID:             uuid.New().String(),
		DefinitionID:   req.DefinitionID,
		ContactID:      req.ContactID,
		CronExpression: req.CronExpression,
		Payload:        req.Payload,
		Enabled:        enabled,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateScheduledStart(r.Context(), sched); err != nil {
		s.writeError(w, r, schema.NewError(schema.ErrCodeStore, "store schedule").WithCause(err))
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListScheduledStarts(r.Context(), false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}
