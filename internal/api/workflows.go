package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/store"
	"github.com/orbitmesh/orbitmesh/internal/workflow"
)

// WorkflowHandler groups the workflows.* and workflow-instances.* endpoints
// (spec §6): defining/listing/removing DAGs and starting/cancelling/
// signalling individual runs.
type WorkflowHandler struct {
	store  store.Store
	engine *workflow.Engine
	logger *zap.Logger
}

func NewWorkflowHandler(st store.Store, eng *workflow.Engine, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{store: st, engine: eng, logger: logger.Named("workflow_handler")}
}

type definitionResponse struct {
	ID            string         `json:"id"`
	Version       int            `json:"version"`
	Steps         []model.StepDefinition `json:"steps"`
	Triggers      []string       `json:"triggers,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	ErrorHandling string         `json:"error_handling"`
	CreatedAt     string         `json:"created_at"`
}

func definitionToResponse(d *model.WorkflowDefinition) definitionResponse {
	return definitionResponse{
		ID:            d.ID,
		Version:       d.Version,
		Steps:         d.Steps,
		Triggers:      d.Triggers,
		Variables:     d.Variables,
		ErrorHandling: string(d.ErrorHandling),
		CreatedAt:     d.CreatedAt.UTC().Format(timeFormat),
	}
}

func isYAMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "yaml")
}

type listDefinitionsResponse struct {
	Items []definitionResponse `json:"items"`
	Total int64                `json:"total"`
}

// defineWorkflowRequest is the JSON body expected by POST /api/v1/workflows.
type defineWorkflowRequest struct {
	ID            string                 `json:"id"`
	Version       int                    `json:"version"`
	Steps         []model.StepDefinition `json:"steps"`
	Triggers      []string               `json:"triggers,omitempty"`
	Variables     map[string]any         `json:"variables,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
	ErrorHandling string                 `json:"error_handling,omitempty"`
}

// Define handles POST /api/v1/workflows. It accepts either a JSON body
// (the default) or, when Content-Type names YAML, the authoring format
// workflows are round-tripped through on disk (spec §8's round-trip law).
func (h *WorkflowHandler) Define(w http.ResponseWriter, r *http.Request) {
	var def *model.WorkflowDefinition
	if isYAMLContentType(r.Header.Get("Content-Type")) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			ErrBadRequest(w, "failed to read request body")
			return
		}
		parsed, err := workflow.ParseDefinitionYAML(body)
		if err != nil {
			ErrBadRequest(w, err.Error())
			return
		}
		def = parsed
		if def.ErrorHandling == "" {
			def.ErrorHandling = model.StopOnFirstError
		}
		def.CreatedAt = time.Now()
	} else {
		var req defineWorkflowRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		def = &model.WorkflowDefinition{
			ID:            req.ID,
			Version:       req.Version,
			Steps:         req.Steps,
			Triggers:      req.Triggers,
			Variables:     req.Variables,
			ErrorHandling: model.ErrorHandlingMode(req.ErrorHandling),
			CreatedAt:     time.Now(),
		}
		if def.ErrorHandling == "" {
			def.ErrorHandling = model.StopOnFirstError
		}
		if req.TimeoutSeconds > 0 {
			d := time.Duration(req.TimeoutSeconds) * time.Second
			def.Timeout = &d
		}
	}
	if def.ID == "" {
		ErrBadRequest(w, "id is required")
		return
	}
	if def.Version <= 0 {
		def.Version = 1
	}

	if err := workflow.Validate(def); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}
	if err := h.store.CreateWorkflowDefinition(r.Context(), def); err != nil {
		h.logger.Error("failed to create workflow definition", zap.Error(err))
		WriteError(w, err)
		return
	}
	Created(w, definitionToResponse(def))
}

// GetByID handles GET /api/v1/workflows/{id}, returning the latest version.
func (h *WorkflowHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chiURLParamID(r)
	def, err := h.store.GetLatestWorkflowDefinition(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, definitionToResponse(def))
}

// Delete handles DELETE /api/v1/workflows/{id}. Workflow definitions are
// immutable and versioned (spec §3); there is no mutation to support, only
// the administrative ability to stop new instances from starting — left as
// an Open Question resolved by simply rejecting the call, since spec.md
// defines no soft-delete/retirement semantics for a definition.
func (h *WorkflowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ErrBadRequest(w, "workflow definitions are immutable; define a new version instead")
}

// List handles GET /api/v1/workflows.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	defs, total, err := h.store.ListWorkflowDefinitions(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list workflow definitions", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]definitionResponse, len(defs))
	for i := range defs {
		items[i] = definitionToResponse(&defs[i])
	}
	Ok(w, listDefinitionsResponse{Items: items, Total: total})
}

type startWorkflowRequest struct {
	Version   int            `json:"version,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

type instanceResponse struct {
	ID              string                          `json:"id"`
	WorkflowID      string                          `json:"workflow_id"`
	WorkflowVersion int                             `json:"workflow_version"`
	Status          string                          `json:"status"`
	Variables       map[string]any                  `json:"variables,omitempty"`
	Steps           map[string]*model.StepInstance  `json:"steps,omitempty"`
	StartedAt       string                          `json:"started_at"`
	CompletedAt     *string                         `json:"completed_at,omitempty"`
	Error           string                          `json:"error,omitempty"`
}

func instanceToResponse(i *model.WorkflowInstance) instanceResponse {
	resp := instanceResponse{
		ID:              i.ID.String(),
		WorkflowID:      i.WorkflowID,
		WorkflowVersion: i.WorkflowVersion,
		Status:          string(i.Status),
		Variables:       i.Variables,
		Steps:           i.StepInstances,
		StartedAt:       i.StartedAt.UTC().Format(timeFormat),
		Error:           i.Error,
	}
	if i.CompletedAt != nil {
		s := i.CompletedAt.UTC().Format(timeFormat)
		resp.CompletedAt = &s
	}
	return resp
}

// Start handles POST /api/v1/workflows/{id}/start.
func (h *WorkflowHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chiURLParamID(r)
	var req startWorkflowRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	inst, err := h.engine.StartWorkflow(r.Context(), id, req.Version, req.Variables)
	if err != nil {
		h.logger.Error("failed to start workflow", zap.String("workflow_id", id), zap.Error(err))
		WriteError(w, err)
		return
	}
	Created(w, instanceToResponse(inst))
}

// GetInstance handles GET /api/v1/workflow-instances/{id}.
func (h *WorkflowHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	inst, err := h.store.GetWorkflowInstance(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, instanceToResponse(inst))
}

// ListInstances handles GET /api/v1/workflow-instances.
func (h *WorkflowHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	instances, total, err := h.store.ListWorkflowInstances(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list workflow instances", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]instanceResponse, len(instances))
	for i := range instances {
		items[i] = instanceToResponse(&instances[i])
	}
	Ok(w, struct {
		Items []instanceResponse `json:"items"`
		Total int64              `json:"total"`
	}{Items: items, Total: total})
}

// CancelInstance handles POST /api/v1/workflow-instances/{id}/cancel.
func (h *WorkflowHandler) CancelInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.Cancel(r.Context(), id, "cancelled via administrative API"); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// signalInstanceRequest is the JSON body expected by
// POST /api/v1/workflow-instances/{id}/signal.
type signalInstanceRequest struct {
	EventType      string `json:"event_type"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

// SignalInstance handles POST /api/v1/workflow-instances/{id}/signal.
func (h *WorkflowHandler) SignalInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req signalInstanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.EventType == "" {
		ErrBadRequest(w, "event_type is required")
		return
	}
	if err := h.engine.Signal(r.Context(), id, req.EventType, req.CorrelationKey, req.Payload); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}
