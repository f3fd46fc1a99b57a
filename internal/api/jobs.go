package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/dispatcher"
	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/store"
)

// JobHandler groups the jobs.* administrative endpoints (spec §6). Jobs are
// otherwise created and mutated exclusively through the dispatcher — this
// handler is a thin HTTP projection over it plus read access to the store.
type JobHandler struct {
	store  store.Store
	disp   *dispatcher.Dispatcher
	logger *zap.Logger
}

func NewJobHandler(st store.Store, disp *dispatcher.Dispatcher, logger *zap.Logger) *JobHandler {
	return &JobHandler{store: st, disp: disp, logger: logger.Named("job_handler")}
}

type jobErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type jobProgressResponse struct {
	Pct     int32  `json:"pct"`
	Message string `json:"message,omitempty"`
	Step    string `json:"step,omitempty"`
}

type jobResponse struct {
	ID                   string                `json:"id"`
	Command              string                `json:"command"`
	Pattern              string                `json:"pattern,omitempty"`
	RequiredCapabilities []string              `json:"required_capabilities,omitempty"`
	Priority             int                   `json:"priority"`
	TargetAgentID        string                `json:"target_agent_id,omitempty"`
	AssignedAgentID      string                `json:"assigned_agent_id,omitempty"`
	Status               string                `json:"status"`
	Attempt              int                   `json:"attempt"`
	RetryCount           int                   `json:"retry_count"`
	Progress             *jobProgressResponse  `json:"progress,omitempty"`
	Error                *jobErrorResponse     `json:"error,omitempty"`
	CreatedAt            string                `json:"created_at"`
	AssignedAt           *string               `json:"assigned_at,omitempty"`
	StartedAt            *string               `json:"started_at,omitempty"`
	CompletedAt          *string               `json:"completed_at,omitempty"`
}

func jobToResponse(j *model.Job) jobResponse {
	resp := jobResponse{
		ID:                   j.ID.String(),
		Command:              j.Command,
		Pattern:              j.Pattern,
		RequiredCapabilities: j.RequiredCapabilities,
		Priority:             j.Priority,
		Status:               string(j.Status),
		Attempt:              j.Attempt,
		RetryCount:           j.RetryCount,
		CreatedAt:            j.CreatedAt.UTC().Format(timeFormat),
	}
	if j.TargetAgentID != nil {
		resp.TargetAgentID = j.TargetAgentID.String()
	}
	if j.AssignedAgentID != nil {
		resp.AssignedAgentID = j.AssignedAgentID.String()
	}
	if j.LastProgress != nil {
		resp.Progress = &jobProgressResponse{Pct: j.LastProgress.Pct, Message: j.LastProgress.Message, Step: j.LastProgress.Step}
	}
	if j.Error != nil {
		resp.Error = &jobErrorResponse{Code: j.Error.Code, Message: j.Error.Message, Retryable: j.Error.Retryable}
	}
	if j.AssignedAt != nil {
		s := j.AssignedAt.UTC().Format(timeFormat)
		resp.AssignedAt = &s
	}
	if j.StartedAt != nil {
		s := j.StartedAt.UTC().Format(timeFormat)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.UTC().Format(timeFormat)
		resp.CompletedAt = &s
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// submitJobRequest is the JSON body expected by POST /api/v1/jobs.
type submitJobRequest struct {
	Command              string   `json:"command"`
	Pattern               string   `json:"pattern,omitempty"`
	RequiredCapabilities  []string `json:"required_capabilities,omitempty"`
	Priority              int      `json:"priority,omitempty"`
	TimeoutSeconds         int      `json:"timeout_seconds,omitempty"`
	TargetAgentID          string   `json:"target_agent_id,omitempty"`
	Payload                string   `json:"payload,omitempty"`
	IdempotencyKey         string   `json:"idempotency_key,omitempty"`
	MaxRetries             int      `json:"max_retries,omitempty"`
}

// Submit handles POST /api/v1/jobs.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	jreq := model.JobRequest{
		Command:              req.Command,
		Pattern:              req.Pattern,
		RequiredCapabilities: req.RequiredCapabilities,
		Priority:             req.Priority,
		Payload:              []byte(req.Payload),
		IdempotencyKey:       req.IdempotencyKey,
		MaxRetries:           req.MaxRetries,
	}
	if req.TimeoutSeconds > 0 {
		d := time.Duration(req.TimeoutSeconds) * time.Second
		jreq.Timeout = &d
	}
	if req.TargetAgentID != "" {
		id, ok := parseUUIDString(w, req.TargetAgentID, "target_agent_id")
		if !ok {
			return
		}
		jreq.TargetAgentID = &id
	}

	job, err := h.disp.Submit(r.Context(), jreq)
	if err != nil {
		h.logger.Error("failed to submit job", zap.Error(err))
		WriteError(w, err)
		return
	}
	Created(w, jobToResponse(job))
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, jobToResponse(job))
}

// Cancel handles POST /api/v1/jobs/{id}/cancel.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.disp.Cancel(r.Context(), id, "cancelled via administrative API"); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// Retry handles POST /api/v1/jobs/{id}/retry.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.disp.Retry(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, jobToResponse(job))
}

// List handles GET /api/v1/jobs, supporting the status/agentId/command
// filters spec §6 names.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = model.JobStatus(status)
	}
	if cmd := r.URL.Query().Get("command"); cmd != "" {
		opts.Command = cmd
	}
	if agentID := r.URL.Query().Get("agentId"); agentID != "" {
		id, ok := parseUUIDString(w, agentID, "agentId")
		if !ok {
			return
		}
		opts.AgentID = &id
	}

	jobs, total, err := h.store.ListJobs(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}
