package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orbitmesh/orbitmesh/internal/model"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/store"
)

// AgentHandler groups the agents.* administrative endpoints (spec §6).
type AgentHandler struct {
	store    store.Store
	registry *registry.Manager
	logger   *zap.Logger
}

func NewAgentHandler(st store.Store, reg *registry.Manager, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{store: st, registry: reg, logger: logger.Named("agent_handler")}
}

type capabilityResponse struct {
	Name    string            `json:"name"`
	Version string            `json:"version,omitempty"`
	Props   map[string]string `json:"props,omitempty"`
}

type agentResponse struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Group         string               `json:"group,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
	Capabilities  []capabilityResponse `json:"capabilities,omitempty"`
	Status        string               `json:"status"`
	Connected     bool                 `json:"connected"`
	LastHeartbeat *string              `json:"last_heartbeat,omitempty"`
	CreatedAt     string               `json:"created_at"`
}

func agentToResponse(a *model.Agent, connected bool) agentResponse {
	resp := agentResponse{
		ID:        a.ID.String(),
		Name:      a.Name,
		Group:     a.Group,
		Tags:      a.Tags,
		Status:    string(a.Status),
		Connected: connected,
		CreatedAt: a.CreatedAt.UTC().Format(timeFormat),
	}
	for _, c := range a.Capabilities {
		resp.Capabilities = append(resp.Capabilities, capabilityResponse{Name: c.Name, Version: c.Version, Props: c.Props})
	}
	if !a.LastHeartbeat.IsZero() {
		s := a.LastHeartbeat.UTC().Format(timeFormat)
		resp.LastHeartbeat = &s
	}
	return resp
}

type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	agents, total, err := h.store.ListAgents(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i], h.registry.Connected(agents[i].ID))
	}
	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	agent, err := h.store.GetAgent(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, agentToResponse(agent, h.registry.Connected(agent.ID)))
}

// Pause handles POST /api/v1/agents/{id}/pause.
func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Pause)
}

// Resume handles POST /api/v1/agents/{id}/resume.
func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Resume)
}

// Stop handles POST /api/v1/agents/{id}/stop.
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.registry.Stop)
}

func (h *AgentHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) error) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// Remove handles DELETE /api/v1/agents/{id}.
func (h *AgentHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.registry.Remove(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// parseUUID extracts and parses a UUID path parameter by name.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	return parseUUIDString(w, raw, param)
}

// parseUUIDString parses a raw UUID string (path or query param), writing a
// 400 response and returning false on failure.
func parseUUIDString(w http.ResponseWriter, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+name+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}
