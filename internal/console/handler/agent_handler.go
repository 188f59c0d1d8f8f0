package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/console/service"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger}
}

func (h *AgentHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, h.logger, err)
}

// agentID достает {id} из пути
func agentID(r *http.Request) (int64, error) {
	return httpx.ParseID(chi.URLParam(r, "id"))
}

type registerRequest struct {
	UserID   httpx.AgentID `json:"user_id"`
	Username string        `json:"username"`
}

// Register POST /v1/agents
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	agent, err := h.service.Register(r.Context(), req.UserID.Int64(), req.Username)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, agent)
}

// Get GET /v1/agents/{id}
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	overview, err := h.service.Overview(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, overview)
}

// Status GET /v1/agents/{id}/status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, state, err := h.service.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, map[string]any{"status": st, "state": state})
}

// Stop POST /v1/agents/{id}/stop
func (h *AgentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.service.Stop(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, st)
}

type pauseRequest struct {
	Seconds *int64 `json:"seconds"`
}

// Pause POST /v1/agents/{id}/pause. Без seconds — пауза на сутки, 0 — снять.
func (h *AgentHandler) Pause(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req pauseRequest
	if err := httpx.DecodeOptionalJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	seconds := int64(86400)
	if req.Seconds != nil {
		seconds = *req.Seconds
	}
	st, err := h.service.Pause(r.Context(), id, seconds)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, st)
}

// Commands GET /v1/agents/{id}/commands
func (h *AgentHandler) Commands(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cmds, err := h.service.Commands(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, cmds)
}

type enqueueRequest struct {
	Type   string         `json:"command_type"`
	Params map[string]any `json:"params"`
}

// Enqueue POST /v1/agents/{id}/commands
func (h *AgentHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req enqueueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	cmdID, err := h.service.Enqueue(r.Context(), id, req.Type, req.Params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusCreated, map[string]int64{"command_id": cmdID})
}

// Token GET /v1/agents/{id}/token
func (h *AgentHandler) Token(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tok, err := h.service.Token(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, tok)
}
