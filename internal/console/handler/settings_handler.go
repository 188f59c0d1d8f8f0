package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

// SettingsStore то, что админке нужно от хранилища конфигурации (engine.ConfigStore).
type SettingsStore interface {
	GetConfig(ctx context.Context, agentID int64) (domain.ConfigSnapshot, error)
	GetRuntimeEditableView(ctx context.Context, agentID int64) (domain.ConfigMap, error)
	SaveConfig(ctx context.Context, agentID int64, m domain.ConfigMap) (int64, error)
	SaveConfigIfVersion(ctx context.Context, agentID int64, m domain.ConfigMap, expected int64) (int64, error)
	UpdateParams(ctx context.Context, agentID int64, patch domain.ConfigMap, expected *int64) (domain.ConfigSnapshot, error)
	Coordinates(ctx context.Context, agentID int64) ([]domain.Coordinate, error)
	SaveCoordinate(ctx context.Context, agentID int64, name string, x, y int) (int64, error)
	DeleteCoordinate(ctx context.Context, agentID int64, name string) (bool, error)
}

type SettingsHandler struct {
	store  SettingsStore
	logger *zap.Logger
}

func NewSettingsHandler(s SettingsStore, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{store: s, logger: logger}
}

func (h *SettingsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, h.logger, err)
}

// Get GET /v1/agents/{id}/settings
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.store.GetConfig(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, snap)
}

// Runtime GET /v1/agents/{id}/settings/runtime
func (h *SettingsHandler) Runtime(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.store.GetRuntimeEditableView(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, view)
}

type replaceRequest struct {
	Settings domain.ConfigMap `json:"settings"`
	Version  *int64           `json:"version"`
}

type versionResponse struct {
	Version int64 `json:"config_version"`
}

// Replace PUT /v1/agents/{id}/settings. С version — CAS, без — last-write-wins.
func (h *SettingsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req replaceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Settings == nil {
		h.fail(w, r, errMissing("settings"))
		return
	}

	var version int64
	if req.Version != nil {
		version, err = h.store.SaveConfigIfVersion(r.Context(), id, req.Settings, *req.Version)
	} else {
		version, err = h.store.SaveConfig(r.Context(), id, req.Settings)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, versionResponse{Version: version})
}

type patchRequest struct {
	Params  domain.ConfigMap `json:"params"`
	Version *int64           `json:"version"`
}

// Patch PATCH /v1/agents/{id}/settings
func (h *SettingsHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req patchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.store.UpdateParams(r.Context(), id, req.Params, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, snap)
}

// Coordinates GET /v1/agents/{id}/coordinates
func (h *SettingsHandler) Coordinates(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	coords, err := h.store.Coordinates(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, coords)
}

type coordinateRequest struct {
	X *int `json:"x"`
	Y *int `json:"y"`
}

// SaveCoordinate PUT /v1/agents/{id}/coordinates/{name}
func (h *SettingsHandler) SaveCoordinate(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req coordinateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.X == nil || req.Y == nil {
		h.fail(w, r, errMissing("x, y"))
		return
	}
	version, err := h.store.SaveCoordinate(r.Context(), id, chi.URLParam(r, "name"), *req.X, *req.Y)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, versionResponse{Version: version})
}

// DeleteCoordinate DELETE /v1/agents/{id}/coordinates/{name}
func (h *SettingsHandler) DeleteCoordinate(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	removed, err := h.store.DeleteCoordinate(r.Context(), id, chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, map[string]bool{"removed": removed})
}
