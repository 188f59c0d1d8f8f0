package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

// TokenAdmin администрирование токенов (engine.TokenService).
type TokenAdmin interface {
	Create(ctx context.Context, createdBy int64) (*domain.AccessToken, error)
	Bind(ctx context.Context, value string, agentID int64) (*domain.AccessToken, error)
	Freeze(ctx context.Context, id int64) (*domain.AccessToken, error)
	Unfreeze(ctx context.Context, id int64) (*domain.AccessToken, error)
	Unbind(ctx context.Context, id int64) (*domain.AccessToken, error)
	Delete(ctx context.Context, id int64) (*domain.AccessToken, error)
	List(ctx context.Context, limit, offset int) ([]domain.AccessToken, error)
}

type TokenHandler struct {
	tokens TokenAdmin
	logger *zap.Logger
}

func NewTokenHandler(t TokenAdmin, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{tokens: t, logger: logger}
}

func errMissing(field string) error {
	return fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
}

func (h *TokenHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, h.logger, err)
}

// List GET /v1/tokens?limit&offset
func (h *TokenHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	list, err := h.tokens.List(r.Context(), limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, list)
}

type createRequest struct {
	CreatedBy httpx.AgentID `json:"created_by"`
}

// Create POST /v1/tokens
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeOptionalJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tok, err := h.tokens.Create(r.Context(), req.CreatedBy.Int64())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusCreated, tok)
}

type activateRequest struct {
	Key    string        `json:"key"`
	UserID httpx.AgentID `json:"user_id"`
}

// Activate POST /v1/tokens/activate
func (h *TokenHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	tok, err := h.tokens.Bind(r.Context(), req.Key, req.UserID.Int64())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, tok)
}

// Freeze POST /v1/tokens/{id}/freeze
func (h *TokenHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.tokens.Freeze)
}

// Unfreeze POST /v1/tokens/{id}/unfreeze
func (h *TokenHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.tokens.Unfreeze)
}

// Unbind POST /v1/tokens/{id}/unbind
func (h *TokenHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.tokens.Unbind)
}

// Delete DELETE /v1/tokens/{id}
func (h *TokenHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.byID(w, r, h.tokens.Delete)
}

func (h *TokenHandler) byID(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64) (*domain.AccessToken, error)) {
	id, err := httpx.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tok, err := op(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, tok)
}
