package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	Stats(ctx context.Context) (domain.Stats, error)
}

type DashboardHandler struct {
	service DashboardService
	logger  *zap.Logger
}

func NewDashboardHandler(s DashboardService, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{service: s, logger: logger}
}

// GetStats GET /v1/stats
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}
	httpx.WriteJSON(w, h.logger, http.StatusOK, stats)
}
