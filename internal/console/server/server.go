package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/console/handler"
	"github.com/xela07ax/agentsync/internal/console/service"
	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/infra/auth"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка сервисного ключа (api-key)
	// Реализуется через embedding BaseValidator в AuthGate движка
	authValidator auth.CredentialChecker
	metrics       *engine.Metrics

	// Обработчики бизнес-доменов
	dashHandler     *handler.DashboardHandler // /v1/stats
	agentHandler    *handler.AgentHandler     // /v1/agents
	settingsHandler *handler.SettingsHandler  // /v1/agents/{id}/settings, coordinates
	tokenHandler    *handler.TokenHandler     // /v1/tokens
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.CredentialChecker,
	metrics *engine.Metrics,
	dashH *handler.DashboardHandler,
	agentH *handler.AgentHandler,
	settingsH *handler.SettingsHandler,
	tokenH *handler.TokenHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		metrics:         metrics,
		dashHandler:     dashH,
		agentHandler:    agentH,
		settingsHandler: settingsH,
		tokenHandler:    tokenH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpx.TracingMiddleware)
	if s.metrics != nil {
		r.Use(httpx.MetricsMiddleware(s.metrics))
	}

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют api-key) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Get("/v1/stats", s.dashHandler.GetStats)

		r.Route("/v1/agents", func(r chi.Router) {
			r.Post("/", s.agentHandler.Register)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.agentHandler.Get)
				r.Get("/status", s.agentHandler.Status)
				r.Post("/stop", s.agentHandler.Stop)
				r.Post("/pause", s.agentHandler.Pause)
				r.Get("/token", s.agentHandler.Token)

				r.Get("/commands", s.agentHandler.Commands)
				r.Post("/commands", s.agentHandler.Enqueue)

				// Настройки: PUT — замена целиком (CAS при наличии version), PATCH — отдельные параметры
				r.Get("/settings", s.settingsHandler.Get)
				r.Put("/settings", s.settingsHandler.Replace)
				r.Patch("/settings", s.settingsHandler.Patch)
				r.Get("/settings/runtime", s.settingsHandler.Runtime)

				r.Get("/coordinates", s.settingsHandler.Coordinates)
				r.Put("/coordinates/{name}", s.settingsHandler.SaveCoordinate)
				r.Delete("/coordinates/{name}", s.settingsHandler.DeleteCoordinate)
			})
		})

		r.Route("/v1/tokens", func(r chi.Router) {
			r.Get("/", s.tokenHandler.List)
			r.Post("/", s.tokenHandler.Create)
			r.Post("/activate", s.tokenHandler.Activate)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/freeze", s.tokenHandler.Freeze)
				r.Post("/unfreeze", s.tokenHandler.Unfreeze)
				r.Post("/unbind", s.tokenHandler.Unbind)
				r.Delete("/", s.tokenHandler.Delete)
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// New собирает сервер админки поверх движка.
func New(eng *engine.Engine, metrics *engine.Metrics, logger *zap.Logger) *ConsoleServer {
	return NewConsoleServer(
		logger,
		eng.Auth,
		metrics,
		handler.NewDashboardHandler(eng.Agents, logger),
		handler.NewAgentHandler(service.NewAgentService(eng, logger), logger),
		handler.NewSettingsHandler(eng.Config, logger),
		handler.NewTokenHandler(eng.Tokens, logger),
	)
}
