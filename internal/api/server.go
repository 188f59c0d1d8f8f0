package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/infra/auth"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

// Server HTTP поверхность для агентов и бота.
type Server struct {
	router *chi.Mux
	eng    *engine.Engine
	logger *zap.Logger
}

func NewServer(eng *engine.Engine, metrics *engine.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		eng:    eng,
		logger: logger.Named("agent-api"),
	}
	s.routes(metrics)
	return s
}

func (s *Server) routes(metrics *engine.Metrics) {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpx.TracingMiddleware)
	if metrics != nil {
		r.Use(httpx.MetricsMiddleware(metrics))
	}

	r.Get("/", s.root)

	r.Route("/api", func(r chi.Router) {
		// Опрос агента: сервисный ключ в query (api_key) + токен агента
		r.Get("/validate", s.validate)
		r.Get("/config", s.config)
		r.Get("/runtime_config", s.runtimeConfig)
		r.Get("/commands", s.commands)

		// Сервисный ключ в заголовке + токен агента в теле
		r.Post("/heartbeat", s.heartbeat)
		r.Post("/commands/complete", s.completeCommand)

		// Бот: только сервисный ключ в заголовке
		r.Group(func(r chi.Router) {
			r.Use(auth.NewMiddleware(s.eng.Auth, s.logger))
			r.Get("/check_commands/{user_id}", s.checkCommands)
			r.Post("/command", s.createCommand)
			r.Post("/pause", s.setPause)
		})

		// Сообщения агента: только токен агента
		r.Post("/notify", s.notify)
		r.Post("/catch_notify", s.catchNotify)
		r.Post("/script_stopped", s.scriptStopped)
		r.Post("/device_info", s.deviceInfo)
		r.Post("/script_info", s.scriptInfo)
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
