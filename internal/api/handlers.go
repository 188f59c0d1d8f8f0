package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/infra/auth"
	"github.com/xela07ax/agentsync/internal/transport/httpx"
)

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

var okResponse = statusResponse{Status: "ok"}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, s.logger, err)
}

// pollAuth проверка опроса агента: ?user_id&key&api_key.
func (s *Server) pollAuth(r *http.Request) (*domain.Agent, error) {
	q := r.URL.Query()
	if err := s.eng.Auth.CheckServiceCredential(q.Get("api_key")); err != nil {
		return nil, err
	}
	id, err := httpx.ParseID(q.Get("user_id"))
	if err != nil {
		// нечисловой user_id не может быть привязан ни к одному токену
		return nil, domain.ErrInvalidAgentToken
	}
	return s.eng.Auth.AuthenticateAgent(r.Context(), id, q.Get("key"))
}

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok", "service": "agentsync"})
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	agent, err := s.pollAuth(r)
	if errors.Is(err, domain.ErrInvalidAgentToken) {
		httpx.WriteJSON(w, s.logger, http.StatusUnauthorized, statusResponse{Status: "error", Message: "Invalid credentials"})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok", "username": agent.Label})
}

func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	agent, err := s.pollAuth(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	flat, err := s.eng.Config.FlatConfig(r.Context(), agent.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, flat)
}

func (s *Server) runtimeConfig(w http.ResponseWriter, r *http.Request) {
	agent, err := s.pollAuth(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.eng.Config.GetRuntimeEditableView(r.Context(), agent.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, view)
}

func (s *Server) commands(w http.ResponseWriter, r *http.Request) {
	agent, err := s.pollAuth(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	pending, err := s.eng.Commands.ListPending(ctx, agent.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	version, err := s.eng.Config.GetConfigVersion(ctx, agent.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := engine.Coalesce(pending)
	resp["config_version"] = version
	if len(pending) > 0 {
		resp["config_updated"] = true
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, resp)
}

type heartbeatRequest struct {
	UserID  httpx.AgentID `json:"user_id"`
	UserKey string        `json:"user_key"`
	Status  string        `json:"status"`
}

type heartbeatResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Auth.CheckServiceCredential(r.Header.Get(auth.HeaderServiceCredential)); err != nil {
		s.fail(w, r, err)
		return
	}
	req := heartbeatRequest{Status: string(domain.StateRunning)}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	agent, err := s.eng.Auth.AuthenticateAgent(ctx, req.UserID.Int64(), req.UserKey)
	if errors.Is(err, domain.ErrInvalidAgentToken) {
		httpx.WriteJSON(w, s.logger, http.StatusOK, heartbeatResponse{Valid: false, Message: "Invalid credentials"})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.eng.Status.Heartbeat(ctx, agent.ID, req.Status); err != nil {
		s.logger.Warn("heartbeat failed", zap.Int64("agent_id", agent.ID), zap.Error(err))
		httpx.WriteJSON(w, s.logger, http.StatusOK, heartbeatResponse{Valid: false, Message: "Error processing heartbeat"})
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, heartbeatResponse{Valid: true, Message: "Heartbeat received"})
}

type completeRequest struct {
	UserID    httpx.AgentID `json:"user_id"`
	UserKey   string        `json:"user_key"`
	CommandID int64         `json:"command_id"`
	Result    *string       `json:"result"`
}

func (s *Server) completeCommand(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Auth.CheckServiceCredential(r.Header.Get(auth.HeaderServiceCredential)); err != nil {
		s.fail(w, r, err)
		return
	}
	var req completeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	agent, err := s.eng.Auth.AuthenticateAgent(ctx, req.UserID.Int64(), req.UserKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	changed, err := s.eng.Commands.CompleteForAgent(ctx, agent.ID, req.CommandID, req.Result)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, map[string]any{"status": "ok", "changed": changed})
}

func (s *Server) checkCommands(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParseID(chi.URLParam(r, "user_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	check, err := s.eng.Status.CheckCommands(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, check)
}

type commandRequest struct {
	UserID  httpx.AgentID  `json:"user_id"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

func (s *Server) createCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	agentID, err := req.UserID.Required()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()

	if strings.TrimSpace(req.Command) == domain.CmdStop {
		if _, err := s.eng.Status.Stop(ctx, agentID); err != nil {
			s.fail(w, r, err)
			return
		}
		httpx.WriteJSON(w, s.logger, http.StatusOK, statusResponse{Status: "ok", Message: "Stop command sent"})
		return
	}

	id, err := s.eng.Commands.Enqueue(ctx, agentID, req.Command, req.Params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, map[string]any{"status": "ok", "message": "Command created", "command_id": id})
}

type pauseRequest struct {
	UserID  httpx.AgentID `json:"user_id"`
	Seconds *int64        `json:"seconds"`
}

// defaultPause пауза по умолчанию, сутки.
const defaultPause = 86400

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	agentID, err := req.UserID.Required()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	seconds := int64(defaultPause)
	if req.Seconds != nil {
		seconds = *req.Seconds
	}
	if _, err := s.eng.Status.SetPause(r.Context(), agentID, seconds); err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "Pause set"
	if seconds == 0 {
		msg = "Pause removed"
	}
	httpx.WriteJSON(w, s.logger, http.StatusOK, statusResponse{Status: "ok", Message: msg})
}

// messageRequest общее тело сообщений агента. Текст приходит в message,
// в старых клиентах script_stopped — в reason, info-ответы — в info.
type messageRequest struct {
	UserID   httpx.AgentID `json:"user_id"`
	UserKey  string        `json:"user_key"`
	Message  string        `json:"message"`
	Reason   string        `json:"reason"`
	Info     string        `json:"info"`
	Username string        `json:"username"`
}

func (m messageRequest) text() string {
	for _, s := range []string{m.Message, m.Reason, m.Info} {
		if s != "" {
			return s
		}
	}
	return ""
}

// agentMessage проверяет токен агента и передает текст обработчику.
func (s *Server) agentMessage(handle func(ctx context.Context, agent *domain.Agent, req messageRequest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := r.Context()
		agent, err := s.eng.Auth.AuthenticateAgent(ctx, req.UserID.Int64(), req.UserKey)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := handle(ctx, agent, req); err != nil {
			s.fail(w, r, err)
			return
		}
		httpx.WriteJSON(w, s.logger, http.StatusOK, okResponse)
	}
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	s.agentMessage(func(ctx context.Context, agent *domain.Agent, req messageRequest) error {
		return s.eng.Notify.Notify(ctx, agent.ID, domain.MsgNotify, req.text())
	})(w, r)
}

func (s *Server) catchNotify(w http.ResponseWriter, r *http.Request) {
	s.agentMessage(func(ctx context.Context, agent *domain.Agent, req messageRequest) error {
		username := req.Username
		if username == "" {
			username = agent.Label
		}
		return s.eng.Notify.Catch(ctx, agent.ID, username, req.text())
	})(w, r)
}

func (s *Server) scriptStopped(w http.ResponseWriter, r *http.Request) {
	s.agentMessage(func(ctx context.Context, agent *domain.Agent, req messageRequest) error {
		return s.eng.Notify.ScriptStopped(ctx, agent.ID, req.text())
	})(w, r)
}

func (s *Server) deviceInfo(w http.ResponseWriter, r *http.Request) {
	s.agentMessage(func(ctx context.Context, agent *domain.Agent, req messageRequest) error {
		return s.eng.Notify.DeviceInfo(ctx, agent.ID, req.text())
	})(w, r)
}

func (s *Server) scriptInfo(w http.ResponseWriter, r *http.Request) {
	s.agentMessage(func(ctx context.Context, agent *domain.Agent, req messageRequest) error {
		return s.eng.Notify.ScriptInfo(ctx, agent.ID, req.text())
	})(w, r)
}
