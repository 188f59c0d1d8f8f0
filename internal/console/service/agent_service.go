package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	consoledomain "github.com/xela07ax/agentsync/internal/console/domain"
	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/engine"
)

// AgentService операции админки над агентом поверх движка.
// Все записи идут через движок, поэтому кэши syncd инвалидируются через шину.
type AgentService struct {
	eng    *engine.Engine
	logger *zap.Logger
}

func NewAgentService(eng *engine.Engine, logger *zap.Logger) *AgentService {
	return &AgentService{
		eng:    eng,
		logger: logger.Named("agent-service"),
	}
}

func (s *AgentService) Register(ctx context.Context, id int64, label string) (*domain.Agent, error) {
	agent, err := s.eng.Agents.Register(ctx, id, label)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent registered", zap.Int64("agent_id", id), zap.String("label", agent.Label))
	return agent, nil
}

// Overview собирает карточку агента. Агента без записи — ErrNotFound.
func (s *AgentService) Overview(ctx context.Context, id int64) (*consoledomain.AgentOverview, error) {
	agent, err := s.eng.Agents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := s.eng.Status.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	version, err := s.eng.Config.GetConfigVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	pending, err := s.eng.Commands.ListPending(ctx, id)
	if err != nil {
		return nil, err
	}
	tok, err := s.eng.Tokens.ForAgent(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	return &consoledomain.AgentOverview{
		Agent:           *agent,
		Status:          st,
		State:           st.State(now),
		Token:           tok,
		ConfigVersion:   version,
		PendingCommands: len(pending),
		CheckedAt:       now,
	}, nil
}

// Status состояние скрипта вместе с вычисленным state.
func (s *AgentService) Status(ctx context.Context, id int64) (domain.ScriptStatus, domain.ScriptState, error) {
	st, err := s.eng.Status.Get(ctx, id)
	if err != nil {
		return domain.ScriptStatus{}, "", err
	}
	return st, st.State(time.Now().UTC()), nil
}

// Stop остановка скрипта из админки. Очередь команд не трогается.
func (s *AgentService) Stop(ctx context.Context, id int64) (domain.ScriptStatus, error) {
	st, err := s.eng.Status.Stop(ctx, id)
	if err != nil {
		s.logger.Error("failed to stop script", zap.Int64("agent_id", id), zap.Error(err))
		return domain.ScriptStatus{}, err
	}
	return st, nil
}

func (s *AgentService) Pause(ctx context.Context, id, seconds int64) (domain.ScriptStatus, error) {
	return s.eng.Status.SetPause(ctx, id, seconds)
}

func (s *AgentService) Commands(ctx context.Context, id int64) ([]domain.Command, error) {
	return s.eng.Commands.ListPending(ctx, id)
}

func (s *AgentService) Enqueue(ctx context.Context, id int64, typ string, params map[string]any) (int64, error) {
	return s.eng.Commands.Enqueue(ctx, id, typ, params)
}

func (s *AgentService) Token(ctx context.Context, id int64) (*domain.AccessToken, error) {
	return s.eng.Tokens.ForAgent(ctx, id)
}
