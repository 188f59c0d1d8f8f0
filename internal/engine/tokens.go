package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
)

const (
	tokenAlphabet = "0123456789ABCDEF"
	tokenLength   = 8
	// столкновения в 16^8 редки, но уникальный индекс может их отбить
	tokenAttempts = 5

	defaultPageSize = 50
	maxPageSize     = 500
)

// TokenService администрирование токенов доступа агентов.
type TokenService struct {
	core *core
}

// Generate выдает новое значение вида <prefix>XXXXXXXX.
func (s *TokenService) Generate() (string, error) {
	id, err := gonanoid.Generate(tokenAlphabet, tokenLength)
	if err != nil {
		return "", err
	}
	return s.core.opts.TokenPrefix + id, nil
}

// Create создает свободный токен.
func (s *TokenService) Create(ctx context.Context, createdBy int64) (*domain.AccessToken, error) {
	c := s.core
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		value, err := s.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate token: %w", err)
		}
		tok, err := write(ctx, c, "create token", func(ctx context.Context) (domain.AccessToken, error) {
			return c.store.CreateToken(ctx, value, createdBy, c.clock.Now())
		})
		if errors.Is(err, domain.ErrConflict) {
			c.logger.Debug("token value collision", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		c.bus.InvalidatePrefix(ctx, prefixTokens)
		c.bus.Invalidate(ctx, keyStats)
		c.logger.Info("token created", zap.Int64("token_id", tok.ID), zap.Int64("created_by", createdBy))
		return &tok, nil
	}
	return nil, fmt.Errorf("%w: could not generate unique token", domain.ErrConflict)
}

// Bind (активация) привязывает токен к агенту.
func (s *TokenService) Bind(ctx context.Context, value string, agentID int64) (*domain.AccessToken, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrValidation)
	}
	c := s.core
	tok, err := write(ctx, c, "bind token", func(ctx context.Context) (domain.AccessToken, error) {
		return c.store.BindToken(ctx, value, agentID, c.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, agentID)
	c.bus.Invalidate(ctx, agentKey(agentID))
	c.logger.Info("token activated", zap.Int64("token_id", tok.ID), zap.Int64("agent_id", agentID))
	return &tok, nil
}

func (s *TokenService) Freeze(ctx context.Context, id int64) (*domain.AccessToken, error) {
	return s.setFrozen(ctx, id, true)
}

func (s *TokenService) Unfreeze(ctx context.Context, id int64) (*domain.AccessToken, error) {
	return s.setFrozen(ctx, id, false)
}

func (s *TokenService) setFrozen(ctx context.Context, id int64, frozen bool) (*domain.AccessToken, error) {
	c := s.core
	tok, err := write(ctx, c, "freeze token", func(ctx context.Context) (domain.AccessToken, error) {
		return c.store.SetTokenFrozen(ctx, id, frozen)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateToken(ctx, tok)
	return &tok, nil
}

// Unbind отвязывает токен, возвращает состояние до отвязки.
func (s *TokenService) Unbind(ctx context.Context, id int64) (*domain.AccessToken, error) {
	c := s.core
	prev, err := write(ctx, c, "unbind token", func(ctx context.Context) (domain.AccessToken, error) {
		return c.store.UnbindToken(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateToken(ctx, prev)
	return &prev, nil
}

// Delete удаляет токен, возвращает его последнее состояние.
func (s *TokenService) Delete(ctx context.Context, id int64) (*domain.AccessToken, error) {
	c := s.core
	prev, err := write(ctx, c, "delete token", func(ctx context.Context) (domain.AccessToken, error) {
		return c.store.DeleteToken(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	s.invalidateToken(ctx, prev)
	return &prev, nil
}

// List страница токенов, новые первыми.
func (s *TokenService) List(ctx context.Context, limit, offset int) ([]domain.AccessToken, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)
	c := s.core
	list, err := readThrough(ctx, c, "tokens", tokensPageKey(limit, offset), c.opts.TokensTTL, func(ctx context.Context) ([]domain.AccessToken, error) {
		return c.store.ListTokens(ctx, limit, offset)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.AccessToken, len(list))
	copy(out, list)
	return out, nil
}

// ForAgent токен, привязанный к агенту, или ErrNotFound.
func (s *TokenService) ForAgent(ctx context.Context, agentID int64) (*domain.AccessToken, error) {
	c := s.core
	tok, err := write(ctx, c, "token for agent", func(ctx context.Context) (domain.AccessToken, error) {
		return c.store.TokenForAgent(ctx, agentID)
	})
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *TokenService) invalidateToken(ctx context.Context, tok domain.AccessToken) {
	if tok.BoundAgentID != nil {
		s.invalidate(ctx, *tok.BoundAgentID)
		return
	}
	c := s.core
	c.bus.InvalidatePrefix(ctx, prefixTokens)
	c.bus.Invalidate(ctx, keyStats)
}

func (s *TokenService) invalidate(ctx context.Context, agentID int64) {
	c := s.core
	c.bus.Invalidate(ctx, tokenKey(agentID), keyStats)
	c.bus.InvalidatePrefix(ctx, prefixTokens)
}
