package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/infra/auth"
)

// DefaultClientTimeout предел одного вызова статуса.
const DefaultClientTimeout = 2 * time.Second

// StatusClient опрашивает состояние агента через gRPC.
// При сбое отдает последнее известное значение для этого агента.
type StatusClient struct {
	client     *ControlClient
	credential string
	timeout    time.Duration
	logger     *zap.Logger

	mu   sync.Mutex
	last map[int64]domain.CommandCheck
}

func NewStatusClient(cc grpc.ClientConnInterface, credential string, timeout time.Duration, logger *zap.Logger) *StatusClient {
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}
	return &StatusClient{
		client:     NewControlClient(cc),
		credential: credential,
		timeout:    timeout,
		logger:     logger.Named("status-client"),
		last:       make(map[int64]domain.CommandCheck),
	}
}

// Check возвращает состояние агента. stale == true — значение взято из памяти
// после неудачного вызова.
func (c *StatusClient) Check(ctx context.Context, agentID int64) (check domain.CommandCheck, stale bool, err error) {
	check, err = c.call(ctx, agentID)
	if err == nil {
		c.mu.Lock()
		c.last[agentID] = check
		c.mu.Unlock()
		return check, false, nil
	}

	c.mu.Lock()
	prev, ok := c.last[agentID]
	c.mu.Unlock()
	if !ok {
		return domain.CommandCheck{}, false, err
	}
	c.logger.Warn("status call failed, using last value", zap.Int64("agent_id", agentID), zap.Error(err))
	return prev, true, nil
}

func (c *StatusClient) call(ctx context.Context, agentID int64) (domain.CommandCheck, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, auth.HeaderServiceCredential, c.credential)

	req, err := structpb.NewStruct(map[string]any{"user_id": agentID})
	if err != nil {
		return domain.CommandCheck{}, err
	}
	resp, err := c.client.CheckCommands(ctx, req)
	if err != nil {
		return domain.CommandCheck{}, fmt.Errorf("check commands failed: %w", err)
	}

	raw, err := json.Marshal(resp.AsMap())
	if err != nil {
		return domain.CommandCheck{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	var check domain.CommandCheck
	if err := json.Unmarshal(raw, &check); err != nil {
		return domain.CommandCheck{}, fmt.Errorf("failed to decode result: %w", err)
	}
	return check, nil
}
