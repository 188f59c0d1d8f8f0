package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
)

// ErrNoPublisher движок собран без очереди исходящих.
var ErrNoPublisher = errors.New("outbound queue is not configured")

// Notifier ставит сообщения агентов в очередь исходящих. Запрос не ждет доставки.
type Notifier struct {
	core     *core
	out      Publisher
	auth     *AuthGate
	config   *ConfigStore
	status   *StatusTracker
	commands *CommandQueue
}

// Notify ставит сообщение в очередь. Переполненная или остановленная очередь — ошибка.
func (n *Notifier) Notify(ctx context.Context, agentID int64, kind domain.MessageKind, text string) error {
	if n.out == nil {
		return ErrNoPublisher
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", domain.ErrValidation)
	}
	msg := domain.OutboundMessage{
		AgentID:   agentID,
		Kind:      kind,
		Text:      text,
		CreatedAt: n.core.clock.Now(),
	}
	if err := n.out.Publish(msg); err != nil {
		n.core.logger.Warn("outbound message dropped",
			zap.Int64("agent_id", agentID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return err
	}
	return nil
}

// Catch сообщение об улове: агенту, затем копия привилегированным агентам,
// у которых включены admin_receive_loot и admin_receive_all.
func (n *Notifier) Catch(ctx context.Context, agentID int64, username, text string) error {
	if err := n.Notify(ctx, agentID, domain.MsgCatch, text); err != nil {
		return err
	}

	from := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if from == "" {
		from = domain.Agent{ID: agentID}.DisplayName()
	} else {
		from = "@" + from
	}
	copyText := fmt.Sprintf("👤 От: %s\n\n%s", from, text)

	for _, adminID := range n.auth.PrivilegedIDs() {
		if adminID == agentID {
			continue
		}
		snap, err := n.config.GetConfig(ctx, adminID)
		if err != nil {
			// копия админу не должна срывать уведомление владельцу
			n.core.logger.Warn("admin settings unavailable", zap.Int64("agent_id", adminID), zap.Error(err))
			continue
		}
		if !snap.Params["admin_receive_loot"].Bool || !snap.Params["admin_receive_all"].Bool {
			continue
		}
		// владельцу сообщение уже ушло, ошибка копии залогирована в Notify
		_ = n.Notify(ctx, adminID, domain.MsgCatchCopy, copyText)
	}
	return nil
}

// ScriptStopped скрипт сообщил об остановке: статус в offline и уведомление владельцу.
func (n *Notifier) ScriptStopped(ctx context.Context, agentID int64, reason string) error {
	if _, err := n.status.Stop(ctx, agentID); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		reason = "-"
	}
	return n.Notify(ctx, agentID, domain.MsgScriptStopped, "🛑 Скрипт остановлен\nПричина: "+reason)
}

// DeviceInfo пересылает ответ на get_device_info и закрывает эти команды.
func (n *Notifier) DeviceInfo(ctx context.Context, agentID int64, info string) error {
	return n.forwardAnswer(ctx, agentID, domain.MsgDeviceInfo, domain.CmdGetDeviceInfo, info)
}

// ScriptInfo пересылает ответ на get_script_info и закрывает эти команды.
func (n *Notifier) ScriptInfo(ctx context.Context, agentID int64, info string) error {
	return n.forwardAnswer(ctx, agentID, domain.MsgScriptInfo, domain.CmdGetScriptInfo, info)
}

func (n *Notifier) forwardAnswer(ctx context.Context, agentID int64, kind domain.MessageKind, cmdType, text string) error {
	if err := n.Notify(ctx, agentID, kind, text); err != nil {
		return err
	}
	done, err := n.commands.CompleteByType(ctx, agentID, cmdType)
	if err != nil {
		return err
	}
	n.core.logger.Debug("answer commands completed",
		zap.Int64("agent_id", agentID),
		zap.String("type", cmdType),
		zap.Int64("count", done))
	return nil
}
