package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/outbox"
)

// defaultPause пауза без seconds, сутки.
const defaultPause = 86400

// Server gRPC фасад над движком. Тот же пайплайн, что и у HTTP API.
type Server struct {
	eng    *engine.Engine
	logger *zap.Logger
}

func NewServer(eng *engine.Engine, logger *zap.Logger) *Server {
	return &Server{eng: eng, logger: logger.Named("control")}
}

var _ ControlServer = (*Server)(nil)

// CheckCommands {user_id} -> {is_running, is_paused, pause_until, has_commands}
func (s *Server) CheckCommands(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := agentID(req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	check, err := s.eng.Status.CheckCommands(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(check)
}

// SetPause {user_id, seconds?} -> состояние скрипта. 0 снимает паузу.
func (s *Server) SetPause(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := agentID(req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	seconds := int64(defaultPause)
	if v, ok := req.GetFields()["seconds"]; ok {
		if seconds, err = integer(v); err != nil {
			return nil, s.toStatus(fmt.Errorf("%w: seconds: %v", domain.ErrValidation, err))
		}
	}
	st, err := s.eng.Status.SetPause(ctx, id, seconds)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(st)
}

// SendCommand {user_id, command, params?} -> {command_id} или {stopped: true} для stop.
func (s *Server) SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := agentID(req)
	if err != nil {
		return nil, s.toStatus(err)
	}
	fields := req.GetFields()
	cmd := strings.TrimSpace(fields["command"].GetStringValue())

	if cmd == domain.CmdStop {
		if _, err := s.eng.Status.Stop(ctx, id); err != nil {
			return nil, s.toStatus(err)
		}
		return structpb.NewStruct(map[string]any{"stopped": true})
	}

	var params map[string]any
	if p := fields["params"].GetStructValue(); p != nil {
		params = p.AsMap()
	}
	cmdID, err := s.eng.Commands.Enqueue(ctx, id, cmd, params)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"command_id": cmdID})
}

// toStatus переводит доменные ошибки в коды gRPC
func (s *Server) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInvalidServiceCredential), errors.Is(err, domain.ErrInvalidAgentToken):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, outbox.ErrQueueFull), errors.Is(err, outbox.ErrClosed):
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		s.logger.Error("control call failed", zap.Error(err))
		return status.Error(codes.Unavailable, "service unavailable")
	}
}

func agentID(req *structpb.Struct) (int64, error) {
	v, ok := req.GetFields()["user_id"]
	if !ok {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	id, err := integer(v)
	if err != nil {
		return 0, fmt.Errorf("%w: user_id: %v", domain.ErrValidation, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	return id, nil
}

// integer принимает число или строку с десятичным числом
func integer(v *structpb.Value) (int64, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, fmt.Errorf("not an integer: %v", f)
		}
		return int64(f), nil
	case *structpb.Value_StringValue:
		return strconv.ParseInt(strings.TrimSpace(k.StringValue), 10, 64)
	default:
		return 0, errors.New("expected number or string")
	}
}

// toStruct гоняет значение через JSON, как и HTTP ответы
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}
