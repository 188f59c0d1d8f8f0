package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
	"github.com/xela07ax/agentsync/internal/engine"
	"github.com/xela07ax/agentsync/internal/outbox"
)

const maxBody = 1 << 20

// WriteJSON отдает v с кодом code. Ошибка кодирования уходит в logger.
func WriteJSON(w http.ResponseWriter, logger *zap.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Warn("response encode failed", zap.Int("code", code), zap.Error(err))
	}
}

type errorBody struct {
	Detail string `json:"detail"`
}

// WriteError переводит доменную ошибку в HTTP ответ.
// Внутренние подробности наружу не уходят, только в лог.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code, detail := Classify(err)
	if code >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("trace_id", TraceID(r.Context())),
			zap.Error(err))
	}
	WriteJSON(w, logger, code, errorBody{Detail: detail})
}

// Classify возвращает HTTP код и безопасный текст для ошибки.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidServiceCredential):
		return http.StatusUnauthorized, "Invalid API key"
	case errors.Is(err, domain.ErrInvalidAgentToken):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, domain.ErrValidation):
		// текст валидации адресован клиенту
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, outbox.ErrQueueFull), errors.Is(err, outbox.ErrClosed), errors.Is(err, engine.ErrNoPublisher):
		return http.StatusServiceUnavailable, "Message queue is busy, try again"
	default:
		return http.StatusServiceUnavailable, "Service temporarily unavailable, try again"
	}
}

// DecodeJSON читает тело запроса в dst. Любая ошибка разбора — ErrValidation.
func DecodeJSON(r *http.Request, dst any) error {
	return decode(r, dst, false)
}

// DecodeOptionalJSON то же, но пустое тело оставляет dst нетронутым.
func DecodeOptionalJSON(r *http.Request, dst any) error {
	return decode(r, dst, true)
}

func decode(r *http.Request, dst any, optional bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrValidation, err)
	}
	if optional && len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		return fmt.Errorf("%w: malformed json: %v", domain.ErrValidation, err)
	}
	return nil
}

// ParseID разбирает десятичный идентификатор агента/команды/токена.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad id %q", domain.ErrValidation, s)
	}
	return id, nil
}

// AgentID идентификатор агента в теле запроса: число или строка с числом.
type AgentID int64

func (a *AgentID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	id, err := ParseID(s)
	if err != nil {
		return err
	}
	*a = AgentID(id)
	return nil
}

func (a AgentID) Int64() int64 { return int64(a) }

// Required то же, что Int64, но отсутствующий (нулевой) user_id — ErrValidation.
func (a AgentID) Required() (int64, error) {
	if a == 0 {
		return 0, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	return int64(a), nil
}
