package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/xela07ax/agentsync/internal/domain"
)

// BaseValidator содержит общую логику проверки сервисного ключа.
// Встраивается в AuthGate движка и используется middleware консоли.
type BaseValidator struct {
	credential []byte
}

func NewBaseValidator(credential string) *BaseValidator {
	return &BaseValidator{credential: []byte(credential)}
}

// CheckServiceCredential сравнивает ключ за постоянное время.
// Пустой сконфигурированный ключ не пропускает никого.
func (v *BaseValidator) CheckServiceCredential(got string) error {
	got = strings.TrimSpace(got)
	if len(v.credential) == 0 || got == "" {
		return fmt.Errorf("%w: missing", domain.ErrInvalidServiceCredential)
	}
	if subtle.ConstantTimeCompare(v.credential, []byte(got)) != 1 {
		return domain.ErrInvalidServiceCredential
	}
	return nil
}
