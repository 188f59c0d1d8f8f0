package domain

import "errors"

// Таксономия ошибок движка. Детали добавляются через fmt.Errorf("%w: ...").
var (
	ErrInvalidServiceCredential = errors.New("invalid service credential")
	ErrInvalidAgentToken        = errors.New("invalid agent token")
	ErrNotFound                 = errors.New("not found")
	ErrValidation               = errors.New("validation error")
	ErrStoreUnavailable         = errors.New("store unavailable")
	ErrConflict                 = errors.New("conflict")
)
