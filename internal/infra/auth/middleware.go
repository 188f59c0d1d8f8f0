package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// HeaderServiceCredential заголовок с сервисным ключом (бот, админка).
const HeaderServiceCredential = "api-key"

// CredentialChecker интерфейс, который реализуют и движок, и консоль
type CredentialChecker interface {
	CheckServiceCredential(got string) error
}

// NewMiddleware закрывает группу роутов сервисным ключом из заголовка api-key.
func NewMiddleware(v CredentialChecker, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.CheckServiceCredential(r.Header.Get(HeaderServiceCredential)); err != nil {
				logger.Warn("auth failure",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err))
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
