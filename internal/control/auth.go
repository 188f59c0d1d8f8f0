package control

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/agentsync/internal/infra/auth"
)

// UnaryAuthInterceptor проверяет сервисный ключ в метаданных gRPC вызова
func UnaryAuthInterceptor(v auth.CredentialChecker, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		// в gRPC ключи метаданных в нижнем регистре
		keys := md.Get(auth.HeaderServiceCredential)
		if len(keys) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing api key")
		}
		if err := v.CheckServiceCredential(keys[0]); err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, "Invalid API key")
		}

		return handler(ctx, req)
	}
}
