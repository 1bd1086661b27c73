package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peer-rpc/wire"
)

// LoggingMiddleware logs every dispatched operation with its duration and
// outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				logger.Warn("op failed",
					zap.String("op", req.Op),
					zap.Duration("duration", duration),
					zap.Error(err))
			} else {
				logger.Info("op served",
					zap.String("op", req.Op),
					zap.Duration("duration", duration))
			}
			return result, err
		}
	}
}
