package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"peer-rpc/wire"
)

// RecoveryMiddleware converts a panicking handler into an error so one bad
// operation cannot take the whole process down. The dispatch map has its
// own recover as the last line of defense; this one additionally logs the
// panic with its stack via zap.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) (result any, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic",
						zap.String("op", req.Op),
						zap.Any("panic", p),
						zap.Stack("stack"))
					result = nil
					err = fmt.Errorf("operation %q panicked: %v", req.Op, p)
				}
			}()
			return next(ctx, req)
		}
	}
}
