package middleware

import (
	"context"
	"errors"
	"time"

	"peer-rpc/wire"
)

// ErrHandlerTimeout reports an operation that ran past the middleware's
// deadline. The handler goroutine keeps running until it honors its ctx;
// only the caller stops waiting.
var ErrHandlerTimeout = errors.New("request timed out")

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *wire.Request) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case out := <-done:
				return out.result, out.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
