// Package middleware wraps the dispatch path of a connection with
// cross-cutting interceptors: logging, timeouts, rate limiting, panic
// recovery. A middleware sees every incoming request before (and after)
// the execution context runs it.
package middleware

import (
	"context"

	"peer-rpc/wire"
)

// HandlerFunc is the dispatch signature: one incoming request in, one
// result or error out. dispatch.(*Map).Dispatch satisfies it directly.
type HandlerFunc func(ctx context.Context, req *wire.Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
//
// Chain(A, B, C)(handler) → A(B(C(handler))): the first middleware listed
// runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
