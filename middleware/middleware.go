// Package middleware wraps request handlers on the server side.
package middleware

import (
	"context"

	"kenburns/message"
)

// Error strings placed in RPCMessage.Error by the middlewares below.
const (
	ErrMsgTimeout   = "request timed out"
	ErrMsgRateLimit = "rate limit exceeded"
	ErrMsgInternal  = "internal error"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
