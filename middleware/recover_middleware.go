package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kenburns/message"
)

// RecoverMiddleware turns a panic in next into an ErrMsgInternal response so
// one bad call cannot take the server down.
func RecoverMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("handler panicked",
						zap.String("service_method", req.ServiceMethod),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = &message.RPCMessage{
						ServiceMethod: req.ServiceMethod,
						Error:         fmt.Sprintf("%s: %v", ErrMsgInternal, r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
