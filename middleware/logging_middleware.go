package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kenburns/message"
)

func LoggingMiddleware(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("service_method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				log.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				log.Debug("call handled", fields...)
			}
			return resp
		}
	}
}
