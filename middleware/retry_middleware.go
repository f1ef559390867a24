package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"kenburns/message"
)

// retryable reports whether an error string describes a transient failure.
func retryable(errMsg string) bool {
	return strings.Contains(errMsg, ErrMsgTimeout) || strings.Contains(errMsg, "connection refused")
}

// RetryMiddleware re-runs next on transient failures with exponential
// backoff starting at baseDelay, at most maxRetries extra times. Other
// errors are returned immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = baseDelay
			eb.RandomizationFactor = 0
			eb.MaxElapsedTime = 0
			policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

			var resp *message.RPCMessage
			attempt := 0
			_ = backoff.Retry(func() error {
				attempt++
				resp = next(ctx, req)
				if !resp.Failed() {
					return nil
				}
				if !retryable(resp.Error) {
					return backoff.Permanent(errFromMessage(resp))
				}
				return errFromMessage(resp)
			}, policy)

			if attempt > 1 {
				log.Info("retried call",
					zap.String("service_method", req.ServiceMethod),
					zap.Int("attempts", attempt),
					zap.Bool("failed", resp.Failed()))
			}
			return resp
		}
	}
}

type messageError string

func (e messageError) Error() string { return string(e) }

func errFromMessage(m *message.RPCMessage) error {
	return messageError(m.Error)
}
