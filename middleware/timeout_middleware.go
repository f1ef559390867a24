package middleware

import (
	"context"
	"fmt"
	"time"

	"kenburns/message"
)

// TimeOutMiddleware answers with ErrMsgTimeout if next does not return
// within timeout. next keeps running with a cancelled context. next runs on
// its own goroutine, so a panic there is turned into an ErrMsgInternal
// response here; outer middlewares cannot recover it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- &message.RPCMessage{
							ServiceMethod: req.ServiceMethod,
							Error:         fmt.Sprintf("%s: %v", ErrMsgInternal, r),
						}
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         ErrMsgTimeout,
				}
			}
		}
	}
}
