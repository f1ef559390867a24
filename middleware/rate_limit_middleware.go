package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"kenburns/message"
)

// RateLimitMiddleware admits r requests per second with bursts of burst for
// each channel or service. Methods of one channel share its bucket; a
// malformed ServiceMethod is limited under its full text.
func RateLimitMiddleware(r float64, burst int) Middleware {
	var limiters sync.Map // name -> *rate.Limiter

	limiterFor := func(serviceMethod string) *rate.Limiter {
		name, _, ok := message.SplitServiceMethod(serviceMethod)
		if !ok {
			name = serviceMethod
		}
		if l, ok := limiters.Load(name); ok {
			return l.(*rate.Limiter)
		}
		l, _ := limiters.LoadOrStore(name, rate.NewLimiter(rate.Limit(r), burst))
		return l.(*rate.Limiter)
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiterFor(req.ServiceMethod).Allow() {
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Error:         ErrMsgRateLimit,
				}
			}
			return next(ctx, req)
		}
	}
}
