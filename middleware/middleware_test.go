package middleware

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"kenburns/message"
)

func echoHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	return &message.RPCMessage{
		ServiceMethod: req.ServiceMethod,
		Payload:       []byte("ok"),
	}
}

func slowHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

var req = &message.RPCMessage{ServiceMethod: "kenburns.getPlatformVersion"}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), req)
	if string(resp.Payload) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", resp.Payload)
	}

	entries := logs.FilterField(zap.String("service_method", req.ServiceMethod)).All()
	if len(entries) != 1 {
		t.Fatalf("expect 1 log entry, got %d", len(entries))
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	failing := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		return &message.RPCMessage{Error: "boom"}
	}
	LoggingMiddleware(zap.New(core))(failing)(context.Background(), req)

	if logs.FilterMessage("call failed").Len() != 1 {
		t.Fatalf("expect a 'call failed' entry, got %v", logs.All())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if resp := handler(context.Background(), req); resp.Error != "" {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	if resp := handler(context.Background(), req); resp.Error != ErrMsgTimeout {
		t.Fatalf("expect timeout error, got '%s'", resp.Error)
	}
}

func TestTimeoutRecoversPanic(t *testing.T) {
	panicking := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		panic("kaboom")
	}

	resp := TimeOutMiddleware(time.Second)(panicking)(context.Background(), req)
	if !strings.HasPrefix(resp.Error, ErrMsgInternal) || !strings.Contains(resp.Error, "kaboom") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
	if resp.ServiceMethod != req.ServiceMethod {
		t.Fatalf("expect service method %q, got %q", req.ServiceMethod, resp.ServiceMethod)
	}
}

func TestRateLimit(t *testing.T) {
	// burst=2: two calls pass at once, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), req); resp.Error != "" {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	if resp := handler(context.Background(), req); resp.Error != ErrMsgRateLimit {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Error)
	}
}

func TestRateLimitPerName(t *testing.T) {
	handler := RateLimitMiddleware(1, 1)(echoHandler)

	if resp := handler(context.Background(), req); resp.Error != "" {
		t.Fatalf("first kenburns call should pass, got: %s", resp.Error)
	}
	if resp := handler(context.Background(), req); resp.Error != ErrMsgRateLimit {
		t.Fatalf("second kenburns call should be rate limited, got: '%s'", resp.Error)
	}

	// other methods on the same channel share its bucket
	same := &message.RPCMessage{ServiceMethod: "kenburns.foo"}
	if resp := handler(context.Background(), same); resp.Error != ErrMsgRateLimit {
		t.Fatalf("kenburns.foo should share the kenburns bucket, got: '%s'", resp.Error)
	}

	other := &message.RPCMessage{ServiceMethod: "Health.Check"}
	if resp := handler(context.Background(), other); resp.Error != "" {
		t.Fatalf("Health has its own bucket, got: %s", resp.Error)
	}
}

func TestRetryRecoversFromTimeout(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		if calls.Add(1) < 3 {
			return &message.RPCMessage{Error: ErrMsgTimeout}
		}
		return echoHandler(ctx, req)
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), req)
	if resp.Failed() {
		t.Fatalf("expect success after retries, got %s", resp.Error)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	down := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls.Add(1)
		return &message.RPCMessage{Error: "dial tcp: connection refused"}
	}

	resp := RetryMiddleware(2, time.Millisecond, nil)(down)(context.Background(), req)
	if !resp.Failed() {
		t.Fatal("expect failure")
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 1 call + 2 retries, got %d", calls.Load())
	}
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	bad := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		calls.Add(1)
		return &message.RPCMessage{Error: "unknown channel"}
	}

	RetryMiddleware(5, time.Millisecond, nil)(bad)(context.Background(), req)
	if calls.Load() != 1 {
		t.Fatalf("expect a single call, got %d", calls.Load())
	}
}

func TestRecover(t *testing.T) {
	panicking := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		panic("kaboom")
	}

	resp := RecoverMiddleware(nil)(panicking)(context.Background(), req)
	if !strings.HasPrefix(resp.Error, ErrMsgInternal) || !strings.Contains(resp.Error, "kaboom") {
		t.Fatalf("unexpected error %q", resp.Error)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), req)
	if resp.Error != "" {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Fatalf("expect a before b, got %v", order)
	}
}
