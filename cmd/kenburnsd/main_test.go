package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"kenburns/config"
	"kenburns/kenburns"
	"kenburns/message"
	"kenburns/middleware"
)

func startServe(t *testing.T, cfg *config.Configuration) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Advertise = l.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop(), l) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("serve did not stop")
		}
	})
	return l.Addr().String()
}

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg, err := config.New()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Platform.Label = "iOS"
	cfg.Platform.Version = "17.0"
	cfg.Client.RetryBase = time.Millisecond
	return cfg
}

func TestServeAndCall(t *testing.T) {
	cfg := testConfig(t)
	addr := startServe(t, cfg)

	opts := &callOptions{addr: addr, channel: kenburns.ChannelName}
	for _, method := range []string{"getPlatformVersion", "foo"} {
		var out string
		if err := call(context.Background(), cfg, zap.NewNop(), opts, method, &out); err != nil {
			t.Fatal(err)
		}
		if out != "iOS 17.0" {
			t.Fatalf("%s: expect \"iOS 17.0\", got %q", method, out)
		}
	}

	opts.args = `{"x":1}`
	var out string
	if err := call(context.Background(), cfg, zap.NewNop(), opts, "foo", &out); err != nil {
		t.Fatal(err)
	}
	if out != "iOS 17.0" {
		t.Fatalf("expect arguments ignored, got %q", out)
	}
}

func TestCallHealth(t *testing.T) {
	cfg := testConfig(t)
	addr := startServe(t, cfg)

	var reply HealthReply
	opts := &callOptions{addr: addr, channel: "Health"}
	if err := call(context.Background(), cfg, zap.NewNop(), opts, "Check", &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Version != Version || reply.Label == "" {
		t.Fatalf("unexpected health reply %+v", reply)
	}
}

func TestCallRejectsBadArgs(t *testing.T) {
	cfg := testConfig(t)
	opts := &callOptions{addr: "127.0.0.1:1", channel: kenburns.ChannelName, args: "{nope"}
	if err := call(context.Background(), cfg, zap.NewNop(), opts, "m", nil); err == nil {
		t.Fatal("expect error for invalid JSON arguments")
	}
}

func TestCallWithoutRegistry(t *testing.T) {
	cfg := testConfig(t)
	opts := &callOptions{channel: kenburns.ChannelName}
	if err := call(context.Background(), cfg, zap.NewNop(), opts, "m", nil); err == nil {
		t.Fatal("expect error with no address and etcd disabled")
	}
}

func TestCallCommandPrintsResult(t *testing.T) {
	cfg := testConfig(t)
	addr := startServe(t, cfg)

	var buf bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"call", "--addr", addr})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}

	var out string
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out); err != nil {
		t.Fatalf("output is not a JSON string: %q", buf.String())
	}
	if out != "iOS 17.0" {
		t.Fatalf("expect \"iOS 17.0\", got %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "kenburnsd "+Version) {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestMiddlewaresRecoverPanics(t *testing.T) {
	cfg := testConfig(t)
	if cfg.Middleware.Timeout <= 0 {
		t.Fatal("expect the default config to enable the timeout middleware")
	}

	panicking := func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
		panic("boom")
	}
	handler := middleware.Chain(middlewares(cfg, zap.NewNop())...)(panicking)

	resp := handler(context.Background(), &message.RPCMessage{ServiceMethod: "kenburns.getPlatformVersion"})
	if !strings.HasPrefix(resp.Error, middleware.ErrMsgInternal) || !strings.Contains(resp.Error, "boom") {
		t.Fatalf("expect an internal error response, got %q", resp.Error)
	}
}
