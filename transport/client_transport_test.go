package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"kenburns/channel"
	"kenburns/codec"
	"kenburns/protocol"
	"kenburns/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func startServer(t *testing.T) string {
	t.Helper()

	svr := server.NewServer()
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	svr.SetMethodCallHandler("slow", channel.HandlerFunc(func(ctx context.Context, call *channel.MethodCall) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return "done", nil
	}))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func dial(t *testing.T, addr string, ct codec.CodecType) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewClientTransport(conn, ct)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestClientTransportSerial(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeJSON)

	cases := []struct {
		a, b, expect int
	}{
		{1, 2, 3},
		{10, 20, 30},
		{100, 200, 300},
	}

	for _, tc := range cases {
		_, ch, err := ct.Send("Arith.Add", &Args{A: tc.a, B: tc.b})
		if err != nil {
			t.Fatal(err)
		}

		resp := <-ch
		if resp.Error != "" {
			t.Fatalf("server error: %s", resp.Error)
		}

		var reply Reply
		if err := json.Unmarshal(resp.Payload, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Result != tc.expect {
			t.Fatalf("expect %d, got %d", tc.expect, reply.Result)
		}
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeBinary)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, ch, err := ct.Send("Arith.Add", &Args{A: n, B: n})
			if err != nil {
				t.Errorf("send failed: %v", err)
				return
			}

			resp := <-ch
			if resp.Error != "" {
				t.Errorf("server error: %s", resp.Error)
				return
			}

			var reply Reply
			if err := json.Unmarshal(resp.Payload, &reply); err != nil {
				t.Errorf("unmarshal failed: %v", err)
				return
			}
			if reply.Result != n*2 {
				t.Errorf("expect %d, got %d", n*2, reply.Result)
			}
		}(i)
	}

	wg.Wait()
}

func TestClientTransportCloseFailsPending(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeJSON)

	_, ch, err := ct.Send("slow.wait", nil)
	if err != nil {
		t.Fatal(err)
	}
	ct.Close()

	select {
	case resp := <-ch:
		if resp.Error == "" {
			t.Fatal("expect error for pending call after close")
		}
	case <-time.After(time.Second):
		t.Fatal("pending call was not released")
	}

	if _, _, err := ct.Send("Arith.Add", &Args{}); err != ErrClosed {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
}

func TestClientTransportHeartbeat(t *testing.T) {
	addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	ct := NewClientTransportWithHeartbeat(conn, codec.CodecTypeJSON, 10*time.Millisecond)
	defer ct.Close()

	// Heartbeats are interleaved with requests and must be ignored by the server.
	time.Sleep(50 * time.Millisecond)
	_, ch, err := ct.Send("Arith.Add", &Args{A: 2, B: 3})
	if err != nil {
		t.Fatal(err)
	}
	if resp := <-ch; resp.Error != "" {
		t.Fatal(resp.Error)
	}
}

func TestClientTransportAnswersEverySendWhenPeerDrops(t *testing.T) {
	local, remote := net.Pipe()
	tr := NewClientTransport(local, codec.CodecTypeJSON)
	t.Cleanup(func() { tr.Close() })

	// The peer reads a few requests and hangs up without replying.
	go func() {
		defer remote.Close()
		for i := 0; i < 5; i++ {
			if _, _, err := protocol.Decode(remote); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ch, err := tr.Send("Arith.Add", &Args{A: i, B: i})
			if err != nil {
				return
			}
			select {
			case resp := <-ch:
				if resp.Error == "" {
					t.Errorf("call %d: expect an error after the peer dropped", i)
				}
			case <-time.After(2 * time.Second):
				t.Errorf("call %d: no answer after the peer dropped", i)
			}
		}(i)
	}
	wg.Wait()

	if _, _, err := tr.Send("Arith.Add", &Args{}); err == nil {
		t.Fatal("expect Send on a broken transport to fail")
	}
}
