// Package transport multiplexes concurrent calls over one TCP connection.
//
// Each request gets a sequence number and a pending channel; a single
// receive goroutine reads responses and routes them by seq.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"

	"kenburns/codec"
	"kenburns/message"
	"kenburns/protocol"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second

	ErrClosed = errors.Sentinel("transport: connection closed")
)

// ClientTransport owns one multiplexed connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32   // Guarded by sending
	pending sync.Map // map[uint32]chan *message.RPCMessage
	sending sync.Mutex
	broken  atomic.Bool   // Set once the receive loop has stopped
	done    chan struct{} // Closed by Close; stops the heartbeat
	once    sync.Once
}

// NewClientTransport wraps conn and starts its receive and heartbeat loops.
func NewClientTransport(conn net.Conn, codecType codec.CodecType) *ClientTransport {
	return NewClientTransportWithHeartbeat(conn, codecType, DefaultHeartbeatInterval)
}

// NewClientTransportWithHeartbeat is NewClientTransport with a custom
// heartbeat interval. A non-positive interval disables heartbeats.
func NewClientTransportWithHeartbeat(conn net.Conn, codecType codec.CodecType, interval time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if interval > 0 {
		go t.heartbeatLoop(interval)
	}
	return t
}

// Send writes one request and returns its seq and the channel its response
// will arrive on. The channel always receives exactly one message, even if
// the connection breaks (the message then carries the error).
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan *message.RPCMessage, error) {
	payload, err := marshalArgs(args)
	if err != nil {
		return 0, nil, errors.Wrap(err, "transport: encode args")
	}
	return t.SendRaw(serviceMethod, payload)
}

// SendRaw is Send with pre-encoded JSON arguments.
func (t *ClientTransport) SendRaw(serviceMethod string, payload []byte) (uint32, <-chan *message.RPCMessage, error) {
	if t.broken.Load() {
		return 0, nil, ErrClosed
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	body, err := codec.GetCodec(t.codec).Encode(&message.RPCMessage{
		ServiceMethod: serviceMethod,
		Payload:       payload,
	})
	if err != nil {
		return 0, nil, err
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}

	// Registered before writing so a fast response always finds its channel.
	respChan := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respChan)

	// recvLoop sets broken before draining pending; an entry stored after
	// the drain would never be answered.
	if t.broken.Load() {
		t.pending.Delete(seq)
		return 0, nil, ErrClosed
	}

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}

	return seq, respChan, nil
}

// Cancel forgets a pending request; a late response for seq is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.pending.Delete(seq)
}

// Broken reports whether the connection has failed or been closed.
func (t *ClientTransport) Broken() bool {
	return t.broken.Load()
}

// recvLoop is the only reader of conn.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.broken.Store(true)
			t.closeAllPending(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := message.RPCMessage{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &resp); err != nil {
			resp = message.RPCMessage{Error: "transport: decode response: " + err.Error()}
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- &resp
		}
	}
}

// closeAllPending fails every waiting caller with err.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if ch, ok := t.pending.LoadAndDelete(key); ok {
			ch.(chan *message.RPCMessage) <- &message.RPCMessage{Error: err.Error()}
		}
		return true
	})
}

func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// Close closes the connection; pending callers receive an error.
func (t *ClientTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.broken.Store(true)
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

// heartbeatLoop sends empty heartbeat frames so idle connections stay open.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}

// marshalArgs leaves pre-encoded JSON alone and treats nil as no arguments.
func marshalArgs(args any) ([]byte, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(args)
}
