// Package client calls channels and services on kenburns servers found
// through a registry.
package client

import (
	"context"
	"net"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"

	"kenburns/codec"
	"kenburns/loadbalance"
	"kenburns/message"
	"kenburns/registry"
	"kenburns/transport"
)

const ErrClientClosed = errors.Sentinel("client: closed")

// ServerError is an error reported by the remote handler, carried verbatim.
type ServerError struct {
	ServiceMethod string
	Message       string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	transports map[string]chan *transport.ClientTransport // addr → pool of transports, nil slots dial lazily
	codecType  codec.CodecType
	mu         sync.Mutex
	poolSize   int
	dialer     net.Dialer
	closed     bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType byte, poolSize int) *Client {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Client{
		registry:   reg,
		balancer:   bal,
		transports: make(map[string]chan *transport.ClientTransport),
		codecType:  codec.CodecType(codecType),
		poolSize:   poolSize,
		dialer:     net.Dialer{Timeout: 5 * time.Second},
	}
}

// getTransport borrows a transport for addr, dialing if the slot is empty
// or its connection has failed.
func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	pool, ok := c.transports[addr]
	if !ok {
		pool = make(chan *transport.ClientTransport, c.poolSize)
		for i := 0; i < c.poolSize; i++ {
			pool <- nil
		}
		c.transports[addr] = pool
	}
	c.mu.Unlock()

	var t *transport.ClientTransport
	select {
	case t = <-pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Close may have run while we waited; hand the slot on so the next
	// waiter wakes too.
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		if t != nil {
			t.Close()
		}
		pool <- nil
		return nil, ErrClientClosed
	}

	if t != nil && !t.Broken() {
		return t, nil
	}
	if t != nil {
		t.Close()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		pool <- nil
		return nil, errors.Wrapf(err, "client: dial %s", addr)
	}
	return transport.NewClientTransport(conn, c.codecType), nil
}

func (c *Client) putTransport(addr string, t *transport.ClientTransport) {
	c.mu.Lock()
	pool := c.transports[addr]
	closed := c.closed
	c.mu.Unlock()

	if closed {
		t.Close()
		t = nil
	}
	pool <- t
}

// Call invokes serviceMethod ("Service.Method" or "channel.method") and
// decodes the result into reply.
func (c *Client) Call(serviceMethod string, args any, reply any) error {
	return c.CallContext(context.Background(), serviceMethod, args, reply)
}

// InvokeMethod sends method with args on the named channel.
func (c *Client) InvokeMethod(ctx context.Context, channelName, method string, args any, reply any) error {
	return c.CallContext(ctx, message.JoinServiceMethod(channelName, method), args, reply)
}

// CallContext is Call bounded by ctx. A cancelled call releases its slot
// without waiting for the server.
func (c *Client) CallContext(ctx context.Context, serviceMethod string, args any, reply any) error {
	serviceName, _, ok := message.SplitServiceMethod(serviceMethod)
	if !ok {
		return errors.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}

	instances, err := c.registry.Discover(serviceName)
	if err != nil {
		return err
	}

	instance, err := c.balancer.Pick(instances)
	if err != nil {
		return errors.Wrapf(err, "client: pick instance for %s", serviceName)
	}

	t, err := c.getTransport(ctx, instance.Addr)
	if err != nil {
		return err
	}
	defer c.putTransport(instance.Addr, t)

	seq, ch, err := t.Send(serviceMethod, args)
	if err != nil {
		return err
	}

	var resp *message.RPCMessage
	select {
	case resp = <-ch:
	case <-ctx.Done():
		t.Cancel(seq)
		return ctx.Err()
	}

	if resp.Error != "" {
		return &ServerError{ServiceMethod: serviceMethod, Message: resp.Error}
	}

	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Payload, reply)
}

// Close closes every pooled connection. Transports still borrowed are
// closed when returned.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	for _, pool := range c.transports {
	drain:
		for {
			select {
			case t := <-pool:
				if t != nil {
					t.Close()
				}
			default:
				break drain
			}
		}
	}
	return nil
}
