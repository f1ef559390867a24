// Package server implements the messenger that method channels and
// reflection services are bound to.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest
//	    → Codec.Decode → Middleware Chain → businessHandler → Codec.Encode → write response
//
// businessHandler routes "name.method" to the channel handler bound to name
// if there is one, otherwise to the reflection service of that name.
package server

import (
	"context"
	"math"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"kenburns/channel"
	"kenburns/codec"
	"kenburns/message"
	"kenburns/middleware"
	"kenburns/protocol"
	"kenburns/registry"
)

const ErrShutdownTimeout = errors.Sentinel("timeout waiting for ongoing requests to finish")

// Server accepts framed requests and dispatches them to channels and services.
type Server struct {
	mu         sync.RWMutex
	serviceMap map[string]*service        // "Arith" → *service
	channels   map[string]channel.Handler // "kenburns" → handler

	listener    net.Listener
	wg          sync.WaitGroup // In-flight requests
	shutdown    atomic.Bool    // Suppresses the Accept error caused by Shutdown
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // Built once in Serve

	registry      registry.Registry
	advertiseAddr string // Routable address published to the registry
	weight        int
	version       string
	ttl           int64
	log           *zap.Logger
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithInstance sets the weight and version published to the registry.
func WithInstance(weight int, version string) Option {
	return func(s *Server) {
		s.weight = weight
		s.version = version
	}
}

// WithTTL sets the registry lease TTL in seconds.
func WithTTL(ttl int64) Option {
	return func(s *Server) {
		s.ttl = ttl
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		channels:   make(map[string]channel.Handler),
		weight:     1,
		ttl:        10,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes rcvr's exported methods as "TypeName.Method".
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	svr.serviceMap[svc.name] = svc
	svr.mu.Unlock()
	return nil
}

// SetMethodCallHandler binds h to the channel called name, replacing any
// previous handler. A nil h unbinds the channel.
func (svr *Server) SetMethodCallHandler(name string, h channel.Handler) error {
	if name == "" {
		return channel.ErrEmptyName
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if h == nil {
		delete(svr.channels, name)
		return nil
	}
	svr.channels[name] = h
	svr.log.Debug("channel handler bound", zap.String("channel", name))
	return nil
}

// Use appends a middleware. Middlewares added after Serve has started have
// no effect.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. advertiseAddr is the
// routable address published to reg; pass a nil reg to skip discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = listener
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	names := svr.namesLocked()
	svr.mu.Unlock()

	svr.log.Info("serving", zap.Stringer("addr", listener.Addr()), zap.Strings("names", names))

	if reg != nil {
		instance := registry.NewInstance(advertiseAddr, svr.weight, svr.version)
		for _, name := range names {
			if err := reg.Register(name, instance, svr.ttl); err != nil {
				svr.log.Error("failed to register with registry", zap.String("name", name), zap.Error(err))
			}
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			return errors.WithStack(err)
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) namesLocked() []string {
	names := make([]string, 0, len(svr.serviceMap)+len(svr.channels))
	for name := range svr.channels {
		names = append(names, name)
	}
	for name := range svr.serviceMap {
		if _, ok := svr.channels[name]; !ok {
			names = append(names, name)
		}
	}
	return names
}

// handleConn reads frames sequentially and handles each request in its own
// goroutine. writeMu keeps concurrent responses from interleaving.
func (svr *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				svr.log.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			}
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		svr.wg.Add(1)
		go svr.handleRequest(header, body, conn, writeMu)
	}
}

// handleRequest decodes one request, runs it through the middleware chain
// and writes the response with the request's seq.
func (svr *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var resp *message.RPCMessage

	msg := message.RPCMessage{}
	if err := c.Decode(body, &msg); err != nil {
		resp = &message.RPCMessage{Error: "decode request: " + err.Error()}
	} else {
		svr.mu.RLock()
		handler := svr.handler
		svr.mu.RUnlock()
		resp = handler(context.Background(), &msg)
	}

	result, err := c.Encode(resp)
	if err != nil {
		svr.log.Error("failed to encode response", zap.String("service_method", msg.ServiceMethod), zap.Error(err))
		// The caller still gets an answer for this seq.
		result, err = c.Encode(&message.RPCMessage{
			ServiceMethod: truncateField(msg.ServiceMethod),
			Error:         truncateField("encode response: " + err.Error()),
		})
		if err != nil {
			svr.log.Error("failed to encode fallback response", zap.Uint32("seq", header.Seq), zap.Error(err))
			return
		}
	}

	replyHeader := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, &replyHeader, result); err != nil {
		svr.log.Warn("failed to write response", zap.Uint32("seq", header.Seq), zap.Error(err))
	}
}

// maxFieldLen is the longest string the binary codec can carry.
const maxFieldLen = math.MaxUint16

func truncateField(s string) string {
	if len(s) > maxFieldLen {
		return s[:maxFieldLen]
	}
	return s
}

// Shutdown deregisters from the registry, stops accepting connections and
// waits up to timeout for in-flight requests.
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, listener, names := svr.registry, svr.listener, svr.namesLocked()
	svr.mu.RUnlock()

	if reg != nil {
		for _, name := range names {
			if err := reg.Deregister(name, svr.advertiseAddr); err != nil {
				svr.log.Warn("failed to deregister", zap.String("name", name), zap.Error(err))
			}
		}
	}

	// The flag must be set before Close so Serve sees the Accept error as intentional.
	svr.shutdown.Store(true)
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// businessHandler is the innermost handler of the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	name, methodName, ok := message.SplitServiceMethod(req.ServiceMethod)
	if !ok {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "invalid service method format: " + req.ServiceMethod}
	}

	svr.mu.RLock()
	h, isChannel := svr.channels[name]
	svc := svr.serviceMap[name]
	svr.mu.RUnlock()

	if isChannel {
		return svr.callChannel(ctx, h, req, methodName)
	}
	if svc == nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: can't find service or channel " + name}
	}
	return svr.callService(svc, req, methodName)
}

func (svr *Server) callChannel(ctx context.Context, h channel.Handler, req *message.RPCMessage, method string) *message.RPCMessage {
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}

	result, err := h.HandleMethodCall(ctx, &channel.MethodCall{
		Method:    method,
		Arguments: req.Payload,
	})
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	payload, err := json.Marshal(result)
	if err != nil {
		resp.Error = "encode result: " + err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}

func (svr *Server) callService(svc *service, req *message.RPCMessage, methodName string) *message.RPCMessage {
	method := svc.method[methodName]
	if method == nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "rpc: can't find method " + req.ServiceMethod}
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
			return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
		}
	}

	methodErr := svc.Call(method, argv, replyv)

	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	if methodErr != nil {
		resp.Error = methodErr.Error()
		return resp
	}

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.Error = "encode reply: " + err.Error()
		return resp
	}
	resp.Payload = payload
	return resp
}
