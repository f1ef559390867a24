// Package channel defines named method channels: a channel is a logical
// path on a Messenger, and every call sent to it is handed to the one
// Handler bound to that name.
package channel

import (
	"context"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
)

// ErrEmptyName is returned when binding a handler to an unnamed channel.
const ErrEmptyName = errors.Sentinel("channel: empty channel name")

// MethodCall is one request on a channel.
type MethodCall struct {
	Method    string          // Method name, never interpreted by the transport
	Arguments json.RawMessage // Raw JSON arguments, may be empty
}

// DecodeArguments unmarshals the call's arguments into v. Empty arguments
// leave v untouched.
func (c *MethodCall) DecodeArguments(v any) error {
	if len(c.Arguments) == 0 {
		return nil
	}
	return json.Unmarshal(c.Arguments, v)
}

// Handler answers calls on a channel. The returned value is JSON-encoded
// into the response payload; a non-nil error becomes the response error.
type Handler interface {
	HandleMethodCall(ctx context.Context, call *MethodCall) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *MethodCall) (any, error)

func (f HandlerFunc) HandleMethodCall(ctx context.Context, call *MethodCall) (any, error) {
	return f(ctx, call)
}

// Messenger is the transport a channel is bound to. Binding a second
// handler to the same name replaces the first; a nil handler unbinds.
type Messenger interface {
	SetMethodCallHandler(name string, h Handler) error
}

// Channel is a named path on a Messenger.
type Channel struct {
	name      string
	messenger Messenger
}

func NewChannel(name string, messenger Messenger) *Channel {
	return &Channel{name: name, messenger: messenger}
}

func (c *Channel) Name() string {
	return c.name
}

// SetMethodCallHandler binds h as the channel's handler on its messenger.
func (c *Channel) SetMethodCallHandler(h Handler) error {
	if c.name == "" {
		return ErrEmptyName
	}
	if c.messenger == nil {
		return errors.Errorf("channel %q: no messenger", c.name)
	}
	return c.messenger.SetMethodCallHandler(c.name, h)
}
