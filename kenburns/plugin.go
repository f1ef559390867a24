// Package kenburns binds the "kenburns" method channel. Every call on it,
// whatever its method name or arguments, is answered with the platform
// label, one space, and the operating system version.
package kenburns

import (
	"context"

	"kenburns/channel"
	"kenburns/platform"
)

// ChannelName is the only channel this package registers.
const ChannelName = "kenburns"

// Plugin is the handler bound to the kenburns channel. It holds no mutable
// state and is safe for concurrent calls.
type Plugin struct {
	label    string
	versions platform.VersionSource
}

type Option func(*Plugin)

// WithLabel overrides the platform label.
func WithLabel(label string) Option {
	return func(p *Plugin) {
		p.label = label
	}
}

// WithVersionSource overrides where the version string comes from.
func WithVersionSource(src platform.VersionSource) Option {
	return func(p *Plugin) {
		p.versions = src
	}
}

// NewPlugin returns a plugin reporting platform.Label() and the live host
// version unless overridden.
func NewPlugin(opts ...Option) *Plugin {
	p := &Plugin{
		label:    platform.Label(),
		versions: platform.HostVersion{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register creates a plugin and binds it to the kenburns channel on m.
func Register(m channel.Messenger, opts ...Option) (*Plugin, error) {
	p := NewPlugin(opts...)
	if err := channel.NewChannel(ChannelName, m).SetMethodCallHandler(p); err != nil {
		return nil, err
	}
	return p, nil
}

// HandleMethodCall ignores call entirely and returns "<label> <version>".
// The version is read on every call; a failure from the version source is
// returned as is.
func (p *Plugin) HandleMethodCall(ctx context.Context, _ *channel.MethodCall) (any, error) {
	version, err := p.versions.Version(ctx)
	if err != nil {
		return nil, err
	}
	return p.label + " " + version, nil
}

// Label returns the label this plugin reports.
func (p *Plugin) Label() string {
	return p.label
}
