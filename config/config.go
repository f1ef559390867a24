// Package config loads the kenburnsd configuration file.
package config

import (
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"kenburns/codec"
	"kenburns/loadbalance"
)

// Configuration is the root of the YAML file.
type Configuration struct {
	// Address the server listens on.
	Listen string `default:"0.0.0.0:7420" yaml:"listen"`

	// Routable address published to the registry. Empty means Listen.
	Advertise string `yaml:"advertise"`

	// Frame body codec: "json" or "binary".
	Codec string `default:"json" yaml:"codec"`

	// Time to wait for in-flight calls on shutdown.
	ShutdownTimeout time.Duration `default:"5s" yaml:"shutdown_timeout"`

	Log        LogConfiguration        `yaml:"log"`
	Etcd       EtcdConfiguration       `yaml:"etcd"`
	Middleware MiddlewareConfiguration `yaml:"middleware"`
	Client     ClientConfiguration     `yaml:"client"`
	Platform   PlatformConfiguration   `yaml:"platform"`
}

type LogConfiguration struct {
	Level string `default:"info" yaml:"level"`
	// Human-readable console output instead of JSON.
	Development bool `default:"false" yaml:"development"`
}

type EtcdConfiguration struct {
	Enabled     bool          `default:"false" yaml:"enabled"`
	Endpoints   []string      `default:"[\"127.0.0.1:2379\"]" yaml:"endpoints"`
	Prefix      string        `default:"/kenburns" yaml:"prefix"`
	TTL         int64         `default:"10" yaml:"ttl"`
	DialTimeout time.Duration `default:"5s" yaml:"dial_timeout"`
}

type MiddlewareConfiguration struct {
	// Per-call deadline. Zero disables the timeout middleware.
	Timeout time.Duration `default:"3s" yaml:"timeout"`
	// Requests per second admitted. Zero disables rate limiting.
	RateLimit float64 `default:"0" yaml:"rate_limit"`
	Burst     int     `default:"100" yaml:"burst"`
}

type ClientConfiguration struct {
	Balancer string `default:"round_robin" yaml:"balancer"`
	PoolSize int    `default:"4" yaml:"pool_size"`
	// Retries for transient failures.
	Retries   int           `default:"2" yaml:"retries"`
	RetryBase time.Duration `default:"50ms" yaml:"retry_base"`
	// Key the consistent_hash balancer sticks to. Empty means the hostname.
	AffinityKey string `yaml:"affinity_key"`
}

// PlatformConfiguration overrides what the kenburns channel reports.
type PlatformConfiguration struct {
	// Empty means the label of the build target.
	Label string `yaml:"label"`
	// Empty means ask the host on every call.
	Version string `yaml:"version"`
	// Weight and version published to the registry.
	Weight int `default:"1" yaml:"weight"`
}

// New returns a configuration populated with defaults only.
func New() (*Configuration, error) {
	c := new(Configuration)
	if err := defaults.Set(c); err != nil {
		return nil, errors.Wrap(err, "config: set defaults")
	}
	return c, nil
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Configuration, error) {
	c, err := New()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, c.Validate()
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return c, c.Validate()
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Configuration) Validate() error {
	if _, ok := codec.ParseCodecType(c.Codec); !ok {
		return errors.Errorf("config: unknown codec %q", c.Codec)
	}
	if _, err := loadbalance.New(c.Client.Balancer, ""); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.Etcd.Enabled && len(c.Etcd.Endpoints) == 0 {
		return errors.New("config: etcd enabled without endpoints")
	}
	if c.Middleware.RateLimit < 0 || c.Middleware.Burst < 0 {
		return errors.New("config: rate limit and burst must not be negative")
	}
	return nil
}

// AdvertiseAddr is Advertise, falling back to Listen.
func (c *Configuration) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

// CodecType returns the parsed codec. Validate must have passed.
func (c *Configuration) CodecType() codec.CodecType {
	ct, _ := codec.ParseCodecType(c.Codec)
	return ct
}
