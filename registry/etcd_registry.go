// Package registry provides the etcd-backed Registry.
//
// Every instance is one key:
//
//	Key:   {prefix}/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Keys are attached to a TTL lease kept alive in the background, so a crashed
// server disappears from discovery once the lease runs out.
package registry

import (
	"context"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/kenburns"

type EtcdConfig struct {
	Endpoints      []string
	Prefix         string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
	log     *zap.Logger

	ctx    context.Context // Cancelled by Close; scopes keep-alives and watches
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry connects to the given endpoints with default settings.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	return NewEtcdRegistryWithConfig(EtcdConfig{Endpoints: endpoints})
}

func NewEtcdRegistryWithConfig(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "registry: connect to etcd")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client:  c,
		prefix:  cfg.Prefix,
		timeout: cfg.RequestTimeout,
		log:     cfg.Logger.Named("registry"),
		ctx:     ctx,
		cancel:  cancel,
		leases:  make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) serviceKey(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

// Register adds an instance under a fresh lease of ttl seconds and keeps the
// lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "registry: grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.WithStack(err)
	}

	key := r.serviceKey(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "registry: put %s", key)
	}

	// The keep-alive stream must outlive this call, so it hangs off r.ctx.
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "registry: keep lease alive")
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.log.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.log.Info("registered instance",
		zap.String("service", serviceName),
		zap.String("addr", instance.Addr),
		zap.String("id", instance.ID),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	key := r.serviceKey(serviceName) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "registry: delete %s", key)
	}

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.log.Warn("failed to revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch emits the full instance list of a service after every change under
// its prefix. The channel is closed when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, r.serviceKey(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.log.Warn("discover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns every instance currently registered for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "registry: discover %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops keep-alives and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
