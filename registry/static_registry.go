package registry

import (
	"slices"
	"sync"
)

// StaticRegistry keeps instances in memory. It backs direct-address calls
// from the CLI and tests that should not depend on etcd. TTLs are ignored.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// Register adds instance, replacing any existing entry with the same address.
func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	insts := slices.DeleteFunc(r.instances[serviceName], func(i ServiceInstance) bool {
		return i.Addr == instance.Addr
	})
	r.instances[serviceName] = append(insts, instance)
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances[serviceName] = slices.DeleteFunc(r.instances[serviceName], func(i ServiceInstance) bool {
		return i.Addr == addr
	})
	r.notify(serviceName)
	return nil
}

// Discover returns a copy of the registered instances.
func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.instances[serviceName]), nil
}

// Watch returns a channel that receives the full instance list after every
// change. Slow readers only see the latest list.
func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan []ServiceInstance, 1)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

// notify must be called with mu held.
func (r *StaticRegistry) notify(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		snapshot := slices.Clone(r.instances[serviceName])
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
