// Package registry tracks which addresses serve which channel or service.
package registry

import "github.com/google/uuid"

type ServiceInstance struct {
	ID      string // Unique per server process
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

// NewInstance returns an instance for addr with a fresh ID.
func NewInstance(addr string, weight int, version string) ServiceInstance {
	return ServiceInstance{
		ID:      uuid.NewString(),
		Addr:    addr,
		Weight:  weight,
		Version: version,
	}
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
