// Package loadbalance picks which instance serves the next call.
//
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  sticky placement of one caller on one instance
package loadbalance

import (
	"emperror.dev/errors"

	"kenburns/registry"
)

const ErrNoInstances = errors.Sentinel("no instances available")

// Balancer is called before every call and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name. key is only used by
// consistent_hash, where it decides which instance this caller sticks to.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewKeyedHashBalancer(key), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
