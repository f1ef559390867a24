package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"kenburns/registry"
)

// ConsistentHashBalancer maps keys onto a hash ring of instances. The same
// key lands on the same instance until the ring changes. Each instance gets
// replicas virtual nodes so a handful of instances still spread evenly.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32                            // Sorted virtual node hashes
	nodes    map[uint32]registry.ServiceInstance // Virtual node hash → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places instance onto the ring, hashing "{addr}#{i}" per virtual node.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		if _, dup := b.nodes[hash]; !dup {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick returns the instance owning key: the first virtual node clockwise
// from the key's hash, wrapping to the start of the ring.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// KeyedHashBalancer adapts the hash ring to Balancer with a fixed key. The
// ring is rebuilt only when the instance list changes.
type KeyedHashBalancer struct {
	key string

	mu    sync.Mutex
	addrs string
	ring  *ConsistentHashBalancer
}

func NewKeyedHashBalancer(key string) *KeyedHashBalancer {
	return &KeyedHashBalancer{key: key}
}

func (b *KeyedHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	sig := signature(instances)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ring == nil || b.addrs != sig {
		b.ring = NewConsistentHashBalancer()
		for _, inst := range instances {
			b.ring.Add(inst)
		}
		b.addrs = sig
	}
	return b.ring.Pick(b.key)
}

func (b *KeyedHashBalancer) Name() string {
	return "ConsistentHash"
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return fmt.Sprint(addrs)
}
