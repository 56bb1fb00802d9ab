package loadbalance

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"patchwire/discovery"
)

// ConsistentHashBalancer maps a fixed key (typically the client's host name)
// onto a hash ring of the current instances, so the same client keeps
// reaching the same server while the server set is stable, and only clients
// of a removed server move.
//
// Every instance is placed on the ring as replicas virtual nodes hashed
// from "{addr}#{i}"; the key goes to the first node clockwise from its hash.
type ConsistentHashBalancer struct {
	key      string
	replicas int
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick rebuilds the ring from instances on every call; server sets are small
// and picks happen once per connection.
func (b *ConsistentHashBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, discovery.ErrNoInstances
	}

	ring := make([]uint64, 0, len(instances)*b.replicas)
	nodes := make(map[uint64]int, len(instances)*b.replicas)
	for idx, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			h := xxhash.Sum64String(inst.Addr + "#" + strconv.Itoa(i))
			ring = append(ring, h)
			nodes[h] = idx
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := xxhash.Sum64String(b.key)
	i := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	if i == len(ring) {
		i = 0
	}
	return &instances[nodes[ring[i]]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
