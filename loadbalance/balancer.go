// Package loadbalance picks the server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      spread sessions evenly over equal servers
//   - WeightedRandom:  favour servers with a higher registered weight
//   - ConsistentHash:  pin a client identity to the same server
package loadbalance

import (
	"fmt"

	"patchwire/discovery"
)

// Balancer selects one instance for a new connection. Implementations are
// goroutine-safe.
type Balancer interface {
	Pick(instances []discovery.Instance) (*discovery.Instance, error)
	Name() string
}

// New returns the balancer registered under name. key is only used by
// consistent_hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
