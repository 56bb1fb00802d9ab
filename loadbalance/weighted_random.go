package loadbalance

import (
	"math/rand/v2"

	"patchwire/discovery"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []discovery.Instance) (*discovery.Instance, error) {
	if len(instances) == 0 {
		return nil, discovery.ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weight(v)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(i discovery.Instance) int {
	if i.Weight <= 0 {
		return 1
	}
	return i.Weight
}
