// Package loadbalance provides strategies for choosing which instance of a
// service to dial when discovery returns more than one.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless peers, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  affinity, the same caller re-lands on the same peer
package loadbalance

import (
	"errors"

	"peer-rpc/registry"
)

// ErrNoInstance means the service resolved to an empty instance list.
var ErrNoInstance = errors.New("no instances available")

// Balancer selects the dial target. The client calls Pick on the first
// dial and again on every rediscovery-based reconnect, so implementations
// must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (registry.Instance, error)
}
