package loadbalance

import (
	"sync/atomic"

	"peer-rpc/registry"
)

// RoundRobin distributes dials evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobin struct {
	counter int64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick selects the next instance in round-robin order.
func (b *RoundRobin) Pick(instances []registry.Instance) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstance
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return instances[index], nil
}

func (b *RoundRobin) Name() string {
	return "RoundRobin"
}
