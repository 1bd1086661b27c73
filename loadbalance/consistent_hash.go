package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"peer-rpc/registry"
)

// ConsistentHash maps a fixed affinity key to an instance on a hash ring,
// so the same caller keeps landing on the same peer as long as that peer
// stays registered. When the instance set changes the ring is rebuilt and
// only the keys near the changed instances move.
//
// Virtual nodes: each real instance contributes N points on the ring.
// Without them, 3 instances might cluster together and split the ring
// unevenly; 100 virtual nodes per instance gives statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHash struct {
	key      string // affinity key, fixed per balancer
	replicas int    // virtual nodes per real instance

	mu    sync.Mutex
	seen  string // fingerprint of the instance set behind the current ring
	ring  []uint32
	nodes map[uint32]registry.Instance
}

// NewConsistentHash builds a balancer that always resolves the given
// affinity key, with 100 virtual nodes per instance.
func NewConsistentHash(affinityKey string) *ConsistentHash {
	return &ConsistentHash{
		key:      affinityKey,
		replicas: 100,
		nodes:    make(map[uint32]registry.Instance),
	}
}

// Pick finds the instance responsible for the affinity key: hash the key,
// binary-search the first ring point at or past it, wrap to the start when
// the hash is larger than every point.
func (b *ConsistentHash) Pick(instances []registry.Instance) (registry.Instance, error) {
	if len(instances) == 0 {
		return registry.Instance{}, ErrNoInstance
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuildLocked(instances)

	hash := crc32.ChecksumIEEE([]byte(b.key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHash) Name() string {
	return "ConsistentHash"
}

// rebuildLocked refreshes the ring when the instance set changed since the
// last Pick. Each virtual node hashes "{addr}#{i}" so the points spread
// evenly across the ring.
func (b *ConsistentHash) rebuildLocked(instances []registry.Instance) {
	fp := fingerprint(instances)
	if fp == b.seen {
		return
	}
	b.seen = fp
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.Addr, i)))
			b.ring = append(b.ring, h)
			b.nodes[h] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func fingerprint(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
