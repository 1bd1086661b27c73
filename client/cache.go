package client

import (
	"sync"
)

// Cache keeps one Client per address for applications talking to several
// peers. A conn here is multiplexed (any number of concurrent calls share
// it), so there is nothing to borrow and return; the cache just
// deduplicates dials.
type Cache struct {
	mu    sync.Mutex
	peers map[string]*Client
	opts  []Option
}

// NewCache builds a cache whose clients are dialed with opts.
func NewCache(opts ...Option) *Cache {
	return &Cache{
		peers: make(map[string]*Client),
		opts:  opts,
	}
}

// Get returns the cached client for addr, dialing it first if needed.
// The dial happens under the lock so concurrent callers cannot race two
// connections to the same peer.
func (p *Cache) Get(addr string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.peers[addr]; ok {
		return c, nil
	}
	c, err := Dial(addr, p.opts...)
	if err != nil {
		return nil, err
	}
	p.peers[addr] = c
	return c, nil
}

// Remove closes and forgets the client for addr, if any. The next Get
// dials fresh.
func (p *Cache) Remove(addr string) {
	p.mu.Lock()
	c := p.peers[addr]
	delete(p.peers, addr)
	p.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// CloseAll closes every cached client.
func (p *Cache) CloseAll() error {
	p.mu.Lock()
	peers := make([]*Client, 0, len(p.peers))
	for _, c := range p.peers {
		peers = append(peers, c)
	}
	p.peers = make(map[string]*Client)
	p.mu.Unlock()

	var firstErr error
	for _, c := range peers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
