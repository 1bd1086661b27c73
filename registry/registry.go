package registry

import (
	"context"
	"fmt"
	"sync"
)

// Instance is one registered endpoint of a service.
type Instance struct {
	Addr   string `json:"addr"`
	Proto  string `json:"proto"`  // protocol tag, e.g. "tcp"
	Weight int    `json:"weight"` // weight for load balancing
}

// Registry is the discovery contract. Register announces a local endpoint
// under a service name; Lookup blocks until the name resolves to at least
// one instance or ctx ends. Servers register, clients look up, and both
// sides survive the other briefly not being there yet.
type Registry interface {
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service, addr string) error
	Lookup(ctx context.Context, service string) (Instance, error)
	Discover(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}

// Memory is an in-process Registry for tests and single-process setups.
// TTLs are accepted and ignored; entries live until deregistered.
type Memory struct {
	mu       sync.Mutex
	services map[string][]Instance
	watchers map[string][]chan []Instance
	sig      chan struct{} // closed and replaced on every change
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string][]Instance),
		watchers: make(map[string][]chan []Instance),
		sig:      make(chan struct{}),
	}
}

func (m *Memory) Register(_ context.Context, service string, inst Instance, _ int64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("registry closed")
	}
	list := m.services[service]
	replaced := false
	for i := range list {
		if list[i].Addr == inst.Addr {
			list[i] = inst
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, inst)
	}
	m.services[service] = list
	m.bumpLocked(service)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Deregister(_ context.Context, service, addr string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("registry closed")
	}
	list := m.services[service]
	kept := list[:0]
	for _, inst := range list {
		if inst.Addr != addr {
			kept = append(kept, inst)
		}
	}
	if len(kept) == 0 {
		delete(m.services, service)
	} else {
		m.services[service] = kept
	}
	m.bumpLocked(service)
	m.mu.Unlock()
	return nil
}

// Lookup blocks until the service has at least one instance, then returns
// the first one. Waiters wake on every registry change and re-check.
func (m *Memory) Lookup(ctx context.Context, service string) (Instance, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Instance{}, fmt.Errorf("registry closed")
		}
		list := m.services[service]
		sig := m.sig
		m.mu.Unlock()

		if len(list) > 0 {
			return list[0], nil
		}
		select {
		case <-ctx.Done():
			return Instance{}, ctx.Err()
		case <-sig:
		}
	}
}

func (m *Memory) Discover(_ context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Instance(nil), m.services[service]...), nil
}

// Watch emits the full instance list after every change to the service.
// The channel closes when ctx ends or the registry closes.
func (m *Memory) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.dropWatcherLocked(service, ch)
		m.mu.Unlock()
	}()
	return ch
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.sig)
	for service, chans := range m.watchers {
		for _, ch := range chans {
			close(ch)
		}
		delete(m.watchers, service)
	}
	return nil
}

// bumpLocked wakes Lookup waiters and pushes the new list to watchers.
// A watcher that has not drained its previous update gets it replaced,
// so slow consumers only ever see the freshest list.
func (m *Memory) bumpLocked(service string) {
	close(m.sig)
	m.sig = make(chan struct{})

	list := append([]Instance(nil), m.services[service]...)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}

func (m *Memory) dropWatcherLocked(service string, ch chan []Instance) {
	chans := m.watchers[service]
	for i, c := range chans {
		if c == ch {
			m.watchers[service] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}
