// Package registry provides service discovery for peer-rpc.
//
// etcd is the production implementation: a distributed key-value store with
// strong consistency (Raft protocol). It is the phonebook both sides agree
// on:
//
//	Key:   /peer-rpc/{Service}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is removed on its own, so no ghost instances
// accumulate. Lookup is the client half of the handshake and blocks until
// the name resolves, which lets a client start before its peer.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/peer-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // full key -> lease keeping it alive
}

type EtcdOption func(*etcdConfig)

type etcdConfig struct {
	dialTimeout time.Duration
	logger      *zap.Logger
}

func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(c *etcdConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(c *etcdConfig) { c.dialTimeout = d }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	cfg := etcdConfig{
		dialTimeout: 5 * time.Second,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.dialTimeout,
		Logger:      cfg.logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		logger: cfg.logger.Named("registry"),
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// Register announces an instance under the service name with a TTL lease.
//
// Flow:
//  1. Grant a lease with the given TTL
//  2. Put the key-value pair bound to the lease
//  3. Start KeepAlive so the lease renews as long as we live
//
// KeepAlive runs on a background context on purpose: the caller's ctx only
// scopes the registration itself, not the lifetime of the entry.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	key := keyPrefix + service + "/" + inst.Addr
	_, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	// Drain renewal responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended",
			zap.String("service", service), zap.String("addr", inst.Addr))
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if had {
		// Re-registration: let the superseded lease go instead of waiting
		// out its TTL.
		if _, err := r.client.Revoke(ctx, old); err != nil {
			r.logger.Debug("revoking superseded lease", zap.Error(err))
		}
	}

	r.logger.Info("registered",
		zap.String("service", service),
		zap.String("addr", inst.Addr),
		zap.String("proto", inst.Proto),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before
// the listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := keyPrefix + service + "/" + addr

	r.mu.Lock()
	lease, had := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if had {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.logger.Debug("revoking lease", zap.Error(err))
		}
	}
	return nil
}

// Lookup blocks until the service has at least one instance or ctx ends.
// The watch opens before the first read so a registration landing between
// the two cannot be missed.
func (r *EtcdRegistry) Lookup(ctx context.Context, service string) (Instance, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wch := r.client.Watch(wctx, keyPrefix+service+"/", clientv3.WithPrefix())

	for {
		instances, err := r.Discover(ctx, service)
		if err != nil {
			return Instance{}, err
		}
		if len(instances) > 0 {
			return instances[0], nil
		}
		select {
		case <-ctx.Done():
			return Instance{}, ctx.Err()
		case _, ok := <-wch:
			if !ok {
				return Instance{}, fmt.Errorf("watch closed while waiting for service %q", service)
			}
		}
	}
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Debug("skipping malformed registry entry",
				zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the full instance list on every change under the service
// prefix. Server-push from etcd, so no polling. The channel closes when
// ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	prefix := keyPrefix + service + "/"

	go func() {
		defer close(ch)
		wch := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range wch {
			// Re-fetch the whole list instead of replaying events; simpler
			// and self-correcting.
			instances, err := r.Discover(ctx, service)
			if err != nil {
				return
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease this process holds and closes the client.
func (r *EtcdRegistry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	r.mu.Lock()
	leases := make([]clientv3.LeaseID, 0, len(r.leases))
	for _, id := range r.leases {
		leases = append(leases, id)
	}
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	for _, id := range leases {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			r.logger.Debug("revoking lease at close", zap.Error(err))
		}
	}
	return r.client.Close()
}
