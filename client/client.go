// Package client is the dialing side of peer-rpc.
//
// A Client wraps one client-role transport.Conn: calls retry transient
// transport failures by redialing, either the fixed address (Dial) or a
// fresh discovery lookup (DialService, which may land on a different
// instance of the service). The wrapped conn is symmetric, so a client
// that installs an operation table with WithExec also services calls the
// peer initiates.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/dispatch"
	"peer-rpc/handle"
	"peer-rpc/loadbalance"
	"peer-rpc/registry"
	"peer-rpc/transport"
	"peer-rpc/wire"
)

type Client struct {
	conn   *transport.Conn
	logger *zap.Logger
}

type config struct {
	codecType   codec.CodecType
	logger      *zap.Logger
	balancer    loadbalance.Balancer
	retry       transport.RetryPolicy
	readTimeout time.Duration
	keepalive   time.Duration
	exec        *dispatch.Map
	handleReg   *handle.Registry
	dialTimeout time.Duration
}

type Option func(*config)

func WithCodec(t codec.CodecType) Option {
	return func(c *config) { c.codecType = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithBalancer picks among discovered instances. Only DialService uses
// it; defaults to round-robin.
func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *config) { c.balancer = b }
}

func WithRetryPolicy(p transport.RetryPolicy) Option {
	return func(c *config) { c.retry = p }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *config) { c.readTimeout = d }
}

func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepalive = d }
}

// WithExec installs an operation table for calls the peer initiates.
func WithExec(m *dispatch.Map) Option {
	return func(c *config) { c.exec = m }
}

func WithHandleRegistry(reg *handle.Registry) Option {
	return func(c *config) { c.handleReg = reg }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *config) { c.dialTimeout = d }
}

func defaults() config {
	return config{
		codecType:   codec.CodecTypeMsgpack,
		logger:      zap.NewNop(),
		retry:       transport.DefaultRetryPolicy,
		readTimeout: transport.DefaultReadTimeout,
		keepalive:   transport.DefaultKeepAlive,
		dialTimeout: 5 * time.Second,
	}
}

// Dial connects to a fixed address. Reconnection re-dials the same
// address.
func Dial(address string, opts ...Option) (*Client, error) {
	cfg := defaults()
	for _, opt := range opts {
		opt(&cfg)
	}

	dialer := &net.Dialer{Timeout: cfg.dialTimeout}
	nc, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, err
	}
	redial := func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	}
	return wrap(nc, redial, cfg), nil
}

// DialService resolves the service through discovery and connects to one
// of its instances. The lookup blocks until the name resolves or ctx
// ends, so a client may start before its peer. Reconnection re-runs
// discovery, which means a failover can land on a different instance.
func DialService(ctx context.Context, reg registry.Registry, service string, opts ...Option) (*Client, error) {
	cfg := defaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.balancer == nil {
		cfg.balancer = loadbalance.NewRoundRobin()
	}

	dialer := &net.Dialer{Timeout: cfg.dialTimeout}
	dialInstance := func(ctx context.Context) (net.Conn, error) {
		inst, err := resolve(ctx, reg, service, cfg.balancer)
		if err != nil {
			return nil, err
		}
		network := inst.Proto
		if network == "" {
			network = "tcp"
		}
		return dialer.DialContext(ctx, network, inst.Addr)
	}

	nc, err := dialInstance(ctx)
	if err != nil {
		return nil, err
	}
	return wrap(nc, dialInstance, cfg), nil
}

// resolve blocks until the service has at least one instance, then lets
// the balancer pick among everything registered.
func resolve(ctx context.Context, reg registry.Registry, service string, bal loadbalance.Balancer) (registry.Instance, error) {
	for {
		if _, err := reg.Lookup(ctx, service); err != nil {
			return registry.Instance{}, err
		}
		instances, err := reg.Discover(ctx, service)
		if err != nil {
			return registry.Instance{}, err
		}
		if len(instances) > 0 {
			return bal.Pick(instances)
		}
		// Lost a race with a deregistration; wait for the next instance.
	}
}

func wrap(nc net.Conn, redial transport.RedialFunc, cfg config) *Client {
	topts := []transport.Option{
		transport.WithRole(transport.RoleClient),
		transport.WithCodec(cfg.codecType),
		transport.WithLogger(cfg.logger),
		transport.WithRetryPolicy(cfg.retry),
		transport.WithReadTimeout(cfg.readTimeout),
		transport.WithKeepAlive(cfg.keepalive),
		transport.WithRedial(redial),
	}
	if cfg.exec != nil {
		topts = append(topts, transport.WithExec(cfg.exec))
	}
	if cfg.handleReg != nil {
		topts = append(topts, transport.WithHandleRegistry(cfg.handleReg))
	}
	conn := transport.NewConn(nc, topts...)
	conn.Start()
	return &Client{conn: conn, logger: cfg.logger.Named("client")}
}

// Call invokes op on the peer with positional arguments.
func (c *Client) Call(ctx context.Context, op string, args ...any) (any, error) {
	return c.conn.Call(ctx, op, args...)
}

// CallKw invokes op with positional and keyword arguments.
func (c *Client) CallKw(ctx context.Context, op string, args []any, kwargs map[string]any) (any, error) {
	return c.conn.CallKw(ctx, op, args, kwargs)
}

// Retain asks the peer to run op and keep the result alive behind a
// handle instead of shipping it back. The handle can be passed to later
// calls, fetched, and must eventually be released.
func (c *Client) Retain(ctx context.Context, op string, args ...any) (wire.Handle, error) {
	res, err := c.conn.Call(ctx, dispatch.OpRetain, op, args)
	if err != nil {
		return wire.Handle{}, err
	}
	h, ok := res.(wire.Handle)
	if !ok {
		return wire.Handle{}, fmt.Errorf("peer returned %T instead of a handle", res)
	}
	return h, nil
}

// Fetch returns the value the peer retained behind h.
func (c *Client) Fetch(ctx context.Context, h wire.Handle) (any, error) {
	return c.conn.Call(ctx, dispatch.OpFetch, h)
}

// Release drops the peer's retained value. The handle is dead afterwards.
func (c *Client) Release(ctx context.Context, h wire.Handle) error {
	_, err := c.conn.Call(ctx, dispatch.OpRelease, h)
	return err
}

// Conn exposes the underlying transport, mostly for inspection in tests
// and for callers that need Pending or RemoteAddr.
func (c *Client) Conn() *transport.Conn {
	return c.conn
}

func (c *Client) Close() error {
	return c.conn.Close()
}
