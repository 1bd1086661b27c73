// Package transport implements the symmetric connection at the heart of
// peer-rpc: one TCP stream, both sides initiating and servicing calls
// concurrently.
//
// A Conn owns a single receive loop (TCP is a byte stream, reads must be
// sequential to parse frame boundaries) and a write lock shared by every
// sender on the connection. Correlation is in-band: a caller issues a
// handle for its pending entry and sends it as frame 2 of the request; the
// peer echoes the handle as frame 1 of the reply. The receive loop tells
// replies from incoming requests purely by the decoded type of frame 1.
//
//	caller-1 ──CallKw──┐                       ┌── dispatch task ── op "vcat"
//	caller-2 ──CallKw──┼──→ single TCP conn ──→┼── dispatch task ── op "greet"
//	keepalive ──ping───┘                       └── reply ──→ pending[handle]
//
// A client-role Conn additionally knows how to redial: a transient stream
// failure makes the next attempt replace the socket in place (the Conn,
// its pending table, and its handle registry all survive) and retry under
// a bounded backoff schedule. A server-role Conn never redials; the far
// side owns reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/handle"
	"peer-rpc/protocol"
	"peer-rpc/wire"
)

var (
	// ErrDisconnected marks transient transport failures: broken stream,
	// failed write, no live receive loop. Client-role calls retry on it.
	ErrDisconnected = errors.New("transport disconnected")

	// ErrConnClosed means the Conn itself was closed. Never retried.
	ErrConnClosed = errors.New("connection closed")
)

// Role decides the reconnect policy: clients redial and retry, servers
// surface the failure and let the client come back.
type Role int

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Dispatcher services incoming requests. *dispatch.Map satisfies it, as
// does any middleware-wrapped DispatchFunc.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *wire.Request) (any, error)
}

type DispatchFunc func(ctx context.Context, req *wire.Request) (any, error)

func (f DispatchFunc) Dispatch(ctx context.Context, req *wire.Request) (any, error) {
	return f(ctx, req)
}

// RedialFunc re-establishes the underlying stream after a failure. For a
// service-name client this re-runs discovery, so reconnection may land on
// a different instance.
type RedialFunc func(ctx context.Context) (net.Conn, error)

const (
	// DefaultReadTimeout is the per-read deadline of the receive loop. It
	// bounds how long shutdown and disconnect detection can lag.
	DefaultReadTimeout = 100 * time.Millisecond

	// frame2Timeout bounds the wait for the second frame of a logical
	// message. The sender wrote both frames back-to-back under its write
	// lock, so anything beyond network latency means a broken peer.
	frame2Timeout = 5 * time.Second

	DefaultKeepAlive = 30 * time.Second
	DefaultCloseWait = 5 * time.Second
)

// Conn is one end of a peer-rpc connection.
type Conn struct {
	id   string
	role Role

	// mu guards the mutable stream state. The socket is replaced in place
	// on reconnect; gen counts replacements so stale receive loops and
	// in-flight transmits can detect that the world moved on under them.
	mu    sync.Mutex
	nc    net.Conn
	gen   uint64
	alive bool // current stream has a running receive loop
	closd bool

	// wmu serializes writes. Both frames of a logical message are written
	// under one hold, and reconnect swaps the socket under it too, so a
	// message can never straddle two streams.
	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[wire.Handle]*pendingCall

	reg  *handle.Registry
	exec Dispatcher
	cdc  codec.Codec

	halt   *idem.Halter
	tasks  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	readTimeout time.Duration
	keepalive   time.Duration
	retry       RetryPolicy
	redial      RedialFunc
	reMu        sync.Mutex
	closeWait   time.Duration

	onClose     func(*Conn)
	onCloseOnce sync.Once

	logger *zap.Logger
}

type Option func(*Conn)

func WithRole(role Role) Option {
	return func(c *Conn) { c.role = role }
}

// WithExec sets the dispatcher for incoming requests. A Conn without one
// answers every request with an unknown-operation error.
func WithExec(exec Dispatcher) Option {
	return func(c *Conn) { c.exec = exec }
}

func WithCodec(t codec.CodecType) Option {
	return func(c *Conn) {
		if cdc := codec.GetCodec(t); cdc != nil {
			c.cdc = cdc
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandleRegistry injects the registry used for correlation handles.
// Defaults to the process-wide one; tests inject fixed-cookie registries
// to stand up several "processes" in one binary.
func WithHandleRegistry(reg *handle.Registry) Option {
	return func(c *Conn) { c.reg = reg }
}

func WithRedial(redial RedialFunc) Option {
	return func(c *Conn) { c.redial = redial }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Conn) { c.retry = p }
}

func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// WithKeepAlive sets the ping interval for client-role conns. Zero
// disables keepalive.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Conn) { c.keepalive = d }
}

// WithOnClose registers a hook that runs once when the Conn goes away for
// good. The server uses it to drop the conn from its client collection.
func WithOnClose(fn func(*Conn)) Option {
	return func(c *Conn) { c.onClose = fn }
}

func WithID(id string) Option {
	return func(c *Conn) { c.id = id }
}

func NewConn(nc net.Conn, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		role:        RoleClient,
		nc:          nc,
		gen:         1,
		pending:     make(map[wire.Handle]*pendingCall),
		reg:         handle.Default(),
		cdc:         codec.GetCodec(codec.CodecTypeMsgpack),
		halt:        idem.NewHalter(),
		ctx:         ctx,
		cancel:      cancel,
		readTimeout: DefaultReadTimeout,
		keepalive:   DefaultKeepAlive,
		retry:       DefaultRetryPolicy,
		closeWait:   DefaultCloseWait,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("transport")
	if c.id != "" {
		c.logger = c.logger.With(zap.String("conn_id", c.id))
	}
	c.logger = c.logger.With(zap.String("role", c.role.String()))
	return c
}

// Start launches the receive loop, and for client-role conns the
// keepalive loop. Call it exactly once, after NewConn.
func (c *Conn) Start() {
	c.mu.Lock()
	nc, gen := c.nc, c.gen
	c.alive = true
	c.mu.Unlock()

	go c.recvLoop(nc, gen)
	if c.role == RoleClient && c.keepalive > 0 {
		go c.keepaliveLoop()
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Role() Role {
	return c.role
}

func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc == nil {
		return nil
	}
	return c.nc.RemoteAddr()
}

// Pending reports the number of in-flight calls. Tests use it to check
// that every exit path cleans up.
func (c *Conn) Pending() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}

// Close shuts the Conn down for good: stops the loops, closes the socket,
// cancels the context handed to in-flight dispatch tasks, and waits up to
// DefaultCloseWait for those tasks to drain. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closd {
		c.mu.Unlock()
		return nil
	}
	c.closd = true
	nc := c.nc
	c.mu.Unlock()

	c.halt.ReqStop.Close()
	c.cancel()
	if nc != nil {
		nc.Close()
	}

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.closeWait):
		c.logger.Warn("dispatch tasks still running at close timeout")
	}

	c.failAllPending(ErrConnClosed)
	c.halt.Done.Close()
	c.runOnClose()
	return nil
}

func (c *Conn) runOnClose() {
	c.onCloseOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// reconnect replaces the dead stream in place. seenGen is the generation
// the caller observed failing: if the table has moved past it, another
// caller already did the work and we return straight away. The swap
// happens under the write lock so no logical message can straddle the old
// and new sockets.
func (c *Conn) reconnect(ctx context.Context, seenGen uint64) error {
	c.reMu.Lock()
	defer c.reMu.Unlock()

	c.mu.Lock()
	if c.closd {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.gen != seenGen {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.redial == nil {
		return fmt.Errorf("%w: no redial configured", ErrDisconnected)
	}

	nc, err := c.redial(ctx)
	if err != nil {
		return fmt.Errorf("redial: %w", err)
	}

	c.wmu.Lock()
	c.mu.Lock()
	if c.closd {
		c.mu.Unlock()
		c.wmu.Unlock()
		nc.Close()
		return ErrConnClosed
	}
	old := c.nc
	c.nc = nc
	c.gen++
	newGen := c.gen
	c.alive = true
	c.mu.Unlock()

	// Whatever is pending right now went out on the old stream and can
	// never be answered on the new one. Fail those entries before letting
	// go of the write lock, so nothing transmitted on the new stream can
	// land in the table and get swept up with them. The owners retry with
	// fresh handles.
	c.failAllPending(fmt.Errorf("%w: stream replaced during reconnect", ErrDisconnected))
	c.wmu.Unlock()

	if old != nil {
		old.Close()
	}
	go c.recvLoop(nc, newGen)

	c.logger.Info("reconnected",
		zap.String("addr", nc.RemoteAddr().String()),
		zap.Uint64("gen", newGen))
	return nil
}

// keepaliveLoop pings on the client side so half-open connections are
// noticed within one interval. A failed ping closes the socket, which
// wakes the receive loop and fails pending calls promptly.
func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		nc, alive := c.nc, c.alive
		c.mu.Unlock()
		if nc == nil || !alive {
			continue // stream down; the call engine owns reconnection
		}

		c.wmu.Lock()
		err := protocol.WriteFrame(nc, &protocol.Header{CodecType: byte(c.cdc.Type()), Kind: protocol.KindPing}, nil)
		c.wmu.Unlock()
		if err != nil {
			nc.Close()
		}
	}
}
