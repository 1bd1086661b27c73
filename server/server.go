// Package server implements the accepting side of peer-rpc: listen,
// announce the service in discovery, and own the collection of connected
// clients.
//
// Connection pipeline:
//
//	Accept conn → transport.Conn (server role, single receive loop)
//	  → per request: dispatch task → middleware chain → op table → reply
//
// The server is a caller too: every conn in the client collection is a
// full peer, so the server can initiate calls to any connected client
// through Clients().
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/dispatch"
	"peer-rpc/handle"
	"peer-rpc/middleware"
	"peer-rpc/registry"
	"peer-rpc/transport"
)

const defaultRegisterTTL = 10 // seconds; KeepAlive renews automatically

// Server accepts connections and serves the operation table over them.
type Server struct {
	exec        *dispatch.Map
	middlewares []middleware.Middleware
	dispatcher  transport.Dispatcher // middleware chain around exec, built once in Serve

	codecType   codec.CodecType
	readTimeout time.Duration
	handleReg   *handle.Registry
	logger      *zap.Logger

	reg       registry.Registry // nil when not using discovery
	service   string
	proto     string
	advertise string // address registered in discovery; listen addr when empty
	ttl       int64

	listener       net.Listener
	shutdown       atomic.Bool
	registeredAddr string

	mu      sync.Mutex
	clients map[string]*transport.Conn
}

type Option func(*Server)

// WithExec sets the operation table served to every connection.
func WithExec(m *dispatch.Map) Option {
	return func(s *Server) { s.exec = m }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithCodec(t codec.CodecType) Option {
	return func(s *Server) { s.codecType = t }
}

// WithRegistry announces the service in discovery while serving. The
// entry is (service, proto, addr) under a TTL lease; Shutdown removes it
// before anything else stops.
func WithRegistry(reg registry.Registry, service, proto string) Option {
	return func(s *Server) {
		s.reg = reg
		s.service = service
		s.proto = proto
	}
}

// WithAdvertiseAddr overrides the address registered in discovery. The
// listen address ":0" or ":8080" is not routable from other hosts; pass
// the address peers should actually dial.
func WithAdvertiseAddr(addr string) Option {
	return func(s *Server) { s.advertise = addr }
}

func WithRegisterTTL(ttl int64) Option {
	return func(s *Server) { s.ttl = ttl }
}

func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithHandleRegistry injects the handle registry handed to every conn.
// Tests use fixed-cookie registries to model separate processes.
func WithHandleRegistry(reg *handle.Registry) Option {
	return func(s *Server) { s.handleReg = reg }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		exec:        dispatch.NewMap(),
		codecType:   codec.CodecTypeMsgpack,
		readTimeout: transport.DefaultReadTimeout,
		ttl:         defaultRegisterTTL,
		logger:      zap.NewNop(),
		clients:     make(map[string]*transport.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Register adds an operation to the table. Explicit name to function,
// nothing is scanned.
func (s *Server) Register(name string, fn dispatch.OpFunc) {
	s.exec.Register(name, fn)
}

// Use appends a middleware. Middlewares wrap the operation table in the
// order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on the address, registers in discovery when configured,
// and runs the accept loop until Shutdown. Every accepted socket becomes
// a server-role transport.Conn in the client collection.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	// Build the middleware chain once at startup, not per-request.
	// Chain(A, B)(exec) runs A.before → B.before → op → B.after → A.after.
	handler := middleware.Chain(s.middlewares...)(s.exec.Dispatch)
	s.dispatcher = transport.DispatchFunc(handler)

	if s.reg != nil {
		addr := s.advertise
		if addr == "" {
			addr = listener.Addr().String()
		}
		s.registeredAddr = addr
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.reg.Register(ctx, s.service, registry.Instance{
			Addr:  addr,
			Proto: s.proto,
		}, s.ttl)
		cancel()
		if err != nil {
			listener.Close()
			return fmt.Errorf("registering %q: %w", s.service, err)
		}
	}

	s.logger.Info("serving", zap.String("addr", listener.Addr().String()))

	for {
		nc, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that accept error is the
			// intended exit, anything else while not shutting down is not.
			if s.shutdown.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.addConn(nc)
	}
}

func (s *Server) addConn(nc net.Conn) {
	id := uuid.NewString()
	opts := []transport.Option{
		transport.WithRole(transport.RoleServer),
		transport.WithID(id),
		transport.WithExec(s.dispatcher),
		transport.WithCodec(s.codecType),
		transport.WithLogger(s.logger),
		transport.WithReadTimeout(s.readTimeout),
		transport.WithOnClose(s.removeConn),
	}
	if s.handleReg != nil {
		opts = append(opts, transport.WithHandleRegistry(s.handleReg))
	}
	c := transport.NewConn(nc, opts...)

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	c.Start()

	s.logger.Info("client connected",
		zap.String("conn_id", id),
		zap.String("remote", nc.RemoteAddr().String()))
}

func (s *Server) removeConn(c *transport.Conn) {
	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
	s.logger.Info("client gone", zap.String("conn_id", c.ID()))
}

// Clients snapshots the connected peers. Any of them can be called
// directly; the conn is the same symmetric transport the client holds.
func (s *Server) Clients() []*transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transport.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// Addr is the bound listen address, nil before Serve. Tests listen on
// ":0" and poll this for the real port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the server:
//  1. Deregister from discovery FIRST, so clients stop routing here
//  2. Set the shutdown flag BEFORE closing the listener, so the accept
//     loop reads the close as intentional
//  3. Close the listener
//  4. Close every client conn and wait for their dispatch tasks, bounded
//     by timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.reg != nil && s.registeredAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.reg.Deregister(ctx, s.service, s.registeredAddr); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	conns := s.Clients()
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *transport.Conn) {
				defer wg.Done()
				c.Close()
			}(c)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to drain")
	}
}
