// Package dispatch maps operation names to invocables on the servicing
// side of a connection.
//
// The table is explicit: an operation exists because Register was called
// with its name, never because a method happened to have the right
// signature. Lookup is a plain map read, and everything the peer can
// invoke is visible in one place. An optional fallback hook runs on table
// misses so extensions (for example an arbitrary-eval facility) can plug
// in without the core ever evaluating anything itself.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"peer-rpc/wire"
)

// OpFunc is an invocable operation: positional args, keyword args, one
// result. Returning an error makes the runtime deliver a remote error to
// the caller; the connection stays usable either way.
type OpFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// FallbackFunc handles requests whose operation name is not in the table.
// It sees the whole request so it can route on the name.
type FallbackFunc func(ctx context.Context, req *wire.Request) (any, error)

// UnknownOpError reports a request for an operation that is neither
// registered nor handled by a fallback.
type UnknownOpError struct {
	Op string
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("unknown operation: %q", e.Op)
}

// InvocationError wraps a failure from inside a registered operation,
// including a recovered panic. The operation ran; it just didn't succeed.
type InvocationError struct {
	Op  string
	Err error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("operation %q failed: %v", e.Op, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Map is the execution context: a mutex-protected table of named
// operations plus the optional fallback. The zero value is not usable;
// call NewMap.
type Map struct {
	mu       sync.RWMutex
	ops      map[string]OpFunc
	fallback FallbackFunc
}

func NewMap() *Map {
	return &Map{
		ops: make(map[string]OpFunc),
	}
}

// Register makes fn invocable under name, replacing any previous
// registration.
func (m *Map) Register(name string, fn OpFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[name] = fn
}

func (m *Map) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, name)
}

// SetFallback installs the handler consulted on table misses. Pass nil to
// remove it.
func (m *Map) SetFallback(fn FallbackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// Lookup reports the operation registered under name.
func (m *Map) Lookup(name string) (OpFunc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn, ok := m.ops[name]
	return fn, ok
}

// Names returns the registered operation names, sorted.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.ops))
	for name := range m.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch executes one request. A table miss goes to the fallback if one
// is set, otherwise fails with UnknownOpError. Handler errors and panics
// come back as InvocationError: a failing operation must never take down
// the receive loop or the process, it only fails its own call.
func (m *Map) Dispatch(ctx context.Context, req *wire.Request) (any, error) {
	m.mu.RLock()
	fn, ok := m.ops[req.Op]
	fb := m.fallback
	m.mu.RUnlock()

	if !ok {
		if fb == nil {
			return nil, &UnknownOpError{Op: req.Op}
		}
		return invoke(ctx, req.Op, func(ctx context.Context) (any, error) {
			return fb(ctx, req)
		})
	}
	return invoke(ctx, req.Op, func(ctx context.Context) (any, error) {
		return fn(ctx, req.Args, req.Kwargs)
	})
}

func invoke(ctx context.Context, op string, fn func(context.Context) (any, error)) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &InvocationError{Op: op, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	result, err = fn(ctx)
	if err != nil {
		// A fallback signalling "still unknown" keeps its identity; remote
		// error values pass through so handlers can pick their own code.
		switch err.(type) {
		case *UnknownOpError, *wire.RemoteError:
			return nil, err
		}
		return nil, &InvocationError{Op: op, Err: err}
	}
	return result, nil
}
