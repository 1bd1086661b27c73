// Package handle issues and resolves the opaque references that correlate
// in-flight calls with their replies and pin values for remote access.
//
// A handle is (cookie, id): the cookie identifies the issuing registry
// (normally one per process), the id an entry in its table. Values stay in
// the table, only the indirection crosses the wire, so no pointer or
// address is ever exposed to the peer. A handle presented to any registry
// other than its issuer fails the cookie check before the id is even
// looked at.
package handle

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"peer-rpc/wire"
)

// ErrInvalidHandle reports a handle with a foreign cookie, or an id that
// was never issued or has been released.
var ErrInvalidHandle = errors.New("invalid handle")

// TypeMismatchError reports a typed resolve that found a value of a
// different type. The entry is left in place.
type TypeMismatchError struct {
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("handle resolves to %s, not %s", e.Got, e.Want)
}

// Registry is a mutex-protected table of issued handles. The zero cookie
// means "not chosen yet": it is drawn from crypto/rand on the first Issue,
// at most once per registry, so a process that never issues a handle never
// burns entropy.
type Registry struct {
	mu      sync.Mutex
	cookie  uint64
	nextID  uint64
	entries map[uint64]any
}

type Option func(*Registry)

// WithCookie fixes the cookie instead of drawing it lazily from
// crypto/rand. The cookie must be nonzero. Tests use this to make handles
// deterministic and to stand up two "processes" inside one test binary.
func WithCookie(c uint64) Option {
	return func(r *Registry) {
		r.cookie = c
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[uint64]any),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the shared process-wide registry. Connections use it
// unless one is injected.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry()
	})
	return defaultReg
}

// Issue stores v and returns a fresh handle for it. Ids start at 1 and are
// never reused within a registry's lifetime.
func (r *Registry) Issue(v any) wire.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cookie == 0 {
		r.cookie = newCookie()
	}
	r.nextID++
	id := r.nextID
	r.entries[id] = v
	return wire.Handle{Cookie: r.cookie, ID: id}
}

// Lookup returns the value behind h. The cookie check runs first: a handle
// issued elsewhere is invalid here no matter what its id says.
func (r *Registry) Lookup(h wire.Handle) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cookie == 0 || h.Cookie != r.cookie {
		return nil, fmt.Errorf("%w: foreign cookie %016x", ErrInvalidHandle, h.Cookie)
	}
	v, ok := r.entries[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no such id %d", ErrInvalidHandle, h.ID)
	}
	return v, nil
}

// Resolve is the typed form of Lookup. A value of the wrong type reports
// TypeMismatchError and does not consume the entry.
func Resolve[T any](r *Registry, h wire.Handle) (T, error) {
	var zero T
	v, err := r.Lookup(h)
	if err != nil {
		return zero, err
	}
	tv, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{
			Want: reflect.TypeFor[T]().String(),
			Got:  fmt.Sprintf("%T", v),
		}
	}
	return tv, nil
}

// Release removes the entry behind h. Releasing a foreign or already
// released handle reports ErrInvalidHandle; a release is never silently
// absorbed.
func (r *Registry) Release(h wire.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cookie == 0 || h.Cookie != r.cookie {
		return fmt.Errorf("%w: foreign cookie %016x", ErrInvalidHandle, h.Cookie)
	}
	if _, ok := r.entries[h.ID]; !ok {
		return fmt.Errorf("%w: no such id %d", ErrInvalidHandle, h.ID)
	}
	delete(r.entries, h.ID)
	return nil
}

// Len reports the number of live entries. Tests use it to catch leaks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func newCookie() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("handle: crypto/rand failed: %v", err))
		}
		c := binary.BigEndian.Uint64(buf[:])
		if c != 0 {
			return c
		}
	}
}
