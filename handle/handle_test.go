package handle

import (
	"errors"
	"sync"
	"testing"

	"peer-rpc/wire"
)

func TestIssueResolveRelease(t *testing.T) {
	r := NewRegistry()

	h := r.Issue("payload")
	if h.IsZero() {
		t.Fatal("issued handle must not be zero")
	}

	v, err := Resolve[string](r, h)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if v != "payload" {
		t.Fatalf("expect payload, got %q", v)
	}

	if err := r.Release(h); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expect 0 entries after release, got %d", r.Len())
	}

	// Resolve after release must fail: the entry is gone.
	if _, err := Resolve[string](r, h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expect ErrInvalidHandle after release, got %v", err)
	}
	if err := r.Release(h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expect ErrInvalidHandle on double release, got %v", err)
	}
}

func TestForeignCookieRejected(t *testing.T) {
	// Two registries standing in for two processes.
	p := NewRegistry(WithCookie(0x1111))
	q := NewRegistry(WithCookie(0x2222))

	hp := p.Issue(42)

	// q must reject p's handle even though the id likely exists in q too.
	q.Issue("occupies id 1")
	if _, err := q.Lookup(hp); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expect ErrInvalidHandle for foreign cookie, got %v", err)
	}
	if err := q.Release(hp); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expect ErrInvalidHandle releasing foreign handle, got %v", err)
	}

	// The issuer still resolves it fine.
	if v, err := Resolve[int](p, hp); err != nil || v != 42 {
		t.Fatalf("issuer resolve failed: v=%v err=%v", v, err)
	}
}

func TestResolveTypeMismatch(t *testing.T) {
	r := NewRegistry()
	h := r.Issue("a string")

	_, err := Resolve[int](r, h)
	var tm *TypeMismatchError
	if !errors.As(err, &tm) {
		t.Fatalf("expect TypeMismatchError, got %v", err)
	}
	if tm.Want != "int" || tm.Got != "string" {
		t.Fatalf("expect want=int got=string, got want=%s got=%s", tm.Want, tm.Got)
	}

	// The failed resolve must not consume the entry.
	if v, err := Resolve[string](r, h); err != nil || v != "a string" {
		t.Fatalf("entry consumed by failed resolve: v=%v err=%v", v, err)
	}
}

func TestCookieChosenLazilyOnce(t *testing.T) {
	r := NewRegistry()

	h1 := r.Issue(1)
	h2 := r.Issue(2)
	if h1.Cookie == 0 {
		t.Fatal("cookie not chosen on first issue")
	}
	if h1.Cookie != h2.Cookie {
		t.Fatalf("cookie changed between issues: %x vs %x", h1.Cookie, h2.Cookie)
	}

	// Before any issue a registry cannot resolve anything, not even the
	// zero handle.
	fresh := NewRegistry()
	if _, err := fresh.Lookup(wire.Handle{}); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expect ErrInvalidHandle from fresh registry, got %v", err)
	}
}

func TestConcurrentIssueUniqueIDs(t *testing.T) {
	r := NewRegistry()

	const n = 200
	var wg sync.WaitGroup
	handles := make([]wire.Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.Issue(i)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, h := range handles {
		if seen[h.ID] {
			t.Fatalf("duplicate id issued: %d", h.ID)
		}
		seen[h.ID] = true
	}
	if r.Len() != n {
		t.Fatalf("expect %d entries, got %d", n, r.Len())
	}
}
