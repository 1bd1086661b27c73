package dispatch

import (
	"context"
	"fmt"

	"peer-rpc/handle"
	"peer-rpc/wire"
)

// Builtin operation names for remote value retention. A peer that wants a
// result to stay alive on the servicing side calls __retain and gets back
// a handle instead of the value; __fetch and __release work against that
// handle later. Handles only mean something to the process that issued
// them, so these operate strictly on the local registry.
const (
	OpRetain  = "__retain"
	OpFetch   = "__fetch"
	OpRelease = "__release"
)

// EnableHandles registers the retention builtins against reg.
func (m *Map) EnableHandles(reg *handle.Registry) {
	m.Register(OpRetain, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		op, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		inner := &wire.Request{Op: op}
		if len(args) > 1 {
			seq, ok := args[1].([]any)
			if !ok {
				return nil, fmt.Errorf("__retain: args must be a sequence, got %T", args[1])
			}
			inner.Args = seq
		}
		if len(args) > 2 && args[2] != nil {
			kw, ok := args[2].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("__retain: kwargs must be a mapping, got %T", args[2])
			}
			inner.Kwargs = kw
		}

		result, err := m.Dispatch(ctx, inner)
		if err != nil {
			return nil, err
		}
		return reg.Issue(result), nil
	})

	m.Register(OpFetch, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return nil, err
		}
		return reg.Lookup(h)
	})

	m.Register(OpRelease, func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		h, err := argHandle(args, 0)
		if err != nil {
			return nil, err
		}
		if err := reg.Release(h); err != nil {
			return nil, err
		}
		return true, nil
	})
}

func argString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string, got %T", i, args[i])
	}
	return s, nil
}

func argHandle(args []any, i int) (wire.Handle, error) {
	if i >= len(args) {
		return wire.Handle{}, fmt.Errorf("missing argument %d", i)
	}
	h, ok := args[i].(wire.Handle)
	if !ok {
		return wire.Handle{}, fmt.Errorf("argument %d must be a handle, got %T", i, args[i])
	}
	return h, nil
}
