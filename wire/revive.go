package wire

import (
	"encoding/json"
	"math"
	"strconv"
)

// Revive is the inverse of Flatten, applied to a freshly decoded value.
//
// It converts tagged maps back into records, unescapes '$$' map keys, and
// canonicalizes numbers so that equal values compare equal regardless of
// codec: every integer width becomes int64 (uint64 values above MaxInt64
// stay uint64), float32 becomes float64, and json.Number is parsed. The
// JSON codec cannot tell 1.0 from 1, so integral floats decode as int64
// there; the msgpack codec preserves the distinction.
func Revive(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 1 {
			for k, inner := range x {
				if rec, ok := reviveTagged(k, inner); ok {
					return rec
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[unescapeKey(k)] = Revive(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = Revive(x[i])
		}
		return out
	case json.Number:
		return reviveNumber(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return canonUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return canonUint(x)
	case float32:
		return float64(x)
	default:
		return x
	}
}

// reviveTagged turns a single-key tagged map back into its record. inner is
// still raw (not yet revived). A malformed tag reports false and the caller
// leaves the map alone rather than guessing.
func reviveTagged(key string, inner any) (any, bool) {
	switch key {
	case tagSymbol:
		if s, ok := inner.(string); ok {
			return Symbol(s), true
		}
	case tagHandle:
		parts, ok := inner.([]any)
		if !ok || len(parts) != 2 {
			return nil, false
		}
		hexs, ok := parts[0].(string)
		if !ok {
			return nil, false
		}
		cookie, ok := parseCookie(hexs)
		if !ok {
			return nil, false
		}
		id, ok := toUint64(parts[1])
		if !ok {
			return nil, false
		}
		return Handle{Cookie: cookie, ID: id}, true
	case tagError:
		parts, ok := inner.([]any)
		if !ok || len(parts) != 2 {
			return nil, false
		}
		msg, ok := parts[0].(string)
		if !ok {
			return nil, false
		}
		code, ok := parts[1].(string)
		if !ok {
			return nil, false
		}
		return &RemoteError{Message: msg, Code: code}, true
	case tagRequest:
		parts, ok := inner.([]any)
		if !ok || len(parts) != 3 {
			return nil, false
		}
		op, ok := parts[0].(string)
		if !ok {
			return nil, false
		}
		req := &Request{Op: op}
		if parts[1] != nil {
			args, ok := Revive(parts[1]).([]any)
			if !ok {
				return nil, false
			}
			req.Args = args
		}
		if parts[2] != nil {
			kwargs, ok := Revive(parts[2]).(map[string]any)
			if !ok {
				return nil, false
			}
			if len(kwargs) > 0 {
				req.Kwargs = kwargs
			}
		}
		return req, true
	}
	return nil, false
}

func reviveNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	// Larger than MaxInt64, or not an integer at all.
	if u, err := parseUintNumber(string(n)); err == nil {
		return u
	}
	f, err := n.Float64()
	if err != nil {
		return string(n)
	}
	return f
}

func parseUintNumber(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func canonUint(u uint64) any {
	if u > math.MaxInt64 {
		return u
	}
	return int64(u)
}

func toUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case json.Number:
		if u, err := parseUintNumber(string(x)); err == nil {
			return u, true
		}
		return 0, false
	case int:
		return uint64(x), x >= 0
	case int8:
		return uint64(x), x >= 0
	case int16:
		return uint64(x), x >= 0
	case int32:
		return uint64(x), x >= 0
	case int64:
		return uint64(x), x >= 0
	case uint:
		return uint64(x), true
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	}
	return 0, false
}
