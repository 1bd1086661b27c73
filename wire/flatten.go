package wire

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Tag keys for record types. A record is encoded as a map with exactly one
// of these keys; user map keys starting with '$' are escaped with a second
// '$' so user data can never collide with a tag.
const (
	tagSymbol  = "$sym"
	tagHandle  = "$ref"
	tagError   = "$err"
	tagRequest = "$call"
)

// Flatten is the serializability guard and record encoder in one pass.
//
// It walks the value tree and returns an equivalent tree built only from
// types both codecs handle natively: nil, bool, integers, floats, string,
// []byte, []any, and map[string]any, with records replaced by their tagged
// map form. Any leaf that cannot round-trip -- chan, func, unsafe.Pointer,
// uintptr, complex numbers, and any struct or pointer outside the record
// set -- fails with *UnserializableError naming the type and its path.
// Nothing is transmitted when Flatten fails; the guard runs before the
// first byte is written.
func Flatten(v any) (any, error) {
	return flatten(v, "")
}

// FlattenRequest flattens a request record, labelling argument paths as
// "args[i]" and "kwargs[k]" so guard errors point into the caller's
// arguments rather than at an anonymous tree position.
func FlattenRequest(r *Request) (any, error) {
	return flatten(r, "")
}

func flatten(v any, path string) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return x, nil
	case []byte:
		return x, nil
	case Symbol:
		return map[string]any{tagSymbol: string(x)}, nil
	case Handle:
		return map[string]any{tagHandle: []any{cookieHex(x.Cookie), x.ID}}, nil
	case *RemoteError:
		return map[string]any{tagError: []any{x.Message, x.Code}}, nil
	case RemoteError:
		return map[string]any{tagError: []any{x.Message, x.Code}}, nil
	case *Request:
		args, err := flattenSeq(x.Args, joinPath(path, "args"))
		if err != nil {
			return nil, err
		}
		kwargs, err := flattenKwargs(x.Kwargs, joinPath(path, "kwargs"))
		if err != nil {
			return nil, err
		}
		return map[string]any{tagRequest: []any{x.Op, args, kwargs}}, nil
	case Request:
		return flatten(&x, path)
	case []any:
		out, err := flattenSeq(x, path)
		if err != nil {
			return nil, err
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			fv, err := flatten(val, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[escapeKey(k)] = fv
		}
		return out, nil
	}

	// Slower reflective path for concrete slice/map types like []int or
	// map[string]string. Everything else is rejected here.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			fv, err := flatten(rv.Index(i).Interface(), path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out[i] = fv
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, &UnserializableError{Type: rv.Type().String(), Path: path}
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			fv, err := flatten(iter.Value().Interface(), path+"."+k)
			if err != nil {
				return nil, err
			}
			out[escapeKey(k)] = fv
		}
		return out, nil
	}

	return nil, &UnserializableError{Type: fmt.Sprintf("%T", v), Path: path}
}

func flattenSeq(s []any, path string) ([]any, error) {
	if s == nil {
		return []any{}, nil
	}
	out := make([]any, len(s))
	for i, val := range s {
		fv, err := flatten(val, path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out[i] = fv
	}
	return out, nil
}

func flattenKwargs(m map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, val := range m {
		fv, err := flatten(val, path+"."+k)
		if err != nil {
			return nil, err
		}
		out[escapeKey(k)] = fv
	}
	return out, nil
}

// cookieHex renders a registry cookie as a fixed-width hex string. Cookies
// cross the wire as strings because a JSON number cannot carry a full
// uint64 without precision loss.
func cookieHex(c uint64) string {
	return fmt.Sprintf("%016x", c)
}

func parseCookie(s string) (uint64, bool) {
	if len(s) != 16 {
		return 0, false
	}
	c, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}

func escapeKey(k string) string {
	if strings.HasPrefix(k, "$") {
		return "$" + k
	}
	return k
}

func unescapeKey(k string) string {
	if strings.HasPrefix(k, "$$") {
		return k[1:]
	}
	return k
}

func joinPath(base, seg string) string {
	if base == "" {
		return seg
	}
	return base + "." + seg
}
