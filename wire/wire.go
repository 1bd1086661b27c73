// Package wire defines the value model exchanged between peers.
//
// Every frame body is exactly one value from this model: plain scalars,
// sequences, string-keyed mappings, raw bytes, plus four record types that
// must survive serialization with their identity intact: Symbol, Handle,
// RemoteError, and Request. Records travel as single-key tagged maps (see
// Flatten and Revive), so any codec that can move JSON-shaped data can move
// them without per-codec extension hooks.
//
// A logical message is two consecutive frames:
//
//	request:  frame 1 = Request{Op, Args, Kwargs}   frame 2 = Handle (caller's correlation token)
//	reply:    frame 1 = Handle (echoed back)        frame 2 = result value, or RemoteError
//
// The receiver tells requests and replies apart by the revived type of
// frame 1 alone; there is no message-type field in the frame header.
package wire

import "fmt"

// Symbol is an interned-name value, distinct from string on the wire.
// Peers that natively distinguish symbols/atoms from text map them here.
type Symbol string

// Handle is an opaque two-part reference issued by a handle registry.
// Cookie identifies the issuing process, ID the entry within it. A handle
// is meaningless to any other process except to echo it back unchanged;
// no pointer or address ever appears on the wire.
type Handle struct {
	Cookie uint64
	ID     uint64
}

// IsZero reports whether h is the zero handle. The zero handle is never
// issued; registries start their ID counters at 1.
func (h Handle) IsZero() bool {
	return h.Cookie == 0 && h.ID == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("handle(%016x/%d)", h.Cookie, h.ID)
}

// RemoteError is a servicing-side failure delivered to the caller as data.
// It never tears down the stream: the connection stays usable after one.
// Code is an optional machine-readable discriminator, see the Code*
// constants; Message is always set.
type RemoteError struct {
	Message string
	Code    string
}

// Remote error codes carried in RemoteError.Code.
const (
	CodeUnknownOperation     = "unknown_operation"
	CodeInvocationFailure    = "invocation_failure"
	CodeUnserializableResult = "unserializable_result"
	CodeInvalidHandle        = "invalid_handle"
)

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// Request is frame 1 of a request message: a named operation with
// positional and keyword arguments.
type Request struct {
	Op     string
	Args   []any
	Kwargs map[string]any
}

// UnserializableError reports a value that the serializability guard
// rejected before anything was written to the stream. Type is the Go type
// of the offending leaf, Path its location in the value tree (for example
// "args[2].key").
type UnserializableError struct {
	Type string
	Path string
}

func (e *UnserializableError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unserializable value of type %s", e.Type)
	}
	return fmt.Sprintf("unserializable value of type %s at %s", e.Type, e.Path)
}
