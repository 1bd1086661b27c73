// Package codec provides pluggable serialization for frame bodies.
//
// A codec sees only flattened wire values (plain scalars, []any,
// map[string]any); record tagging happens above it in the wire package, so
// both codecs carry the full value model without custom extension hooks.
// The codec type byte travels in every frame header, letting the receiver
// pick the matching implementation per frame.
package codec

type CodecType byte

const (
	CodecTypeMsgpack CodecType = 1 // default: compact, preserves int/float and []byte
	CodecTypeJSON    CodecType = 2 // human-readable, easy to debug
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for the given type byte, or nil if unknown.
// The zero CodecType is deliberately invalid so an unset field cannot
// silently pick a format.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	case CodecTypeJSON:
		return &JSONCodec{}
	}
	return nil
}
