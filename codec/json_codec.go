package codec

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// JSONCodec serializes values as JSON using goccy/go-json.
// Pros: human-readable, cross-language, easy to debug on the wire.
// Cons: one number type (1.0 decodes as the integer 1), []byte degrades to
// a base64 string. Decoding uses UseNumber so large integers survive
// instead of collapsing to float64.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
