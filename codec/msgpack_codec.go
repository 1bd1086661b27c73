package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec serializes values as MessagePack. It is the default codec:
// smaller frames than JSON, and it keeps integers, floats, and raw bytes
// distinct through a round trip.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
