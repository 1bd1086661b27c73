// Package protocol implements the binary frame layer for peer-rpc.
//
// It solves TCP's sticky packet problem with a fixed 10-byte header
// followed by a variable-length body. The receiver reads the header first
// to learn the body length, then reads exactly that many bytes, so a frame
// written immediately after another decodes cleanly with nothing over-read.
//
// Frame format:
//
//	0      3  4  5  6         10
//	┌──────┬──┬──┬──┬─────────┬───────────────┐
//	│magic │v │ct│k │ bodyLen │    body ...   │
//	│ prp  │01│  │  │ uint32  │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴───────────────┘
//
// There is no sequence number and no request/response bit: correlation
// travels in-band as a handle value, and the receiver classifies a logical
// message by the decoded shape of its first frame. A logical message is
// exactly two consecutive KindValue frames; the frame layer itself is
// message-agnostic.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "prp" (peer-rpc protocol). Rejects non-protocol
// connections (e.g., HTTP clients hitting the wrong port) on the first read.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 10 // 3 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 4 (bodyLen)
)

// MaxBodyLen caps a single frame body. A corrupted or hostile length
// prefix must not make the receiver allocate unbounded memory.
const MaxBodyLen uint32 = 16 << 20

// Kind distinguishes value frames from keepalive probes.
type Kind byte

const (
	KindValue Kind = 1 // body is one codec-encoded value
	KindPing  Kind = 2 // keepalive probe, empty body
	KindPong  Kind = 3 // keepalive answer, empty body
)

// Codec type bytes, mirrored from the codec package to avoid a circular
// import.
const (
	CodecTypeMsgpack byte = 1
	CodecTypeJSON    byte = 2
)

// Header is the decoded form of the fixed 10-byte frame header.
type Header struct {
	CodecType byte   // serialization format of the body
	Kind      Kind   // Value, Ping, or Pong
	BodyLen   uint32 // body length in bytes
}

// WriteFrame writes a complete frame (header + body) to w. The caller must
// hold the connection's write lock when multiple goroutines share the same
// writer, and must keep holding it across both frames of a logical message,
// otherwise frames from different messages interleave and corrupt the
// stream.
func WriteFrame(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}

	buf := make([]byte, HeaderSize)
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.Kind)
	// Body length: 4 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(body)))

	if _, err := w.Write(buf); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads exactly one frame from r. It validates magic, version,
// codec type, kind, and the body length cap. io.ReadFull guarantees exact
// reads, so partial TCP segments never surface as short frames.
//
// Any error other than a clean EOF before the first header byte means the
// stream position is unknowable and the connection must be closed.
func ReadFrame(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeMsgpack && headerBuf[4] != CodecTypeJSON {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	kind := Kind(headerBuf[5])
	if kind != KindValue && kind != KindPing && kind != KindPong {
		return nil, nil, fmt.Errorf("unsupported frame kind: %d", headerBuf[5])
	}

	bodyLen := binary.BigEndian.Uint32(headerBuf[6:10])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, nil, err
		}
	}

	return &Header{
		CodecType: headerBuf[4],
		Kind:      kind,
		BodyLen:   bodyLen,
	}, body, nil
}
