package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/dispatch"
	"peer-rpc/handle"
	"peer-rpc/protocol"
	"peer-rpc/wire"
)

// frameReader arms a short polling deadline while the stream is idle and a
// generous one as soon as the first byte of a frame arrives. The polling
// deadline can then only ever expire between frames, where zero bytes have
// been consumed and the next read starts cleanly at a frame boundary.
type frameReader struct {
	nc      net.Conn
	idle    time.Duration
	busy    time.Duration
	started bool
}

func (r *frameReader) begin() {
	r.started = false
	r.nc.SetReadDeadline(time.Now().Add(r.idle))
}

func (r *frameReader) Read(p []byte) (int, error) {
	n, err := r.nc.Read(p)
	if n > 0 && !r.started {
		r.started = true
		r.nc.SetReadDeadline(time.Now().Add(r.busy))
	}
	return n, err
}

// recvLoop is the single reader of one stream generation. Reads run under
// a short deadline so the loop notices a stop request within one timeout;
// an idle deadline expiry is not a failure, just a chance to poll. A
// timeout after a frame started arriving is a failure: the stream position
// is unknowable.
//
// Frame 1 of each logical message decides everything: a handle is a reply
// for the pending table, a request spawns a dispatch task. Anything else,
// and any decode failure, is a broken stream.
func (c *Conn) recvLoop(nc net.Conn, gen uint64) {
	c.logger.Debug("receive loop starting", zap.Uint64("gen", gen))
	fr := &frameReader{nc: nc, idle: c.readTimeout, busy: frame2Timeout}
	for {
		select {
		case <-c.halt.ReqStop.Chan:
			return
		default:
		}

		fr.begin()
		hdr, body, err := protocol.ReadFrame(fr)
		if err != nil {
			if isTimeout(err) && !fr.started {
				continue
			}
			c.streamFailed(nc, gen, err)
			return
		}

		switch hdr.Kind {
		case protocol.KindPing:
			c.writePong(nc)
			continue
		case protocol.KindPong:
			continue
		}

		// Frame 2. The peer wrote both frames under its write lock, so a
		// long gap here, or anything but a value frame, means the stream
		// is broken mid-message.
		nc.SetReadDeadline(time.Now().Add(frame2Timeout))
		hdr2, body2, err := protocol.ReadFrame(nc)
		if err != nil {
			c.streamFailed(nc, gen, fmt.Errorf("reading second frame: %w", err))
			return
		}
		if hdr2.Kind != protocol.KindValue {
			c.streamFailed(nc, gen, fmt.Errorf("kind %d frame inside a message", hdr2.Kind))
			return
		}

		frame1, err := decodeBody(hdr, body)
		if err != nil {
			c.streamFailed(nc, gen, fmt.Errorf("decoding first frame: %w", err))
			return
		}
		frame2, err := decodeBody(hdr2, body2)
		if err != nil {
			c.streamFailed(nc, gen, fmt.Errorf("decoding second frame: %w", err))
			return
		}

		switch v := frame1.(type) {
		case wire.Handle:
			c.deliverReply(v, frame2)
		case *wire.Request:
			token, ok := frame2.(wire.Handle)
			if !ok {
				c.streamFailed(nc, gen, fmt.Errorf("request carried %T instead of a correlation handle", frame2))
				return
			}
			c.tasks.Add(1)
			go c.serveRequest(v, token)
		default:
			c.streamFailed(nc, gen, fmt.Errorf("unexpected first frame %T", frame1))
			return
		}
	}
}

// streamFailed tears down one stream generation. A loop whose generation
// was already replaced stays quiet: the failure belongs to a socket nobody
// uses anymore.
func (c *Conn) streamFailed(nc net.Conn, gen uint64, err error) {
	nc.Close()

	c.mu.Lock()
	if c.closd || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.alive = false
	c.mu.Unlock()

	c.logger.Warn("stream failed", zap.Uint64("gen", gen), zap.Error(err))
	c.failAllPending(fmt.Errorf("%w: %v", ErrDisconnected, err))

	if c.role == RoleServer {
		// A server-side conn dies with its stream; the client owns
		// reconnection and comes back as a brand-new conn.
		go c.Close()
	}
}

// failAllPending wakes every waiter with err. Entries stay in the table;
// each owner removes its own on the way out.
func (c *Conn) failAllPending(err error) {
	c.pmu.Lock()
	entries := make([]*pendingCall, 0, len(c.pending))
	for _, pc := range c.pending {
		entries = append(entries, pc)
	}
	c.pmu.Unlock()

	for _, pc := range entries {
		pc.deliver(nil, err)
	}
	if len(entries) > 0 {
		c.logger.Debug("failed pending calls", zap.Int("count", len(entries)))
	}
}

// deliverReply routes frame 2 of a reply to the pending entry behind the
// echoed handle. The registry rejects handles from another process and
// handles already released; both turn late or alien replies into a drop.
func (c *Conn) deliverReply(h wire.Handle, payload any) {
	entry, err := handle.Resolve[*pendingCall](c.reg, h)
	if err != nil {
		// Normal after a timed-out or retried call: the handle is long
		// released and the late reply has nowhere to go.
		c.logger.Debug("dropping reply for unknown handle",
			zap.String("handle", h.String()), zap.Error(err))
		return
	}
	if rerr, ok := payload.(*wire.RemoteError); ok {
		entry.deliver(nil, rerr)
		return
	}
	entry.deliver(payload, nil)
}

// serveRequest runs one incoming request to completion and transmits the
// reply. Handler outcomes, including panics and unknown operations, come
// back as data; only a dead stream keeps the reply from going out, and
// then the caller's own pending entry fails on their side.
func (c *Conn) serveRequest(req *wire.Request, token wire.Handle) {
	defer c.tasks.Done()

	var result any
	var err error
	if c.exec == nil {
		err = &dispatch.UnknownOpError{Op: req.Op}
	} else {
		result, err = c.exec.Dispatch(c.ctx, req)
	}

	var payload any
	if err != nil {
		payload = remoteErrorFrom(err)
	} else {
		payload = result
	}

	resultBody, err := c.encodeReply(req.Op, payload)
	if err != nil {
		c.logger.Warn("encoding reply", zap.String("op", req.Op), zap.Error(err))
		return
	}
	tokenFlat, err := wire.Flatten(token)
	if err != nil {
		c.logger.Warn("flattening reply token", zap.Error(err))
		return
	}
	tokenBody, err := c.cdc.Encode(tokenFlat)
	if err != nil {
		c.logger.Warn("encoding reply token", zap.Error(err))
		return
	}

	if _, err := c.transmit(tokenBody, resultBody); err != nil {
		c.logger.Debug("reply not sent, stream gone",
			zap.String("op", req.Op), zap.Error(err))
	}
}

// encodeReply serializes the reply payload. A result the wire model cannot
// carry is downgraded to a remote error naming the offending type, so the
// caller learns what went wrong instead of timing out.
func (c *Conn) encodeReply(op string, payload any) ([]byte, error) {
	flat, err := wire.Flatten(payload)
	if err == nil {
		body, eerr := c.cdc.Encode(flat)
		if eerr == nil {
			return body, nil
		}
		err = eerr
	}

	c.logger.Warn("result not serializable", zap.String("op", op), zap.Error(err))
	flat, ferr := wire.Flatten(&wire.RemoteError{
		Message: err.Error(),
		Code:    wire.CodeUnserializableResult,
	})
	if ferr != nil {
		return nil, ferr
	}
	return c.cdc.Encode(flat)
}

// remoteErrorFrom maps a local dispatch failure to its wire form.
func remoteErrorFrom(err error) *wire.RemoteError {
	var rerr *wire.RemoteError
	if errors.As(err, &rerr) {
		return rerr
	}
	var unknown *dispatch.UnknownOpError
	if errors.As(err, &unknown) {
		return &wire.RemoteError{Message: unknown.Error(), Code: wire.CodeUnknownOperation}
	}
	if errors.Is(err, handle.ErrInvalidHandle) {
		return &wire.RemoteError{Message: err.Error(), Code: wire.CodeInvalidHandle}
	}
	return &wire.RemoteError{Message: err.Error(), Code: wire.CodeInvocationFailure}
}

func (c *Conn) writePong(nc net.Conn) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	hdr := protocol.Header{CodecType: byte(c.cdc.Type()), Kind: protocol.KindPong}
	if err := protocol.WriteFrame(nc, &hdr, nil); err != nil {
		nc.Close()
	}
}

func decodeBody(hdr *protocol.Header, body []byte) (any, error) {
	cdc := codec.GetCodec(codec.CodecType(hdr.CodecType))
	if cdc == nil {
		return nil, fmt.Errorf("no codec for type %d", hdr.CodecType)
	}
	var v any
	if err := cdc.Decode(body, &v); err != nil {
		return nil, err
	}
	return wire.Revive(v), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
