package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/loquet"
	"go.uber.org/zap"

	"peer-rpc/protocol"
	"peer-rpc/wire"
)

// pendingCall is one in-flight outbound call. The handle registry stores
// the entry itself, so resolving the echoed handle lands the receive loop
// directly on the completion latch.
type pendingCall struct {
	h      wire.Handle
	done   *loquet.Chan[pendingCall]
	once   sync.Once
	result any
	err    error
}

func newPendingCall() *pendingCall {
	pc := &pendingCall{}
	pc.done = loquet.NewChan(pc)
	return pc
}

// deliver records the outcome exactly once and wakes the waiter. Duplicate
// or late deliveries are no-ops, which is what makes delivery at-most-once
// even when a stream failure races a real reply.
func (pc *pendingCall) deliver(result any, err error) {
	pc.once.Do(func() {
		pc.result = result
		pc.err = err
		pc.done.Close()
	})
}

// Call invokes the named operation on the peer with positional arguments
// and blocks until the reply, a failure, or ctx ends.
func (c *Conn) Call(ctx context.Context, op string, args ...any) (any, error) {
	return c.CallKw(ctx, op, args, nil)
}

// CallKw is Call with keyword arguments.
//
// The serializability guard runs first: an argument that cannot round-trip
// fails here, before anything is written. After that, a client-role Conn
// retries transient transport failures by reconnecting, up to the retry
// policy's attempt budget; a server-role Conn surfaces the first failure
// and never redials. Remote errors (the operation ran and failed over
// there) come back as *wire.RemoteError and are never retried.
func (c *Conn) CallKw(ctx context.Context, op string, args []any, kwargs map[string]any) (any, error) {
	req := &wire.Request{Op: op, Args: args, Kwargs: kwargs}
	flat, err := wire.FlattenRequest(req)
	if err != nil {
		return nil, err
	}
	reqBody, err := c.cdc.Encode(flat)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if c.role == RoleClient && c.redial != nil {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	var lastGen uint64
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepBackoff(ctx, attempt-1); err != nil {
				return nil, err
			}
			if err := c.reconnect(ctx, lastGen); err != nil {
				if errors.Is(err, ErrConnClosed) {
					return nil, err
				}
				lastErr = err
				continue
			}
			c.logger.Debug("retrying call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1))
		}

		result, gen, err := c.callOnce(ctx, reqBody)
		lastGen = gen
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrDisconnected) || attempts == 1 {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("call %q failed after %d attempts: %w", op, attempts, lastErr)
}

// callOnce runs one attempt: issue a fresh handle, register the pending
// entry, transmit the two frames, block for the outcome. The entry and its
// handle go away on every exit path, success, remote error, disconnect,
// and cancellation alike.
func (c *Conn) callOnce(ctx context.Context, reqBody []byte) (any, uint64, error) {
	entry := newPendingCall()
	h := c.reg.Issue(entry)
	entry.h = h

	c.pmu.Lock()
	c.pending[h] = entry
	c.pmu.Unlock()

	defer func() {
		c.pmu.Lock()
		delete(c.pending, h)
		c.pmu.Unlock()
		_ = c.reg.Release(h)
	}()

	flatH, err := wire.Flatten(h)
	if err != nil {
		return nil, 0, err
	}
	tokenBody, err := c.cdc.Encode(flatH)
	if err != nil {
		return nil, 0, err
	}

	gen, err := c.transmit(reqBody, tokenBody)
	if err != nil {
		return nil, gen, err
	}

	select {
	case <-entry.done.WhenClosed():
		return entry.result, gen, entry.err
	case <-ctx.Done():
		return nil, gen, ctx.Err()
	case <-c.halt.ReqStop.Chan:
		return nil, gen, ErrConnClosed
	}
}

// transmit writes one logical message: two KindValue frames back-to-back
// under the write lock. The stream is re-read under that lock, so a
// reconnect (which swaps the socket while holding the same lock) can never
// split a message across two streams. A failed write closes the socket so
// the peer sees a broken stream instead of half a message.
func (c *Conn) transmit(body1, body2 []byte) (uint64, error) {
	c.mu.Lock()
	gen, alive, closed := c.gen, c.alive, c.closd
	c.mu.Unlock()
	if closed {
		return gen, ErrConnClosed
	}
	if !alive {
		return gen, fmt.Errorf("%w: no live stream", ErrDisconnected)
	}

	header := protocol.Header{CodecType: byte(c.cdc.Type()), Kind: protocol.KindValue}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	nc, gen := c.nc, c.gen
	c.mu.Unlock()
	if nc == nil {
		return gen, fmt.Errorf("%w: no stream", ErrDisconnected)
	}

	if err := protocol.WriteFrame(nc, &header, body1); err != nil {
		nc.Close()
		return gen, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if err := protocol.WriteFrame(nc, &header, body2); err != nil {
		nc.Close()
		return gen, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return gen, nil
}

func (c *Conn) sleepBackoff(ctx context.Context, retry int) error {
	timer := time.NewTimer(c.retry.Delay(retry))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.halt.ReqStop.Chan:
		return ErrConnClosed
	}
}
