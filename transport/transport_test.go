package transport

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"peer-rpc/codec"
	"peer-rpc/dispatch"
	"peer-rpc/handle"
	"peer-rpc/wire"
)

// testOps builds the operation table both ends serve in these tests.
func testOps() *dispatch.Map {
	m := dispatch.NewMap()
	m.Register("vcat", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		out := make([]any, 0, len(args))
		for _, a := range args {
			if nested, ok := a.([]any); ok {
				out = append(out, nested...)
				continue
			}
			out = append(out, a)
		}
		return out, nil
	})
	m.Register("greet", func(_ context.Context, _ []any, kwargs map[string]any) (any, error) {
		base := "BAR"
		if extra, ok := kwargs["extra"].(string); ok {
			base += extra
		}
		return base, nil
	})
	m.Register("slow", func(ctx context.Context, args []any, _ map[string]any) (any, error) {
		ms := int64(100)
		if len(args) > 0 {
			if v, ok := args[0].(int64); ok {
				ms = v
			}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return "slept", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	m.Register("boom", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	})
	m.Register("badresult", func(_ context.Context, _ []any, _ map[string]any) (any, error) {
		return make(chan int), nil
	})
	return m
}

// testPeer plays the accepting side: every accepted socket becomes a
// server-role Conn, and reconnects show up as additional conns.
type testPeer struct {
	t    *testing.T
	ln   net.Listener
	exec Dispatcher
	opts []Option

	mu    sync.Mutex
	conns []*Conn
}

func newTestPeer(t *testing.T, exec Dispatcher, opts ...Option) *testPeer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &testPeer{t: t, ln: ln, exec: exec, opts: opts}
	go p.acceptLoop()
	return p
}

func (p *testPeer) acceptLoop() {
	for {
		nc, err := p.ln.Accept()
		if err != nil {
			return
		}
		opts := append([]Option{
			WithRole(RoleServer),
			WithExec(p.exec),
			WithReadTimeout(25 * time.Millisecond),
		}, p.opts...)
		c := NewConn(nc, opts...)
		c.Start()
		p.mu.Lock()
		p.conns = append(p.conns, c)
		p.mu.Unlock()
	}
}

func (p *testPeer) addr() string {
	return p.ln.Addr().String()
}

// waitConns blocks until the peer has accepted at least n conns and
// returns the n-th one.
func (p *testPeer) waitConns(n int) *Conn {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.conns) >= n {
			c := p.conns[n-1]
			p.mu.Unlock()
			return c
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	p.t.Fatalf("expect %d accepted conns, deadline passed", n)
	return nil
}

func (p *testPeer) close() {
	p.ln.Close()
	p.mu.Lock()
	conns := append([]*Conn(nil), p.conns...)
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func dialPeer(t *testing.T, p *testPeer, opts ...Option) *Conn {
	nc, err := net.Dial("tcp", p.addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	base := []Option{
		WithRole(RoleClient),
		WithReadTimeout(25 * time.Millisecond),
		WithKeepAlive(0),
		WithHandleRegistry(handle.NewRegistry()),
	}
	c := NewConn(nc, append(base, opts...)...)
	c.Start()
	return c
}

func TestCallRoundTrip(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	got, err := c.Call(context.Background(), "vcat", []any{1, 2, 3}, 4, 5, 6)
	if err != nil {
		t.Fatalf("call vcat: %v", err)
	}
	want := []any{int64(1), int64(2), int64(3), int64(4), int64(5), int64(6)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expect %v, got %v", want, got)
	}
	t.Logf("✅ vcat 跨连接往返成功: %v", got)
}

func TestCallKwargs(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	got, err := c.CallKw(context.Background(), "greet", nil, map[string]any{"extra": "_X"})
	if err != nil {
		t.Fatalf("call greet with kwargs: %v", err)
	}
	if got != "BAR_X" {
		t.Fatalf("expect BAR_X, got %v", got)
	}

	// 不带关键字参数时应得到默认问候
	got, err = c.Call(context.Background(), "greet")
	if err != nil {
		t.Fatalf("call greet: %v", err)
	}
	if got != "BAR" {
		t.Fatalf("expect BAR, got %v", got)
	}
}

func TestUnknownOpConnStaysUsable(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	_, err := c.Call(context.Background(), "no-such-op")
	var rerr *wire.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expect *wire.RemoteError, got %v", err)
	}
	if rerr.Code != wire.CodeUnknownOperation {
		t.Fatalf("expect code %q, got %q", wire.CodeUnknownOperation, rerr.Code)
	}

	// 未知操作是数据层面的失败，连接必须继续可用
	got, err := c.Call(context.Background(), "greet")
	if err != nil {
		t.Fatalf("call after unknown op: %v", err)
	}
	if got != "BAR" {
		t.Fatalf("expect BAR, got %v", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect 0 pending, got %d", c.Pending())
	}
}

func TestRemoteErrorCodes(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	_, err := c.Call(context.Background(), "boom")
	var rerr *wire.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expect *wire.RemoteError, got %v", err)
	}
	if rerr.Code != wire.CodeInvocationFailure {
		t.Fatalf("expect code %q, got %q", wire.CodeInvocationFailure, rerr.Code)
	}

	_, err = c.Call(context.Background(), "badresult")
	if !errors.As(err, &rerr) {
		t.Fatalf("expect *wire.RemoteError, got %v", err)
	}
	if rerr.Code != wire.CodeUnserializableResult {
		t.Fatalf("expect code %q, got %q", wire.CodeUnserializableResult, rerr.Code)
	}
}

func TestUnserializableArgFailsBeforeSend(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	_, err := c.Call(context.Background(), "vcat", make(chan int))
	var ue *wire.UnserializableError
	if !errors.As(err, &ue) {
		t.Fatalf("expect *wire.UnserializableError, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect 0 pending after guard rejection, got %d", c.Pending())
	}

	// 守卫在发送前拦截，连接不受影响
	got, err := c.Call(context.Background(), "greet")
	if err != nil {
		t.Fatalf("call after guard rejection: %v", err)
	}
	if got != "BAR" {
		t.Fatalf("expect BAR, got %v", got)
	}
}

func TestConcurrentSlowFast(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	var wg sync.WaitGroup
	var slowErr, fastErr error
	var fastDur time.Duration

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, slowErr = c.Call(context.Background(), "slow", 300)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond) // slow 先出发
		start := time.Now()
		_, fastErr = c.Call(context.Background(), "greet")
		fastDur = time.Since(start)
	}()
	wg.Wait()

	if slowErr != nil {
		t.Fatalf("slow call: %v", slowErr)
	}
	if fastErr != nil {
		t.Fatalf("fast call: %v", fastErr)
	}
	if fastDur > 200*time.Millisecond {
		t.Fatalf("fast call waited %v behind the slow one", fastDur)
	}
	t.Logf("✅ 快调用 %v 完成，没有被慢调用阻塞", fastDur)
}

func TestBothDirectionsOnOneStream(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer, WithExec(testOps()))
	defer c.Close()
	sc := peer.waitConns(1)

	var wg sync.WaitGroup
	var toServer, toClient any
	var errA, errB error

	wg.Add(2)
	go func() {
		defer wg.Done()
		toServer, errA = c.Call(context.Background(), "greet")
	}()
	go func() {
		defer wg.Done()
		toClient, errB = sc.CallKw(context.Background(), "greet", nil, map[string]any{"extra": "_REV"})
	}()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("bidirectional calls: %v / %v", errA, errB)
	}
	if toServer != "BAR" {
		t.Fatalf("expect BAR, got %v", toServer)
	}
	if toClient != "BAR_REV" {
		t.Fatalf("expect BAR_REV, got %v", toClient)
	}
	t.Logf("✅ 同一条流上双向调用互不干扰")
}

func TestDisconnectFailsPending(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer) // no redial configured
	defer c.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", 2000)
		errCh <- err
	}()
	sc := peer.waitConns(1)
	time.Sleep(50 * time.Millisecond) // 请求已经到达对端
	closed := time.Now()
	sc.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Fatalf("expect ErrDisconnected, got %v", err)
		}
		if d := time.Since(closed); d > time.Second {
			t.Fatalf("pending call failed only after %v", d)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("pending call never failed after disconnect")
	}
	if c.Pending() != 0 {
		t.Fatalf("expect 0 pending, got %d", c.Pending())
	}
}

func TestReconnectRetry(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	redial := func(ctx context.Context) (net.Conn, error) {
		return net.Dial("tcp", peer.addr())
	}
	c := dialPeer(t, peer,
		WithRedial(redial),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond}))
	defer c.Close()

	got, err := c.Call(context.Background(), "greet")
	if err != nil || got != "BAR" {
		t.Fatalf("first call: %v, %v", got, err)
	}

	// 强制断开服务端，下一次调用应当自动重连并成功
	sc := peer.waitConns(1)
	sc.Close()

	got, err = c.Call(context.Background(), "greet")
	if err != nil {
		t.Fatalf("call after forced close: %v", err)
	}
	if got != "BAR" {
		t.Fatalf("expect BAR, got %v", got)
	}
	peer.waitConns(2)
	t.Logf("✅ 断线后重连成功，对端看到了全新的连接")
}

func TestServerRoleNeverRetries(t *testing.T) {
	peer := newTestPeer(t, testOps(),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 8, BaseDelay: time.Second, MaxDelay: 2 * time.Second}))
	defer peer.close()
	c := dialPeer(t, peer, WithExec(testOps()))
	sc := peer.waitConns(1)

	c.Close()
	time.Sleep(100 * time.Millisecond) // 对端先察觉断开

	start := time.Now()
	_, err := sc.Call(context.Background(), "greet")
	if err == nil {
		t.Fatalf("expect error calling a gone client")
	}
	if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
		t.Fatalf("server-role call took %v, it must not burn retries", elapsed)
	}
}

func TestCallContextCancelCleansUp(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", 500)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("expect 0 pending, got %d", c.Pending())
	}
	if n := c.reg.Len(); n != 0 {
		t.Fatalf("expect empty handle registry, got %d entries", n)
	}

	// 迟到的回复只会被丢弃，连接保持健康
	time.Sleep(600 * time.Millisecond)
	got, err := c.Call(context.Background(), "greet")
	if err != nil || got != "BAR" {
		t.Fatalf("call after late reply: %v, %v", got, err)
	}
}

func TestKeepalivePingPong(t *testing.T) {
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer, WithKeepAlive(30*time.Millisecond))
	defer c.Close()

	time.Sleep(150 * time.Millisecond) // 来回几轮 ping / pong
	got, err := c.Call(context.Background(), "greet")
	if err != nil {
		t.Fatalf("call after keepalive rounds: %v", err)
	}
	if got != "BAR" {
		t.Fatalf("expect BAR, got %v", got)
	}
}

func TestMixedCodecs(t *testing.T) {
	// 客户端用 JSON，服务端用默认 msgpack，帧头里的编码字节各自生效
	peer := newTestPeer(t, testOps())
	defer peer.close()
	c := dialPeer(t, peer, WithCodec(codec.CodecTypeJSON))
	defer c.Close()

	got, err := c.Call(context.Background(), "vcat", []any{1, 2}, 3)
	if err != nil {
		t.Fatalf("call over mixed codecs: %v", err)
	}
	want := []any{int64(1), int64(2), int64(3)}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expect %v, got %v", want, got)
	}
}

func TestPendingDeliverAtMostOnce(t *testing.T) {
	pc := newPendingCall()
	pc.deliver("first", nil)
	pc.deliver("second", errors.New("late"))
	<-pc.done.WhenClosed()
	if pc.result != "first" || pc.err != nil {
		t.Fatalf("expect first delivery to win, got %v / %v", pc.result, pc.err)
	}
}

func TestForeignReplyDropped(t *testing.T) {
	reg := handle.NewRegistry(handle.WithCookie(0xaaaa5555aaaa5555))
	c := NewConn(nil, WithHandleRegistry(reg))

	entry := newPendingCall()
	h := reg.Issue(entry)

	// 另一个进程的 cookie，必须被拒绝
	foreign := wire.Handle{Cookie: 0x1234123412341234, ID: h.ID}
	c.deliverReply(foreign, "stray")
	select {
	case <-entry.done.WhenClosed():
		t.Fatalf("foreign-cookie reply must not resolve a local pending call")
	default:
	}

	c.deliverReply(h, "real")
	<-entry.done.WhenClosed()
	if entry.result != "real" || entry.err != nil {
		t.Fatalf("expect real delivery, got %v / %v", entry.result, entry.err)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 8, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{10, 2 * time.Second},
		{63, 2 * time.Second}, // 移位溢出也要被封顶
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retry); got != tc.want {
			t.Fatalf("Delay(%d): expect %v, got %v", tc.retry, tc.want, got)
		}
	}
	t.Logf("Pass all the test for RetryPolicy!")
}
