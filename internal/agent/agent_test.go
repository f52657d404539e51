package agent

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/xdagent/internal/auth"
	"github.com/danmuck/xdagent/internal/clock"
	"github.com/danmuck/xdagent/internal/protocol/frame"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/danmuck/xdagent/internal/rpc"
	"github.com/danmuck/xdagent/internal/testutil/gateway"
	"github.com/danmuck/xdagent/internal/testutil/testlog"
	"github.com/danmuck/xdagent/internal/testutil/tlstest"
)

var epoch = time.Unix(1700000000, 0)

var testIdentity = gateway.Identity{
	App:       "shop",
	Service:   "orders",
	Key:       "s3cret",
	ServiceID: 9,
}

var errDialRefused = errors.New("dial refused")

// pipeDialer hands the agent one end of a net.Pipe and the test the other.
type pipeDialer struct {
	mu    sync.Mutex
	fail  int
	dials int
	peers chan *gateway.Peer
}

func newPipeDialer(fail int) *pipeDialer {
	return &pipeDialer{fail: fail, peers: make(chan *gateway.Peer, 4)}
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.fail > 0 {
		d.fail--
		d.mu.Unlock()
		return nil, errDialRefused
	}
	d.mu.Unlock()
	client, server := net.Pipe()
	d.peers <- gateway.NewPeer(server)
	return client, nil
}

func (d *pipeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *pipeDialer) next(t *testing.T) *gateway.Peer {
	t.Helper()
	select {
	case p := <-d.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no dial within timeout")
		return nil
	}
}

func (d *pipeDialer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case <-d.peers:
		t.Fatalf("unexpected dial")
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestAgent(t *testing.T, d Dialer, clk clock.Clock) *Agent {
	t.Helper()
	a, err := New(Config{
		AppName:     testIdentity.App,
		ServiceName: testIdentity.Service,
		ServiceKey:  testIdentity.Key,
	}, WithDialer(d), WithClock(clk))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echo(ctx context.Context, args rpc.Args) (any, error) {
	var s string
	if err := args.Bind(0, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func TestNewValidatesIdentity(t *testing.T) {
	testlog.Start(t)
	if _, err := New(Config{ServiceName: "orders"}); !errors.Is(err, ErrAppNameRequired) {
		t.Fatalf("expected ErrAppNameRequired got=%v", err)
	}
	if _, err := New(Config{AppName: "shop"}); !errors.Is(err, ErrServiceNameRequired) {
		t.Fatalf("expected ErrServiceNameRequired got=%v", err)
	}
	if _, err := New(Config{AppName: "shop", ServiceName: "my_orders"}); !errors.Is(err, ErrInvalidServiceName) {
		t.Fatalf("expected ErrInvalidServiceName got=%v", err)
	}
}

func TestAddFunctionNamespaces(t *testing.T) {
	testlog.Start(t)
	a := newTestAgent(t, newPipeDialer(0), clock.Fake(epoch))
	if err := a.AddWebFunction("echo", echo); err != nil {
		t.Fatalf("add web function: %v", err)
	}
	if err := a.AddFunction("legacy", echo); err != nil {
		t.Fatalf("add function: %v", err)
	}
	if err := a.AddFunction("sys_reg", echo); !errors.Is(err, ErrReservedName) {
		t.Fatalf("expected ErrReservedName got=%v", err)
	}
	if err := a.AddWebFunction("echo", echo); !errors.Is(err, rpc.ErrDuplicateMethod) {
		t.Fatalf("expected ErrDuplicateMethod got=%v", err)
	}

	names := a.Names()
	want := map[string]bool{"orders_echo": false, "legacy": false, auth.MethodReg: false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("missing %s in names=%v", n, names)
		}
	}
}

func TestRegisterAndServeCall(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)

	seen := make(chan *RequestContext, 1)
	if err := a.AddWebFunction("echo", func(ctx context.Context, args rpc.Args) (any, error) {
		rc, ok := RequestContextFrom(ctx)
		if !ok {
			return nil, errors.New("missing request context")
		}
		seen <- rc
		return echo(ctx, args)
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	ctx := testContext(t)

	if err := peer.Register(ctx, testIdentity, clk.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !a.Registered() || a.ServiceID() != 9 || a.State() != session.StateRegistered {
		t.Fatalf("unexpected session registered=%v id=%d state=%s", a.Registered(), a.ServiceID(), a.State())
	}

	resp, err := peer.Send(ctx, gateway.Request{
		AppID:     3,
		ServiceID: 9,
		RequestID: 77,
		AdminID:   5,
		Context:   []byte("trace=1"),
		Method:    "orders_echo",
		Args:      []any{"hi"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.AppID != 3 || resp.ServiceID != 9 || resp.RequestID != 77 || resp.AdminID != 5 {
		t.Fatalf("correlation ids not preserved got=%+v", resp)
	}
	if string(resp.Context) != "trace=1" {
		t.Fatalf("context not preserved got=%q", resp.Context)
	}
	if !resp.IsResult() || !resp.HasFlag(frame.FlagFinish) {
		t.Fatalf("response flags got=%#x", resp.Flag)
	}
	reply, err := rpc.DecodeReply(resp.Body)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	var got string
	if err := reply.Bind(&got); err != nil || got != "hi" {
		t.Fatalf("echo got=%q err=%v", got, err)
	}

	rc := <-seen
	if rc.RequestID != 77 || rc.AdminID != 5 {
		t.Fatalf("handler context got=%+v", rc)
	}
	if cur := a.CurrentContext(); cur == nil || cur.RequestID != 77 {
		t.Fatalf("current context got=%+v", cur)
	}
	if st := a.Status(); st.Target != "127.0.0.1:8061" || st.TLS || st.ConnID == "" {
		t.Fatalf("status got=%+v", st)
	}
}

func TestUnknownMethodAnswersError(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	ctx := testContext(t)

	reply, err := peer.Call(ctx, "orders_missing")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Error == "" {
		t.Fatalf("expected error reply")
	}
	reply, err = peer.Call(ctx, "sys_nope")
	if err != nil || reply.Error == "" {
		t.Fatalf("unknown sys method reply=%+v err=%v", reply, err)
	}
}

func TestDeferredReplyDoesNotBlockIngestion(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)

	slow := rpc.NewDeferred()
	if err := a.AddWebFunction("slow", func(ctx context.Context, args rpc.Args) (any, error) {
		return slow, nil
	}); err != nil {
		t.Fatalf("add slow: %v", err)
	}
	if err := a.AddWebFunction("echo", echo); err != nil {
		t.Fatalf("add echo: %v", err)
	}
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	ctx := testContext(t)

	slowDone := make(chan frame.Frame, 1)
	go func() {
		f, err := peer.Send(ctx, gateway.Request{RequestID: 100, Method: "orders_slow"})
		if err == nil {
			slowDone <- f
		}
	}()
	waitFor(t, "slow request in flight", func() bool { return len(a.Inflight()) == 1 })

	fast, err := peer.Send(ctx, gateway.Request{RequestID: 200, Method: "orders_echo", Args: []any{"fast"}})
	if err != nil {
		t.Fatalf("fast send: %v", err)
	}
	if fast.RequestID != 200 {
		t.Fatalf("fast reply request id got=%d", fast.RequestID)
	}
	select {
	case <-slowDone:
		t.Fatalf("slow reply arrived before resolve")
	default:
	}

	if err := slow.Resolve("late"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	select {
	case f := <-slowDone:
		if f.RequestID != 100 {
			t.Fatalf("slow reply request id got=%d", f.RequestID)
		}
		reply, _ := rpc.DecodeReply(f.Body)
		var got string
		if err := reply.Bind(&got); err != nil || got != "late" {
			t.Fatalf("slow result got=%q err=%v", got, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("slow reply never arrived")
	}
}

func TestReconnectAfterDialErrorWaitsTwoSeconds(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(1)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}

	clk.WaitForTimers(1)
	if a.State() != session.StateBackoff {
		t.Fatalf("state got=%s", a.State())
	}
	clk.Advance(1999 * time.Millisecond)
	d.expectNone(t)
	if d.count() != 1 {
		t.Fatalf("dial count before deadline got=%d", d.count())
	}
	clk.Advance(time.Millisecond)
	d.next(t)
	if d.count() != 2 {
		t.Fatalf("dial count after deadline got=%d", d.count())
	}
}

func TestReconnectAfterCloseWaitsOneSecond(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	if err := peer.Register(testContext(t), testIdentity, clk.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	_ = peer.Close()

	clk.WaitForTimers(1)
	if a.State() != session.StateBackoff || a.Registered() {
		t.Fatalf("state got=%s registered=%v", a.State(), a.Registered())
	}
	clk.Advance(999 * time.Millisecond)
	d.expectNone(t)
	clk.Advance(time.Millisecond)
	d.next(t)
}

func TestRegErrHaltsReconnect(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	if _, err := peer.Call(testContext(t), auth.MethodRegErr, "service key revoked"); err != nil {
		t.Fatalf("regErr: %v", err)
	}
	_ = peer.Close()

	waitFor(t, "halted", func() bool { return a.State() == session.StateHalted })
	if clk.PendingCount() != 0 {
		t.Fatalf("reconnect timer scheduled after regErr")
	}
	clk.Advance(10 * time.Second)
	d.expectNone(t)
	if !a.Status().AuthFailed {
		t.Fatalf("status should report auth failure")
	}

	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("explicit reconnect: %v", err)
	}
	d.next(t)
	if a.Status().AuthFailed {
		t.Fatalf("explicit connect should clear auth failure")
	}
}

func TestAckHashMismatchClosesConnection(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)

	_, err := peer.RegOkWithHash(testContext(t), 9, clk.Now().Unix(), gateway.NewRand(), "0000")
	if !errors.Is(err, gateway.ErrPeerClosed) {
		t.Fatalf("expected closed connection got=%v", err)
	}
	if a.Registered() {
		t.Fatalf("registered after ack mismatch")
	}
	clk.WaitForTimers(1)
	if a.State() != session.StateBackoff {
		t.Fatalf("state got=%s", a.State())
	}
}

func TestShortRandRejectedWithoutClose(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	ctx := testContext(t)

	ok, err := peer.RegOk(ctx, testIdentity, clk.Now().Unix(), "0123456789")
	if err != nil || ok {
		t.Fatalf("short rand accepted=%v err=%v", ok, err)
	}
	if a.Registered() || a.State() != session.StateAwaitingRegistration {
		t.Fatalf("state changed got=%s", a.State())
	}
	if err := peer.Register(ctx, testIdentity, clk.Now()); err != nil {
		t.Fatalf("register after rejection: %v", err)
	}
}

func TestMalformedFrameClosesWithoutReply(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)

	raw, err := frame.Frame{RequestID: 1, Body: []byte("x")}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	raw[1] = 9
	if err := peer.WriteRaw(raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-peer.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("agent kept the connection open")
	}
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	d.next(t)
}

func TestConnectWhileActiveFails(t *testing.T) {
	testlog.Start(t)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clock.Fake(epoch))
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	d.next(t)
	if err := a.ConnectToLocalDev("", 0); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected got=%v", err)
	}
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(1)
	a := newTestAgent(t, d, clk)
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	clk.WaitForTimers(1)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.State() != session.StateDisconnected {
		t.Fatalf("state got=%s", a.State())
	}
	if clk.PendingCount() != 0 {
		t.Fatalf("timer still pending after close")
	}
	clk.Advance(5 * time.Second)
	d.expectNone(t)
}

func TestCloseDrainsInflight(t *testing.T) {
	testlog.Start(t)
	clk := clock.Fake(epoch)
	d := newPipeDialer(0)
	a := newTestAgent(t, d, clk)

	release := make(chan struct{})
	if err := a.AddWebFunction("block", func(ctx context.Context, args rpc.Args) (any, error) {
		<-release
		return "done", nil
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := a.ConnectToLocalDev("", 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	peer := d.next(t)
	ctx := testContext(t)

	replied := make(chan error, 1)
	go func() {
		_, err := peer.Call(ctx, "orders_block")
		replied <- err
	}()
	waitFor(t, "request in flight", func() bool { return len(a.Inflight()) == 1 })

	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case <-closed:
		t.Fatalf("close returned with a request in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-replied; err != nil {
		t.Fatalf("in-flight reply lost: %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestConnectOverTLS(t *testing.T) {
	testlog.Start(t)
	bundle := tlstest.NewBundle(t, "127.0.0.1")
	gw := gateway.Listen(t, bundle.Server)
	host, port := gw.HostPort()

	cfg := session.DefaultConfig()
	cfg.TLS = session.TLSConfig{
		CAFile:   bundle.CAFile,
		Mutual:   true,
		CertFile: bundle.ClientCertFile,
		KeyFile:  bundle.ClientKeyFile,
	}
	a, err := New(Config{
		AppName:     testIdentity.App,
		ServiceName: testIdentity.Service,
		ServiceKey:  testIdentity.Key,
		Session:     cfg,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.AddWebFunction("echo", echo); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := a.ConnectTo(host, port, session.ConnectOptions{TLS: true}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ctx := testContext(t)
	peer, err := gw.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := peer.Register(ctx, testIdentity, time.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	reply, err := peer.Call(ctx, "orders_echo", "over tls")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var got string
	if err := reply.Bind(&got); err != nil || got != "over tls" {
		t.Fatalf("echo got=%q err=%v", got, err)
	}
	if !a.Status().TLS {
		t.Fatalf("status should report tls")
	}

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-peer.Closed():
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway never saw the close")
	}
}

func TestConnectRejectsBadTLSConfig(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.TLS.CAFile = "/nonexistent/ca.pem"
	a, err := New(Config{AppName: "shop", ServiceName: "orders", Session: cfg}, WithDialer(newPipeDialer(0)))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	if err := a.ConnectTo("gw.local", 9000, session.ConnectOptions{TLS: true}); err == nil {
		t.Fatalf("expected tls config error")
	}
	if a.State() != session.StateDisconnected {
		t.Fatalf("state got=%s", a.State())
	}
}
