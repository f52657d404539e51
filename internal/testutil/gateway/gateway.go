// Package gateway is a minimal in-process XDApp gateway for tests. It
// accepts agent connections, drives the sys registration handshake, and
// issues calls correlated by request id.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/xdagent/internal/auth"
	"github.com/danmuck/xdagent/internal/protocol/frame"
	"github.com/danmuck/xdagent/internal/rpc"
	"github.com/google/uuid"
)

var (
	ErrPeerClosed     = errors.New("gateway: peer closed")
	ErrRegistration   = errors.New("gateway: registration rejected")
	ErrResultMismatch = errors.New("gateway: registration result hash mismatch")
)

// Gateway listens on loopback, optionally with TLS.
type Gateway struct {
	ln    net.Listener
	peers chan *Peer
}

// Listen starts a gateway on 127.0.0.1 and stops it when t ends.
func Listen(t testing.TB, tlsCfg *tls.Config) *Gateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gateway listen: %v", err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	g := &Gateway{ln: ln, peers: make(chan *Peer, 8)}
	go g.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
	})
	return g
}

func (g *Gateway) acceptLoop() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			close(g.peers)
			return
		}
		g.peers <- NewPeer(conn)
	}
}

// HostPort splits the listen address for ConnectTo.
func (g *Gateway) HostPort() (string, int) {
	host, portRaw, _ := net.SplitHostPort(g.ln.Addr().String())
	port, _ := strconv.Atoi(portRaw)
	return host, port
}

// Accept waits for the next agent connection.
func (g *Gateway) Accept(ctx context.Context) (*Peer, error) {
	select {
	case p, ok := <-g.peers:
		if !ok {
			return nil, net.ErrClosed
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peer is the gateway side of one agent connection.
type Peer struct {
	conn   net.Conn
	reader *frame.Reader

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan frame.Frame
	closed  chan struct{}
	err     error
}

// NewPeer wraps conn and starts reading replies.
func NewPeer(conn net.Conn) *Peer {
	p := &Peer{
		conn:    conn,
		reader:  frame.NewReader(conn, frame.DefaultLimits()),
		pending: make(map[uint32]chan frame.Frame),
		closed:  make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Peer) readLoop() {
	for {
		f, err := p.reader.ReadFrame()
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			close(p.closed)
			return
		}
		p.mu.Lock()
		ch, ok := p.pending[f.RequestID]
		delete(p.pending, f.RequestID)
		p.mu.Unlock()
		if ok {
			ch <- f
		}
	}
}

// Closed is closed once the agent side hangs up.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

// WriteRaw sends bytes as-is, for feeding malformed input.
func (p *Peer) WriteRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(b)
	return err
}

// Request is one outbound call. Zero ids are filled in by Send.
type Request struct {
	AppID     uint32
	ServiceID uint32
	RequestID uint32
	AdminID   uint32
	Context   []byte
	Method    string
	Args      []any
}

// Send writes req and waits for the frame answering it.
func (p *Peer) Send(ctx context.Context, req Request) (frame.Frame, error) {
	body, err := rpc.EncodeCall(req.Method, req.Args...)
	if err != nil {
		return frame.Frame{}, err
	}
	p.mu.Lock()
	if req.RequestID == 0 {
		p.nextID++
		req.RequestID = p.nextID
	}
	ch := make(chan frame.Frame, 1)
	p.pending[req.RequestID] = ch
	p.mu.Unlock()

	raw, err := frame.Frame{
		AppID:     req.AppID,
		ServiceID: req.ServiceID,
		RequestID: req.RequestID,
		AdminID:   req.AdminID,
		Context:   req.Context,
		Body:      body,
	}.MarshalBinary()
	if err != nil {
		return frame.Frame{}, err
	}
	if err := p.WriteRaw(raw); err != nil {
		return frame.Frame{}, err
	}

	select {
	case f := <-ch:
		return f, nil
	case <-p.closed:
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrPeerClosed, p.err)
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
}

// Call sends method with args and decodes the reply body.
func (p *Peer) Call(ctx context.Context, method string, args ...any) (rpc.Reply, error) {
	f, err := p.Send(ctx, Request{Method: method, Args: args})
	if err != nil {
		return rpc.Reply{}, err
	}
	return rpc.DecodeReply(f.Body)
}

// Identity is what the gateway knows about the service it expects.
type Identity struct {
	App       string
	Service   string
	Key       string
	ServiceID uint32
}

// Register runs sys_reg then sys_regOk signed at now.
func (p *Peer) Register(ctx context.Context, id Identity, now time.Time) error {
	ts := now.Unix()
	challengeRand := NewRand()
	reply, err := p.Call(ctx, auth.MethodReg, ts, challengeRand, auth.ChallengeHash(ts, challengeRand))
	if err != nil {
		return err
	}
	var res auth.RegistrationResult
	if err := reply.Bind(&res); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	if res.Hash != auth.RegistrationHash(id.App, id.Service, res.Time, challengeRand, id.Key) {
		return ErrResultMismatch
	}

	ok, err := p.RegOk(ctx, id, ts, NewRand())
	if err != nil {
		return err
	}
	if !ok {
		return ErrRegistration
	}
	return nil
}

// RegOk sends a correctly signed acknowledgement and reports whether the
// agent accepted it.
func (p *Peer) RegOk(ctx context.Context, id Identity, ts int64, rand string) (bool, error) {
	hash := auth.RegistrationHash(id.App, id.Service, ts, rand, id.Key)
	return p.RegOkWithHash(ctx, id.ServiceID, ts, rand, hash)
}

func (p *Peer) RegOkWithHash(ctx context.Context, serviceID uint32, ts int64, rand, hash string) (bool, error) {
	reply, err := p.Call(ctx, auth.MethodRegOk, auth.AckData{ServiceID: serviceID}, ts, rand, hash)
	if err != nil {
		return false, err
	}
	var accepted bool
	if err := reply.Bind(&accepted); err != nil {
		return false, err
	}
	return accepted, nil
}

// NewRand returns a 32 character handshake nonce.
func NewRand() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
