package agent

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/danmuck/xdagent/internal/auth"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/danmuck/xdagent/internal/rpc"
)

// link is one connection attempt. Callbacks from a superseded link find
// a.link != l and do nothing.
type link struct {
	agent  *Agent
	id     string
	target session.Endpoint
	opts   session.ConnectOptions
	ctx    context.Context
	cancel context.CancelFunc

	// set once dialed, under agent.mu
	conn  net.Conn
	proto *auth.Protocol
	sys   map[string]rpc.Handler

	writeMu sync.Mutex
}

var _ auth.Session = (*link)(nil)

func (l *link) Registered() bool {
	a := l.agent
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link == l && a.registered
}

func (l *link) MarkRegistered(serviceID uint32) {
	a := l.agent
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link != l || a.registered {
		return
	}
	a.registered = true
	a.serviceID = serviceID
	a.enter(session.StateRegistered)
}

func (l *link) SetAuthFailed(failed bool) {
	a := l.agent
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link == l {
		a.authFailed = failed
	}
}

func (l *link) CloseConn() {
	a := l.agent
	a.mu.Lock()
	conn := l.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *link) Names() []string {
	return l.agent.Names()
}

// write sends one encoded frame. Concurrent replies never interleave.
func (l *link) write(conn net.Conn, b []byte, timeout time.Duration) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := conn.Write(b)
	return err
}
