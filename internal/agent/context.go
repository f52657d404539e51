package agent

import (
	"context"
	"net"
	"time"

	"github.com/danmuck/xdagent/internal/protocol/frame"
)

// RequestContext describes the frame a handler is answering.
type RequestContext struct {
	Conn       net.Conn
	ConnID     string
	RequestID  uint32
	AppID      uint32
	ServiceID  uint32
	AdminID    uint32
	Context    []byte
	ReceivedAt time.Time
	// Userdata is private to the handler serving this request.
	Userdata map[string]any
}

func newRequestContext(conn net.Conn, connID string, f frame.Frame, at time.Time) *RequestContext {
	return &RequestContext{
		Conn:       conn,
		ConnID:     connID,
		RequestID:  f.RequestID,
		AppID:      f.AppID,
		ServiceID:  f.ServiceID,
		AdminID:    f.AdminID,
		Context:    f.Context,
		ReceivedAt: at,
		Userdata:   make(map[string]any),
	}
}

type requestContextKey struct{}

func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the request a handler was invoked for.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
