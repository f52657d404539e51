package agent

import (
	"context"
	"errors"
	"net"

	"github.com/danmuck/xdagent/internal/clock"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/danmuck/xdagent/internal/rpc"
	"github.com/rs/zerolog"
)

var (
	ErrAppNameRequired     = errors.New("agent: app name required")
	ErrServiceNameRequired = errors.New("agent: service name required")
	ErrInvalidServiceName  = errors.New("agent: service name must not contain the method separator")
	ErrReservedName        = errors.New("agent: sys namespace is reserved")
	ErrAlreadyConnected    = errors.New("agent: connection already active")
)

// Config identifies the service to the gateway.
type Config struct {
	AppName     string
	ServiceName string
	ServiceKey  string
	Session     session.Config
}

// Registry is the method table the agent dispatches non-sys calls to.
// *rpc.Registry is the default.
type Registry interface {
	Register(name string, h rpc.Handler) error
	Dispatch(ctx context.Context, name string, args rpc.Args) *rpc.Deferred
	Names() []string
}

// Dialer opens the raw transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Agent)

// WithLogger sets the sink for everything the agent logs.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Agent) {
		a.log.Store(&logger)
	}
}

func WithClock(clk clock.Clock) Option {
	return func(a *Agent) {
		if clk != nil {
			a.clock = clk
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(a *Agent) {
		if d != nil {
			a.dialer = d
		}
	}
}

func WithRegistry(r Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.registry = r
		}
	}
}
