// Package agent connects a local service to an XDApp gateway.
//
// An Agent owns one connection at a time. It dials the gateway, waits for
// the gateway to drive the sys registration handshake, then serves every
// inbound frame on its own goroutine and writes the reply with the
// request's correlation ids. Lost connections are retried on a fixed delay
// unless the gateway refused registration.
package agent

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/xdagent/internal/auth"
	"github.com/danmuck/xdagent/internal/clock"
	"github.com/danmuck/xdagent/internal/logging"
	"github.com/danmuck/xdagent/internal/observability"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/danmuck/xdagent/internal/rpc"
	"github.com/rs/zerolog"
)

type Agent struct {
	cfg      Config
	sess     session.Config
	log      atomic.Pointer[zerolog.Logger]
	clock    clock.Clock
	dialer   Dialer
	registry Registry
	machine  *session.Machine
	inflight *session.Inflight
	current  atomic.Pointer[RequestContext]

	mu         sync.Mutex
	gen        uint64
	link       *link
	target     session.Endpoint
	opts       session.ConnectOptions
	registered bool
	authFailed bool
	serviceID  uint32
	timer      *clock.Timer
}

// Status is a point-in-time view of the session.
type Status struct {
	App        string `json:"app"`
	Service    string `json:"service"`
	State      string `json:"state"`
	Registered bool   `json:"registered"`
	AuthFailed bool   `json:"auth_failed"`
	ServiceID  uint32 `json:"service_id"`
	Target     string `json:"target,omitempty"`
	TLS        bool   `json:"tls"`
	ConnID     string `json:"conn_id,omitempty"`
	Inflight   int    `json:"inflight"`
}

func New(cfg Config, opts ...Option) (*Agent, error) {
	cfg.AppName = strings.TrimSpace(cfg.AppName)
	cfg.ServiceName = strings.TrimSpace(cfg.ServiceName)
	if cfg.AppName == "" {
		return nil, ErrAppNameRequired
	}
	if cfg.ServiceName == "" {
		return nil, ErrServiceNameRequired
	}
	if strings.Contains(cfg.ServiceName, rpc.Separator) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidServiceName, cfg.ServiceName)
	}

	a := &Agent{
		cfg:      cfg,
		sess:     cfg.Session.WithDefaults(),
		clock:    clock.Real(),
		dialer:   &net.Dialer{},
		registry: rpc.NewRegistry(),
		inflight: session.NewInflight(),
	}
	logger := logging.New("agent").With().
		Str("app", cfg.AppName).
		Str("service", cfg.ServiceName).
		Logger()
	a.log.Store(&logger)
	for _, opt := range opts {
		opt(a)
	}
	a.machine = session.NewMachine(a.onEnter)
	return a, nil
}

func (a *Agent) logger() *zerolog.Logger {
	return a.log.Load()
}

// SetLogger replaces the log sink, including for the live connection.
func (a *Agent) SetLogger(logger zerolog.Logger) {
	a.log.Store(&logger)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link != nil && a.link.proto != nil {
		a.link.proto.SetLogger(a.linkLogger(a.link))
	}
}

func (a *Agent) linkLogger(l *link) zerolog.Logger {
	return a.logger().With().Str("conn_id", l.id).Logger()
}

func (a *Agent) identity() auth.Identity {
	return auth.Identity{App: a.cfg.AppName, Service: a.cfg.ServiceName, Key: a.cfg.ServiceKey}
}

// AddWebFunction exposes h to the gateway as "<service>_<alias>".
func (a *Agent) AddWebFunction(alias string, h rpc.Handler) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return rpc.ErrInvalidName
	}
	return a.AddFunction(rpc.Join(a.cfg.ServiceName, alias), h)
}

// AddFunction registers h under name as-is. Names outside the service's
// prefix are invocable but the gateway never routes to them.
func (a *Agent) AddFunction(name string, h rpc.Handler) error {
	if rpc.IsSys(name) {
		return fmt.Errorf("%w: %s", ErrReservedName, name)
	}
	return a.registry.Register(name, h)
}

// Names lists every invocable method, sys included, sorted.
func (a *Agent) Names() []string {
	names := append(auth.Methods(), a.registry.Names()...)
	sort.Strings(names)
	return names
}

func (a *Agent) State() session.State {
	return a.machine.State()
}

func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// ServiceID is the gateway-assigned id, zero until registered.
func (a *Agent) ServiceID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serviceID
}

// CurrentContext returns the context of the most recently received frame.
// With concurrent requests this is not necessarily the caller's own; use
// RequestContextFrom inside handlers.
func (a *Agent) CurrentContext() *RequestContext {
	return a.current.Load()
}

func (a *Agent) Inflight() []session.PendingRequest {
	return a.inflight.List()
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		App:        a.cfg.AppName,
		Service:    a.cfg.ServiceName,
		State:      a.machine.State().String(),
		Registered: a.registered,
		AuthFailed: a.authFailed,
		ServiceID:  a.serviceID,
		TLS:        a.opts.TLS,
		Inflight:   a.inflight.Len(),
	}
	if a.target.Host != "" {
		st.Target = a.target.Address()
	}
	if a.link != nil {
		st.ConnID = a.link.id
	}
	return st
}

func (a *Agent) onEnter(from, to session.State) {
	a.logger().Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("agent.Agent state")
	observability.RecordTransition(a.cfg.ServiceName, from.String(), to.String())
}

// enter must be called with a.mu held.
func (a *Agent) enter(to session.State) {
	if err := a.machine.Transition(to); err != nil {
		a.logger().Error().Err(err).Msg("agent.Agent.enter")
	}
}
