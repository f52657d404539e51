package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/xdagent/internal/auth"
	"github.com/danmuck/xdagent/internal/observability"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/google/uuid"
)

// ConnectTo starts connecting to host:port. An empty host or zero port
// falls back to the dev or production gateway per opts. It returns once the
// attempt is scheduled; failures after that are retried, not returned.
func (a *Agent) ConnectTo(host string, port int, opts session.ConnectOptions) error {
	target, err := session.ResolveTarget(host, port, opts)
	if err != nil {
		return err
	}
	sess := a.sess
	sess.TLS.Enabled = opts.TLS
	if err := sess.ValidateClientTransport(); err != nil {
		return err
	}
	if opts.TLS {
		if _, err := sess.ClientTLSConfig(target.Host); err != nil {
			return fmt.Errorf("agent: tls config: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch st := a.machine.State(); st {
	case session.StateDisconnected, session.StateBackoff, session.StateHalted:
	default:
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, st)
	}
	a.timer.Stop()
	a.timer = nil
	a.authFailed = false
	a.target = target
	a.opts = opts
	a.startLocked()
	return nil
}

// ConnectToLocalDev connects without TLS to a gateway on this machine.
func (a *Agent) ConnectToLocalDev(host string, port int) error {
	ep, opts, err := session.Preset(session.EnvLocalDev)
	if err != nil {
		return err
	}
	if host == "" {
		host = ep.Host
	}
	if port == 0 {
		port = ep.Port
	}
	return a.ConnectTo(host, port, opts)
}

func (a *Agent) ConnectToDev() error {
	return a.ConnectToEnvironment(session.EnvDev)
}

func (a *Agent) ConnectToProduction() error {
	return a.ConnectToEnvironment(session.EnvProduction)
}

func (a *Agent) ConnectToGlobal() error {
	return a.ConnectToEnvironment(session.EnvGlobal)
}

func (a *Agent) ConnectToEnvironment(env session.Environment) error {
	ep, opts, err := session.Preset(env)
	if err != nil {
		return err
	}
	return a.ConnectTo(ep.Host, ep.Port, opts)
}

// Close disconnects and cancels any pending reconnect. In-flight handlers
// get up to DrainTimeout to write their replies first.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.gen++
	a.timer.Stop()
	a.timer = nil
	l := a.link
	a.link = nil
	a.registered = false
	a.serviceID = 0
	if a.machine.State() != session.StateDisconnected {
		a.enter(session.StateDisconnected)
	}
	var conn net.Conn
	if l != nil {
		conn = l.conn
	}
	a.mu.Unlock()

	if l == nil {
		return nil
	}
	if !a.inflight.Wait(a.sess.DrainTimeout) {
		a.logger().Warn().
			Int("inflight", a.inflight.Len()).
			Msg("agent.Agent.Close drain timed out")
	}
	l.cancel()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	a.logger().Info().Str("conn_id", l.id).Msg("agent.Agent.Close disconnected")
	return nil
}

// startLocked begins a new connection attempt. a.mu must be held.
func (a *Agent) startLocked() {
	a.gen++
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		agent:  a,
		id:     uuid.NewString(),
		target: a.target,
		opts:   a.opts,
		ctx:    ctx,
		cancel: cancel,
	}
	a.link = l
	a.registered = false
	a.serviceID = 0
	a.enter(session.StateConnecting)
	go a.run(l)
}

func (a *Agent) run(l *link) {
	log := a.linkLogger(l)
	log.Info().
		Str("target", l.target.Address()).
		Bool("tls", l.opts.TLS).
		Msg("agent.Agent.run connecting")

	conn, err := a.dial(l.ctx, l.target, l.opts)
	if err != nil {
		log.Warn().Err(err).Str("target", l.target.Address()).Msg("agent.Agent.run dial failed")
		a.finish(l, err)
		return
	}
	proto, err := auth.New(a.identity(), l, a.clock, log)
	if err != nil {
		_ = conn.Close()
		a.finish(l, err)
		return
	}

	a.mu.Lock()
	if a.link != l {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = conn
	l.proto = proto
	l.sys = proto.Handlers()
	a.enter(session.StateAwaitingRegistration)
	a.mu.Unlock()
	log.Info().Str("target", l.target.Address()).Msg("agent.Agent.run connected, awaiting registration")

	err = a.readLoop(l, conn)
	_ = conn.Close()
	a.finish(l, err)
}

// finish ends l and schedules the next attempt unless the gateway refused
// registration.
func (a *Agent) finish(l *link, err error) {
	l.cancel()
	cause := session.ClassifyClose(err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link != l {
		return
	}
	a.link = nil
	a.registered = false
	a.serviceID = 0
	log := a.linkLogger(l)

	if a.authFailed {
		a.enter(session.StateHalted)
		log.Error().Msg("agent.Agent.finish registration refused by gateway, not reconnecting")
		return
	}

	delay := session.ReconnectDelay(a.sess.Backoff, cause)
	a.enter(session.StateBackoff)
	observability.RecordReconnect(a.cfg.ServiceName, cause.String())
	log.Warn().
		Err(err).
		Str("cause", cause.String()).
		Dur("delay", delay).
		Msg("agent.Agent.finish connection lost, reconnect scheduled")

	gen := a.gen
	a.timer = a.clock.AfterFunc(delay, func() {
		a.reconnect(gen)
	})
}

func (a *Agent) reconnect(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen || a.machine.State() != session.StateBackoff {
		return
	}
	a.timer = nil
	a.startLocked()
}

func (a *Agent) dial(ctx context.Context, target session.Endpoint, opts session.ConnectOptions) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.sess.ConnectTimeout)
	defer cancel()
	raw, err := a.dialer.DialContext(dialCtx, "tcp", target.Address())
	if err != nil {
		return nil, err
	}
	if !opts.TLS {
		return raw, nil
	}

	tlsCfg, err := a.sess.ClientTLSConfig(target.Host)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hsCtx, hsCancel := context.WithTimeout(ctx, a.sess.HandshakeTimeout)
	defer hsCancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}
