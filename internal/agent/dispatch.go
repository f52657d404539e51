package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/xdagent/internal/observability"
	"github.com/danmuck/xdagent/internal/protocol/frame"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/danmuck/xdagent/internal/rpc"
)

// readLoop pulls frames until the connection fails. A malformed frame
// closes the connection without a reply and counts as a graceful close.
func (a *Agent) readLoop(l *link, conn net.Conn) error {
	log := a.linkLogger(l)
	reader := frame.NewReader(conn, frame.Limits{MaxFrame: a.sess.MaxFrameSize})
	for {
		f, err := reader.ReadFrame()
		if err != nil {
			if frame.IsMalformed(err) {
				observability.RecordDecodeError(a.cfg.ServiceName)
				log.Warn().Err(err).Msg("agent.Agent.readLoop malformed frame, closing")
				_ = conn.Close()
				return nil
			}
			return err
		}
		observability.RecordFrame(a.cfg.ServiceName, observability.DirectionIn)

		if !a.isCurrent(l) {
			log.Debug().Uint32("request_id", f.RequestID).Msg("agent.Agent.readLoop dropping frame after close")
			continue
		}
		rc := newRequestContext(conn, l.id, f, a.clock.Now())
		a.current.Store(rc)
		key := a.inflight.Add(session.PendingRequest{
			RequestID: f.RequestID,
			AppID:     f.AppID,
			StartedAt: rc.ReceivedAt,
		})
		go a.serve(l, conn, f, rc, key)
	}
}

func (a *Agent) isCurrent(l *link) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.link == l
}

// serve answers one frame. It owns the inflight entry for key.
func (a *Agent) serve(l *link, conn net.Conn, req frame.Frame, rc *RequestContext, key uint64) {
	defer a.inflight.Done(key)
	start := time.Now()
	log := a.linkLogger(l).With().Uint32("request_id", req.RequestID).Logger()

	var (
		prefix  string
		outcome = observability.OutcomeOK
		body    []byte
	)
	call, err := rpc.DecodeCall(req.Body)
	if err != nil {
		outcome = observability.OutcomeMalformed
		log.Warn().Err(err).Msg("agent.Agent.serve undecodable call")
		body = rpc.EncodeError(err)
	} else {
		a.inflight.SetMethod(key, call.Method)
		prefix, _, _ = rpc.Split(call.Method)
		ctx := withRequestContext(l.ctx, rc)
		v, callErr := a.dispatch(ctx, l, call).Wait(ctx)
		if callErr == nil {
			body, callErr = rpc.EncodeResult(v)
		}
		if callErr != nil {
			outcome = observability.OutcomeError
			log.Debug().Err(callErr).Str("method", call.Method).Msg("agent.Agent.serve call failed")
			body = rpc.EncodeError(callErr)
		}
	}

	if l.ctx.Err() != nil {
		log.Debug().Msg("agent.Agent.serve connection gone, reply dropped")
		return
	}
	out, err := frame.Encode(frame.Reply(req, body))
	if err != nil {
		log.Error().Err(err).Msg("agent.Agent.serve encode reply")
		return
	}
	if err := l.write(conn, out, a.sess.WriteTimeout); err != nil {
		log.Warn().Err(err).Msg("agent.Agent.serve write failed, closing")
		_ = conn.Close()
		return
	}
	observability.RecordFrame(a.cfg.ServiceName, observability.DirectionOut)
	observability.ObserveDispatch(a.cfg.ServiceName, prefix, outcome, time.Since(start))
}

// dispatch routes sys names to the link's handshake handlers and the rest
// to the registry.
func (a *Agent) dispatch(ctx context.Context, l *link, call rpc.Call) *rpc.Deferred {
	if rpc.IsSys(call.Method) {
		h, ok := l.sys[call.Method]
		if !ok {
			return rpc.Resolved(nil, fmt.Errorf("%w: %s", rpc.ErrMethodNotFound, call.Method))
		}
		return rpc.Invoke(ctx, h, call.Args)
	}
	return a.registry.Dispatch(ctx, call.Method, call.Args)
}
