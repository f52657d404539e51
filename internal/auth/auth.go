// Package auth implements the gateway registration handshake.
//
// The gateway drives it through the reserved sys namespace:
//
//	gateway -> sys_reg(time, rand, hash)        challenge
//	agent   <- RegistrationResult               signed with the service key
//	gateway -> sys_regOk(data, time, rand, hash) acknowledgement
//	gateway -> sys_regErr(message)              permanent refusal
//
// Protocol holds no connection state of its own; it reads and flips the
// session's registered and failed flags through the Session interface.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/xdagent/internal/clock"
	"github.com/danmuck/xdagent/internal/rpc"
	"github.com/rs/zerolog"
)

const (
	ProtocolVersion = "v1"
	MaxClockSkew    = 60 * time.Second
	MinRandLen      = 16
)

var (
	ErrIdentityRequired  = errors.New("auth: app and service names required")
	ErrAlreadyRegistered = errors.New("auth: already registered")
	ErrChallengeMismatch = errors.New("auth: challenge hash mismatch")
	ErrClockSkew         = errors.New("auth: timestamp outside window")
	ErrRandTooShort      = errors.New("auth: rand too short")
	ErrAckMismatch       = errors.New("auth: ack hash mismatch")
)

// Identity names the local service and holds the shared key.
type Identity struct {
	App     string
	Service string
	Key     string
}

// RegistrationChallenge opens the handshake.
type RegistrationChallenge struct {
	Time int64  `cbor:"time"`
	Rand string `cbor:"rand"`
	Hash string `cbor:"hash"`
}

func NewChallenge(ts int64, rand string) RegistrationChallenge {
	return RegistrationChallenge{Time: ts, Rand: rand, Hash: ChallengeHash(ts, rand)}
}

// RegistrationResult answers an accepted challenge.
type RegistrationResult struct {
	App     string `cbor:"app"`
	Name    string `cbor:"name"`
	Time    int64  `cbor:"time"`
	Rand    string `cbor:"rand"`
	Version string `cbor:"version"`
	Hash    string `cbor:"hash"`
}

// AckData is the gateway-assigned payload of a regOk. Only serviceId is
// interpreted.
type AckData struct {
	ServiceID uint32 `cbor:"serviceId"`
}

// RegistrationAck finalizes the handshake.
type RegistrationAck struct {
	Data AckData `cbor:"data"`
	Time int64   `cbor:"time"`
	Rand string  `cbor:"rand"`
	Hash string  `cbor:"hash"`
}

// Session is the slice of connection state the protocol may touch.
type Session interface {
	Registered() bool
	MarkRegistered(serviceID uint32)
	SetAuthFailed(failed bool)
	// CloseConn drops the current connection; the session decides what
	// happens next.
	CloseConn()
	// Names lists every invocable method, sys names included.
	Names() []string
}

type Protocol struct {
	id      Identity
	session Session
	clock   clock.Clock
	log     atomic.Pointer[zerolog.Logger]
}

func New(id Identity, session Session, clk clock.Clock, logger zerolog.Logger) (*Protocol, error) {
	if strings.TrimSpace(id.App) == "" || strings.TrimSpace(id.Service) == "" {
		return nil, ErrIdentityRequired
	}
	if clk == nil {
		clk = clock.Real()
	}
	p := &Protocol{id: id, session: session, clock: clk}
	p.SetLogger(logger)
	return p, nil
}

func (p *Protocol) SetLogger(logger zerolog.Logger) {
	p.log.Store(&logger)
}

func (p *Protocol) logger() *zerolog.Logger {
	return p.log.Load()
}

func (p *Protocol) withinWindow(ts int64) bool {
	skew := p.clock.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	return skew <= int64(MaxClockSkew/time.Second)
}

// Reg validates a gateway challenge and signs a result with the current
// time. A failed check leaves the connection open so the gateway can retry.
func (p *Protocol) Reg(ts int64, rand, hash string) (RegistrationResult, error) {
	if p.session.Registered() {
		return RegistrationResult{}, ErrAlreadyRegistered
	}
	p.session.SetAuthFailed(false)

	if !hashEqual(ChallengeHash(ts, rand), hash) {
		p.logger().Warn().Str("service", p.fullName()).Msg("auth.Protocol.Reg challenge hash mismatch")
		return RegistrationResult{}, ErrChallengeMismatch
	}
	if !p.withinWindow(ts) {
		p.logger().Warn().Str("service", p.fullName()).Int64("time", ts).Msg("auth.Protocol.Reg challenge expired")
		return RegistrationResult{}, ErrClockSkew
	}

	now := p.clock.Now().Unix()
	return RegistrationResult{
		App:     p.id.App,
		Name:    p.id.Service,
		Time:    now,
		Rand:    rand,
		Version: ProtocolVersion,
		Hash:    RegistrationHash(p.id.App, p.id.Service, now, rand, p.id.Key),
	}, nil
}

// RegErr records a permanent refusal from the gateway. The session will not
// reconnect on its own afterwards.
func (p *Protocol) RegErr(msg string) {
	p.logger().Error().Str("service", p.fullName()).Str("gateway_message", msg).Msg("auth.Protocol.RegErr registration refused")
	p.session.SetAuthFailed(true)
}

// RegOk completes the handshake. Only a hash mismatch closes the
// connection; stale or weak acknowledgements are ignored.
func (p *Protocol) RegOk(ack RegistrationAck) error {
	if p.session.Registered() {
		return ErrAlreadyRegistered
	}
	if !p.withinWindow(ack.Time) {
		p.logger().Warn().Str("service", p.fullName()).Int64("time", ack.Time).Msg("auth.Protocol.RegOk ack expired")
		return ErrClockSkew
	}
	if len(ack.Rand) < MinRandLen {
		p.logger().Warn().Str("service", p.fullName()).Int("rand_len", len(ack.Rand)).Msg("auth.Protocol.RegOk rand too short")
		return fmt.Errorf("%w: %d < %d", ErrRandTooShort, len(ack.Rand), MinRandLen)
	}
	if !hashEqual(RegistrationHash(p.id.App, p.id.Service, ack.Time, ack.Rand, p.id.Key), ack.Hash) {
		p.logger().Error().Str("service", p.fullName()).Msg("auth.Protocol.RegOk ack hash mismatch, closing")
		p.session.CloseConn()
		return ErrAckMismatch
	}

	p.session.MarkRegistered(ack.Data.ServiceID)
	p.logger().Info().
		Str("service", p.fullName()).
		Uint32("service_id", ack.Data.ServiceID).
		Msg("auth.Protocol.RegOk registered")
	p.logExposure(Summarize(p.session.Names(), p.id.Service))
	return nil
}

func (p *Protocol) Ping() bool {
	return true
}

// GetFunctions lists invocable names once registered, nothing before.
func (p *Protocol) GetFunctions() []string {
	if !p.session.Registered() {
		return []string{}
	}
	return p.session.Names()
}

// Log forwards a gateway-side log line.
func (p *Protocol) Log(msg, kind string, data any) {
	ev := p.logger().Info().Str("source", "gateway")
	if kind != "" {
		ev = ev.Str("kind", kind)
	}
	if data != nil {
		ev = ev.Interface("data", data)
	}
	ev.Msg(msg)
}

func (p *Protocol) fullName() string {
	return p.id.App + "->" + p.id.Service
}

func (p *Protocol) logExposure(e Exposure) {
	log := p.logger()
	log.Info().Strs("functions", e.Sys).Msg("auth.Protocol exposed sys rpc")
	log.Info().Strs("functions", e.Service).Msg("auth.Protocol exposed service rpc")
	if len(e.Other) > 0 {
		log.Warn().Strs("functions", e.Other).Msg("auth.Protocol exposed but never invoked by the gateway")
		log.Warn().Msgf("auth.Protocol add the %q prefix to expose these to the gateway", p.id.Service+rpc.Separator)
	}
}

// Exposure partitions method names by how the gateway will treat them.
type Exposure struct {
	Sys     []string
	Service []string
	Other   []string
}

// Summarize buckets names into sys, the service's own prefix, and the rest.
// Prefixed names render as "rest.of.name()".
func Summarize(names []string, service string) Exposure {
	e := Exposure{Sys: []string{}, Service: []string{}, Other: []string{}}
	for _, name := range names {
		if name == rpc.Wildcard {
			continue
		}
		prefix, fn, ok := rpc.Split(name)
		if !ok {
			e.Other = append(e.Other, name)
			continue
		}
		display := strings.ReplaceAll(fn, rpc.Separator, ".") + "()"
		switch prefix {
		case rpc.SysPrefix:
			e.Sys = append(e.Sys, display)
		case service:
			e.Service = append(e.Service, display)
		default:
			e.Other = append(e.Other, display)
		}
	}
	return e
}
