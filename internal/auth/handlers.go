package auth

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/xdagent/internal/rpc"
)

var ErrBadArgument = errors.New("auth: bad argument")

const (
	MethodReg          = "sys_reg"
	MethodRegErr       = "sys_regErr"
	MethodRegOk        = "sys_regOk"
	MethodLog          = "sys_log"
	MethodPing         = "sys_ping"
	MethodGetFunctions = "sys_getFunctions"
)

// Methods lists the sys names Handlers serves, sorted.
func Methods() []string {
	return []string{
		MethodGetFunctions,
		MethodLog,
		MethodPing,
		MethodReg,
		MethodRegErr,
		MethodRegOk,
	}
}

// Handlers exposes the protocol as the sys namespace. Rejections answer
// false rather than an error reply, which is what the gateway expects.
func (p *Protocol) Handlers() map[string]rpc.Handler {
	return map[string]rpc.Handler{
		MethodReg:          p.handleReg,
		MethodRegErr:       p.handleRegErr,
		MethodRegOk:        p.handleRegOk,
		MethodLog:          p.handleLog,
		MethodPing:         p.handlePing,
		MethodGetFunctions: p.handleGetFunctions,
	}
}

func (p *Protocol) handleReg(ctx context.Context, args rpc.Args) (any, error) {
	ts, err := bindUnix(args, 0)
	if err != nil {
		return nil, err
	}
	var rand, hash string
	if err := args.Bind(1, &rand); err != nil {
		return nil, err
	}
	if err := args.Bind(2, &hash); err != nil {
		return nil, err
	}
	res, err := p.Reg(ts, rand, hash)
	if err != nil {
		return false, nil
	}
	return res, nil
}

func (p *Protocol) handleRegErr(ctx context.Context, args rpc.Args) (any, error) {
	var msg string
	if args.Len() > 0 {
		if err := args.Bind(0, &msg); err != nil {
			return nil, err
		}
	}
	p.RegErr(msg)
	return nil, nil
}

func (p *Protocol) handleRegOk(ctx context.Context, args rpc.Args) (any, error) {
	var ack RegistrationAck
	if err := args.Bind(0, &ack.Data); err != nil {
		return nil, err
	}
	ts, err := bindUnix(args, 1)
	if err != nil {
		return nil, err
	}
	ack.Time = ts
	if err := args.Bind(2, &ack.Rand); err != nil {
		return nil, err
	}
	if err := args.Bind(3, &ack.Hash); err != nil {
		return nil, err
	}
	return p.RegOk(ack) == nil, nil
}

func (p *Protocol) handleLog(ctx context.Context, args rpc.Args) (any, error) {
	var msg, kind string
	var data any
	if args.Len() > 0 {
		var raw any
		if err := args.Bind(0, &raw); err != nil {
			return nil, err
		}
		msg = fmt.Sprint(raw)
	}
	if args.Len() > 1 {
		_ = args.Bind(1, &kind)
	}
	if args.Len() > 2 {
		_ = args.Bind(2, &data)
	}
	p.Log(msg, kind, data)
	return nil, nil
}

func (p *Protocol) handlePing(ctx context.Context, args rpc.Args) (any, error) {
	return p.Ping(), nil
}

func (p *Protocol) handleGetFunctions(ctx context.Context, args rpc.Args) (any, error) {
	return p.GetFunctions(), nil
}

// bindUnix accepts integer or float seconds.
func bindUnix(args rpc.Args, i int) (int64, error) {
	var raw any
	if err := args.Bind(i, &raw); err != nil {
		return 0, err
	}
	switch v := raw.(type) {
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("%w: time %d overflows", ErrBadArgument, v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case float32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: time has type %T", ErrBadArgument, raw)
	}
}
