package main

import (
	"context"
	"time"

	"github.com/danmuck/xdagent/internal/agent"
	"github.com/danmuck/xdagent/internal/clock"
	"github.com/danmuck/xdagent/internal/rpc"
)

// builtins are the functions every xdagent exposes under its service
// prefix, keyed by alias.
func builtins(clk clock.Clock) map[string]rpc.Handler {
	return map[string]rpc.Handler{
		"echo": func(ctx context.Context, args rpc.Args) (any, error) {
			if args.Len() == 0 {
				return nil, nil
			}
			var v any
			if err := args.Bind(0, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"time": func(ctx context.Context, args rpc.Args) (any, error) {
			now := clk.Now().UTC()
			out := map[string]any{
				"unix":    now.Unix(),
				"rfc3339": now.Format(time.RFC3339),
			}
			if rc, ok := agent.RequestContextFrom(ctx); ok {
				out["request_id"] = rc.RequestID
			}
			return out, nil
		},
	}
}

func registerBuiltins(a *agent.Agent, clk clock.Clock) error {
	for alias, h := range builtins(clk) {
		if err := a.AddWebFunction(alias, h); err != nil {
			return err
		}
	}
	return nil
}
