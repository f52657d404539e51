package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/xdagent/internal/agent"
	"github.com/danmuck/xdagent/internal/clock"
	"github.com/danmuck/xdagent/internal/logging"
	"github.com/danmuck/xdagent/internal/protocol/session"
	"github.com/danmuck/xdagent/internal/server"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "xdagent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	logging.ConfigureRuntime()
	log := logging.New("xdagent")

	var (
		configPath string
		app        string
		service    string
		env        string
		host       string
		port       int
		useTLS     bool
		statusAddr string
	)
	flags := pflag.NewFlagSet("xdagent", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a TOML config file")
	flags.StringVar(&app, "app", "", "application name")
	flags.StringVar(&service, "service", "", "service name, also the exposed method prefix")
	flags.StringVar(&env, "env", "", "gateway environment: local, dev, prod, global")
	flags.StringVar(&host, "host", "", "gateway host (overrides the environment)")
	flags.IntVar(&port, "port", 0, "gateway port (overrides the environment)")
	flags.BoolVar(&useTLS, "tls", false, "use TLS (overrides the environment)")
	flags.StringVar(&statusAddr, "status-addr", "", "serve /health and /metrics on this address")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := defaultRunConfig()
	if configPath != "" {
		loaded, err := loadRunConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyEnv(&cfg)
	if flags.Changed("app") {
		cfg.Agent.AppName = app
	}
	if flags.Changed("service") {
		cfg.Agent.ServiceName = service
	}
	if flags.Changed("env") {
		cfg.Environment = session.Environment(env)
	}
	if flags.Changed("host") {
		cfg.Host = host
	}
	if flags.Changed("port") {
		cfg.Port = port
	}
	if flags.Changed("tls") {
		cfg.TLS = &useTLS
	}
	if flags.Changed("status-addr") {
		cfg.StatusAddr = statusAddr
	}

	clk := clock.Real()
	a, err := agent.New(cfg.Agent, agent.WithLogger(log), agent.WithClock(clk))
	if err != nil {
		return err
	}
	if err := registerBuiltins(a, clk); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gwHost, gwPort, opts, err := cfg.target()
	if err != nil {
		return err
	}
	if err := a.ConnectTo(gwHost, gwPort, opts); err != nil {
		return err
	}

	statusErr := make(chan error, 1)
	if cfg.StatusAddr != "" {
		go func() {
			statusErr <- server.New(cfg.StatusAddr, a, log).Run(ctx)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("xdagent shutting down")
	case err := <-statusErr:
		if err != nil {
			log.Error().Err(err).Msg("xdagent status server failed")
		}
	}
	return a.Close()
}
