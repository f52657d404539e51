package session

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	ErrInvalidEnvironment = errors.New("session: invalid environment")
	ErrInvalidPort        = errors.New("session: invalid port")
)

// Endpoint is one gateway address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// Environment names a well-known gateway deployment.
type Environment string

const (
	EnvLocalDev   Environment = "local"
	EnvDev        Environment = "dev"
	EnvProduction Environment = "prod"
	// EnvGlobal is the overseas production gateway. Defaults never select
	// it; only an explicit host/port or ConnectToGlobal reaches it.
	EnvGlobal Environment = "global"
)

var (
	LocalDevServer   = Endpoint{Host: "127.0.0.1", Port: 8061}
	DevServer        = Endpoint{Host: "dev.xdapp.com", Port: 8100}
	ProductionServer = Endpoint{Host: "service-prod.xdapp.com", Port: 8900}
	GlobalServer     = Endpoint{Host: "service-gcp.xdapp.com", Port: 8900}
)

// ConnectOptions selects transport and default target.
type ConnectOptions struct {
	TLS bool
	// LocalDev is informational only.
	LocalDev bool
	Dev      bool
}

// Preset returns the endpoint and options for a named environment.
func Preset(env Environment) (Endpoint, ConnectOptions, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(string(env)))) {
	case EnvLocalDev:
		return LocalDevServer, ConnectOptions{TLS: false, LocalDev: true, Dev: true}, nil
	case EnvDev:
		return DevServer, ConnectOptions{TLS: true, Dev: true}, nil
	case EnvProduction, "":
		return ProductionServer, ConnectOptions{TLS: true}, nil
	case EnvGlobal:
		return GlobalServer, ConnectOptions{TLS: true}, nil
	default:
		return Endpoint{}, ConnectOptions{}, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
}

// ResolveTarget fills an empty host or zero port from the dev or
// production defaults.
func ResolveTarget(host string, port int, opts ConnectOptions) (Endpoint, error) {
	def := ProductionServer
	if opts.Dev {
		def = DevServer
	}
	ep := Endpoint{Host: strings.TrimSpace(host), Port: port}
	if ep.Host == "" {
		ep.Host = def.Host
	}
	if ep.Port == 0 {
		ep.Port = def.Port
	}
	if ep.Port < 0 || ep.Port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %d", ErrInvalidPort, ep.Port)
	}
	return ep, nil
}
