package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/xdagent/internal/agent"
	"github.com/danmuck/xdagent/internal/protocol/session"
)

// runConfig is everything main needs after files and flags are merged.
type runConfig struct {
	Agent       agent.Config
	Environment session.Environment
	Host        string
	Port        int
	// TLS overrides the environment's transport when set.
	TLS        *bool
	StatusAddr string
}

type fileConfig struct {
	App                string `toml:"app"`
	Service            string `toml:"service"`
	Key                string `toml:"key"`
	Environment        string `toml:"environment"`
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	TLS                bool   `toml:"tls"`
	StatusAddr         string `toml:"status_addr"`
	SecurityMode       string `toml:"security_mode"`
	ServerName         string `toml:"tls_server_name"`
	CAFile             string `toml:"tls_ca_file"`
	CertFile           string `toml:"tls_cert_file"`
	KeyFile            string `toml:"tls_key_file"`
	Mutual             bool   `toml:"tls_mutual"`
	InsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
	ConnectTimeout     string `toml:"connect_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	DrainTimeout       string `toml:"drain_timeout"`
}

const envServiceKey = "XDAGENT_SERVICE_KEY"

func defaultRunConfig() runConfig {
	return runConfig{
		Agent: agent.Config{
			Session: session.DefaultConfig(),
		},
		Environment: session.EnvProduction,
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load xdagent config: %w", err)
	}

	if meta.IsDefined("app") {
		cfg.Agent.AppName = strings.TrimSpace(raw.App)
	}
	if meta.IsDefined("service") {
		cfg.Agent.ServiceName = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("key") {
		cfg.Agent.ServiceKey = raw.Key
	}
	if meta.IsDefined("environment") {
		cfg.Environment = session.Environment(strings.TrimSpace(raw.Environment))
		if _, _, err := session.Preset(cfg.Environment); err != nil {
			return runConfig{}, err
		}
	}
	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("tls") {
		v := raw.TLS
		cfg.TLS = &v
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}

	sess := &cfg.Agent.Session
	if meta.IsDefined("security_mode") {
		sess.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("tls_server_name") {
		sess.TLS.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("tls_ca_file") {
		sess.TLS.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		sess.TLS.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("tls_key_file") {
		sess.TLS.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("tls_mutual") {
		sess.TLS.Mutual = raw.Mutual
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		sess.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &sess.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &sess.WriteTimeout},
		{"drain_timeout", raw.DrainTimeout, &sess.DrainTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return runConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

// applyEnv lets the service key stay out of config files.
func applyEnv(cfg *runConfig) {
	if key, ok := os.LookupEnv(envServiceKey); ok && key != "" {
		cfg.Agent.ServiceKey = key
	}
}

// target resolves where to connect from the environment preset plus any
// explicit overrides.
func (c runConfig) target() (string, int, session.ConnectOptions, error) {
	ep, opts, err := session.Preset(c.Environment)
	if err != nil {
		return "", 0, session.ConnectOptions{}, err
	}
	host, port := ep.Host, ep.Port
	if c.Host != "" {
		host = c.Host
	}
	if c.Port != 0 {
		port = c.Port
	}
	if c.TLS != nil {
		opts.TLS = *c.TLS
	}
	return host, port, opts, nil
}
