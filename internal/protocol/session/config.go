package session

import "time"

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// BackoffConfig holds the fixed reconnect delays.
type BackoffConfig struct {
	AfterError time.Duration
	AfterClose time.Duration
}

// TLSConfig selects and configures the encrypted transport.
type TLSConfig struct {
	Enabled            bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
	Mutual             bool
	InsecureSkipVerify bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// DrainTimeout bounds how long Close waits for in-flight handlers.
	DrainTimeout time.Duration
	MaxFrameSize int
	Backoff      BackoffConfig
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     15 * time.Second,
		DrainTimeout:     5 * time.Second,
		MaxFrameSize:     16 * 1024 * 1024,
		Backoff: BackoffConfig{
			AfterError: 2 * time.Second,
			AfterClose: time.Second,
		},
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.Backoff.AfterError <= 0 {
		c.Backoff.AfterError = d.Backoff.AfterError
	}
	if c.Backoff.AfterClose <= 0 {
		c.Backoff.AfterClose = d.Backoff.AfterClose
	}
	if c.SecurityMode == "" {
		c.SecurityMode = d.SecurityMode
	}
	return c
}
