package tlsclient

import (
	"crypto/tls"
	"crypto/x509"
	"math/rand"
	"time"

	"github.com/cyberinferno/securesocket/backoff"
	"github.com/cyberinferno/securesocket/certs"
	"github.com/cyberinferno/securesocket/framer"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for a Client.
type Config struct {
	// Name identifies the client in logs and metrics.
	Name string
	// ServerName is the host name or IP the server certificate must be valid
	// for; empty uses the server IP address.
	ServerName string
	// RootCAs are the trusted roots; nil uses the system pool.
	RootCAs *x509.CertPool
	// Trust decides whether to accept the server certificate; nil is certs.Strict.
	Trust certs.TrustPolicy
	// MinTLSVersion is the lowest TLS version offered.
	MinTLSVersion uint16
	// Retry is the reconnect policy.
	Retry backoff.Policy
	// ConnectionTimeout is the max duration for the TCP connect.
	ConnectionTimeout time.Duration
	// HandshakeTimeout is the max duration for the TLS handshake; 0 means no timeout.
	HandshakeTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for data; 0 means no timeout.
	ReadTimeout time.Duration
	// ReadBufferSize is the size of each read from the server.
	ReadBufferSize int
	// MaxFrameSize bounds the text buffered while waiting for a delimiter.
	MaxFrameSize int
	// NoDelay disables Nagle's algorithm.
	NoDelay bool
	// MetricsRegisterer receives the client collectors; nil keeps them private.
	MetricsRegisterer prometheus.Registerer
	// Rand is the jitter source; nil uses a shared source.
	Rand *rand.Rand
}

// DefaultConfig returns a Config with strict certificate verification,
// TLS 1.2 or later, and backoff.DefaultPolicy reconnects.
//
// Returns:
//   - A Config with defaults: ConnectionTimeout 10s, HandshakeTimeout 10s,
//     WriteTimeout 10s, ReadTimeout 0, ReadBufferSize 2048,
//     MaxFrameSize 1 MiB, NoDelay true.
func DefaultConfig() Config {
	return Config{
		Name:              "securesocket",
		Trust:             certs.Strict(),
		MinTLSVersion:     tls.VersionTLS12,
		Retry:             backoff.DefaultPolicy(),
		ConnectionTimeout: 10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       0,
		ReadBufferSize:    framer.DefaultReadBufferSize,
		MaxFrameSize:      framer.DefaultMaxFrameSize,
		NoDelay:           true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Trust == nil {
		c.Trust = def.Trust
	}
	if c.MinTLSVersion == 0 {
		c.MinTLSVersion = def.MinTLSVersion
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	return c
}
