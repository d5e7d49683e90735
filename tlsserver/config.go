package tlsserver

import (
	"crypto/tls"
	"time"

	"github.com/cyberinferno/securesocket/framer"
	"github.com/cyberinferno/securesocket/proto"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultPort is used when Config.Port is zero or negative.
const DefaultPort = 10001

// Config holds configuration for a Server.
type Config struct {
	// Name identifies the server in logs and metrics.
	Name string
	// Host is the address to listen on; empty listens on every interface.
	Host string
	// Port is the TCP port to listen on.
	Port int
	// MinTLSVersion is the lowest TLS version accepted during the handshake.
	MinTLSVersion uint16
	// HandshakeTimeout bounds the server side TLS handshake; 0 means no timeout.
	HandshakeTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the max duration to wait for data from a session; 0 means no timeout.
	ReadTimeout time.Duration
	// ReadBufferSize is the size of each read from a session.
	ReadBufferSize int
	// MaxFrameSize bounds the text buffered while waiting for a delimiter.
	MaxFrameSize int
	// WelcomeMessage is sent to every session right after its handshake.
	WelcomeMessage string
	// TickInterval is used by StartTicking when it is given no interval.
	TickInterval time.Duration
	// KickHistoryTTL is how long the reason of a kick is remembered.
	KickHistoryTTL time.Duration
	// NoDelay disables Nagle's algorithm on accepted connections.
	NoDelay bool
	// MetricsRegisterer receives the server collectors; nil keeps them private.
	MetricsRegisterer prometheus.Registerer
}

// DefaultConfig returns a Config listening on every interface on port 10001,
// requiring TLS 1.2, ticking every 500ms once ticking is started, and
// greeting sessions with proto.WelcomeText.
//
// Returns:
//   - A Config with defaults: HandshakeTimeout 10s, WriteTimeout 10s,
//     ReadTimeout 0, ReadBufferSize 2048, MaxFrameSize 1 MiB,
//     KickHistoryTTL 10m, NoDelay true.
func DefaultConfig() Config {
	return Config{
		Name:             "securesocket",
		Host:             "",
		Port:             DefaultPort,
		MinTLSVersion:    tls.VersionTLS12,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      0,
		ReadBufferSize:   framer.DefaultReadBufferSize,
		MaxFrameSize:     framer.DefaultMaxFrameSize,
		WelcomeMessage:   proto.WelcomeText,
		TickInterval:     500 * time.Millisecond,
		KickHistoryTTL:   10 * time.Minute,
		NoDelay:          true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MinTLSVersion == 0 {
		c.MinTLSVersion = def.MinTLSVersion
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.KickHistoryTTL <= 0 {
		c.KickHistoryTTL = def.KickHistoryTTL
	}
	return c
}
