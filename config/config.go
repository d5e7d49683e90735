// Package config loads the securesocket binary's TOML configuration file.
// Keys that are absent keep their defaults; durations are Go duration
// strings such as "500ms" or "3s".
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cyberinferno/securesocket/backoff"
	"github.com/cyberinferno/securesocket/certs"
	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/tlsclient"
	"github.com/cyberinferno/securesocket/tlsserver"
)

var (
	ErrNoServerCertificate = errors.New("config: server needs cert_file and key_file or pfx_file")
	ErrNoCAs               = errors.New("config: ca_file holds no certificates")
)

// Config is the whole configuration file.
type Config struct {
	LogLevel string
	Server   Server
	Client   Client
	Relay    Relay
	Metrics  Metrics
}

// Server is the [server] table.
type Server struct {
	Name             string
	Host             string
	Port             int
	CertFile         string
	KeyFile          string
	PFXFile          string
	PFXPassphrase    string
	MinTLSVersion    uint16
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxFrameSize     int
	WelcomeMessage   string
	Tick             bool
	TickInterval     time.Duration
	KickHistoryTTL   time.Duration
}

// Client is the [client] table.
type Client struct {
	Name              string
	Address           string
	Port              int
	ServerName        string
	CAFile            string
	AcceptAnyServer   bool
	MinTLSVersion     uint16
	Retry             backoff.Policy
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	MaxFrameSize      int
}

// Relay is the [relay] table.
type Relay struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
	Origin   string
}

// Metrics is the [metrics] table.
type Metrics struct {
	Enabled bool
	Addr    string
	Path    string
}

// Default returns the configuration used when no file is given.
func Default() Config {
	srv := tlsserver.DefaultConfig()
	cli := tlsclient.DefaultConfig()
	host, _ := os.Hostname()

	return Config{
		LogLevel: "info",
		Server: Server{
			Name:             srv.Name,
			Host:             srv.Host,
			Port:             srv.Port,
			MinTLSVersion:    srv.MinTLSVersion,
			HandshakeTimeout: srv.HandshakeTimeout,
			WriteTimeout:     srv.WriteTimeout,
			ReadTimeout:      srv.ReadTimeout,
			MaxFrameSize:     srv.MaxFrameSize,
			WelcomeMessage:   srv.WelcomeMessage,
			TickInterval:     srv.TickInterval,
			KickHistoryTTL:   srv.KickHistoryTTL,
		},
		Client: Client{
			Name:              cli.Name,
			Address:           "127.0.0.1",
			Port:              tlsserver.DefaultPort,
			MinTLSVersion:     cli.MinTLSVersion,
			Retry:             cli.Retry,
			ConnectionTimeout: cli.ConnectionTimeout,
			HandshakeTimeout:  cli.HandshakeTimeout,
			WriteTimeout:      cli.WriteTimeout,
			ReadTimeout:       cli.ReadTimeout,
			MaxFrameSize:      cli.MaxFrameSize,
		},
		Relay: Relay{
			Addr:    "127.0.0.1:6379",
			Channel: "securesocket:broadcast",
			Origin:  host,
		},
		Metrics: Metrics{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// ServerConfig converts the [server] table.
func (s Server) ServerConfig() tlsserver.Config {
	cfg := tlsserver.DefaultConfig()
	cfg.Name = s.Name
	cfg.Host = s.Host
	cfg.Port = s.Port
	cfg.MinTLSVersion = s.MinTLSVersion
	cfg.HandshakeTimeout = s.HandshakeTimeout
	cfg.WriteTimeout = s.WriteTimeout
	cfg.ReadTimeout = s.ReadTimeout
	cfg.MaxFrameSize = s.MaxFrameSize
	cfg.WelcomeMessage = s.WelcomeMessage
	cfg.TickInterval = s.TickInterval
	cfg.KickHistoryTTL = s.KickHistoryTTL
	return cfg
}

// CertSource returns the certificate source named by the [server] table.
// A PKCS#12 bundle takes precedence over a PEM pair.
func (s Server) CertSource() (certs.Source, error) {
	switch {
	case s.PFXFile != "":
		return certs.PKCS12File{Path: s.PFXFile, Passphrase: s.PFXPassphrase}, nil
	case s.CertFile != "" && s.KeyFile != "":
		return certs.PEMFiles{CertFile: s.CertFile, KeyFile: s.KeyFile}, nil
	default:
		return nil, ErrNoServerCertificate
	}
}

// ClientConfig converts the [client] table, loading CAFile if set.
//
// Parameters:
//   - log: Logger for the accept-any trust policy warnings
//
// Returns:
//   - The client configuration
//   - An error if CAFile cannot be read or holds no certificates
func (c Client) ClientConfig(log logger.Logger) (tlsclient.Config, error) {
	cfg := tlsclient.DefaultConfig()
	cfg.Name = c.Name
	cfg.ServerName = c.ServerName
	cfg.MinTLSVersion = c.MinTLSVersion
	cfg.Retry = c.Retry
	cfg.ConnectionTimeout = c.ConnectionTimeout
	cfg.HandshakeTimeout = c.HandshakeTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.ReadTimeout = c.ReadTimeout
	cfg.MaxFrameSize = c.MaxFrameSize

	if c.AcceptAnyServer {
		cfg.Trust = certs.AcceptAll(log)
	}

	if c.CAFile != "" {
		data, err := os.ReadFile(filepath.Clean(c.CAFile))
		if err != nil {
			return tlsclient.Config{}, fmt.Errorf("config: read ca_file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return tlsclient.Config{}, fmt.Errorf("%w: %s", ErrNoCAs, c.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

type fileConfig struct {
	LogLevel string       `toml:"log_level"`
	Server   serverTable  `toml:"server"`
	Client   clientTable  `toml:"client"`
	Relay    relayTable   `toml:"relay"`
	Metrics  metricsTable `toml:"metrics"`
}

type serverTable struct {
	Name             string `toml:"name"`
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	CertFile         string `toml:"cert_file"`
	KeyFile          string `toml:"key_file"`
	PFXFile          string `toml:"pfx_file"`
	PFXPassphrase    string `toml:"pfx_passphrase"`
	MinTLSVersion    string `toml:"min_tls_version"`
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteTimeout     string `toml:"write_timeout"`
	ReadTimeout      string `toml:"read_timeout"`
	MaxFrameSize     int    `toml:"max_frame_size"`
	WelcomeMessage   string `toml:"welcome_message"`
	Tick             bool   `toml:"tick"`
	TickInterval     string `toml:"tick_interval"`
	KickHistoryTTL   string `toml:"kick_history_ttl"`
}

type clientTable struct {
	Name              string `toml:"name"`
	Address           string `toml:"address"`
	Port              int    `toml:"port"`
	ServerName        string `toml:"server_name"`
	CAFile            string `toml:"ca_file"`
	AcceptAnyServer   bool   `toml:"accept_any_server"`
	MinTLSVersion     string `toml:"min_tls_version"`
	Retry             bool   `toml:"retry"`
	MaxAttempts       int    `toml:"max_attempts"`
	RetryDelay        string `toml:"retry_delay"`
	RetryVariance     string `toml:"retry_variance"`
	ConnectionTimeout string `toml:"connection_timeout"`
	HandshakeTimeout  string `toml:"handshake_timeout"`
	WriteTimeout      string `toml:"write_timeout"`
	ReadTimeout       string `toml:"read_timeout"`
	MaxFrameSize      int    `toml:"max_frame_size"`
}

type relayTable struct {
	Enabled  bool   `toml:"enabled"`
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
	Origin   string `toml:"origin"`
}

type metricsTable struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Load reads path on top of Default.
//
// Parameters:
//   - path: TOML file to read
//
// Returns:
//   - The merged configuration
//   - An error if the file cannot be parsed or a value is invalid
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	return apply(Default(), raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return apply(Default(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	b := binder{meta: meta}

	b.setString(&cfg.LogLevel, raw.LogLevel, "log_level")

	s := raw.Server
	b.setString(&cfg.Server.Name, s.Name, "server", "name")
	b.setString(&cfg.Server.Host, s.Host, "server", "host")
	b.setInt(&cfg.Server.Port, s.Port, "server", "port")
	b.setString(&cfg.Server.CertFile, s.CertFile, "server", "cert_file")
	b.setString(&cfg.Server.KeyFile, s.KeyFile, "server", "key_file")
	b.setString(&cfg.Server.PFXFile, s.PFXFile, "server", "pfx_file")
	b.setRaw(&cfg.Server.PFXPassphrase, s.PFXPassphrase, "server", "pfx_passphrase")
	b.setTLSVersion(&cfg.Server.MinTLSVersion, s.MinTLSVersion, "server", "min_tls_version")
	b.setDuration(&cfg.Server.HandshakeTimeout, s.HandshakeTimeout, "server", "handshake_timeout")
	b.setDuration(&cfg.Server.WriteTimeout, s.WriteTimeout, "server", "write_timeout")
	b.setDuration(&cfg.Server.ReadTimeout, s.ReadTimeout, "server", "read_timeout")
	b.setInt(&cfg.Server.MaxFrameSize, s.MaxFrameSize, "server", "max_frame_size")
	b.setRaw(&cfg.Server.WelcomeMessage, s.WelcomeMessage, "server", "welcome_message")
	b.setBool(&cfg.Server.Tick, s.Tick, "server", "tick")
	b.setDuration(&cfg.Server.TickInterval, s.TickInterval, "server", "tick_interval")
	b.setDuration(&cfg.Server.KickHistoryTTL, s.KickHistoryTTL, "server", "kick_history_ttl")

	c := raw.Client
	b.setString(&cfg.Client.Name, c.Name, "client", "name")
	b.setString(&cfg.Client.Address, c.Address, "client", "address")
	b.setInt(&cfg.Client.Port, c.Port, "client", "port")
	b.setString(&cfg.Client.ServerName, c.ServerName, "client", "server_name")
	b.setString(&cfg.Client.CAFile, c.CAFile, "client", "ca_file")
	b.setBool(&cfg.Client.AcceptAnyServer, c.AcceptAnyServer, "client", "accept_any_server")
	b.setTLSVersion(&cfg.Client.MinTLSVersion, c.MinTLSVersion, "client", "min_tls_version")
	b.setBool(&cfg.Client.Retry.Enabled, c.Retry, "client", "retry")
	b.setInt(&cfg.Client.Retry.MaxAttempts, c.MaxAttempts, "client", "max_attempts")
	b.setDuration(&cfg.Client.Retry.BaseDelay, c.RetryDelay, "client", "retry_delay")
	b.setDuration(&cfg.Client.Retry.Variance, c.RetryVariance, "client", "retry_variance")
	b.setDuration(&cfg.Client.ConnectionTimeout, c.ConnectionTimeout, "client", "connection_timeout")
	b.setDuration(&cfg.Client.HandshakeTimeout, c.HandshakeTimeout, "client", "handshake_timeout")
	b.setDuration(&cfg.Client.WriteTimeout, c.WriteTimeout, "client", "write_timeout")
	b.setDuration(&cfg.Client.ReadTimeout, c.ReadTimeout, "client", "read_timeout")
	b.setInt(&cfg.Client.MaxFrameSize, c.MaxFrameSize, "client", "max_frame_size")

	r := raw.Relay
	b.setBool(&cfg.Relay.Enabled, r.Enabled, "relay", "enabled")
	b.setString(&cfg.Relay.Addr, r.Addr, "relay", "addr")
	b.setRaw(&cfg.Relay.Password, r.Password, "relay", "password")
	b.setInt(&cfg.Relay.DB, r.DB, "relay", "db")
	b.setString(&cfg.Relay.Channel, r.Channel, "relay", "channel")
	b.setString(&cfg.Relay.Origin, r.Origin, "relay", "origin")

	m := raw.Metrics
	b.setBool(&cfg.Metrics.Enabled, m.Enabled, "metrics", "enabled")
	b.setString(&cfg.Metrics.Addr, m.Addr, "metrics", "addr")
	b.setString(&cfg.Metrics.Path, m.Path, "metrics", "path")

	if b.err != nil {
		return Config{}, b.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Client.Port < 1 || c.Client.Port > 65535 {
		return fmt.Errorf("config: client.port %d out of range", c.Client.Port)
	}
	if c.Client.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: client.max_attempts must not be negative")
	}
	return nil
}

// binder copies a decoded value over its default only when the key was
// present in the file. The first conversion error is kept.
type binder struct {
	meta toml.MetaData
	err  error
}

func (b *binder) defined(key ...string) bool {
	return b.err == nil && b.meta.IsDefined(key...)
}

func (b *binder) setString(dst *string, v string, key ...string) {
	if b.defined(key...) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
}

// setRaw copies v untrimmed and allows it to be empty.
func (b *binder) setRaw(dst *string, v string, key ...string) {
	if b.defined(key...) {
		*dst = v
	}
}

func (b *binder) setInt(dst *int, v int, key ...string) {
	if b.defined(key...) {
		*dst = v
	}
}

func (b *binder) setBool(dst *bool, v bool, key ...string) {
	if b.defined(key...) {
		*dst = v
	}
}

func (b *binder) setDuration(dst *time.Duration, v string, key ...string) {
	if !b.defined(key...) {
		return
	}

	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		b.err = fmt.Errorf("config: parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func (b *binder) setTLSVersion(dst *uint16, v string, key ...string) {
	if !b.defined(key...) {
		return
	}

	version, err := ParseTLSVersion(v)
	if err != nil {
		b.err = fmt.Errorf("config: %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = version
}

// ParseTLSVersion converts "1.0" through "1.3" to the crypto/tls constant.
func ParseTLSVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "tls") {
	case "1.0", "10":
		return tls.VersionTLS10, nil
	case "1.1", "11":
		return tls.VersionTLS11, nil
	case "1.2", "12":
		return tls.VersionTLS12, nil
	case "1.3", "13":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown tls version %q", v)
	}
}
