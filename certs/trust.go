package certs

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/cyberinferno/securesocket/logger"
)

// TrustPolicy decides whether a client accepts the server it is talking to.
// It is called during the handshake with the negotiated connection state and
// the outcome of standard chain and hostname verification (nil when the
// certificate verified). Returning nil accepts the server; returning an
// error aborts the handshake.
type TrustPolicy interface {
	Trust(state tls.ConnectionState, verifyErr error) error
}

// TrustPolicyFunc adapts a function to TrustPolicy.
type TrustPolicyFunc func(state tls.ConnectionState, verifyErr error) error

// Trust implements TrustPolicy.
func (f TrustPolicyFunc) Trust(state tls.ConnectionState, verifyErr error) error {
	return f(state, verifyErr)
}

// Strict accepts a server only when its certificate verified. It is the
// default policy.
func Strict() TrustPolicy {
	return TrustPolicyFunc(func(_ tls.ConnectionState, verifyErr error) error {
		return verifyErr
	})
}

// AcceptAll accepts every server certificate, logging a warning whenever
// verification failed. It removes server authentication entirely and must
// only be selected explicitly, for example against development servers with
// self-signed certificates.
func AcceptAll(log logger.Logger) TrustPolicy {
	log = logger.OrNop(log)
	return TrustPolicyFunc(func(state tls.ConnectionState, verifyErr error) error {
		if verifyErr != nil {
			log.Warn("accepting server certificate despite verification failure",
				logger.Field{Key: "server_name", Value: state.ServerName},
				logger.Field{Key: "error", Value: verifyErr.Error()},
			)
		}
		return nil
	})
}

// ClientTLSConfig builds the client side TLS configuration. Go's built-in
// verification is replaced by VerifyConnection so that the verification
// result is handed to policy instead of failing the handshake directly.
//
// Parameters:
//   - serverName: Host name or IP literal the certificate must be valid for
//   - roots: Trusted roots; nil uses the system pool
//   - policy: Trust decision; nil selects Strict
//   - minVersion: Minimum TLS version, e.g. tls.VersionTLS12
//
// Returns:
//   - A *tls.Config for tls.Client
func ClientTLSConfig(serverName string, roots *x509.CertPool, policy TrustPolicy, minVersion uint16) *tls.Config {
	if policy == nil {
		policy = Strict()
	}

	return &tls.Config{
		ServerName: serverName,
		MinVersion: minVersion,
		// Verification happens in VerifyConnection below.
		InsecureSkipVerify: true, //nolint:gosec
		VerifyConnection: func(state tls.ConnectionState) error {
			return policy.Trust(state, Verify(state, serverName, roots))
		},
	}
}

// Verify runs standard chain and hostname verification against the peer
// certificates in state.
//
// Parameters:
//   - state: Connection state from the handshake
//   - serverName: Expected host name or IP literal
//   - roots: Trusted roots; nil uses the system pool
//
// Returns:
//   - nil if the leaf certificate chains to roots and matches serverName
func Verify(state tls.ConnectionState, serverName string, roots *x509.CertPool) error {
	if len(state.PeerCertificates) == 0 {
		return ErrNoPeerCertificate
	}

	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	_, err := state.PeerCertificates[0].Verify(x509.VerifyOptions{
		DNSName:       serverName,
		Roots:         roots,
		Intermediates: intermediates,
	})
	return err
}

// ServerTLSConfig builds the server side TLS configuration presenting cert
// and refusing protocol versions below minVersion.
func ServerTLSConfig(cert tls.Certificate, minVersion uint16) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}
}
