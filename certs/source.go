// Package certs loads the server certificate and decides whether the client
// trusts the certificate a server presents. Loading and trust are kept out of
// the connection code so that deployments can plug in their own policy.
package certs

import (
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

var (
	ErrEmptyPath         = errors.New("certs: certificate path is empty")
	ErrNoCertificate     = errors.New("certs: no certificate found")
	ErrNoPrivateKey      = errors.New("certs: no private key found")
	ErrNoPeerCertificate = errors.New("certs: peer presented no certificate")
)

// Source produces the certificate a server presents during the handshake.
type Source interface {
	Load() (tls.Certificate, error)
}

// PEMFiles loads a PEM encoded certificate chain and private key.
type PEMFiles struct {
	CertFile string
	KeyFile  string
}

// Load implements Source.
func (p PEMFiles) Load() (tls.Certificate, error) {
	if strings.TrimSpace(p.CertFile) == "" || strings.TrimSpace(p.KeyFile) == "" {
		return tls.Certificate{}, ErrEmptyPath
	}

	cert, err := tls.LoadX509KeyPair(filepath.Clean(p.CertFile), filepath.Clean(p.KeyFile))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: load key pair %s: %w", p.CertFile, err)
	}

	return cert, nil
}

// PKCS12File loads a PKCS#12 (.pfx/.p12) bundle, optionally protected by a
// passphrase. An empty Passphrase is used for unprotected bundles.
type PKCS12File struct {
	Path       string
	Passphrase string
}

// Load implements Source.
func (p PKCS12File) Load() (tls.Certificate, error) {
	if strings.TrimSpace(p.Path) == "" {
		return tls.Certificate{}, ErrEmptyPath
	}

	data, err := os.ReadFile(filepath.Clean(p.Path))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: read %s: %w", p.Path, err)
	}

	cert, err := DecodePKCS12(data, p.Passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: %s: %w", p.Path, err)
	}

	return cert, nil
}

// DecodePKCS12 converts a PKCS#12 bundle into a tls.Certificate.
//
// Parameters:
//   - data: Raw bundle bytes
//   - passphrase: Bundle passphrase; empty for none
//
// Returns:
//   - The certificate chain with its private key
//   - An error if the bundle cannot be decrypted or lacks a certificate or key
func DecodePKCS12(data []byte, passphrase string) (tls.Certificate, error) {
	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pkcs12: %w", err)
	}

	var certPEM, keyPEM []byte
	for _, b := range blocks {
		if b.Type == "CERTIFICATE" {
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
			continue
		}
		keyPEM = append(keyPEM, pem.EncodeToMemory(b)...)
	}

	if len(certPEM) == 0 {
		return tls.Certificate{}, ErrNoCertificate
	}
	if len(keyPEM) == 0 {
		return tls.Certificate{}, ErrNoPrivateKey
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}

// Static serves a certificate that is already in memory.
type Static struct {
	Certificate tls.Certificate
}

// Load implements Source.
func (s Static) Load() (tls.Certificate, error) {
	if len(s.Certificate.Certificate) == 0 {
		return tls.Certificate{}, ErrNoCertificate
	}

	return s.Certificate, nil
}
