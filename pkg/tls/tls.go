// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls provisions the mutual-TLS identity and trust material used to
// talk to brokers.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
)

// IdentityAlias names the client identity inside a security context.
const IdentityAlias = "backend-cert"

var (
	// ErrSecurityProvision marks every failure to build a security context.
	ErrSecurityProvision = errors.New("failed to provision security context")

	errNoCertificate = errors.New("no certificate found")
	errNoPrivateKey  = errors.New("no private key found")
	errKeyEncrypted  = errors.New("private key is encrypted but no password is configured")
	errKeyType       = errors.New("unsupported private key type")
)

// Config points at the PEM material of a client identity.
type Config struct {
	CertFile    string `yaml:"client_certificate_file"`
	KeyFile     string `yaml:"client_key_file"`
	KeyPassword string `yaml:"client_key_password"`
	CAFile      string `yaml:"ca_certificate_file"`
}

// Identity is a client certificate chain paired with its private key.
type Identity struct {
	Alias       string
	Certificate tls.Certificate
	Chain       []*x509.Certificate
	// Password is the key password the identity was decrypted with. Empty
	// for unencrypted keys.
	Password string
}

// SecurityContext is the identity plus the set of trusted CAs.
type SecurityContext struct {
	Identity   Identity
	TrustedCAs []*x509.Certificate
	Pool       *x509.CertPool
}

// ClientTLSConfig returns a mutual-TLS client configuration.
func (sc *SecurityContext) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{sc.Identity.Certificate},
		RootCAs:      sc.Pool,
	}
}

// Provider builds a SecurityContext once and caches it for the life of the
// process. A failed build leaves nothing cached, so the next call retries.
type Provider struct {
	cfg Config

	mu     sync.Mutex
	cached *SecurityContext
}

// NewProvider creates a provider for cfg.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Provide returns the cached security context, building it on first use.
func (p *Provider) Provide() (*SecurityContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached, nil
	}

	sc, err := Load(p.cfg)
	if err != nil {
		return nil, err
	}
	p.cached = sc

	return sc, nil
}

// Load reads and parses the material referenced by cfg without caching.
func Load(cfg Config) (*SecurityContext, error) {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, fmt.Errorf("client certificate file '%s' not readable: %w", cfg.CertFile, err))
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, fmt.Errorf("client key file '%s' not readable: %w", cfg.KeyFile, err))
	}

	chain, err := parseCertificates(certPEM)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, fmt.Errorf("client certificate file '%s': %w", cfg.CertFile, err))
	}
	key, err := decodePrivateKey(keyPEM, cfg.KeyPassword)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, fmt.Errorf("client key file '%s': %w", cfg.KeyFile, err))
	}
	cert, err := pair(chain, key)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, err)
	}

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, fmt.Errorf("certificate file '%s' not readable: %w", cfg.CAFile, err))
	}
	cas, err := parseCertificates(caPEM)
	if err != nil {
		return nil, errors.Join(ErrSecurityProvision, fmt.Errorf("certificate file '%s': %w", cfg.CAFile, err))
	}

	pool := x509.NewCertPool()
	for _, ca := range cas {
		pool.AddCert(ca)
	}

	return &SecurityContext{
		Identity: Identity{
			Alias:       IdentityAlias,
			Certificate: cert,
			Chain:       chain,
			Password:    cfg.KeyPassword,
		},
		TrustedCAs: cas,
		Pool:       pool,
	}, nil
}
