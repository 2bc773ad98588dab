// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/youmark/pkcs8"
)

// KeyFormat selects how the client key is written to disk.
type KeyFormat int

// Supported key encodings.
const (
	KeyPKCS8 KeyFormat = iota
	KeyPKCS1
	KeyEC
)

// CertOptions controls GenerateCertMaterial.
type CertOptions struct {
	// KeyPassword encrypts the client key as PKCS#8 when set.
	KeyPassword string
	KeyFormat   KeyFormat
	// ExtraCAs appends unrelated CA certificates to the bundle.
	ExtraCAs int
}

// CertMaterial is a CA, a client identity signed by it and a server
// certificate for 127.0.0.1, written as PEM files into a temp dir.
type CertMaterial struct {
	Dir      string
	CertFile string
	KeyFile  string
	CAFile   string

	CA         *x509.Certificate
	ClientCert *x509.Certificate
	Server     tls.Certificate
}

// ServerTLSConfig returns a server config requiring client certificates
// issued by the generated CA.
func (m *CertMaterial) ServerTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(m.CA)
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{m.Server},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
}

// GenerateCertMaterial creates fresh certificate material for a test.
func GenerateCertMaterial(t *testing.T, opts CertOptions) *CertMaterial {
	t.Helper()

	dir := t.TempDir()
	ca, caKey := newCA(t, "test-ca")

	var clientKey crypto.Signer
	switch opts.KeyFormat {
	case KeyPKCS1:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		clientKey = k
	default:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		clientKey = k
	}

	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "backend"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, ca, clientKey.Public(), caKey)
	require.NoError(t, err)
	clientCert, err := x509.ParseCertificate(clientDER)
	require.NoError(t, err)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serverTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "dsf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTmpl, ca, serverKey.Public(), caKey)
	require.NoError(t, err)

	m := &CertMaterial{
		Dir:        dir,
		CertFile:   filepath.Join(dir, "client.pem"),
		KeyFile:    filepath.Join(dir, "client.key"),
		CAFile:     filepath.Join(dir, "ca.pem"),
		CA:         ca,
		ClientCert: clientCert,
		Server: tls.Certificate{
			Certificate: [][]byte{serverDER},
			PrivateKey:  serverKey,
		},
	}

	writePEM(t, m.CertFile, &pem.Block{Type: "CERTIFICATE", Bytes: clientDER})
	writePEM(t, m.KeyFile, keyBlock(t, clientKey, opts))

	blocks := []*pem.Block{{Type: "CERTIFICATE", Bytes: ca.Raw}}
	for i := 0; i < opts.ExtraCAs; i++ {
		extra, _ := newCA(t, "extra-ca")
		blocks = append(blocks, &pem.Block{Type: "CERTIFICATE", Bytes: extra.Raw})
	}
	writePEM(t, m.CAFile, blocks...)

	return m
}

// WriteKey overwrites the client key file with a new, unrelated key.
func (m *CertMaterial) WriteKey(t *testing.T) {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	writePEM(t, m.KeyFile, keyBlock(t, k, CertOptions{}))
}

func newCA(t *testing.T, name string) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, key
}

func keyBlock(t *testing.T, key crypto.Signer, opts CertOptions) *pem.Block {
	t.Helper()

	if opts.KeyPassword != "" {
		der, err := pkcs8.MarshalPrivateKey(key, []byte(opts.KeyPassword), nil)
		require.NoError(t, err)
		return &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}
	}

	switch opts.KeyFormat {
	case KeyPKCS1:
		return &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key.(*rsa.PrivateKey))}
	case KeyEC:
		der, err := x509.MarshalECPrivateKey(key.(*ecdsa.PrivateKey))
		require.NoError(t, err)
		return &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		return &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}
}

func writePEM(t *testing.T, path string, blocks ...*pem.Block) {
	t.Helper()

	var data []byte
	for _, b := range blocks {
		data = append(data, pem.EncodeToMemory(b)...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
