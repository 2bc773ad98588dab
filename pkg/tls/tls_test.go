// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/absmach/querydispatch/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configFor(m *testutil.CertMaterial, password string) Config {
	return Config{
		CertFile:    m.CertFile,
		KeyFile:     m.KeyFile,
		KeyPassword: password,
		CAFile:      m.CAFile,
	}
}

func TestProvide(t *testing.T) {
	tests := []struct {
		name     string
		opts     testutil.CertOptions
		password string
	}{
		{name: "pkcs8 unencrypted", opts: testutil.CertOptions{}},
		{name: "pkcs1 rsa", opts: testutil.CertOptions{KeyFormat: testutil.KeyPKCS1}},
		{name: "sec1 ec", opts: testutil.CertOptions{KeyFormat: testutil.KeyEC}},
		{name: "encrypted pkcs8", opts: testutil.CertOptions{KeyPassword: "s3cret"}, password: "s3cret"},
		{name: "password ignored for plain key", opts: testutil.CertOptions{}, password: "unused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.GenerateCertMaterial(t, tt.opts)

			sc, err := NewProvider(configFor(m, tt.password)).Provide()
			require.NoError(t, err)

			assert.Equal(t, IdentityAlias, sc.Identity.Alias)
			assert.Equal(t, tt.password, sc.Identity.Password)
			require.Len(t, sc.Identity.Chain, 1)
			assert.True(t, m.ClientCert.Equal(sc.Identity.Chain[0]))
			assert.NotNil(t, sc.Identity.Certificate.PrivateKey)
			require.Len(t, sc.TrustedCAs, 1)
			assert.True(t, m.CA.Equal(sc.TrustedCAs[0]))

			cfg := sc.ClientTLSConfig()
			assert.Len(t, cfg.Certificates, 1)
			assert.Same(t, sc.Pool, cfg.RootCAs)
		})
	}
}

func TestProvide_MultiCertBundle(t *testing.T) {
	m := testutil.GenerateCertMaterial(t, testutil.CertOptions{ExtraCAs: 2})

	sc, err := NewProvider(configFor(m, "")).Provide()
	require.NoError(t, err)
	assert.Len(t, sc.TrustedCAs, 3)
}

func TestProvide_Errors(t *testing.T) {
	tests := []struct {
		name    string
		opts    testutil.CertOptions
		mutate  func(t *testing.T, m *testutil.CertMaterial, cfg *Config)
		message string
	}{
		{
			name: "client certificate missing",
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				cfg.CertFile = filepath.Join(m.Dir, "missing.pem")
			},
			message: "client certificate file '",
		},
		{
			name: "client key missing",
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				cfg.KeyFile = filepath.Join(m.Dir, "missing.key")
			},
			message: "client key file '",
		},
		{
			name: "ca missing",
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				cfg.CAFile = filepath.Join(m.Dir, "missing-ca.pem")
			},
			message: "certificate file '",
		},
		{
			name: "ca not parsable",
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				require.NoError(t, os.WriteFile(cfg.CAFile, []byte("not a pem"), 0o600))
			},
			message: errNoCertificate.Error(),
		},
		{
			name: "wrong password",
			opts: testutil.CertOptions{KeyPassword: "right"},
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				cfg.KeyPassword = "wrong"
			},
			message: "decrypt private key",
		},
		{
			name: "encrypted key without password",
			opts: testutil.CertOptions{KeyPassword: "right"},
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				cfg.KeyPassword = ""
			},
			message: errKeyEncrypted.Error(),
		},
		{
			name: "key does not match certificate",
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				m.WriteKey(t)
			},
			message: "pair certificate and key",
		},
		{
			name: "key file holds no key",
			mutate: func(t *testing.T, m *testutil.CertMaterial, cfg *Config) {
				cfg.KeyFile = cfg.CertFile
			},
			message: errNoPrivateKey.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.GenerateCertMaterial(t, tt.opts)
			cfg := configFor(m, tt.opts.KeyPassword)
			tt.mutate(t, m, &cfg)

			sc, err := NewProvider(cfg).Provide()
			assert.Nil(t, sc)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSecurityProvision)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestProvide_Caches(t *testing.T) {
	m := testutil.GenerateCertMaterial(t, testutil.CertOptions{})
	p := NewProvider(configFor(m, ""))

	first, err := p.Provide()
	require.NoError(t, err)

	// Files are not read again once cached.
	require.NoError(t, os.Remove(m.CertFile))
	require.NoError(t, os.Remove(m.KeyFile))
	require.NoError(t, os.Remove(m.CAFile))

	second, err := p.Provide()
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestProvide_FailureNotCached(t *testing.T) {
	m := testutil.GenerateCertMaterial(t, testutil.CertOptions{})
	caPEM, err := os.ReadFile(m.CAFile)
	require.NoError(t, err)
	require.NoError(t, os.Remove(m.CAFile))

	p := NewProvider(configFor(m, ""))
	_, err = p.Provide()
	require.ErrorIs(t, err, ErrSecurityProvision)

	require.NoError(t, os.WriteFile(m.CAFile, caPEM, 0o600))
	sc, err := p.Provide()
	require.NoError(t, err)
	assert.NotNil(t, sc)
}

func TestProvide_ConcurrentFirstAccess(t *testing.T) {
	m := testutil.GenerateCertMaterial(t, testutil.CertOptions{})
	p := NewProvider(configFor(m, ""))

	const n = 20
	results := make([]*SecurityContext, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := p.Provide()
			assert.NoError(t, err)
			results[i] = sc
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}
