// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgtls "github.com/absmach/querydispatch/pkg/tls"
)

const (
	maxErrorBody    = 1 << 20
	idleConnTimeout = 90 * time.Second
)

// RequestClient is a FHIR REST client bound to a DSF base URL.
type RequestClient struct {
	base       *url.URL
	httpClient *http.Client
}

// newTransport builds the mutual-TLS transport shared by all request clients
// of a connection.
func newTransport(cfg Config, sc *pkgtls.SecurityContext) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       sc.ClientTLSConfig(),
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   4,
	}
}

func newRequestClient(cfg Config, transport http.RoundTripper, logger *slog.Logger) (*RequestClient, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	if cfg.LogRequests {
		transport = &loggingTransport{next: transport, logger: logger}
	}

	return &RequestClient{
		base:       base,
		httpClient: &http.Client{Transport: transport},
	}, nil
}

// Search runs a search on resourceType with strict parameter handling.
func (c *RequestClient) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	var bundle Bundle
	header := http.Header{"Prefer": []string{"handling=strict"}}
	if err := c.do(ctx, http.MethodGet, resourceType, params, header, nil, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Create posts resource to its type endpoint and decodes the stored
// resource into out.
func (c *RequestClient) Create(ctx context.Context, resourceType string, resource, out any) error {
	header := http.Header{"Prefer": []string{"return=representation"}}
	return c.do(ctx, http.MethodPost, resourceType, nil, header, resource, out)
}

// Transaction posts a transaction bundle to the base URL.
func (c *RequestClient) Transaction(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	var resp Bundle
	if err := c.do(ctx, http.MethodPost, "", nil, nil, bundle, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RequestClient) do(ctx context.Context, method, path string, params url.Values, header http.Header, body, out any) error {
	u := *c.base
	if path != "" {
		u.Path = u.Path + "/" + path
	}
	u.RawQuery = params.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer func() {
		// Drained bodies return the connection to the idle pool.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// loggingTransport logs every request and response passing through it.
type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Info("sending client request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()))

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		t.logger.Info("client request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return nil, err
	}

	t.logger.Info("client response received",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode))

	return resp, nil
}
