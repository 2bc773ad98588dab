// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultTranslateTimeout = 30 * time.Second

// ErrTranslation wraps every translator failure.
var ErrTranslation = errors.New("translation failed")

// Translator converts a logical query into all configured wire formats.
type Translator interface {
	Translate(ctx context.Context, q *Query) (map[MediaType]string, error)
}

// FormatTranslator produces a single wire format.
type FormatTranslator interface {
	MediaType() MediaType
	TranslateFormat(ctx context.Context, q *Query) (string, error)
}

var _ Translator = (*Composite)(nil)

// Composite runs a fixed set of format translators and fails as a whole
// when any of them fails.
type Composite struct {
	formats []FormatTranslator
}

// NewComposite creates a translator producing one entry per format.
func NewComposite(formats ...FormatTranslator) *Composite {
	return &Composite{formats: formats}
}

// Translate implements Translator.
func (c *Composite) Translate(ctx context.Context, q *Query) (map[MediaType]string, error) {
	out := make(map[MediaType]string, len(c.formats))
	for _, f := range c.formats {
		body, err := f.TranslateFormat(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTranslation, f.MediaType(), err)
		}
		out[f.MediaType()] = body
	}
	return out, nil
}

// Structured emits the canonical structured query itself.
type Structured struct{}

// MediaType implements FormatTranslator.
func (Structured) MediaType() MediaType {
	return MediaTypeStructuredQuery
}

// TranslateFormat implements FormatTranslator.
func (Structured) TranslateFormat(_ context.Context, q *Query) (string, error) {
	return Marshal(q)
}

// HTTPTranslator delegates translation to a remote service which accepts the
// structured query and answers with the target format.
type HTTPTranslator struct {
	endpoint   *url.URL
	mediaType  MediaType
	httpClient *http.Client
}

// NewHTTPTranslator creates a translator posting to endpoint.
func NewHTTPTranslator(endpoint string, mediaType MediaType, timeout time.Duration) (*HTTPTranslator, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse translation endpoint: %w", err)
	}
	if timeout == 0 {
		timeout = defaultTranslateTimeout
	}

	return &HTTPTranslator{
		endpoint:   u,
		mediaType:  mediaType,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// MediaType implements FormatTranslator.
func (t *HTTPTranslator) MediaType() MediaType {
	return t.mediaType
}

// TranslateFormat implements FormatTranslator.
func (t *HTTPTranslator) TranslateFormat(ctx context.Context, q *Query) (string, error) {
	body, err := Marshal(q)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint.String(), bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", string(MediaTypeStructuredQuery))
	req.Header.Set("Accept", string(t.mediaType))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected translation status %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	return string(data), nil
}
