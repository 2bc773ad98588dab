// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mock provides a broker that accepts every query locally. It is
// meant for development setups without a partner site.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/query"
	"github.com/google/uuid"
)

var (
	_ broker.Client   = (*Client)(nil)
	_ broker.Releaser = (*Client)(nil)
)

// Query is the broker-side view of a created query.
type Query struct {
	LocalID     uint64
	Definitions map[query.MediaType]string
	Published   bool
}

// Client keeps created queries in memory.
type Client struct {
	logger *slog.Logger

	mu      sync.Mutex
	queries map[string]*Query
}

// New returns an empty mock broker.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:  logger,
		queries: make(map[string]*Query),
	}
}

func (c *Client) Type() broker.Type {
	return broker.Mock
}

func (c *Client) CreateQuery(_ context.Context, localQueryID uint64) (string, error) {
	id := uuid.NewString()

	c.mu.Lock()
	c.queries[id] = &Query{
		LocalID:     localQueryID,
		Definitions: make(map[query.MediaType]string),
	}
	c.mu.Unlock()

	return id, nil
}

func (c *Client) AddQueryDefinition(_ context.Context, externalID string, mediaType query.MediaType, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[externalID]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrQueryNotFound, externalID)
	}
	q.Definitions[mediaType] = body
	return nil
}

func (c *Client) PublishQuery(_ context.Context, externalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[externalID]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrQueryNotFound, externalID)
	}
	if len(q.Definitions) == 0 {
		return fmt.Errorf("%w: %s", broker.ErrQueryDefinitionNotFound, externalID)
	}
	q.Published = true

	c.logger.Debug("mock broker published query",
		slog.String("external_id", externalID),
		slog.Uint64("query_id", q.LocalID))
	return nil
}

// ReleaseQuery forgets a query that will not be published.
func (c *Client) ReleaseQuery(externalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queries, externalID)
}

// Query returns a copy of the query with externalID.
func (c *Client) Query(externalID string) (Query, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[externalID]
	if !ok {
		return Query{}, false
	}
	out := *q
	out.Definitions = make(map[query.MediaType]string, len(q.Definitions))
	for k, v := range q.Definitions {
		out.Definitions[k] = v
	}
	return out, true
}
