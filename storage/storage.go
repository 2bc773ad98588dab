// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/querydispatch/broker"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Contents returns the content-addressed query body store.
	Contents() ContentStore

	// Queries returns the enqueued query store.
	Queries() QueryStore

	// Dispatches returns the dispatch audit store.
	Dispatches() DispatchStore

	// Close closes all storage backends.
	Close() error
}

// QueryContent is a serialized query body addressed by its SHA-256 digest.
type QueryContent struct {
	ID             uint64 `json:"id"`
	SerializedBody string `json:"serialized_body"`
	Digest         string `json:"digest"`
}

// EnqueuedQuery is one submission of a query body by a user.
type EnqueuedQuery struct {
	ID        uint64    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
	ContentID uint64    `json:"content_id"`
}

// DispatchRecord notes that a broker accepted an enqueued query.
type DispatchRecord struct {
	QueryID      uint64      `json:"query_id"`
	ExternalID   string      `json:"external_id"`
	BrokerType   broker.Type `json:"broker_type"`
	DispatchedAt time.Time   `json:"dispatched_at"`
}

// ContentStore stores query bodies by digest.
type ContentStore interface {
	// PutIfAbsent returns the content with the body's digest, creating it
	// when absent. Existing rows are never modified.
	PutIfAbsent(ctx context.Context, serializedBody string) (*QueryContent, error)

	// Get returns content by id.
	Get(ctx context.Context, id uint64) (*QueryContent, error)

	// GetByDigest returns content by digest.
	GetByDigest(ctx context.Context, digest string) (*QueryContent, error)
}

// QueryStore stores enqueued queries.
type QueryStore interface {
	// Create persists q and assigns its ID.
	Create(ctx context.Context, q *EnqueuedQuery) error

	// Get returns an enqueued query by id.
	Get(ctx context.Context, id uint64) (*EnqueuedQuery, error)
}

// DispatchStore is the append-only dispatch audit.
type DispatchStore interface {
	// Save appends a record. Saving an identical record twice is a no-op.
	Save(ctx context.Context, rec *DispatchRecord) error

	// ListByQuery returns all records of a query ordered by dispatch time.
	ListByQuery(ctx context.Context, queryID uint64) ([]*DispatchRecord, error)

	// GetByExternalID returns the record a broker's external id was saved
	// under, or ErrNotFound.
	GetByExternalID(ctx context.Context, brokerType broker.Type, externalID string) (*DispatchRecord, error)
}
