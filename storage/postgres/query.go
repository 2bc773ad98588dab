// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/absmach/querydispatch/storage"
)

var _ storage.QueryStore = (*QueryStore)(nil)

// QueryStore implements storage.QueryStore on the query table.
type QueryStore struct {
	db DBTX
}

// NewQueryStore creates an enqueued query repository.
func NewQueryStore(db DBTX) *QueryStore {
	return &QueryStore{db: db}
}

// Create persists q and assigns its ID.
func (s *QueryStore) Create(ctx context.Context, q *storage.EnqueuedQuery) error {
	query :=
		`INSERT INTO query (created_at, created_by, query_content_id)
		 VALUES ($1, $2, $3)
		 RETURNING id`

	if err := s.db.QueryRowContext(ctx, query, q.CreatedAt, q.CreatedBy, q.ContentID).Scan(&q.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns an enqueued query by id.
func (s *QueryStore) Get(ctx context.Context, id uint64) (*storage.EnqueuedQuery, error) {
	query :=
		`SELECT id, created_at, created_by, query_content_id FROM query
		 WHERE id = $1`

	q := &storage.EnqueuedQuery{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&q.ID, &q.CreatedAt, &q.CreatedBy, &q.ContentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return q, nil
}
