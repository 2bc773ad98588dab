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

var _ storage.ContentStore = (*ContentStore)(nil)

// ContentStore implements storage.ContentStore on the query_content table.
type ContentStore struct {
	db DBTX
}

// NewContentStore creates a content repository.
func NewContentStore(db DBTX) *ContentStore {
	return &ContentStore{db: db}
}

// PutIfAbsent inserts the body unless its digest is already stored and
// returns the stored row. The unique digest constraint arbitrates
// concurrent writers.
func (s *ContentStore) PutIfAbsent(ctx context.Context, serializedBody string) (*storage.QueryContent, error) {
	c := storage.NewContent(serializedBody)

	query :=
		`INSERT INTO query_content (serialized_body, digest)
		 VALUES ($1, $2)
		 ON CONFLICT (digest) DO NOTHING
		 RETURNING id`

	err := s.db.QueryRowContext(ctx, query, c.SerializedBody, c.Digest).Scan(&c.ID)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, sql.ErrNoRows):
		return s.GetByDigest(ctx, c.Digest)
	default:
		return nil, fmt.Errorf("db error: %w", err)
	}
}

// Get returns content by id.
func (s *ContentStore) Get(ctx context.Context, id uint64) (*storage.QueryContent, error) {
	query :=
		`SELECT id, serialized_body, digest FROM query_content
		 WHERE id = $1`

	return s.scan(s.db.QueryRowContext(ctx, query, id))
}

// GetByDigest returns content by digest.
func (s *ContentStore) GetByDigest(ctx context.Context, digest string) (*storage.QueryContent, error) {
	query :=
		`SELECT id, serialized_body, digest FROM query_content
		 WHERE digest = $1`

	return s.scan(s.db.QueryRowContext(ctx, query, digest))
}

func (s *ContentStore) scan(row *sql.Row) (*storage.QueryContent, error) {
	c := &storage.QueryContent{}
	if err := row.Scan(&c.ID, &c.SerializedBody, &c.Digest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return c, nil
}
