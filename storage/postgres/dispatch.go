// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/storage"
)

var _ storage.DispatchStore = (*DispatchStore)(nil)

// DispatchStore implements storage.DispatchStore on the query_dispatches table.
type DispatchStore struct {
	db DBTX
}

// NewDispatchStore creates a dispatch record repository.
func NewDispatchStore(db DBTX) *DispatchStore {
	return &DispatchStore{db: db}
}

// Save appends a record; an identical record is ignored.
func (s *DispatchStore) Save(ctx context.Context, rec *storage.DispatchRecord) error {
	query :=
		`INSERT INTO query_dispatches (query_id, external_query_id, broker_type, dispatched_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (query_id, external_query_id, broker_type) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, rec.QueryID, rec.ExternalID, string(rec.BrokerType), rec.DispatchedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListByQuery returns all records of a query ordered by dispatch time.
func (s *DispatchStore) ListByQuery(ctx context.Context, queryID uint64) ([]*storage.DispatchRecord, error) {
	query :=
		`SELECT query_id, external_query_id, broker_type, dispatched_at FROM query_dispatches
		 WHERE query_id = $1
		 ORDER BY dispatched_at`

	rows, err := s.db.QueryContext(ctx, query, queryID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	records := []*storage.DispatchRecord{}
	for rows.Next() {
		var (
			rec        storage.DispatchRecord
			brokerType string
		)
		if err := rows.Scan(&rec.QueryID, &rec.ExternalID, &brokerType, &rec.DispatchedAt); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		rec.BrokerType = broker.Type(brokerType)
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return records, nil
}

// GetByExternalID returns the record saved under a broker's external id.
func (s *DispatchStore) GetByExternalID(ctx context.Context, brokerType broker.Type, externalID string) (*storage.DispatchRecord, error) {
	query :=
		`SELECT query_id, external_query_id, broker_type, dispatched_at FROM query_dispatches
		 WHERE broker_type = $1 AND external_query_id = $2`

	var (
		rec  storage.DispatchRecord
		kind string
	)
	err := s.db.QueryRowContext(ctx, query, string(brokerType), externalID).
		Scan(&rec.QueryID, &rec.ExternalID, &kind, &rec.DispatchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.BrokerType = broker.Type(kind)

	return &rec, nil
}
