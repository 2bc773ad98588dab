// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/querydispatch/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	queryPrefix = "query:"
	querySeq    = "query"
)

var _ storage.QueryStore = (*QueryStore)(nil)

// QueryStore implements storage.QueryStore using BadgerDB.
//
// Key format: query:{id}
type QueryStore struct {
	db *badger.DB
}

// NewQueryStore creates a new BadgerDB enqueued query store.
func NewQueryStore(db *badger.DB) *QueryStore {
	return &QueryStore{db: db}
}

// Create persists q and assigns its ID.
func (s *QueryStore) Create(ctx context.Context, q *storage.EnqueuedQuery) error {
	var id uint64
	err := update(s.db, func(txn *badger.Txn) error {
		var err error
		id, err = nextSequence(txn, querySeq)
		if err != nil {
			return err
		}

		rec := *q
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal query: %w", err)
		}
		return txn.Set(queryKey(id), data)
	})
	if err != nil {
		return err
	}

	q.ID = id
	return nil
}

// Get returns an enqueued query by id.
func (s *QueryStore) Get(ctx context.Context, id uint64) (*storage.EnqueuedQuery, error) {
	var q storage.EnqueuedQuery
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, queryKey(id), &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func queryKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", queryPrefix, id))
}
