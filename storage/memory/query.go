// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/querydispatch/storage"
)

var _ storage.QueryStore = (*QueryStore)(nil)

// QueryStore is an in-memory implementation of storage.QueryStore.
type QueryStore struct {
	mu     sync.RWMutex
	nextID uint64
	data   map[uint64]storage.EnqueuedQuery
}

// NewQueryStore creates a new in-memory enqueued query store.
func NewQueryStore() *QueryStore {
	return &QueryStore{
		data: make(map[uint64]storage.EnqueuedQuery),
	}
}

// Create persists q and assigns its ID.
func (s *QueryStore) Create(ctx context.Context, q *storage.EnqueuedQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	q.ID = s.nextID
	s.data[q.ID] = *q

	return nil
}

// Get returns an enqueued query by id.
func (s *QueryStore) Get(ctx context.Context, id uint64) (*storage.EnqueuedQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &q, nil
}
