// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/querydispatch/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	contents   *ContentStore
	queries    *QueryStore
	dispatches *DispatchStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		contents:   NewContentStore(),
		queries:    NewQueryStore(),
		dispatches: NewDispatchStore(),
	}
}

// Contents returns the content store.
func (s *Store) Contents() storage.ContentStore {
	return s.contents
}

// Queries returns the enqueued query store.
func (s *Store) Queries() storage.QueryStore {
	return s.queries
}

// Dispatches returns the dispatch record store.
func (s *Store) Dispatches() storage.DispatchStore {
	return s.dispatches
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
