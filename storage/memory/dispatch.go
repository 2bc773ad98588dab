// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/storage"
)

var _ storage.DispatchStore = (*DispatchStore)(nil)

// DispatchStore is an in-memory implementation of storage.DispatchStore.
type DispatchStore struct {
	mu       sync.RWMutex
	data     map[uint64][]storage.DispatchRecord // query id -> records
	external map[externalKey]uint64              // external id -> query id
}

type externalKey struct {
	brokerType broker.Type
	externalID string
}

// NewDispatchStore creates a new in-memory dispatch record store.
func NewDispatchStore() *DispatchStore {
	return &DispatchStore{
		data:     make(map[uint64][]storage.DispatchRecord),
		external: make(map[externalKey]uint64),
	}
}

// Save appends a record unless an identical one exists.
func (s *DispatchStore) Save(ctx context.Context, rec *storage.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.data[rec.QueryID] {
		if r.ExternalID == rec.ExternalID && r.BrokerType == rec.BrokerType {
			return nil
		}
	}
	s.data[rec.QueryID] = append(s.data[rec.QueryID], *rec)
	s.external[externalKey{rec.BrokerType, rec.ExternalID}] = rec.QueryID

	return nil
}

// ListByQuery returns all records of a query ordered by dispatch time.
func (s *DispatchStore) ListByQuery(ctx context.Context, queryID uint64) ([]*storage.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.data[queryID]
	result := make([]*storage.DispatchRecord, 0, len(records))
	for i := range records {
		r := records[i]
		result = append(result, &r)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].DispatchedAt.Before(result[j].DispatchedAt)
	})

	return result, nil
}

// GetByExternalID returns the record saved under a broker's external id.
func (s *DispatchStore) GetByExternalID(ctx context.Context, brokerType broker.Type, externalID string) (*storage.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queryID, ok := s.external[externalKey{brokerType, externalID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	for _, r := range s.data[queryID] {
		if r.BrokerType == brokerType && r.ExternalID == externalID {
			rec := r
			return &rec, nil
		}
	}
	return nil, storage.ErrNotFound
}
