// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/absmach/querydispatch/storage"
)

var _ storage.ContentStore = (*ContentStore)(nil)

// ContentStore is an in-memory implementation of storage.ContentStore.
type ContentStore struct {
	mu       sync.RWMutex
	nextID   uint64
	byID     map[uint64]*storage.QueryContent
	byDigest map[string]uint64
}

// NewContentStore creates a new in-memory content store.
func NewContentStore() *ContentStore {
	return &ContentStore{
		byID:     make(map[uint64]*storage.QueryContent),
		byDigest: make(map[string]uint64),
	}
}

// PutIfAbsent returns the stored content for the body's digest or creates it.
func (s *ContentStore) PutIfAbsent(ctx context.Context, serializedBody string) (*storage.QueryContent, error) {
	c := storage.NewContent(serializedBody)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDigest[c.Digest]; ok {
		return copyContent(s.byID[id]), nil
	}

	s.nextID++
	c.ID = s.nextID
	s.byID[c.ID] = c
	s.byDigest[c.Digest] = c.ID

	return copyContent(c), nil
}

// Get returns content by id.
func (s *ContentStore) Get(ctx context.Context, id uint64) (*storage.QueryContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyContent(c), nil
}

// GetByDigest returns content by digest.
func (s *ContentStore) GetByDigest(ctx context.Context, digest string) (*storage.QueryContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDigest[digest]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyContent(s.byID[id]), nil
}

func copyContent(c *storage.QueryContent) *storage.QueryContent {
	cp := *c
	return &cp
}
