// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/absmach/querydispatch/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	seqPrefix = "seq:"

	// maxTxnRetries bounds retries of update transactions that lost a
	// conflict against a concurrent writer.
	maxTxnRetries = 16
)

var _ storage.Store = (*Store)(nil)

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	contents   *ContentStore
	queries    *QueryStore
	dispatches *DispatchStore

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string // Directory for BadgerDB data
	SyncWrites bool
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Dispatch records are an audit trail, so callers may ask for fsync on every write.
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:         db,
		contents:   NewContentStore(db),
		queries:    NewQueryStore(db),
		dispatches: NewDispatchStore(db),
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	go s.runGC()

	return s, nil
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

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

// update runs fn in a read-write transaction, retrying on conflicts.
func update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// nextSequence increments and returns the named counter inside txn.
func nextSequence(txn *badger.Txn, name string) (uint64, error) {
	key := []byte(seqPrefix + name)
	var seq uint64

	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &seq)
		}); err != nil {
			return 0, err
		}
	}
	seq++

	data, err := json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	if err := txn.Set(key, data); err != nil {
		return 0, err
	}

	return seq, nil
}

// getJSON loads key into v, mapping a missing key to storage.ErrNotFound.
func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
