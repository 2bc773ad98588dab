// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/storage"
	"github.com/dgraph-io/badger/v4"
)

const (
	dispatchPrefix = "dispatch:"
	externalPrefix = "dispatch_ext:"
)

var _ storage.DispatchStore = (*DispatchStore)(nil)

// DispatchStore implements storage.DispatchStore using BadgerDB.
//
// Key format:
//
//	dispatch:{queryID}:{brokerType}:{externalID}  -> DispatchRecord
//	dispatch_ext:{brokerType}:{externalID}        -> DispatchRecord
type DispatchStore struct {
	db *badger.DB
}

// NewDispatchStore creates a new BadgerDB dispatch record store.
func NewDispatchStore(db *badger.DB) *DispatchStore {
	return &DispatchStore{db: db}
}

// Save appends a record. The key is the record identity, so saving an
// identical record again overwrites it with the same content.
func (s *DispatchStore) Save(ctx context.Context, rec *storage.DispatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch record: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%s:%s", queryDispatchPrefix(rec.QueryID), rec.BrokerType, rec.ExternalID))
	return update(s.db, func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(externalKey(rec.BrokerType, rec.ExternalID), data)
	})
}

// ListByQuery returns all records of a query ordered by dispatch time.
func (s *DispatchStore) ListByQuery(ctx context.Context, queryID uint64) ([]*storage.DispatchRecord, error) {
	var records []*storage.DispatchRecord
	prefix := []byte(queryDispatchPrefix(queryID))

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec storage.DispatchRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, &rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].DispatchedAt.Before(records[j].DispatchedAt)
	})
	if records == nil {
		records = []*storage.DispatchRecord{}
	}

	return records, nil
}

// GetByExternalID returns the record saved under a broker's external id.
func (s *DispatchStore) GetByExternalID(ctx context.Context, brokerType broker.Type, externalID string) (*storage.DispatchRecord, error) {
	var rec storage.DispatchRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, externalKey(brokerType, externalID), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func externalKey(brokerType broker.Type, externalID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", externalPrefix, brokerType, externalID))
}

func queryDispatchPrefix(queryID uint64) string {
	return fmt.Sprintf("%s%020d:", dispatchPrefix, queryID)
}
