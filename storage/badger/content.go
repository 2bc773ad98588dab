// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/absmach/querydispatch/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	contentPrefix       = "content:"
	contentDigestPrefix = "content:digest:"
	contentSeq          = "content"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

var _ storage.ContentStore = (*ContentStore)(nil)

// contentRecord is the stored form of a query content row. Bodies are zstd
// compressed.
type contentRecord struct {
	ID     uint64 `json:"id"`
	Digest string `json:"digest"`
	Body   []byte `json:"body"`
}

// ContentStore implements storage.ContentStore using BadgerDB.
//
// Key format:
//
//	content:{id}             -> contentRecord
//	content:digest:{digest}  -> id
type ContentStore struct {
	db *badger.DB
}

// NewContentStore creates a new BadgerDB content store.
func NewContentStore(db *badger.DB) *ContentStore {
	return &ContentStore{db: db}
}

// PutIfAbsent returns the stored content for the body's digest or creates it.
// The digest lookup, id allocation and writes share one transaction, so
// concurrent writers of the same body converge on a single row.
func (s *ContentStore) PutIfAbsent(ctx context.Context, serializedBody string) (*storage.QueryContent, error) {
	c := storage.NewContent(serializedBody)
	var result *storage.QueryContent

	err := update(s.db, func(txn *badger.Txn) error {
		var id uint64
		err := getJSON(txn, digestKey(c.Digest), &id)
		switch {
		case err == nil:
			existing, err := loadContent(txn, id)
			if err != nil {
				return err
			}
			result = existing
			return nil
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		id, err = nextSequence(txn, contentSeq)
		if err != nil {
			return err
		}

		rec := contentRecord{
			ID:     id,
			Digest: c.Digest,
			Body:   zstdEncoder.EncodeAll([]byte(serializedBody), nil),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal content: %w", err)
		}
		idData, err := json.Marshal(id)
		if err != nil {
			return err
		}
		if err := txn.Set(contentKey(id), data); err != nil {
			return err
		}
		if err := txn.Set(digestKey(c.Digest), idData); err != nil {
			return err
		}

		c.ID = id
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Get returns content by id.
func (s *ContentStore) Get(ctx context.Context, id uint64) (*storage.QueryContent, error) {
	var c *storage.QueryContent
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = loadContent(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByDigest returns content by digest.
func (s *ContentStore) GetByDigest(ctx context.Context, digest string) (*storage.QueryContent, error) {
	var c *storage.QueryContent
	err := s.db.View(func(txn *badger.Txn) error {
		var id uint64
		if err := getJSON(txn, digestKey(digest), &id); err != nil {
			return err
		}
		var err error
		c, err = loadContent(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func loadContent(txn *badger.Txn, id uint64) (*storage.QueryContent, error) {
	var rec contentRecord
	if err := getJSON(txn, contentKey(id), &rec); err != nil {
		return nil, err
	}

	body, err := zstdDecoder.DecodeAll(rec.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress content %d: %w", id, err)
	}

	return &storage.QueryContent{
		ID:             rec.ID,
		SerializedBody: string(body),
		Digest:         rec.Digest,
	}, nil
}

func contentKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", contentPrefix, id))
}

func digestKey(digest string) []byte {
	return []byte(contentDigestPrefix + digest)
}
