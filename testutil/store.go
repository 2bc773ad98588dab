// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreSuite runs the behaviour every storage backend shares against a
// fresh store returned by newStore.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("content dedup", func(t *testing.T) {
		testContentDedup(t, newStore(t))
	})
	t.Run("content digest integrity", func(t *testing.T) {
		testContentDigest(t, newStore(t))
	})
	t.Run("content not found", func(t *testing.T) {
		testContentNotFound(t, newStore(t))
	})
	t.Run("concurrent put if absent", func(t *testing.T) {
		testConcurrentPut(t, newStore(t))
	})
	t.Run("queries", func(t *testing.T) {
		testQueries(t, newStore(t))
	})
	t.Run("dispatch records", func(t *testing.T) {
		testDispatchRecords(t, newStore(t))
	})
}

func testContentDedup(t *testing.T, s storage.Store) {
	ctx := context.Background()

	first, err := s.Contents().PutIfAbsent(ctx, `{"display":"a"}`)
	require.NoError(t, err)
	second, err := s.Contents().PutIfAbsent(ctx, `{"display":"a"}`)
	require.NoError(t, err)
	other, err := s.Contents().PutIfAbsent(ctx, `{"display":"b"}`)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Digest, second.Digest)
	assert.NotEqual(t, first.ID, other.ID)
	assert.NotEqual(t, first.Digest, other.Digest)
}

func testContentDigest(t *testing.T, s storage.Store) {
	ctx := context.Background()

	bodies := []string{"", `{"display":"x"}`, "text with ünïcode"}
	for _, body := range bodies {
		c, err := s.Contents().PutIfAbsent(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, storage.Digest(body), c.Digest)

		byID, err := s.Contents().Get(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, body, byID.SerializedBody)
		assert.Equal(t, storage.Digest(byID.SerializedBody), byID.Digest)

		byDigest, err := s.Contents().GetByDigest(ctx, c.Digest)
		require.NoError(t, err)
		assert.Equal(t, c.ID, byDigest.ID)
	}
}

func testContentNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.Contents().Get(ctx, 4242)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Contents().GetByDigest(ctx, storage.Digest("missing"))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.Queries().Get(ctx, 4242)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testConcurrentPut(t *testing.T, s storage.Store) {
	ctx := context.Background()

	const n = 16
	ids := make([]uint64, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.Contents().PutIfAbsent(ctx, `{"display":"same"}`)
			errs[i] = err
			if err == nil {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func testQueries(t *testing.T, s storage.Store) {
	ctx := context.Background()

	c, err := s.Contents().PutIfAbsent(ctx, `{"display":"q"}`)
	require.NoError(t, err)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q1 := &storage.EnqueuedQuery{CreatedAt: created, CreatedBy: "alice", ContentID: c.ID}
	q2 := &storage.EnqueuedQuery{CreatedAt: created, CreatedBy: "bob", ContentID: c.ID}
	require.NoError(t, s.Queries().Create(ctx, q1))
	require.NoError(t, s.Queries().Create(ctx, q2))

	assert.NotZero(t, q1.ID)
	assert.NotEqual(t, q1.ID, q2.ID)

	got, err := s.Queries().Get(ctx, q1.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, c.ID, got.ContentID)
	assert.True(t, created.Equal(got.CreatedAt))
}

func testDispatchRecords(t *testing.T, s storage.Store) {
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []*storage.DispatchRecord{
		{QueryID: 7, ExternalID: "ext-2", BrokerType: broker.Mock, DispatchedAt: base.Add(time.Second)},
		{QueryID: 7, ExternalID: "ext-1", BrokerType: broker.DSF, DispatchedAt: base},
		{QueryID: 8, ExternalID: "ext-3", BrokerType: broker.DSF, DispatchedAt: base},
	}
	for _, r := range records {
		require.NoError(t, s.Dispatches().Save(ctx, r))
	}
	// Identical record is not duplicated.
	require.NoError(t, s.Dispatches().Save(ctx, records[1]))

	got, err := s.Dispatches().ListByQuery(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 2, fmt.Sprintf("records: %+v", got))
	assert.Equal(t, "ext-1", got[0].ExternalID)
	assert.Equal(t, broker.DSF, got[0].BrokerType)
	assert.Equal(t, "ext-2", got[1].ExternalID)

	none, err := s.Dispatches().ListByQuery(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)

	rec, err := s.Dispatches().GetByExternalID(ctx, broker.DSF, "ext-3")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), rec.QueryID)
	assert.True(t, base.Equal(rec.DispatchedAt))

	_, err = s.Dispatches().GetByExternalID(ctx, broker.Mock, "ext-3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Dispatches().GetByExternalID(ctx, broker.DSF, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
