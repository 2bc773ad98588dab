// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

const (
	insertContentQ  = `(?s)^INSERT\s+INTO\s+query_content\s*\(serialized_body,\s*digest\)\s*VALUES\s*\(\$1,\s*\$2\)\s*ON\s+CONFLICT\s*\(digest\)\s*DO\s+NOTHING\s*RETURNING\s+id$`
	selectByDigestQ = `(?s)^SELECT\s+id,\s*serialized_body,\s*digest\s+FROM\s+query_content\s+WHERE\s+digest\s*=\s*\$1$`
	selectByIDQ     = `(?s)^SELECT\s+id,\s*serialized_body,\s*digest\s+FROM\s+query_content\s+WHERE\s+id\s*=\s*\$1$`
)

func TestContentStore_PutIfAbsent_Created(t *testing.T) {
	db, mock := newMock(t)
	s := NewContentStore(db)

	body := `{"display":"a"}`
	mock.ExpectQuery(insertContentQ).
		WithArgs(body, storage.Digest(body)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	c, err := s.PutIfAbsent(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), c.ID)
	assert.Equal(t, storage.Digest(body), c.Digest)
	assert.Equal(t, body, c.SerializedBody)
}

func TestContentStore_PutIfAbsent_Existing(t *testing.T) {
	db, mock := newMock(t)
	s := NewContentStore(db)

	body := `{"display":"a"}`
	digest := storage.Digest(body)
	mock.ExpectQuery(insertContentQ).
		WithArgs(body, digest).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(selectByDigestQ).
		WithArgs(digest).
		WillReturnRows(sqlmock.NewRows([]string{"id", "serialized_body", "digest"}).AddRow(int64(3), body, digest))

	c, err := s.PutIfAbsent(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.ID)
}

func TestContentStore_PutIfAbsent_DBError(t *testing.T) {
	db, mock := newMock(t)
	s := NewContentStore(db)

	mock.ExpectQuery(insertContentQ).WillReturnError(errors.New("db down"))

	_, err := s.PutIfAbsent(context.Background(), "x")
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestContentStore_Get_NotFound(t *testing.T) {
	db, mock := newMock(t)
	s := NewContentStore(db)

	mock.ExpectQuery(selectByIDQ).
		WithArgs(uint64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "serialized_body", "digest"}))

	_, err := s.Get(context.Background(), 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestQueryStore_CreateAndGet(t *testing.T) {
	db, mock := newMock(t)
	s := NewQueryStore(db)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+query\s*\(created_at,\s*created_by,\s*query_content_id\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3\)\s*RETURNING\s+id$`).
		WithArgs(created, "alice", uint64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	q := &storage.EnqueuedQuery{CreatedAt: created, CreatedBy: "alice", ContentID: 3}
	require.NoError(t, s.Create(context.Background(), q))
	assert.Equal(t, uint64(42), q.ID)

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*created_at,\s*created_by,\s*query_content_id\s+FROM\s+query\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs(uint64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "created_by", "query_content_id"}).
			AddRow(int64(42), created, "alice", int64(3)))

	got, err := s.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, uint64(3), got.ContentID)
}

func TestQueryStore_Get_NotFound(t *testing.T) {
	db, mock := newMock(t)
	s := NewQueryStore(db)

	mock.ExpectQuery(`(?s)^SELECT.+FROM\s+query\s+WHERE`).
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDispatchStore(t *testing.T) {
	db, mock := newMock(t)
	s := NewDispatchStore(db)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+query_dispatches.+ON\s+CONFLICT\s*\(query_id,\s*external_query_id,\s*broker_type\)\s*DO\s+NOTHING$`).
		WithArgs(uint64(7), "ext-1", "DSF", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Save(context.Background(), &storage.DispatchRecord{QueryID: 7, ExternalID: "ext-1", BrokerType: broker.DSF, DispatchedAt: at})
	require.NoError(t, err)

	mock.ExpectQuery(`(?s)^SELECT\s+query_id,\s*external_query_id,\s*broker_type,\s*dispatched_at\s+FROM\s+query_dispatches\s+WHERE\s+query_id\s*=\s*\$1\s+ORDER\s+BY\s+dispatched_at$`).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"query_id", "external_query_id", "broker_type", "dispatched_at"}).
			AddRow(int64(7), "ext-1", "DSF", at).
			AddRow(int64(7), "ext-2", "MOCK", at.Add(time.Second)))

	records, err := s.ListByQuery(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, broker.DSF, records[0].BrokerType)
	assert.Equal(t, broker.Mock, records[1].BrokerType)
	assert.Equal(t, "ext-2", records[1].ExternalID)
}

func TestDispatchStore_GetByExternalID(t *testing.T) {
	db, mock := newMock(t)
	s := NewDispatchStore(db)

	selectQ := `(?s)^SELECT\s+query_id,\s*external_query_id,\s*broker_type,\s*dispatched_at\s+FROM\s+query_dispatches\s+WHERE\s+broker_type\s*=\s*\$1\s+AND\s+external_query_id\s*=\s*\$2$`
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(selectQ).
		WithArgs("DSF", "ext-1").
		WillReturnRows(sqlmock.NewRows([]string{"query_id", "external_query_id", "broker_type", "dispatched_at"}).
			AddRow(int64(7), "ext-1", "DSF", at))

	rec, err := s.GetByExternalID(context.Background(), broker.DSF, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rec.QueryID)
	assert.Equal(t, broker.DSF, rec.BrokerType)

	mock.ExpectQuery(selectQ).
		WithArgs("DSF", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"query_id", "external_query_id", "broker_type", "dispatched_at"}))

	_, err = s.GetByExternalID(context.Background(), broker.DSF, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Getters(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectClose()

	s := NewWithDB(db)
	assert.NotNil(t, s.Contents())
	assert.NotNil(t, s.Queries())
	assert.NotNil(t, s.Dispatches())
	assert.NoError(t, s.Close())
}
