// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres stores queries and dispatch records in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/absmach/querydispatch/storage"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBTX is the subset of database/sql used by the repositories. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ storage.Store = (*Store)(nil)

// Store is the composite PostgreSQL store.
type Store struct {
	db *sql.DB

	contents   *ContentStore
	queries    *QueryStore
	dispatches *DispatchStore
}

// Config holds PostgreSQL configuration.
type Config struct {
	DSN string
}

// New opens the database and applies pending migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an open database without running migrations.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:         db,
		contents:   NewContentStore(db),
		queries:    NewQueryStore(db),
		dispatches: NewDispatchStore(db),
	}
}

// Migrate applies all embedded migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return err
	}

	_, err = provider.Up(ctx)
	return err
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

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
