// Package sqlkv implements beacon.Storage as a two column key/value table
// over database/sql. Backend packages supply the dialect.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/velmie/beacon"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("beacon sql: db is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("beacon sql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("beacon sql: invalid table name")
)

// Queries are the dialect specific statements. Load takes the key and
// selects the value; Save takes key and value and upserts.
type Queries struct {
	Load string
	Save string
}

// Store is a key/value beacon.Storage over one table.
type Store struct {
	db      *sql.DB
	queries Queries
	name    string
}

var _ beacon.Storage = (*Store)(nil)

// New constructs a Store. name prefixes error messages, e.g. "mysql".
func New(db *sql.DB, name string, queries Queries) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	return &Store{db: db, queries: queries, name: name}, nil
}

// Load implements beacon.Storage.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, s.queries.Load, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, beacon.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("beacon %s: load %q failed: %w", s.name, key, err)
	}
	if value == nil {
		value = []byte{}
	}

	return value, nil
}

// Save implements beacon.Storage.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if _, err := s.db.ExecContext(ctx, s.queries.Save, key, value); err != nil {
		return fmt.Errorf("beacon %s: save %q failed: %w", s.name, key, err)
	}

	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema executes the schema statement.
func EnsureSchema(ctx context.Context, db *sql.DB, name, schema string) error {
	if db == nil {
		return ErrDBRequired
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("beacon %s: create schema failed: %w", name, err)
	}

	return nil
}
