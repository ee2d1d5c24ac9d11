package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	driver "github.com/go-sql-driver/mysql"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/internal/sqlkv"
)

// Store implements beacon.Storage on a MySQL table.
type Store struct {
	*sqlkv.Store
	cfg   Config
	table string
}

var _ beacon.Storage = (*Store)(nil)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitize(cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.CreateSchema {
		schema, err := Schema(cfg.Table)
		if err != nil {
			return nil, err
		}
		if err := sqlkv.EnsureSchema(ctx, db, "mysql", schema); err != nil {
			return nil, err
		}
	}

	kv, err := sqlkv.New(db, "mysql", newQueries(table))
	if err != nil {
		return nil, err
	}

	return &Store{Store: kv, cfg: cfg, table: table}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(ctx context.Context, db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(ctx, db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Open parses dsn with the MySQL driver, connects and constructs a store.
// The returned store owns the connection; Close releases it.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	cfg, err := driver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("beacon mysql: parse dsn failed: %w", err)
	}
	connector, err := driver.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("beacon mysql: connector failed: %w", err)
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("beacon mysql: ping failed: %w", err)
	}
	store, err := NewStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// Table returns the quoted table name.
func (s *Store) Table() string {
	return s.table
}

func sanitize(table string) (string, error) {
	name, err := sqlkv.SanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return quoteTable(name), nil
}
