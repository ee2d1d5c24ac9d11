package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/internal/sqlkv"
)

const (
	defaultTable = "beacon_kv"
	driverName   = "postgres"
)

// ErrDSNRequired is returned when Open is called with an empty DSN.
var ErrDSNRequired = errors.New("beacon postgres: dsn is required")

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	storage_key TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Config defines PostgreSQL storage behavior.
type Config struct {
	Table        string
	CreateSchema bool
}

// Option configures the store.
type Option func(*Config)

// WithTable sets the key/value table name, optionally schema qualified.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithCreateSchema creates the table if it does not exist.
func WithCreateSchema() Option {
	return func(c *Config) {
		c.CreateSchema = true
	}
}

// Store implements beacon.Storage on a PostgreSQL table.
type Store struct {
	*sqlkv.Store
	table string
}

var _ beacon.Storage = (*Store)(nil)

// NewStore constructs a store over db.
func NewStore(ctx context.Context, db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, sqlkv.ErrDBRequired
	}
	cfg := Config{Table: defaultTable}
	for _, opt := range opts {
		opt(&cfg)
	}

	table, err := quotedTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.CreateSchema {
		if err := sqlkv.EnsureSchema(ctx, db, driverName, fmt.Sprintf(schemaTemplate, table)); err != nil {
			return nil, err
		}
	}
	kv, err := sqlkv.New(db, driverName, newQueries(table))
	if err != nil {
		return nil, err
	}

	return &Store{Store: kv, table: table}, nil
}

// Open connects with lib/pq and constructs a store owning the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("beacon postgres: parse dsn failed: %w", err)
	}

	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("beacon postgres: ping failed: %w", err)
	}
	store, err := NewStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// Schema returns the key/value table definition.
func Schema(table string) (string, error) {
	quoted, err := quotedTable(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, quoted), nil
}

// Table returns the quoted table name.
func (s *Store) Table() string {
	return s.table
}

func newQueries(table string) sqlkv.Queries {
	return sqlkv.Queries{
		Load: fmt.Sprintf("SELECT payload FROM %s WHERE storage_key = $1", table),
		Save: fmt.Sprintf(
			"INSERT INTO %s (storage_key, payload, updated_at) VALUES ($1, $2, NOW()) "+
				"ON CONFLICT (storage_key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()",
			table,
		),
	}
}

func quotedTable(table string) (string, error) {
	name, err := sqlkv.SanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return sqlkv.QuoteQualified(name, pq.QuoteIdentifier), nil
}
