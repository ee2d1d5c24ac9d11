// Package sqlite stores beacon state in a local SQLite database using the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/velmie/beacon"
	"github.com/velmie/beacon/internal/sqlkv"
)

const (
	defaultTable = "beacon_kv"
	driverName   = "sqlite"
)

// ErrPathRequired is returned when Open is called without a database path.
var ErrPathRequired = errors.New("beacon sqlite: path is required")

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	storage_key TEXT NOT NULL PRIMARY KEY,
	payload BLOB,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Option configures the store.
type Option func(*config)

type config struct {
	table string
}

// WithTable sets the key/value table name.
func WithTable(name string) Option {
	return func(c *config) {
		c.table = name
	}
}

// Store implements beacon.Storage on a SQLite file.
type Store struct {
	*sqlkv.Store
}

var _ beacon.Storage = (*Store)(nil)

// Open opens or creates the database at path and its table. The parent
// directory is created when missing. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrPathRequired
	}
	cfg := config{table: defaultTable}
	for _, opt := range opts {
		opt(&cfg)
	}
	table, err := sqlkv.SanitizeTableName(cfg.table)
	if err != nil {
		return nil, err
	}
	if strings.Contains(table, ".") {
		return nil, fmt.Errorf("%w: %s", sqlkv.ErrInvalidTableName, table)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("beacon sqlite: create directory failed: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("beacon sqlite: open failed: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("beacon sqlite: %s failed: %w", pragma, err)
		}
	}

	quoted := `"` + table + `"`
	if err := sqlkv.EnsureSchema(ctx, db, driverName, fmt.Sprintf(schemaTemplate, quoted)); err != nil {
		_ = db.Close()

		return nil, err
	}
	kv, err := sqlkv.New(db, driverName, sqlkv.Queries{
		Load: fmt.Sprintf("SELECT payload FROM %s WHERE storage_key = ?", quoted),
		Save: fmt.Sprintf(
			"INSERT INTO %s (storage_key, payload) VALUES (?, ?) "+
				"ON CONFLICT(storage_key) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP",
			quoted,
		),
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{Store: kv}, nil
}
