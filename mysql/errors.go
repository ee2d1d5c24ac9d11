package mysql

import (
	"errors"

	"github.com/velmie/beacon/internal/sqlkv"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = sqlkv.ErrDBRequired
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = sqlkv.ErrTableNameRequired
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = sqlkv.ErrInvalidTableName
	// ErrDSNRequired is returned when Open is called with an empty DSN.
	ErrDSNRequired = errors.New("beacon mysql: dsn is required")
)
