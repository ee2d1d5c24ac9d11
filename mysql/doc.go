// Package mysql stores beacon state in a MySQL 8.0+ key/value table.
//
// Each storage key is one row; values are LONGBLOB and written with
// INSERT ... ON DUPLICATE KEY UPDATE, so a Save is a single atomic statement.
// See Schema for the table definition.
package mysql
