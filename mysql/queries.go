package mysql

import (
	"fmt"

	"github.com/velmie/beacon/internal/sqlkv"
)

func newQueries(table string) sqlkv.Queries {
	return sqlkv.Queries{
		Load: fmt.Sprintf("SELECT payload FROM %s WHERE storage_key = ?", table),
		Save: fmt.Sprintf(
			"INSERT INTO %s (storage_key, payload) VALUES (?, ?) "+
				"ON DUPLICATE KEY UPDATE payload = VALUES(payload), updated_at = CURRENT_TIMESTAMP(6)",
			table,
		),
	}
}

func quoteTable(table string) string {
	return sqlkv.QuoteQualified(table, func(part string) string {
		return "`" + part + "`"
	})
}
