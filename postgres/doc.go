// Package postgres stores beacon state in a PostgreSQL key/value table using lib/pq.
package postgres
