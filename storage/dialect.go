package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL syntax differences between SQLite and
// PostgreSQL so the query code can be written once.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres").
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// AutoIncrement returns the column type for auto-incrementing primary keys.
	AutoIncrement() string

	// TimestampType returns the column type for timestamps.
	TimestampType() string

	// BoolType returns the column type for boolean values.
	BoolType() string

	// BlobType returns the column type for binary firmware payloads.
	BlobType() string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string { return "?" }

func (d *SQLiteDialect) AutoIncrement() string { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

func (d *SQLiteDialect) TimestampType() string { return "DATETIME" }

func (d *SQLiteDialect) BoolType() string { return "INTEGER" }

func (d *SQLiteDialect) BlobType() string { return "BLOB" }

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }

func (d *PostgresDialect) AutoIncrement() string { return "BIGSERIAL PRIMARY KEY" }

func (d *PostgresDialect) TimestampType() string { return "TIMESTAMPTZ" }

func (d *PostgresDialect) BoolType() string { return "BOOLEAN" }

func (d *PostgresDialect) BlobType() string { return "BYTEA" }

// ConvertPlaceholders rewrites SQLite-style ? placeholders to $n form.
// Queries are written once in ? style and converted at execution time for
// PostgreSQL.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&result, "$%d", n)
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}

// PlaceholderSet generates a comma-separated placeholder list for IN
// clauses, e.g. "?, ?, ?" or "$3, $4, $5".
func PlaceholderSet(dialect Dialect, count int, startIndex int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = dialect.Placeholder(startIndex + i)
	}
	return strings.Join(placeholders, ", ")
}
