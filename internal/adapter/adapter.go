// Package adapter defines the contracts between the pipeline engine and the
// pluggable source/destination implementations, plus the registry that maps
// adapter keys to factories.
package adapter

import (
	"context"
	"time"
)

// Record is a single row keyed by column name. Values are driver-native for
// SQL sources and stringified for API sources.
type Record map[string]any

// RowStream is a finite pull iterator over batches of records. Next returns
// io.EOF after the last batch. Streams are not restartable: a failed stream
// aborts its table, never the whole operation.
type RowStream interface {
	Next(ctx context.Context) ([]Record, error)
	Close() error
}

// Source extracts tables from one upstream system. Implementations are
// created fresh per migration by the registry and never shared across
// concurrent operations. Connect and Close come in pairs on every exit path.
type Source interface {
	// Key returns the registry key (e.g. "postgresql", "zoho").
	Key() string

	// BatchSize returns the batch size this source family tolerates:
	// small for rate-limited APIs, large for SQL engines.
	BatchSize() int

	Connect(ctx context.Context, cfg Config) error
	Close() error

	// ListTables enumerates migratable tables. For API sources these are
	// logical modules/resources.
	ListTables(ctx context.Context) ([]string, error)

	// Schema describes one table including constraints. Constraint probes
	// are best-effort: their failures degrade to empty results.
	Schema(ctx context.Context, table string) (*TableSchema, error)

	// Read streams the full table in batches of at most batchSize records.
	Read(ctx context.Context, table string, batchSize int) (RowStream, error)

	// ReadIncremental streams only records whose change-tracking field is
	// strictly greater than since.
	ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (RowStream, error)
}

// Destination loads translated data into one downstream system.
type Destination interface {
	// Key returns the registry key (e.g. "clickhouse", "mysql").
	Key() string

	// Connect opens the destination. sourceKey lets the destination pick a
	// source-aware type map and table-naming scheme. The target
	// database/namespace is created when missing.
	Connect(ctx context.Context, cfg Config, sourceKey string) error
	Close() error

	// TableName translates a source table identifier into the destination
	// table name (prefixing by source family).
	TableName(sourceKey, table string) string

	// MapTypes translates source columns into destination column
	// definitions. Total: unknown types degrade to the widest string type.
	MapTypes(cols []Column, sourceKey string) ([]ColumnDef, error)

	// CreateTable is idempotent. It never drops an existing table and
	// succeeds when the table already exists with a superset schema.
	CreateTable(ctx context.Context, table string, cols []ColumnDef, primaryKey []string) error

	// TableColumns lists the live column names of an existing table.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// EvolveSchema adds missing columns as nullable.
	EvolveSchema(ctx context.Context, table string, missing []ColumnDef) error

	// Write loads one batch and returns the number of records written.
	// With a known primary key the write is an upsert; otherwise append.
	Write(ctx context.Context, table string, batch []Record, primaryKey []string) (int, error)

	// Post-load constraint creation. Failures are recorded by the engine
	// but never fail the table.
	CreateIndexes(ctx context.Context, table string, schema *TableSchema) error
	CreateUniqueConstraints(ctx context.Context, table string, schema *TableSchema) error
	CreateForeignKeys(ctx context.Context, table string, schema *TableSchema) error
}
