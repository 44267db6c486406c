// Package postgres implements the PostgreSQL source and destination
// adapters on pgx.
package postgres

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/pkg/ident"
)

const sourceBatchSize = 1000

// Source reads tables, schemas and rows from a PostgreSQL database.
type Source struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewSource returns an unconnected PostgreSQL source.
func NewSource(logger zerolog.Logger) *Source {
	return &Source{logger: logger.With().Str("component", "postgres-source").Logger()}
}

func (s *Source) Key() string    { return "postgresql" }
func (s *Source) BatchSize() int { return sourceBatchSize }

func (s *Source) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("%w: create pool: %v", adapter.ErrConnection, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: ping %s:%d: %v", adapter.ErrConnection,
			cfg.String("host", ""), cfg.Int("port", 5432), err)
	}
	s.pool = pool
	s.logger.Info().
		Str("host", cfg.String("host", "")).
		Str("database", cfg.String("database", "")).
		Msg("connected to postgres source")
	return nil
}

func (s *Source) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

const listTablesQuery = `
SELECT table_schema, table_name
FROM information_schema.tables
WHERE table_type = 'BASE TABLE'
  AND table_schema NOT IN ('information_schema', 'pg_catalog', 'pg_toast')
ORDER BY table_schema, table_name`

// ListTables returns every base table, schema-qualified unless it lives
// in public.
func (s *Source) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, listTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %v", adapter.ErrSchema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			return nil, fmt.Errorf("%w: scan table row: %v", adapter.ErrSchema, err)
		}
		if schema == "public" {
			tables = append(tables, table)
		} else {
			tables = append(tables, schema+"."+table)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tables: %v", adapter.ErrSchema, err)
	}
	return tables, nil
}

const columnsQuery = `
SELECT column_name, data_type, character_maximum_length,
       numeric_precision, numeric_scale, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

const primaryKeyQuery = `
SELECT a.attname
FROM pg_index i
JOIN pg_class c ON c.oid = i.indrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE c.relname = $1 AND n.nspname = $2 AND i.indisprimary`

const foreignKeysQuery = `
SELECT tc.constraint_name, kcu.column_name,
       ccu.table_schema AS foreign_table_schema,
       ccu.table_name   AS foreign_table_name,
       ccu.column_name  AS foreign_column_name
FROM information_schema.table_constraints AS tc
JOIN information_schema.key_column_usage AS kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage AS ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_name = $1 AND tc.table_schema = $2`

const uniqueConstraintsQuery = `
SELECT tc.constraint_name, kcu.column_name
FROM information_schema.table_constraints AS tc
JOIN information_schema.key_column_usage AS kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
WHERE tc.constraint_type = 'UNIQUE'
  AND tc.table_name = $1 AND tc.table_schema = $2
ORDER BY tc.constraint_name, kcu.ordinal_position`

const indexesQuery = `
SELECT i.relname AS index_name, a.attname AS column_name, ix.indisunique
FROM pg_class t
JOIN pg_namespace n ON t.relnamespace = n.oid
JOIN pg_index ix ON t.oid = ix.indrelid
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
WHERE t.relkind = 'r'
  AND t.relname = $1 AND n.nspname = $2
  AND NOT ix.indisprimary
ORDER BY i.relname, array_position(ix.indkey, a.attnum)`

// Schema returns column metadata plus primary key, foreign keys, unique
// constraints and secondary indexes. Constraint probe failures degrade
// to empty sets with a warning; only the column query is fatal.
func (s *Source) Schema(ctx context.Context, table string) (*adapter.TableSchema, error) {
	schemaName, tableName := splitTable(table)

	rows, err := s.pool.Query(ctx, columnsQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	defer rows.Close()

	ts := &adapter.TableSchema{Name: table}
	for rows.Next() {
		var (
			col       adapter.Column
			maxLen    *int
			precision *int
			scale     *int
			nullable  string
			def       *string
		)
		if err := rows.Scan(&col.Name, &col.Type, &maxLen, &precision, &scale, &nullable, &def); err != nil {
			return nil, fmt.Errorf("%w: scan column of %q: %v", adapter.ErrSchema, table, err)
		}
		col.Nullable = nullable == "YES"
		if maxLen != nil {
			col.MaxLength = *maxLen
		}
		if precision != nil {
			col.Precision = *precision
		}
		if scale != nil {
			col.Scale = *scale
		}
		if def != nil {
			col.Default = *def
		}
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %q has no columns", adapter.ErrSchema, table)
	}

	ts.PrimaryKey = s.primaryKey(ctx, schemaName, tableName)
	ts.ForeignKeys = s.foreignKeys(ctx, schemaName, tableName)
	ts.Unique = s.uniqueConstraints(ctx, schemaName, tableName)
	ts.Indexes = s.indexes(ctx, schemaName, tableName)
	return ts, nil
}

func (s *Source) primaryKey(ctx context.Context, schema, table string) []string {
	rows, err := s.pool.Query(ctx, primaryKeyQuery, table, schema)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("primary key probe failed")
		return nil
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("primary key probe failed")
			return nil
		}
		cols = append(cols, c)
	}
	return cols
}

func (s *Source) foreignKeys(ctx context.Context, schema, table string) []adapter.ForeignKey {
	rows, err := s.pool.Query(ctx, foreignKeysQuery, table, schema)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("foreign key probe failed")
		return nil
	}
	defer rows.Close()

	byName := map[string]*adapter.ForeignKey{}
	var order []string
	for rows.Next() {
		var name, col, refSchema, refTable, refCol string
		if err := rows.Scan(&name, &col, &refSchema, &refTable, &refCol); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("foreign key probe failed")
			return nil
		}
		fk, ok := byName[name]
		if !ok {
			ref := refTable
			if refSchema != "public" && refSchema != "" {
				ref = refSchema + "." + refTable
			}
			fk = &adapter.ForeignKey{Name: name, RefTable: ref}
			byName[name] = fk
			order = append(order, name)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}

	fks := make([]adapter.ForeignKey, 0, len(order))
	for _, name := range order {
		fks = append(fks, *byName[name])
	}
	return fks
}

func (s *Source) uniqueConstraints(ctx context.Context, schema, table string) []adapter.Index {
	rows, err := s.pool.Query(ctx, uniqueConstraintsQuery, table, schema)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("unique constraint probe failed")
		return nil
	}
	defer rows.Close()

	byName := map[string]*adapter.Index{}
	var order []string
	for rows.Next() {
		var name, col string
		if err := rows.Scan(&name, &col); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("unique constraint probe failed")
			return nil
		}
		u, ok := byName[name]
		if !ok {
			u = &adapter.Index{Name: name, Unique: true}
			byName[name] = u
			order = append(order, name)
		}
		u.Columns = append(u.Columns, col)
	}

	out := make([]adapter.Index, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

func (s *Source) indexes(ctx context.Context, schema, table string) []adapter.Index {
	rows, err := s.pool.Query(ctx, indexesQuery, table, schema)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("index probe failed")
		return nil
	}
	defer rows.Close()

	byName := map[string]*adapter.Index{}
	var order []string
	for rows.Next() {
		var name, col string
		var unique bool
		if err := rows.Scan(&name, &col, &unique); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("index probe failed")
			return nil
		}
		idx, ok := byName[name]
		if !ok {
			idx = &adapter.Index{Name: name, Unique: unique}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, col)
	}

	out := make([]adapter.Index, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// Read streams every row of table in batches of batchSize.
func (s *Source) Read(ctx context.Context, table string, batchSize int) (adapter.RowStream, error) {
	query := "SELECT * FROM " + qualifiedName(table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", adapter.ErrRead, table, err)
	}
	return newRowStream(rows, batchSize), nil
}

// ReadIncremental streams rows whose modification-time column is
// strictly after since. Tables without a usable column fall back to a
// full read.
func (s *Source) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (adapter.RowStream, error) {
	schema, err := s.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	col, ok := adapter.IncrementalColumn(schema)
	if !ok {
		s.logger.Warn().Str("table", table).Msg("no timestamp column, reading all data")
		return s.Read(ctx, table, batchSize)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > $1", qualifiedName(table), quoteIdent(col))
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("%w: incremental read %q: %v", adapter.ErrRead, table, err)
	}
	return newRowStream(rows, batchSize), nil
}

// rowStream adapts pgx.Rows to the batched pull iterator.
type rowStream struct {
	rows      pgx.Rows
	cols      []string
	batchSize int
}

func newRowStream(rows pgx.Rows, batchSize int) *rowStream {
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}
	if batchSize <= 0 {
		batchSize = sourceBatchSize
	}
	return &rowStream{rows: rows, cols: cols, batchSize: batchSize}
}

func (r *rowStream) Next(ctx context.Context) ([]adapter.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := make([]adapter.Record, 0, r.batchSize)
	for len(batch) < r.batchSize && r.rows.Next() {
		vals, err := r.rows.Values()
		if err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", adapter.ErrRead, err)
		}
		rec := make(adapter.Record, len(r.cols))
		for i, c := range r.cols {
			rec[c] = vals[i]
		}
		batch = append(batch, rec)
	}
	if err := r.rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrRead, err)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (r *rowStream) Close() error {
	r.rows.Close()
	return nil
}

func buildDSN(cfg adapter.Config) (string, error) {
	host, err := cfg.Require("host")
	if err != nil {
		return "", err
	}
	database, err := cfg.Require("database")
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.String("username", "postgres"), cfg.String("password", "")),
		Host:     fmt.Sprintf("%s:%d", host, cfg.Int("port", 5432)),
		Path:     database,
		RawQuery: "sslmode=" + cfg.String("sslmode", "prefer"),
	}
	return u.String(), nil
}

func splitTable(qualified string) (schema, table string) {
	schema, table = ident.Split(qualified)
	if schema == "" {
		schema = "public"
	}
	return schema, table
}

func qualifiedName(qualified string) string {
	schema, table := ident.Split(qualified)
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
