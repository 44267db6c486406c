// Package sqlserver implements the SQL Server source adapter on
// database/sql with the go-mssqldb driver.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/pkg/ident"
)

const sourceBatchSize = 1000

// Source reads tables, schemas and rows from a SQL Server database.
// Hosts may carry a named instance ("HOST\INSTANCE"), and leaving the
// username empty or set to "windows"/"trusted" selects a trusted
// connection.
type Source struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSource returns an unconnected SQL Server source.
func NewSource(logger zerolog.Logger) *Source {
	return &Source{logger: logger.With().Str("component", "sqlserver-source").Logger()}
}

func (s *Source) Key() string    { return "sqlserver" }
func (s *Source) BatchSize() int { return sourceBatchSize }

func (s *Source) Connect(ctx context.Context, cfg adapter.Config) error {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return fmt.Errorf("%w: open sqlserver: %v", adapter.ErrConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("%w: ping %s: %v", adapter.ErrConnection, cfg.String("host", ""), err)
	}
	s.db = db
	s.logger.Info().
		Str("host", cfg.String("host", "")).
		Str("database", cfg.String("database", "")).
		Msg("connected to sqlserver source")
	return nil
}

func (s *Source) Close() error {
	if s.db != nil {
		err := s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

// buildDSN assembles a sqlserver:// URL. Named instances ride in the
// URL path and disable encryption the way on-prem instances with
// self-signed certificates expect.
func buildDSN(cfg adapter.Config) (string, error) {
	host, err := cfg.Require("host")
	if err != nil {
		return "", err
	}
	database, err := cfg.Require("database")
	if err != nil {
		return "", err
	}

	host, instance, _ := strings.Cut(host, `\`)
	username := cfg.String("username", "")
	password := cfg.String("password", "")
	trusted := cfg.Bool("trusted_connection", false) || isTrustedMarker(username) || isTrustedMarker(password)

	u := &url.URL{Scheme: "sqlserver", Host: host}
	if instance != "" {
		u.Path = instance
	} else if port := cfg.Int("port", 0); port > 0 {
		u.Host = fmt.Sprintf("%s:%d", host, port)
	}

	q := url.Values{}
	q.Set("database", database)
	if trusted {
		q.Set("trusted_connection", "yes")
	} else {
		u.User = url.UserPassword(username, password)
	}
	if instance != "" {
		q.Set("encrypt", "disable")
		q.Set("TrustServerCertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isTrustedMarker(s string) bool {
	switch strings.ToLower(s) {
	case "", "windows", "trusted":
		return true
	}
	return false
}

const listTablesQuery = `
SELECT TABLE_SCHEMA, TABLE_NAME
FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE'
  AND TABLE_SCHEMA NOT IN ('sys', 'INFORMATION_SCHEMA')
ORDER BY TABLE_SCHEMA, TABLE_NAME`

// ListTables returns every base table as schema.table.
func (s *Source) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listTablesQuery)
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
		tables = append(tables, schema+"."+table)
	}
	return tables, rows.Err()
}

const columnsQuery = `
SELECT COLUMN_NAME, DATA_TYPE, CHARACTER_MAXIMUM_LENGTH,
       NUMERIC_PRECISION, NUMERIC_SCALE, IS_NULLABLE, COLUMN_DEFAULT
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
ORDER BY ORDINAL_POSITION`

const primaryKeyQuery = `
SELECT kcu.COLUMN_NAME
FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
  ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
 AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
  AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
ORDER BY kcu.ORDINAL_POSITION`

const foreignKeysQuery = `
SELECT fk.name,
       cp.name AS column_name,
       OBJECT_SCHEMA_NAME(fk.referenced_object_id) AS ref_schema,
       OBJECT_NAME(fk.referenced_object_id) AS ref_table,
       cr.name AS ref_column
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
JOIN sys.columns cp ON fkc.parent_object_id = cp.object_id AND fkc.parent_column_id = cp.column_id
JOIN sys.columns cr ON fkc.referenced_object_id = cr.object_id AND fkc.referenced_column_id = cr.column_id
WHERE fk.parent_object_id = OBJECT_ID(@p1)
ORDER BY fk.name, fkc.constraint_column_id`

const indexesQuery = `
SELECT i.name, c.name AS column_name, i.is_unique
FROM sys.indexes i
JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
WHERE i.object_id = OBJECT_ID(@p1)
  AND i.is_primary_key = 0 AND i.type > 0 AND i.name IS NOT NULL
ORDER BY i.name, ic.key_ordinal`

func (s *Source) Schema(ctx context.Context, table string) (*adapter.TableSchema, error) {
	schemaName, tableName := splitTable(table)

	rows, err := s.db.QueryContext(ctx, columnsQuery, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	defer rows.Close()

	ts := &adapter.TableSchema{Name: table}
	for rows.Next() {
		var (
			col       adapter.Column
			maxLen    sql.NullInt64
			precision sql.NullInt64
			scale     sql.NullInt64
			nullable  string
			def       sql.NullString
		)
		if err := rows.Scan(&col.Name, &col.Type, &maxLen, &precision, &scale, &nullable, &def); err != nil {
			return nil, fmt.Errorf("%w: scan column of %q: %v", adapter.ErrSchema, table, err)
		}
		col.Nullable = nullable == "YES"
		col.MaxLength = int(maxLen.Int64)
		col.Precision = int(precision.Int64)
		col.Scale = int(scale.Int64)
		col.Default = strings.Trim(def.String, "()")
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %q has no columns", adapter.ErrSchema, table)
	}

	ts.PrimaryKey = s.primaryKey(ctx, schemaName, tableName)
	ts.ForeignKeys = s.foreignKeys(ctx, schemaName+"."+tableName)
	ts.Unique, ts.Indexes = s.indexes(ctx, schemaName+"."+tableName)
	return ts, nil
}

func (s *Source) primaryKey(ctx context.Context, schema, table string) []string {
	rows, err := s.db.QueryContext(ctx, primaryKeyQuery, schema, table)
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

func (s *Source) foreignKeys(ctx context.Context, qualified string) []adapter.ForeignKey {
	rows, err := s.db.QueryContext(ctx, foreignKeysQuery, qualified)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", qualified).Msg("foreign key probe failed")
		return nil
	}
	defer rows.Close()

	byName := map[string]*adapter.ForeignKey{}
	var order []string
	for rows.Next() {
		var name, col, refSchema, refTable, refCol string
		if err := rows.Scan(&name, &col, &refSchema, &refTable, &refCol); err != nil {
			s.logger.Warn().Err(err).Str("table", qualified).Msg("foreign key probe failed")
			return nil
		}
		fk, ok := byName[name]
		if !ok {
			fk = &adapter.ForeignKey{Name: name, RefTable: refSchema + "." + refTable}
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

func (s *Source) indexes(ctx context.Context, qualified string) (unique, secondary []adapter.Index) {
	rows, err := s.db.QueryContext(ctx, indexesQuery, qualified)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", qualified).Msg("index probe failed")
		return nil, nil
	}
	defer rows.Close()

	byName := map[string]*adapter.Index{}
	var order []string
	for rows.Next() {
		var name, col string
		var isUnique bool
		if err := rows.Scan(&name, &col, &isUnique); err != nil {
			s.logger.Warn().Err(err).Str("table", qualified).Msg("index probe failed")
			return nil, nil
		}
		idx, ok := byName[name]
		if !ok {
			idx = &adapter.Index{Name: name, Unique: isUnique}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, col)
	}

	for _, name := range order {
		idx := *byName[name]
		if idx.Unique {
			unique = append(unique, idx)
		} else {
			secondary = append(secondary, idx)
		}
	}
	return unique, secondary
}

func (s *Source) Read(ctx context.Context, table string, batchSize int) (adapter.RowStream, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+qualifiedName(table))
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", adapter.ErrRead, table, err)
	}
	return newRowStream(rows, batchSize)
}

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

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > @p1", qualifiedName(table), quoteIdent(col))
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("%w: incremental read %q: %v", adapter.ErrRead, table, err)
	}
	return newRowStream(rows, batchSize)
}

type rowStream struct {
	rows      *sql.Rows
	cols      []string
	batchSize int
}

func newRowStream(rows *sql.Rows, batchSize int) (*rowStream, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("%w: columns: %v", adapter.ErrRead, err)
	}
	if batchSize <= 0 {
		batchSize = sourceBatchSize
	}
	return &rowStream{rows: rows, cols: cols, batchSize: batchSize}, nil
}

func (r *rowStream) Next(ctx context.Context) ([]adapter.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch := make([]adapter.Record, 0, r.batchSize)
	vals := make([]any, len(r.cols))
	ptrs := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for len(batch) < r.batchSize && r.rows.Next() {
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan row: %v", adapter.ErrRead, err)
		}
		rec := make(adapter.Record, len(r.cols))
		for i, c := range r.cols {
			if b, ok := vals[i].([]byte); ok {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
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
	return r.rows.Close()
}

func splitTable(qualified string) (schema, table string) {
	schema, table = ident.Split(qualified)
	if schema == "" {
		schema = "dbo"
	}
	return schema, table
}

func qualifiedName(qualified string) string {
	schema, table := splitTable(qualified)
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func quoteIdent(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}
