// Package mysql implements the MySQL source and destination adapters
// on database/sql with the go-sql-driver.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
)

const sourceBatchSize = 1000

// Source reads tables, schemas and rows from a MySQL database.
type Source struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSource returns an unconnected MySQL source.
func NewSource(logger zerolog.Logger) *Source {
	return &Source{logger: logger.With().Str("component", "mysql-source").Logger()}
}

func (s *Source) Key() string    { return "mysql" }
func (s *Source) BatchSize() int { return sourceBatchSize }

func (s *Source) Connect(ctx context.Context, cfg adapter.Config) error {
	database, err := cfg.Require("database")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	db, err := open(ctx, cfg, database)
	if err != nil {
		return err
	}
	s.db = db
	s.logger.Info().
		Str("host", cfg.String("host", "")).
		Str("database", cfg.String("database", "")).
		Msg("connected to mysql source")
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

// open dials MySQL, optionally selecting a database. ParseTime makes
// DATETIME columns surface as time.Time.
func open(ctx context.Context, cfg adapter.Config, database string) (*sql.DB, error) {
	host, err := cfg.Require("host")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	mc := mysql.NewConfig()
	mc.User = cfg.String("username", "root")
	mc.Passwd = cfg.String("password", "")
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", host, cfg.Int("port", 3306))
	mc.DBName = database
	mc.ParseTime = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("%w: open mysql: %v", adapter.ErrConnection, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", adapter.ErrConnection, mc.Addr, err)
	}
	return db, nil
}

const listTablesQuery = `
SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
ORDER BY table_name`

func (s *Source) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %v", adapter.ErrSchema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("%w: scan table row: %v", adapter.ErrSchema, err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

const columnsQuery = `
SELECT column_name, data_type, character_maximum_length,
       numeric_precision, numeric_scale, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`

const primaryKeyQuery = `
SELECT column_name FROM information_schema.statistics
WHERE table_schema = DATABASE() AND table_name = ? AND index_name = 'PRIMARY'
ORDER BY seq_in_index`

const foreignKeysQuery = `
SELECT constraint_name, column_name, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = DATABASE() AND table_name = ?
  AND referenced_table_name IS NOT NULL
ORDER BY constraint_name, ordinal_position`

const indexesQuery = `
SELECT index_name, column_name, non_unique
FROM information_schema.statistics
WHERE table_schema = DATABASE() AND table_name = ? AND index_name <> 'PRIMARY'
ORDER BY index_name, seq_in_index`

func (s *Source) Schema(ctx context.Context, table string) (*adapter.TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, columnsQuery, table)
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
		col.Default = def.String
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %q has no columns", adapter.ErrSchema, table)
	}

	ts.PrimaryKey = s.stringColumn(ctx, primaryKeyQuery, table, "primary key")
	ts.ForeignKeys = s.foreignKeys(ctx, table)
	ts.Unique, ts.Indexes = s.indexes(ctx, table)
	return ts, nil
}

func (s *Source) stringColumn(ctx context.Context, query, table, probe string) []string {
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msgf("%s probe failed", probe)
		return nil
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msgf("%s probe failed", probe)
			return nil
		}
		out = append(out, v)
	}
	return out
}

func (s *Source) foreignKeys(ctx context.Context, table string) []adapter.ForeignKey {
	rows, err := s.db.QueryContext(ctx, foreignKeysQuery, table)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("foreign key probe failed")
		return nil
	}
	defer rows.Close()

	byName := map[string]*adapter.ForeignKey{}
	var order []string
	for rows.Next() {
		var name, col, refTable, refCol string
		if err := rows.Scan(&name, &col, &refTable, &refCol); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("foreign key probe failed")
			return nil
		}
		fk, ok := byName[name]
		if !ok {
			fk = &adapter.ForeignKey{Name: name, RefTable: refTable}
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

func (s *Source) indexes(ctx context.Context, table string) (unique, secondary []adapter.Index) {
	rows, err := s.db.QueryContext(ctx, indexesQuery, table)
	if err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("index probe failed")
		return nil, nil
	}
	defer rows.Close()

	byName := map[string]*adapter.Index{}
	var order []string
	for rows.Next() {
		var name, col string
		var nonUnique int
		if err := rows.Scan(&name, &col, &nonUnique); err != nil {
			s.logger.Warn().Err(err).Str("table", table).Msg("index probe failed")
			return nil, nil
		}
		idx, ok := byName[name]
		if !ok {
			idx = &adapter.Index{Name: name, Unique: nonUnique == 0}
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
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
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

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s > ?", quoteIdent(table), quoteIdent(col))
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("%w: incremental read %q: %v", adapter.ErrRead, table, err)
	}
	return newRowStream(rows, batchSize)
}

// rowStream adapts *sql.Rows to the batched pull iterator. Byte slices
// are converted to strings since the driver returns text columns as
// []byte.
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
			rec[c] = normalize(vals[i])
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

func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
