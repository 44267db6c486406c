package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/pkg/ident"
)

// pgMaxIdent is the PostgreSQL identifier length limit.
const pgMaxIdent = 63

// Destination writes migrated tables into a PostgreSQL database.
type Destination struct {
	pool      *pgxpool.Pool
	logger    zerolog.Logger
	sourceKey string
}

// NewDestination returns an unconnected PostgreSQL destination.
func NewDestination(logger zerolog.Logger) *Destination {
	return &Destination{logger: logger.With().Str("component", "postgres-dest").Logger()}
}

func (d *Destination) Key() string { return "postgresql" }

func (d *Destination) Connect(ctx context.Context, cfg adapter.Config, sourceKey string) error {
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
	d.pool = pool
	d.sourceKey = sourceKey
	d.logger.Info().
		Str("host", cfg.String("host", "")).
		Str("database", cfg.String("database", "")).
		Str("source", sourceKey).
		Msg("connected to postgres destination")
	return nil
}

func (d *Destination) Close() error {
	if d.pool != nil {
		d.pool.Close()
		d.pool = nil
	}
	return nil
}

// TableName maps a source table onto its destination name: sanitized,
// so schema qualifiers collapse into the identifier.
func (d *Destination) TableName(sourceKey, table string) string {
	return ident.Sanitize(table)
}

var typeMap = map[string]string{
	"smallint": "SMALLINT", "int2": "SMALLINT", "tinyint": "SMALLINT",
	"integer": "INTEGER", "int": "INTEGER", "int4": "INTEGER", "mediumint": "INTEGER",
	"bigint": "BIGINT", "int8": "BIGINT",
	"serial": "SERIAL", "bigserial": "BIGSERIAL", "smallserial": "SMALLSERIAL",
	"real": "REAL", "float4": "REAL",
	"double precision": "DOUBLE PRECISION", "float8": "DOUBLE PRECISION",
	"float": "DOUBLE PRECISION", "double": "DOUBLE PRECISION",
	"money": "NUMERIC(19,4)", "smallmoney": "NUMERIC(10,4)",
	"boolean": "BOOLEAN", "bool": "BOOLEAN", "bit": "BOOLEAN",
	"text": "TEXT", "ntext": "TEXT", "tinytext": "TEXT", "mediumtext": "TEXT", "longtext": "TEXT",
	"bytea": "BYTEA", "blob": "BYTEA", "longblob": "BYTEA", "binary": "BYTEA",
	"varbinary": "BYTEA", "image": "BYTEA",
	"timestamp": "TIMESTAMP", "timestamp without time zone": "TIMESTAMP",
	"timestamp with time zone": "TIMESTAMPTZ", "timestamptz": "TIMESTAMPTZ",
	"datetime": "TIMESTAMP", "datetime2": "TIMESTAMP", "smalldatetime": "TIMESTAMP",
	"datetimeoffset": "TIMESTAMPTZ",
	"date":           "DATE",
	"time":           "TIME", "time without time zone": "TIME", "time with time zone": "TIME",
	"interval": "INTERVAL",
	"json":     "JSONB", "jsonb": "JSONB",
	"uuid": "UUID", "uniqueidentifier": "UUID",
	"inet": "INET", "cidr": "CIDR", "macaddr": "MACADDR",
	"enum": "TEXT", "set": "TEXT",
	"string": "TEXT",
}

// MapTypes converts source column metadata into PostgreSQL column
// definitions. API-source columns are created as TEXT since their
// values arrive pre-stringified; unknown relational types widen to
// TEXT rather than failing.
func (d *Destination) MapTypes(cols []adapter.Column, sourceKey string) ([]adapter.ColumnDef, error) {
	defs := make([]adapter.ColumnDef, 0, len(cols))
	api := adapter.IsAPISource(sourceKey)
	for _, col := range cols {
		def := adapter.ColumnDef{Name: col.Name, Nullable: col.Nullable}
		if api {
			def.Type = "TEXT"
			defs = append(defs, def)
			continue
		}
		def.Type = d.mapType(col)
		if col.Default != "" {
			if translated, ok := adapter.TranslateDefault(col.Default); ok {
				def.Default = translated
			}
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (d *Destination) mapType(col adapter.Column) string {
	t := strings.ToLower(strings.TrimSpace(col.Type))

	if strings.Contains(t, "[]") || strings.Contains(t, "array") {
		return "JSONB"
	}
	switch t {
	case "character varying", "varchar", "nvarchar", "character", "char", "nchar":
		isChar := t == "character" || t == "char" || t == "nchar"
		if col.MaxLength > 0 {
			if isChar {
				return fmt.Sprintf("CHAR(%d)", col.MaxLength)
			}
			return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
		}
		return "TEXT"
	case "numeric", "decimal":
		if col.Precision > 0 && col.Scale > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", col.Precision, col.Scale)
		}
		if col.Precision > 0 {
			return fmt.Sprintf("NUMERIC(%d)", col.Precision)
		}
		return "NUMERIC"
	}
	if mapped, ok := typeMap[t]; ok {
		return mapped
	}
	d.logger.Warn().Str("type", col.Type).Str("column", col.Name).Msg("unknown source type, mapping to TEXT")
	return "TEXT"
}

// CreateTable creates the table if it does not exist. Existing tables
// are left untouched.
func (d *Destination) CreateTable(ctx context.Context, table string, cols []adapter.ColumnDef, primaryKey []string) error {
	if len(cols) == 0 {
		return fmt.Errorf("%w: no columns for table %q", adapter.ErrSchema, table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(table))
	for i, c := range cols {
		fmt.Fprintf(&b, "  %s %s", quoteIdent(ident.Sanitize(c.Name)), c.Type)
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		if c.Default != "" {
			b.WriteString(" DEFAULT " + c.Default)
		}
		if i < len(cols)-1 || len(primaryKey) > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	if len(primaryKey) > 0 {
		fmt.Fprintf(&b, "  PRIMARY KEY (%s)\n", joinQuoted(primaryKey))
	}
	b.WriteByte(')')

	if _, err := d.pool.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("%w: create table %q: %v", adapter.ErrSchema, table, err)
	}
	return nil
}

// TableColumns returns the live column set of a destination table.
func (d *Destination) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// EvolveSchema adds columns that appeared in the stream after the table
// was created. Evolution columns are always nullable TEXT.
func (d *Destination) EvolveSchema(ctx context.Context, table string, missing []adapter.ColumnDef) error {
	for _, c := range missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT",
			quoteIdent(table), quoteIdent(ident.Sanitize(c.Name)))
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: add column %q to %q: %v", adapter.ErrSchema, c.Name, table, err)
		}
		d.logger.Debug().Str("table", table).Str("column", c.Name).Msg("added column")
	}
	return nil
}

// Write inserts a batch. With a known primary key rows are upserted so
// re-runs converge; without one the batch is appended via COPY.
func (d *Destination) Write(ctx context.Context, table string, batch []adapter.Record, primaryKey []string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	cols := recordColumns(batch)
	if len(cols) == 0 {
		return 0, nil
	}

	if len(primaryKey) > 0 {
		if err := d.upsert(ctx, table, cols, batch, primaryKey); err != nil {
			return 0, err
		}
		return len(batch), nil
	}
	if err := d.copyAppend(ctx, table, cols, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (d *Destination) upsert(ctx context.Context, table string, cols []string, batch []adapter.Record, primaryKey []string) error {
	query := upsertSQL(table, cols, len(batch), primaryKey)

	vals := make([]any, 0, len(batch)*len(cols))
	for _, rec := range batch {
		for _, c := range cols {
			vals = append(vals, rec[c])
		}
	}

	if _, err := d.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("%w: upsert into %q (%d rows): %v", adapter.ErrWrite, table, len(batch), err)
	}
	return nil
}

// upsertSQL builds a multi-row INSERT ... ON CONFLICT statement with
// positional placeholders in row-major order.
func upsertSQL(table string, cols []string, nrows int, primaryKey []string) string {
	sanitized := make([]string, len(cols))
	for i, c := range cols {
		sanitized[i] = ident.Sanitize(c)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for i, c := range sanitized {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")

	n := 0
	for i := 0; i < nrows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			n++
			fmt.Fprintf(&b, "$%d", n)
		}
		b.WriteByte(')')
	}

	pkSet := make(map[string]bool, len(primaryKey))
	for _, k := range primaryKey {
		pkSet[ident.Sanitize(k)] = true
	}
	var updates []string
	for _, c := range sanitized {
		if !pkSet[c] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c), quoteIdent(c)))
		}
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(joinQuoted(primaryKey))
	b.WriteString(") ")
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(updates, ", "))
	}
	return b.String()
}

func (d *Destination) copyAppend(ctx context.Context, table string, cols []string, batch []adapter.Record) error {
	sanitized := make([]string, len(cols))
	for i, c := range cols {
		sanitized[i] = ident.Sanitize(c)
	}

	copyRows := make([][]any, len(batch))
	for i, rec := range batch {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = rec[c]
		}
		copyRows[i] = row
	}

	_, err := d.pool.CopyFrom(ctx, pgx.Identifier{table}, sanitized, pgx.CopyFromRows(copyRows))
	if err != nil {
		return fmt.Errorf("%w: copy into %q (%d rows): %v", adapter.ErrWrite, table, len(copyRows), err)
	}
	return nil
}

// CreateIndexes creates the source table's secondary indexes. Failures
// are joined and reported as constraint errors so the load itself is
// not rolled back.
func (d *Destination) CreateIndexes(ctx context.Context, table string, schema *adapter.TableSchema) error {
	var errs []error
	for _, idx := range schema.Indexes {
		if idx.Unique {
			// Unique indexes are handled by CreateUniqueConstraints.
			continue
		}
		name := ident.Truncate(ident.Sanitize(table+"_"+idx.Name), pgMaxIdent)
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(name), quoteIdent(table), joinQuoted(idx.Columns))
		if _, err := d.pool.Exec(ctx, stmt); err != nil && !isDuplicateObject(err) {
			errs = append(errs, fmt.Errorf("index %q: %w", idx.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", adapter.ErrConstraint, errors.Join(errs...))
	}
	return nil
}

// CreateUniqueConstraints recreates unique constraints; duplicates from
// re-runs are tolerated.
func (d *Destination) CreateUniqueConstraints(ctx context.Context, table string, schema *adapter.TableSchema) error {
	var errs []error
	for _, u := range uniqueTargets(schema) {
		name := ident.Truncate(ident.Sanitize(table+"_"+u.Name), pgMaxIdent)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
			quoteIdent(table), quoteIdent(name), joinQuoted(u.Columns))
		if _, err := d.pool.Exec(ctx, stmt); err != nil && !isDuplicateObject(err) {
			errs = append(errs, fmt.Errorf("unique constraint %q: %w", u.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", adapter.ErrConstraint, errors.Join(errs...))
	}
	return nil
}

// CreateForeignKeys recreates foreign keys against the destination-side
// names of the referenced tables. Called after all tables have loaded.
func (d *Destination) CreateForeignKeys(ctx context.Context, table string, schema *adapter.TableSchema) error {
	var errs []error
	for _, fk := range schema.ForeignKeys {
		name := ident.Truncate(ident.Sanitize(table+"_"+fk.Name), pgMaxIdent)
		refTable := d.TableName(d.sourceKey, fk.RefTable)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteIdent(table), quoteIdent(name),
			joinQuoted(fk.Columns), quoteIdent(refTable), joinQuoted(fk.RefColumns))
		if _, err := d.pool.Exec(ctx, stmt); err != nil && !isDuplicateObject(err) {
			errs = append(errs, fmt.Errorf("foreign key %q: %w", fk.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", adapter.ErrConstraint, errors.Join(errs...))
	}
	return nil
}

// uniqueTargets merges declared unique constraints with unique indexes,
// deduplicated by column set.
func uniqueTargets(schema *adapter.TableSchema) []adapter.Index {
	var out []adapter.Index
	seen := map[string]bool{}
	add := func(idx adapter.Index) {
		key := strings.Join(idx.Columns, "\x00")
		if !seen[key] {
			seen[key] = true
			out = append(out, idx)
		}
	}
	for _, u := range schema.Unique {
		add(u)
	}
	for _, idx := range schema.Indexes {
		if idx.Unique {
			add(idx)
		}
	}
	return out
}

// recordColumns returns the sorted union of keys across the batch, so
// sparse API records still line up to one column list.
func recordColumns(batch []adapter.Record) []string {
	set := map[string]bool{}
	for _, rec := range batch {
		for k := range rec {
			set[k] = true
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 42710 duplicate_object, 42P07 duplicate_table, 42701 duplicate_column.
		switch pgErr.Code {
		case "42710", "42P07", "42701":
			return true
		}
	}
	return false
}

func joinQuoted(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(ident.Sanitize(n))
	}
	return strings.Join(quoted, ", ")
}
