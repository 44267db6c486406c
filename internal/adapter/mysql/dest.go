package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/pkg/ident"
)

// mysqlMaxIdent is the MySQL identifier length limit.
const mysqlMaxIdent = 64

// Destination writes migrated tables into a MySQL database, creating
// the database itself when missing.
type Destination struct {
	db        *sql.DB
	logger    zerolog.Logger
	sourceKey string
}

// NewDestination returns an unconnected MySQL destination.
func NewDestination(logger zerolog.Logger) *Destination {
	return &Destination{logger: logger.With().Str("component", "mysql-dest").Logger()}
}

func (d *Destination) Key() string { return "mysql" }

func (d *Destination) Connect(ctx context.Context, cfg adapter.Config, sourceKey string) error {
	database, err := cfg.Require("database")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}

	// The target database may not exist yet; create it from a
	// database-less connection before connecting properly.
	admin, err := open(ctx, cfg, "")
	if err != nil {
		return err
	}
	createDB := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		quoteIdent(database))
	if _, err := admin.ExecContext(ctx, createDB); err != nil {
		admin.Close()
		return fmt.Errorf("%w: create database %q: %v", adapter.ErrConnection, database, err)
	}
	admin.Close()

	db, err := open(ctx, cfg, database)
	if err != nil {
		return err
	}
	d.db = db
	d.sourceKey = sourceKey
	d.logger.Info().
		Str("host", cfg.String("host", "")).
		Str("database", database).
		Str("source", sourceKey).
		Msg("connected to mysql destination")
	return nil
}

func (d *Destination) Close() error {
	if d.db != nil {
		err := d.db.Close()
		d.db = nil
		return err
	}
	return nil
}

// TableName maps a source table onto its destination name: sanitized,
// so schema qualifiers collapse into the identifier.
func (d *Destination) TableName(sourceKey, table string) string {
	return ident.Sanitize(table)
}

var typeMap = map[string]string{
	"smallint": "SMALLINT", "int2": "SMALLINT",
	"integer": "INT", "int": "INT", "int4": "INT",
	"bigint": "BIGINT", "int8": "BIGINT",
	"serial": "INT AUTO_INCREMENT", "bigserial": "BIGINT AUTO_INCREMENT",
	"smallserial": "SMALLINT AUTO_INCREMENT",
	"real":        "FLOAT", "float4": "FLOAT",
	"double precision": "DOUBLE", "float8": "DOUBLE", "float": "DOUBLE",
	"text": "TEXT", "ntext": "TEXT",
	"bytea": "BLOB", "image": "BLOB", "varbinary": "BLOB", "binary": "BLOB",
	"timestamp": "DATETIME", "timestamp without time zone": "DATETIME",
	"timestamp with time zone": "DATETIME", "timestamptz": "DATETIME",
	"datetime": "DATETIME", "datetime2": "DATETIME", "smalldatetime": "DATETIME",
	"datetimeoffset": "VARCHAR(50)",
	"date":           "DATE",
	"time":           "TIME", "time without time zone": "TIME", "time with time zone": "TIME",
	"interval": "VARCHAR(255)",
	"boolean":  "TINYINT(1)", "bool": "TINYINT(1)", "bit": "TINYINT(1)",
	"json": "JSON", "jsonb": "JSON",
	"uuid": "VARCHAR(36)", "uniqueidentifier": "CHAR(36)",
	"inet": "VARCHAR(45)", "cidr": "VARCHAR(45)", "macaddr": "VARCHAR(17)",
	"money": "DECIMAL(19,4)", "smallmoney": "DECIMAL(10,4)",
	"string": "TEXT",
}

// MapTypes converts source column metadata into MySQL column
// definitions. API-source columns become TEXT; unknown relational
// types widen to TEXT.
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
		if col.Default != "" && !strings.Contains(def.Type, "AUTO_INCREMENT") && allowsDefault(def.Type) {
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
		return "JSON"
	}
	switch t {
	case "character varying", "varchar", "nvarchar":
		if col.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
		}
		return "VARCHAR(255)"
	case "character", "char", "nchar":
		if col.MaxLength > 0 {
			return fmt.Sprintf("CHAR(%d)", col.MaxLength)
		}
		return "CHAR(255)"
	case "numeric", "decimal":
		if col.Precision > 0 && col.Scale > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", col.Precision, col.Scale)
		}
		if col.Precision > 0 {
			scale := col.Precision / 2
			if scale > 30 {
				scale = 30
			}
			return fmt.Sprintf("DECIMAL(%d,%d)", col.Precision, scale)
		}
		return "DECIMAL(65,30)"
	}
	if mapped, ok := typeMap[t]; ok {
		return mapped
	}
	d.logger.Warn().Str("type", col.Type).Str("column", col.Name).Msg("unknown source type, mapping to TEXT")
	return "TEXT"
}

// allowsDefault filters out MySQL column types that reject literal
// DEFAULT clauses.
func allowsDefault(mysqlType string) bool {
	switch strings.ToUpper(mysqlType) {
	case "TEXT", "BLOB", "JSON", "GEOMETRY":
		return false
	}
	return true
}

func (d *Destination) CreateTable(ctx context.Context, table string, cols []adapter.ColumnDef, primaryKey []string) error {
	if len(cols) == 0 {
		return fmt.Errorf("%w: no columns for table %q", adapter.ErrSchema, table)
	}

	exists, err := d.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		d.logger.Info().Str("table", table).Msg("table already exists, skipping creation")
		return nil
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
	b.WriteString(") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci")

	if _, err := d.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("%w: create table %q: %v", adapter.ErrSchema, table, err)
	}
	return nil
}

func (d *Destination) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = DATABASE() AND table_name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: check table %q: %v", adapter.ErrSchema, table, err)
	}
	return n > 0, nil
}

func (d *Destination) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?
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

// EvolveSchema adds stream-discovered columns as nullable TEXT. MySQL
// has no ADD COLUMN IF NOT EXISTS, so existence is checked first.
func (d *Destination) EvolveSchema(ctx context.Context, table string, missing []adapter.ColumnDef) error {
	existing, err := d.TableColumns(ctx, table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	for _, c := range missing {
		name := ident.Sanitize(c.Name)
		if have[name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT NULL", quoteIdent(table), quoteIdent(name))
		if _, err := d.db.ExecContext(ctx, stmt); err != nil && !isDuplicate(err) {
			return fmt.Errorf("%w: add column %q to %q: %v", adapter.ErrSchema, c.Name, table, err)
		}
		d.logger.Debug().Str("table", table).Str("column", c.Name).Msg("added column")
	}
	return nil
}

// Write inserts a batch. With a known primary key rows are upserted via
// ON DUPLICATE KEY UPDATE so re-runs converge.
func (d *Destination) Write(ctx context.Context, table string, batch []adapter.Record, primaryKey []string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	cols := recordColumns(batch)
	if len(cols) == 0 {
		return 0, nil
	}

	query := insertSQL(table, cols, len(batch), primaryKey)
	vals := make([]any, 0, len(batch)*len(cols))
	for _, rec := range batch {
		for _, c := range cols {
			vals = append(vals, rec[c])
		}
	}

	if _, err := d.db.ExecContext(ctx, query, vals...); err != nil {
		return 0, fmt.Errorf("%w: insert into %q (%d rows): %v", adapter.ErrWrite, table, len(batch), err)
	}
	return len(batch), nil
}

// insertSQL builds a multi-row INSERT; with a primary key the statement
// upserts, and when every column is part of the key it degrades to
// INSERT IGNORE.
func insertSQL(table string, cols []string, nrows int, primaryKey []string) string {
	sanitized := make([]string, len(cols))
	for i, c := range cols {
		sanitized[i] = ident.Sanitize(c)
	}

	pkSet := make(map[string]bool, len(primaryKey))
	for _, k := range primaryKey {
		pkSet[ident.Sanitize(k)] = true
	}
	var updates []string
	for _, c := range sanitized {
		if !pkSet[c] {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoteIdent(c), quoteIdent(c)))
		}
	}

	var b strings.Builder
	b.WriteString("INSERT ")
	if len(primaryKey) > 0 && len(updates) == 0 {
		b.WriteString("IGNORE ")
	}
	b.WriteString("INTO ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for i, c := range sanitized {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for i := 0; i < nrows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}

	if len(primaryKey) > 0 && len(updates) > 0 {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		b.WriteString(strings.Join(updates, ", "))
	}
	return b.String()
}

func (d *Destination) CreateIndexes(ctx context.Context, table string, schema *adapter.TableSchema) error {
	var errs []error
	for _, idx := range schema.Indexes {
		if idx.Unique {
			continue
		}
		name := ident.Truncate(ident.Sanitize(table+"_"+idx.Name), mysqlMaxIdent)
		stmt := fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quoteIdent(name), quoteIdent(table), joinQuoted(idx.Columns))
		if _, err := d.db.ExecContext(ctx, stmt); err != nil && !isDuplicate(err) {
			errs = append(errs, fmt.Errorf("index %q: %w", idx.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", adapter.ErrConstraint, errors.Join(errs...))
	}
	return nil
}

func (d *Destination) CreateUniqueConstraints(ctx context.Context, table string, schema *adapter.TableSchema) error {
	var errs []error
	for _, u := range schema.Unique {
		name := ident.Truncate(ident.Sanitize(table+"_"+u.Name), mysqlMaxIdent)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (%s)",
			quoteIdent(table), quoteIdent(name), joinQuoted(u.Columns))
		if _, err := d.db.ExecContext(ctx, stmt); err != nil && !isDuplicate(err) {
			errs = append(errs, fmt.Errorf("unique constraint %q: %w", u.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", adapter.ErrConstraint, errors.Join(errs...))
	}
	return nil
}

func (d *Destination) CreateForeignKeys(ctx context.Context, table string, schema *adapter.TableSchema) error {
	var errs []error
	for _, fk := range schema.ForeignKeys {
		name := ident.Truncate(ident.Sanitize(table+"_"+fk.Name), mysqlMaxIdent)
		refTable := d.TableName(d.sourceKey, fk.RefTable)
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteIdent(table), quoteIdent(name),
			joinQuoted(fk.Columns), quoteIdent(refTable), joinQuoted(fk.RefColumns))
		if _, err := d.db.ExecContext(ctx, stmt); err != nil && !isDuplicate(err) {
			errs = append(errs, fmt.Errorf("foreign key %q: %w", fk.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", adapter.ErrConstraint, errors.Join(errs...))
	}
	return nil
}

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

// isDuplicate reports duplicate key/index/constraint errors, which are
// expected on idempotent re-runs.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1050 table exists, 1060 duplicate column, 1061 duplicate key
		// name, 1826 duplicate foreign key.
		switch myErr.Number {
		case 1050, 1060, 1061, 1826:
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
