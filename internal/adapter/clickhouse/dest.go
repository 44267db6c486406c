// Package clickhouse implements the ClickHouse destination adapter on
// the native clickhouse-go protocol.
package clickhouse

import (
	"context"
	sqldriver "database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/pkg/ident"
)

// Destination writes migrated tables into ClickHouse. Tables use the
// MergeTree engine; relational tables are prefixed REL_, zoho modules
// zoho_, devops tables keep their catalog names.
type Destination struct {
	conn      driver.Conn
	logger    zerolog.Logger
	sourceKey string
	database  string

	liveCols map[string][]liveColumn
	seenKeys map[string]map[string]struct{}
}

type liveColumn struct {
	Name string
	Type string
}

// NewDestination returns an unconnected ClickHouse destination.
func NewDestination(logger zerolog.Logger) *Destination {
	return &Destination{
		logger:   logger.With().Str("component", "clickhouse-dest").Logger(),
		liveCols: map[string][]liveColumn{},
		seenKeys: map[string]map[string]struct{}{},
	}
}

func (d *Destination) Key() string { return "clickhouse" }

func (d *Destination) Connect(ctx context.Context, cfg adapter.Config, sourceKey string) error {
	host, err := cfg.Require("host")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}
	database, err := cfg.Require("database")
	if err != nil {
		return fmt.Errorf("%w: %v", adapter.ErrConnection, err)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", host, cfg.Int("port", 9000))},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.String("username", "default"),
			Password: cfg.String("password", ""),
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return fmt.Errorf("%w: open clickhouse: %v", adapter.ErrConnection, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("%w: ping %s: %v", adapter.ErrConnection, host, err)
	}

	d.conn = conn
	d.sourceKey = sourceKey
	d.database = database
	d.logger.Info().Str("host", host).Str("database", database).Msg("connected to clickhouse destination")
	return nil
}

func (d *Destination) Close() error {
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

func (d *Destination) TableName(sourceKey, table string) string {
	switch sourceKey {
	case "zoho":
		return "zoho_" + ident.SanitizeLower(table)
	case "devops":
		return ident.Sanitize(table)
	default:
		return "REL_" + ident.Sanitize(table)
	}
}

// typeMap translates relational source types to ClickHouse types.
// Character and binary data lands as String, decimals keep two places.
var typeMap = map[string]string{
	"smallint": "Int16", "int2": "Int16", "smallserial": "Int16", "year": "Int16",
	"tinyint": "Int8",
	"integer": "Int32", "int": "Int32", "int4": "Int32", "mediumint": "Int32", "serial": "Int32",
	"bigint": "Int64", "int8": "Int64", "bigserial": "Int64",
	"real": "Float32", "float4": "Float32", "float": "Float32",
	"double precision": "Float64", "double": "Float64", "float8": "Float64",
	"numeric": "Decimal64(2)", "decimal": "Decimal64(2)", "money": "Decimal64(2)", "smallmoney": "Decimal64(2)",
	"boolean": "UInt8", "bool": "UInt8", "bit": "UInt8",
	"varchar": "String", "character varying": "String", "nvarchar": "String",
	"text": "String", "tinytext": "String", "mediumtext": "String", "longtext": "String", "ntext": "String",
	"char": "FixedString(255)", "character": "FixedString(255)", "nchar": "FixedString(255)",
	"timestamp": "DateTime", "timestamp without time zone": "DateTime",
	"timestamp with time zone": "DateTime", "timestamptz": "DateTime",
	"datetime": "DateTime", "datetime2": "DateTime", "smalldatetime": "DateTime",
	"date": "Date",
	"time": "String", "time without time zone": "String", "time with time zone": "String",
	"interval": "String", "datetimeoffset": "String",
	"bytea": "String", "binary": "String", "varbinary": "String",
	"blob": "String", "tinyblob": "String", "mediumblob": "String", "longblob": "String", "image": "String",
	"json": "String", "jsonb": "String", "xml": "String",
	"uuid": "UUID", "uniqueidentifier": "UUID",
	"enum": "String", "set": "String",
	"inet": "String", "cidr": "String", "macaddr": "String",
}

func (d *Destination) mapType(col adapter.Column) string {
	t := strings.ToLower(strings.TrimSpace(col.Type))
	if strings.HasSuffix(t, "[]") || strings.HasPrefix(t, "_") {
		return "String"
	}
	if mapped, ok := typeMap[t]; ok {
		return mapped
	}
	d.logger.Warn().Str("column", col.Name).Str("type", col.Type).Msg("unmapped source type, storing as String")
	return "String"
}

// MapTypes maps source columns to ClickHouse types. API sources are
// stringified upstream, so every column is a String.
func (d *Destination) MapTypes(cols []adapter.Column, sourceKey string) ([]adapter.ColumnDef, error) {
	api := adapter.IsAPISource(sourceKey)
	defs := make([]adapter.ColumnDef, 0, len(cols))
	for _, col := range cols {
		t := "String"
		if !api {
			t = d.mapType(col)
		}
		if col.Nullable {
			t = "Nullable(" + t + ")"
		}
		defs = append(defs, adapter.ColumnDef{Name: col.Name, Type: t, Nullable: col.Nullable})
	}
	return defs, nil
}

func (d *Destination) CreateTable(ctx context.Context, table string, cols []adapter.ColumnDef, primaryKey []string) error {
	ddl := createTableSQL(table, cols, primaryKey, adapter.IsAPISource(d.sourceKey))
	if err := d.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %q: %v", adapter.ErrSchema, table, err)
	}
	delete(d.liveCols, table)
	d.logger.Info().Str("table", table).Int("columns", len(cols)).Msg("table ready")
	return nil
}

// createTableSQL renders MergeTree DDL. The sort key is the first
// primary key column, tuple() when the source has none. API tables get
// a load_time bookkeeping column.
func createTableSQL(table string, cols []adapter.ColumnDef, primaryKey []string, apiSource bool) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	sanitized := ident.SanitizeAll(names)

	pkSet := make(map[string]struct{}, len(primaryKey))
	for _, pk := range primaryKey {
		pkSet[ident.SanitizeLower(pk)] = struct{}{}
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(quoteIdent(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		colType := c.Type
		// Sort key columns cannot be Nullable.
		if _, isPK := pkSet[sanitized[i]]; isPK {
			colType = stripNullable(colType)
		}
		b.WriteString(quoteIdent(sanitized[i]))
		b.WriteByte(' ')
		b.WriteString(colType)
	}
	if apiSource {
		b.WriteString(", ")
		b.WriteString(quoteIdent("load_time"))
		b.WriteString(" DateTime DEFAULT now()")
	}
	b.WriteString(") ENGINE = MergeTree() ORDER BY ")
	if len(primaryKey) > 0 {
		b.WriteString("(" + quoteIdent(ident.SanitizeLower(primaryKey[0])) + ")")
	} else {
		b.WriteString("tuple()")
	}
	return b.String()
}

func stripNullable(t string) string {
	if strings.HasPrefix(t, "Nullable(") && strings.HasSuffix(t, ")") {
		return t[len("Nullable(") : len(t)-1]
	}
	return t
}

func (d *Destination) TableColumns(ctx context.Context, table string) ([]string, error) {
	cols, err := d.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

func (d *Destination) tableColumns(ctx context.Context, table string) ([]liveColumn, error) {
	if cols, ok := d.liveCols[table]; ok {
		return cols, nil
	}
	rows, err := d.conn.Query(ctx,
		"SELECT name, type FROM system.columns WHERE database = currentDatabase() AND table = ? ORDER BY position",
		table)
	if err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	defer rows.Close()

	var cols []liveColumn
	for rows.Next() {
		var c liveColumn
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("%w: scan column of %q: %v", adapter.ErrSchema, table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: columns of %q: %v", adapter.ErrSchema, table, err)
	}
	d.liveCols[table] = cols
	return cols, nil
}

// EvolveSchema adds missing columns as Nullable(String); evolved
// columns carry stringified values regardless of source type.
func (d *Destination) EvolveSchema(ctx context.Context, table string, missing []adapter.ColumnDef) error {
	for _, col := range missing {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s Nullable(String)",
			quoteIdent(table), quoteIdent(ident.SanitizeLower(col.Name)))
		if err := d.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("%w: add column %q to %q: %v", adapter.ErrSchema, col.Name, table, err)
		}
		d.logger.Info().Str("table", table).Str("column", col.Name).Msg("added column")
	}
	delete(d.liveCols, table)
	return nil
}

// Write appends a batch. When the source exposes a primary key the
// existing key set is loaded once per table and duplicate rows are
// skipped, so re-runs stay idempotent on an append-only engine.
func (d *Destination) Write(ctx context.Context, table string, batch []adapter.Record, primaryKey []string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	cols, err := d.tableColumns(ctx, table)
	if err != nil {
		return 0, err
	}
	insertCols := insertColumns(cols)
	if len(insertCols) == 0 {
		return 0, fmt.Errorf("%w: table %q has no insertable columns", adapter.ErrWrite, table)
	}

	rows := batch
	if len(primaryKey) > 0 {
		rows, err = d.dedupe(ctx, table, batch, primaryKey)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}
	}

	names := make([]string, len(insertCols))
	for i, c := range insertCols {
		names[i] = quoteIdent(c.Name)
	}
	ins, err := d.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", quoteIdent(table), strings.Join(names, ", ")))
	if err != nil {
		return 0, fmt.Errorf("%w: prepare batch for %q: %v", adapter.ErrWrite, table, err)
	}
	for _, rec := range rows {
		if err := ins.Append(buildRow(rec, insertCols)...); err != nil {
			ins.Abort()
			return 0, fmt.Errorf("%w: append row to %q: %v", adapter.ErrWrite, table, err)
		}
	}
	if err := ins.Send(); err != nil {
		return 0, fmt.Errorf("%w: send batch to %q: %v", adapter.ErrWrite, table, err)
	}
	return len(rows), nil
}

// insertColumns drops defaulted bookkeeping columns from the insert
// list so their defaults apply.
func insertColumns(cols []liveColumn) []liveColumn {
	out := make([]liveColumn, 0, len(cols))
	for _, c := range cols {
		if c.Name == "load_time" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// buildRow aligns a record to the live column set: record keys are
// sanitized for the match and values coerced to the column type.
func buildRow(rec adapter.Record, cols []liveColumn) []any {
	lookup := make(map[string]any, len(rec))
	for k, v := range rec {
		lookup[ident.SanitizeLower(k)] = v
	}
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = convertValue(lookup[c.Name], c.Type)
	}
	return vals
}

func (d *Destination) dedupe(ctx context.Context, table string, batch []adapter.Record, primaryKey []string) ([]adapter.Record, error) {
	seen, err := d.existingKeys(ctx, table, primaryKey)
	if err != nil {
		d.logger.Warn().Err(err).Str("table", table).Msg("duplicate check failed, appending all rows")
		return batch, nil
	}

	out := make([]adapter.Record, 0, len(batch))
	for _, rec := range batch {
		k := recordKey(rec, primaryKey)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, rec)
	}
	if skipped := len(batch) - len(out); skipped > 0 {
		d.logger.Debug().Str("table", table).Int("skipped", skipped).Msg("skipped duplicate rows")
	}
	return out, nil
}

// existingKeys loads the table's key set once and keeps it for the
// rest of the migration. Key columns are read as strings so composite
// and non-string keys compare uniformly.
func (d *Destination) existingKeys(ctx context.Context, table string, primaryKey []string) (map[string]struct{}, error) {
	if keys, ok := d.seenKeys[table]; ok {
		return keys, nil
	}

	exprs := make([]string, len(primaryKey))
	for i, pk := range primaryKey {
		exprs[i] = "toString(" + quoteIdent(ident.SanitizeLower(pk)) + ")"
	}
	rows, err := d.conn.Query(ctx, fmt.Sprintf("SELECT DISTINCT %s FROM %s", strings.Join(exprs, ", "), quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := map[string]struct{}{}
	vals := make([]string, len(primaryKey))
	ptrs := make([]any, len(primaryKey))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		keys[strings.Join(vals, "\x00")] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	d.seenKeys[table] = keys
	return keys, nil
}

func recordKey(rec adapter.Record, primaryKey []string) string {
	parts := make([]string, len(primaryKey))
	for i, pk := range primaryKey {
		parts[i] = keyString(rec[pk])
	}
	return strings.Join(parts, "\x00")
}

// keyString formats a key value the way ClickHouse toString renders it.
func keyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// MergeTree has no secondary indexes or constraints; the calls are
// accepted and ignored.
func (d *Destination) CreateIndexes(ctx context.Context, table string, schema *adapter.TableSchema) error {
	return nil
}

func (d *Destination) CreateUniqueConstraints(ctx context.Context, table string, schema *adapter.TableSchema) error {
	return nil
}

func (d *Destination) CreateForeignKeys(ctx context.Context, table string, schema *adapter.TableSchema) error {
	return nil
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

// convertValue coerces a source value to what the native protocol
// expects for the column type. The wire client is strict: an int64
// will not land in an Int32 column without help, and relational
// drivers hand back their own types for numerics and uuids.
func convertValue(v any, chType string) any {
	nullable := strings.HasPrefix(chType, "Nullable(")
	base := stripNullable(chType)

	if v == nil {
		if nullable {
			return nil
		}
		return zeroFor(base)
	}
	if valuer, ok := v.(sqldriver.Valuer); ok {
		if out, err := valuer.Value(); err == nil {
			v = out
		}
	}

	switch {
	case base == "String" || strings.HasPrefix(base, "FixedString"):
		return asString(v)
	case base == "Int8":
		return int8(asInt(v))
	case base == "Int16":
		return int16(asInt(v))
	case base == "Int32":
		return int32(asInt(v))
	case base == "Int64":
		return asInt(v)
	case base == "UInt8":
		return uint8(asInt(v))
	case base == "Float32":
		return float32(asFloat(v))
	case base == "Float64":
		return asFloat(v)
	case strings.HasPrefix(base, "Decimal"):
		return asString(v)
	case base == "DateTime" || strings.HasPrefix(base, "DateTime(") || base == "Date":
		return asTime(v)
	case base == "UUID":
		return asUUID(v)
	default:
		return asString(v)
	}
}

func zeroFor(base string) any {
	switch {
	case base == "Int8":
		return int8(0)
	case base == "Int16":
		return int16(0)
	case base == "Int32":
		return int32(0)
	case base == "Int64":
		return int64(0)
	case base == "UInt8":
		return uint8(0)
	case base == "Float32":
		return float32(0)
	case base == "Float64":
		return float64(0)
	case strings.HasPrefix(base, "Decimal"):
		return "0"
	case base == "DateTime" || strings.HasPrefix(base, "DateTime(") || base == "Date":
		return time.Unix(0, 0).UTC()
	case base == "UUID":
		return uuid.Nil.String()
	default:
		return ""
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return int64(t)
	case float64:
		return int64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
		return n
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case []byte:
		f, _ := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
		return f
	default:
		return 0
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	case int64:
		return time.Unix(t, 0).UTC()
	}
	return time.Unix(0, 0).UTC()
}

func asUUID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case [16]byte:
		return uuid.UUID(t).String()
	case []byte:
		if u, err := uuid.FromBytes(t); err == nil {
			return u.String()
		}
		return string(t)
	default:
		return asString(v)
	}
}
