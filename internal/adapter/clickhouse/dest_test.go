package clickhouse

import (
	"context"
	sqldriver "database/sql/driver"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
)

func TestTableName(t *testing.T) {
	d := NewDestination(zerolog.Nop())

	tests := []struct {
		sourceKey string
		table     string
		want      string
	}{
		{"postgresql", "users", "REL_users"},
		{"postgresql", "hr.employees", "REL_hr_employees"},
		{"mysql", "Orders", "REL_Orders"},
		{"sqlserver", "dbo.Invoices", "REL_dbo_Invoices"},
		{"zoho", "Leads", "zoho_leads"},
		{"zoho", "Purchase Orders", "zoho_purchase_orders"},
		{"devops", "DEVOPS_WORKITEMS_MAIN", "DEVOPS_WORKITEMS_MAIN"},
	}
	for _, tt := range tests {
		t.Run(tt.sourceKey+"/"+tt.table, func(t *testing.T) {
			if got := d.TableName(tt.sourceKey, tt.table); got != tt.want {
				t.Errorf("TableName(%q, %q) = %q, want %q", tt.sourceKey, tt.table, got, tt.want)
			}
		})
	}
}

func TestMapTypesRelational(t *testing.T) {
	d := NewDestination(zerolog.Nop())

	cols := []adapter.Column{
		{Name: "id", Type: "integer", Nullable: false},
		{Name: "total", Type: "numeric", Nullable: true},
		{Name: "name", Type: "varchar", Nullable: true},
		{Name: "code", Type: "char", Nullable: false},
		{Name: "active", Type: "boolean", Nullable: true},
		{Name: "created", Type: "timestamp without time zone", Nullable: true},
		{Name: "birthday", Type: "date", Nullable: true},
		{Name: "token", Type: "uuid", Nullable: false},
		{Name: "tags", Type: "text[]", Nullable: true},
		{Name: "payload", Type: "jsonb", Nullable: true},
		{Name: "shape", Type: "polygon", Nullable: true},
	}
	defs, err := d.MapTypes(cols, "postgresql")
	if err != nil {
		t.Fatalf("MapTypes: %v", err)
	}

	want := []string{
		"Int32",
		"Nullable(Decimal64(2))",
		"Nullable(String)",
		"FixedString(255)",
		"Nullable(UInt8)",
		"Nullable(DateTime)",
		"Nullable(Date)",
		"UUID",
		"Nullable(String)",
		"Nullable(String)",
		"Nullable(String)",
	}
	for i, def := range defs {
		if def.Type != want[i] {
			t.Errorf("MapTypes[%d] (%s) = %q, want %q", i, cols[i].Name, def.Type, want[i])
		}
	}
}

func TestMapTypesAPISourcesAreStrings(t *testing.T) {
	d := NewDestination(zerolog.Nop())

	cols := []adapter.Column{
		{Name: "id", Type: "string", Nullable: false},
		{Name: "Revenue", Type: "string", Nullable: true},
	}
	defs, err := d.MapTypes(cols, "zoho")
	if err != nil {
		t.Fatalf("MapTypes: %v", err)
	}
	if defs[0].Type != "String" {
		t.Errorf("id type = %q, want String", defs[0].Type)
	}
	if defs[1].Type != "Nullable(String)" {
		t.Errorf("Revenue type = %q, want Nullable(String)", defs[1].Type)
	}
}

func TestCreateTableSQLRelational(t *testing.T) {
	cols := []adapter.ColumnDef{
		{Name: "id", Type: "Int32"},
		{Name: "name", Type: "Nullable(String)"},
		{Name: "created", Type: "Nullable(DateTime)"},
	}
	got := createTableSQL("REL_users", cols, []string{"id"}, false)
	want := "CREATE TABLE IF NOT EXISTS `REL_users` (`id` Int32, `name` Nullable(String), `created` Nullable(DateTime)) ENGINE = MergeTree() ORDER BY (`id`)"
	if got != want {
		t.Errorf("createTableSQL =\n%s\nwant\n%s", got, want)
	}
}

func TestCreateTableSQLAPISource(t *testing.T) {
	cols := []adapter.ColumnDef{
		{Name: "id", Type: "String"},
		{Name: "Full_Name", Type: "Nullable(String)"},
	}
	got := createTableSQL("zoho_leads", cols, []string{"id"}, true)
	want := "CREATE TABLE IF NOT EXISTS `zoho_leads` (`id` String, `full_name` Nullable(String), `load_time` DateTime DEFAULT now()) ENGINE = MergeTree() ORDER BY (`id`)"
	if got != want {
		t.Errorf("createTableSQL =\n%s\nwant\n%s", got, want)
	}
}

func TestCreateTableSQLNoPrimaryKey(t *testing.T) {
	cols := []adapter.ColumnDef{
		{Name: "work_item_id", Type: "Nullable(String)"},
		{Name: "relation_type", Type: "Nullable(String)"},
	}
	got := createTableSQL("DEVOPS_WORKITEMS_RELATIONS", cols, nil, true)
	if want := "ORDER BY tuple()"; !containsSuffix(got, want) {
		t.Errorf("createTableSQL = %q, want suffix %q", got, want)
	}
}

func TestCreateTableSQLStripsNullableFromSortKey(t *testing.T) {
	cols := []adapter.ColumnDef{
		{Name: "id", Type: "Nullable(String)"},
	}
	got := createTableSQL("zoho_leads", cols, []string{"id"}, false)
	want := "CREATE TABLE IF NOT EXISTS `zoho_leads` (`id` String) ENGINE = MergeTree() ORDER BY (`id`)"
	if got != want {
		t.Errorf("createTableSQL =\n%s\nwant\n%s", got, want)
	}
}

func containsSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func TestConvertValue(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  any
		chType string
		want   any
	}{
		{"nil nullable", nil, "Nullable(String)", nil},
		{"nil string", nil, "String", ""},
		{"nil int", nil, "Int32", int32(0)},
		{"nil datetime", nil, "DateTime", time.Unix(0, 0).UTC()},
		{"int64 to Int32", int64(7), "Int32", int32(7)},
		{"int to Int64", 42, "Int64", int64(42)},
		{"string to Int64", "12", "Int64", int64(12)},
		{"bool to UInt8", true, "UInt8", uint8(1)},
		{"int64 to UInt8", int64(0), "Nullable(UInt8)", uint8(0)},
		{"float to Float32", 1.5, "Float32", float32(1.5)},
		{"float to Decimal", 3.25, "Decimal64(2)", "3.25"},
		{"string to Decimal", "19.99", "Nullable(Decimal64(2))", "19.99"},
		{"bytes to String", []byte("raw"), "String", "raw"},
		{"int to String", int64(5), "Nullable(String)", "5"},
		{"time passthrough", ts, "DateTime", ts},
		{"string to DateTime", "2024-05-01 10:30:00", "DateTime", ts},
		{"rfc3339 to DateTime", "2024-05-01T10:30:00Z", "Nullable(DateTime)", ts},
		{"date string to Date", "2024-05-01", "Date", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
		{"uuid bytes", [16]byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}, "UUID", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{"uuid string", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "Nullable(UUID)", "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{"fixed string", "AB", "FixedString(255)", "AB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertValue(tt.value, tt.chType)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("convertValue(%v, %q) = %#v, want %#v", tt.value, tt.chType, got, tt.want)
			}
		})
	}
}

func TestConvertValueUnwrapsValuers(t *testing.T) {
	got := convertValue(stubValuer{"123.45"}, "Decimal64(2)")
	if got != "123.45" {
		t.Errorf("convertValue(valuer) = %v, want 123.45", got)
	}
}

type stubValuer struct{ v string }

func (s stubValuer) Value() (sqldriver.Value, error) { return s.v, nil }

func TestBuildRowAlignsToLiveColumns(t *testing.T) {
	cols := []liveColumn{
		{Name: "id", Type: "Int32"},
		{Name: "full_name", Type: "Nullable(String)"},
		{Name: "score", Type: "Nullable(Float64)"},
	}
	rec := adapter.Record{
		"ID":        int64(7),
		"Full_Name": "Ada",
		"ignored":   "dropped",
	}
	got := buildRow(rec, cols)
	want := []any{int32(7), "Ada", nil}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("buildRow = %#v, want %#v", got, want)
	}
}

func TestInsertColumnsSkipsLoadTime(t *testing.T) {
	cols := []liveColumn{
		{Name: "id", Type: "String"},
		{Name: "load_time", Type: "DateTime"},
		{Name: "name", Type: "Nullable(String)"},
	}
	got := insertColumns(cols)
	if len(got) != 2 || got[0].Name != "id" || got[1].Name != "name" {
		t.Errorf("insertColumns = %#v", got)
	}
}

func TestRecordKey(t *testing.T) {
	tests := []struct {
		name string
		rec  adapter.Record
		pk   []string
		want string
	}{
		{"single int", adapter.Record{"id": int32(12)}, []string{"id"}, "12"},
		{"single string", adapter.Record{"id": "abc"}, []string{"id"}, "abc"},
		{"composite", adapter.Record{"work_item_id": "9", "rev": int64(3)}, []string{"work_item_id", "rev"}, "9\x00" + "3"},
		{"missing key value", adapter.Record{"other": 1}, []string{"id"}, ""},
		{"float key", adapter.Record{"id": 3.5}, []string{"id"}, "3.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recordKey(tt.rec, tt.pk); got != tt.want {
				t.Errorf("recordKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyStringMatchesToString(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	if got := keyString(ts); got != "2024-05-01 10:30:00" {
		t.Errorf("keyString(time) = %q", got)
	}
	if got := keyString([]byte("77")); got != "77" {
		t.Errorf("keyString(bytes) = %q", got)
	}
}

func TestStripNullable(t *testing.T) {
	if got := stripNullable("Nullable(Int32)"); got != "Int32" {
		t.Errorf("stripNullable = %q", got)
	}
	if got := stripNullable("String"); got != "String" {
		t.Errorf("stripNullable = %q", got)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("load_time"); got != "`load_time`" {
		t.Errorf("quoteIdent = %q", got)
	}
	if got := quoteIdent("odd`name"); got != "`odd``name`" {
		t.Errorf("quoteIdent = %q", got)
	}
}

func TestConstraintCallsAreNoOps(t *testing.T) {
	d := NewDestination(zerolog.Nop())
	schema := &adapter.TableSchema{Name: "users"}

	if err := d.CreateIndexes(context.Background(), "REL_users", schema); err != nil {
		t.Errorf("CreateIndexes: %v", err)
	}
	if err := d.CreateUniqueConstraints(context.Background(), "REL_users", schema); err != nil {
		t.Errorf("CreateUniqueConstraints: %v", err)
	}
	if err := d.CreateForeignKeys(context.Background(), "REL_users", schema); err != nil {
		t.Errorf("CreateForeignKeys: %v", err)
	}
}

func TestConnectMissingFields(t *testing.T) {
	d := NewDestination(zerolog.Nop())

	err := d.Connect(context.Background(), adapter.Config{"database": "analytics"}, "postgresql")
	if !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("Connect without host = %v, want ErrConnection", err)
	}
	err = d.Connect(context.Background(), adapter.Config{"host": "ch.internal"}, "postgresql")
	if !errors.Is(err, adapter.ErrConnection) {
		t.Errorf("Connect without database = %v, want ErrConnection", err)
	}
}

func TestDestinationKey(t *testing.T) {
	d := NewDestination(zerolog.Nop())
	if d.Key() != "clickhouse" {
		t.Errorf("Key = %q", d.Key())
	}
}
