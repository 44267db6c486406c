package adapter

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{ key string }

func (s *stubSource) Key() string                                 { return s.key }
func (s *stubSource) BatchSize() int                              { return 1000 }
func (s *stubSource) Connect(ctx context.Context, _ Config) error { return nil }
func (s *stubSource) Close() error                                { return nil }
func (s *stubSource) ListTables(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (s *stubSource) Schema(ctx context.Context, table string) (*TableSchema, error) {
	return nil, nil
}
func (s *stubSource) Read(ctx context.Context, table string, batchSize int) (RowStream, error) {
	return nil, io.EOF
}
func (s *stubSource) ReadIncremental(ctx context.Context, table string, since time.Time, batchSize int) (RowStream, error) {
	return nil, io.EOF
}

func TestRegistryReturnsFreshInstances(t *testing.T) {
	RegisterSource("stub", func() Source { return &stubSource{key: "stub"} })

	a, ok := NewSource("stub")
	require.True(t, ok, "NewSource(stub) not found after registration")
	b, _ := NewSource("stub")
	assert.NotSame(t, a, b, "factories must build fresh adapters")
}

func TestRegistryUnknownKey(t *testing.T) {
	_, ok := NewSource("no-such-source")
	assert.False(t, ok)
	_, ok = NewDestination("no-such-dest")
	assert.False(t, ok)
}

func TestSourceKeysSorted(t *testing.T) {
	RegisterSource("zzz_test", func() Source { return &stubSource{key: "zzz_test"} })
	RegisterSource("aaa_test", func() Source { return &stubSource{key: "aaa_test"} })

	keys := SourceKeys()
	assert.True(t, sort.StringsAreSorted(keys), "SourceKeys() not sorted: %v", keys)
	assert.Contains(t, keys, "aaa_test")
	assert.Contains(t, keys, "zzz_test")
}

func TestColumnNames(t *testing.T) {
	schema := &TableSchema{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: "integer"},
			{Name: "name", Type: "character varying"},
			{Name: "created", Type: "timestamp without time zone"},
		},
		PrimaryKey: []string{"id"},
	}
	assert.Equal(t, []string{"id", "name", "created"}, schema.ColumnNames())
}
