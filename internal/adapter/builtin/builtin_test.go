package builtin

import (
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
)

func TestRegisterWiresAllAdapters(t *testing.T) {
	Register(zerolog.Nop())

	wantSources := []string{"devops", "mysql", "postgresql", "sqlserver", "zoho"}
	if got := adapter.SourceKeys(); !reflect.DeepEqual(got, wantSources) {
		t.Errorf("SourceKeys = %v, want %v", got, wantSources)
	}
	wantDests := []string{"clickhouse", "mysql", "postgresql"}
	if got := adapter.DestinationKeys(); !reflect.DeepEqual(got, wantDests) {
		t.Errorf("DestinationKeys = %v, want %v", got, wantDests)
	}

	for _, key := range wantSources {
		src, ok := adapter.NewSource(key)
		if !ok {
			t.Fatalf("NewSource(%q) not registered", key)
		}
		if src.Key() != key {
			t.Errorf("source %q reports key %q", key, src.Key())
		}
		if src.BatchSize() <= 0 {
			t.Errorf("source %q batch size = %d", key, src.BatchSize())
		}
	}
	for _, key := range wantDests {
		dst, ok := adapter.NewDestination(key)
		if !ok {
			t.Fatalf("NewDestination(%q) not registered", key)
		}
		if dst.Key() != key {
			t.Errorf("destination %q reports key %q", key, dst.Key())
		}
	}
}

func TestFactoriesReturnFreshInstances(t *testing.T) {
	Register(zerolog.Nop())

	a, _ := adapter.NewSource("postgresql")
	b, _ := adapter.NewSource("postgresql")
	if a == b {
		t.Error("NewSource returned the same instance twice")
	}
}
