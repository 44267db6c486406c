package ident

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "name", "name"},
		{"case preserved", "CreatedTime", "CreatedTime"},
		{"spaces", "First Name", "First_Name"},
		{"special chars", "e-mail (work)", "e_mail_work_"},
		{"leading digit", "2nd_owner", "_2nd_owner"},
		{"collapsed runs", "a..b!!c", "a_b_c"},
		{"empty", "", "_"},
		{"only specials", "$$$", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in)
			if got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeLower(t *testing.T) {
	if got := SanitizeLower("Account Name"); got != "account_name" {
		t.Errorf("SanitizeLower(%q) = %q, want %q", "Account Name", got, "account_name")
	}
}

func TestSanitizeAllDedup(t *testing.T) {
	got := SanitizeAll([]string{"Name", "name!", "name", "id"})
	want := []string{"name", "name_2", "name_3", "id"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		in     string
		schema string
		table  string
	}{
		{"users", "", "users"},
		{"public.users", "public", "users"},
		{"sales.orders_2024", "sales", "orders_2024"},
		{"db.schema.table", "db", "schema.table"},
	}

	for _, tt := range tests {
		schema, table := Split(tt.in)
		if schema != tt.schema || table != tt.table {
			t.Errorf("Split(%q) = (%q, %q), want (%q, %q)", tt.in, schema, table, tt.schema, tt.table)
		}
	}
}

func TestTruncate(t *testing.T) {
	t.Run("short name unchanged", func(t *testing.T) {
		if got := Truncate("fk_users_orders", 64); got != "fk_users_orders" {
			t.Errorf("Truncate = %q", got)
		}
	})

	t.Run("long name fits limit", func(t *testing.T) {
		long := "fk_" + strings.Repeat("verylongtablename_", 8) + "ref"
		got := Truncate(long, 64)
		if len(got) != 64 {
			t.Errorf("len = %d, want 64", len(got))
		}
	})

	t.Run("distinct long names stay distinct", func(t *testing.T) {
		a := Truncate(strings.Repeat("a", 100)+"_x", 64)
		b := Truncate(strings.Repeat("a", 100)+"_y", 64)
		if a == b {
			t.Errorf("Truncate collided: %q", a)
		}
	})

	t.Run("tiny limit", func(t *testing.T) {
		got := Truncate(strings.Repeat("z", 100), 6)
		if len(got) != 6 {
			t.Errorf("len = %d, want 6", len(got))
		}
	})
}
