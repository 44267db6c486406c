package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateDefault(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"empty", "", "", false},
		{"nextval dropped", "nextval('users_id_seq'::regclass)", "", false},
		{"now maps", "now()", "CURRENT_TIMESTAMP", true},
		{"current_timestamp maps", "CURRENT_TIMESTAMP", "CURRENT_TIMESTAMP", true},
		{"getdate maps", "getdate()", "CURRENT_TIMESTAMP", true},
		{"current_date", "CURRENT_DATE", "CURRENT_DATE", true},
		{"boolean upper", "true", "TRUE", true},
		{"null literal", "NULL::character varying", "NULL", true},
		{"cast stripped from string", "'active'::character varying", "'active'", true},
		{"quoted literal kept", "'pending'", "'pending'", true},
		{"numeric literal kept", "0", "0", true},
		{"float literal kept", "3.14", "3.14", true},
		{"unknown expression dropped", "my_custom_func(id)", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TranslateDefault(tt.in)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
