package adapter

import (
	"fmt"
	"strconv"
)

// Config carries adapter connection parameters as decoded from an
// operation's JSON config block. Values arrive as JSON types, so
// numeric fields may be float64 and need coercion.
type Config map[string]any

// String returns the value at key as a string, or def when the key is
// absent or not a string.
func (c Config) String(key, def string) string {
	v, ok := c[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Int returns the value at key as an int, coercing float64 and numeric
// strings. Returns def when absent or not coercible.
func (c Config) Int(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the value at key as a bool, coercing the strings
// "true"/"false". Returns def when absent or not coercible.
func (c Config) Bool(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if p, err := strconv.ParseBool(b); err == nil {
			return p
		}
	}
	return def
}

// Require returns the string value at key or an error naming the
// missing field. Adapters use it for fields without a sensible default.
func (c Config) Require(key string) (string, error) {
	s := c.String(key, "")
	if s == "" {
		return "", fmt.Errorf("missing required config field %q", key)
	}
	return s, nil
}
