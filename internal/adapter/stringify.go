package adapter

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Stringify flattens a decoded JSON value for string-typed destination
// columns: objects and arrays are JSON-encoded, scalars formatted,
// null kept as nil.
func Stringify(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// StringifyRecord applies Stringify to every value of a raw API record.
func StringifyRecord(raw map[string]any) Record {
	rec := make(Record, len(raw))
	for k, v := range raw {
		rec[k] = Stringify(v)
	}
	return rec
}
