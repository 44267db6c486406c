package adapter

import "strings"

// incrementalNamePriority lists well-known modification-time column
// names, in preference order.
var incrementalNamePriority = []string{"updated_at", "modified_at", "created_at"}

// IncrementalColumn picks the column used to filter rows changed after
// a watermark: a well-known modification-time name first, otherwise the
// first timestamp- or date-typed column in schema order. Returns false
// when the table has no usable column, in which case callers fall back
// to a full read.
func IncrementalColumn(schema *TableSchema) (string, bool) {
	for _, want := range incrementalNamePriority {
		for _, c := range schema.Columns {
			if strings.EqualFold(c.Name, want) && isTimeType(c.Type) {
				return c.Name, true
			}
		}
	}
	for _, c := range schema.Columns {
		if isTimeType(c.Type) {
			return c.Name, true
		}
	}
	return "", false
}

func isTimeType(typ string) bool {
	t := strings.ToLower(typ)
	return strings.Contains(t, "time") || strings.Contains(t, "date")
}
