package adapter

// IsAPISource reports whether records from the given source arrive as
// pre-stringified API payloads rather than typed relational values.
// Destinations use this to choose string-only column mapping.
func IsAPISource(key string) bool {
	switch key {
	case "zoho", "devops":
		return true
	}
	return false
}
