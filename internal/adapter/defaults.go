package adapter

import (
	"regexp"
	"strconv"
	"strings"
)

var castSuffixRe = regexp.MustCompile(`::[a-zA-Z_][a-zA-Z0-9_ ]*(\[\])?`)

// TranslateDefault converts a source column default into an expression
// portable across relational destinations. Engine-specific cast
// suffixes are stripped, well-known functions map to their standard
// spellings, literal scalars pass through, and anything unrecognized
// is dropped so the column is created without a default rather than
// failing the table.
func TranslateDefault(def string) (string, bool) {
	d := strings.TrimSpace(castSuffixRe.ReplaceAllString(strings.TrimSpace(def), ""))
	if d == "" {
		return "", false
	}

	low := strings.ToLower(d)
	switch {
	case strings.Contains(low, "nextval"):
		return "", false
	case low == "true" || low == "false":
		return strings.ToUpper(d), true
	case low == "null":
		return "NULL", true
	case strings.Contains(low, "now()"), strings.Contains(low, "current_timestamp"),
		strings.Contains(low, "getdate()"), strings.Contains(low, "sysdatetime()"):
		return "CURRENT_TIMESTAMP", true
	case strings.Contains(low, "current_date"):
		return "CURRENT_DATE", true
	case strings.Contains(low, "current_time"):
		return "CURRENT_TIME", true
	}

	if isQuotedLiteral(d) {
		return d, true
	}
	if _, err := strconv.ParseFloat(d, 64); err == nil {
		return d, true
	}
	return "", false
}

func isQuotedLiteral(s string) bool {
	return len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\''
}
