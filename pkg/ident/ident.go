// Package ident normalizes identifiers that cross between heterogeneous
// stores: column names arriving from dynamic API payloads, schema-qualified
// table names, and constraint names that must fit engine length limits.
package ident

import (
	"crypto/md5"
	"fmt"
	"strings"
	"unicode"
)

// Sanitize converts an arbitrary field name into a safe SQL identifier:
// every run of non-alphanumeric characters becomes a single underscore,
// and a leading digit gains an underscore prefix. Case is preserved.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevUnderscore := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	s := b.String()
	if s == "" {
		return "_"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// SanitizeLower is Sanitize with the result folded to lower case, for
// engines whose naming convention is lower-case throughout.
func SanitizeLower(name string) string {
	return strings.ToLower(Sanitize(name))
}

// SanitizeAll lower-cases and sanitizes every name, resolving collisions
// by appending a numeric suffix in input order. "Name" and "name!" both
// sanitize to "name"; the second becomes "name_2".
func SanitizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]int, len(names))
	for _, n := range names {
		s := SanitizeLower(n)
		seen[s]++
		if c := seen[s]; c > 1 {
			s = fmt.Sprintf("%s_%d", s, c)
		}
		out = append(out, s)
	}
	return out
}

// Split separates an optionally schema-qualified name into (schema, table).
// Schema is empty when the name has no qualifier. Only the first dot splits,
// so "db.schema.table" yields ("db", "schema.table").
func Split(qualified string) (schema, table string) {
	if i := strings.IndexByte(qualified, '.'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "", qualified
}

// Truncate shortens an identifier to maxLen bytes. Names that do not fit are
// cut and suffixed with an 8-char hash of the full name so distinct long
// names stay distinct.
func Truncate(name string, maxLen int) string {
	if len(name) <= maxLen {
		return name
	}
	sum := fmt.Sprintf("%x", md5.Sum([]byte(name)))[:8]
	if maxLen <= len(sum)+1 {
		return sum[:maxLen]
	}
	return name[:maxLen-len(sum)-1] + "_" + sum
}
