// Package sqlutil provides SQL identifier formatting helpers.
package sqlutil

import "strings"

// Quote quotes a SQL identifier (table name, column name, join alias) with
// the given quote string, escaping embedded quotes by doubling them. An
// empty quote string leaves the identifier untouched.
func Quote(name, quote string) string {
	if quote == "" {
		return name
	}
	escaped := strings.ReplaceAll(name, quote, quote+quote)
	return quote + escaped + quote
}

// Qualify returns a quoted qualifier.name column reference.
func Qualify(qualifier, name, quote string) string {
	return Quote(qualifier, quote) + "." + Quote(name, quote)
}
