// Package naming derives default key-column names from table names.
package naming

import (
	"github.com/jinzhu/inflection"
)

// KeySuffix is appended to a table name to derive its default key column.
const KeySuffix = "Id"

// KeyColumn returns the default key column for a table, e.g. "role" -> "roleId".
func KeyColumn(table string) string {
	return table + KeySuffix
}

// SingularKeyColumn returns the default key column derived from the singular
// form of a (typically plural) table name, e.g. "roles" -> "roleId".
func SingularKeyColumn(table string) string {
	return inflection.Singular(table) + KeySuffix
}

// Singularize converts a plural word to its singular form.
func Singularize(word string) string {
	return inflection.Singular(word)
}
