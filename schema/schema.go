// Package schema describes queryable tables: their columns, computed
// expressions, and relations to other tables.
//
// Table values are immutable. Every transformation (With, Pick, Omit, As,
// Named, Quotes, Separator) returns a new value, so declared schemas carry
// no state and are safe to share across concurrent queries.
package schema

import (
	"github.com/dhmk083/relmap/internal/sqlutil"
)

// DefaultSeparator joins relation-path segments in flat result aliases.
const DefaultSeparator = ":"

// DefaultIDColumn is the column a relation points at unless overridden.
const DefaultIDColumn = "id"

// Options carries a Table's identifier-formatting settings.
type Options struct {
	// Quote is the identifier quote string. Empty means unquoted.
	Quote string
	// Separator joins relation-path segments in aliases and flat keys.
	Separator string
}

// Field is one declared entry of a Table: either a plain column
// (Relation nil, Source set) or a relation (Relation set). Column and
// relation entries share a single exposed-name space.
type Field struct {
	// Name is the exposed name the entry appears under in results.
	Name string
	// Source is the underlying column name for plain columns.
	Source string
	// Relation describes computed, foreign-key, and many-to-many entries.
	Relation RelationDesc
}

// Table is an immutable description of one queryable entity.
type Table struct {
	name   string
	fields []Field
	quote  string
	sep    string
	prefix *string
}

// Declare creates a Table from an ordered list of column and relation
// specs. A later spec with an already-declared exposed name overwrites the
// earlier declaration in place.
func Declare(name string, specs ...Spec) Table {
	t := Table{name: name, sep: DefaultSeparator}
	return t.With(specs...)
}

// Name returns the underlying table name.
func (t Table) Name() string {
	return t.name
}

// Fields returns the declared entries in declaration order.
func (t Table) Fields() []Field {
	out := make([]Field, len(t.fields))
	copy(out, t.fields)
	return out
}

// Options returns the table's formatting options.
func (t Table) Options() Options {
	return Options{Quote: t.quote, Separator: t.sep}
}

// Alias reports the alias prefix and whether one is in effect. An empty
// prefix is distinct from no prefix: it means "root of an aliased query".
func (t Table) Alias() (string, bool) {
	if t.prefix == nil {
		return "", false
	}
	return *t.prefix, true
}

// With returns a new Table whose declarations are the union of t's and the
// given specs. Duplicate exposed names overwrite, keeping the earlier
// position.
func (t Table) With(specs ...Spec) Table {
	out := t.clone()
	for _, spec := range specs {
		for _, f := range spec.specFields() {
			out.fields = mergeField(out.fields, f)
		}
	}
	return out
}

// Pick returns a new Table restricted to the given exposed names, over the
// union of column and relation namespaces.
func (t Table) Pick(names ...string) Table {
	keep := nameSet(names)
	out := t.clone()
	out.fields = out.fields[:0]
	for _, f := range t.fields {
		if _, ok := keep[f.Name]; ok {
			out.fields = append(out.fields, f)
		}
	}
	return out
}

// Omit returns a new Table excluding the given exposed names.
func (t Table) Omit(names ...string) Table {
	drop := nameSet(names)
	out := t.clone()
	out.fields = out.fields[:0]
	for _, f := range t.fields {
		if _, ok := drop[f.Name]; !ok {
			out.fields = append(out.fields, f)
		}
	}
	return out
}

// As returns a new Table with the given alias prefix. A table carrying a
// prefix resolves Ref calls against the flat result namespace instead of
// emitting table-qualified column references.
func (t Table) As(prefix string) Table {
	out := t.clone()
	out.prefix = &prefix
	return out
}

// Named returns a new Table with a different underlying name.
func (t Table) Named(name string) Table {
	out := t.clone()
	out.name = name
	return out
}

// Quotes returns a new Table using the given identifier quote string.
func (t Table) Quotes(quote string) Table {
	out := t.clone()
	out.quote = quote
	return out
}

// Separator returns a new Table using the given path separator.
func (t Table) Separator(sep string) Table {
	out := t.clone()
	out.sep = sep
	return out
}

// Ref returns the expression that addresses the named entry in a composed
// query. Without an alias prefix it is the quoted table-qualified column
// reference (or the raw expression for computed entries), usable as a join
// or filter target; with a prefix in effect it is the flat result alias.
// Unknown names resolve as table-qualified references so filters can reach
// columns that are not projected.
func (t Table) Ref(name string) string {
	if t.prefix != nil {
		if *t.prefix == "" {
			return name
		}
		return *t.prefix + t.sep + name
	}

	for _, f := range t.fields {
		if f.Name != name {
			continue
		}
		if expr, ok := f.Relation.(ExprRel); ok {
			return expr.Expression
		}
		if f.Relation == nil {
			return sqlutil.Qualify(t.name, f.Source, t.quote)
		}
		break
	}
	return sqlutil.Qualify(t.name, name, t.quote)
}

// Exposed returns the exposed name under which a source column appears in
// results, falling back to the source name itself.
func (t Table) Exposed(source string) string {
	for _, f := range t.fields {
		if f.Relation == nil && f.Source == source {
			return f.Name
		}
	}
	return source
}

func (t Table) clone() Table {
	out := t
	out.fields = make([]Field, len(t.fields))
	copy(out.fields, t.fields)
	if t.prefix != nil {
		p := *t.prefix
		out.prefix = &p
	}
	return out
}

func mergeField(fields []Field, f Field) []Field {
	for i := range fields {
		if fields[i].Name == f.Name {
			fields[i] = f
			return fields
		}
	}
	return append(fields, f)
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
