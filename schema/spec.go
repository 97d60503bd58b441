package schema

import (
	"github.com/dhmk083/relmap/internal/naming"
)

// Spec is a single declaration passed to Declare or With.
type Spec interface {
	specFields() []Field
}

// ColumnSpec declares one or more plain columns.
type ColumnSpec struct {
	names  []string
	source string
}

// Col declares self-referencing columns: each name is both the exposed name
// and the underlying column. Chain Source to rename a single column.
func Col(names ...string) ColumnSpec {
	return ColumnSpec{names: names}
}

// Source sets the underlying column for a single-name spec, so the column
// appears in results under the exposed name.
func (c ColumnSpec) Source(source string) ColumnSpec {
	c.source = source
	return c
}

func (c ColumnSpec) specFields() []Field {
	fields := make([]Field, 0, len(c.names))
	for _, n := range c.names {
		source := n
		if c.source != "" {
			source = c.source
		}
		fields = append(fields, Field{Name: n, Source: source})
	}
	return fields
}

// ExprSpec declares a computed column.
type ExprSpec struct {
	name       string
	expression string
}

// Expr declares a computed column projecting the given raw SQL expression.
func Expr(name, expression string) ExprSpec {
	return ExprSpec{name: name, expression: expression}
}

func (e ExprSpec) specFields() []Field {
	return []Field{{Name: e.name, Relation: ExprRel{Expression: e.expression}}}
}

// FKSpec declares a foreign-key relation.
type FKSpec struct {
	name      string
	target    Table
	own       string
	targetCol string
	singular  bool
}

// FK declares a foreign-key relation to target, exposed under name. The
// own-side column defaults to the target's name plus "Id" and the
// target-side column to "id".
func FK(name string, target Table) FKSpec {
	return FKSpec{name: name, target: target}
}

// Own overrides the own-side join column.
func (s FKSpec) Own(column string) FKSpec {
	s.own = column
	return s
}

// Target overrides the target-side join column.
func (s FKSpec) Target(column string) FKSpec {
	s.targetCol = column
	return s
}

// Singularize derives defaulted key columns from the singular form of the
// table name, so a relation to "roles" defaults to "roleId" rather than
// "rolesId".
func (s FKSpec) Singularize() FKSpec {
	s.singular = true
	return s
}

func (s FKSpec) specFields() []Field {
	own := s.own
	if own == "" {
		if s.singular {
			own = naming.SingularKeyColumn(s.target.Name())
		} else {
			own = naming.KeyColumn(s.target.Name())
		}
	}
	targetCol := s.targetCol
	if targetCol == "" {
		targetCol = DefaultIDColumn
	}
	return []Field{{Name: s.name, Relation: ForeignKeyRel{
		Target:       s.target,
		OwnColumn:    own,
		TargetColumn: targetCol,
	}}}
}

// M2MSpec declares a many-to-many relation.
type M2MSpec struct {
	name         string
	target       Table
	link         string
	ownID        string
	linkOwnID    string
	targetID     string
	linkTargetID string
	singular     bool
}

// M2M declares a many-to-many relation to target through the link table,
// exposed under name. Defaults: the owning side joins its "id" to the link
// column named after the owner ("<owner>Id", derived at resolution time),
// and the link column named after the target ("<target>Id") joins the
// target's "id".
func M2M(name string, target Table, link string) M2MSpec {
	return M2MSpec{name: name, target: target, link: link}
}

// OwnID overrides the owning table's join key column.
func (s M2MSpec) OwnID(column string) M2MSpec {
	s.ownID = column
	return s
}

// LinkOwnID overrides the link-table column pointing at the owner.
func (s M2MSpec) LinkOwnID(column string) M2MSpec {
	s.linkOwnID = column
	return s
}

// TargetID overrides the target table's join key column.
func (s M2MSpec) TargetID(column string) M2MSpec {
	s.targetID = column
	return s
}

// LinkTargetID overrides the link-table column pointing at the target.
func (s M2MSpec) LinkTargetID(column string) M2MSpec {
	s.linkTargetID = column
	return s
}

// Singularize derives defaulted link columns from singular table names.
func (s M2MSpec) Singularize() M2MSpec {
	s.singular = true
	return s
}

func (s M2MSpec) specFields() []Field {
	ownID := s.ownID
	if ownID == "" {
		ownID = DefaultIDColumn
	}
	targetID := s.targetID
	if targetID == "" {
		targetID = DefaultIDColumn
	}
	linkTargetID := s.linkTargetID
	if linkTargetID == "" {
		if s.singular {
			linkTargetID = naming.SingularKeyColumn(s.target.Name())
		} else {
			linkTargetID = naming.KeyColumn(s.target.Name())
		}
	}
	return []Field{{Name: s.name, Relation: ManyToManyRel{
		Target:       s.target,
		Link:         s.link,
		OwnID:        ownID,
		LinkOwnID:    s.linkOwnID,
		TargetID:     targetID,
		LinkTargetID: linkTargetID,
		singular:     s.singular,
	}}}
}
