package schema

import (
	"github.com/dhmk083/relmap/internal/naming"
)

// RelationDesc is the closed set of relation kinds a Table can declare.
// Traversal code switches over the concrete types; the unexported method
// keeps the set closed so a new kind cannot appear without every consumer
// being updated.
type RelationDesc interface {
	isRelation()
}

// ExprRel is a computed column. It projects a raw SQL expression and is
// treated like a column everywhere except that its source is not a column
// reference.
type ExprRel struct {
	Expression string
}

// ForeignKeyRel declares that each owning row references exactly one row of
// Target: own-side OwnColumn equals target-side TargetColumn. Foreign-key
// relations are joined inline into the base query.
type ForeignKeyRel struct {
	Target       Table
	OwnColumn    string
	TargetColumn string
}

// ManyToManyRel declares that owning rows relate to zero or more Target
// rows through the Link table. Many-to-many relations are never joined
// inline; they resolve as separate batched lookups keyed by parent ids.
type ManyToManyRel struct {
	Target       Table
	Link         string
	OwnID        string
	LinkOwnID    string
	TargetID     string
	LinkTargetID string

	singular bool
}

func (ExprRel) isRelation()       {}
func (ForeignKeyRel) isRelation() {}
func (ManyToManyRel) isRelation() {}

// LinkOwnIDFor returns the link-table column pointing at the owning table,
// deriving it from the owner's name when none was declared.
func (r ManyToManyRel) LinkOwnIDFor(owner string) string {
	if r.LinkOwnID != "" {
		return r.LinkOwnID
	}
	if r.singular {
		return naming.SingularKeyColumn(owner)
	}
	return naming.KeyColumn(owner)
}
