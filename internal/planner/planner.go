// Package planner derives join plans from declared schemas. Starting at a
// root table it walks foreign-key relations breadth-first, accumulating an
// aliased projection, an inline join chain, and the many-to-many relations
// that must resolve as separate batched lookups.
package planner

import (
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/dhmk083/relmap/internal/sqlutil"
	"github.com/dhmk083/relmap/schema"
)

// ErrRelationConfig indicates a declared relation cannot be resolved into a
// valid join: a missing target or link table, a relation cycle, or two
// relations colliding on one join alias.
var ErrRelationConfig = errors.New("relation config")

// Join is one inline INNER JOIN of the plan's join chain.
type Join struct {
	// Table is the joined table's real name, Alias its path alias.
	Table string
	Alias string
	// Left and Right are the quoted column references of the ON condition.
	Left  string
	Right string
}

// Task is a deferred many-to-many resolution captured during traversal.
type Task struct {
	Rel   schema.ManyToManyRel
	Key   string
	Owner schema.Table
	// Parent locates the owning object within a resolved row.
	Parent func(row map[string]any) map[string]any
	// ParentID extracts the owning object's join-key value.
	ParentID func(row map[string]any) any
}

// Plan is the output of traversing a root table's relation graph.
type Plan struct {
	Projection []string
	Joins      []Join
	Tasks      []Task

	quote string
}

// Apply extends a select builder with the plan's join chain.
func (p Plan) Apply(b sq.SelectBuilder) sq.SelectBuilder {
	for _, j := range p.Joins {
		b = b.InnerJoin(fmt.Sprintf("%s AS %s ON %s = %s",
			sqlutil.Quote(j.Table, p.quote),
			sqlutil.Quote(j.Alias, p.quote),
			j.Left, j.Right,
		))
	}
	return b
}

type queueEntry struct {
	table schema.Table
	// path is the target-table-name chain from the root, empty at the root.
	path string
	// qualifier prefixes this level's column references: the root table's
	// name at the root, the join alias below it.
	qualifier string
	parent    func(row map[string]any) map[string]any
	// chain holds the table names on this entry's ancestor chain, for
	// cycle detection.
	chain map[string]struct{}
}

// Build traverses the relation graph rooted at root and returns its plan.
// All aliases are computed against the root table's quote and separator so
// every level's columns land in a single flat namespace keyed by relation
// path.
func Build(root schema.Table) (Plan, error) {
	opts := root.Options()
	plan := Plan{quote: opts.Quote}
	aliasSeen := map[string]struct{}{}

	queue := []queueEntry{{
		table:     root,
		qualifier: root.Name(),
		parent:    func(row map[string]any) map[string]any { return row },
		chain:     map[string]struct{}{root.Name(): {}},
	}}

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		for _, field := range entry.table.Fields() {
			switch rel := field.Relation.(type) {
			case nil:
				plan.Projection = append(plan.Projection, projection(
					sqlutil.Qualify(entry.qualifier, field.Source, opts.Quote),
					alias(entry.path, field.Name, opts.Separator),
					opts.Quote,
				))

			case schema.ExprRel:
				plan.Projection = append(plan.Projection, projection(
					rel.Expression,
					alias(entry.path, field.Name, opts.Separator),
					opts.Quote,
				))

			case schema.ForeignKeyRel:
				child, err := planForeignKey(&plan, entry, field.Name, rel, opts, aliasSeen)
				if err != nil {
					return Plan{}, err
				}
				queue = append(queue, child)

			case schema.ManyToManyRel:
				if rel.Target.Name() == "" || rel.Link == "" {
					return Plan{}, fmt.Errorf("%w: many-to-many %q on %q needs a target and a link table",
						ErrRelationConfig, field.Name, entry.table.Name())
				}
				plan.Tasks = append(plan.Tasks, newTask(entry, field.Name, rel))

			default:
				return Plan{}, fmt.Errorf("%w: unknown relation kind %T for %q",
					ErrRelationConfig, field.Relation, field.Name)
			}
		}
	}

	return plan, nil
}

func planForeignKey(plan *Plan, entry queueEntry, name string, rel schema.ForeignKeyRel, opts schema.Options, aliasSeen map[string]struct{}) (queueEntry, error) {
	target := rel.Target
	if target.Name() == "" {
		return queueEntry{}, fmt.Errorf("%w: foreign key %q on %q has no target table",
			ErrRelationConfig, name, entry.table.Name())
	}
	if _, onChain := entry.chain[target.Name()]; onChain {
		return queueEntry{}, fmt.Errorf("%w: relation cycle through %q at %q",
			ErrRelationConfig, target.Name(), name)
	}

	childPath := alias(entry.path, target.Name(), opts.Separator)
	if _, dup := aliasSeen[childPath]; dup {
		return queueEntry{}, fmt.Errorf("%w: duplicate join alias %q; two relations to %q need distinct intermediate paths",
			ErrRelationConfig, childPath, target.Name())
	}
	aliasSeen[childPath] = struct{}{}

	plan.Joins = append(plan.Joins, Join{
		Table: target.Name(),
		Alias: childPath,
		Left:  sqlutil.Qualify(entry.qualifier, rel.OwnColumn, opts.Quote),
		Right: sqlutil.Qualify(childPath, rel.TargetColumn, opts.Quote),
	})

	parent := entry.parent
	targetName := target.Name()
	chain := make(map[string]struct{}, len(entry.chain)+1)
	for n := range entry.chain {
		chain[n] = struct{}{}
	}
	chain[targetName] = struct{}{}

	return queueEntry{
		table:     target,
		path:      childPath,
		qualifier: childPath,
		parent: func(row map[string]any) map[string]any {
			p := parent(row)
			if p == nil {
				return nil
			}
			m, _ := p[targetName].(map[string]any)
			return m
		},
		chain: chain,
	}, nil
}

func newTask(entry queueEntry, name string, rel schema.ManyToManyRel) Task {
	parent := entry.parent
	ownKey := entry.table.Exposed(rel.OwnID)
	return Task{
		Rel:    rel,
		Key:    name,
		Owner:  entry.table,
		Parent: parent,
		ParentID: func(row map[string]any) any {
			p := parent(row)
			if p == nil {
				return nil
			}
			return p[ownKey]
		},
	}
}

func alias(path, name, sep string) string {
	if path == "" {
		return name
	}
	return path + sep + name
}

func projection(ref, alias, quote string) string {
	return ref + " AS " + sqlutil.Quote(alias, quote)
}
