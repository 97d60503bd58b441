package relmap

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dhmk083/relmap/internal/flatten"
	"github.com/dhmk083/relmap/internal/planner"
	"github.com/dhmk083/relmap/internal/sqlutil"
)

// attachTasks resolves every pending many-to-many task against the given
// rows and splices the grouped results in under each task's key. Batch
// queries for sibling tasks run concurrently up to the configured bound;
// attachment is sequential in declaration order because rows are shared
// maps.
func (r *Resolver) attachTasks(ctx context.Context, rows []Row, tasks []planner.Task) error {
	if len(tasks) == 0 || len(rows) == 0 {
		return nil
	}

	groups := make([]map[string][]Row, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchLimit)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			grouped, err := r.resolveMany(gctx, task, rows)
			if err != nil {
				return fmt.Errorf("resolving %s: %w", task.Key, err)
			}
			groups[i] = grouped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, task := range tasks {
		for _, row := range rows {
			parent := task.Parent(row)
			if parent == nil {
				continue
			}
			related := groups[i][groupKey(task.ParentID(row))]
			if related == nil {
				related = []Row{}
			}
			parent[task.Key] = related
		}
	}
	return nil
}

// resolveMany runs one many-to-many batch: a link-table lookup mapping
// parent ids to target ids, then a single joined query for the target rows
// themselves. Two queries per edge regardless of how many parents there
// are.
func (r *Resolver) resolveMany(ctx context.Context, task planner.Task, parents []Row) (map[string][]Row, error) {
	rel := task.Rel
	ctx, span := r.tracer.Start(ctx, "relmap.resolve_many", trace.WithAttributes(
		attribute.String("relmap.relation", task.Key),
		attribute.String("relmap.link_table", rel.Link),
		attribute.String("relmap.target_table", rel.Target.Name()),
	))
	defer span.End()

	ids := parentIDs(parents, task.ParentID)
	if len(ids) == 0 {
		return map[string][]Row{}, nil
	}

	target := rel.Target.As("")
	opts := target.Options()
	linkOwn := rel.LinkOwnIDFor(task.Owner.Name())
	linkTarget := rel.LinkTargetID

	linkBuilder := sq.Select(
		sqlutil.Quote(linkOwn, opts.Quote),
		sqlutil.Quote(linkTarget, opts.Quote),
	).
		From(sqlutil.Quote(rel.Link, opts.Quote)).
		Where(sq.Eq{sqlutil.Quote(linkOwn, opts.Quote): ids}).
		PlaceholderFormat(r.placeholder)

	linkRows, err := r.query(ctx, linkBuilder)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying link table %s: %w", rel.Link, err)
	}

	targetsByParent := make(map[string][]any)
	for _, link := range linkRows {
		parentID := groupKey(link[linkOwn])
		targetsByParent[parentID] = append(targetsByParent[parentID], link[linkTarget])
	}

	plan, err := planner.Build(target)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	targetBuilder := sq.Select(plan.Projection...).
		From(sqlutil.Quote(target.Name(), opts.Quote)).
		Join(fmt.Sprintf("%s ON %s = %s",
			sqlutil.Quote(rel.Link, opts.Quote),
			sqlutil.Qualify(rel.Link, linkTarget, opts.Quote),
			sqlutil.Qualify(target.Name(), rel.TargetID, opts.Quote),
		)).
		Where(sq.Eq{sqlutil.Qualify(rel.Link, linkOwn, opts.Quote): ids}).
		GroupBy(sqlutil.Qualify(target.Name(), rel.TargetID, opts.Quote)).
		PlaceholderFormat(r.placeholder)
	targetBuilder = plan.Apply(targetBuilder)

	raw, err := r.query(ctx, targetBuilder)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying target table %s: %w", target.Name(), err)
	}

	targetRows, err := flatten.Rows(raw, opts.Separator)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Targets can declare their own many-to-many relations; each level
	// consumes one edge of the graph, so the recursion is bounded.
	if err := r.attachTasks(ctx, targetRows, plan.Tasks); err != nil {
		span.RecordError(err)
		return nil, err
	}

	idKey := target.Exposed(rel.TargetID)
	byID := make(map[string]Row, len(targetRows))
	for _, row := range targetRows {
		byID[groupKey(row[idKey])] = row
	}

	grouped := make(map[string][]Row, len(targetsByParent))
	for parentID, targetIDs := range targetsByParent {
		related := make([]Row, 0, len(targetIDs))
		for _, id := range targetIDs {
			if row, ok := byID[groupKey(id)]; ok {
				related = append(related, row)
			}
		}
		grouped[parentID] = related
	}
	return grouped, nil
}

// parentIDs collects the distinct parent key values in first-seen order.
func parentIDs(rows []Row, parentID func(map[string]any) any) []any {
	seen := make(map[string]struct{}, len(rows))
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		id := parentID(row)
		if id == nil {
			continue
		}
		key := groupKey(id)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func groupKey(v any) string {
	return fmt.Sprint(v)
}
