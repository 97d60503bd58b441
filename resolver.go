package relmap

import (
	"context"
	"fmt"
	"log/slog"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dhmk083/relmap/internal/flatten"
	"github.com/dhmk083/relmap/internal/planner"
	"github.com/dhmk083/relmap/internal/sqlutil"
	"github.com/dhmk083/relmap/schema"
)

const tracerName = "github.com/dhmk083/relmap"

const defaultBatchConcurrency = 4

// Customizer adjusts the composed base query before execution: filters,
// ordering, limits. It receives and returns the underlying select builder.
type Customizer func(sq.SelectBuilder) sq.SelectBuilder

// Resolver plans and executes relation-graph queries. It holds no
// per-query state and is safe for concurrent use.
type Resolver struct {
	exec        QueryExecutor
	log         *slog.Logger
	tracer      trace.Tracer
	placeholder sq.PlaceholderFormat
	batchLimit  int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		r.log = log
	}
}

// WithTracerProvider sets the tracer provider used for resolution spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Resolver) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// WithBatchConcurrency bounds how many sibling many-to-many batches run
// concurrently. Defaults to 4; values below 1 mean sequential.
func WithBatchConcurrency(n int) Option {
	return func(r *Resolver) {
		if n < 1 {
			n = 1
		}
		r.batchLimit = n
	}
}

// WithPlaceholderFormat sets the placeholder format of composed queries.
// Defaults to question marks.
func WithPlaceholderFormat(f sq.PlaceholderFormat) Option {
	return func(r *Resolver) {
		r.placeholder = f
	}
}

// New creates a Resolver executing against the given backend.
func New(exec QueryExecutor, opts ...Option) *Resolver {
	r := &Resolver{
		exec:        exec,
		log:         slog.Default(),
		tracer:      otel.Tracer(tracerName),
		placeholder: sq.Question,
		batchLimit:  defaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select resolves the relation graph rooted at table: one joined query for
// the root and its foreign-key descendants, then one batched lookup pair
// per many-to-many edge. customize, when non-nil, adjusts the base query
// before execution. The returned rows are nested per the declared graph;
// many-to-many keys always hold a sequence, empty when no related rows
// exist.
func (r *Resolver) Select(ctx context.Context, table schema.Table, customize Customizer) ([]Row, error) {
	callID := uuid.NewString()
	ctx, span := r.tracer.Start(ctx, "relmap.select", trace.WithAttributes(
		attribute.String("relmap.table", table.Name()),
	))
	defer span.End()

	root := table.As("")
	plan, err := planner.Build(root)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	opts := root.Options()
	builder := sq.Select(plan.Projection...).
		From(sqlutil.Quote(root.Name(), opts.Quote)).
		PlaceholderFormat(r.placeholder)
	builder = plan.Apply(builder)
	if customize != nil {
		builder = customize(builder)
	}

	raw, err := r.query(ctx, builder)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("selecting from %s: %w", table.Name(), err)
	}

	rows, err := flatten.Rows(raw, opts.Separator)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := r.attachTasks(ctx, rows, plan.Tasks); err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.log.DebugContext(ctx, "select resolved",
		"call_id", callID,
		"table", table.Name(),
		"rows", len(rows),
		"batched_relations", len(plan.Tasks),
	)
	return rows, nil
}

// SelectOne resolves the graph and returns the first row, or nil when the
// result is empty.
func (r *Resolver) SelectOne(ctx context.Context, table schema.Table, customize Customizer) (Row, error) {
	return First(r.Select(ctx, table, customize))
}

// query renders the builder, executes it, and scans every result row into
// a flat map keyed by result alias.
func (r *Resolver) query(ctx context.Context, builder sq.SelectBuilder) ([]map[string]any, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

func convertValue(val any) any {
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}
