// Package relmap resolves declared relation graphs into nested results.
//
// Given a root schema.Table it plans a single joined query covering the
// root and every foreign-key-reachable descendant, reshapes the flat rows
// into a nested object graph, and resolves many-to-many relations as
// separate batched lookups keyed by parent identifiers. Query count is
// bounded by the number of many-to-many edges in the declared graph, never
// by the number of rows returned.
package relmap

import (
	"context"
	"database/sql"

	"github.com/dhmk083/relmap/internal/flatten"
	"github.com/dhmk083/relmap/internal/planner"
)

// Row is one resolved result: a nested mapping mirroring the declared
// relation graph.
type Row = map[string]any

// Errors surfaced by result resolution. Query-engine failures are wrapped
// with %w and propagate unchanged in kind; no retries are attempted.
var (
	// ErrUnsafeKey aborts a call whose result keys contain a reserved
	// property-name segment.
	ErrUnsafeKey = flatten.ErrUnsafeKey
	// ErrRelationConfig reports a relation that cannot form a valid join,
	// surfaced at plan time rather than from query execution.
	ErrRelationConfig = planner.ErrRelationConfig
)

// Rows abstracts sql.Rows so executors can wrap cleanup or instrumentation.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL execution so callers can swap in pooled,
// traced, or fake backends.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly
// against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

// First unwraps the first row of a Select result, composing directly over
// the call: relmap.First(r.Select(ctx, table, nil)). It returns nil when
// the sequence is empty.
func First(rows []Row, err error) (Row, error) {
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
