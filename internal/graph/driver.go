// Package graph defines the narrow graph-database surface the federation
// core consumes. The engine never sees driver types: queries go through
// Executor and come back as plain record maps, so storage can be swapped
// between the Bolt adapter and test doubles.
package graph

import (
	"context"
	"errors"
)

// ErrNoRows is returned by ExecuteSingle when the query matched nothing.
var ErrNoRows = errors.New("graph: no rows")

// Executor runs parameterized queries against the knowledge graph.
// Implementations must be safe for concurrent use.
type Executor interface {
	// Execute runs a query and returns every record as a field map.
	Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)

	// ExecuteSingle runs a query expected to produce at most one record.
	// Returns ErrNoRows when the result set is empty.
	ExecuteSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error)
}

// Pinger is implemented by executors that can verify connectivity; used by
// health checks and forge-check.
type Pinger interface {
	Ping(ctx context.Context) error
}
