package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jExecutor implements Executor over a Bolt connection. The underlying
// driver pools connections and is safe for concurrent use; each call runs in
// its own managed transaction.
type Neo4jExecutor struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jExecutor connects to the graph database and verifies connectivity
// before returning. Startup fails fast on an unreachable graph because every
// persisted structure in the core lives there.
func NewNeo4jExecutor(uri, username, password, database string) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity check failed (%s): %w", uri, err)
	}

	slog.Info("Graph database connected", "uri", uri, "database", database)
	return &Neo4jExecutor{driver: driver, database: database}, nil
}

func (e *Neo4jExecutor) Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	result, err := neo4j.ExecuteQuery(ctx, e.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(e.database))
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}

	records := make([]map[string]any, 0, len(result.Records))
	for _, rec := range result.Records {
		records = append(records, rec.AsMap())
	}
	return records, nil
}

func (e *Neo4jExecutor) ExecuteSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error) {
	records, err := e.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRows
	}
	return records[0], nil
}

// Ping verifies the Bolt connection is still serviceable.
func (e *Neo4jExecutor) Ping(ctx context.Context) error {
	return e.driver.VerifyConnectivity(ctx)
}

// Close releases the driver's connection pool.
func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}
