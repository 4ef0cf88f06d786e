package graph

import (
	"context"
	"strings"
	"sync"
)

// ExecutedQuery records one call made against a MockExecutor.
type ExecutedQuery struct {
	Query  string
	Params map[string]any
}

// MockExecutor is an in-memory Executor for tests and for forge-check's
// offline mode. Responses are matched by substring against the query text;
// unmatched queries return an empty result set.
type MockExecutor struct {
	mu        sync.Mutex
	responses map[string][]map[string]any
	err       error
	calls     []ExecutedQuery
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{responses: make(map[string][]map[string]any)}
}

// Respond registers records to return for any query containing fragment.
func (m *MockExecutor) Respond(fragment string, records []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[fragment] = records
}

// Fail makes every subsequent call return err.
func (m *MockExecutor) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockExecutor) Execute(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, ExecutedQuery{Query: query, Params: params})
	if m.err != nil {
		return nil, m.err
	}
	for fragment, records := range m.responses {
		if strings.Contains(query, fragment) {
			return records, nil
		}
	}
	return nil, nil
}

func (m *MockExecutor) ExecuteSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error) {
	records, err := m.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNoRows
	}
	return records[0], nil
}

func (m *MockExecutor) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Calls returns a copy of every executed query in order.
func (m *MockExecutor) Calls() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutedQuery, len(m.calls))
	copy(out, m.calls)
	return out
}
