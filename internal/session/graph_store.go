package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/graph"
)

// GraphStore persists sessions as Session nodes in the knowledge graph,
// keyed by JTI.
type GraphStore struct {
	exec    graph.Executor
	breaker *circuitbreaker.CircuitBreaker
}

// NewGraphStore wires the store. breaker may be nil in tests.
func NewGraphStore(exec graph.Executor, breaker *circuitbreaker.CircuitBreaker) *GraphStore {
	return &GraphStore{exec: exec, breaker: breaker}
}

func (s *GraphStore) run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if s.breaker == nil {
		return s.exec.Execute(ctx, query, params)
	}
	return circuitbreaker.Execute(ctx, s.breaker, func(ctx context.Context) ([]map[string]any, error) {
		return s.exec.Execute(ctx, query, params)
	})
}

func (s *GraphStore) runSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error) {
	if s.breaker == nil {
		return s.exec.ExecuteSingle(ctx, query, params)
	}
	return circuitbreaker.Execute(ctx, s.breaker, func(ctx context.Context) (map[string]any, error) {
		return s.exec.ExecuteSingle(ctx, query, params)
	})
}

func (s *GraphStore) Save(ctx context.Context, sess *Session) error {
	_, err := s.run(ctx, `
		MERGE (s:Session {id: $id})
		SET s += $props`,
		map[string]any{"id": sess.ID, "props": sessionProps(sess)})
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *GraphStore) GetByJTI(ctx context.Context, jti string) (*Session, error) {
	record, err := s.runSingle(ctx, `
		MATCH (s:Session {id: $id})
		RETURN properties(s) AS sess`,
		map[string]any{"id": jti})
	if errors.Is(err, graph.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", jti, err)
	}
	return sessionFromProps(asPropMap(record["sess"])), nil
}

func (s *GraphStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	records, err := s.run(ctx, `
		MATCH (s:Session {user_id: $user_id})
		RETURN properties(s) AS sess
		ORDER BY s.created_at DESC`,
		map[string]any{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("list sessions for user %s: %w", userID, err)
	}
	out := make([]*Session, 0, len(records))
	for _, record := range records {
		out = append(out, sessionFromProps(asPropMap(record["sess"])))
	}
	return out, nil
}

func (s *GraphStore) MarkExpired(ctx context.Context, now time.Time) ([]string, error) {
	records, err := s.run(ctx, `
		MATCH (s:Session)
		WHERE s.status = 'ACTIVE' AND s.expires_at < $now
		SET s.status = 'EXPIRED'
		RETURN s.id AS id`,
		map[string]any{"now": now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("mark expired sessions: %w", err)
	}
	jtis := make([]string, 0, len(records))
	for _, record := range records {
		jtis = append(jtis, graph.AsString(record["id"]))
	}
	return jtis, nil
}

func (s *GraphStore) CountActive(ctx context.Context) (int, error) {
	record, err := s.runSingle(ctx, `
		MATCH (s:Session {status: 'ACTIVE'})
		RETURN count(s) AS n`,
		nil)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return graph.AsInt(record["n"]), nil
}

func asPropMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func sessionProps(s *Session) map[string]any {
	return map[string]any{
		"id":                      s.ID,
		"user_id":                 s.UserID,
		"token_jti":               s.TokenJTI,
		"token_type":              s.TokenType,
		"ip_address":              s.IPAddress,
		"user_agent":              s.UserAgent,
		"user_agent_hash":         s.UserAgentHash,
		"last_ip":                 s.LastIP,
		"last_user_agent":         s.LastUserAgent,
		"last_user_agent_hash":    s.LastUserAgentHash,
		"created_at":              s.CreatedAt.UTC(),
		"last_activity_at":        s.LastActivityAt.UTC(),
		"expires_at":              s.ExpiresAt.UTC(),
		"request_count":           s.RequestCount,
		"ip_change_count":         s.IPChangeCount,
		"user_agent_change_count": s.UserAgentChangeCount,
		"ip_history":              toAnySlice(s.IPHistory),
		"status":                  string(s.Status),
		"flagged_reason":          s.FlaggedReason,
		"revoked_at":              timeOrNil(s.RevokedAt),
		"revoked_reason":          s.RevokedReason,
	}
}

func sessionFromProps(props map[string]any) *Session {
	return &Session{
		ID:                   graph.AsString(props["id"]),
		UserID:               graph.AsString(props["user_id"]),
		TokenJTI:             graph.AsString(props["token_jti"]),
		TokenType:            graph.AsString(props["token_type"]),
		IPAddress:            graph.AsString(props["ip_address"]),
		UserAgent:            graph.AsString(props["user_agent"]),
		UserAgentHash:        graph.AsString(props["user_agent_hash"]),
		LastIP:               graph.AsString(props["last_ip"]),
		LastUserAgent:        graph.AsString(props["last_user_agent"]),
		LastUserAgentHash:    graph.AsString(props["last_user_agent_hash"]),
		CreatedAt:            graph.AsTime(props["created_at"]),
		LastActivityAt:       graph.AsTime(props["last_activity_at"]),
		ExpiresAt:            graph.AsTime(props["expires_at"]),
		RequestCount:         graph.AsInt(props["request_count"]),
		IPChangeCount:        graph.AsInt(props["ip_change_count"]),
		UserAgentChangeCount: graph.AsInt(props["user_agent_change_count"]),
		IPHistory:            graph.AsStringSlice(props["ip_history"]),
		Status:               Status(graph.AsString(props["status"])),
		FlaggedReason:        graph.AsString(props["flagged_reason"]),
		RevokedAt:            graph.AsTimePtr(props["revoked_at"]),
		RevokedReason:        graph.AsString(props["revoked_reason"]),
	}
}
