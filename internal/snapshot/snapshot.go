// Package snapshot captures periodic state snapshots of the knowledge graph
// and compacts historical capsule versions. Both run as scheduler tasks and
// reach the graph through the neo4j circuit breaker, so a down database opens
// the circuit instead of burning the tasks' failure budget.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/graph"
)

// maxHistory bounds the in-memory snapshot ring; a week of hourly captures.
const maxHistory = 168

const (
	queryCapsulesByType = `MATCH (c:Capsule) RETURN c.type AS type, count(c) AS count ORDER BY type`
	queryEdgeCount      = `MATCH (:Capsule)-[r]->(:Capsule) RETURN count(r) AS count`
	queryPeerCount      = `MATCH (p:Peer) RETURN count(p) AS count`

	queryPersistSnapshot = `CREATE (s:GraphSnapshot {id: $id, capsule_count: $capsule_count,
edge_count: $edge_count, peer_count: $peer_count, state_hash: $state_hash,
captured_at: $captured_at})`
)

// GraphSnapshot is one point-in-time measurement of the graph. The state hash
// covers the per-type counts so consecutive snapshots can be compared without
// diffing entity lists.
type GraphSnapshot struct {
	ID             string         `json:"id"`
	CapsuleCount   int            `json:"capsule_count"`
	EdgeCount      int            `json:"edge_count"`
	PeerCount      int            `json:"peer_count"`
	CapsulesByType map[string]int `json:"capsules_by_type,omitempty"`
	StateHash      string         `json:"state_hash"`
	TookMillis     int64          `json:"took_millis"`
	CapturedAt     time.Time      `json:"captured_at"`
}

// Service captures graph snapshots. Safe for concurrent use, though the
// scheduler only ever runs one capture at a time.
type Service struct {
	graph   graph.Executor
	breaker *circuitbreaker.CircuitBreaker

	mu      sync.Mutex
	history []GraphSnapshot

	now func() time.Time
}

func NewService(g graph.Executor, breaker *circuitbreaker.CircuitBreaker) *Service {
	return &Service{graph: g, breaker: breaker, now: time.Now}
}

// Run adapts Capture to the scheduler's task signature.
func (s *Service) Run(ctx context.Context) error {
	_, err := s.Capture(ctx)
	return err
}

// Capture measures the graph, persists a snapshot node, and records it in the
// local history. Returns the breaker's error unchanged when the circuit is
// open so the scheduler can account it as a skip.
func (s *Service) Capture(ctx context.Context) (*GraphSnapshot, error) {
	started := s.now().UTC()
	snap := &GraphSnapshot{
		ID:             uuid.NewString(),
		CapsulesByType: make(map[string]int),
		CapturedAt:     started,
	}

	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		byType, err := s.graph.Execute(ctx, queryCapsulesByType, nil)
		if err != nil {
			return fmt.Errorf("count capsules: %w", err)
		}
		for _, rec := range byType {
			capsuleType := graph.AsString(rec["type"])
			if capsuleType == "" {
				capsuleType = "untyped"
			}
			n := graph.AsInt(rec["count"])
			snap.CapsulesByType[capsuleType] += n
			snap.CapsuleCount += n
		}

		if rec, err := s.graph.ExecuteSingle(ctx, queryEdgeCount, nil); err == nil {
			snap.EdgeCount = graph.AsInt(rec["count"])
		} else if !errors.Is(err, graph.ErrNoRows) {
			return fmt.Errorf("count edges: %w", err)
		}

		if rec, err := s.graph.ExecuteSingle(ctx, queryPeerCount, nil); err == nil {
			snap.PeerCount = graph.AsInt(rec["count"])
		} else if !errors.Is(err, graph.ErrNoRows) {
			return fmt.Errorf("count peers: %w", err)
		}

		snap.StateHash = stateHash(snap)

		if _, err := s.graph.Execute(ctx, queryPersistSnapshot, map[string]any{
			"id":            snap.ID,
			"capsule_count": snap.CapsuleCount,
			"edge_count":    snap.EdgeCount,
			"peer_count":    snap.PeerCount,
			"state_hash":    snap.StateHash,
			"captured_at":   started.Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap.TookMillis = s.now().UTC().Sub(started).Milliseconds()

	s.mu.Lock()
	var prev *GraphSnapshot
	if len(s.history) > 0 {
		prev = &s.history[len(s.history)-1]
	}
	drifted := prev != nil && prev.StateHash != snap.StateHash
	var deltaCapsules int
	if prev != nil {
		deltaCapsules = snap.CapsuleCount - prev.CapsuleCount
	}
	s.history = append(s.history, *snap)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	s.mu.Unlock()

	if drifted {
		slog.Info("Graph state changed since last snapshot",
			"capsules", snap.CapsuleCount, "edges", snap.EdgeCount, "delta_capsules", deltaCapsules)
	}
	slog.Info("Graph snapshot captured",
		"capsules", snap.CapsuleCount, "edges", snap.EdgeCount, "peers", snap.PeerCount,
		"state_hash", snap.StateHash[:12])
	return snap, nil
}

// Last returns the most recent snapshot, or nil before the first capture.
func (s *Service) Last() *GraphSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return nil
	}
	snap := s.history[len(s.history)-1]
	return &snap
}

// History returns up to limit snapshots, newest first.
func (s *Service) History(limit int) []GraphSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]GraphSnapshot, 0, limit)
	for i := len(s.history) - 1; i >= len(s.history)-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// stateHash folds the counts into a deterministic digest so two snapshots of
// identical graph shape compare equal regardless of map iteration order.
func stateHash(snap *GraphSnapshot) string {
	types := make([]string, 0, len(snap.CapsulesByType))
	for t := range snap.CapsulesByType {
		types = append(types, t)
	}
	sort.Strings(types)

	h := sha256.New()
	for _, t := range types {
		fmt.Fprintf(h, "capsule:%s=%d\n", t, snap.CapsulesByType[t])
	}
	fmt.Fprintf(h, "edges=%d\npeers=%d\n", snap.EdgeCount, snap.PeerCount)
	return hex.EncodeToString(h.Sum(nil))
}
