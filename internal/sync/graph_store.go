package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgegraph/forge-core/internal/circuitbreaker"
	"github.com/forgegraph/forge-core/internal/core"
	"github.com/forgegraph/forge-core/internal/federation"
	"github.com/forgegraph/forge-core/internal/graph"
)

// graphRunner funnels every query through the neo4j circuit breaker when one
// is configured.
type graphRunner struct {
	exec    graph.Executor
	breaker *circuitbreaker.CircuitBreaker
}

func (g *graphRunner) run(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	if g.breaker == nil {
		return g.exec.Execute(ctx, query, params)
	}
	return circuitbreaker.Execute(ctx, g.breaker, func(ctx context.Context) ([]map[string]any, error) {
		return g.exec.Execute(ctx, query, params)
	})
}

func (g *graphRunner) runSingle(ctx context.Context, query string, params map[string]any) (map[string]any, error) {
	if g.breaker == nil {
		return g.exec.ExecuteSingle(ctx, query, params)
	}
	return circuitbreaker.Execute(ctx, g.breaker, func(ctx context.Context) (map[string]any, error) {
		return g.exec.ExecuteSingle(ctx, query, params)
	})
}

// ============================================================================
// FEDERATION BOOKKEEPING STORE
// ============================================================================

// GraphStore persists federation bookkeeping in the knowledge graph:
// FederationPeer, FederatedEntity, FederatedEdge, SyncState, and SyncConflict
// nodes.
type GraphStore struct {
	graphRunner
}

// NewGraphStore wires the store. breaker may be nil in tests.
func NewGraphStore(exec graph.Executor, breaker *circuitbreaker.CircuitBreaker) *GraphStore {
	return &GraphStore{graphRunner{exec: exec, breaker: breaker}}
}

func (s *GraphStore) SavePeer(ctx context.Context, peer *core.Peer) error {
	_, err := s.run(ctx, `
		MERGE (p:FederationPeer {id: $id})
		SET p += $props`,
		map[string]any{"id": peer.ID, "props": peerProps(peer)})
	if err != nil {
		return fmt.Errorf("save peer %s: %w", peer.ID, err)
	}
	return nil
}

func (s *GraphStore) GetPeer(ctx context.Context, id string) (*core.Peer, error) {
	record, err := s.runSingle(ctx, `
		MATCH (p:FederationPeer {id: $id})
		RETURN properties(p) AS peer`,
		map[string]any{"id": id})
	if errors.Is(err, graph.ErrNoRows) {
		return nil, ErrPeerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer %s: %w", id, err)
	}
	return peerFromProps(asPropMap(record["peer"])), nil
}

func (s *GraphStore) ListPeers(ctx context.Context) ([]*core.Peer, error) {
	records, err := s.run(ctx, `
		MATCH (p:FederationPeer)
		RETURN properties(p) AS peer
		ORDER BY p.id`,
		nil)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	out := make([]*core.Peer, 0, len(records))
	for _, record := range records {
		out = append(out, peerFromProps(asPropMap(record["peer"])))
	}
	return out, nil
}

func (s *GraphStore) DeletePeer(ctx context.Context, id string) error {
	_, err := s.run(ctx, `
		MATCH (p:FederationPeer {id: $id})
		DETACH DELETE p`,
		map[string]any{"id": id})
	if err != nil {
		return fmt.Errorf("delete peer %s: %w", id, err)
	}
	return nil
}

func (s *GraphStore) GetEntityRecord(ctx context.Context, peerID, remoteID string) (*core.FederatedEntityRecord, error) {
	record, err := s.runSingle(ctx, `
		MATCH (f:FederatedEntity {peer_id: $peer_id, remote_entity_id: $remote_id})
		RETURN properties(f) AS rec`,
		map[string]any{"peer_id": peerID, "remote_id": remoteID})
	if errors.Is(err, graph.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get federated entity %s/%s: %w", peerID, remoteID, err)
	}
	return entityRecordFromProps(asPropMap(record["rec"])), nil
}

func (s *GraphStore) SaveEntityRecord(ctx context.Context, rec *core.FederatedEntityRecord) error {
	_, err := s.run(ctx, `
		MERGE (f:FederatedEntity {peer_id: $peer_id, remote_entity_id: $remote_id})
		SET f += $props`,
		map[string]any{
			"peer_id":   rec.PeerID,
			"remote_id": rec.RemoteEntityID,
			"props":     entityRecordProps(rec),
		})
	if err != nil {
		return fmt.Errorf("save federated entity %s/%s: %w", rec.PeerID, rec.RemoteEntityID, err)
	}
	return nil
}

func (s *GraphStore) ListEntityRecords(ctx context.Context, peerID string, limit int) ([]*core.FederatedEntityRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.run(ctx, `
		MATCH (f:FederatedEntity {peer_id: $peer_id})
		RETURN properties(f) AS rec
		ORDER BY f.remote_entity_id
		LIMIT $limit`,
		map[string]any{"peer_id": peerID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list federated entities for %s: %w", peerID, err)
	}
	out := make([]*core.FederatedEntityRecord, 0, len(records))
	for _, record := range records {
		out = append(out, entityRecordFromProps(asPropMap(record["rec"])))
	}
	return out, nil
}

func (s *GraphStore) GetEdgeRecord(ctx context.Context, peerID, remoteEdgeID string) (*core.FederatedEdgeRecord, error) {
	record, err := s.runSingle(ctx, `
		MATCH (f:FederatedEdge {peer_id: $peer_id, remote_edge_id: $remote_id})
		RETURN properties(f) AS rec`,
		map[string]any{"peer_id": peerID, "remote_id": remoteEdgeID})
	if errors.Is(err, graph.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get federated edge %s/%s: %w", peerID, remoteEdgeID, err)
	}
	props := asPropMap(record["rec"])
	return &core.FederatedEdgeRecord{
		PeerID:       graph.AsString(props["peer_id"]),
		RemoteEdgeID: graph.AsString(props["remote_edge_id"]),
		LocalEdgeID:  graph.AsString(props["local_edge_id"]),
		SourceID:     graph.AsString(props["source_id"]),
		TargetID:     graph.AsString(props["target_id"]),
		EdgeType:     graph.AsString(props["edge_type"]),
		CreatedAt:    graph.AsTime(props["created_at"]),
	}, nil
}

func (s *GraphStore) SaveEdgeRecord(ctx context.Context, rec *core.FederatedEdgeRecord) error {
	_, err := s.run(ctx, `
		MERGE (f:FederatedEdge {peer_id: $peer_id, remote_edge_id: $remote_id})
		SET f += $props`,
		map[string]any{
			"peer_id":   rec.PeerID,
			"remote_id": rec.RemoteEdgeID,
			"props": map[string]any{
				"peer_id":        rec.PeerID,
				"remote_edge_id": rec.RemoteEdgeID,
				"local_edge_id":  rec.LocalEdgeID,
				"source_id":      rec.SourceID,
				"target_id":      rec.TargetID,
				"edge_type":      rec.EdgeType,
				"created_at":     rec.CreatedAt.UTC(),
			},
		})
	if err != nil {
		return fmt.Errorf("save federated edge %s/%s: %w", rec.PeerID, rec.RemoteEdgeID, err)
	}
	return nil
}

func (s *GraphStore) SaveSyncState(ctx context.Context, state *core.SyncState) error {
	_, err := s.run(ctx, `
		MERGE (s:SyncState {id: $id})
		SET s += $props`,
		map[string]any{"id": state.ID, "props": syncStateProps(state)})
	if err != nil {
		return fmt.Errorf("save sync state %s: %w", state.ID, err)
	}
	return nil
}

func (s *GraphStore) ListSyncStates(ctx context.Context, peerID string, limit int) ([]*core.SyncState, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := s.run(ctx, `
		MATCH (s:SyncState)
		WHERE $peer_id = '' OR s.peer_id = $peer_id
		RETURN properties(s) AS state
		ORDER BY s.id DESC
		LIMIT $limit`,
		map[string]any{"peer_id": peerID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list sync states: %w", err)
	}
	out := make([]*core.SyncState, 0, len(records))
	for _, record := range records {
		out = append(out, syncStateFromProps(asPropMap(record["state"])))
	}
	return out, nil
}

func (s *GraphStore) SaveConflict(ctx context.Context, conflict *core.SyncConflict) error {
	_, err := s.run(ctx, `
		MERGE (c:SyncConflict {id: $id})
		SET c += $props`,
		map[string]any{
			"id": conflict.ID,
			"props": map[string]any{
				"id":               conflict.ID,
				"peer_id":          conflict.PeerID,
				"sync_id":          conflict.SyncID,
				"remote_entity_id": conflict.RemoteEntityID,
				"local_entity_id":  conflict.LocalEntityID,
				"policy":           string(conflict.Policy),
				"resolution":       conflict.Resolution,
				"outcome":          conflict.Outcome,
				"resolved":         conflict.Resolved,
				"detected_at":      conflict.DetectedAt.UTC(),
			},
		})
	if err != nil {
		return fmt.Errorf("save conflict %s: %w", conflict.ID, err)
	}
	return nil
}

func (s *GraphStore) ListConflicts(ctx context.Context, peerID string, unresolvedOnly bool, limit int) ([]*core.SyncConflict, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := s.run(ctx, `
		MATCH (c:SyncConflict)
		WHERE ($peer_id = '' OR c.peer_id = $peer_id)
		  AND (NOT $unresolved_only OR c.resolved = false)
		RETURN properties(c) AS conflict
		ORDER BY c.detected_at DESC
		LIMIT $limit`,
		map[string]any{"peer_id": peerID, "unresolved_only": unresolvedOnly, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]*core.SyncConflict, 0, len(records))
	for _, record := range records {
		props := asPropMap(record["conflict"])
		out = append(out, &core.SyncConflict{
			ID:             graph.AsString(props["id"]),
			PeerID:         graph.AsString(props["peer_id"]),
			SyncID:         graph.AsString(props["sync_id"]),
			RemoteEntityID: graph.AsString(props["remote_entity_id"]),
			LocalEntityID:  graph.AsString(props["local_entity_id"]),
			Policy:         core.ConflictPolicy(graph.AsString(props["policy"])),
			Resolution:     graph.AsString(props["resolution"]),
			Outcome:        graph.AsString(props["outcome"]),
			Resolved:       graph.AsBool(props["resolved"]),
			DetectedAt:     graph.AsTime(props["detected_at"]),
		})
	}
	return out, nil
}

// ============================================================================
// CAPSULE STORE
// ============================================================================

// GraphCapsuleStore materializes capsules and edges in the knowledge graph.
// Edges are LINKS relationships carrying their type as a property so one
// schema covers every edge type.
type GraphCapsuleStore struct {
	graphRunner
}

func NewGraphCapsuleStore(exec graph.Executor, breaker *circuitbreaker.CircuitBreaker) *GraphCapsuleStore {
	return &GraphCapsuleStore{graphRunner{exec: exec, breaker: breaker}}
}

func (s *GraphCapsuleStore) GetCapsule(ctx context.Context, id string) (*core.Capsule, error) {
	record, err := s.runSingle(ctx, `
		MATCH (c:Capsule {id: $id})
		RETURN properties(c) AS capsule`,
		map[string]any{"id": id})
	if errors.Is(err, graph.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule %s: %w", id, err)
	}
	c := capsuleFromProps(asPropMap(record["capsule"]))
	return &c, nil
}

func (s *GraphCapsuleStore) CreateCapsule(ctx context.Context, c *core.Capsule) (string, error) {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	props := capsuleProps(c)
	props["id"] = id
	_, err := s.run(ctx, `
		CREATE (c:Capsule)
		SET c = $props`,
		map[string]any{"props": props})
	if err != nil {
		return "", fmt.Errorf("create capsule: %w", err)
	}
	return id, nil
}

func (s *GraphCapsuleStore) UpdateCapsule(ctx context.Context, c *core.Capsule) error {
	props := capsuleProps(c)
	props["id"] = c.ID
	_, err := s.run(ctx, `
		MATCH (c:Capsule {id: $id})
		SET c += $props`,
		map[string]any{"id": c.ID, "props": props})
	if err != nil {
		return fmt.Errorf("update capsule %s: %w", c.ID, err)
	}
	return nil
}

func (s *GraphCapsuleStore) CreateEdge(ctx context.Context, e *core.Edge) (string, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.run(ctx, `
		MATCH (a:Capsule {id: $source_id}), (b:Capsule {id: $target_id})
		CREATE (a)-[r:LINKS {id: $id, type: $type, created_at: $created_at}]->(b)`,
		map[string]any{
			"source_id":  e.SourceID,
			"target_id":  e.TargetID,
			"id":         id,
			"type":       e.Type,
			"created_at": createdAt.UTC(),
		})
	if err != nil {
		return "", fmt.Errorf("create edge %s->%s: %w", e.SourceID, e.TargetID, err)
	}
	return id, nil
}

func (s *GraphCapsuleStore) ChangedSince(ctx context.Context, since *time.Time, types []string, minTrust, offset, limit int) ([]core.Capsule, bool, error) {
	if limit <= 0 {
		limit = federation.DefaultPageLimit
	}
	params := map[string]any{
		"since":     nil,
		"types":     toAnySlice(types),
		"min_trust": minTrust,
		"offset":    offset,
		// One extra row decides has_more without a second query.
		"limit": limit + 1,
	}
	if since != nil {
		params["since"] = since.UTC()
	}
	records, err := s.run(ctx, `
		MATCH (c:Capsule)
		WHERE ($since IS NULL OR c.updated_at > $since)
		  AND c.trust_level >= $min_trust
		  AND (size($types) = 0 OR c.type IN $types)
		RETURN properties(c) AS capsule
		ORDER BY c.updated_at ASC, c.id ASC
		SKIP $offset
		LIMIT $limit`,
		params)
	if err != nil {
		return nil, false, fmt.Errorf("query changed capsules: %w", err)
	}
	hasMore := len(records) > limit
	if hasMore {
		records = records[:limit]
	}
	out := make([]core.Capsule, 0, len(records))
	for _, record := range records {
		out = append(out, capsuleFromProps(asPropMap(record["capsule"])))
	}
	return out, hasMore, nil
}

func (s *GraphCapsuleStore) EdgesAmong(ctx context.Context, ids []string) ([]core.Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := s.run(ctx, `
		MATCH (a:Capsule)-[r:LINKS]->(b:Capsule)
		WHERE a.id IN $ids AND b.id IN $ids
		RETURN r.id AS id, a.id AS source_id, b.id AS target_id, r.type AS type, r.created_at AS created_at
		ORDER BY r.id`,
		map[string]any{"ids": toAnySlice(ids)})
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	out := make([]core.Edge, 0, len(records))
	for _, record := range records {
		out = append(out, core.Edge{
			ID:        graph.AsString(record["id"]),
			SourceID:  graph.AsString(record["source_id"]),
			TargetID:  graph.AsString(record["target_id"]),
			Type:      graph.AsString(record["type"]),
			CreatedAt: graph.AsTime(record["created_at"]),
		})
	}
	return out, nil
}

// ============================================================================
// PROPERTY MAPPING
// ============================================================================

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

func peerProps(p *core.Peer) map[string]any {
	return map[string]any{
		"id":                    p.ID,
		"name":                  p.Name,
		"base_url":              p.BaseURL,
		"our_public_key_pem":    p.OurPublicKeyPEM,
		"peer_public_key_pem":   p.PeerPublicKeyPEM,
		"trust_score":           p.TrustScore,
		"status":                string(p.Status),
		"sync_direction":        string(p.SyncDirection),
		"sync_interval_minutes": p.SyncIntervalMinutes,
		"conflict_policy":       string(p.ConflictPolicy),
		"allowed_entity_types":  toAnySlice(p.AllowedEntityTypes),
		"min_trust_to_sync":     p.MinTrustToSync,
		"registered_at":         p.RegisteredAt.UTC(),
		"last_seen_at":          timeOrNil(p.LastSeenAt),
		"last_sync_at":          timeOrNil(p.LastSyncAt),
		"last_verified_at":      timeOrNil(p.LastVerifiedAt),
		"total_syncs":           p.TotalSyncs,
		"successful_syncs":      p.SuccessfulSyncs,
		"failed_syncs":          p.FailedSyncs,
		"entities_sent":         p.EntitiesSent,
		"entities_received":     p.EntitiesReceived,
		"description":           p.Description,
	}
}

func peerFromProps(props map[string]any) *core.Peer {
	return &core.Peer{
		ID:                  graph.AsString(props["id"]),
		Name:                graph.AsString(props["name"]),
		BaseURL:             graph.AsString(props["base_url"]),
		OurPublicKeyPEM:     graph.AsString(props["our_public_key_pem"]),
		PeerPublicKeyPEM:    graph.AsString(props["peer_public_key_pem"]),
		TrustScore:          graph.AsFloat(props["trust_score"]),
		Status:              core.PeerStatus(graph.AsString(props["status"])),
		SyncDirection:       core.SyncDirection(graph.AsString(props["sync_direction"])),
		SyncIntervalMinutes: graph.AsInt(props["sync_interval_minutes"]),
		ConflictPolicy:      core.ConflictPolicy(graph.AsString(props["conflict_policy"])),
		AllowedEntityTypes:  graph.AsStringSlice(props["allowed_entity_types"]),
		MinTrustToSync:      graph.AsInt(props["min_trust_to_sync"]),
		RegisteredAt:        graph.AsTime(props["registered_at"]),
		LastSeenAt:          graph.AsTimePtr(props["last_seen_at"]),
		LastSyncAt:          graph.AsTimePtr(props["last_sync_at"]),
		LastVerifiedAt:      graph.AsTimePtr(props["last_verified_at"]),
		TotalSyncs:          graph.AsInt(props["total_syncs"]),
		SuccessfulSyncs:     graph.AsInt(props["successful_syncs"]),
		FailedSyncs:         graph.AsInt(props["failed_syncs"]),
		EntitiesSent:        graph.AsInt(props["entities_sent"]),
		EntitiesReceived:    graph.AsInt(props["entities_received"]),
		Description:         graph.AsString(props["description"]),
	}
}

func entityRecordProps(rec *core.FederatedEntityRecord) map[string]any {
	return map[string]any{
		"peer_id":             rec.PeerID,
		"remote_entity_id":    rec.RemoteEntityID,
		"local_entity_id":     rec.LocalEntityID,
		"remote_content_hash": rec.RemoteContentHash,
		"local_content_hash":  rec.LocalContentHash,
		"sync_status":         string(rec.SyncStatus),
		"title":               rec.Title,
		"entity_type":         rec.EntityType,
		"trust_level":         rec.TrustLevel,
		"owner":               rec.Owner,
		"conflict_reason":     rec.ConflictReason,
		"review_required":     rec.ReviewRequired,
		"last_synced_at":      timeOrNil(rec.LastSyncedAt),
	}
}

func entityRecordFromProps(props map[string]any) *core.FederatedEntityRecord {
	return &core.FederatedEntityRecord{
		PeerID:            graph.AsString(props["peer_id"]),
		RemoteEntityID:    graph.AsString(props["remote_entity_id"]),
		LocalEntityID:     graph.AsString(props["local_entity_id"]),
		RemoteContentHash: graph.AsString(props["remote_content_hash"]),
		LocalContentHash:  graph.AsString(props["local_content_hash"]),
		SyncStatus:        core.RecordStatus(graph.AsString(props["sync_status"])),
		Title:             graph.AsString(props["title"]),
		EntityType:        graph.AsString(props["entity_type"]),
		TrustLevel:        graph.AsInt(props["trust_level"]),
		Owner:             graph.AsString(props["owner"]),
		ConflictReason:    graph.AsString(props["conflict_reason"]),
		ReviewRequired:    graph.AsBool(props["review_required"]),
		LastSyncedAt:      graph.AsTimePtr(props["last_synced_at"]),
	}
}

func syncStateProps(state *core.SyncState) map[string]any {
	props := map[string]any{
		"id":                  state.ID,
		"peer_id":             state.PeerID,
		"direction":           string(state.Direction),
		"status":              string(state.Status),
		"phase":               string(state.Phase),
		"started_at":          state.StartedAt.UTC(),
		"completed_at":        timeOrNil(state.CompletedAt),
		"sync_from":           timeOrNil(state.SyncFrom),
		"sync_to":             timeOrNil(state.SyncTo),
		"error_message":       state.ErrorMessage,
		"capsules_fetched":    state.Counters.CapsulesFetched,
		"capsules_created":    state.Counters.CapsulesCreated,
		"capsules_updated":    state.Counters.CapsulesUpdated,
		"capsules_skipped":    state.Counters.CapsulesSkipped,
		"capsules_conflicted": state.Counters.CapsulesConflicted,
		"edges_created":       state.Counters.EdgesCreated,
		"edges_skipped":       state.Counters.EdgesSkipped,
		"deletions_flagged":   state.Counters.DeletionsFlagged,
		"capsules_pushed":     state.Counters.CapsulesPushed,
	}
	if len(state.ErrorDetails) > 0 {
		if raw, err := json.Marshal(state.ErrorDetails); err == nil {
			props["error_details_json"] = string(raw)
		}
	}
	return props
}

func syncStateFromProps(props map[string]any) *core.SyncState {
	state := &core.SyncState{
		ID:           graph.AsString(props["id"]),
		PeerID:       graph.AsString(props["peer_id"]),
		Direction:    core.SyncDirection(graph.AsString(props["direction"])),
		Status:       core.SyncRunStatus(graph.AsString(props["status"])),
		Phase:        core.SyncPhase(graph.AsString(props["phase"])),
		StartedAt:    graph.AsTime(props["started_at"]),
		CompletedAt:  graph.AsTimePtr(props["completed_at"]),
		SyncFrom:     graph.AsTimePtr(props["sync_from"]),
		SyncTo:       graph.AsTimePtr(props["sync_to"]),
		ErrorMessage: graph.AsString(props["error_message"]),
		Counters: core.SyncCounters{
			CapsulesFetched:    graph.AsInt(props["capsules_fetched"]),
			CapsulesCreated:    graph.AsInt(props["capsules_created"]),
			CapsulesUpdated:    graph.AsInt(props["capsules_updated"]),
			CapsulesSkipped:    graph.AsInt(props["capsules_skipped"]),
			CapsulesConflicted: graph.AsInt(props["capsules_conflicted"]),
			EdgesCreated:       graph.AsInt(props["edges_created"]),
			EdgesSkipped:       graph.AsInt(props["edges_skipped"]),
			DeletionsFlagged:   graph.AsInt(props["deletions_flagged"]),
			CapsulesPushed:     graph.AsInt(props["capsules_pushed"]),
		},
	}
	if raw := graph.AsString(props["error_details_json"]); raw != "" {
		var details map[string]any
		if err := json.Unmarshal([]byte(raw), &details); err == nil {
			state.ErrorDetails = details
		}
	}
	return state
}

func capsuleProps(c *core.Capsule) map[string]any {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return map[string]any{
		"title":        c.Title,
		"type":         c.Type,
		"content":      c.Content,
		"tags":         toAnySlice(c.Tags),
		"trust_level":  c.TrustLevel,
		"owner":        c.Owner,
		"content_hash": c.ContentHash,
		"created_at":   createdAt.UTC(),
		"updated_at":   updatedAt.UTC(),
	}
}

func capsuleFromProps(props map[string]any) core.Capsule {
	return core.Capsule{
		ID:          graph.AsString(props["id"]),
		Title:       graph.AsString(props["title"]),
		Type:        graph.AsString(props["type"]),
		Content:     graph.AsString(props["content"]),
		Tags:        graph.AsStringSlice(props["tags"]),
		TrustLevel:  graph.AsInt(props["trust_level"]),
		Owner:       graph.AsString(props["owner"]),
		ContentHash: graph.AsString(props["content_hash"]),
		CreatedAt:   graph.AsTime(props["created_at"]),
		UpdatedAt:   graph.AsTime(props["updated_at"]),
	}
}
