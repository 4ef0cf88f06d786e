package sync

import (
	"context"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"github.com/forgegraph/forge-core/internal/core"
)

// MemoryStore keeps all federation bookkeeping in process memory. It backs
// tests and single-node deployments that run without Neo4j.
type MemoryStore struct {
	mu         gosync.RWMutex
	peers      map[string]*core.Peer
	entityRecs map[string]*core.FederatedEntityRecord // peerID + "\x00" + remoteID
	edgeRecs   map[string]*core.FederatedEdgeRecord   // peerID + "\x00" + remoteEdgeID
	states     map[string]*core.SyncState
	conflicts  []*core.SyncConflict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:      make(map[string]*core.Peer),
		entityRecs: make(map[string]*core.FederatedEntityRecord),
		edgeRecs:   make(map[string]*core.FederatedEdgeRecord),
		states:     make(map[string]*core.SyncState),
	}
}

func recordKey(peerID, remoteID string) string {
	return peerID + "\x00" + remoteID
}

func (s *MemoryStore) SavePeer(_ context.Context, peer *core.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *peer
	s.peers[peer.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPeer(_ context.Context, id string) (*core.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[id]
	if !ok {
		return nil, ErrPeerNotFound
	}
	cp := *peer
	return &cp, nil
}

func (s *MemoryStore) ListPeers(_ context.Context) ([]*core.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		cp := *peer
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeletePeer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return ErrPeerNotFound
	}
	delete(s.peers, id)
	return nil
}

func (s *MemoryStore) GetEntityRecord(_ context.Context, peerID, remoteID string) (*core.FederatedEntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.entityRecs[recordKey(peerID, remoteID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SaveEntityRecord(_ context.Context, rec *core.FederatedEntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.entityRecs[recordKey(rec.PeerID, rec.RemoteEntityID)] = &cp
	return nil
}

func (s *MemoryStore) ListEntityRecords(_ context.Context, peerID string, limit int) ([]*core.FederatedEntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.FederatedEntityRecord, 0)
	for _, rec := range s.entityRecs {
		if rec.PeerID != peerID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteEntityID < out[j].RemoteEntityID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetEdgeRecord(_ context.Context, peerID, remoteEdgeID string) (*core.FederatedEdgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.edgeRecs[recordKey(peerID, remoteEdgeID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) SaveEdgeRecord(_ context.Context, rec *core.FederatedEdgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.edgeRecs[recordKey(rec.PeerID, rec.RemoteEdgeID)] = &cp
	return nil
}

func (s *MemoryStore) SaveSyncState(_ context.Context, state *core.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.states[state.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSyncStates(_ context.Context, peerID string, limit int) ([]*core.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.SyncState, 0)
	for _, state := range s.states {
		if peerID != "" && state.PeerID != peerID {
			continue
		}
		cp := *state
		out = append(out, &cp)
	}
	// Sync ids are ULIDs, so lexical order is newest-first when reversed.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveConflict(_ context.Context, conflict *core.SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conflict
	for i, existing := range s.conflicts {
		if existing.ID == conflict.ID {
			s.conflicts[i] = &cp
			return nil
		}
	}
	s.conflicts = append(s.conflicts, &cp)
	return nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, peerID string, unresolvedOnly bool, limit int) ([]*core.SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.SyncConflict, 0)
	for i := len(s.conflicts) - 1; i >= 0; i-- {
		conflict := s.conflicts[i]
		if peerID != "" && conflict.PeerID != peerID {
			continue
		}
		if unresolvedOnly && conflict.Resolved {
			continue
		}
		cp := *conflict
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MemoryCapsuleStore is an in-memory CapsuleStore for tests and graphless
// deployments.
type MemoryCapsuleStore struct {
	mu       gosync.RWMutex
	capsules map[string]*core.Capsule
	edges    map[string]*core.Edge
	seq      int
}

func NewMemoryCapsuleStore() *MemoryCapsuleStore {
	return &MemoryCapsuleStore{
		capsules: make(map[string]*core.Capsule),
		edges:    make(map[string]*core.Edge),
	}
}

func (s *MemoryCapsuleStore) GetCapsule(_ context.Context, id string) (*core.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.capsules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryCapsuleStore) CreateCapsule(_ context.Context, c *core.Capsule) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	if cp.ID == "" {
		s.seq++
		cp.ID = "cap-" + time.Now().UTC().Format("20060102150405") + "-" + strconv.Itoa(s.seq)
	}
	s.capsules[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryCapsuleStore) UpdateCapsule(_ context.Context, c *core.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.capsules[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	s.capsules[c.ID] = &cp
	return nil
}

func (s *MemoryCapsuleStore) CreateEdge(_ context.Context, e *core.Edge) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.ID == "" {
		s.seq++
		cp.ID = "edge-" + strconv.Itoa(s.seq)
	}
	s.edges[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryCapsuleStore) ChangedSince(_ context.Context, since *time.Time, types []string, minTrust, offset, limit int) ([]core.Capsule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]core.Capsule, 0)
	for _, c := range s.capsules {
		if since != nil && !c.UpdatedAt.After(*since) {
			continue
		}
		if c.TrustLevel < minTrust {
			continue
		}
		if len(types) > 0 && !containsString(types, c.Type) {
			continue
		}
		matched = append(matched, *c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	if offset >= len(matched) {
		return nil, false, nil
	}
	matched = matched[offset:]
	hasMore := false
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
		hasMore = true
	}
	return matched, hasMore, nil
}

func (s *MemoryCapsuleStore) EdgesAmong(_ context.Context, ids []string) ([]core.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	out := make([]core.Edge, 0)
	for _, e := range s.edges {
		if in[e.SourceID] && in[e.TargetID] {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
