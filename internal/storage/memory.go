package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/admp-protocol/admp-hub/internal/model"
)

// Memory is the in-process Store. State lives in maps guarded by a single
// RWMutex; compound operations (LeaseNext, idempotent CreateMessage,
// history dedupe) run entirely inside the write lock, which is the unit of
// atomicity the inbox state machine relies on. Ephemeral by design.
type Memory struct {
	mu          sync.RWMutex
	agents      map[string]*model.Agent
	messages    map[string]*model.MessageRecord
	groups      map[string]*model.Group
	history     map[string][]*model.GroupMessage // group id → entries, append order
	historyIDs  map[string]struct{}              // group id + "\x00" + group message id
	roundTables map[string]*model.RoundTable
	apiKeys     map[string]*model.APIKey // key id → record
	keysByHash  map[string]string        // hash → key id
	tenants     map[string]*model.Tenant
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*model.Agent),
		messages:    make(map[string]*model.MessageRecord),
		groups:      make(map[string]*model.Group),
		history:     make(map[string][]*model.GroupMessage),
		historyIDs:  make(map[string]struct{}),
		roundTables: make(map[string]*model.RoundTable),
		apiKeys:     make(map[string]*model.APIKey),
		keysByHash:  make(map[string]string),
		tenants:     make(map[string]*model.Tenant),
	}
}

// ── Clones ───────────────────────────────────────────────────────────────
// Records are cloned on the way in and out so callers can never mutate
// store state outside the lock.

func cloneAgent(a *model.Agent) *model.Agent {
	cp := *a
	cp.Keys = append([]model.KeyRecord(nil), a.Keys...)
	cp.TrustedAgents = append([]string(nil), a.TrustedAgents...)
	cp.BlockedAgents = append([]string(nil), a.BlockedAgents...)
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func cloneMessage(m *model.MessageRecord) *model.MessageRecord {
	cp := *m
	if m.Envelope != nil {
		env := *m.Envelope
		cp.Envelope = &env
	}
	return &cp
}

func cloneGroup(g *model.Group) *model.Group {
	cp := *g
	cp.Members = append([]model.GroupMember(nil), g.Members...)
	return &cp
}

func cloneRoundTable(rt *model.RoundTable) *model.RoundTable {
	cp := *rt
	cp.Participants = append([]string(nil), rt.Participants...)
	cp.Thread = append([]model.ThreadEntry(nil), rt.Thread...)
	return &cp
}

func cloneAPIKey(k *model.APIKey) *model.APIKey {
	cp := *k
	return &cp
}

// ── Agents ───────────────────────────────────────────────────────────────

func (s *Memory) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return ErrDuplicate
	}
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func (s *Memory) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Memory) UpdateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return ErrNotFound
	}
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func (s *Memory) DeleteAgent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *Memory) ListAgents(_ context.Context, f AgentFilter) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Agent
	for _, a := range s.agents {
		if matchesAgent(a, f) {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Messages ─────────────────────────────────────────────────────────────

func (s *Memory) CreateMessage(_ context.Context, m *model.MessageRecord) (*model.MessageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[m.ID]; ok {
		return cloneMessage(existing), false, nil
	}
	s.messages[m.ID] = cloneMessage(m)
	return cloneMessage(m), true, nil
}

func (s *Memory) GetMessage(_ context.Context, id string) (*model.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Memory) UpdateMessage(_ context.Context, m *model.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return ErrNotFound
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *Memory) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *Memory) ListMessages(_ context.Context, f MessageFilter) ([]*model.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.MessageRecord
	for _, m := range s.messages {
		if matchesMessage(m, f) {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) LeaseNext(_ context.Context, recipient string, visibility time.Duration) (*model.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *model.MessageRecord
	for _, m := range s.messages {
		if m.Recipient != recipient || m.Status != model.MessageQueued {
			continue
		}
		if oldest == nil ||
			m.CreatedAt.Before(oldest.CreatedAt) ||
			(m.CreatedAt.Equal(oldest.CreatedAt) && m.ID < oldest.ID) {
			oldest = m
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	deadline := now.Add(visibility)
	oldest.Status = model.MessageLeased
	oldest.LeaseUntil = &deadline
	oldest.Attempts++
	oldest.UpdatedAt = now
	return cloneMessage(oldest), nil
}

// ── Groups ───────────────────────────────────────────────────────────────

func (s *Memory) CreateGroup(_ context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.ID]; exists {
		return ErrDuplicate
	}
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *Memory) GetGroup(_ context.Context, id string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok || g.Deleted {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (s *Memory) UpdateGroup(_ context.Context, g *model.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; !ok {
		return ErrNotFound
	}
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *Memory) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return ErrNotFound
	}
	delete(s.groups, id)
	// History for a deleted group is garbage; drop it eagerly.
	delete(s.history, id)
	return nil
}

func (s *Memory) ListGroups(_ context.Context) ([]*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Group
	for _, g := range s.groups {
		if !g.Deleted {
			out = append(out, cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Group history ────────────────────────────────────────────────────────

func historyKey(groupID, groupMessageID string) string {
	return groupID + "\x00" + groupMessageID
}

func (s *Memory) AppendGroupMessage(_ context.Context, gm *model.GroupMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := historyKey(gm.GroupID, gm.GroupMessageID)
	if _, seen := s.historyIDs[key]; seen {
		return false, nil
	}
	s.historyIDs[key] = struct{}{}
	cp := *gm
	s.history[gm.GroupID] = append(s.history[gm.GroupID], &cp)
	return true, nil
}

func (s *Memory) ListGroupMessages(_ context.Context, groupID string, limit int, since time.Time) ([]*model.GroupMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[groupID]
	out := make([]*model.GroupMessage, 0, len(entries))
	// Newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		gm := entries[i]
		if !since.IsZero() && !gm.Timestamp.After(since) {
			continue
		}
		cp := *gm
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memory) PurgeGroupMessages(_ context.Context, groupID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[groupID]
	kept := entries[:0]
	purged := 0
	for _, gm := range entries {
		if gm.Timestamp.Before(before) {
			delete(s.historyIDs, historyKey(groupID, gm.GroupMessageID))
			purged++
			continue
		}
		kept = append(kept, gm)
	}
	s.history[groupID] = kept
	return purged, nil
}

// ── Round tables ─────────────────────────────────────────────────────────

func (s *Memory) CreateRoundTable(_ context.Context, rt *model.RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.roundTables[rt.ID]; exists {
		return ErrDuplicate
	}
	s.roundTables[rt.ID] = cloneRoundTable(rt)
	return nil
}

func (s *Memory) GetRoundTable(_ context.Context, id string) (*model.RoundTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.roundTables[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoundTable(rt), nil
}

func (s *Memory) UpdateRoundTable(_ context.Context, rt *model.RoundTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roundTables[rt.ID]; !ok {
		return ErrNotFound
	}
	s.roundTables[rt.ID] = cloneRoundTable(rt)
	return nil
}

func (s *Memory) ListRoundTables(_ context.Context, f RoundTableFilter) ([]*model.RoundTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.RoundTable
	for _, rt := range s.roundTables {
		if matchesRoundTable(rt, f) {
			out = append(out, cloneRoundTable(rt))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) PurgeRoundTables(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, rt := range s.roundTables {
		if rt.Status.Terminal() && rt.CreatedAt.Before(olderThan) {
			delete(s.roundTables, id)
			purged++
		}
	}
	return purged, nil
}

// ── API keys ─────────────────────────────────────────────────────────────

func (s *Memory) CreateAPIKey(_ context.Context, k *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[k.ID]; exists {
		return ErrDuplicate
	}
	s.apiKeys[k.ID] = cloneAPIKey(k)
	s.keysByHash[k.Hash] = k.ID
	return nil
}

func (s *Memory) GetAPIKeyByHash(_ context.Context, hash string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAPIKey(s.apiKeys[id]), nil
}

func (s *Memory) ListAPIKeys(_ context.Context) ([]*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		out = append(out, cloneAPIKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Memory) RevokeAPIKey(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.Revoked = true
	k.RevokedAt = &now
	return nil
}

func (s *Memory) MarkAPIKeyUsed(_ context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[keyID]
	if !ok {
		return ErrNotFound
	}
	if k.UsedAt == nil {
		k.UsedAt = &at
	}
	return nil
}

// ── Tenants ──────────────────────────────────────────────────────────────

func (s *Memory) GetTenant(_ context.Context, id string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Memory) PutTenant(_ context.Context, t *model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() error { return nil }
