package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/admp-protocol/admp-hub/internal/model"
)

// Collections used by the mech backend.
const (
	colAgents        = "admp_agents"
	colMessages      = "admp_messages"
	colGroups        = "admp_groups"
	colGroupMessages = "admp_group_messages"
	colRoundTables   = "admp_round_tables"
	colKeys          = "admp_keys"
	colTenants       = "admp_tenants"
)

// revCreate and revAny are sentinels for conditional writes: revCreate maps
// to If-None-Match: * (insert only), revAny to an unconditional PUT.
const (
	revCreate int64 = -1
	revAny    int64 = -2
)

// mechRecord is the wire shape of one stored record.
type mechRecord struct {
	Key   string          `json:"key"`
	Rev   int64           `json:"rev"`
	Value json.RawMessage `json:"value"`
}

// Mech implements Store against a remote mech document store. Each record
// carries a server-side rev; compound operations (LeaseNext, idempotent
// CreateMessage, read-modify-write updates) are built from If-Match
// conditional writes and retried on conflict.
type Mech struct {
	baseURL string
	app     string
	token   string
	http    *http.Client
}

// NewMech creates a Mech backend for the given app on baseURL.
func NewMech(baseURL, app, token string, timeout time.Duration) *Mech {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Mech{
		baseURL: baseURL,
		app:     app,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (s *Mech) recordURL(col, key string) string {
	return fmt.Sprintf("%s/api/apps/%s/collections/%s/records/%s",
		s.baseURL, url.PathEscape(s.app), col, url.PathEscape(key))
}

func (s *Mech) listURL(col, prefix string) string {
	u := fmt.Sprintf("%s/api/apps/%s/collections/%s/records",
		s.baseURL, url.PathEscape(s.app), col)
	if prefix != "" {
		u += "?prefix=" + url.QueryEscape(prefix)
	}
	return u
}

func (s *Mech) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")
	return s.http.Do(req)
}

// get fetches a record and returns its rev alongside the decoded value.
func (s *Mech) get(ctx context.Context, col, key string, out any) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.recordURL(col, key), nil)
	if err != nil {
		return 0, fmt.Errorf("build get request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return 0, fmt.Errorf("mech get %s/%s: %w", col, key, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("mech get %s/%s: status %d", col, key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, fmt.Errorf("read mech response: %w", err)
	}
	var rec mechRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return 0, fmt.Errorf("decode mech record: %w", err)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Value, out); err != nil {
			return 0, fmt.Errorf("decode mech value %s/%s: %w", col, key, err)
		}
	}
	return rec.Rev, nil
}

// put writes a record. rev selects the write mode: revCreate for insert
// only (ErrDuplicate if the key exists), revAny for unconditional upsert,
// any other value for a CAS write (ErrConflict on rev mismatch).
func (s *Mech) put(ctx context.Context, col, key string, value any, rev int64) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode mech value: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.recordURL(col, key), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	switch rev {
	case revCreate:
		req.Header.Set("If-None-Match", "*")
	case revAny:
	default:
		req.Header.Set("If-Match", strconv.FormatInt(rev, 10))
	}

	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("mech put %s/%s: %w", col, key, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusPreconditionFailed:
		if rev == revCreate {
			return ErrDuplicate
		}
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("mech put %s/%s: status %d", col, key, resp.StatusCode)
	}
}

func (s *Mech) delete(ctx context.Context, col, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.recordURL(col, key), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("mech delete %s/%s: %w", col, key, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("mech delete %s/%s: status %d", col, key, resp.StatusCode)
	}
}

// list fetches every record in a collection, optionally narrowed by key
// prefix. Filtering beyond the prefix happens client-side.
func (s *Mech) list(ctx context.Context, col, prefix string) ([]mechRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.listURL(col, prefix), nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, fmt.Errorf("mech list %s: %w", col, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mech list %s: status %d", col, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read mech list response: %w", err)
	}
	var page struct {
		Records []mechRecord `json:"records"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode mech list response: %w", err)
	}
	return page.Records, nil
}

// ── Agents ───────────────────────────────────────────────────────────────

func (s *Mech) CreateAgent(ctx context.Context, a *model.Agent) error {
	return s.put(ctx, colAgents, a.ID, a, revCreate)
}

func (s *Mech) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if _, err := s.get(ctx, colAgents, id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Mech) UpdateAgent(ctx context.Context, a *model.Agent) error {
	rev, err := s.get(ctx, colAgents, a.ID, nil)
	if err != nil {
		return err
	}
	return s.put(ctx, colAgents, a.ID, a, rev)
}

func (s *Mech) DeleteAgent(ctx context.Context, id string) error {
	return s.delete(ctx, colAgents, id)
}

func (s *Mech) ListAgents(ctx context.Context, f AgentFilter) ([]*model.Agent, error) {
	recs, err := s.list(ctx, colAgents, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Agent, 0, len(recs))
	for _, rec := range recs {
		var a model.Agent
		if err := json.Unmarshal(rec.Value, &a); err != nil {
			return nil, fmt.Errorf("decode agent %s: %w", rec.Key, err)
		}
		if matchesAgent(&a, f) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Messages ─────────────────────────────────────────────────────────────

func (s *Mech) CreateMessage(ctx context.Context, m *model.MessageRecord) (*model.MessageRecord, bool, error) {
	err := s.put(ctx, colMessages, m.ID, m, revCreate)
	if err == nil {
		return m, true, nil
	}
	if err != ErrDuplicate {
		return nil, false, err
	}
	existing, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Mech) GetMessage(ctx context.Context, id string) (*model.MessageRecord, error) {
	var m model.MessageRecord
	if _, err := s.get(ctx, colMessages, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Mech) UpdateMessage(ctx context.Context, m *model.MessageRecord) error {
	rev, err := s.get(ctx, colMessages, m.ID, nil)
	if err != nil {
		return err
	}
	return s.put(ctx, colMessages, m.ID, m, rev)
}

func (s *Mech) DeleteMessage(ctx context.Context, id string) error {
	return s.delete(ctx, colMessages, id)
}

func (s *Mech) ListMessages(ctx context.Context, f MessageFilter) ([]*model.MessageRecord, error) {
	recs, err := s.list(ctx, colMessages, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.MessageRecord, 0, len(recs))
	for _, rec := range recs {
		var m model.MessageRecord
		if err := json.Unmarshal(rec.Value, &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", rec.Key, err)
		}
		if matchesMessage(&m, f) {
			out = append(out, &m)
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

// LeaseNext lists the queued candidates for the recipient oldest-first and
// CAS-loops over them: the first conditional write that lands wins the
// lease. Losing a race on one candidate moves on to the next; a fully
// contended pass returns empty rather than spinning.
func (s *Mech) LeaseNext(ctx context.Context, recipient string, visibility time.Duration) (*model.MessageRecord, error) {
	candidates, err := s.ListMessages(ctx, MessageFilter{Recipient: recipient, Status: model.MessageQueued})
	if err != nil {
		return nil, err
	}
	for _, m := range candidates {
		rev, err := s.get(ctx, colMessages, m.ID, m)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.Status != model.MessageQueued {
			continue
		}
		now := time.Now().UTC()
		deadline := now.Add(visibility)
		m.Status = model.MessageLeased
		m.LeaseUntil = &deadline
		m.Attempts++
		m.UpdatedAt = now
		switch err := s.put(ctx, colMessages, m.ID, m, rev); err {
		case nil:
			return m, nil
		case ErrConflict, ErrNotFound:
			continue
		default:
			return nil, err
		}
	}
	return nil, nil
}

// ── Groups ───────────────────────────────────────────────────────────────

func (s *Mech) CreateGroup(ctx context.Context, g *model.Group) error {
	return s.put(ctx, colGroups, g.ID, g, revCreate)
}

func (s *Mech) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var g model.Group
	if _, err := s.get(ctx, colGroups, id, &g); err != nil {
		return nil, err
	}
	if g.Deleted {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (s *Mech) UpdateGroup(ctx context.Context, g *model.Group) error {
	rev, err := s.get(ctx, colGroups, g.ID, nil)
	if err != nil {
		return err
	}
	return s.put(ctx, colGroups, g.ID, g, rev)
}

func (s *Mech) DeleteGroup(ctx context.Context, id string) error {
	if err := s.delete(ctx, colGroups, id); err != nil {
		return err
	}
	// History entries are swept lazily by the retention job.
	return nil
}

func (s *Mech) ListGroups(ctx context.Context) ([]*model.Group, error) {
	recs, err := s.list(ctx, colGroups, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.Group, 0, len(recs))
	for _, rec := range recs {
		var g model.Group
		if err := json.Unmarshal(rec.Value, &g); err != nil {
			return nil, fmt.Errorf("decode group %s: %w", rec.Key, err)
		}
		if !g.Deleted {
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Group history ────────────────────────────────────────────────────────

// History record keys are "<escaped group id>~<group message id>" so a
// prefix query scopes one group's entries and insert-only writes give the
// dedupe guarantee.
func mechHistoryKey(groupID, groupMessageID string) string {
	return url.QueryEscape(groupID) + "~" + groupMessageID
}

func mechHistoryPrefix(groupID string) string {
	return url.QueryEscape(groupID) + "~"
}

func (s *Mech) AppendGroupMessage(ctx context.Context, gm *model.GroupMessage) (bool, error) {
	err := s.put(ctx, colGroupMessages, mechHistoryKey(gm.GroupID, gm.GroupMessageID), gm, revCreate)
	if err == ErrDuplicate {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Mech) ListGroupMessages(ctx context.Context, groupID string, limit int, since time.Time) ([]*model.GroupMessage, error) {
	recs, err := s.list(ctx, colGroupMessages, mechHistoryPrefix(groupID))
	if err != nil {
		return nil, err
	}
	entries := make([]*model.GroupMessage, 0, len(recs))
	for _, rec := range recs {
		var gm model.GroupMessage
		if err := json.Unmarshal(rec.Value, &gm); err != nil {
			return nil, fmt.Errorf("decode group message %s: %w", rec.Key, err)
		}
		if !since.IsZero() && !gm.Timestamp.After(since) {
			continue
		}
		entries = append(entries, &gm)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Mech) PurgeGroupMessages(ctx context.Context, groupID string, before time.Time) (int, error) {
	recs, err := s.list(ctx, colGroupMessages, mechHistoryPrefix(groupID))
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range recs {
		var gm model.GroupMessage
		if err := json.Unmarshal(rec.Value, &gm); err != nil {
			return purged, fmt.Errorf("decode group message %s: %w", rec.Key, err)
		}
		if !gm.Timestamp.Before(before) {
			continue
		}
		if err := s.delete(ctx, colGroupMessages, rec.Key); err != nil && err != ErrNotFound {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ── Round tables ─────────────────────────────────────────────────────────

func (s *Mech) CreateRoundTable(ctx context.Context, rt *model.RoundTable) error {
	return s.put(ctx, colRoundTables, rt.ID, rt, revCreate)
}

func (s *Mech) GetRoundTable(ctx context.Context, id string) (*model.RoundTable, error) {
	var rt model.RoundTable
	if _, err := s.get(ctx, colRoundTables, id, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

func (s *Mech) UpdateRoundTable(ctx context.Context, rt *model.RoundTable) error {
	rev, err := s.get(ctx, colRoundTables, rt.ID, nil)
	if err != nil {
		return err
	}
	return s.put(ctx, colRoundTables, rt.ID, rt, rev)
}

func (s *Mech) ListRoundTables(ctx context.Context, f RoundTableFilter) ([]*model.RoundTable, error) {
	recs, err := s.list(ctx, colRoundTables, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.RoundTable, 0, len(recs))
	for _, rec := range recs {
		var rt model.RoundTable
		if err := json.Unmarshal(rec.Value, &rt); err != nil {
			return nil, fmt.Errorf("decode round table %s: %w", rec.Key, err)
		}
		if matchesRoundTable(&rt, f) {
			out = append(out, &rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Mech) PurgeRoundTables(ctx context.Context, olderThan time.Time) (int, error) {
	recs, err := s.list(ctx, colRoundTables, "")
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, rec := range recs {
		var rt model.RoundTable
		if err := json.Unmarshal(rec.Value, &rt); err != nil {
			return purged, fmt.Errorf("decode round table %s: %w", rec.Key, err)
		}
		if !rt.Status.Terminal() || !rt.CreatedAt.Before(olderThan) {
			continue
		}
		if err := s.delete(ctx, colRoundTables, rec.Key); err != nil && err != ErrNotFound {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ── API keys ─────────────────────────────────────────────────────────────

func (s *Mech) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	return s.put(ctx, colKeys, k.ID, k, revCreate)
}

// GetAPIKeyByHash scans the key collection. The set of issued keys is
// small and the auth layer caches verdicts, so a scan per cache miss is
// acceptable.
func (s *Mech) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	recs, err := s.list(ctx, colKeys, "")
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		var k model.APIKey
		if err := json.Unmarshal(rec.Value, &k); err != nil {
			return nil, fmt.Errorf("decode api key %s: %w", rec.Key, err)
		}
		if k.Hash == hash {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Mech) ListAPIKeys(ctx context.Context) ([]*model.APIKey, error) {
	recs, err := s.list(ctx, colKeys, "")
	if err != nil {
		return nil, err
	}
	out := make([]*model.APIKey, 0, len(recs))
	for _, rec := range recs {
		var k model.APIKey
		if err := json.Unmarshal(rec.Value, &k); err != nil {
			return nil, fmt.Errorf("decode api key %s: %w", rec.Key, err)
		}
		out = append(out, &k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Mech) RevokeAPIKey(ctx context.Context, keyID string) error {
	var k model.APIKey
	rev, err := s.get(ctx, colKeys, keyID, &k)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	k.Revoked = true
	k.RevokedAt = &now
	return s.put(ctx, colKeys, keyID, &k, rev)
}

func (s *Mech) MarkAPIKeyUsed(ctx context.Context, keyID string, at time.Time) error {
	var k model.APIKey
	rev, err := s.get(ctx, colKeys, keyID, &k)
	if err != nil {
		return err
	}
	if k.UsedAt != nil {
		return nil
	}
	k.UsedAt = &at
	return s.put(ctx, colKeys, keyID, &k, rev)
}

// ── Tenants ──────────────────────────────────────────────────────────────

func (s *Mech) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var t model.Tenant
	if _, err := s.get(ctx, colTenants, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Mech) PutTenant(ctx context.Context, t *model.Tenant) error {
	return s.put(ctx, colTenants, t.ID, t, revAny)
}

// ── Lifecycle ────────────────────────────────────────────────────────────

func (s *Mech) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.listURL(colTenants, ""), nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := s.do(req)
	if err != nil {
		return fmt.Errorf("mech ping: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mech ping: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Mech) Close() error {
	s.http.CloseIdleConnections()
	return nil
}
