package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/admp-protocol/admp-hub/internal/model"
)

// Postgres implements Store on PostgreSQL. Records are stored as whole
// JSONB documents next to a few extracted columns used for filtering and
// lease selection; the document is the source of truth. LeaseNext relies
// on FOR UPDATE SKIP LOCKED so concurrent pullers never contend on the
// same row.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS admp_agents (
		id                  TEXT PRIMARY KEY,
		registration_status TEXT NOT NULL,
		heartbeat_status    TEXT NOT NULL,
		doc                 JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admp_messages (
		id         TEXT PRIMARY KEY,
		recipient  TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		doc        JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS admp_messages_inbox
		ON admp_messages (recipient, status, created_at, id)`,
	`CREATE TABLE IF NOT EXISTS admp_groups (
		id      TEXT PRIMARY KEY,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		doc     JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admp_group_messages (
		group_id         TEXT NOT NULL,
		group_message_id TEXT NOT NULL,
		ts               TIMESTAMPTZ NOT NULL,
		doc              JSONB NOT NULL,
		PRIMARY KEY (group_id, group_message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS admp_round_tables (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		doc        JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admp_api_keys (
		id         TEXT PRIMARY KEY,
		hash       TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL,
		doc        JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS admp_tenants (
		id  TEXT PRIMARY KEY,
		doc JSONB NOT NULL
	)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalDoc(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// ── Agents ───────────────────────────────────────────────────────────────

func (s *Postgres) CreateAgent(ctx context.Context, a *model.Agent) error {
	doc, err := marshalDoc(a)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO admp_agents (id, registration_status, heartbeat_status, doc)
		 VALUES ($1, $2, $3, $4)`,
		a.ID, a.RegistrationStatus, a.Heartbeat.Status, doc,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM admp_agents WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	var a model.Agent
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *Postgres) UpdateAgent(ctx context.Context, a *model.Agent) error {
	doc, err := marshalDoc(a)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE admp_agents SET registration_status = $2, heartbeat_status = $3, doc = $4
		 WHERE id = $1`,
		a.ID, a.RegistrationStatus, a.Heartbeat.Status, doc,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM admp_agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListAgents(ctx context.Context, f AgentFilter) ([]*model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM admp_agents
		 WHERE ($1 = '' OR registration_status = $1)
		   AND ($2 = '' OR heartbeat_status = $2)
		 ORDER BY id`,
		string(f.Status), string(f.Heartbeat),
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		var a model.Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("decode agent: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ── Messages ─────────────────────────────────────────────────────────────

func (s *Postgres) CreateMessage(ctx context.Context, m *model.MessageRecord) (*model.MessageRecord, bool, error) {
	doc, err := marshalDoc(m)
	if err != nil {
		return nil, false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO admp_messages (id, recipient, status, created_at, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Recipient, m.Status, m.CreatedAt, doc,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return m, true, nil
	}
	existing, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Postgres) GetMessage(ctx context.Context, id string) (*model.MessageRecord, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM admp_messages WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	var m model.MessageRecord
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &m, nil
}

func (s *Postgres) UpdateMessage(ctx context.Context, m *model.MessageRecord) error {
	doc, err := marshalDoc(m)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE admp_messages SET status = $2, doc = $3 WHERE id = $1`,
		m.ID, m.Status, doc,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM admp_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListMessages(ctx context.Context, f MessageFilter) ([]*model.MessageRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM admp_messages
		 WHERE ($1 = '' OR recipient = $1)
		   AND ($2 = '' OR status = $2)
		 ORDER BY created_at, id
		 LIMIT $3`,
		f.Recipient, string(f.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.MessageRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var m model.MessageRecord
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Postgres) LeaseNext(ctx context.Context, recipient string, visibility time.Duration) (*model.MessageRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var doc []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM admp_messages
		 WHERE recipient = $1 AND status = $2
		 ORDER BY created_at, id
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
		recipient, model.MessageQueued,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select lease candidate: %w", err)
	}

	var m model.MessageRecord
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode lease candidate: %w", err)
	}

	now := time.Now().UTC()
	deadline := now.Add(visibility)
	m.Status = model.MessageLeased
	m.LeaseUntil = &deadline
	m.Attempts++
	m.UpdatedAt = now

	updated, err := marshalDoc(&m)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE admp_messages SET status = $2, doc = $3 WHERE id = $1`,
		m.ID, m.Status, updated,
	); err != nil {
		return nil, fmt.Errorf("stamp lease: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease tx: %w", err)
	}
	return &m, nil
}

// ── Groups ───────────────────────────────────────────────────────────────

func (s *Postgres) CreateGroup(ctx context.Context, g *model.Group) error {
	doc, err := marshalDoc(g)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO admp_groups (id, deleted, doc) VALUES ($1, $2, $3)`,
		g.ID, g.Deleted, doc,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *Postgres) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM admp_groups WHERE id = $1 AND NOT deleted`, id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	var g model.Group
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", id, err)
	}
	return &g, nil
}

func (s *Postgres) UpdateGroup(ctx context.Context, g *model.Group) error {
	doc, err := marshalDoc(g)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE admp_groups SET deleted = $2, doc = $3 WHERE id = $1`,
		g.ID, g.Deleted, doc,
	)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) DeleteGroup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM admp_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM admp_group_messages WHERE group_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group history: %w", err)
	}
	return nil
}

func (s *Postgres) ListGroups(ctx context.Context) ([]*model.Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM admp_groups WHERE NOT deleted ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*model.Group
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		var g model.Group
		if err := json.Unmarshal(doc, &g); err != nil {
			return nil, fmt.Errorf("decode group: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// ── Group history ────────────────────────────────────────────────────────

func (s *Postgres) AppendGroupMessage(ctx context.Context, gm *model.GroupMessage) (bool, error) {
	doc, err := marshalDoc(gm)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO admp_group_messages (group_id, group_message_id, ts, doc)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (group_id, group_message_id) DO NOTHING`,
		gm.GroupID, gm.GroupMessageID, gm.Timestamp, doc,
	)
	if err != nil {
		return false, fmt.Errorf("insert group message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ListGroupMessages(ctx context.Context, groupID string, limit int, since time.Time) ([]*model.GroupMessage, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM admp_group_messages
		 WHERE group_id = $1 AND ($2::timestamptz IS NULL OR ts > $2)
		 ORDER BY ts DESC
		 LIMIT $3`,
		groupID, nullableTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list group messages: %w", err)
	}
	defer rows.Close()

	var out []*model.GroupMessage
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan group message row: %w", err)
		}
		var gm model.GroupMessage
		if err := json.Unmarshal(doc, &gm); err != nil {
			return nil, fmt.Errorf("decode group message: %w", err)
		}
		out = append(out, &gm)
	}
	return out, rows.Err()
}

func (s *Postgres) PurgeGroupMessages(ctx context.Context, groupID string, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM admp_group_messages WHERE group_id = $1 AND ts < $2`,
		groupID, before,
	)
	if err != nil {
		return 0, fmt.Errorf("purge group messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ── Round tables ─────────────────────────────────────────────────────────

func (s *Postgres) CreateRoundTable(ctx context.Context, rt *model.RoundTable) error {
	doc, err := marshalDoc(rt)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO admp_round_tables (id, status, created_at, doc)
		 VALUES ($1, $2, $3, $4)`,
		rt.ID, rt.Status, rt.CreatedAt, doc,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert round table: %w", err)
	}
	return nil
}

func (s *Postgres) GetRoundTable(ctx context.Context, id string) (*model.RoundTable, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM admp_round_tables WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get round table: %w", err)
	}
	var rt model.RoundTable
	if err := json.Unmarshal(doc, &rt); err != nil {
		return nil, fmt.Errorf("decode round table %s: %w", id, err)
	}
	return &rt, nil
}

func (s *Postgres) UpdateRoundTable(ctx context.Context, rt *model.RoundTable) error {
	doc, err := marshalDoc(rt)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE admp_round_tables SET status = $2, doc = $3 WHERE id = $1`,
		rt.ID, rt.Status, doc,
	)
	if err != nil {
		return fmt.Errorf("update round table: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListRoundTables(ctx context.Context, f RoundTableFilter) ([]*model.RoundTable, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM admp_round_tables
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at`,
		string(f.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("list round tables: %w", err)
	}
	defer rows.Close()

	var out []*model.RoundTable
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan round table row: %w", err)
		}
		var rt model.RoundTable
		if err := json.Unmarshal(doc, &rt); err != nil {
			return nil, fmt.Errorf("decode round table: %w", err)
		}
		if matchesRoundTable(&rt, f) {
			out = append(out, &rt)
		}
	}
	return out, rows.Err()
}

func (s *Postgres) PurgeRoundTables(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM admp_round_tables
		 WHERE status IN ($1, $2) AND created_at < $3`,
		model.RoundTableResolved, model.RoundTableExpired, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge round tables: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ── API keys ─────────────────────────────────────────────────────────────

func (s *Postgres) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	doc, err := marshalDoc(k)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO admp_api_keys (id, hash, created_at, doc) VALUES ($1, $2, $3, $4)`,
		k.ID, k.Hash, k.CreatedAt, doc,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *Postgres) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM admp_api_keys WHERE hash = $1`, hash).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	var k model.APIKey
	if err := json.Unmarshal(doc, &k); err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	return &k, nil
}

func (s *Postgres) ListAPIKeys(ctx context.Context) ([]*model.APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM admp_api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*model.APIKey
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		var k model.APIKey
		if err := json.Unmarshal(doc, &k); err != nil {
			return nil, fmt.Errorf("decode api key: %w", err)
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

func (s *Postgres) RevokeAPIKey(ctx context.Context, keyID string) error {
	return s.mutateAPIKey(ctx, keyID, func(k *model.APIKey) {
		now := time.Now().UTC()
		k.Revoked = true
		k.RevokedAt = &now
	})
}

func (s *Postgres) MarkAPIKeyUsed(ctx context.Context, keyID string, at time.Time) error {
	return s.mutateAPIKey(ctx, keyID, func(k *model.APIKey) {
		if k.UsedAt == nil {
			k.UsedAt = &at
		}
	})
}

// mutateAPIKey applies fn to the key document inside a row-locked tx.
func (s *Postgres) mutateAPIKey(ctx context.Context, keyID string, fn func(*model.APIKey)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin api key tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var doc []byte
	err = tx.QueryRow(ctx,
		`SELECT doc FROM admp_api_keys WHERE id = $1 FOR UPDATE`, keyID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock api key: %w", err)
	}

	var k model.APIKey
	if err := json.Unmarshal(doc, &k); err != nil {
		return fmt.Errorf("decode api key %s: %w", keyID, err)
	}
	fn(&k)

	updated, err := marshalDoc(&k)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE admp_api_keys SET doc = $2 WHERE id = $1`, keyID, updated,
	); err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return tx.Commit(ctx)
}

// ── Tenants ──────────────────────────────────────────────────────────────

func (s *Postgres) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM admp_tenants WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	var t model.Tenant
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode tenant %s: %w", id, err)
	}
	return &t, nil
}

func (s *Postgres) PutTenant(ctx context.Context, t *model.Tenant) error {
	doc, err := marshalDoc(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO admp_tenants (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		t.ID, doc,
	)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
