// Package storage defines the backend-neutral persistence contract for the
// hub and provides three implementations: in-process maps (memory), a
// remote document store over HTTP (mech), and Postgres.
//
// Contract notes that hold across backends:
//   - LeaseNext is race-free: a record is handed to at most one caller.
//   - CreateMessage is idempotent on the envelope id.
//   - Updates are whole-document writes; callers read-modify-write and the
//     service layer owns merge semantics for sub-structures.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/admp-protocol/admp-hub/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned on unique-constraint violations.
	ErrDuplicate = errors.New("storage: duplicate id")
	// ErrConflict is returned when a conditional write loses a race.
	ErrConflict = errors.New("storage: write conflict")
)

// AgentFilter narrows ListAgents. Zero values match everything.
type AgentFilter struct {
	Status    model.RegistrationStatus
	Heartbeat model.HeartbeatStatus
}

// MessageFilter narrows ListMessages. Zero values match everything.
type MessageFilter struct {
	Recipient string
	Status    model.MessageStatus
	Limit     int
}

// RoundTableFilter narrows ListRoundTables. Zero values match everything.
type RoundTableFilter struct {
	Status      model.RoundTableStatus
	Participant string
}

// Store is the hub's persistence surface. All methods are safe for
// concurrent use.
type Store interface {
	// Agents.
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*model.Agent, error)

	// Messages. CreateMessage reports whether a new record was inserted;
	// when the envelope id already exists the stored record is returned
	// with created=false. LeaseNext atomically selects the oldest queued
	// record for the recipient (created_at order, id tie-break), stamps a
	// lease deadline, increments attempts, and returns it; (nil, nil)
	// means the inbox has nothing leasable.
	CreateMessage(ctx context.Context, m *model.MessageRecord) (rec *model.MessageRecord, created bool, err error)
	GetMessage(ctx context.Context, id string) (*model.MessageRecord, error)
	UpdateMessage(ctx context.Context, m *model.MessageRecord) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, f MessageFilter) ([]*model.MessageRecord, error)
	LeaseNext(ctx context.Context, recipient string, visibility time.Duration) (*model.MessageRecord, error)

	// Groups. Membership is part of the group document.
	CreateGroup(ctx context.Context, g *model.Group) error
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	UpdateGroup(ctx context.Context, g *model.Group) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context) ([]*model.Group, error)

	// Group history. AppendGroupMessage dedupes on group_message_id and
	// reports whether a new entry was written. ListGroupMessages returns
	// newest-first entries, optionally only those after since.
	AppendGroupMessage(ctx context.Context, gm *model.GroupMessage) (bool, error)
	ListGroupMessages(ctx context.Context, groupID string, limit int, since time.Time) ([]*model.GroupMessage, error)
	PurgeGroupMessages(ctx context.Context, groupID string, before time.Time) (int, error)

	// Round tables.
	CreateRoundTable(ctx context.Context, rt *model.RoundTable) error
	GetRoundTable(ctx context.Context, id string) (*model.RoundTable, error)
	UpdateRoundTable(ctx context.Context, rt *model.RoundTable) error
	ListRoundTables(ctx context.Context, f RoundTableFilter) ([]*model.RoundTable, error)
	PurgeRoundTables(ctx context.Context, olderThan time.Time) (int, error)

	// Issued API keys.
	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
	MarkAPIKeyUsed(ctx context.Context, keyID string, at time.Time) error

	// Tenants.
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
	PutTenant(ctx context.Context, t *model.Tenant) error

	// Ping checks backend reachability; Close releases resources.
	Ping(ctx context.Context) error
	Close() error
}

// matchesAgent applies an AgentFilter to a record. Shared by the memory
// and mech backends, which filter client-side.
func matchesAgent(a *model.Agent, f AgentFilter) bool {
	if f.Status != "" && a.RegistrationStatus != f.Status {
		return false
	}
	if f.Heartbeat != "" && a.Heartbeat.Status != f.Heartbeat {
		return false
	}
	return true
}

// matchesMessage applies a MessageFilter (ignoring Limit).
func matchesMessage(m *model.MessageRecord, f MessageFilter) bool {
	if f.Recipient != "" && m.Recipient != f.Recipient {
		return false
	}
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	return true
}

// matchesRoundTable applies a RoundTableFilter.
func matchesRoundTable(rt *model.RoundTable, f RoundTableFilter) bool {
	if f.Status != "" && rt.Status != f.Status {
		return false
	}
	if f.Participant != "" && !rt.HasParticipant(f.Participant) && rt.Facilitator != f.Participant {
		return false
	}
	return true
}
