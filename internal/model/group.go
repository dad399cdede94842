package model

import (
	"encoding/json"
	"strings"
	"time"
)

// GroupAccessType controls how agents join a group.
type GroupAccessType string

const (
	AccessOpen         GroupAccessType = "open"
	AccessInviteOnly   GroupAccessType = "invite-only"
	AccessKeyProtected GroupAccessType = "key-protected"
)

// GroupRole is a member's permission level.
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// CanManageMembers reports whether the role may add or remove members.
func (r GroupRole) CanManageMembers() bool {
	return r == RoleOwner || r == RoleAdmin
}

// GroupAccess is the access descriptor. JoinKeyHash is a bcrypt hash; the
// raw join key is never stored.
type GroupAccess struct {
	Type        GroupAccessType `json:"type"`
	JoinKeyHash string          `json:"join_key_hash,omitempty"`
}

// GroupSettings are per-group tunables.
type GroupSettings struct {
	MaxMembers          int   `json:"max_members"`
	MessageTTLSec       int64 `json:"message_ttl_sec"`
	HistoryRetentionSec int64 `json:"history_retention_sec"`
}

// GroupMember is one entry in the ordered membership list.
type GroupMember struct {
	AgentID  string    `json:"agent_id"`
	Role     GroupRole `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// Group is a named multicast destination with role-based membership.
type Group struct {
	ID        string        `json:"group_id"`
	Name      string        `json:"name"`
	CreatedBy string        `json:"created_by"`
	Access    GroupAccess   `json:"access"`
	Settings  GroupSettings `json:"settings"`
	Members   []GroupMember `json:"members"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Deleted   bool          `json:"deleted,omitempty"`
}

// Member returns the membership entry for an agent, if present.
func (g *Group) Member(agentID string) (*GroupMember, bool) {
	for i := range g.Members {
		if g.Members[i].AgentID == agentID {
			return &g.Members[i], true
		}
	}
	return nil, false
}

// Owner returns the owner's agent id. Every group has exactly one owner.
func (g *Group) Owner() string {
	for _, m := range g.Members {
		if m.Role == RoleOwner {
			return m.AgentID
		}
	}
	return ""
}

// View returns a copy safe for API responses (join-key hash withheld).
func (g *Group) View() *Group {
	cp := *g
	cp.Access.JoinKeyHash = ""
	return &cp
}

// GroupMessage is one deduplicated history entry for a group post. All
// per-recipient inbox deliveries of the post share its GroupMessageID.
type GroupMessage struct {
	GroupID        string          `json:"group_id"`
	GroupMessageID string          `json:"group_message_id"`
	Sender         string          `json:"sender"`
	Subject        string          `json:"subject"`
	Body           json.RawMessage `json:"body"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NormalizeGroupID expands a bare slug to the group:// form.
func NormalizeGroupID(id string) string {
	if id == "" || strings.Contains(id, "://") {
		return id
	}
	return "group://" + id
}
