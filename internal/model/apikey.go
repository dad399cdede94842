package model

import "time"

// APIKey is an issued credential. Only the salted SHA-256 hash of the raw
// key persists; the raw key is returned once at issue time.
type APIKey struct {
	ID            string     `json:"key_id"`
	Hash          string     `json:"hash"` // hex(sha256(pepper || raw))
	ClientID      string     `json:"client_id"`
	Description   string     `json:"description,omitempty"`
	TargetAgentID string     `json:"target_agent_id,omitempty"` // pins the key to one agent
	SingleUse     bool       `json:"single_use,omitempty"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	Revoked       bool       `json:"revoked,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Usable reports whether the key still authenticates at the given instant.
func (k *APIKey) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	if k.SingleUse && k.UsedAt != nil {
		return false
	}
	return true
}

// View returns a copy safe for listing endpoints: the hash is withheld so
// even hub operators never see key material derivatives.
func (k *APIKey) View() *APIKey {
	cp := *k
	cp.Hash = ""
	return &cp
}

// RegistrationPolicy is a tenant's agent-admission policy.
type RegistrationPolicy string

const (
	PolicyOpen             RegistrationPolicy = "open"
	PolicyApprovalRequired RegistrationPolicy = "approval_required"
)

// Tenant scopes seed-mode agents and their admission policy.
type Tenant struct {
	ID                 string             `json:"tenant_id"`
	RegistrationPolicy RegistrationPolicy `json:"registration_policy"`
	CreatedAt          time.Time          `json:"created_at"`
}
