package model

import (
	"strings"
	"time"
)

// RegistrationMode is how an agent's keypair came to exist.
type RegistrationMode string

const (
	ModeLegacy RegistrationMode = "legacy" // random keypair, private key returned once
	ModeSeed   RegistrationMode = "seed"   // deterministic HKDF derivation from a master seed
	ModeImport RegistrationMode = "import" // caller supplied a public key; no private key held
)

// RegistrationStatus gates whether an agent may participate.
type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "pending"
	RegistrationApproved RegistrationStatus = "approved"
	RegistrationRejected RegistrationStatus = "rejected"
)

// HeartbeatStatus is the materialized liveness state.
type HeartbeatStatus string

const (
	HeartbeatOnline  HeartbeatStatus = "online"
	HeartbeatOffline HeartbeatStatus = "offline"
)

// KeyRecord is one entry in an agent's public-key history. Exactly one
// record is active except during a rotation overlap window, when prior
// keys remain acceptable for verification until their DeactivateAt passes.
type KeyRecord struct {
	Version      int        `json:"version"`
	PublicKey    string     `json:"public_key"` // base64 Ed25519
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	DeactivateAt *time.Time `json:"deactivate_at,omitempty"`
}

// Heartbeat is the liveness substructure of an agent. Status is derived
// from LastHeartbeat and TimeoutMS but materialized for cheap reads.
type Heartbeat struct {
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
	Status        HeartbeatStatus `json:"status"`
	IntervalMS    int64           `json:"interval_ms,omitempty"` // advisory, reported to the agent
	TimeoutMS     int64           `json:"timeout_ms,omitempty"`
}

// Agent is a registered participant with an inbox and a key history.
type Agent struct {
	ID                 string             `json:"agent_id"`
	Type               string             `json:"agent_type,omitempty"`
	PublicKey          string             `json:"public_key"` // mirrors the active key record
	DID                string             `json:"did,omitempty"`
	TenantID           string             `json:"tenant_id,omitempty"`
	Mode               RegistrationMode   `json:"registration_mode"`
	KeyVersion         int                `json:"key_version"`
	Keys               []KeyRecord        `json:"keys,omitempty"`
	DerivationContext  string             `json:"derivation_context,omitempty"` // seed mode only
	VerificationTier   string             `json:"verification_tier,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	WebhookURL         string             `json:"webhook_url,omitempty"`
	WebhookSecret      string             `json:"webhook_secret,omitempty"` // stripped by Agent.View
	Heartbeat          Heartbeat          `json:"heartbeat"`
	TrustedAgents      []string           `json:"trusted_agents,omitempty"`
	BlockedAgents      []string           `json:"blocked_agents,omitempty"`
	RegistrationStatus RegistrationStatus `json:"registration_status"`
	Active             bool               `json:"active"`
	DeactivateAt       *time.Time         `json:"deactivate_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// VerificationKeys returns every base64 public key acceptable for signature
// verification at the given instant: the active key plus any prior key
// still inside its rotation overlap window. Keys are ordered newest first.
func (a *Agent) VerificationKeys(now time.Time) []string {
	if len(a.Keys) == 0 {
		if a.PublicKey != "" {
			return []string{a.PublicKey}
		}
		return nil
	}
	keys := make([]string, 0, len(a.Keys))
	for i := len(a.Keys) - 1; i >= 0; i-- {
		k := a.Keys[i]
		if k.Active {
			keys = append(keys, k.PublicKey)
			continue
		}
		if k.DeactivateAt != nil && now.Before(*k.DeactivateAt) {
			keys = append(keys, k.PublicKey)
		}
	}
	return keys
}

// Trusts reports whether other is on the agent's trust list.
func (a *Agent) Trusts(other string) bool {
	for _, t := range a.TrustedAgents {
		if t == other {
			return true
		}
	}
	return false
}

// Blocks reports whether other is on the agent's block list.
func (a *Agent) Blocks(other string) bool {
	for _, b := range a.BlockedAgents {
		if b == other {
			return true
		}
	}
	return false
}

// View returns a copy safe for API responses: the webhook secret never
// leaves the hub after configuration time.
func (a *Agent) View() *Agent {
	cp := *a
	cp.WebhookSecret = ""
	return &cp
}

// NormalizeAgentID expands a bare name to the agent:// form. Already
// schemed ids pass through unchanged.
func NormalizeAgentID(id string) string {
	if id == "" || strings.Contains(id, "://") {
		return id
	}
	return "agent://" + id
}
