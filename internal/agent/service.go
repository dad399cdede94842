// Package agent implements the agent registry: registration in three key
// modes, liveness via heartbeats, trust lists, webhook configuration, and
// seed-mode key rotation with an overlap window.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

// RotationOverlap is how long a superseded key remains valid for signature
// verification after a rotation.
const RotationOverlap = 24 * time.Hour

// Store is the storage surface the service needs.
type Store interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, f storage.AgentFilter) ([]*model.Agent, error)
	GetTenant(ctx context.Context, id string) (*model.Tenant, error)
}

// Options are the registry's policy knobs.
type Options struct {
	HeartbeatIntervalMS int64
	HeartbeatTimeoutMS  int64
	RegistrationPolicy  model.RegistrationPolicy
}

func (o *Options) withDefaults() {
	if o.HeartbeatIntervalMS == 0 {
		o.HeartbeatIntervalMS = 30_000
	}
	if o.HeartbeatTimeoutMS == 0 {
		o.HeartbeatTimeoutMS = 90_000
	}
	if o.RegistrationPolicy == "" {
		o.RegistrationPolicy = model.PolicyOpen
	}
}

// Service is the agent registry.
type Service struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// NewService creates the registry service.
func NewService(store Store, opts Options, logger *zap.Logger) *Service {
	opts.withDefaults()
	return &Service{store: store, opts: opts, logger: logger}
}

// RegisterRequest is the input to Register. Mode selects which of the
// key-material fields apply.
type RegisterRequest struct {
	Mode          model.RegistrationMode `json:"registration_mode"`
	AgentID       string                 `json:"agent_id"`
	Type          string                 `json:"agent_type"`
	Metadata      map[string]any         `json:"metadata"`
	WebhookURL    string                 `json:"webhook_url"`
	WebhookSecret string                 `json:"webhook_secret"`

	// Seed mode.
	Seed     string `json:"seed"` // base64, 32 bytes
	TenantID string `json:"tenant_id"`

	// Import mode.
	PublicKey string `json:"public_key"` // base64 Ed25519
}

// RegisterResponse echoes the created agent. PrivateKey and WebhookSecret
// are delivered exactly once and never again retrievable.
type RegisterResponse struct {
	Agent         *model.Agent `json:"agent"`
	PrivateKey    string       `json:"private_key,omitempty"`
	WebhookSecret string       `json:"webhook_secret,omitempty"`
}

// Register creates an agent in one of three modes: legacy (random keypair,
// private key returned once), seed (deterministic derivation from a master
// seed, requires a tenant), or import (caller-supplied public key, no
// private key held).
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	mode := req.Mode
	if mode == "" {
		mode = model.ModeLegacy
	}

	agentID := model.NormalizeAgentID(req.AgentID)
	if agentID == "" {
		agentID = "agent://" + uuid.NewString()
	}

	now := time.Now().UTC()
	a := &model.Agent{
		ID:         agentID,
		Type:       req.Type,
		TenantID:   req.TenantID,
		Mode:       mode,
		KeyVersion: 1,
		Metadata:   req.Metadata,
		Heartbeat: model.Heartbeat{
			Status:     model.HeartbeatOffline,
			IntervalMS: s.opts.HeartbeatIntervalMS,
			TimeoutMS:  s.opts.HeartbeatTimeoutMS,
		},
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var privateKey string
	switch mode {
	case model.ModeLegacy:
		kp, err := identity.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		a.PublicKey = kp.PublicBase64()
		a.DID = identity.DID(kp.Public)
		privateKey = kp.PrivateBase64()

	case model.ModeSeed:
		if req.TenantID == "" {
			return nil, model.E(model.CodeMissingTenant, "seed-mode registration requires tenant_id")
		}
		seed, err := base64.StdEncoding.DecodeString(req.Seed)
		if err != nil {
			return nil, model.E(model.CodeValidation, "seed is not valid base64")
		}
		kp, derivCtx, err := identity.DeriveKeypair(seed, req.TenantID, agentID, 1)
		if err != nil {
			return nil, model.E(model.CodeValidation, "%v", err)
		}
		a.PublicKey = kp.PublicBase64()
		a.DID = identity.DID(kp.Public)
		a.DerivationContext = derivCtx
		privateKey = kp.PrivateBase64()

	case model.ModeImport:
		pub, err := identity.ParsePublicKey(req.PublicKey)
		if err != nil {
			return nil, model.E(model.CodeValidation, "%v", err)
		}
		a.PublicKey = req.PublicKey
		a.DID = identity.DID(pub)

	default:
		return nil, model.E(model.CodeValidation, "unknown registration_mode %q", mode)
	}

	a.Keys = []model.KeyRecord{{Version: 1, PublicKey: a.PublicKey, Active: true, CreatedAt: now}}
	a.RegistrationStatus = s.admissionStatus(ctx, req.TenantID)

	var webhookSecret string
	if req.WebhookURL != "" {
		webhookSecret = req.WebhookSecret
		if webhookSecret == "" {
			var err error
			if webhookSecret, err = generateSecret(); err != nil {
				return nil, err
			}
		}
		a.WebhookURL = req.WebhookURL
		a.WebhookSecret = webhookSecret
	}

	if err := s.store.CreateAgent(ctx, a); err != nil {
		if err == storage.ErrDuplicate {
			return nil, model.E(model.CodeAgentExists, "agent %s already registered", agentID)
		}
		return nil, fmt.Errorf("store agent: %w", err)
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("mode", string(mode)),
		zap.String("status", string(a.RegistrationStatus)),
	)
	return &RegisterResponse{Agent: a.View(), PrivateKey: privateKey, WebhookSecret: webhookSecret}, nil
}

// admissionStatus resolves the initial registration status from the tenant
// policy, falling back to the hub-wide default.
func (s *Service) admissionStatus(ctx context.Context, tenantID string) model.RegistrationStatus {
	policy := s.opts.RegistrationPolicy
	if tenantID != "" {
		if t, err := s.store.GetTenant(ctx, tenantID); err == nil {
			policy = t.RegistrationPolicy
		}
	}
	if policy == model.PolicyApprovalRequired {
		return model.RegistrationPending
	}
	return model.RegistrationApproved
}

// Get returns an agent view.
func (s *Service) Get(ctx context.Context, id string) (*model.Agent, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.View(), nil
}

// List returns agent views, optionally filtered.
func (s *Service) List(ctx context.Context, f storage.AgentFilter) ([]*model.Agent, error) {
	agents, err := s.store.ListAgents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	out := make([]*model.Agent, len(agents))
	for i, a := range agents {
		out[i] = a.View()
	}
	return out, nil
}

// Deregister removes an agent.
func (s *Service) Deregister(ctx context.Context, id string) error {
	id = model.NormalizeAgentID(id)
	if err := s.store.DeleteAgent(ctx, id); err != nil {
		if err == storage.ErrNotFound {
			return model.E(model.CodeNotFound, "agent %s not found", id)
		}
		return fmt.Errorf("delete agent: %w", err)
	}
	s.logger.Info("agent deregistered", zap.String("agent_id", id))
	return nil
}

// Approve moves an agent to approved. Idempotent.
func (s *Service) Approve(ctx context.Context, id string) (*model.Agent, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.RegistrationStatus != model.RegistrationApproved {
		a.RegistrationStatus = model.RegistrationApproved
		a.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdateAgent(ctx, a); err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
	}
	return a.View(), nil
}

// Reject marks an agent rejected with a reason.
func (s *Service) Reject(ctx context.Context, id, reason string) (*model.Agent, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	a.RegistrationStatus = model.RegistrationRejected
	if reason != "" {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		a.Metadata["rejection_reason"] = reason
	}
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	s.logger.Info("agent rejected", zap.String("agent_id", a.ID), zap.String("reason", reason))
	return a.View(), nil
}

// Heartbeat records liveness: stamps last_heartbeat, flips status to
// online, and merges any supplied metadata. Idempotent.
func (s *Service) Heartbeat(ctx context.Context, id string, metadata map[string]any) (*model.Agent, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	a.Heartbeat.LastHeartbeat = &now
	a.Heartbeat.Status = model.HeartbeatOnline
	if len(metadata) > 0 {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		for k, v := range metadata {
			a.Metadata[k] = v
		}
	}
	a.UpdatedAt = now
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return a.View(), nil
}

// MarkOfflineAgents flips online agents whose heartbeat has aged past
// their timeout to offline. Returns how many were flipped.
func (s *Service) MarkOfflineAgents(ctx context.Context) (int, error) {
	agents, err := s.store.ListAgents(ctx, storage.AgentFilter{Heartbeat: model.HeartbeatOnline})
	if err != nil {
		return 0, fmt.Errorf("list online agents: %w", err)
	}
	now := time.Now().UTC()
	flipped := 0
	for _, a := range agents {
		timeout := time.Duration(a.Heartbeat.TimeoutMS) * time.Millisecond
		if a.Heartbeat.LastHeartbeat != nil && now.Sub(*a.Heartbeat.LastHeartbeat) <= timeout {
			continue
		}
		a.Heartbeat.Status = model.HeartbeatOffline
		a.UpdatedAt = now
		if err := s.store.UpdateAgent(ctx, a); err != nil {
			s.logger.Warn("mark offline failed", zap.String("agent_id", a.ID), zap.Error(err))
			continue
		}
		flipped++
	}
	return flipped, nil
}

// AddTrustedAgent puts other on id's trust list. Idempotent.
func (s *Service) AddTrustedAgent(ctx context.Context, id, other string) error {
	return s.mutate(ctx, id, func(a *model.Agent) {
		other = model.NormalizeAgentID(other)
		if !a.Trusts(other) {
			a.TrustedAgents = append(a.TrustedAgents, other)
		}
	})
}

// RemoveTrustedAgent drops other from id's trust list. Idempotent.
func (s *Service) RemoveTrustedAgent(ctx context.Context, id, other string) error {
	return s.mutate(ctx, id, func(a *model.Agent) {
		other = model.NormalizeAgentID(other)
		kept := a.TrustedAgents[:0]
		for _, t := range a.TrustedAgents {
			if t != other {
				kept = append(kept, t)
			}
		}
		a.TrustedAgents = kept
	})
}

// IsTrusted reports whether other is on id's trust list.
func (s *Service) IsTrusted(ctx context.Context, id, other string) (bool, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	return a.Trusts(model.NormalizeAgentID(other)), nil
}

// ListTrusted returns id's trust list.
func (s *Service) ListTrusted(ctx context.Context, id string) ([]string, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.TrustedAgents, nil
}

// BlockAgent puts other on id's block list. Idempotent.
func (s *Service) BlockAgent(ctx context.Context, id, other string) error {
	return s.mutate(ctx, id, func(a *model.Agent) {
		other = model.NormalizeAgentID(other)
		if !a.Blocks(other) {
			a.BlockedAgents = append(a.BlockedAgents, other)
		}
	})
}

// UnblockAgent drops other from id's block list. Idempotent.
func (s *Service) UnblockAgent(ctx context.Context, id, other string) error {
	return s.mutate(ctx, id, func(a *model.Agent) {
		other = model.NormalizeAgentID(other)
		kept := a.BlockedAgents[:0]
		for _, b := range a.BlockedAgents {
			if b != other {
				kept = append(kept, b)
			}
		}
		a.BlockedAgents = kept
	})
}

// WebhookConfig is the view of an agent's push destination. The secret is
// never included; it is delivered once at configuration time.
type WebhookConfig struct {
	URL        string `json:"url"`
	Configured bool   `json:"configured"`
}

// ConfigureWebhook sets the agent's push destination. The secret is
// generated when absent and returned exactly once.
func (s *Service) ConfigureWebhook(ctx context.Context, id, url, secret string) (string, error) {
	if url == "" {
		return "", model.E(model.CodeValidation, "webhook url is required")
	}
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return "", err
		}
	}
	err := s.mutate(ctx, id, func(a *model.Agent) {
		a.WebhookURL = url
		a.WebhookSecret = secret
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("webhook configured", zap.String("agent_id", model.NormalizeAgentID(id)))
	return secret, nil
}

// RemoveWebhook clears the push destination.
func (s *Service) RemoveWebhook(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(a *model.Agent) {
		a.WebhookURL = ""
		a.WebhookSecret = ""
	})
}

// GetWebhookConfig returns the secretless webhook view.
func (s *Service) GetWebhookConfig(ctx context.Context, id string) (*WebhookConfig, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &WebhookConfig{URL: a.WebhookURL, Configured: a.WebhookURL != ""}, nil
}

// RotateKey derives the next key version for a seed-mode agent. The new
// key becomes active; prior keys stay verification-valid until
// now + RotationOverlap.
func (s *Service) RotateKey(ctx context.Context, id, seedB64, tenantID string) (*RegisterResponse, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Mode != model.ModeSeed {
		return nil, model.E(model.CodeInvalidState, "key rotation requires a seed-mode agent")
	}
	if tenantID == "" {
		tenantID = a.TenantID
	}
	if tenantID == "" {
		return nil, model.E(model.CodeMissingTenant, "key rotation requires tenant_id")
	}
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, model.E(model.CodeValidation, "seed is not valid base64")
	}

	version := a.KeyVersion + 1
	kp, derivCtx, err := identity.DeriveKeypair(seed, tenantID, a.ID, version)
	if err != nil {
		return nil, model.E(model.CodeValidation, "%v", err)
	}

	now := time.Now().UTC()
	deactivate := now.Add(RotationOverlap)
	for i := range a.Keys {
		if a.Keys[i].Active {
			a.Keys[i].Active = false
			a.Keys[i].DeactivateAt = &deactivate
		}
	}
	a.Keys = append(a.Keys, model.KeyRecord{
		Version:   version,
		PublicKey: kp.PublicBase64(),
		Active:    true,
		CreatedAt: now,
	})
	a.KeyVersion = version
	a.PublicKey = kp.PublicBase64()
	a.DID = identity.DID(kp.Public)
	a.DerivationContext = derivCtx
	a.UpdatedAt = now

	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	s.logger.Info("key rotated",
		zap.String("agent_id", a.ID),
		zap.Int("key_version", version),
	)
	return &RegisterResponse{Agent: a.View(), PrivateKey: kp.PrivateBase64()}, nil
}

// VerificationKeys returns the base64 keys currently acceptable for
// verifying the agent's signatures. Consumed by the inbox send path.
func (s *Service) VerificationKeys(ctx context.Context, id string) ([]string, error) {
	a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.VerificationKeys(time.Now().UTC()), nil
}

func (s *Service) load(ctx context.Context, id string) (*model.Agent, error) {
	id = model.NormalizeAgentID(id)
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "agent %s not found", id)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*model.Agent)) error {
	a, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	fn(a)
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
