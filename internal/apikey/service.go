// Package apikey issues and verifies bearer API keys. Only a peppered
// SHA-256 hash of the raw key is ever stored; the raw key is shown once at
// issue time.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

// cacheTTL bounds how long a verification verdict may be served without a
// storage read. Kept short so revocation takes effect quickly.
const cacheTTL = 30 * time.Second

// Prefix marks raw API keys so they can be told apart from session tokens.
const Prefix = "admp_"

// Store is the storage surface the service needs.
type Store interface {
	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
	MarkAPIKeyUsed(ctx context.Context, keyID string, at time.Time) error
}

// IssueRequest describes a key to mint.
type IssueRequest struct {
	ClientID      string     `json:"client_id" binding:"required"`
	Description   string     `json:"description"`
	TargetAgentID string     `json:"target_agent_id"`
	SingleUse     bool       `json:"single_use"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// IssueResponse carries the raw key exactly once.
type IssueResponse struct {
	KeyID     string     `json:"key_id"`
	APIKey    string     `json:"api_key"`
	ClientID  string     `json:"client_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type cacheEntry struct {
	key     *model.APIKey
	fetched time.Time
}

// Service mints, verifies, and revokes API keys. Verification verdicts are
// cached briefly since every authenticated request hits this path.
type Service struct {
	store  Store
	pepper string
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry // hash → entry
}

// NewService creates an API key service. pepper is mixed into every stored
// hash so a leaked key table alone cannot be brute-forced offline.
func NewService(store Store, pepper string, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		pepper: pepper,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// HashKey computes the stored form of a raw key.
func (s *Service) HashKey(raw string) string {
	sum := sha256.Sum256([]byte(s.pepper + raw))
	return hex.EncodeToString(sum[:])
}

// Issue mints a new key and returns the raw value once.
func (s *Service) Issue(ctx context.Context, req *IssueRequest) (*IssueResponse, error) {
	if req.ClientID == "" {
		return nil, model.E(model.CodeValidation, "client_id is required")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	raw := Prefix + base64.RawURLEncoding.EncodeToString(buf)

	k := &model.APIKey{
		ID:            uuid.NewString(),
		Hash:          s.HashKey(raw),
		ClientID:      req.ClientID,
		Description:   req.Description,
		TargetAgentID: model.NormalizeAgentID(req.TargetAgentID),
		SingleUse:     req.SingleUse,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}

	s.logger.Info("api key issued",
		zap.String("key_id", k.ID),
		zap.String("client_id", k.ClientID),
		zap.Bool("single_use", k.SingleUse),
	)
	return &IssueResponse{KeyID: k.ID, APIKey: raw, ClientID: k.ClientID, ExpiresAt: k.ExpiresAt}, nil
}

// Verify authenticates a raw key and returns its record. Single-use keys
// are consumed on first successful verification.
func (s *Service) Verify(ctx context.Context, raw string) (*model.APIKey, error) {
	hash := s.HashKey(raw)
	now := time.Now().UTC()

	k := s.cached(hash, now)
	if k == nil {
		var err error
		k, err = s.store.GetAPIKeyByHash(ctx, hash)
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeUnauthorized, "unknown api key")
		}
		if err != nil {
			return nil, fmt.Errorf("look up api key: %w", err)
		}
		s.remember(hash, k, now)
	}

	if !k.Usable(now) {
		return nil, model.E(model.CodeUnauthorized, "api key revoked, expired, or consumed")
	}
	if k.SingleUse {
		if err := s.store.MarkAPIKeyUsed(ctx, k.ID, now); err != nil && err != storage.ErrNotFound {
			return nil, fmt.Errorf("consume single-use key: %w", err)
		}
		s.forget(hash)
	}
	return k, nil
}

// Revoke permanently disables a key.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	if err := s.store.RevokeAPIKey(ctx, keyID); err != nil {
		if err == storage.ErrNotFound {
			return model.E(model.CodeNotFound, "api key %s not found", keyID)
		}
		return fmt.Errorf("revoke api key: %w", err)
	}
	// Revocation must not be masked by a cached verdict.
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()

	s.logger.Info("api key revoked", zap.String("key_id", keyID))
	return nil
}

// List returns every issued key with hashes withheld.
func (s *Service) List(ctx context.Context) ([]*model.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	out := make([]*model.APIKey, len(keys))
	for i, k := range keys {
		out[i] = k.View()
	}
	return out, nil
}

func (s *Service) cached(hash string, now time.Time) *model.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[hash]
	if !ok || now.Sub(e.fetched) > cacheTTL {
		return nil
	}
	return e.key
}

func (s *Service) remember(hash string, k *model.APIKey, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[hash] = cacheEntry{key: k, fetched: now}
}

func (s *Service) forget(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, hash)
}
