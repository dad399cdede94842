// Package inbox implements the message state machine: enqueue with
// signature and replay checks, lease-based pull, ack/nack, reply, and the
// reclaim and TTL-expiry sweeps that give at-least-once delivery.
package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// Store is the storage surface the service needs.
type Store interface {
	CreateMessage(ctx context.Context, m *model.MessageRecord) (*model.MessageRecord, bool, error)
	GetMessage(ctx context.Context, id string) (*model.MessageRecord, error)
	UpdateMessage(ctx context.Context, m *model.MessageRecord) error
	ListMessages(ctx context.Context, f storage.MessageFilter) ([]*model.MessageRecord, error)
	LeaseNext(ctx context.Context, recipient string, visibility time.Duration) (*model.MessageRecord, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
}

// Pusher accepts webhook deliveries. Enqueue must not block.
type Pusher interface {
	Enqueue(rec *model.MessageRecord, webhookURL, secret string)
}

// Options are the inbox tunables.
type Options struct {
	DefaultTTLSec     int64
	VisibilityTimeout time.Duration
	MaxAttempts       int
	MaxBodyBytes      int
}

func (o *Options) withDefaults() {
	if o.DefaultTTLSec == 0 {
		o.DefaultTTLSec = 86_400
	}
	if o.VisibilityTimeout == 0 {
		o.VisibilityTimeout = 60 * time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = 256 << 10
	}
}

// Service is the inbox service.
type Service struct {
	store  Store
	pusher Pusher
	opts   Options
	logger *zap.Logger
}

// NewService creates the inbox service. pusher may be nil when webhook
// push is disabled.
func NewService(store Store, pusher Pusher, opts Options, logger *zap.Logger) *Service {
	opts.withDefaults()
	return &Service{store: store, pusher: pusher, opts: opts, logger: logger}
}

// SendResult is the send outcome.
type SendResult struct {
	ID     string              `json:"id"`
	Status model.MessageStatus `json:"status"`
}

// SendOptions tune a single send.
type SendOptions struct {
	// VerifySignature controls signature checking when the envelope
	// carries one. Internal senders (group fanout, round tables) disable
	// it since the hub itself is the attesting authority.
	VerifySignature bool
	// GroupMessageID links a fanout delivery to its history entry.
	GroupMessageID string
}

// Send validates an envelope and enqueues it for the recipient. Duplicate
// envelope ids are idempotent successes returning the stored record's id.
// Webhook push is scheduled asynchronously and never fails the send.
func (s *Service) Send(ctx context.Context, env *envelope.Envelope, opts SendOptions) (*SendResult, error) {
	if err := env.Validate(); err != nil {
		return nil, model.E(model.CodeValidation, "%v", err)
	}
	env.From = model.NormalizeAgentID(env.From)
	env.To = model.NormalizeAgentID(env.To)
	if len(env.Body) > s.opts.MaxBodyBytes {
		return nil, model.E(model.CodeValidation, "body exceeds %d bytes", s.opts.MaxBodyBytes)
	}

	now := time.Now().UTC()
	if err := env.CheckTimestamp(now); err != nil {
		return nil, model.E(model.CodeInvalidTimestamp, "%v", err)
	}

	recipient, err := s.store.GetAgent(ctx, env.To)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeRecipientNotFound, "recipient %s not found", env.To)
		}
		return nil, fmt.Errorf("resolve recipient: %w", err)
	}

	if opts.VerifySignature && env.Signature != nil {
		if err := s.verifySignature(ctx, env, now); err != nil {
			return nil, err
		}
	}

	if recipient.Blocks(env.From) {
		return nil, model.E(model.CodePolicyDenied, "sender %s is blocked by recipient", env.From)
	}

	rec := &model.MessageRecord{
		ID:             env.ID,
		Recipient:      env.To,
		Envelope:       env,
		Status:         model.MessageQueued,
		TTLSec:         env.TTLSec.Seconds(s.opts.DefaultTTLSec),
		CorrelationID:  env.CorrelationID,
		GroupMessageID: opts.GroupMessageID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := s.store.CreateMessage(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	if !created {
		// Dedupe on envelope id: second send is an idempotent success.
		return &SendResult{ID: stored.ID, Status: stored.Status}, nil
	}

	if s.pusher != nil && recipient.WebhookURL != "" {
		s.pusher.Enqueue(stored, recipient.WebhookURL, recipient.WebhookSecret)
	}

	s.logger.Debug("message queued",
		zap.String("id", stored.ID),
		zap.String("from", env.From),
		zap.String("to", env.To),
	)
	return &SendResult{ID: stored.ID, Status: stored.Status}, nil
}

// verifySignature checks the envelope signature against every key the
// signer may currently verify under (active plus rotation overlap).
func (s *Service) verifySignature(ctx context.Context, env *envelope.Envelope, now time.Time) error {
	signer, err := s.store.GetAgent(ctx, env.From)
	if err != nil {
		if err == storage.ErrNotFound {
			return model.E(model.CodeInvalidSignature, "signer %s is not registered", env.From)
		}
		return fmt.Errorf("resolve signer: %w", err)
	}
	for _, b64 := range signer.VerificationKeys(now) {
		pub, err := identity.ParsePublicKey(b64)
		if err != nil {
			continue
		}
		if env.Verify(pub) == nil {
			return nil
		}
	}
	return model.E(model.CodeInvalidSignature, "signature verification failed for %s", env.From)
}

// Pull leases the oldest queued message for the agent. A nil record with a
// nil error means the inbox is empty.
func (s *Service) Pull(ctx context.Context, agentID string, visibility time.Duration) (*model.MessageRecord, error) {
	agentID = model.NormalizeAgentID(agentID)
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "agent %s not found", agentID)
		}
		return nil, fmt.Errorf("resolve agent: %w", err)
	}
	if visibility <= 0 {
		visibility = s.opts.VisibilityTimeout
	}
	rec, err := s.store.LeaseNext(ctx, agentID, visibility)
	if err != nil {
		return nil, fmt.Errorf("lease next: %w", err)
	}
	return rec, nil
}

// Ack terminates a leased message, optionally storing a result.
func (s *Service) Ack(ctx context.Context, agentID, messageID string, result json.RawMessage) (*model.MessageRecord, error) {
	rec, err := s.owned(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.MessageLeased {
		return nil, model.E(model.CodeInvalidState, "message %s is %s, not leased", messageID, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = model.MessageAcked
	rec.LeaseUntil = nil
	rec.Result = result
	rec.AckedAt = &now
	rec.UpdatedAt = now
	if err := s.store.UpdateMessage(ctx, rec); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return rec, nil
}

// NackRequest selects the nack mode. ExtendSec wins when both fields are
// present; otherwise the record is requeued.
type NackRequest struct {
	Requeue   bool  `json:"requeue"`
	ExtendSec int64 `json:"extend_sec"`
}

// Nack either extends the lease or returns the message to the queue. A
// requeue past the attempt bound transitions to failed instead.
func (s *Service) Nack(ctx context.Context, agentID, messageID string, req NackRequest) (*model.MessageRecord, error) {
	rec, err := s.owned(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}
	if rec.Status != model.MessageLeased {
		return nil, model.E(model.CodeInvalidState, "message %s is %s, not leased", messageID, rec.Status)
	}

	now := time.Now().UTC()
	if req.ExtendSec > 0 {
		extend := req.ExtendSec
		if extend > s.opts.DefaultTTLSec {
			extend = s.opts.DefaultTTLSec
		}
		base := now
		if rec.LeaseUntil != nil && rec.LeaseUntil.After(now) {
			base = *rec.LeaseUntil
		}
		deadline := base.Add(time.Duration(extend) * time.Second)
		rec.LeaseUntil = &deadline
	} else {
		rec.LeaseUntil = nil
		if rec.Attempts >= s.opts.MaxAttempts {
			rec.Status = model.MessageFailed
			s.logger.Warn("message failed after max attempts",
				zap.String("id", rec.ID),
				zap.Int("attempts", rec.Attempts),
			)
		} else {
			rec.Status = model.MessageQueued
		}
	}
	rec.UpdatedAt = now
	if err := s.store.UpdateMessage(ctx, rec); err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	return rec, nil
}

// Reply sends a response envelope correlated to an earlier message: to is
// the original sender, from is the replying agent, correlation_id is the
// original envelope id.
func (s *Service) Reply(ctx context.Context, agentID, originalID string, env *envelope.Envelope) (*SendResult, error) {
	orig, err := s.store.GetMessage(ctx, originalID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "message %s not found", originalID)
		}
		return nil, fmt.Errorf("get original message: %w", err)
	}
	agentID = model.NormalizeAgentID(agentID)
	if orig.Recipient != agentID {
		return nil, model.E(model.CodeNotOwner, "message %s is not addressed to %s", originalID, agentID)
	}

	env.From = agentID
	env.To = orig.Envelope.From
	env.CorrelationID = orig.ID
	if env.ReplyTo == "" {
		env.ReplyTo = orig.ID
	}
	return s.Send(ctx, env, SendOptions{VerifySignature: true})
}

// GetStatus returns the public status projection of a message.
func (s *Service) GetStatus(ctx context.Context, messageID string) (*model.MessageStatusView, error) {
	rec, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "message %s not found", messageID)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return rec.StatusView(), nil
}

// Stats summarizes one inbox by status.
type Stats struct {
	AgentID string                      `json:"agent_id"`
	Total   int                         `json:"total"`
	Counts  map[model.MessageStatus]int `json:"counts"`
}

// InboxStats counts an agent's messages per status.
func (s *Service) InboxStats(ctx context.Context, agentID string) (*Stats, error) {
	agentID = model.NormalizeAgentID(agentID)
	msgs, err := s.store.ListMessages(ctx, storage.MessageFilter{Recipient: agentID})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	st := &Stats{AgentID: agentID, Counts: make(map[model.MessageStatus]int)}
	for _, m := range msgs {
		st.Total++
		st.Counts[m.Status]++
	}
	return st, nil
}

// ReclaimExpiredLeases returns leased records with a passed deadline to
// the queue, or fails them past the attempt bound. Returns the reclaim
// count. A single record's failure never aborts the sweep.
func (s *Service) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	leased, err := s.store.ListMessages(ctx, storage.MessageFilter{Status: model.MessageLeased})
	if err != nil {
		return 0, fmt.Errorf("list leased messages: %w", err)
	}
	now := time.Now().UTC()
	reclaimed := 0
	for _, m := range leased {
		if !m.LeaseExpired(now) {
			continue
		}
		m.LeaseUntil = nil
		if m.Attempts >= s.opts.MaxAttempts {
			m.Status = model.MessageFailed
		} else {
			m.Status = model.MessageQueued
		}
		m.UpdatedAt = now
		if err := s.store.UpdateMessage(ctx, m); err != nil {
			s.logger.Warn("reclaim failed", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// ExpireOldMessages transitions queued records past their TTL to expired.
// Returns the count.
func (s *Service) ExpireOldMessages(ctx context.Context) (int, error) {
	queued, err := s.store.ListMessages(ctx, storage.MessageFilter{Status: model.MessageQueued})
	if err != nil {
		return 0, fmt.Errorf("list queued messages: %w", err)
	}
	now := time.Now().UTC()
	expired := 0
	for _, m := range queued {
		if !m.TTLExpired(now) {
			continue
		}
		m.Status = model.MessageExpired
		m.UpdatedAt = now
		if err := s.store.UpdateMessage(ctx, m); err != nil {
			s.logger.Warn("expiry failed", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) owned(ctx context.Context, agentID, messageID string) (*model.MessageRecord, error) {
	rec, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "message %s not found", messageID)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if rec.Recipient != model.NormalizeAgentID(agentID) {
		return nil, model.E(model.CodeNotOwner, "message %s is not addressed to %s", messageID, agentID)
	}
	return rec, nil
}
