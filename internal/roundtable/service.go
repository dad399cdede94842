// Package roundtable implements ephemeral bounded deliberations layered on
// invite-only groups and the inbox: create with enrollment atomicity,
// speak, facilitator-only resolve, and the expiry and purge sweeps.
package roundtable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/group"
	"github.com/admp-protocol/admp-hub/internal/inbox"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// PurgeAfter is the default retention for terminal round tables.
const PurgeAfter = 7 * 24 * time.Hour

// Store is the storage surface the service needs.
type Store interface {
	CreateRoundTable(ctx context.Context, rt *model.RoundTable) error
	GetRoundTable(ctx context.Context, id string) (*model.RoundTable, error)
	UpdateRoundTable(ctx context.Context, rt *model.RoundTable) error
	ListRoundTables(ctx context.Context, f storage.RoundTableFilter) ([]*model.RoundTable, error)
	PurgeRoundTables(ctx context.Context, olderThan time.Time) (int, error)
}

// Groups is the group-service surface the round table layers on.
type Groups interface {
	Create(ctx context.Context, req *group.CreateRequest) (*model.Group, error)
	AddMember(ctx context.Context, id, actor, agentID string, role model.GroupRole) (*model.Group, error)
	Update(ctx context.Context, id, actor string, req *group.UpdateRequest) (*model.Group, error)
	Post(ctx context.Context, id string, req *group.PostRequest) (*group.PostResult, error)
	ForceDelete(ctx context.Context, id string) error
}

// Sender delivers notification envelopes directly to individual inboxes.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope, opts inbox.SendOptions) (*inbox.SendResult, error)
}

// Service is the round-table service.
type Service struct {
	store  Store
	groups Groups
	sender Sender
	logger *zap.Logger
}

// NewService creates the round-table service.
func NewService(store Store, groups Groups, sender Sender, logger *zap.Logger) *Service {
	return &Service{store: store, groups: groups, sender: sender, logger: logger}
}

// CreateRequest describes a deliberation to open.
type CreateRequest struct {
	Topic          string   `json:"topic" binding:"required"`
	Goal           string   `json:"goal" binding:"required"`
	Facilitator    string   `json:"facilitator" binding:"required"`
	Participants   []string `json:"participants" binding:"required"`
	TimeoutMinutes int      `json:"timeout_minutes"`
}

// CreateResult is the created round table plus the participants that could
// not be enrolled.
type CreateResult struct {
	RoundTable           *model.RoundTable `json:"round_table"`
	ExcludedParticipants []string          `json:"excluded_participants"`
}

// Create opens a round table: it builds a backing invite-only group owned
// by the facilitator, enrolls as many requested participants as possible,
// and notifies each enrolled participant with a work_order envelope. Only
// successfully enrolled agents become participants; if none enroll the
// group is torn down and the call fails.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*CreateResult, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	facilitator := model.NormalizeAgentID(req.Facilitator)

	id := "rt-" + uuid.NewString()[:8]
	timeout := time.Duration(req.TimeoutMinutes) * time.Minute

	g, err := s.groups.Create(ctx, &group.CreateRequest{
		GroupID:    "round-table-" + id,
		Name:       "round-table-" + id,
		CreatedBy:  facilitator,
		AccessType: model.AccessInviteOnly,
		Settings: model.GroupSettings{
			MaxMembers:    len(req.Participants) + 1,
			MessageTTLSec: int64(timeout / time.Second),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create backing group: %w", err)
	}

	var enrolled, excluded []string
	for _, p := range req.Participants {
		p = model.NormalizeAgentID(p)
		if _, err := s.groups.AddMember(ctx, g.ID, facilitator, p, model.RoleMember); err != nil {
			s.logger.Warn("round-table enrollment failed",
				zap.String("round_table_id", id),
				zap.String("participant", p),
				zap.Error(err),
			)
			excluded = append(excluded, p)
			continue
		}
		enrolled = append(enrolled, p)
	}
	if len(enrolled) == 0 {
		_ = s.groups.ForceDelete(ctx, g.ID)
		return nil, model.E(model.CodeValidation, "no participants could be enrolled")
	}
	if len(excluded) > 0 {
		// Shrink capacity to the actual enrollment.
		if _, err := s.groups.Update(ctx, g.ID, facilitator, &group.UpdateRequest{
			Settings: &model.GroupSettings{MaxMembers: len(enrolled) + 1},
		}); err != nil {
			s.logger.Warn("backing group shrink failed", zap.String("group_id", g.ID), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	rt := &model.RoundTable{
		ID:           id,
		Topic:        req.Topic,
		Goal:         req.Goal,
		Facilitator:  facilitator,
		Participants: enrolled,
		GroupID:      g.ID,
		Status:       model.RoundTableOpen,
		Thread:       []model.ThreadEntry{},
		CreatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
	if err := s.store.CreateRoundTable(ctx, rt); err != nil {
		_ = s.groups.ForceDelete(ctx, g.ID)
		return nil, fmt.Errorf("store round table: %w", err)
	}

	body, _ := json.Marshal(map[string]any{
		"round_table_id": rt.ID,
		"topic":          rt.Topic,
		"goal":           rt.Goal,
		"expires_at":     rt.ExpiresAt.Format(time.RFC3339),
	})
	for _, p := range enrolled {
		s.notify(ctx, facilitator, p, "work_order", "Round Table: "+rt.Topic, body)
	}

	s.logger.Info("round table created",
		zap.String("round_table_id", rt.ID),
		zap.String("facilitator", facilitator),
		zap.Int("participants", len(enrolled)),
		zap.Int("excluded", len(excluded)),
	)
	return &CreateResult{RoundTable: rt, ExcludedParticipants: excluded}, nil
}

func validateCreate(req *CreateRequest) error {
	if req.Topic == "" || len(req.Topic) > 500 {
		return model.E(model.CodeValidation, "topic must be non-empty and at most 500 characters")
	}
	if req.Goal == "" || len(req.Goal) > 2000 {
		return model.E(model.CodeValidation, "goal must be non-empty and at most 2000 characters")
	}
	if req.Facilitator == "" {
		return model.E(model.CodeValidation, "facilitator is required")
	}
	n := len(req.Participants)
	if n < 1 || n > model.MaxRoundTableParticipants {
		return model.E(model.CodeValidation, "participants must number 1..%d", model.MaxRoundTableParticipants)
	}
	seen := make(map[string]struct{}, n)
	for _, p := range req.Participants {
		id := model.NormalizeAgentID(p)
		if _, dup := seen[id]; dup {
			return model.E(model.CodeValidation, "duplicate participant %s", id)
		}
		seen[id] = struct{}{}
	}
	if req.TimeoutMinutes < 1 || req.TimeoutMinutes > model.MaxRoundTableMinutes {
		return model.E(model.CodeValidation, "timeout_minutes must be 1..%d", model.MaxRoundTableMinutes)
	}
	return nil
}

// SpeakRequest is one utterance.
type SpeakRequest struct {
	From    string `json:"from" binding:"required"`
	Message string `json:"message" binding:"required"`
}

// SpeakResult reports the appended entry.
type SpeakResult struct {
	EntryID      string `json:"entry_id"`
	ThreadLength int    `json:"thread_length"`
}

// Speak appends to the thread and multicasts through the backing group.
func (s *Service) Speak(ctx context.Context, id string, req *SpeakRequest) (*SpeakResult, error) {
	rt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rt.Status != model.RoundTableOpen {
		return nil, model.E(model.CodeConflict, "round table %s is %s", id, rt.Status)
	}
	from := model.NormalizeAgentID(req.From)
	if !rt.CanView(from) {
		return nil, model.E(model.CodeForbiddenRole, "%s is not part of round table %s", from, id)
	}
	if req.Message == "" || len(req.Message) > model.MaxSpeakChars {
		return nil, model.E(model.CodeValidation, "message must be non-empty and at most %d characters", model.MaxSpeakChars)
	}
	if len(rt.Thread) >= model.MaxThreadLength {
		return nil, model.E(model.CodeConflict, "thread is full (%d entries)", model.MaxThreadLength)
	}

	entry := model.ThreadEntry{
		ID:        uuid.NewString(),
		From:      from,
		Message:   req.Message,
		Timestamp: time.Now().UTC(),
	}
	rt.Thread = append(rt.Thread, entry)
	if err := s.store.UpdateRoundTable(ctx, rt); err != nil {
		return nil, fmt.Errorf("update round table: %w", err)
	}

	body, _ := json.Marshal(map[string]any{
		"round_table_id": rt.ID,
		"entry_id":       entry.ID,
		"message":        req.Message,
	})
	if _, err := s.groups.Post(ctx, rt.GroupID, &group.PostRequest{
		From:    from,
		Subject: "Round Table: " + rt.Topic,
		Body:    body,
	}); err != nil {
		s.logger.Warn("round-table multicast failed",
			zap.String("round_table_id", rt.ID),
			zap.Error(err),
		)
	}
	return &SpeakResult{EntryID: entry.ID, ThreadLength: len(rt.Thread)}, nil
}

// Get returns the round table to its facilitator or a participant.
func (s *Service) Get(ctx context.Context, id, requester string) (*model.RoundTable, error) {
	rt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rt.CanView(model.NormalizeAgentID(requester)) {
		return nil, model.E(model.CodeForbiddenRole, "%s may not view round table %s", requester, id)
	}
	return rt, nil
}

// List returns round tables, optionally filtered by status.
func (s *Service) List(ctx context.Context, f storage.RoundTableFilter) ([]*model.RoundTable, error) {
	return s.store.ListRoundTables(ctx, f)
}

// ResolveRequest closes a deliberation with an outcome.
type ResolveRequest struct {
	Facilitator string `json:"facilitator" binding:"required"`
	Outcome     string `json:"outcome" binding:"required"`
	Decision    string `json:"decision"`
}

// Resolve marks the round table resolved, multicasts the resolution, and
// tears down the backing group. Facilitator only; open tables only.
func (s *Service) Resolve(ctx context.Context, id string, req *ResolveRequest) (*model.RoundTable, error) {
	rt, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.NormalizeAgentID(req.Facilitator) != rt.Facilitator {
		return nil, model.E(model.CodeForbiddenRole, "only the facilitator may resolve")
	}
	if rt.Status != model.RoundTableOpen {
		return nil, model.E(model.CodeConflict, "round table %s is already %s", id, rt.Status)
	}
	if req.Outcome == "" {
		return nil, model.E(model.CodeValidation, "outcome is required")
	}
	decision := req.Decision
	if decision == "" {
		decision = "approved"
	}

	now := time.Now().UTC()
	rt.Status = model.RoundTableResolved
	rt.Outcome = req.Outcome
	rt.Decision = decision
	rt.ResolvedAt = &now
	if err := s.store.UpdateRoundTable(ctx, rt); err != nil {
		return nil, fmt.Errorf("update round table: %w", err)
	}

	body, _ := json.Marshal(map[string]any{
		"round_table_id": rt.ID,
		"outcome":        rt.Outcome,
		"decision":       rt.Decision,
	})
	if _, err := s.groups.Post(ctx, rt.GroupID, &group.PostRequest{
		From:    rt.Facilitator,
		Subject: "Round Table resolved: " + rt.Topic,
		Body:    body,
	}); err != nil {
		s.logger.Warn("resolution multicast failed", zap.String("round_table_id", rt.ID), zap.Error(err))
	}
	if err := s.groups.ForceDelete(ctx, rt.GroupID); err != nil {
		s.logger.Warn("backing group teardown failed", zap.String("group_id", rt.GroupID), zap.Error(err))
	}

	s.logger.Info("round table resolved",
		zap.String("round_table_id", rt.ID),
		zap.String("decision", decision),
	)
	return rt, nil
}

// ExpireStale transitions open round tables past their deadline to
// expired, notifies everyone involved, and deletes the backing groups.
// Per-record failures are logged and the scan continues.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	open, err := s.store.ListRoundTables(ctx, storage.RoundTableFilter{Status: model.RoundTableOpen})
	if err != nil {
		return 0, fmt.Errorf("list open round tables: %w", err)
	}
	now := time.Now().UTC()
	expired := 0
	for _, rt := range open {
		if now.Before(rt.ExpiresAt) {
			continue
		}
		rt.Status = model.RoundTableExpired
		if err := s.store.UpdateRoundTable(ctx, rt); err != nil {
			s.logger.Warn("round-table expiry failed", zap.String("round_table_id", rt.ID), zap.Error(err))
			continue
		}
		expired++

		body, _ := json.Marshal(map[string]any{
			"round_table_id": rt.ID,
			"topic":          rt.Topic,
		})
		subject := "Round Table expired: " + rt.Topic
		s.notify(ctx, rt.Facilitator, rt.Facilitator, "notification", subject, body)
		for _, p := range rt.Participants {
			s.notify(ctx, rt.Facilitator, p, "notification", subject, body)
		}
		if err := s.groups.ForceDelete(ctx, rt.GroupID); err != nil {
			s.logger.Warn("backing group teardown failed", zap.String("group_id", rt.GroupID), zap.Error(err))
		}
	}
	return expired, nil
}

// PurgeStale drops terminal round tables older than the threshold.
func (s *Service) PurgeStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = PurgeAfter
	}
	n, err := s.store.PurgeRoundTables(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge round tables: %w", err)
	}
	return n, nil
}

// notify sends a single unsigned hub-attested envelope, logging failures.
func (s *Service) notify(ctx context.Context, from, to, typ, subject string, body json.RawMessage) {
	env := &envelope.Envelope{
		Version:   envelope.Version,
		ID:        uuid.NewString(),
		Type:      typ,
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		Timestamp: envelope.Now(),
	}
	if _, err := s.sender.Send(ctx, env, inbox.SendOptions{}); err != nil {
		s.logger.Warn("round-table notification failed",
			zap.String("to", to),
			zap.String("type", typ),
			zap.Error(err),
		)
	}
}

func (s *Service) load(ctx context.Context, id string) (*model.RoundTable, error) {
	rt, err := s.store.GetRoundTable(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "round table %s not found", id)
		}
		return nil, fmt.Errorf("get round table: %w", err)
	}
	return rt, nil
}
