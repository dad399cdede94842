// Package group implements named multicast groups: role-based membership,
// three join modes, and post fanout with per-recipient envelope identity
// and a deduplicated history.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/admp-protocol/admp-hub/internal/inbox"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// DefaultMaxMembers caps membership when the creator does not set one.
const DefaultMaxMembers = 100

// Store is the storage surface the service needs.
type Store interface {
	CreateGroup(ctx context.Context, g *model.Group) error
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	UpdateGroup(ctx context.Context, g *model.Group) error
	DeleteGroup(ctx context.Context, id string) error
	ListGroups(ctx context.Context) ([]*model.Group, error)
	AppendGroupMessage(ctx context.Context, gm *model.GroupMessage) (bool, error)
	ListGroupMessages(ctx context.Context, groupID string, limit int, since time.Time) ([]*model.GroupMessage, error)
	PurgeGroupMessages(ctx context.Context, groupID string, before time.Time) (int, error)
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
}

// Sender delivers fanout envelopes to member inboxes.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope, opts inbox.SendOptions) (*inbox.SendResult, error)
}

// Service is the group service.
type Service struct {
	store  Store
	sender Sender
	logger *zap.Logger
}

// NewService creates the group service.
func NewService(store Store, sender Sender, logger *zap.Logger) *Service {
	return &Service{store: store, sender: sender, logger: logger}
}

// CreateRequest describes a group to create.
type CreateRequest struct {
	GroupID    string                `json:"group_id"`
	Name       string                `json:"name" binding:"required"`
	CreatedBy  string                `json:"created_by" binding:"required"`
	AccessType model.GroupAccessType `json:"access_type"`
	JoinKey    string                `json:"join_key"` // key-protected only; stored as bcrypt hash
	Settings   model.GroupSettings   `json:"settings"`
}

// Create makes a group with the creator as its owner.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*model.Group, error) {
	if req.Name == "" {
		return nil, model.E(model.CodeValidation, "group name is required")
	}
	creator := model.NormalizeAgentID(req.CreatedBy)
	if creator == "" {
		return nil, model.E(model.CodeValidation, "created_by is required")
	}
	if _, err := s.store.GetAgent(ctx, creator); err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "creator %s not found", creator)
		}
		return nil, fmt.Errorf("resolve creator: %w", err)
	}

	accessType := req.AccessType
	if accessType == "" {
		accessType = model.AccessOpen
	}
	access := model.GroupAccess{Type: accessType}
	if accessType == model.AccessKeyProtected {
		if req.JoinKey == "" {
			return nil, model.E(model.CodeValidation, "key-protected groups require a join_key")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(req.JoinKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash join key: %w", err)
		}
		access.JoinKeyHash = string(hash)
	}

	settings := req.Settings
	if settings.MaxMembers <= 0 {
		settings.MaxMembers = DefaultMaxMembers
	}

	groupID := model.NormalizeGroupID(req.GroupID)
	if groupID == "" {
		groupID = "group://" + uuid.NewString()
	}

	now := time.Now().UTC()
	g := &model.Group{
		ID:        groupID,
		Name:      req.Name,
		CreatedBy: creator,
		Access:    access,
		Settings:  settings,
		Members:   []model.GroupMember{{AgentID: creator, Role: model.RoleOwner, JoinedAt: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateGroup(ctx, g); err != nil {
		if err == storage.ErrDuplicate {
			return nil, model.E(model.CodeConflict, "group %s already exists", groupID)
		}
		return nil, fmt.Errorf("store group: %w", err)
	}
	s.logger.Info("group created",
		zap.String("group_id", g.ID),
		zap.String("owner", creator),
		zap.String("access", string(accessType)),
	)
	return g.View(), nil
}

// Get returns a group view.
func (s *Service) Get(ctx context.Context, id string) (*model.Group, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.View(), nil
}

// List returns all live groups.
func (s *Service) List(ctx context.Context) ([]*model.Group, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	out := make([]*model.Group, len(groups))
	for i, g := range groups {
		out[i] = g.View()
	}
	return out, nil
}

// UpdateRequest carries the mutable group fields. Access type is immutable
// after creation.
type UpdateRequest struct {
	Name     string               `json:"name"`
	Settings *model.GroupSettings `json:"settings"`
}

// Update renames a group or adjusts its settings. Owner or admin only.
func (s *Service) Update(ctx context.Context, id, actor string, req *UpdateRequest) (*model.Group, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(g, actor, model.GroupRole.CanManageMembers); err != nil {
		return nil, err
	}
	if req.Name != "" {
		g.Name = req.Name
	}
	if req.Settings != nil {
		if req.Settings.MaxMembers > 0 {
			if req.Settings.MaxMembers < len(g.Members) {
				return nil, model.E(model.CodeValidation, "max_members %d below current membership %d", req.Settings.MaxMembers, len(g.Members))
			}
			g.Settings.MaxMembers = req.Settings.MaxMembers
		}
		if req.Settings.MessageTTLSec > 0 {
			g.Settings.MessageTTLSec = req.Settings.MessageTTLSec
		}
		if req.Settings.HistoryRetentionSec > 0 {
			g.Settings.HistoryRetentionSec = req.Settings.HistoryRetentionSec
		}
	}
	g.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g.View(), nil
}

// Delete removes a group and its history. Owner only.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	g, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if model.NormalizeAgentID(actor) != g.Owner() {
		return model.E(model.CodeForbiddenRole, "only the owner may delete the group")
	}
	if err := s.store.DeleteGroup(ctx, g.ID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	s.logger.Info("group deleted", zap.String("group_id", g.ID))
	return nil
}

// ForceDelete removes a group without a permission check. Reserved for
// internal callers that own the group lifecycle (round tables).
func (s *Service) ForceDelete(ctx context.Context, id string) error {
	if err := s.store.DeleteGroup(ctx, model.NormalizeGroupID(id)); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// Members lists a group's membership.
func (s *Service) Members(ctx context.Context, id string) ([]model.GroupMember, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

// AddMember enrolls an agent. Actor must be owner or admin; the agent must
// exist and the group must have room.
func (s *Service) AddMember(ctx context.Context, id, actor, agentID string, role model.GroupRole) (*model.Group, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireRole(g, actor, model.GroupRole.CanManageMembers); err != nil {
		return nil, err
	}
	if role == "" {
		role = model.RoleMember
	}
	if role == model.RoleOwner {
		return nil, model.E(model.CodeValidation, "ownership is transferred by promote, not add")
	}
	if err := s.enroll(ctx, g, agentID, role); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g.View(), nil
}

// RemoveMember drops an agent from the group. The owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, id, actor, agentID string) (*model.Group, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	agentID = model.NormalizeAgentID(agentID)
	actorID := model.NormalizeAgentID(actor)
	// Members may remove themselves; otherwise owner/admin only.
	if actorID != agentID {
		if err := s.requireRole(g, actor, model.GroupRole.CanManageMembers); err != nil {
			return nil, err
		}
	}
	m, ok := g.Member(agentID)
	if !ok {
		return nil, model.E(model.CodeNotFound, "%s is not a member of %s", agentID, g.ID)
	}
	if m.Role == model.RoleOwner {
		return nil, model.E(model.CodeForbiddenRole, "the owner cannot be removed without an ownership transfer")
	}
	kept := g.Members[:0]
	for _, gm := range g.Members {
		if gm.AgentID != agentID {
			kept = append(kept, gm)
		}
	}
	g.Members = kept
	g.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g.View(), nil
}

// Join enrolls the caller subject to the group's access type: self-service
// for open, invitation-only for invite-only, and key-checked for
// key-protected.
func (s *Service) Join(ctx context.Context, id, agentID, joinKey string) (*model.Group, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch g.Access.Type {
	case model.AccessOpen:
	case model.AccessInviteOnly:
		return nil, model.E(model.CodePolicyDenied, "group %s is invite-only", g.ID)
	case model.AccessKeyProtected:
		if bcrypt.CompareHashAndPassword([]byte(g.Access.JoinKeyHash), []byte(joinKey)) != nil {
			return nil, model.E(model.CodePolicyDenied, "wrong join key for %s", g.ID)
		}
	}
	if err := s.enroll(ctx, g, agentID, model.RoleMember); err != nil {
		return nil, err
	}
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g.View(), nil
}

// Leave removes the caller. The owner may not leave without a transfer.
func (s *Service) Leave(ctx context.Context, id, agentID string) error {
	_, err := s.RemoveMember(ctx, id, agentID, agentID)
	return err
}

// PromoteOwner transfers ownership from the current owner to another
// member, demoting the previous owner to admin.
func (s *Service) PromoteOwner(ctx context.Context, id, actor, agentID string) (*model.Group, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	actorID := model.NormalizeAgentID(actor)
	if actorID != g.Owner() {
		return nil, model.E(model.CodeForbiddenRole, "only the owner may transfer ownership")
	}
	agentID = model.NormalizeAgentID(agentID)
	target, ok := g.Member(agentID)
	if !ok {
		return nil, model.E(model.CodeNotFound, "%s is not a member of %s", agentID, g.ID)
	}
	for i := range g.Members {
		if g.Members[i].Role == model.RoleOwner {
			g.Members[i].Role = model.RoleAdmin
		}
	}
	target.Role = model.RoleOwner
	g.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g.View(), nil
}

// PostRequest is a group post.
type PostRequest struct {
	From          string          `json:"from" binding:"required"`
	Subject       string          `json:"subject"`
	Body          json.RawMessage `json:"body" binding:"required"`
	CorrelationID string          `json:"correlation_id"`
}

// PostResult summarizes a fanout.
type PostResult struct {
	GroupMessageID string   `json:"group_message_id"`
	Delivered      int      `json:"delivered"`
	Failed         []string `json:"failed,omitempty"`
}

// Post fans a message out to every member except the sender. One history
// entry is written per post regardless of membership size; each recipient
// gets a distinct envelope id sharing the post's group_message_id.
// Per-recipient failures are logged, not fatal.
func (s *Service) Post(ctx context.Context, id string, req *PostRequest) (*PostResult, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	sender := model.NormalizeAgentID(req.From)
	if _, ok := g.Member(sender); !ok {
		return nil, model.E(model.CodeForbiddenRole, "%s is not a member of %s", sender, g.ID)
	}
	if len(req.Body) == 0 {
		return nil, model.E(model.CodeValidation, "post body is required")
	}

	now := time.Now().UTC()
	gmID := "gm-" + uuid.NewString()
	if _, err := s.store.AppendGroupMessage(ctx, &model.GroupMessage{
		GroupID:        g.ID,
		GroupMessageID: gmID,
		Sender:         sender,
		Subject:        req.Subject,
		Body:           req.Body,
		CorrelationID:  req.CorrelationID,
		Timestamp:      now,
	}); err != nil {
		return nil, fmt.Errorf("append history: %w", err)
	}

	res := &PostResult{GroupMessageID: gmID}
	for _, m := range g.Members {
		if m.AgentID == sender {
			continue
		}
		env := &envelope.Envelope{
			Version:       envelope.Version,
			ID:            uuid.NewString(),
			Type:          "group.message",
			From:          sender,
			To:            m.AgentID,
			Subject:       req.Subject,
			Body:          req.Body,
			Timestamp:     now.Format(time.RFC3339),
			CorrelationID: req.CorrelationID,
			TTLSec:        envelope.TTL(g.Settings.MessageTTLSec),
		}
		_, err := s.sender.Send(ctx, env, inbox.SendOptions{GroupMessageID: gmID})
		if err != nil {
			s.logger.Warn("group fanout delivery failed",
				zap.String("group_id", g.ID),
				zap.String("recipient", m.AgentID),
				zap.Error(err),
			)
			res.Failed = append(res.Failed, m.AgentID)
			continue
		}
		res.Delivered++
	}
	return res, nil
}

// History returns the group's deduplicated history newest-first. Members
// only.
func (s *Service) History(ctx context.Context, id, requester string, limit int, since time.Time) ([]*model.GroupMessage, error) {
	g, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Member(model.NormalizeAgentID(requester)); !ok {
		return nil, model.E(model.CodeForbiddenRole, "%s is not a member of %s", requester, g.ID)
	}
	entries, err := s.store.ListGroupMessages(ctx, g.ID, limit, since)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}

// PurgeHistory sweeps history entries past each group's retention. Groups
// without a retention setting are skipped. Returns the purged count.
func (s *Service) PurgeHistory(ctx context.Context) (int, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return 0, fmt.Errorf("list groups: %w", err)
	}
	now := time.Now().UTC()
	purged := 0
	for _, g := range groups {
		if g.Settings.HistoryRetentionSec <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(g.Settings.HistoryRetentionSec) * time.Second)
		n, err := s.store.PurgeGroupMessages(ctx, g.ID, cutoff)
		if err != nil {
			s.logger.Warn("history purge failed", zap.String("group_id", g.ID), zap.Error(err))
			continue
		}
		purged += n
	}
	return purged, nil
}

// enroll appends a member after existence, duplication, and capacity
// checks. The caller persists the group.
func (s *Service) enroll(ctx context.Context, g *model.Group, agentID string, role model.GroupRole) error {
	agentID = model.NormalizeAgentID(agentID)
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if err == storage.ErrNotFound {
			return model.E(model.CodeNotFound, "agent %s not found", agentID)
		}
		return fmt.Errorf("resolve agent: %w", err)
	}
	if _, ok := g.Member(agentID); ok {
		return model.E(model.CodeConflict, "%s is already a member of %s", agentID, g.ID)
	}
	if len(g.Members) >= g.Settings.MaxMembers {
		return model.E(model.CodePolicyDenied, "group %s is full", g.ID)
	}
	g.Members = append(g.Members, model.GroupMember{
		AgentID:  agentID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
	})
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Service) requireRole(g *model.Group, actor string, allowed func(model.GroupRole) bool) error {
	m, ok := g.Member(model.NormalizeAgentID(actor))
	if !ok {
		return model.E(model.CodeForbiddenRole, "%s is not a member of %s", actor, g.ID)
	}
	if !allowed(m.Role) {
		return model.E(model.CodeForbiddenRole, "role %s may not perform this operation", m.Role)
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*model.Group, error) {
	id = model.NormalizeGroupID(id)
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, model.E(model.CodeNotFound, "group %s not found", id)
		}
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}
