package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/group"
	"github.com/admp-protocol/admp-hub/internal/model"
)

// GroupHandler serves the group and group-history routes.
type GroupHandler struct {
	svc    *group.Service
	logger *zap.Logger
}

// NewGroupHandler creates a GroupHandler.
func NewGroupHandler(svc *group.Service, logger *zap.Logger) *GroupHandler {
	return &GroupHandler{svc: svc, logger: logger}
}

// Register mounts the group routes.
func (h *GroupHandler) Register(rg *gin.RouterGroup) {
	groups := rg.Group("/groups")
	{
		groups.POST("", h.Create)
		groups.GET("", h.List)
		groups.GET("/:gid", h.Get)
		groups.PUT("/:gid", h.Update)
		groups.DELETE("/:gid", h.Delete)

		groups.GET("/:gid/members", h.Members)
		groups.POST("/:gid/members", h.AddMember)
		groups.DELETE("/:gid/members/:aid", h.RemoveMember)
		groups.POST("/:gid/members/:aid/promote", h.Promote)
		groups.POST("/:gid/join", h.Join)
		groups.POST("/:gid/leave", h.Leave)

		groups.POST("/:gid/messages", h.Post)
		groups.GET("/:gid/messages", h.History)
	}
}

// Create handles POST /groups.
func (h *GroupHandler) Create(c *gin.Context) {
	var req group.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.CreatedBy) {
		return
	}
	g, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, g.View())
}

// List handles GET /groups.
func (h *GroupHandler) List(c *gin.Context) {
	groups, err := h.svc.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	views := make([]*model.Group, 0, len(groups))
	for _, g := range groups {
		views = append(views, g.View())
	}
	c.JSON(http.StatusOK, gin.H{"groups": views, "count": len(views)})
}

// Get handles GET /groups/:gid.
func (h *GroupHandler) Get(c *gin.Context) {
	g, err := h.svc.Get(c.Request.Context(), c.Param("gid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g.View())
}

// Update handles PUT /groups/:gid. The acting agent comes from the body.
func (h *GroupHandler) Update(c *gin.Context) {
	var req struct {
		Actor string `json:"agent_id" binding:"required"`
		group.UpdateRequest
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.Actor) {
		return
	}
	g, err := h.svc.Update(c.Request.Context(), c.Param("gid"), req.Actor, &req.UpdateRequest)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g.View())
}

// Delete handles DELETE /groups/:gid. Owner only; the acting agent comes
// from the agent_id query parameter.
func (h *GroupHandler) Delete(c *gin.Context) {
	actor := c.Query("agent_id")
	if actor == "" {
		badRequest(c, model.E(model.CodeValidation, "agent_id query parameter is required"))
		return
	}
	if !actorAllowed(c, actor) {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), c.Param("gid"), actor); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Members handles GET /groups/:gid/members.
func (h *GroupHandler) Members(c *gin.Context) {
	members, err := h.svc.Members(c.Request.Context(), c.Param("gid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}

// AddMember handles POST /groups/:gid/members.
func (h *GroupHandler) AddMember(c *gin.Context) {
	var req struct {
		Actor   string          `json:"actor" binding:"required"`
		AgentID string          `json:"agent_id" binding:"required"`
		Role    model.GroupRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.Actor) {
		return
	}
	g, err := h.svc.AddMember(c.Request.Context(), c.Param("gid"), req.Actor, req.AgentID, req.Role)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g.View())
}

// RemoveMember handles DELETE /groups/:gid/members/:aid. The acting agent
// comes from the agent_id query parameter and defaults to self-removal.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	target := c.Param("aid")
	actor := c.Query("agent_id")
	if actor == "" {
		actor = target
	}
	if !actorAllowed(c, actor) {
		return
	}
	g, err := h.svc.RemoveMember(c.Request.Context(), c.Param("gid"), actor, target)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g.View())
}

// Promote handles POST /groups/:gid/members/:aid/promote — ownership
// transfer from the current owner to :aid.
func (h *GroupHandler) Promote(c *gin.Context) {
	var req struct {
		Actor string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.Actor) {
		return
	}
	g, err := h.svc.PromoteOwner(c.Request.Context(), c.Param("gid"), req.Actor, c.Param("aid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g.View())
}

// Join handles POST /groups/:gid/join.
func (h *GroupHandler) Join(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
		JoinKey string `json:"join_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.AgentID) {
		return
	}
	g, err := h.svc.Join(c.Request.Context(), c.Param("gid"), req.AgentID, req.JoinKey)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g.View())
}

// Leave handles POST /groups/:gid/leave.
func (h *GroupHandler) Leave(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.AgentID) {
		return
	}
	if err := h.svc.Leave(c.Request.Context(), c.Param("gid"), req.AgentID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Post handles POST /groups/:gid/messages — fanout to all other members.
func (h *GroupHandler) Post(c *gin.Context) {
	var req group.PostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.From) {
		return
	}
	res, err := h.svc.Post(c.Request.Context(), c.Param("gid"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// History handles GET /groups/:gid/messages with optional limit and since.
func (h *GroupHandler) History(c *gin.Context) {
	requester := c.Query("agent_id")
	if requester == "" {
		badRequest(c, model.E(model.CodeValidation, "agent_id query parameter is required"))
		return
	}
	if !actorAllowed(c, requester) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, model.E(model.CodeValidation, "since must be RFC 3339: %v", err))
			return
		}
		since = t
	}
	msgs, err := h.svc.History(c.Request.Context(), c.Param("gid"), requester, limit, since)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}
