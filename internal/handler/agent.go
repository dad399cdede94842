package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/agent"
	"github.com/admp-protocol/admp-hub/internal/auth"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

// AgentHandler serves the agent registry routes.
type AgentHandler struct {
	svc    *agent.Service
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(svc *agent.Service, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, logger: logger}
}

// Register mounts the agent routes. master guards the admission routes.
func (h *AgentHandler) Register(rg *gin.RouterGroup, master gin.HandlerFunc) {
	agents := rg.Group("/agents")
	{
		agents.POST("/register", h.RegisterAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:id", h.GetAgent)
		agents.DELETE("/:id", h.DeregisterAgent)
		agents.POST("/:id/heartbeat", h.Heartbeat)
		agents.POST("/:id/approve", master, h.ApproveAgent)
		agents.POST("/:id/reject", master, h.RejectAgent)
		agents.POST("/:id/rotate-key", h.RotateKey)

		agents.GET("/:id/trusted", h.ListTrusted)
		agents.POST("/:id/trusted", h.AddTrusted)
		agents.DELETE("/:id/trusted/:other", h.RemoveTrusted)
		agents.POST("/:id/blocked", h.BlockAgent)
		agents.DELETE("/:id/blocked/:other", h.UnblockAgent)

		agents.GET("/:id/webhook", h.GetWebhook)
		agents.POST("/:id/webhook", h.SetWebhook)
		agents.DELETE("/:id/webhook", h.RemoveWebhook)
	}
}

// actorAllowed enforces the credential's agent pin on agent-scoped routes.
func actorAllowed(c *gin.Context, agentID string) bool {
	p := auth.FromContext(c)
	if p == nil {
		// Route group without RequireClient; nothing to enforce.
		return true
	}
	if !p.ActsFor(agentID) {
		forbiddenFor(c, agentID)
		return false
	}
	return true
}

// RegisterAgent handles POST /agents/register.
func (h *AgentHandler) RegisterAgent(c *gin.Context) {
	var req agent.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := h.svc.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent":          resp.Agent.View(),
		"private_key":    resp.PrivateKey,
		"webhook_secret": resp.WebhookSecret,
	})
}

// ListAgents handles GET /agents with optional status filters.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	f := storage.AgentFilter{
		Status:    model.RegistrationStatus(c.Query("status")),
		Heartbeat: model.HeartbeatStatus(c.Query("heartbeat")),
	}
	agents, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	views := make([]*model.Agent, 0, len(agents))
	for _, a := range agents {
		views = append(views, a.View())
	}
	c.JSON(http.StatusOK, gin.H{"agents": views, "count": len(views)})
}

// GetAgent handles GET /agents/:id.
func (h *AgentHandler) GetAgent(c *gin.Context) {
	a, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a.View())
}

// DeregisterAgent handles DELETE /agents/:id.
func (h *AgentHandler) DeregisterAgent(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	if err := h.svc.Deregister(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deregistered": model.NormalizeAgentID(id)})
}

// Heartbeat handles POST /agents/:id/heartbeat.
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	a, err := h.svc.Heartbeat(c.Request.Context(), id, req.Metadata)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":    a.ID,
		"status":      a.Heartbeat.Status,
		"interval_ms": a.Heartbeat.IntervalMS,
	})
}

// ApproveAgent handles POST /agents/:id/approve (master only).
func (h *AgentHandler) ApproveAgent(c *gin.Context) {
	a, err := h.svc.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a.View())
}

// RejectAgent handles POST /agents/:id/reject (master only).
func (h *AgentHandler) RejectAgent(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	a, err := h.svc.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a.View())
}

// RotateKey handles POST /agents/:id/rotate-key (seed mode only).
func (h *AgentHandler) RotateKey(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		Seed     string `json:"seed" binding:"required"`
		TenantID string `json:"tenant_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := h.svc.RotateKey(c.Request.Context(), id, req.Seed, req.TenantID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": resp.Agent.View()})
}

// ListTrusted handles GET /agents/:id/trusted.
func (h *AgentHandler) ListTrusted(c *gin.Context) {
	trusted, err := h.svc.ListTrusted(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trusted_agents": trusted})
}

// AddTrusted handles POST /agents/:id/trusted.
func (h *AgentHandler) AddTrusted(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.AddTrustedAgent(c.Request.Context(), id, req.AgentID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trusted": model.NormalizeAgentID(req.AgentID)})
}

// RemoveTrusted handles DELETE /agents/:id/trusted/:other.
func (h *AgentHandler) RemoveTrusted(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	if err := h.svc.RemoveTrustedAgent(c.Request.Context(), id, c.Param("other")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BlockAgent handles POST /agents/:id/blocked.
func (h *AgentHandler) BlockAgent(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.BlockAgent(c.Request.Context(), id, req.AgentID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": model.NormalizeAgentID(req.AgentID)})
}

// UnblockAgent handles DELETE /agents/:id/blocked/:other.
func (h *AgentHandler) UnblockAgent(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	if err := h.svc.UnblockAgent(c.Request.Context(), id, c.Param("other")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetWebhook handles GET /agents/:id/webhook.
func (h *AgentHandler) GetWebhook(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	cfg, err := h.svc.GetWebhookConfig(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetWebhook handles POST /agents/:id/webhook. The generated secret is
// returned once when the caller did not supply one.
func (h *AgentHandler) SetWebhook(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		URL    string `json:"url" binding:"required"`
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	secret, err := h.svc.ConfigureWebhook(c.Request.Context(), id, req.URL, req.Secret)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	resp := gin.H{"url": req.URL, "configured": true}
	if secret != "" {
		resp["secret"] = secret
	}
	c.JSON(http.StatusOK, resp)
}

// RemoveWebhook handles DELETE /agents/:id/webhook.
func (h *AgentHandler) RemoveWebhook(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	if err := h.svc.RemoveWebhook(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
