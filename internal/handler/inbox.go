package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/inbox"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/pkg/envelope"
)

// InboxHandler serves message send, pull, and acknowledgement routes.
type InboxHandler struct {
	svc    *inbox.Service
	logger *zap.Logger
}

// NewInboxHandler creates an InboxHandler.
func NewInboxHandler(svc *inbox.Service, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{svc: svc, logger: logger}
}

// Register mounts the inbox routes.
func (h *InboxHandler) Register(rg *gin.RouterGroup) {
	agents := rg.Group("/agents/:id")
	{
		agents.POST("/messages", h.Send)
		agents.POST("/messages/:mid/ack", h.Ack)
		agents.POST("/messages/:mid/nack", h.Nack)
		agents.POST("/messages/:mid/reply", h.Reply)
		agents.POST("/inbox/pull", h.Pull)
		agents.GET("/inbox/stats", h.Stats)
		agents.POST("/inbox/reclaim", h.Reclaim)
	}
	rg.GET("/messages/:mid/status", h.Status)
}

// Send handles POST /agents/:id/messages. The body is a wire envelope; the
// path id names the recipient and must agree with the envelope's to field.
func (h *InboxHandler) Send(c *gin.Context) {
	var env envelope.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c, err)
		return
	}
	recipient := model.NormalizeAgentID(c.Param("id"))
	if env.To == "" {
		env.To = recipient
	} else if model.NormalizeAgentID(env.To) != recipient {
		badRequest(c, model.E(model.CodeValidation, "envelope to %q does not match path recipient %q", env.To, recipient))
		return
	}

	res, err := h.svc.Send(c.Request.Context(), &env, inbox.SendOptions{VerifySignature: true})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	RecordMessageSent()
	c.JSON(http.StatusCreated, res)
}

// Pull handles POST /agents/:id/inbox/pull: 200 with the leased record or
// 204 when the inbox is empty.
func (h *InboxHandler) Pull(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		VisibilityTimeout int64 `json:"visibility_timeout"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	rec, err := h.svc.Pull(c.Request.Context(), id, time.Duration(req.VisibilityTimeout)*time.Second)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if rec == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          rec.ID,
		"envelope":    rec.Envelope,
		"attempts":    rec.Attempts,
		"lease_until": rec.LeaseUntil,
	})
}

// Ack handles POST /agents/:id/messages/:mid/ack.
func (h *InboxHandler) Ack(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req struct {
		Result json.RawMessage `json:"result"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	rec, err := h.svc.Ack(c.Request.Context(), id, c.Param("mid"), req.Result)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec.StatusView())
}

// Nack handles POST /agents/:id/messages/:mid/nack.
func (h *InboxHandler) Nack(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var req inbox.NackRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	rec, err := h.svc.Nack(c.Request.Context(), id, c.Param("mid"), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rec.StatusView())
}

// Reply handles POST /agents/:id/messages/:mid/reply. The body is a partial
// envelope; from, to, and correlation are filled in from the original.
func (h *InboxHandler) Reply(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	var env envelope.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.Reply(c.Request.Context(), id, c.Param("mid"), &env)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Status handles GET /messages/:mid/status.
func (h *InboxHandler) Status(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("mid"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Stats handles GET /agents/:id/inbox/stats.
func (h *InboxHandler) Stats(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	st, err := h.svc.InboxStats(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Reclaim handles POST /agents/:id/inbox/reclaim: runs the lease-reclaim
// sweep on demand instead of waiting for the scheduler tick.
func (h *InboxHandler) Reclaim(c *gin.Context) {
	id := c.Param("id")
	if !actorAllowed(c, id) {
		return
	}
	n, err := h.svc.ReclaimExpiredLeases(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reclaimed": n})
}
