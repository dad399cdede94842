package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/roundtable"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

// RoundTableHandler serves the deliberation routes.
type RoundTableHandler struct {
	svc    *roundtable.Service
	logger *zap.Logger
}

// NewRoundTableHandler creates a RoundTableHandler.
func NewRoundTableHandler(svc *roundtable.Service, logger *zap.Logger) *RoundTableHandler {
	return &RoundTableHandler{svc: svc, logger: logger}
}

// Register mounts the round-table routes.
func (h *RoundTableHandler) Register(rg *gin.RouterGroup) {
	tables := rg.Group("/round-tables")
	{
		tables.POST("", h.Create)
		tables.GET("", h.List)
		tables.GET("/:id", h.Get)
		tables.POST("/:id/speak", h.Speak)
		tables.POST("/:id/resolve", h.Resolve)
	}
}

// Create handles POST /round-tables.
func (h *RoundTableHandler) Create(c *gin.Context) {
	var req roundtable.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.Facilitator) {
		return
	}
	res, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// List handles GET /round-tables with optional status and participant
// filters.
func (h *RoundTableHandler) List(c *gin.Context) {
	f := storage.RoundTableFilter{
		Status:      model.RoundTableStatus(c.Query("status")),
		Participant: model.NormalizeAgentID(c.Query("participant")),
	}
	tables, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"round_tables": tables, "count": len(tables)})
}

// Get handles GET /round-tables/:id. Facilitator and participants only;
// the requester comes from the agent_id query parameter.
func (h *RoundTableHandler) Get(c *gin.Context) {
	requester := c.Query("agent_id")
	if requester == "" {
		badRequest(c, model.E(model.CodeValidation, "agent_id query parameter is required"))
		return
	}
	if !actorAllowed(c, requester) {
		return
	}
	rt, err := h.svc.Get(c.Request.Context(), c.Param("id"), requester)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

// Speak handles POST /round-tables/:id/speak.
func (h *RoundTableHandler) Speak(c *gin.Context) {
	var req roundtable.SpeakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.From) {
		return
	}
	res, err := h.svc.Speak(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Resolve handles POST /round-tables/:id/resolve.
func (h *RoundTableHandler) Resolve(c *gin.Context) {
	var req roundtable.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !actorAllowed(c, req.Facilitator) {
		return
	}
	rt, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}
