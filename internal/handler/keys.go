package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/apikey"
	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/internal/model"
)

// KeyHandler serves API-key management and the token exchange.
type KeyHandler struct {
	keys   *apikey.Service
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewKeyHandler creates a KeyHandler.
func NewKeyHandler(keys *apikey.Service, tokens *identity.TokenIssuer, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, tokens: tokens, logger: logger}
}

// Register mounts the key-management routes behind the master guard. The
// token exchange goes on the public group: its credential is the API key
// in the request body, not a header.
func (h *KeyHandler) Register(rg, public *gin.RouterGroup, master gin.HandlerFunc) {
	keys := rg.Group("/keys", master)
	{
		keys.POST("/issue", h.Issue)
		keys.GET("", h.List)
		keys.DELETE("/:kid", h.Revoke)
	}
	public.POST("/auth/token", h.ExchangeToken)
}

// Issue handles POST /keys/issue. The raw key appears in this response and
// never again.
func (h *KeyHandler) Issue(c *gin.Context) {
	var req apikey.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := h.keys.Issue(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// List handles GET /keys.
func (h *KeyHandler) List(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// Revoke handles DELETE /keys/:kid.
func (h *KeyHandler) Revoke(c *gin.Context) {
	if err := h.keys.Revoke(c.Request.Context(), c.Param("kid")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExchangeToken handles POST /auth/token: a valid API key buys a
// short-lived session JWT carrying the key's client id and agent pin.
func (h *KeyHandler) ExchangeToken(c *gin.Context) {
	var req struct {
		APIKey string `json:"api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	k, err := h.keys.Verify(c.Request.Context(), req.APIKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "invalid api key",
			"code":  string(model.CodeUnauthorized),
		})
		return
	}
	token, err := h.tokens.Issue(k.ClientID, k.TargetAgentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokens.TTL().Seconds()),
	})
}
