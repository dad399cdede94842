// Package auth guards the HTTP surface. Callers authenticate with either a
// raw API key or a short-lived bearer token minted from one; the master key
// opens the key-management routes.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/apikey"
	"github.com/admp-protocol/admp-hub/internal/identity"
	"github.com/admp-protocol/admp-hub/internal/model"
)

const ctxPrincipal = "admp_principal"

// Principal is the authenticated caller injected into the Gin context.
type Principal struct {
	ClientID string
	// AgentID is non-empty when the credential is pinned to one agent.
	AgentID string
	Master  bool
	// Anonymous marks requests admitted because auth is disabled.
	Anonymous bool
}

// ActsFor reports whether the principal may operate as the given agent.
// Unpinned credentials may act for any agent.
func (p *Principal) ActsFor(agentID string) bool {
	if p == nil {
		return false
	}
	if p.Master || p.Anonymous || p.AgentID == "" {
		return true
	}
	return model.NormalizeAgentID(p.AgentID) == model.NormalizeAgentID(agentID)
}

// Middleware authenticates requests against API keys and session tokens.
type Middleware struct {
	keys      *apikey.Service
	tokens    *identity.TokenIssuer
	masterKey string
	required  bool
	logger    *zap.Logger
}

// NewMiddleware builds the middleware. When required is false, requests
// without credentials pass through as anonymous.
func NewMiddleware(keys *apikey.Service, tokens *identity.TokenIssuer, masterKey string, required bool, logger *zap.Logger) *Middleware {
	return &Middleware{
		keys:      keys,
		tokens:    tokens,
		masterKey: masterKey,
		required:  required,
		logger:    logger,
	}
}

// RequireClient admits API keys, session tokens, and the master key.
func (m *Middleware) RequireClient() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := bearer(c)
		if cred == "" {
			if m.required {
				abort(c, http.StatusUnauthorized, "API key or bearer token required")
				return
			}
			c.Set(ctxPrincipal, &Principal{Anonymous: true})
			c.Next()
			return
		}

		p, err := m.authenticate(c, cred)
		if err != nil {
			m.logger.Debug("authentication rejected",
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
			abort(c, http.StatusUnauthorized, "invalid credentials")
			return
		}
		c.Set(ctxPrincipal, p)
		c.Next()
	}
}

// RequireMaster admits only the master key. Key management stays closed
// even when API_KEY_REQUIRED is off.
func (m *Middleware) RequireMaster() gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := bearer(c)
		if m.masterKey == "" || cred != m.masterKey {
			abort(c, http.StatusForbidden, "master key required")
			return
		}
		c.Set(ctxPrincipal, &Principal{ClientID: "master", Master: true})
		c.Next()
	}
}

func (m *Middleware) authenticate(c *gin.Context, cred string) (*Principal, error) {
	if m.masterKey != "" && cred == m.masterKey {
		return &Principal{ClientID: "master", Master: true}, nil
	}
	if strings.HasPrefix(cred, apikey.Prefix) {
		k, err := m.keys.Verify(c.Request.Context(), cred)
		if err != nil {
			return nil, err
		}
		return &Principal{ClientID: k.ClientID, AgentID: k.TargetAgentID}, nil
	}
	claims, err := m.tokens.Verify(cred)
	if err != nil {
		return nil, err
	}
	return &Principal{ClientID: claims.ClientID, AgentID: claims.AgentID}, nil
}

// FromContext retrieves the principal injected by RequireClient.
func FromContext(c *gin.Context) *Principal {
	v, _ := c.Get(ctxPrincipal)
	p, _ := v.(*Principal)
	return p
}

func bearer(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// X-API-Key is accepted for clients that cannot set Authorization.
	return c.GetHeader("X-API-Key")
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": msg,
		"code":  string(model.CodeUnauthorized),
	})
}
