package handler

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/agent"
	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

// DiscoveryHandler serves the public key-discovery documents: a JWKS-shaped
// directory of all approved agents and per-agent DID documents.
type DiscoveryHandler struct {
	svc    *agent.Service
	logger *zap.Logger
}

// NewDiscoveryHandler creates a DiscoveryHandler.
func NewDiscoveryHandler(svc *agent.Service, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{svc: svc, logger: logger}
}

// Register mounts the discovery routes. The JWKS document is mounted on the
// engine root since it lives under /.well-known, outside the API group.
func (h *DiscoveryHandler) Register(r *gin.Engine, api *gin.RouterGroup) {
	r.GET("/.well-known/agent-keys.json", h.AgentKeys)
	api.GET("/agents/:id/did.json", h.DIDDocument)
}

// jwk is one JWKS entry. Ed25519 keys use the OKP key type.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// AgentKeys handles GET /.well-known/agent-keys.json: every verification
// key of every approved agent, active and overlap keys alike.
func (h *DiscoveryHandler) AgentKeys(c *gin.Context) {
	agents, err := h.svc.List(c.Request.Context(), storage.AgentFilter{
		Status: model.RegistrationApproved,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	keys := make([]jwk, 0, len(agents))
	for _, a := range agents {
		records := a.Keys
		if len(records) == 0 && a.PublicKey != "" {
			records = []model.KeyRecord{{Version: a.KeyVersion, PublicKey: a.PublicKey, Active: true}}
		}
		for _, k := range records {
			x, err := jwkX(k.PublicKey)
			if err != nil {
				h.logger.Warn("skipping unparseable public key",
					zap.String("agent_id", a.ID),
					zap.Int("version", k.Version),
					zap.Error(err),
				)
				continue
			}
			keys = append(keys, jwk{
				Kty: "OKP",
				Crv: "Ed25519",
				X:   x,
				Kid: fmt.Sprintf("%s#v%d", a.ID, k.Version),
				Use: "sig",
				Alg: "EdDSA",
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// DIDDocument handles GET /agents/:id/did.json: a W3C DID document listing
// the agent's Ed25519 verification methods.
func (h *DiscoveryHandler) DIDDocument(c *gin.Context) {
	a, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if a.DID == "" {
		respondError(c, h.logger, model.E(model.CodeNotFound, "agent %s has no DID", a.ID))
		return
	}

	records := a.Keys
	if len(records) == 0 && a.PublicKey != "" {
		records = []model.KeyRecord{{Version: a.KeyVersion, PublicKey: a.PublicKey, Active: true}}
	}

	methods := make([]gin.H, 0, len(records))
	methodIDs := make([]string, 0, len(records))
	for _, k := range records {
		x, err := jwkX(k.PublicKey)
		if err != nil {
			continue
		}
		mid := fmt.Sprintf("%s#key-%d", a.DID, k.Version)
		methods = append(methods, gin.H{
			"id":         mid,
			"type":       "JsonWebKey2020",
			"controller": a.DID,
			"publicKeyJwk": jwk{
				Kty: "OKP",
				Crv: "Ed25519",
				X:   x,
				Kid: fmt.Sprintf("v%d", k.Version),
				Use: "sig",
				Alg: "EdDSA",
			},
		})
		methodIDs = append(methodIDs, mid)
	}

	c.JSON(http.StatusOK, gin.H{
		"@context": []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/jws-2020/v1",
		},
		"id":                 a.DID,
		"verificationMethod": methods,
		"authentication":     methodIDs,
		"assertionMethod":    methodIDs,
	})
}

// jwkX converts a stored base64 key to the JWK base64url form.
func jwkX(pubB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(pubB64)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
