package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/model"
)

// statusFor maps service error codes to HTTP statuses.
func statusFor(code model.Code) int {
	switch code {
	case model.CodeValidation, model.CodeInvalidTimestamp, model.CodeMissingTenant:
		return http.StatusBadRequest
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeInvalidSignature, model.CodePolicyDenied, model.CodeNotOwner, model.CodeForbiddenRole:
		return http.StatusForbidden
	case model.CodeNotFound, model.CodeRecipientNotFound:
		return http.StatusNotFound
	case model.CodeAgentExists, model.CodeConflict, model.CodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error response for a failed service call. Codes
// the service did not classify are reported as opaque 500s.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	code := model.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error", "code": string(model.CodeStorage)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}

// badRequest reports a body-binding failure.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"code":  string(model.CodeValidation),
	})
}

// forbiddenFor rejects a caller whose credential is pinned to another agent.
func forbiddenFor(c *gin.Context, agentID string) {
	c.JSON(http.StatusForbidden, gin.H{
		"error": "credential is not valid for agent " + agentID,
		"code":  string(model.CodePolicyDenied),
	})
}
