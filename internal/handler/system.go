package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/model"
	"github.com/admp-protocol/admp-hub/internal/storage"
)

// SystemHandler serves health and hub-wide statistics.
type SystemHandler struct {
	store   storage.Store
	logger  *zap.Logger
	started time.Time
	version string
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(store storage.Store, version string, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		store:   store,
		logger:  logger,
		started: time.Now().UTC(),
		version: version,
	}
}

// Register mounts /health on the engine root and /stats on the API group.
func (h *SystemHandler) Register(r *gin.Engine, api *gin.RouterGroup) {
	r.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
}

// Health handles GET /health: liveness plus a storage ping.
func (h *SystemHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	storageStatus := "ok"
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("storage ping failed", zap.Error(err))
		status = "degraded"
		storageStatus = err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"storage":    storageStatus,
		"version":    h.version,
		"uptime_sec": int64(time.Since(h.started).Seconds()),
	})
}

// Stats handles GET /api/stats: entity counts and message status breakdown.
// The Prometheus gauges are refreshed as a side effect so scrapes between
// sweeps stay roughly current.
func (h *SystemHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	agents, err := h.store.ListAgents(ctx, storage.AgentFilter{})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	msgs, err := h.store.ListMessages(ctx, storage.MessageFilter{})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	groups, err := h.store.ListGroups(ctx)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	tables, err := h.store.ListRoundTables(ctx, storage.RoundTableFilter{})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	byHeartbeat := map[model.HeartbeatStatus]int{}
	for _, a := range agents {
		byHeartbeat[a.Heartbeat.Status]++
	}
	byStatus := map[model.MessageStatus]int{}
	for _, m := range msgs {
		byStatus[m.Status]++
	}

	for status, n := range byHeartbeat {
		SetAgentsGauge(string(status), float64(n))
	}
	for status, n := range byStatus {
		SetMessagesGauge(string(status), float64(n))
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": gin.H{
			"total":        len(agents),
			"by_heartbeat": byHeartbeat,
		},
		"messages": gin.H{
			"total":     len(msgs),
			"by_status": byStatus,
		},
		"groups":       gin.H{"total": len(groups)},
		"round_tables": gin.H{"total": len(tables)},
	})
}
