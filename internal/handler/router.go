package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/admp-protocol/admp-hub/internal/auth"
)

// RouterOptions tune the HTTP surface.
type RouterOptions struct {
	CORSOrigins  []string
	RateLimitRPS int
	MaxBodyBytes int64
}

func (o *RouterOptions) withDefaults() {
	if len(o.CORSOrigins) == 0 {
		o.CORSOrigins = []string{"*"}
	}
	if o.MaxBodyBytes == 0 {
		o.MaxBodyBytes = 1 << 20
	}
}

// Handlers bundles every route handler the router mounts.
type Handlers struct {
	Agents      *AgentHandler
	Inbox       *InboxHandler
	Groups      *GroupHandler
	RoundTables *RoundTableHandler
	Keys        *KeyHandler
	Discovery   *DiscoveryHandler
	System      *SystemHandler
}

// NewRouter assembles the Gin engine: middleware stack, public discovery
// and health routes, and the authenticated API group.
func NewRouter(h Handlers, mw *auth.Middleware, opts RouterOptions, logger *zap.Logger) *gin.Engine {
	opts.withDefaults()

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(opts.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := opts.MaxBodyBytes
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if opts.RateLimitRPS > 0 {
		router.Use(RateLimiter(opts.RateLimitRPS, opts.RateLimitRPS*2))
	}

	router.Use(requestLogger(logger))
	router.Use(PrometheusMiddleware())

	// Public surface: liveness, metrics, key discovery.
	router.GET("/metrics", MetricsHandler())

	apiPublic := router.Group("/api")
	api := router.Group("/api", mw.RequireClient())
	master := mw.RequireMaster()

	h.System.Register(router, api)
	h.Discovery.Register(router, apiPublic)
	h.Agents.Register(api, master)
	h.Inbox.Register(api)
	h.Groups.Register(api)
	h.RoundTables.Register(api)
	h.Keys.Register(api, apiPublic, master)

	return router
}

// containsWildcard reports whether origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
