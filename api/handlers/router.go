package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/agentrelay/internal/logger"
)

// Routes groups the handlers mounted by NewRouter. Nil handlers are skipped.
type Routes struct {
	Sessions  *SessionHandler
	Approvals *ApprovalHandler
	Diffs     *DiffHandler
	Socket    *WebSocketHandler
}

// NewRouter builds the gin engine serving the REST API and the socket.
func NewRouter(routes Routes, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(middleware...)
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	if routes.Sessions != nil {
		routes.Sessions.RegisterRoutes(api)
	}
	if routes.Approvals != nil {
		routes.Approvals.RegisterRoutes(api)
	}
	if routes.Diffs != nil {
		routes.Diffs.RegisterRoutes(api)
	}
	if routes.Socket != nil {
		routes.Socket.RegisterRoutes(r)
	}
	return r
}

// corsMiddleware returns a CORS middleware for browser clients served from
// another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestLogger logs one line per request. The socket route is logged by
// the socket handler instead.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	log = logger.OrDefault(log).With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/ws" {
			return
		}
		log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
