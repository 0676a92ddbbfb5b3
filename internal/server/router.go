package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"devicelink/internal/auth"
	"devicelink/internal/handler"
	"devicelink/internal/hub"
	"devicelink/internal/linking"
	"devicelink/internal/logx"
	"devicelink/internal/metrics"
	"devicelink/internal/middleware"
	"devicelink/internal/store"
)

type Deps struct {
	Repo        store.Repository
	Service     *linking.Service
	Hub         *hub.Hub
	Metrics     *metrics.Metrics
	TokenConfig auth.TokenConfig
	Logger      *slog.Logger

	// CreateLimiter throttles session creation per client IP. Defaults to
	// ten per minute.
	CreateLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	createLimiter := deps.CreateLimiter
	if createLimiter == nil {
		createLimiter = middleware.NewRateLimiter(10, time.Minute)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authHandler := &handler.AuthHandler{Repo: deps.Repo, TokenConfig: deps.TokenConfig}
	r.POST("/v1/auth", authHandler.Auth)

	linkHandler := &handler.LinkHandler{Service: deps.Service}
	eventsHandler := &handler.EventsHandler{Service: deps.Service, Hub: deps.Hub}
	requireAuth := middleware.RequireAuth(deps.TokenConfig, deps.Service)
	requirePrimary := middleware.RequirePrimary()

	link := r.Group("/v1/link")
	link.POST("/sessions", middleware.RateLimitMiddleware(createLimiter), linkHandler.Create)
	link.GET("/sessions/:token", linkHandler.Get)
	link.GET("/sessions/:token/events", eventsHandler.Serve)
	link.POST("/sessions/:token/reject", linkHandler.Reject)
	link.POST("/sessions/:token/claim", requireAuth, requirePrimary, linkHandler.Claim)
	link.POST("/sessions/:token/confirm", requireAuth, requirePrimary, linkHandler.Confirm)
	link.POST("/heartbeat", linkHandler.Heartbeat)

	deviceHandler := &handler.DeviceHandler{Service: deps.Service}
	devices := r.Group("/v1/devices")
	devices.Use(requireAuth)
	devices.GET("", deviceHandler.List)
	devices.DELETE("", requirePrimary, deviceHandler.RevokeAll)
	devices.DELETE("/:token", deviceHandler.Revoke)

	return r
}
