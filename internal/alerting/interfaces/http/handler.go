// Package http 告警服务 HTTP 接口：认证、订阅管理、行情入口、运维与推送握手
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/wyfcoding/pricealert/internal/alerting/application"
	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/session"
	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
	"github.com/wyfcoding/pricealert/pkg/middleware"
	"github.com/wyfcoding/pricealert/pkg/ratelimit"
)

// TickPublisher 行情入口的下游
type TickPublisher interface {
	PublishTick(ctx context.Context, tick domain.PriceTick) error
}

// Dependencies 路由所需的服务
type Dependencies struct {
	ServiceName    string
	Users          *application.UserService
	Subscriptions  *application.SubscriptionService
	Maintenance    *application.MaintenanceService
	Index          domain.RuleIndex
	Ingest         TickPublisher
	Sessions       *session.Registry
	SessionOptions session.Options
	Verifier       middleware.TokenVerifier
	AdminToken     string
	Limiter        ratelimit.RateLimiter
	RateLimit      config.RateLimitConfig
	Metrics        *metrics.Metrics
	MetricsPath    string
	// Ready 就绪检查，为空时始终就绪
	Ready func(ctx context.Context) error
}

// Handler HTTP 处理器
type Handler struct {
	deps     Dependencies
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// NewRouter 创建挂好中间件与路由的 gin 引擎
func NewRouter(deps Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
		middleware.GinMetricsMiddleware(deps.Metrics),
	)
	NewHandler(deps).RegisterRoutes(r)
	return r
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	sys := r.Group("/sys")
	{
		sys.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":    "UP",
				"service":   h.deps.ServiceName,
				"timestamp": time.Now().Unix(),
			})
		})
		sys.GET("/ready", func(c *gin.Context) {
			if h.deps.Ready != nil {
				if err := h.deps.Ready(c.Request.Context()); err != nil {
					c.JSON(http.StatusServiceUnavailable, gin.H{"status": "NOT_READY", "error": err.Error()})
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{"status": "READY"})
		})
	}
	if h.deps.Metrics != nil && h.deps.MetricsPath != "" {
		r.GET(h.deps.MetricsPath, gin.WrapH(h.deps.Metrics.Handler()))
	}

	limited := middleware.GinRateLimitMiddleware(h.deps.Limiter, h.deps.RateLimit)
	authed := middleware.GinAuthMiddleware(h.deps.Verifier)

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", limited, h.Register)
		authGroup.POST("/login", limited, h.Login)
	}

	r.POST("/ingest", h.Ingest)
	r.GET("/ws", limited, h.Connect)

	alerts := r.Group("/api/alerts", authed, limited)
	{
		alerts.POST("/subscribe", h.Subscribe)
		alerts.DELETE("/unsubscribe", h.Unsubscribe)
		alerts.GET("", h.ListAlerts)
	}

	admin := r.Group("/api/admin", authed, middleware.GinAdminTokenMiddleware(h.deps.AdminToken))
	{
		admin.DELETE("/cleanup", h.Cleanup)
		admin.POST("/reindex", h.Reindex)
		admin.GET("/index", h.InspectIndex)
	}
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrAlertNotFound), errors.Is(err, domain.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrConcurrentConflict):
		c.JSON(http.StatusConflict, gin.H{"error": domain.ErrConcurrentConflict.Error(), "retryable": true})
	case errors.Is(err, domain.ErrUserAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidCredentials), errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidAlert), errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidTick):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
