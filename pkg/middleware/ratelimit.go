package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/ratelimit"
)

// GinRateLimitMiddleware 按用户（已鉴权）或客户端 IP 限流，限流器故障时放行
func GinRateLimitMiddleware(limiter ratelimit.RateLimiter, cfg config.RateLimitConfig) gin.HandlerFunc {
	limit := ratelimit.PerSecond(cfg.QPS, cfg.Burst)
	return func(c *gin.Context) {
		if !cfg.Enabled || limiter == nil {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if userID := UserID(c); userID != "" {
			key = "user:" + userID
		}

		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			logger.Warn(c.Request.Context(), "rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			c.Header("Retry-After", strconv.FormatInt(int64((res.RetryAfter+time.Second-1)/time.Second), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too Many Requests",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}
