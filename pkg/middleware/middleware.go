// Package middleware 提供 Gin 与 gRPC 的通用中间件（日志、trace、panic recover、指标、鉴权）
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
)

// gin.Context 中的 key
const (
	RequestIDKey = "request_id"
	TraceIDKey   = "trace_id"
	UserIDKey    = "user_id"
)

// TraceHeader 透传 trace id 的请求头
const TraceHeader = "X-Trace-ID"

// AdminTokenHeader 运维接口令牌请求头
const AdminTokenHeader = "X-Admin-Token"

// TokenVerifier 校验 bearer token 并返回用户 ID
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// GinLoggingMiddleware 生成 request_id/trace_id 写入 context 并记录请求日志
func GinLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}

		c.Set(RequestIDKey, requestID)
		c.Set(TraceIDKey, traceID)
		c.Header(TraceHeader, traceID)

		ctx := logger.ContextWithTraceID(c.Request.Context(), traceID)
		ctx = logger.ContextWithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		statusCode := c.Writer.Status()
		args := []any{
			"method", method,
			"path", path,
			"status_code", statusCode,
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
		}
		if statusCode >= http.StatusInternalServerError {
			logger.Error(ctx, "HTTP request completed", args...)
			return
		}
		logger.Info(ctx, "HTTP request completed", args...)
	}
}

// GinRecoveryMiddleware Gin panic 恢复中间件
func GinRecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := c.Get(RequestIDKey)
				logger.Error(c.Request.Context(), "HTTP request panicked",
					"path", c.Request.URL.Path,
					"panic", err,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "Internal server error",
					"request_id": requestID,
				})
			}
		}()
		c.Next()
	}
}

// GinCORSMiddleware Gin CORS 中间件
func GinCORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Trace-ID")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// GinMetricsMiddleware 记录 HTTP 请求计数与耗时，路径使用路由模板避免高基数
func GinMetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// GinAuthMiddleware 校验 Authorization: Bearer <token>，通过后写入 user_id
func GinAuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// GinAdminTokenMiddleware 校验运维令牌，未配置令牌时运维接口一律拒绝
func GinAdminTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin endpoints are disabled"})
			return
		}
		got := c.GetHeader(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.Warn(c.Request.Context(), "admin token rejected", "path", c.FullPath(), "user_id", UserID(c))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin token required"})
			return
		}
		c.Next()
	}
}

// UserID 读取鉴权中间件写入的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

// GRPCLoggingInterceptor gRPC 日志拦截器
func GRPCLoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		traceID := extractTraceID(ctx)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx = logger.ContextWithTraceID(ctx, traceID)
		ctx = logger.ContextWithRequestID(ctx, uuid.NewString())

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			st, _ := status.FromError(err)
			logger.Error(ctx, "gRPC request failed",
				"method", info.FullMethod,
				"error_code", st.Code().String(),
				"error_message", st.Message(),
				"duration", time.Since(start),
			)
			return resp, err
		}
		logger.Debug(ctx, "gRPC request completed",
			"method", info.FullMethod,
			"duration", time.Since(start),
		)
		return resp, nil
	}
}

// GRPCRecoveryInterceptor gRPC panic 恢复拦截器
func GRPCRecoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(ctx, "gRPC request panicked",
					"method", info.FullMethod,
					"panic", r,
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// extractTraceID 从 incoming metadata 中提取 trace id
func extractTraceID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(strings.ToLower(TraceHeader)); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
