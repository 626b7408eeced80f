// Package grpcclient 提供 gRPC 客户端工厂：超时、重试、trace 注入与健康检查调用
package grpcclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

// traceMetadataKey 与服务端 trace 拦截器读取的头一致
const traceMetadataKey = "x-trace-id"

// ClientConfig gRPC 客户端配置
type ClientConfig struct {
	// 目标地址
	Target string
	// 连接超时（秒）
	ConnTimeout int
	// 请求超时（秒）
	RequestTimeout int
	// 最大重试次数
	MaxRetries int
	// 重试延迟（毫秒）
	RetryDelay int
}

// NewClient 创建 gRPC 客户端连接，连接在首次调用时建立
func NewClient(cfg ClientConfig, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(unaryClientInterceptor(cfg)),
	}
	if cfg.ConnTimeout > 0 {
		opts = append(opts, grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   time.Duration(cfg.ConnTimeout) * time.Second,
				Multiplier: 1.6,
				Jitter:     0.2,
			},
			MinConnectTimeout: time.Duration(cfg.ConnTimeout) * time.Second,
		}))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		logger.Error(context.Background(), "Failed to create gRPC client", "target", cfg.Target, "error", err)
		return nil, fmt.Errorf("grpc client %s: %w", cfg.Target, err)
	}
	return conn, nil
}

// CheckHealth 调用标准健康检查，非 SERVING 时返回错误
func CheckHealth(ctx context.Context, conn *grpc.ClientConn, service string) error {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", service, resp.GetStatus())
	}
	return nil
}

// unaryClientInterceptor 超时、trace 透传与可重试状态码重试
func unaryClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.RequestTimeout)*time.Second)
			defer cancel()
		}
		if traceID := logger.TraceID(ctx); traceID != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, traceMetadataKey, traceID)
		}

		start := time.Now()
		policy := retry.Policy{
			MaxAttempts:     cfg.MaxRetries + 1,
			InitialInterval: time.Duration(cfg.RetryDelay) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.RetryDelay) * time.Millisecond,
			Retryable: func(err error) bool {
				st, ok := status.FromError(err)
				return ok && shouldRetry(st.Code())
			},
		}
		err := policy.Do(ctx, func(ctx context.Context) error {
			return invoker(ctx, method, req, reply, cc, opts...)
		})
		if err != nil {
			logger.Error(ctx, "gRPC request failed",
				"method", strings.TrimPrefix(method, "/"),
				"duration", time.Since(start),
				"error", err,
			)
			return err
		}
		logger.Debug(ctx, "gRPC request succeeded", "method", method, "duration", time.Since(start))
		return nil
	}
}

// shouldRetry 判断是否应该重试
func shouldRetry(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
