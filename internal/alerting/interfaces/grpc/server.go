// Package grpc 对外暴露标准 gRPC 健康检查与反射服务，健康状态由依赖探针驱动
package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/middleware"
)

// ServiceName 健康检查中的服务名
const ServiceName = "pricealert.Alerting"

// probeTimeout 单次探测超时
const probeTimeout = 3 * time.Second

// Probe 依赖探针，如数据库与 Redis 的 Ping
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server gRPC 服务
type Server struct {
	server *grpc.Server
	health *health.Server
	probes []Probe
	logger *slog.Logger
}

// NewServer 创建带日志与恢复拦截器的 gRPC 服务
func NewServer(probes ...Probe) *Server {
	s := &Server{
		server: grpc.NewServer(grpc.ChainUnaryInterceptor(
			middleware.GRPCRecoveryInterceptor(),
			middleware.GRPCLoggingInterceptor(),
		)),
		health: health.NewServer(),
		probes: probes,
		logger: logger.Module("grpc"),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh 执行全部探针并更新健康状态，返回是否可服务
func (s *Server) Refresh(ctx context.Context) bool {
	ok := true
	for _, p := range s.probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Check(pctx)
		cancel()
		if err != nil {
			s.logger.WarnContext(ctx, "dependency probe failed", "probe", p.Name, "error", err)
			ok = false
		}
	}
	if ok {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Watch 按 interval 周期刷新健康状态直到 ctx 结束
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Serve 在 lis 上阻塞服务
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop 将状态置为 NOT_SERVING 后优雅停止
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
