package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/pricealert/internal/alerting/application"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/auth"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/bus"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/marketfeed"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/persistence/gormdb"
	redisstore "github.com/wyfcoding/pricealert/internal/alerting/infrastructure/persistence/redis"
	"github.com/wyfcoding/pricealert/internal/alerting/infrastructure/session"
	"github.com/wyfcoding/pricealert/internal/alerting/interfaces/consumer"
	grpchandler "github.com/wyfcoding/pricealert/internal/alerting/interfaces/grpc"
	httphandler "github.com/wyfcoding/pricealert/internal/alerting/interfaces/http"
	"github.com/wyfcoding/pricealert/pkg/cache"
	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/db"
	"github.com/wyfcoding/pricealert/pkg/grpcclient"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
	"github.com/wyfcoding/pricealert/pkg/mq"
	"github.com/wyfcoding/pricealert/pkg/ratelimit"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

// BootstrapName 服务标识
const BootstrapName = "pricealert"

// 后台任务参数
const (
	shutdownTimeout      = 15 * time.Second
	healthProbeInterval  = 10 * time.Second
	consumerRestartDelay = 2 * time.Second
	indexSyncSource      = "alert-events"
)

func main() {
	configPath := flag.String("config", "configs/pricealert.toml", "path to TOML config file")
	healthcheck := flag.Bool("healthcheck", false, "probe the running service over gRPC and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if *healthcheck {
		if err := probe(cfg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := logger.Init(cfg.Logger); err != nil {
		slog.Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("service bootstrap failed", "error", err)
		os.Exit(1)
	}
}

// probe 用于容器健康检查
func probe(cfg *config.Config) error {
	conn, err := grpcclient.NewClient(grpcclient.ClientConfig{
		Target:         fmt.Sprintf("127.0.0.1:%d", cfg.GRPC.Port),
		ConnTimeout:    3,
		RequestTimeout: 3,
		MaxRetries:     1,
		RetryDelay:     200,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	return grpcclient.CheckHealth(context.Background(), conn, grpchandler.ServiceName)
}

func policyFrom(c config.RetryPolicyConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialDuration(),
		Multiplier:      c.Multiplier,
		MaxInterval:     c.MaxDuration(),
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	bootLog := logger.Module("bootstrap")
	m := metrics.New(cfg.ServiceName)

	// 1. 基础设施
	database, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	defer database.Close()
	if cfg.Database.AutoMigrate {
		if err := gormdb.AutoMigrate(database.DB); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
	}

	redisCache, err := cache.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	defer redisCache.Close()

	producer := mq.NewProducer(cfg.Kafka)
	defer producer.Close()

	// 2. 存储与总线
	alerts := gormdb.NewAlertRepository(database)
	users := gormdb.NewUserRepository(database)
	index := redisstore.NewRuleIndex(redisCache)
	prices := redisstore.NewPriceCache(redisCache)
	redisBus := bus.NewRedisBus(redisCache)
	registry := session.NewRegistry(m)
	defer registry.CloseAll()
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTL)*time.Minute, cfg.Auth.Issuer)

	// 3. 业务组件装配
	bootLog.Info("initializing alerting services...")
	subscriptions := application.NewSubscriptionService(alerts, users, redisBus, policyFrom(cfg.Retry.Store), m)
	detector := application.NewCrossingDetector(index, prices, redisBus, m)
	syncer := application.NewIndexSynchronizer(index, policyFrom(cfg.Retry.IndexSync),
		marketfeed.NewKafkaDeadLetterSink(mq.NewDeadLetterQueue(producer, cfg.Kafka.IndexSyncDeadLetterTopic), indexSyncSource), m)
	dispatcher := application.NewNotificationDispatcher(registry)
	tickPublisher := marketfeed.NewKafkaTickPublisher(producer, cfg.Kafka.TickTopic)

	ready := func(ctx context.Context) error {
		if err := database.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	}

	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httphandler.NewRouter(httphandler.Dependencies{
		ServiceName:   cfg.ServiceName,
		Users:         application.NewUserService(users, auth.BcryptHasher{Cost: bcrypt.DefaultCost}, tokens),
		Subscriptions: subscriptions,
		Maintenance:   application.NewMaintenanceService(alerts, index, prices),
		Index:         index,
		Ingest:        tickPublisher,
		Sessions:      registry,
		SessionOptions: session.Options{
			SendBuffer:   cfg.Session.SendBuffer,
			WriteTimeout: time.Duration(cfg.Session.WriteTimeout) * time.Second,
			PingPeriod:   time.Duration(cfg.Session.PingPeriod) * time.Second,
		},
		Verifier:    tokens,
		AdminToken:  cfg.Auth.AdminToken,
		Limiter:     ratelimit.NewRedisRateLimiter(redisCache.GetClient()),
		RateLimit:   cfg.RateLimit,
		Metrics:     m,
		MetricsPath: metricsPath(cfg.Metrics),
		Ready:       ready,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// 4. 消费者：同一消费组内多个 reader，分区内顺序处理
	tickDLQ := mq.NewDeadLetterQueue(producer, cfg.Kafka.DeadLetterTopic)
	for i := 0; i < cfg.Kafka.Workers; i++ {
		g.Go(func() error {
			// reader 重建后从消费组已提交的偏移量继续
			for {
				reader := mq.NewReader(cfg.Kafka, cfg.Kafka.TickTopic, cfg.Kafka.GroupID)
				err := consumer.NewTickConsumer(reader, detector, policyFrom(cfg.Retry.Tick), tickDLQ, m).Run(gctx)
				_ = reader.Close()
				if err == nil || gctx.Err() != nil {
					return nil
				}
				bootLog.Error("tick consumer stopped, restarting", "worker", i, "error", err)
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(consumerRestartDelay):
				}
			}
		})
	}
	if cfg.Kafka.ObserveDeadLetters {
		reader := mq.NewReader(cfg.Kafka, cfg.Kafka.DeadLetterTopic, cfg.Kafka.GroupID+"-dlq")
		observer := consumer.NewDeadLetterObserver(reader, cfg.Kafka.DeadLetterTopic, m)
		g.Go(func() error {
			defer reader.Close()
			return observer.Run(gctx)
		})
	}

	g.Go(func() error { return redisBus.Consume(gctx, bus.ChannelNotifications, dispatcher.HandlePayload) })
	g.Go(func() error { return redisBus.Consume(gctx, bus.ChannelAlertEvents, syncer.HandlePayload) })

	if cfg.Simulator.Enabled {
		sim, err := marketfeed.NewSimulator(tickPublisher, time.Duration(cfg.Simulator.Interval)*time.Second,
			cfg.Simulator.Assets, uint64(time.Now().UnixNano()))
		if err != nil {
			return fmt.Errorf("simulator init failed: %w", err)
		}
		g.Go(func() error { return sim.Run(gctx) })
	}

	// 5. 对外服务
	g.Go(func() error {
		bootLog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.GRPC.Enabled {
		grpcServer := grpchandler.NewServer(
			grpchandler.Probe{Name: "database", Check: database.Ping},
			grpchandler.Probe{Name: "redis", Check: redisCache.Ping},
		)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr())
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error { return grpcServer.Serve(lis) })
		g.Go(func() error {
			grpcServer.Watch(gctx, healthProbeInterval)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.Stop()
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		bootLog.Info("performing graceful shutdown...")
		// 推送连接已被接管，Shutdown 不会关闭它们
		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	bootLog.Info("service started", "service", BootstrapName, "env", cfg.Environment)
	return g.Wait()
}

func metricsPath(c config.MetricsConfig) string {
	if !c.Enabled {
		return ""
	}
	return c.Path
}
