// Package config 提供 TOML 配置加载、.env 预加载、环境变量覆盖与校验
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wyfcoding/pricealert/pkg/logger"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`

	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
	Logger    logger.Config   `mapstructure:"logger"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// Addr 监听地址
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCConfig gRPC 健康检查服务配置
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr 监听地址
func (c GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql, postgres
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
	// 启动时是否自动迁移表结构
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// 最大连接数
	MaxPoolSize int `mapstructure:"max_pool_size"`
	// 连接超时（秒）
	ConnTimeout int `mapstructure:"conn_timeout"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// 行情 tick 主题
	TickTopic string `mapstructure:"tick_topic"`
	// tick 死信主题，默认 <tick_topic>-DLQ
	DeadLetterTopic string `mapstructure:"dead_letter_topic"`
	// 规则索引同步失败事件的死信主题
	IndexSyncDeadLetterTopic string `mapstructure:"index_sync_dead_letter_topic"`
	// 同一消费组内的并行 reader 数量
	Workers int `mapstructure:"workers"`
	// 消费者会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout"`
	// 生产者最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 生产者重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
	// 是否启动死信观察者
	ObserveDeadLetters bool `mapstructure:"observe_dead_letters"`
}

// RetryPolicyConfig 单个重试策略配置
type RetryPolicyConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	// 初始退避（毫秒）
	InitialInterval int `mapstructure:"initial_interval"`
	// 退避倍数
	Multiplier float64 `mapstructure:"multiplier"`
	// 最大退避（毫秒）
	MaxInterval int `mapstructure:"max_interval"`
}

// InitialDuration 初始退避时长
func (c RetryPolicyConfig) InitialDuration() time.Duration {
	return time.Duration(c.InitialInterval) * time.Millisecond
}

// MaxDuration 最大退避时长
func (c RetryPolicyConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxInterval) * time.Millisecond
}

// RetryConfig 各处理路径的重试策略
type RetryConfig struct {
	// tick 处理失败重试
	Tick RetryPolicyConfig `mapstructure:"tick"`
	// 规则索引同步重试
	IndexSync RetryPolicyConfig `mapstructure:"index_sync"`
	// 订阅存储乐观锁重试
	Store RetryPolicyConfig `mapstructure:"store"`
}

// AuthConfig 鉴权配置
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// access token 有效期（分钟）
	TokenTTL int    `mapstructure:"token_ttl"`
	Issuer   string `mapstructure:"issuer"`
	// 运维接口令牌（X-Admin-Token），为空时关闭 /api/admin
	AdminToken string `mapstructure:"admin_token"`
}

// SessionConfig 推送会话配置
type SessionConfig struct {
	// 每个会话的发送缓冲
	SendBuffer int `mapstructure:"send_buffer"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
	// 心跳间隔（秒）
	PingPeriod int `mapstructure:"ping_period"`
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	QPS     int  `mapstructure:"qps"`
	Burst   int  `mapstructure:"burst"`
}

// SimulatorConfig 行情模拟器配置
type SimulatorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// 生成间隔（秒）
	Interval int `mapstructure:"interval"`
	// 初始价格：asset -> price
	Assets map[string]string `mapstructure:"assets"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load 从 TOML 文件加载配置，文件不存在时仅使用默认值与环境变量
func Load(configPath string) (*Config, error) {
	// .env 仅用于本地开发，缺失时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Enabled && (c.GRPC.Port <= 0 || c.GRPC.Port > 65535) {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}
	if c.Kafka.TickTopic == "" {
		return fmt.Errorf("kafka tick_topic is required")
	}
	if c.Kafka.DeadLetterTopic == "" {
		c.Kafka.DeadLetterTopic = c.Kafka.TickTopic + "-DLQ"
	}
	if c.Kafka.Workers <= 0 {
		c.Kafka.Workers = 1
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}
	for name, p := range map[string]RetryPolicyConfig{
		"retry.tick":       c.Retry.Tick,
		"retry.index_sync": c.Retry.IndexSync,
		"retry.store":      c.Retry.Store,
	} {
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("%s.max_attempts must be positive", name)
		}
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "pricealert")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 200)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 20)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "pricealert-detector")
	v.SetDefault("kafka.tick_topic", "raw-market-data")
	v.SetDefault("kafka.dead_letter_topic", "")
	v.SetDefault("kafka.index_sync_dead_letter_topic", "alert-index-sync-DLQ")
	v.SetDefault("kafka.workers", 1)
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.observe_dead_letters", true)

	v.SetDefault("retry.tick.max_attempts", 4)
	v.SetDefault("retry.tick.initial_interval", 1000)
	v.SetDefault("retry.tick.multiplier", 1.0)
	v.SetDefault("retry.tick.max_interval", 1000)

	v.SetDefault("retry.index_sync.max_attempts", 4)
	v.SetDefault("retry.index_sync.initial_interval", 1000)
	v.SetDefault("retry.index_sync.multiplier", 2.0)
	v.SetDefault("retry.index_sync.max_interval", 8000)

	v.SetDefault("retry.store.max_attempts", 5)
	v.SetDefault("retry.store.initial_interval", 100)
	v.SetDefault("retry.store.multiplier", 1.5)
	v.SetDefault("retry.store.max_interval", 1000)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 60)
	v.SetDefault("auth.issuer", "pricealert")
	v.SetDefault("auth.admin_token", "")

	v.SetDefault("session.send_buffer", 64)
	v.SetDefault("session.write_timeout", 5)
	v.SetDefault("session.ping_period", 30)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.qps", 20)
	v.SetDefault("ratelimit.burst", 40)

	v.SetDefault("simulator.enabled", false)
	v.SetDefault("simulator.interval", 30)
	v.SetDefault("simulator.assets", map[string]string{"BTC": "68000.00", "ETH": "3500.00"})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/pricealert.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
