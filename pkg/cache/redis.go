// Package cache 提供 Redis 客户端封装：键值、有序集合、发布订阅与按模式清理
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

// scanBatch SCAN 每批返回的建议数量
const scanBatch = 500

// RedisCache Redis 缓存实现
type RedisCache struct {
	client *redis.Client
}

// New 创建 Redis 缓存实例并检查连通性
func New(cfg config.RedisConfig) (*RedisCache, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxPoolSize,
		DialTimeout:  time.Duration(cfg.ConnTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info(context.Background(), "Redis connected successfully", "addr", addr)
	return &RedisCache{client: client}, nil
}

// Ping 检查 Redis 连通性
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// NewFromClient 包装已有客户端
func NewFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get 获取字符串值，key 不存在时 found 为 false
func (rc *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := rc.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		logger.Error(ctx, "Redis Get failed", "key", key, "error", err)
		return "", false, err
	}
	return val, true, nil
}

// Set 设置值，expiration 为 0 表示不过期
func (rc *RedisCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if err := rc.client.Set(ctx, key, value, expiration).Err(); err != nil {
		logger.Error(ctx, "Redis Set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Delete 删除 key
func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		logger.Error(ctx, "Redis Delete failed", "keys", keys, "error", err)
		return err
	}
	return nil
}

// ZAdd 添加或更新有序集合成员
func (rc *RedisCache) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := rc.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		logger.Error(ctx, "Redis ZAdd failed", "key", key, "error", err)
		return err
	}
	return nil
}

// ZRem 删除有序集合成员，成员不存在不视为错误
func (rc *RedisCache) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := rc.client.ZRem(ctx, key, args...).Err(); err != nil {
		logger.Error(ctx, "Redis ZRem failed", "key", key, "error", err)
		return err
	}
	return nil
}

// ZRangeByScore 按分数闭区间 [min, max] 获取成员，min/max 使用 Redis 的分数字符串语法
func (rc *RedisCache) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	vals, err := rc.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		logger.Error(ctx, "Redis ZRangeByScore failed", "key", key, "error", err)
		return nil, err
	}
	return vals, nil
}

// ZRangeWithScores 获取有序集合全部成员及分数
func (rc *RedisCache) ZRangeWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	vals, err := rc.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Error(ctx, "Redis ZRangeWithScores failed", "key", key, "error", err)
		return nil, err
	}
	return vals, nil
}

// ZScore 获取成员分数，成员不存在时 found 为 false
func (rc *RedisCache) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := rc.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		logger.Error(ctx, "Redis ZScore failed", "key", key, "error", err)
		return 0, false, err
	}
	return score, true, nil
}

// Publish 向频道发布消息
func (rc *RedisCache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := rc.client.Publish(ctx, channel, payload).Err(); err != nil {
		logger.Error(ctx, "Redis Publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Subscribe 订阅频道，返回前等待服务端确认订阅
func (rc *RedisCache) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := rc.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		logger.Error(ctx, "Redis Subscribe failed", "channels", channels, "error", err)
		return nil, err
	}
	return ps, nil
}

// ScanKeys 使用 SCAN 遍历匹配 pattern 的 key
func (rc *RedisCache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := rc.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			logger.Error(ctx, "Redis Scan failed", "pattern", pattern, "error", err)
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// ScanKeysOfType 遍历匹配 pattern 且类型为 keyType（如 "zset"）的 key
func (rc *RedisCache) ScanKeysOfType(ctx context.Context, pattern, keyType string) ([]string, error) {
	keys, err := rc.ScanKeys(ctx, pattern)
	if err != nil || len(keys) == 0 {
		return keys, err
	}
	pipe := rc.client.Pipeline()
	types := make([]*redis.StatusCmd, len(keys))
	for i, key := range keys {
		types[i] = pipe.Type(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error(ctx, "Redis Type pipeline failed", "pattern", pattern, "error", err)
		return nil, err
	}
	matched := keys[:0]
	for i, key := range keys {
		if types[i].Val() == keyType {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// DeleteByPattern 删除匹配 pattern 的全部 key，返回删除数量
func (rc *RedisCache) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	keys, err := rc.ScanKeys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if err := rc.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close 关闭 Redis 连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// GetClient 获取底层 Redis 客户端
func (rc *RedisCache) GetClient() *redis.Client {
	return rc.client
}
