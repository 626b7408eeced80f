// Package bus Redis pub/sub 通知总线：检测器到推送会话的通知，以及订阅存储到规则索引的领域事件
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/cache"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

const (
	// ChannelNotifications 告警通知频道
	ChannelNotifications = "alerts"
	// ChannelAlertEvents 订阅变更事件频道
	ChannelAlertEvents = "alert-events"
)

// Handler 处理一条总线消息
type Handler func(ctx context.Context, payload []byte)

// RedisBus fire-and-forget 发布订阅，订阅者离线期间的消息会丢失
type RedisBus struct {
	cache  *cache.RedisCache
	logger *slog.Logger
}

// NewRedisBus 创建总线
func NewRedisBus(c *cache.RedisCache) *RedisBus {
	return &RedisBus{cache: c, logger: logger.Module("bus")}
}

var (
	_ domain.NotificationPublisher = (*RedisBus)(nil)
	_ domain.EventPublisher        = (*RedisBus)(nil)
)

// PublishNotification 发布告警通知
func (b *RedisBus) PublishNotification(ctx context.Context, n domain.Notification) error {
	return b.publishJSON(ctx, ChannelNotifications, n)
}

// PublishAlertEvent 发布订阅变更事件
func (b *RedisBus) PublishAlertEvent(ctx context.Context, e domain.AlertEvent) error {
	return b.publishJSON(ctx, ChannelAlertEvents, e)
}

func (b *RedisBus) publishJSON(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", channel, err)
	}
	return b.cache.Publish(ctx, channel, payload)
}

// Subscription 已确认的频道订阅
type Subscription struct {
	channel string
	ps      *redis.PubSub
	logger  *slog.Logger
}

// Subscribe 订阅频道，返回时服务端已确认
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ps, err := b.cache.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &Subscription{channel: channel, ps: ps, logger: b.logger.With("channel", channel)}, nil
}

// Run 按到达顺序逐条调用 handler，直到 ctx 结束
func (s *Subscription) Run(ctx context.Context, handler Handler) error {
	defer s.ps.Close()
	ch := s.ps.Channel()
	s.logger.InfoContext(ctx, "bus subscriber started")
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "bus subscriber stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", s.channel)
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// Close 取消订阅
func (s *Subscription) Close() error {
	return s.ps.Close()
}

// Consume 订阅并运行 handler
func (b *RedisBus) Consume(ctx context.Context, channel string, handler Handler) error {
	sub, err := b.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	return sub.Run(ctx, handler)
}
