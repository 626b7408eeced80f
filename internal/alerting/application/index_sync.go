package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

// DeadLetterSink 接收重试耗尽的消息
type DeadLetterSink interface {
	SendDeadLetter(ctx context.Context, key string, payload []byte, cause error) error
}

// IndexSynchronizer 将订阅变更事件应用到规则索引
type IndexSynchronizer struct {
	index   domain.RuleIndex
	policy  retry.Policy
	dlq     DeadLetterSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewIndexSynchronizer 创建索引同步器，dlq 可为 nil
func NewIndexSynchronizer(index domain.RuleIndex, policy retry.Policy, dlq DeadLetterSink, m *metrics.Metrics) *IndexSynchronizer {
	s := &IndexSynchronizer{
		index:   index,
		dlq:     dlq,
		metrics: m,
		logger:  logger.Module("index-sync"),
	}
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		s.logger.Warn("rule index update failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	s.policy = policy
	return s
}

// HandlePayload 解码总线消息并应用，无法解码的消息直接进入死信
func (s *IndexSynchronizer) HandlePayload(ctx context.Context, payload []byte) {
	var event domain.AlertEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.deadLetter(ctx, "", payload, fmt.Errorf("decode alert event: %w", err))
		return
	}
	if err := s.Apply(ctx, event); err != nil {
		s.deadLetter(ctx, event.Asset, payload, err)
	}
}

// Apply 按事件类型写入或删除索引条目，带重试
func (s *IndexSynchronizer) Apply(ctx context.Context, event domain.AlertEvent) error {
	entry := event.IndexEntry()
	var op func(ctx context.Context) error
	switch event.Kind {
	case domain.EventUserSubscribed:
		op = func(ctx context.Context) error { return s.index.Add(ctx, entry.Key, entry.Member, entry.Score) }
	case domain.EventUserUnsubscribed:
		op = func(ctx context.Context) error { return s.index.Remove(ctx, entry.Key, entry.Member) }
	default:
		return fmt.Errorf("unknown alert event kind %q", event.Kind)
	}
	if err := s.policy.Do(ctx, op); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "rule index updated", "kind", event.Kind, "key", entry.Key, "member", entry.Member)
	return nil
}

func (s *IndexSynchronizer) deadLetter(ctx context.Context, key string, payload []byte, cause error) {
	s.metrics.IndexSyncFailed()
	s.logger.ErrorContext(ctx, "rule index sync failed", "key", key, "error", cause, "payload", string(payload))
	if s.dlq == nil {
		return
	}
	if err := s.dlq.SendDeadLetter(ctx, key, payload, cause); err != nil {
		s.logger.ErrorContext(ctx, "failed to dead-letter alert event", "key", key, "error", err)
	}
}
