// Package consumer Kafka 消费端：行情 tick 检测与死信观察
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/pricealert/internal/alerting/application"
	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
	"github.com/wyfcoding/pricealert/pkg/mq"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

const (
	// fetchErrorBackoff 拉取失败后的等待
	fetchErrorBackoff = time.Second
	// dlqAttemptsPerRound 每轮死信写入尝试次数，一轮失败后记录错误再开始下一轮
	dlqAttemptsPerRound = 5
)

// TickProcessor 处理单条 tick
type TickProcessor interface {
	OnPriceTick(ctx context.Context, tick domain.PriceTick) (int, error)
}

// DeadLetterWriter 写入死信
type DeadLetterWriter interface {
	Send(ctx context.Context, original kafka.Message, cause error) error
}

// TickConsumer 顺序处理一个 reader 分到的分区：处理成功或进入死信后才提交偏移量。
// 死信写入失败时阻塞在当前消息上重试，不会越过它提交后续偏移量。
type TickConsumer struct {
	reader    mq.MessageReader
	processor TickProcessor
	policy    retry.Policy
	dlqPolicy retry.Policy
	dlq       DeadLetterWriter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewTickConsumer 创建 tick 消费者
func NewTickConsumer(reader mq.MessageReader, processor TickProcessor, policy retry.Policy, dlq DeadLetterWriter, m *metrics.Metrics) *TickConsumer {
	c := &TickConsumer{
		reader:    reader,
		processor: processor,
		dlq:       dlq,
		metrics:   m,
		logger:    logger.Module("tick-consumer"),
	}
	policy.Retryable = func(err error) bool { return !errors.Is(err, domain.ErrInvalidTick) }
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("tick processing failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	c.policy = policy
	c.dlqPolicy = retry.Policy{
		MaxAttempts:     dlqAttemptsPerRound,
		InitialInterval: policy.InitialInterval,
		Multiplier:      2,
		MaxInterval:     max(policy.MaxInterval, policy.InitialInterval),
		OnRetry: func(err error, attempt int, wait time.Duration) {
			c.logger.Warn("dead letter write failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		},
	}
	return c
}

// Run 拉取并处理直到 ctx 结束
func (c *TickConsumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "tick consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfoContext(ctx, "tick consumer stopped")
				return nil
			}
			c.logger.ErrorContext(ctx, "failed to fetch tick", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchErrorBackoff):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// 不能提交后续偏移量，交由调用方重建 reader 从已提交位置继续
			return fmt.Errorf("tick at partition %d offset %d not settled: %w", msg.Partition, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "failed to commit tick offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

// handle 返回 nil 表示消息可以提交
func (c *TickConsumer) handle(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	var tick domain.PriceTick
	if err := json.Unmarshal(msg.Value, &tick); err != nil {
		c.metrics.ObserveTick(application.TickInvalid, time.Since(start))
		return c.deadLetter(ctx, msg, fmt.Errorf("%w: %w", domain.ErrInvalidTick, err))
	}

	err := c.policy.Do(ctx, func(ctx context.Context) error {
		_, err := c.processor.OnPriceTick(ctx, tick)
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, domain.ErrInvalidTick) {
		c.metrics.ObserveTick(application.TickInvalid, time.Since(start))
	} else {
		c.metrics.ObserveTick(application.TickDeadLettered, time.Since(start))
	}
	return c.deadLetter(ctx, msg, err)
}

// deadLetter 写入成功前不返回，只有 ctx 结束时返回错误
func (c *TickConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	c.logger.ErrorContext(ctx, "dead-lettering tick",
		"key", string(msg.Key),
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", cause,
	)
	if c.dlq == nil {
		return nil
	}
	for {
		err := c.dlqPolicy.Do(ctx, func(ctx context.Context) error {
			return c.dlq.Send(ctx, msg, cause)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("write dead letter: %w", err)
		}
		c.logger.ErrorContext(ctx, "dead letter topic unavailable, holding partition",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
	}
}
