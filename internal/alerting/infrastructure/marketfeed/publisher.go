// Package marketfeed 行情 tick 的 Kafka 生产端：入口发布、行情模拟与死信写入
package marketfeed

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/mq"
)

// KafkaTickPublisher 以 asset 为 key 发布 tick，同一 asset 落在同一分区
type KafkaTickPublisher struct {
	producer *mq.KafkaProducer
	topic    string
}

// NewKafkaTickPublisher 创建 tick 发布者
func NewKafkaTickPublisher(producer *mq.KafkaProducer, topic string) *KafkaTickPublisher {
	return &KafkaTickPublisher{producer: producer, topic: topic}
}

// PublishTick 校验后发布
func (p *KafkaTickPublisher) PublishTick(ctx context.Context, tick domain.PriceTick) error {
	if err := tick.Validate(); err != nil {
		return err
	}
	if err := p.producer.SendMessage(ctx, p.topic, tick.Asset, tick); err != nil {
		return fmt.Errorf("publish tick for %s: %w", tick.Asset, err)
	}
	return nil
}

// KafkaDeadLetterSink 把总线上无法应用的消息写入死信主题
type KafkaDeadLetterSink struct {
	dlq    *mq.DeadLetterQueue
	source string
}

// NewKafkaDeadLetterSink source 为消息来源，写入 x-original-topic 头
func NewKafkaDeadLetterSink(dlq *mq.DeadLetterQueue, source string) *KafkaDeadLetterSink {
	return &KafkaDeadLetterSink{dlq: dlq, source: source}
}

// SendDeadLetter 原样写入 payload
func (s *KafkaDeadLetterSink) SendDeadLetter(ctx context.Context, key string, payload []byte, cause error) error {
	return s.dlq.Send(ctx, kafka.Message{
		Topic:     s.source,
		Key:       []byte(key),
		Value:     payload,
		Partition: -1,
		Offset:    -1,
	}, cause)
}
