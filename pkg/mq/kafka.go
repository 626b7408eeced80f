// Package mq 提供 Kafka 生产者、消费者 reader 构造与死信队列，按 key 哈希分区以保证同 key 有序
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

// 死信消息头
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderFailedAt          = "x-failed-at"
)

// MessageWriter 消息写入抽象，*kafka.Writer 实现该接口
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader 消息读取抽象，*kafka.Reader 实现该接口
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewBalancer 返回按 key 哈希的分区器，同一 key 始终落到同一分区
func NewBalancer() kafka.Balancer {
	return &kafka.Hash{}
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer MessageWriter
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg config.KafkaConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               NewBalancer(),
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
		WriteTimeout:           10 * time.Second,
	}

	logger.Info(context.Background(), "Kafka producer created successfully", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer}
}

// NewProducerWithWriter 使用给定 writer 创建生产者
func NewProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// SendMessage 将 value 序列化为 JSON 后发送
func (kp *KafkaProducer) SendMessage(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return kp.Send(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
}

// Send 原样发送消息
func (kp *KafkaProducer) Send(ctx context.Context, msg kafka.Message) error {
	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error(ctx, "Failed to send Kafka message",
			"topic", msg.Topic,
			"key", string(msg.Key),
			"error", err,
		)
		return err
	}

	logger.Debug(ctx, "Kafka message sent",
		"topic", msg.Topic,
		"key", string(msg.Key),
	)
	return nil
}

// Close 关闭生产者
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// NewReader 创建消费组 reader，偏移量由调用方在处理完成后显式提交
func NewReader(cfg config.KafkaConfig, topic, groupID string) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6,
	})

	logger.Info(context.Background(), "Kafka consumer created successfully",
		"brokers", cfg.Brokers,
		"topic", topic,
		"group_id", groupID,
	)
	return reader
}

// DeadLetterQueue 死信队列
type DeadLetterQueue struct {
	producer *KafkaProducer
	topic    string
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *KafkaProducer, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{
		producer: producer,
		topic:    topic,
	}
}

// Topic 死信主题
func (dlq *DeadLetterQueue) Topic() string {
	return dlq.topic
}

// Send 将原始消息原样写入死信主题，失败原因与来源位置放在消息头中
func (dlq *DeadLetterQueue) Send(ctx context.Context, original kafka.Message, cause error) error {
	headers := append([]kafka.Header(nil), original.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(original.Topic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(original.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(original.Offset, 10))},
		kafka.Header{Key: HeaderFailedAt, Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	)
	if cause != nil {
		headers = append(headers, kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())})
	}

	return dlq.producer.Send(ctx, kafka.Message{
		Topic:   dlq.topic,
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	})
}

// HeaderValue 读取消息头，不存在时返回空串
func HeaderValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
