package consumer

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
	"github.com/wyfcoding/pricealert/pkg/mq"
)

// DeadLetterObserver 记录到达死信主题的每一条消息
type DeadLetterObserver struct {
	reader  mq.MessageReader
	topic   string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDeadLetterObserver 创建死信观察者
func NewDeadLetterObserver(reader mq.MessageReader, topic string, m *metrics.Metrics) *DeadLetterObserver {
	return &DeadLetterObserver{
		reader:  reader,
		topic:   topic,
		metrics: m,
		logger:  logger.Module("dlq-observer").With("topic", topic),
	}
}

// Run 直到 ctx 结束
func (o *DeadLetterObserver) Run(ctx context.Context) error {
	for {
		msg, err := o.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		o.metrics.DeadLetterObserved(o.topic)
		o.logger.WarnContext(ctx, "dead letter received",
			"key", string(msg.Key),
			"payload", string(msg.Value),
			"original_topic", mq.HeaderValue(msg, mq.HeaderOriginalTopic),
			"original_offset", mq.HeaderValue(msg, mq.HeaderOriginalOffset),
			"cause", mq.HeaderValue(msg, mq.HeaderExceptionMessage),
			"failed_at", mq.HeaderValue(msg, mq.HeaderFailedAt),
		)
		if err := o.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			o.logger.ErrorContext(ctx, "failed to commit dead letter offset", "offset", msg.Offset, "error", err)
		}
	}
}
