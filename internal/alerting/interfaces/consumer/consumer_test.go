package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/mq"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

// scriptedReader 依次返回预置消息，耗尽后取消 ctx
type scriptedReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	cancel context.CancelFunc
	log    *[]string
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		*r.log = append(*r.log, fmt.Sprintf("commit:%d", m.Offset))
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

type processorFunc func(ctx context.Context, tick domain.PriceTick) (int, error)

func (f processorFunc) OnPriceTick(ctx context.Context, tick domain.PriceTick) (int, error) {
	return f(ctx, tick)
}

type captureWriter struct {
	msgs []kafka.Message
	log  *[]string
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		*w.log = append(*w.log, "dlq:"+string(m.Key))
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

// flakyWriter 前 failures 次写入失败，failures<0 时一直失败；onFail 在每次失败后调用
type flakyWriter struct {
	captureWriter
	failures int
	onFail   func(n int)
	failed   int
}

func (w *flakyWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.failures < 0 || w.failed < w.failures {
		w.failed++
		*w.log = append(*w.log, "dlq-error")
		if w.onFail != nil {
			w.onFail(w.failed)
		}
		return errors.New("dlq down")
	}
	return w.captureWriter.WriteMessages(ctx, msgs...)
}

func tickMessage(offset int64, asset, price string) kafka.Message {
	return kafka.Message{
		Topic:  "raw-market-data",
		Key:    []byte(asset),
		Value:  []byte(fmt.Sprintf(`{"asset":%q,"price":%q,"timestamp":1}`, asset, price)),
		Offset: offset,
	}
}

func quickPolicy(n int) retry.Policy {
	return retry.Policy{MaxAttempts: n, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestTickConsumer_ProcessesInOrderAndCommitsAfterEach(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{
		msgs:   []kafka.Message{tickMessage(1, "BTC", "90"), tickMessage(2, "BTC", "110"), tickMessage(3, "BTC", "120")},
		cancel: cancel,
		log:    &log,
	}
	proc := processorFunc(func(_ context.Context, tick domain.PriceTick) (int, error) {
		log = append(log, "process:"+tick.Price.String())
		return 0, nil
	})

	c := NewTickConsumer(reader, proc, quickPolicy(3), nil, nil)
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{"process:90", "commit:1", "process:110", "commit:2", "process:120", "commit:3"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestTickConsumer_RetriesThenDeadLetters(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{
		msgs:   []kafka.Message{tickMessage(7, "ETH", "3500"), tickMessage(8, "ETH", "3600")},
		cancel: cancel,
		log:    &log,
	}
	attempts := 0
	proc := processorFunc(func(_ context.Context, tick domain.PriceTick) (int, error) {
		if tick.Price.String() == "3500" {
			attempts++
			log = append(log, "fail")
			return 0, errors.New("redis timeout")
		}
		log = append(log, "process:"+tick.Price.String())
		return 1, nil
	})
	w := &captureWriter{log: &log}
	dlq := mq.NewDeadLetterQueue(mq.NewProducerWithWriter(w), "raw-market-data-DLQ")

	c := NewTickConsumer(reader, proc, quickPolicy(4), dlq, nil)
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	want := []string{"fail", "fail", "fail", "fail", "dlq:ETH", "commit:7", "process:3600", "commit:8"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	dead := w.msgs[0]
	if dead.Topic != "raw-market-data-DLQ" || string(dead.Value) != string(tickMessage(7, "ETH", "3500").Value) {
		t.Fatalf("dead letter = %+v", dead)
	}
	if mq.HeaderValue(dead, mq.HeaderExceptionMessage) != "redis timeout" || mq.HeaderValue(dead, mq.HeaderOriginalOffset) != "7" {
		t.Fatalf("headers = %+v", dead.Headers)
	}
}

func TestTickConsumer_HoldsPartitionUntilDeadLetterWritten(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{
		msgs:   []kafka.Message{tickMessage(7, "ETH", "3500"), tickMessage(8, "ETH", "3600")},
		cancel: cancel,
		log:    &log,
	}
	proc := processorFunc(func(_ context.Context, tick domain.PriceTick) (int, error) {
		if tick.Price.String() == "3500" {
			return 0, errors.New("redis timeout")
		}
		log = append(log, "process:"+tick.Price.String())
		return 0, nil
	})
	// 两轮以上的失败，验证跨轮重试
	w := &flakyWriter{captureWriter: captureWriter{log: &log}, failures: dlqAttemptsPerRound + 2}
	dlq := mq.NewDeadLetterQueue(mq.NewProducerWithWriter(w), "raw-market-data-DLQ")

	if err := NewTickConsumer(reader, proc, quickPolicy(1), dlq, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}

	var want []string
	for i := 0; i < dlqAttemptsPerRound+2; i++ {
		want = append(want, "dlq-error")
	}
	want = append(want, "dlq:ETH", "commit:7", "process:3600", "commit:8")
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestTickConsumer_DeadLetterOutageCommitsNothing(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &scriptedReader{
		msgs:   []kafka.Message{tickMessage(7, "ETH", "3500"), tickMessage(8, "ETH", "3600")},
		cancel: cancel,
		log:    &log,
	}
	proc := processorFunc(func(_ context.Context, tick domain.PriceTick) (int, error) {
		if tick.Price.String() == "3500" {
			return 0, errors.New("redis timeout")
		}
		log = append(log, "process:"+tick.Price.String())
		return 0, nil
	})
	w := &flakyWriter{captureWriter: captureWriter{log: &log}, failures: -1}
	w.onFail = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	dlq := mq.NewDeadLetterQueue(mq.NewProducerWithWriter(w), "raw-market-data-DLQ")

	if err := NewTickConsumer(reader, proc, quickPolicy(1), dlq, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}

	for _, entry := range log {
		if entry != "dlq-error" {
			t.Fatalf("consumer moved past an unsettled tick: %v", log)
		}
	}
}

func TestTickConsumer_InvalidTicksSkipRetries(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{
		msgs: []kafka.Message{
			{Key: []byte("X"), Value: []byte("not json"), Offset: 1},
			tickMessage(2, "BTC", "-1"),
		},
		cancel: cancel,
		log:    &log,
	}
	calls := 0
	proc := processorFunc(func(ctx context.Context, tick domain.PriceTick) (int, error) {
		calls++
		return 0, tick.Validate()
	})
	w := &captureWriter{log: &log}
	c := NewTickConsumer(reader, proc, quickPolicy(4), mq.NewDeadLetterQueue(mq.NewProducerWithWriter(w), "dlq"), nil)
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Fatalf("processor calls = %d, want 1", calls)
	}
	want := []string{"dlq:X", "commit:1", "dlq:BTC", "commit:2"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestDeadLetterObserver(t *testing.T) {
	var log []string
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{
		msgs: []kafka.Message{{
			Key:     []byte("BTC"),
			Value:   []byte("{}"),
			Offset:  3,
			Headers: []kafka.Header{{Key: mq.HeaderExceptionMessage, Value: []byte("boom")}},
		}},
		cancel: cancel,
		log:    &log,
	}
	if err := NewDeadLetterObserver(reader, "dlq", nil).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(log) != "[commit:3]" {
		t.Fatalf("log = %v", log)
	}
}
