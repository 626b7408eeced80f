// Package retry 提供显式的重试策略对象（最大次数、退避计划、可重试判定），基于 cenkalti/backoff
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy 重试策略
type Policy struct {
	// MaxAttempts 总尝试次数（含首次），小于 1 时按 1 处理
	MaxAttempts int
	// InitialInterval 首次重试前的等待
	InitialInterval time.Duration
	// Multiplier 退避倍数，小于 1 时按 1（固定间隔）处理
	Multiplier float64
	// MaxInterval 单次等待上限
	MaxInterval time.Duration
	// Jitter 随机化因子 [0,1)
	Jitter float64
	// Retryable 判定错误是否可重试；为空时所有错误都可重试
	Retryable func(error) bool
	// OnRetry 每次重试前回调，attempt 为刚失败的尝试序号（从 1 开始）
	OnRetry func(err error, attempt int, wait time.Duration)
}

// Do 按策略执行 op。返回 nil、最后一次失败的错误，或被取消时包装后的 context 错误。
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		lastErr = op(ctx)
		if lastErr == nil {
			return struct{}{}, nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return struct{}{}, backoff.Permanent(lastErr)
		}
		return struct{}{}, lastErr
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(lastErr, attempt, wait)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("retry aborted after %d attempts: %w: %w", attempt, ctxErr, lastErr)
	}
	return lastErr
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}
