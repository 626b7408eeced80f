package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
)

// tick 处理结果
const (
	TickSeeded       = "seeded"
	TickProcessed    = "processed"
	TickDeadLettered = "dead_lettered"
	TickInvalid      = "invalid"
)

// CrossingDetector 价格穿越检测：比较上一价格与本次价格，查询被穿越的规则并发布通知。
//
// 上涨时匹配 ABOVE 分区 (old, new]，下跌时匹配 BELOW 分区 [new, old)：
// 刚好落在新价格上的阈值视为已触达，等于旧价格的阈值在旧价格到达时已经触发过。
// 同一 asset 的 tick 必须按产生顺序调用 OnPriceTick。
type CrossingDetector struct {
	index    domain.RuleIndex
	prices   domain.PriceCache
	notifier domain.NotificationPublisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCrossingDetector 创建检测器
func NewCrossingDetector(index domain.RuleIndex, prices domain.PriceCache, notifier domain.NotificationPublisher, m *metrics.Metrics) *CrossingDetector {
	return &CrossingDetector{
		index:    index,
		prices:   prices,
		notifier: notifier,
		metrics:  m,
		logger:   logger.Module("crossing-detector"),
	}
}

// OnPriceTick 处理一条 tick，返回发布的通知数。
// 任何错误都发生在价格缓存更新之前，调用方可以安全地整体重试。
func (d *CrossingDetector) OnPriceTick(ctx context.Context, tick domain.PriceTick) (int, error) {
	start := time.Now()
	if err := tick.Validate(); err != nil {
		return 0, err
	}

	old, found, err := d.prices.Get(ctx, tick.Asset)
	if err != nil {
		return 0, fmt.Errorf("read last price for %s: %w", tick.Asset, err)
	}
	if !found {
		if err := d.prices.Set(ctx, tick.Asset, tick.Price); err != nil {
			return 0, fmt.Errorf("seed price for %s: %w", tick.Asset, err)
		}
		d.metrics.ObserveTick(TickSeeded, time.Since(start))
		d.logger.DebugContext(ctx, "seeded initial price", "asset", tick.Asset, "price", tick.Price.String())
		return 0, nil
	}

	var members []string
	switch tick.Price.Cmp(old) {
	case 1:
		members, err = d.index.RangeByScore(ctx, domain.IndexKey(tick.Asset, domain.DirectionAbove),
			domain.Score(old), domain.Score(tick.Price), false, true)
	case -1:
		members, err = d.index.RangeByScore(ctx, domain.IndexKey(tick.Asset, domain.DirectionBelow),
			domain.Score(tick.Price), domain.Score(old), true, false)
	}
	if err != nil {
		return 0, fmt.Errorf("query rule index for %s: %w", tick.Asset, err)
	}

	published := 0
	for _, member := range members {
		userID, _, err := domain.ParseMember(member)
		if err != nil {
			d.logger.WarnContext(ctx, "skipping malformed rule index member", "asset", tick.Asset, "member", member, "error", err)
			continue
		}
		n := domain.Notification{Asset: tick.Asset, Price: tick.Price, User: userID}
		if err := d.notifier.PublishNotification(ctx, n); err != nil {
			return published, fmt.Errorf("publish notification for %s: %w", userID, err)
		}
		published++
		d.metrics.NotificationPublished()
	}

	if err := d.prices.Set(ctx, tick.Asset, tick.Price); err != nil {
		return published, fmt.Errorf("update price for %s: %w", tick.Asset, err)
	}

	if published > 0 {
		d.logger.InfoContext(ctx, "price crossed thresholds",
			"asset", tick.Asset,
			"from", old.String(),
			"to", tick.Price.String(),
			"notified", published,
		)
	}
	d.metrics.ObserveTick(TickProcessed, time.Since(start))
	return published, nil
}
