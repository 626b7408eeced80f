package marketfeed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

// TickPublisher 发布行情 tick
type TickPublisher interface {
	PublishTick(ctx context.Context, tick domain.PriceTick) error
}

var (
	maxStep  = decimal.NewFromFloat(0.01)
	minPrice = decimal.RequireFromString("0.01")
)

// Simulator 随机游走行情源，每个周期为每个 asset 生成一条 tick，单步涨跌不超过 1%
type Simulator struct {
	publisher TickPublisher
	interval  time.Duration
	assets    []string
	prices    map[string]decimal.Decimal
	rnd       *rand.Rand
	logger    *slog.Logger
}

// NewSimulator 创建模拟器，initial 为 asset 到初始价格
func NewSimulator(publisher TickPublisher, interval time.Duration, initial map[string]string, seed uint64) (*Simulator, error) {
	s := &Simulator{
		publisher: publisher,
		interval:  interval,
		prices:    make(map[string]decimal.Decimal, len(initial)),
		rnd:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:    logger.Module("simulator"),
	}
	for asset, raw := range initial {
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("invalid initial price %q for %s", raw, asset)
		}
		asset = domain.NormalizeAsset(asset)
		s.assets = append(s.assets, asset)
		s.prices[asset] = price
	}
	slices.Sort(s.assets)
	return s, nil
}

// Step 推进一步并返回新 tick
func (s *Simulator) Step(now time.Time) []domain.PriceTick {
	ticks := make([]domain.PriceTick, 0, len(s.assets))
	for _, asset := range s.assets {
		change := decimal.NewFromFloat(s.rnd.Float64()*2 - 1).Mul(maxStep)
		price := s.prices[asset].Mul(decimal.NewFromInt(1).Add(change)).Round(2)
		if price.LessThan(minPrice) {
			price = minPrice
		}
		s.prices[asset] = price
		ticks = append(ticks, domain.PriceTick{Asset: asset, Price: price, Timestamp: now.UnixMilli()})
	}
	return ticks
}

// Run 按周期发布直到 ctx 结束，单次发布失败只记录日志
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.InfoContext(ctx, "market simulator started", "assets", s.assets, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, tick := range s.Step(now) {
				if err := s.publisher.PublishTick(ctx, tick); err != nil {
					s.logger.ErrorContext(ctx, "failed to publish simulated tick", "asset", tick.Asset, "error", err)
				}
			}
		}
	}
}
