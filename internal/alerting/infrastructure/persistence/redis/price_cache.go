package redis

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/cache"
)

const pricePrefix = "price:"

// PriceCache 每个 asset 的最近价格，值为规范十进制字符串，不设过期
type PriceCache struct {
	cache *cache.RedisCache
}

// NewPriceCache 创建价格缓存
func NewPriceCache(c *cache.RedisCache) *PriceCache {
	return &PriceCache{cache: c}
}

var _ domain.PriceCache = (*PriceCache)(nil)

func (p *PriceCache) Get(ctx context.Context, asset string) (decimal.Decimal, bool, error) {
	raw, found, err := p.cache.Get(ctx, pricePrefix+asset)
	if err != nil || !found {
		return decimal.Decimal{}, false, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, false, fmt.Errorf("corrupt cached price for %s: %w", asset, err)
	}
	return price, true, nil
}

func (p *PriceCache) Set(ctx context.Context, asset string, price decimal.Decimal) error {
	return p.cache.Set(ctx, pricePrefix+asset, domain.FormatDecimal(price), 0)
}

func (p *PriceCache) DeleteAll(ctx context.Context) (int, error) {
	return p.cache.DeleteByPattern(ctx, pricePrefix+"*")
}
