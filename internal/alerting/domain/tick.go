package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceTick 一条行情观测
type PriceTick struct {
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// NormalizeAsset asset 统一为去空白的大写形式
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Validate 校验并规范化 tick
func (t *PriceTick) Validate() error {
	t.Asset = NormalizeAsset(t.Asset)
	if t.Asset == "" {
		return fmt.Errorf("%w: asset must not be blank", ErrInvalidTick)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidTick)
	}
	return nil
}

// Notification 推送给单个订阅者的告警通知
type Notification struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
	User  string          `json:"user"`
}
