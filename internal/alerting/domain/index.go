package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// memberSeparator 成员字符串中用户 ID 与阈值的分隔符
const memberSeparator = ":"

// IndexEntry 规则索引条目，由 (Alert, User) 派生
type IndexEntry struct {
	Key    string
	Member string
	Score  float64
}

// NewIndexEntry 为某个订阅者构造索引条目
func NewIndexEntry(key AlertKey, userID string) IndexEntry {
	return IndexEntry{
		Key:    key.IndexKey(),
		Member: FormatMember(userID, key.Threshold),
		Score:  Score(key.Threshold),
	}
}

// IndexKey 规则索引 key："<asset>:<directionCode>"
func IndexKey(asset string, direction Direction) string {
	return asset + memberSeparator + direction.Code()
}

// FormatDecimal 规范十进制字符串：无科学计数法，去掉末尾 0
func FormatDecimal(d decimal.Decimal) string {
	return d.String()
}

// FormatMember 成员字符串："<userId>:<canonical threshold>"
func FormatMember(userID string, threshold decimal.Decimal) string {
	return userID + memberSeparator + FormatDecimal(threshold)
}

// ParseMember 拆出用户 ID 与阈值；阈值中不含分隔符，按最后一个分隔符切分
func ParseMember(member string) (userID string, threshold decimal.Decimal, err error) {
	i := strings.LastIndex(member, memberSeparator)
	if i <= 0 || i == len(member)-1 {
		return "", decimal.Decimal{}, fmt.Errorf("malformed rule index member %q", member)
	}
	threshold, err = decimal.NewFromString(member[i+1:])
	if err != nil {
		return "", decimal.Decimal{}, fmt.Errorf("malformed threshold in member %q: %w", member, err)
	}
	return member[:i], threshold, nil
}

// Score 阈值在有序集合中的分数
func Score(threshold decimal.Decimal) float64 {
	return threshold.InexactFloat64()
}

// RuleIndex 按 (asset, direction) 分区、按阈值排序的规则索引
type RuleIndex interface {
	// Add 幂等写入
	Add(ctx context.Context, key, member string, score float64) error
	// Remove 幂等删除，成员不存在不是错误
	Remove(ctx context.Context, key, member string) error
	// RangeByScore 查询分数位于 [min,max] 的成员，边界开闭由参数决定
	RangeByScore(ctx context.Context, key string, min, max float64, minInclusive, maxInclusive bool) ([]string, error)
	// Entries 列出分区内全部条目
	Entries(ctx context.Context, key string) ([]IndexEntry, error)
	// Score 查询单个成员的分数
	Score(ctx context.Context, key, member string) (float64, bool, error)
	// Keys 列出全部分区 key
	Keys(ctx context.Context) ([]string, error)
	// DeleteAll 清空全部分区，返回删除的分区数
	DeleteAll(ctx context.Context) (int, error)
}

// PriceCache 每个 asset 最近一次观测到的价格
type PriceCache interface {
	Get(ctx context.Context, asset string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, asset string, price decimal.Decimal) error
	DeleteAll(ctx context.Context) (int, error)
}
