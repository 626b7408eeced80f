// Package redis 基于 Redis 有序集合的规则索引与价格缓存
package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/cache"
)

// indexKeyPatterns 匹配全部 "<asset>:<code>" 分区；price:0 之类的同名 key 由类型过滤排除
var indexKeyPatterns = []string{"*:[01]", "*:-1"}

const indexKeyType = "zset"

// RuleIndex 规则索引：每个 (asset, direction) 一个 ZSET，member=userId:threshold，score=threshold
type RuleIndex struct {
	cache *cache.RedisCache
}

// NewRuleIndex 创建规则索引
func NewRuleIndex(c *cache.RedisCache) *RuleIndex {
	return &RuleIndex{cache: c}
}

var _ domain.RuleIndex = (*RuleIndex)(nil)

func (r *RuleIndex) Add(ctx context.Context, key, member string, score float64) error {
	return r.cache.ZAdd(ctx, key, member, score)
}

func (r *RuleIndex) Remove(ctx context.Context, key, member string) error {
	return r.cache.ZRem(ctx, key, member)
}

// RangeByScore 开区间端点通过 math.Nextafter 收缩到相邻的 float64
func (r *RuleIndex) RangeByScore(ctx context.Context, key string, min, max float64, minInclusive, maxInclusive bool) ([]string, error) {
	if !minInclusive {
		min = math.Nextafter(min, math.Inf(1))
	}
	if !maxInclusive {
		max = math.Nextafter(max, math.Inf(-1))
	}
	if min > max {
		return nil, nil
	}
	return r.cache.ZRangeByScore(ctx, key, formatScore(min), formatScore(max))
}

func (r *RuleIndex) Entries(ctx context.Context, key string) ([]domain.IndexEntry, error) {
	zs, err := r.cache.ZRangeWithScores(ctx, key)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.IndexEntry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type %T in %s", z.Member, key)
		}
		entries = append(entries, domain.IndexEntry{Key: key, Member: member, Score: z.Score})
	}
	return entries, nil
}

func (r *RuleIndex) Score(ctx context.Context, key, member string) (float64, bool, error) {
	return r.cache.ZScore(ctx, key, member)
}

func (r *RuleIndex) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	for _, pattern := range indexKeyPatterns {
		batch, err := r.cache.ScanKeysOfType(ctx, pattern, indexKeyType)
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
	}
	return keys, nil
}

// DeleteAll 只删除 ZSET 分区，共用 Redis 的其他 key 不受影响
func (r *RuleIndex) DeleteAll(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
