package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

// CleanupReport 清理结果
type CleanupReport struct {
	AlertsDeleted    int64 `json:"alerts_deleted"`
	IndexKeysDeleted int   `json:"index_keys_deleted"`
	PricesDeleted    int   `json:"prices_deleted"`
}

// ReindexReport 重建结果
type ReindexReport struct {
	Alerts  int `json:"alerts"`
	Entries int `json:"entries"`
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// MaintenanceService 运维操作：全量清理与从订阅存储重建规则索引
type MaintenanceService struct {
	repo   domain.AlertRepository
	index  domain.RuleIndex
	prices domain.PriceCache
	logger *slog.Logger
}

// NewMaintenanceService 创建运维服务
func NewMaintenanceService(repo domain.AlertRepository, index domain.RuleIndex, prices domain.PriceCache) *MaintenanceService {
	return &MaintenanceService{
		repo:   repo,
		index:  index,
		prices: prices,
		logger: logger.Module("maintenance"),
	}
}

// Cleanup 删除全部告警、规则索引与价格缓存
func (s *MaintenanceService) Cleanup(ctx context.Context) (*CleanupReport, error) {
	report := &CleanupReport{}
	var err error

	if report.AlertsDeleted, err = s.repo.DeleteAll(ctx); err != nil {
		return nil, fmt.Errorf("delete alerts: %w", err)
	}
	if report.IndexKeysDeleted, err = s.index.DeleteAll(ctx); err != nil {
		return nil, fmt.Errorf("delete rule index: %w", err)
	}
	if report.PricesDeleted, err = s.prices.DeleteAll(ctx); err != nil {
		return nil, fmt.Errorf("delete price cache: %w", err)
	}

	s.logger.InfoContext(ctx, "cleanup finished",
		"alerts", report.AlertsDeleted,
		"index_keys", report.IndexKeysDeleted,
		"prices", report.PricesDeleted,
	)
	return report, nil
}

// Reindex 按订阅存储的当前状态校正规则索引。
// 只补齐缺失条目、删除残留条目，已正确的条目全程保留，重建期间的 tick 不会漏判穿越。
func (s *MaintenanceService) Reindex(ctx context.Context) (*ReindexReport, error) {
	alerts, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}

	report := &ReindexReport{Alerts: len(alerts)}
	desired := make(map[string]map[string]float64)
	for _, alert := range alerts {
		for _, e := range alert.IndexEntries() {
			if desired[e.Key] == nil {
				desired[e.Key] = make(map[string]float64)
			}
			desired[e.Key][e.Member] = e.Score
			report.Entries++
		}
	}

	keys, err := s.index.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rule index keys: %w", err)
	}
	present := make(map[string]map[string]float64, len(keys))
	for _, key := range keys {
		entries, err := s.index.Entries(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		members := make(map[string]float64, len(entries))
		for _, e := range entries {
			members[e.Member] = e.Score
		}
		present[key] = members
	}

	// 先补齐再清理
	for key, members := range desired {
		for member, score := range members {
			if got, ok := present[key][member]; ok && got == score {
				continue
			}
			if err := s.index.Add(ctx, key, member, score); err != nil {
				return nil, fmt.Errorf("add %s to %s: %w", member, key, err)
			}
			report.Added++
		}
	}
	for key, members := range present {
		for member := range members {
			if _, ok := desired[key][member]; ok {
				continue
			}
			if err := s.index.Remove(ctx, key, member); err != nil {
				return nil, fmt.Errorf("remove %s from %s: %w", member, key, err)
			}
			report.Removed++
		}
	}

	s.logger.InfoContext(ctx, "rule index reconciled",
		"alerts", report.Alerts,
		"entries", report.Entries,
		"added", report.Added,
		"removed", report.Removed,
	)
	return report, nil
}
