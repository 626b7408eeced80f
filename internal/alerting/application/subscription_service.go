package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
	"github.com/wyfcoding/pricealert/pkg/metrics"
	"github.com/wyfcoding/pricealert/pkg/retry"
)

// SubscribeCommand 订阅命令
type SubscribeCommand struct {
	UserID    string
	Asset     string
	Direction domain.Direction
	Threshold decimal.Decimal
}

// Key 校验并构造告警主键
func (c SubscribeCommand) Key() (domain.AlertKey, error) {
	return domain.NewAlertKey(c.Asset, c.Direction, c.Threshold)
}

// SubscriptionService 告警订阅服务：事务内修改成员关系，提交后发布领域事件
type SubscriptionService struct {
	repo    domain.AlertRepository
	users   domain.UserRepository
	events  domain.EventPublisher
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubscriptionService 创建订阅服务。policy 的 Retryable 会被替换为存储冲突判定。
func NewSubscriptionService(
	repo domain.AlertRepository,
	users domain.UserRepository,
	events domain.EventPublisher,
	policy retry.Policy,
	m *metrics.Metrics,
) *SubscriptionService {
	s := &SubscriptionService{
		repo:    repo,
		users:   users,
		events:  events,
		metrics: m,
		logger:  logger.Module("subscription"),
	}
	policy.Retryable = domain.IsStoreConflict
	policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		s.metrics.StoreConflictRetried()
		s.logger.Debug("retrying subscription after store conflict", "attempt", attempt, "wait", wait, "error", err)
	}
	s.policy = policy
	return s
}

// Subscribe 查找或创建告警并加入订阅者。重复订阅是幂等的空操作，不发事件。
func (s *SubscriptionService) Subscribe(ctx context.Context, cmd SubscribeCommand) (*domain.Alert, error) {
	key, err := cmd.Key()
	if err != nil {
		return nil, err
	}

	var (
		alert   *domain.Alert
		changed bool
	)
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		changed = false
		return s.repo.WithTx(ctx, func(txCtx context.Context) error {
			user, err := s.users.GetByID(txCtx, cmd.UserID)
			if err != nil {
				return err
			}
			if user == nil {
				return domain.ErrUserNotFound
			}

			found, err := s.repo.FindAlert(txCtx, key)
			if err != nil {
				return err
			}
			if found == nil {
				// 并发创建落败时返回 ErrAlertCreateRace，重试时会读到胜者的行
				if found, err = s.repo.CreateAlert(txCtx, key); err != nil {
					return err
				}
			}
			alert = found
			if alert.HasSubscriber(cmd.UserID) {
				return nil
			}
			if err := s.repo.AddSubscriber(txCtx, alert, cmd.UserID); err != nil {
				return err
			}
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, s.translate(err, "subscribe")
	}

	if changed {
		s.publish(ctx, domain.NewAlertEvent(domain.EventUserSubscribed, alert, cmd.UserID))
		s.logger.InfoContext(ctx, "user subscribed", "user_id", cmd.UserID, "alert", key.String())
	}
	return alert, nil
}

// Unsubscribe 退出告警；告警不存在返回 ErrAlertNotFound，未订阅时静默成功，最后一个订阅者退出时删除告警。
func (s *SubscriptionService) Unsubscribe(ctx context.Context, cmd SubscribeCommand) error {
	key, err := cmd.Key()
	if err != nil {
		return err
	}

	var (
		alert   *domain.Alert
		changed bool
	)
	err = s.policy.Do(ctx, func(ctx context.Context) error {
		changed = false
		return s.repo.WithTx(ctx, func(txCtx context.Context) error {
			found, err := s.repo.FindAlert(txCtx, key)
			if err != nil {
				return err
			}
			if found == nil {
				return domain.ErrAlertNotFound
			}
			alert = found
			if !alert.HasSubscriber(cmd.UserID) {
				return nil
			}
			if err := s.repo.RemoveSubscriber(txCtx, alert, cmd.UserID); err != nil {
				return err
			}
			if alert.Empty() {
				if err := s.repo.DeleteAlert(txCtx, alert); err != nil {
					return err
				}
			}
			changed = true
			return nil
		})
	})
	if err != nil {
		return s.translate(err, "unsubscribe")
	}

	if changed {
		s.publish(ctx, domain.NewAlertEvent(domain.EventUserUnsubscribed, alert, cmd.UserID))
		s.logger.InfoContext(ctx, "user unsubscribed", "user_id", cmd.UserID, "alert", key.String(), "alert_deleted", alert.Empty())
	}
	return nil
}

// ListByUser 用户当前订阅的告警
func (s *SubscriptionService) ListByUser(ctx context.Context, userID string) ([]*domain.Alert, error) {
	return s.repo.ListByUser(ctx, userID)
}

// translate 重试耗尽后的存储冲突统一报告为 ErrConcurrentConflict，其余错误原样返回
func (s *SubscriptionService) translate(err error, op string) error {
	if domain.IsStoreConflict(err) {
		s.logger.Warn("optimistic retries exhausted", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrConcurrentConflict, err))
	}
	return err
}

// publish 事件发布失败只记录日志，索引偏差由重建索引修复
func (s *SubscriptionService) publish(ctx context.Context, event domain.AlertEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishAlertEvent(ctx, event); err != nil {
		s.metrics.IndexSyncFailed()
		s.logger.ErrorContext(ctx, "failed to publish alert event",
			"kind", event.Kind,
			"alert_id", event.AlertID,
			"user_id", event.UserID,
			"error", err,
		)
	}
}
