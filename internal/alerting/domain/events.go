package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind 订阅变更事件类型
type EventKind string

const (
	// EventUserSubscribed 用户加入告警
	EventUserSubscribed EventKind = "USER_SUBSCRIBED"
	// EventUserUnsubscribed 用户退出告警
	EventUserUnsubscribed EventKind = "USER_UNSUBSCRIBED"
)

// AlertEvent 订阅存储在事务提交后发出的领域事件，用于同步规则索引
type AlertEvent struct {
	Kind       EventKind       `json:"kind"`
	AlertID    uint64          `json:"alert_id"`
	Asset      string          `json:"asset"`
	Direction  Direction       `json:"direction"`
	Threshold  decimal.Decimal `json:"threshold"`
	UserID     string          `json:"user_id"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewAlertEvent 构造事件
func NewAlertEvent(kind EventKind, alert *Alert, userID string) AlertEvent {
	return AlertEvent{
		Kind:       kind,
		AlertID:    alert.ID,
		Asset:      alert.Key.Asset,
		Direction:  alert.Key.Direction,
		Threshold:  alert.Key.Threshold,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
	}
}

// Key 事件对应的告警主键
func (e AlertEvent) Key() AlertKey {
	return AlertKey{Asset: e.Asset, Direction: e.Direction, Threshold: e.Threshold}
}

// IndexEntry 事件对应的索引条目
func (e AlertEvent) IndexEntry() IndexEntry {
	return NewIndexEntry(e.Key(), e.UserID)
}

// EventPublisher 发布订阅变更事件
type EventPublisher interface {
	PublishAlertEvent(ctx context.Context, event AlertEvent) error
}

// NotificationPublisher 发布告警通知
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n Notification) error
}
