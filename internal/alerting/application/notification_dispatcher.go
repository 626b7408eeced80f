package application

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/logger"
)

// SessionDeliverer 将消息投递给在线用户，用户不在线时返回 false
type SessionDeliverer interface {
	Deliver(userID string, payload []byte) bool
}

// NotificationDispatcher 从通知总线取出通知并交给会话注册表
type NotificationDispatcher struct {
	sessions SessionDeliverer
	logger   *slog.Logger
}

// NewNotificationDispatcher 创建分发器
func NewNotificationDispatcher(sessions SessionDeliverer) *NotificationDispatcher {
	return &NotificationDispatcher{
		sessions: sessions,
		logger:   logger.Module("notification-dispatcher"),
	}
}

// HandlePayload 处理一条总线消息，投递失败只记录日志
func (d *NotificationDispatcher) HandlePayload(ctx context.Context, payload []byte) {
	var n domain.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		d.logger.WarnContext(ctx, "discarding malformed notification", "error", err)
		return
	}
	if n.User == "" {
		d.logger.WarnContext(ctx, "discarding notification without user", "asset", n.Asset)
		return
	}
	if d.sessions.Deliver(n.User, payload) {
		d.logger.DebugContext(ctx, "notification delivered", "user_id", n.User, "asset", n.Asset)
	}
}
