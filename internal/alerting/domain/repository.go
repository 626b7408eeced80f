package domain

import "context"

// AlertRepository 告警订阅存储，所有写操作都应在 WithTx 内执行。
// 成员变更成功后同步更新传入 alert 的 Version 与 Subscribers。
type AlertRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// FindAlert 按业务主键读取告警及其订阅者，不存在时返回 nil, nil
	FindAlert(ctx context.Context, key AlertKey) (*Alert, error)
	// CreateAlert 创建空告警；主键已被并发创建时返回 ErrAlertCreateRace
	CreateAlert(ctx context.Context, key AlertKey) (*Alert, error)
	// AddSubscriber 以 alert.Version 为条件递增版本并写入成员关系，版本不符返回 ErrVersionConflict
	AddSubscriber(ctx context.Context, alert *Alert, userID string) error
	// RemoveSubscriber 以 alert.Version 为条件递增版本并删除成员关系，版本不符返回 ErrVersionConflict
	RemoveSubscriber(ctx context.Context, alert *Alert, userID string) error
	// DeleteAlert 以 alert.Version 为条件删除告警，版本不符返回 ErrVersionConflict
	DeleteAlert(ctx context.Context, alert *Alert) error

	// ListByUser 用户订阅的全部告警
	ListByUser(ctx context.Context, userID string) ([]*Alert, error)
	// ListAll 全部告警及订阅者，用于重建索引
	ListAll(ctx context.Context) ([]*Alert, error)
	// DeleteAll 删除全部告警，返回删除数量
	DeleteAll(ctx context.Context) (int64, error)
}
