package gormdb

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/db"
)

// AlertRepository 告警订阅存储，事务句柄通过 context 传递
type AlertRepository struct {
	db *db.DB
}

// NewAlertRepository 创建告警仓储
func NewAlertRepository(database *db.DB) *AlertRepository {
	return &AlertRepository{db: database}
}

var _ domain.AlertRepository = (*AlertRepository)(nil)

func (r *AlertRepository) getDB(ctx context.Context) *gorm.DB {
	return r.db.Conn(ctx)
}

func (r *AlertRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithTx(ctx, fn)
}

func (r *AlertRepository) FindAlert(ctx context.Context, key domain.AlertKey) (*domain.Alert, error) {
	var m AlertModel
	err := r.getDB(ctx).
		Where("asset = ? AND direction = ? AND threshold = ?", key.Asset, int(key.Direction), key.CanonicalThreshold()).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	subs, err := r.subscribers(ctx, []uint64{m.ID})
	if err != nil {
		return nil, err
	}
	return toAlert(&m, subs[m.ID])
}

// CreateAlert 冲突时不插入，RowsAffected 为 0 说明另一个事务已创建同一告警
func (r *AlertRepository) CreateAlert(ctx context.Context, key domain.AlertKey) (*domain.Alert, error) {
	m := toAlertModel(key)
	res := r.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		if db.IsDuplicateKey(res.Error) {
			return nil, domain.ErrAlertCreateRace
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrAlertCreateRace
	}
	return toAlert(m, nil)
}

// bumpVersion 以当前版本为条件递增版本号
func (r *AlertRepository) bumpVersion(ctx context.Context, alert *domain.Alert) error {
	res := r.getDB(ctx).Model(&AlertModel{}).
		Where("id = ? AND version = ?", alert.ID, alert.Version).
		Updates(map[string]any{
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	alert.Version++
	return nil
}

func (r *AlertRepository) AddSubscriber(ctx context.Context, alert *domain.Alert, userID string) error {
	if err := r.bumpVersion(ctx, alert); err != nil {
		return err
	}
	link := &AlertSubscriberModel{AlertID: alert.ID, UserID: userID, CreatedAt: time.Now().UTC()}
	if err := r.getDB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link).Error; err != nil {
		return err
	}
	alert.AddSubscriber(userID)
	return nil
}

func (r *AlertRepository) RemoveSubscriber(ctx context.Context, alert *domain.Alert, userID string) error {
	if err := r.bumpVersion(ctx, alert); err != nil {
		return err
	}
	if err := r.getDB(ctx).
		Where("alert_id = ? AND user_id = ?", alert.ID, userID).
		Delete(&AlertSubscriberModel{}).Error; err != nil {
		return err
	}
	alert.RemoveSubscriber(userID)
	return nil
}

func (r *AlertRepository) DeleteAlert(ctx context.Context, alert *domain.Alert) error {
	res := r.getDB(ctx).Where("id = ? AND version = ?", alert.ID, alert.Version).Delete(&AlertModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	return r.getDB(ctx).Where("alert_id = ?", alert.ID).Delete(&AlertSubscriberModel{}).Error
}

func (r *AlertRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Alert, error) {
	var models []*AlertModel
	err := r.getDB(ctx).
		Joins("JOIN alert_subscribers ON alert_subscribers.alert_id = alerts.id").
		Where("alert_subscribers.user_id = ?", userID).
		Order("alerts.id").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, models)
}

func (r *AlertRepository) ListAll(ctx context.Context) ([]*domain.Alert, error) {
	var models []*AlertModel
	if err := r.getDB(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	return r.hydrate(ctx, models)
}

func (r *AlertRepository) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	err := r.WithTx(ctx, func(txCtx context.Context) error {
		conn := r.getDB(txCtx).Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := conn.Delete(&AlertSubscriberModel{}).Error; err != nil {
			return err
		}
		res := conn.Delete(&AlertModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// subscribers 批量读取成员关系，按 user_id 排序
func (r *AlertRepository) subscribers(ctx context.Context, alertIDs []uint64) (map[uint64][]string, error) {
	out := make(map[uint64][]string, len(alertIDs))
	if len(alertIDs) == 0 {
		return out, nil
	}
	var links []AlertSubscriberModel
	err := r.getDB(ctx).
		Where("alert_id IN ?", alertIDs).
		Order("alert_id, user_id").
		Find(&links).Error
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		out[l.AlertID] = append(out[l.AlertID], l.UserID)
	}
	return out, nil
}

func (r *AlertRepository) hydrate(ctx context.Context, models []*AlertModel) ([]*domain.Alert, error) {
	ids := make([]uint64, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	subs, err := r.subscribers(ctx, ids)
	if err != nil {
		return nil, err
	}
	alerts := make([]*domain.Alert, 0, len(models))
	for _, m := range models {
		a, err := toAlert(m, subs[m.ID])
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
