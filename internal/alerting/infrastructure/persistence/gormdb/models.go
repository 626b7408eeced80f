// Package gormdb 基于 GORM 的订阅存储：告警、用户与多对多成员关系
package gormdb

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
)

// UserModel 用户表
type UserModel struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Username     string    `gorm:"column:username;type:varchar(64);uniqueIndex;not null"`
	PasswordHash string    `gorm:"column:password_hash;type:varchar(255);not null"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (UserModel) TableName() string { return "users" }

// AlertModel 告警表；阈值以规范十进制字符串存储，数值相等的阈值命中同一唯一键
type AlertModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Asset     string    `gorm:"column:asset;type:varchar(32);not null;uniqueIndex:uk_alert_identity,priority:1"`
	Direction int       `gorm:"column:direction;not null;uniqueIndex:uk_alert_identity,priority:2"`
	Threshold string    `gorm:"column:threshold;type:varchar(64);not null;uniqueIndex:uk_alert_identity,priority:3"`
	Version   int64     `gorm:"column:version;not null;default:0"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (AlertModel) TableName() string { return "alerts" }

// AlertSubscriberModel 告警与用户的成员关系
type AlertSubscriberModel struct {
	AlertID   uint64    `gorm:"column:alert_id;primaryKey"`
	UserID    string    `gorm:"column:user_id;type:varchar(36);primaryKey;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (AlertSubscriberModel) TableName() string { return "alert_subscribers" }

// AutoMigrate 创建或更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserModel{}, &AlertModel{}, &AlertSubscriberModel{})
}

func toAlertModel(key domain.AlertKey) *AlertModel {
	return &AlertModel{
		Asset:     key.Asset,
		Direction: int(key.Direction),
		Threshold: key.CanonicalThreshold(),
	}
}

func toAlert(m *AlertModel, subscribers []string) (*domain.Alert, error) {
	threshold, err := decimal.NewFromString(m.Threshold)
	if err != nil {
		return nil, fmt.Errorf("alert %d has corrupt threshold %q: %w", m.ID, m.Threshold, err)
	}
	return &domain.Alert{
		ID:          m.ID,
		Key:         domain.AlertKey{Asset: m.Asset, Direction: domain.Direction(m.Direction), Threshold: threshold},
		Version:     m.Version,
		Subscribers: subscribers,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

func toUser(m *UserModel) *domain.User {
	return &domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}
