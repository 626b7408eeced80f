package domain

import (
	"context"
	"time"
)

// User 用户，核心流程只关心其 ID 与告警成员关系
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// UserRepository 用户仓储
type UserRepository interface {
	// Create 用户名重复时返回 ErrUserAlreadyExists
	Create(ctx context.Context, user *User) error
	// GetByID 不存在时返回 nil, nil
	GetByID(ctx context.Context, id string) (*User, error)
	// GetByUsername 不存在时返回 nil, nil
	GetByUsername(ctx context.Context, username string) (*User, error)
}
