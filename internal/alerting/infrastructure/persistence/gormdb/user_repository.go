package gormdb

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
	"github.com/wyfcoding/pricealert/pkg/db"
)

// UserRepository 用户仓储
type UserRepository struct {
	db *db.DB
}

// NewUserRepository 创建用户仓储
func NewUserRepository(database *db.DB) *UserRepository {
	return &UserRepository{db: database}
}

var _ domain.UserRepository = (*UserRepository)(nil)

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	m := &UserModel{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		CreatedAt:    user.CreatedAt,
	}
	if err := r.db.Conn(ctx).Create(m).Error; err != nil {
		if db.IsDuplicateKey(err) {
			return domain.ErrUserAlreadyExists
		}
		return err
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.first(ctx, "username = ?", username)
}

func (r *UserRepository) first(ctx context.Context, query string, arg any) (*domain.User, error) {
	var m UserModel
	err := r.db.Conn(ctx).Where(query, arg).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toUser(&m), nil
}
