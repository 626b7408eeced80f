package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
)

// PasswordHasher 密码哈希
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// TokenIssuer 签发访问令牌
type TokenIssuer interface {
	Issue(userID, username string) (token string, expiresAt time.Time, err error)
}

// RegisterCommand 注册命令
type RegisterCommand struct {
	Username string
	Password string
}

// LoginResult 登录结果
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	UserID    string
}

// UserService 用户注册与登录
type UserService struct {
	users  domain.UserRepository
	hasher PasswordHasher
	tokens TokenIssuer
}

// NewUserService 创建用户服务
func NewUserService(users domain.UserRepository, hasher PasswordHasher, tokens TokenIssuer) *UserService {
	return &UserService{users: users, hasher: hasher, tokens: tokens}
}

// Register 注册用户，用户名重复返回 ErrUserAlreadyExists
func (s *UserService) Register(ctx context.Context, cmd RegisterCommand) (*domain.User, error) {
	username := strings.TrimSpace(cmd.Username)
	if len(username) < 3 || len(username) > 64 {
		return nil, fmt.Errorf("%w: username must be 3-64 characters", domain.ErrInvalidInput)
	}
	if len(cmd.Password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", domain.ErrInvalidInput)
	}

	existing, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, domain.ErrUserAlreadyExists
	}

	hash, err := s.hasher.Hash(cmd.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login 校验密码并签发令牌
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	token, exp, err := s.tokens.Issue(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &LoginResult{Token: token, ExpiresAt: exp, UserID: user.ID}, nil
}
