// Package auth 提供 HS256 JWT 签发校验与 bcrypt 密码哈希
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wyfcoding/pricealert/internal/alerting/domain"
)

// Claims access token 载荷，Subject 为用户 ID
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenService 签发并校验 access token
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenService 创建令牌服务
func NewTokenService(secret string, ttl time.Duration, issuer string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue 签发 access token
func (s *TokenService) Issue(userID, username string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验 token 并返回用户 ID，失败统一包装为 ErrUnauthorized
func (s *TokenService) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	return claims.Subject, nil
}
