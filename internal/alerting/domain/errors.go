package domain

import "errors"

var (
	// ErrAlertNotFound 告警不存在
	ErrAlertNotFound = errors.New("alert not found")
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrUserAlreadyExists 用户名已被注册
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrInvalidAlert 告警参数非法
	ErrInvalidAlert = errors.New("invalid alert")
	// ErrInvalidInput 请求参数非法
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTick 行情 tick 非法
	ErrInvalidTick = errors.New("invalid price tick")
	// ErrInvalidCredentials 用户名或密码错误
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized token 缺失或无效
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVersionConflict 乐观锁版本冲突，可重试
	ErrVersionConflict = errors.New("alert version conflict")
	// ErrAlertCreateRace 并发创建同一告警时落败，可重试（重试时读取胜者的行）
	ErrAlertCreateRace = errors.New("alert created concurrently")
	// ErrConcurrentConflict 乐观重试耗尽，调用方可整体重试
	ErrConcurrentConflict = errors.New("concurrent modification conflict")
)

// IsStoreConflict 是否为订阅存储可机械重试的冲突
func IsStoreConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAlertCreateRace)
}
