// Package db 提供 GORM 初始化、连接池配置、事务助手与唯一约束错误识别
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/contextx"
	pkgLogger "github.com/wyfcoding/pricealert/pkg/logger"
)

// DB 数据库实例包装
type DB struct {
	*gorm.DB
	config config.DatabaseConfig
}

// Init 根据驱动类型初始化数据库连接
func Init(cfg config.DatabaseConfig) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	return Open(dialector, cfg)
}

// Open 使用给定方言打开连接，测试可传入 sqlite 或 sqlmock 方言
func Open(dialector gorm.Dialector, cfg config.DatabaseConfig) (*DB, error) {
	gormLogger := NewGormLogger(cfg.LogEnabled, time.Duration(cfg.SlowQueryThreshold)*time.Millisecond)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pkgLogger.Info(context.Background(), "Database connected successfully", "driver", dialector.Name())

	return &DB{
		DB:     db,
		config: cfg,
	}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 检查数据库连通性
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithTx 在事务中执行 fn，事务句柄随 context 传递，fn 返回错误时回滚
func (d *DB) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return fn(ctx)
	}
	return d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(contextx.WithTx(ctx, tx))
	})
}

// Conn 返回 context 中的事务句柄，没有事务时返回带 context 的连接
func (d *DB) Conn(ctx context.Context) *gorm.DB {
	if tx, ok := contextx.GetTx(ctx).(*gorm.DB); ok {
		return tx
	}
	return d.DB.WithContext(ctx)
}

// IsDuplicateKey 判断错误是否为唯一约束冲突
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "unique constraint failed")
}

// GormLogger 将 GORM 日志转发到 slog
type GormLogger struct {
	enabled            bool
	slowQueryThreshold time.Duration
}

// NewGormLogger 创建 GORM 日志记录器
func NewGormLogger(enabled bool, slowQueryThreshold time.Duration) *GormLogger {
	return &GormLogger{
		enabled:            enabled,
		slowQueryThreshold: slowQueryThreshold,
	}
}

// LogMode 设置日志模式
func (l *GormLogger) LogMode(logger.LogLevel) logger.Interface {
	return l
}

// Info 记录信息日志
func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.enabled {
		pkgLogger.Info(ctx, msg, "data", data)
	}
}

// Warn 记录警告日志
func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	pkgLogger.Warn(ctx, msg, "data", data)
}

// Error 记录错误日志
func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	pkgLogger.Error(ctx, msg, "data", data)
}

// Trace 记录 SQL 执行日志。未找到记录与唯一冲突属于业务分支，不按错误输出。
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !IsDuplicateKey(err):
		sqlStr, rows := fc()
		pkgLogger.Error(ctx, "SQL execution failed", "duration", elapsed, "rows", rows, "sql", sqlStr, "error", err)
	case l.slowQueryThreshold > 0 && elapsed > l.slowQueryThreshold:
		sqlStr, rows := fc()
		pkgLogger.Warn(ctx, "Slow query detected", "duration", elapsed, "rows", rows, "sql", sqlStr)
	case l.enabled:
		sqlStr, rows := fc()
		pkgLogger.Debug(ctx, "SQL executed", "duration", elapsed, "rows", rows, "sql", sqlStr)
	}
}
