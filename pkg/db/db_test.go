package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/wyfcoding/pricealert/pkg/config"
	"github.com/wyfcoding/pricealert/pkg/contextx"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	d, err := Open(postgres.New(postgres.Config{Conn: sqlDB}), config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d, mock
}

func TestWithTx_Commit(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := d.WithTx(context.Background(), func(txCtx context.Context) error {
		if _, ok := contextx.GetTx(txCtx).(*gorm.DB); !ok {
			t.Error("transaction not carried in context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := d.WithTx(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestWithTx_NestedReusesOuterTransaction(t *testing.T) {
	d, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := d.WithTx(context.Background(), func(outer context.Context) error {
		return d.WithTx(outer, func(inner context.Context) error {
			if contextx.GetTx(inner) != contextx.GetTx(outer) {
				t.Error("nested call opened a new transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestIsDuplicateKey(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("create: %w", gorm.ErrDuplicatedKey), true},
		{errors.New("Error 1062 (23000): Duplicate entry 'BTC-1-100' for key 'idx_alert_key'"), true},
		{errors.New(`ERROR: duplicate key value violates unique constraint "idx_alert_key"`), true},
		{errors.New("UNIQUE constraint failed: alerts.asset"), true},
		{gorm.ErrRecordNotFound, false},
	}
	for _, c := range cases {
		if got := IsDuplicateKey(c.err); got != c.want {
			t.Errorf("IsDuplicateKey(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
