// Package contextx 在 context 中传递事务句柄
package contextx

import "context"

type txKey struct{}

// WithTx 将事务句柄写入 context，仓储通过 GetTx 取回并复用同一事务
func WithTx(ctx context.Context, tx any) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTx 取出事务句柄，不存在时返回 nil
func GetTx(ctx context.Context) any {
	if ctx == nil {
		return nil
	}
	return ctx.Value(txKey{})
}
