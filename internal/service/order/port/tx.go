package port

import "context"

// TxManager 在一个数据库事务中执行 fn，存储实现从 ctx 中取出事务
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
