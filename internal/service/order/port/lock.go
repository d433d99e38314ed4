package port

import (
	"context"
	"time"
)

// ProductLocker 是按商品加锁的分布式互斥锁，带有限等待和自动过期
type ProductLocker interface {
	// TryLock 最多等待 wait，返回是否拿到锁
	TryLock(ctx context.Context, key string, wait time.Duration) (bool, error)
	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error
	// Held 判断 ctx 上的持有者是否持有该锁
	Held(ctx context.Context, key string) bool
}
