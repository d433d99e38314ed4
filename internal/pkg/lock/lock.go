// Package lock 提供按资源加锁的分布式互斥锁：有限等待、租约自动过期、可重入。
//
// 持有者由 context 上的 owner 标识决定：WithLock 为每次调用生成新的 owner，
// 同一条 context 链上的嵌套加锁视为重入，共享同一个 Locker 的不同 goroutine 互斥。
// 没有 owner 的 context 退化为实例级持有者。
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotAcquired 在等待时间内没有拿到锁，属于可重试的情况
	ErrNotAcquired = errors.New("lock not acquired within wait time")
	// ErrNotHeld 释放一个当前实例并未持有的锁
	ErrNotHeld = errors.New("lock not held by this owner")
)

// Error 包装锁服务本身的故障（网络、协议等）
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Locker 是锁实现需要满足的接口，持有者取自 ctx
type Locker interface {
	TryLock(ctx context.Context, key string, wait time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Held(ctx context.Context, key string) bool
}

type ownerKey struct{}

// WithOwner 为 ctx 绑定一个新的持有者
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, uuid.NewString())
}

// OwnerFrom 返回 ctx 上的持有者，没有时返回空串
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// IsRetryable 判断错误是否源自加锁失败，调用方应保留消息等待重新投递
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var lockErr *Error
	return errors.Is(err, ErrNotAcquired) || errors.As(err, &lockErr)
}

// WithLock 拿到锁后执行 fn，并保证在返回前释放（仅在本次调用仍持有时释放）。
// ctx 上已有持有者时沿用，fn 内部对同一 key 的 WithLock 因此是重入。
func WithLock(ctx context.Context, l Locker, key string, wait time.Duration, fn func(ctx context.Context) error) (err error) {
	if OwnerFrom(ctx) == "" {
		ctx = WithOwner(ctx)
	}
	ok, err := l.TryLock(ctx, key, wait)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Op: "acquire", Key: key, Err: err}
	}
	if !ok {
		return errors.Wrapf(ErrNotAcquired, "key %s after %s", key, wait)
	}
	defer func() {
		if !l.Held(ctx, key) {
			return
		}
		// 使用独立的 context，关停过程中也要把锁还回去
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()
		if unlockErr := l.Unlock(releaseCtx, key); unlockErr != nil && err == nil && !errors.Is(unlockErr, ErrNotHeld) {
			err = &Error{Op: "release", Key: key, Err: unlockErr}
		}
	}()
	return fn(ctx)
}

// backoff 计算下一次重试前的等待时间，不超过剩余时间
func backoff(attempt int, remaining time.Duration) time.Duration {
	d := time.Duration(attempt+1) * 20 * time.Millisecond
	if d > 200*time.Millisecond {
		d = 200 * time.Millisecond
	}
	if d > remaining {
		d = remaining
	}
	return d
}
