package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stockflow/internal/pkg/redis"
)

const (
	acquireScriptName = "lock_acquire"
	releaseScriptName = "lock_release"
)

// acquireScript 可重入加锁：锁不存在或由同一 owner 持有时计数加一并续期，
// 否则返回剩余 TTL 供调用方决定等待多久。
var acquireScript = `
-- KEYS[1]: 锁的 key, 例如 stock:lock:product:{42}
-- ARGV[1]: 租约时长 (毫秒)
-- ARGV[2]: 持有者 ID
if (redis.call('exists', KEYS[1]) == 0) or (redis.call('hexists', KEYS[1], ARGV[2]) == 1) then
    redis.call('hincrby', KEYS[1], ARGV[2], 1)
    redis.call('pexpire', KEYS[1], ARGV[1])
    return {1, 0}
end
return {0, redis.call('pttl', KEYS[1])}
`

// releaseScript 只有持有者才能释放；重入计数归零时删除 key
var releaseScript = `
-- KEYS[1]: 锁的 key
-- ARGV[1]: 持有者 ID
-- ARGV[2]: 租约时长 (毫秒)
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return -1
end
local counter = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if counter > 0 then
    redis.call('pexpire', KEYS[1], ARGV[2])
    return counter
end
redis.call('del', KEYS[1])
return 0
`

// RedisLocker 是基于 Redis 租约的可重入锁
type RedisLocker struct {
	client *redis.Client
	owner  string
	lease  time.Duration
	prefix string

	mu   sync.Mutex
	held map[string]int
}

// NewRedisLocker 加载脚本并创建锁，owner 是实例级持有者，ctx 上的持有者附加在其后
func NewRedisLocker(ctx context.Context, client *redis.Client, prefix string, lease time.Duration) (*RedisLocker, error) {
	if err := client.LoadScriptFromContent(ctx, acquireScriptName, acquireScript); err != nil {
		return nil, errors.Wrap(err, "failed to load lock acquire script")
	}
	if err := client.LoadScriptFromContent(ctx, releaseScriptName, releaseScript); err != nil {
		return nil, errors.Wrap(err, "failed to load lock release script")
	}
	return &RedisLocker{
		client: client,
		owner:  uuid.NewString(),
		lease:  lease,
		prefix: prefix,
		held:   make(map[string]int),
	}, nil
}

// Owner 返回当前实例的持有者 ID
func (l *RedisLocker) Owner() string { return l.owner }

// ownerOf 返回写入锁 hash 的持有者字段
func (l *RedisLocker) ownerOf(ctx context.Context) string {
	if owner := OwnerFrom(ctx); owner != "" {
		return l.owner + ":" + owner
	}
	return l.owner
}

func holdKey(owner, key string) string {
	return owner + "|" + key
}

func (l *RedisLocker) redisKey(key string) string {
	return l.prefix + "{" + key + "}"
}

// TryLock 在 wait 时间内反复尝试加锁
func (l *RedisLocker) TryLock(ctx context.Context, key string, wait time.Duration) (bool, error) {
	owner := l.ownerOf(ctx)
	deadline := time.Now().Add(wait)
	for attempt := 0; ; attempt++ {
		ok, ttl, err := l.tryOnce(ctx, key, owner)
		if err != nil {
			return false, err
		}
		if ok {
			l.mu.Lock()
			l.held[holdKey(owner, key)]++
			l.mu.Unlock()
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		sleep := backoff(attempt, remaining)
		if ttl > 0 && ttl < sleep {
			sleep = ttl
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) tryOnce(ctx context.Context, key, owner string) (bool, time.Duration, error) {
	res, err := l.client.RunScript(ctx, acquireScriptName, []string{l.redisKey(key)}, l.lease.Milliseconds(), owner)
	if err != nil {
		return false, 0, err
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, errors.Errorf("unexpected reply from lock script: %T", res)
	}
	acquired, _ := reply[0].(int64)
	ttl, _ := reply[1].(int64)
	return acquired == 1, time.Duration(ttl) * time.Millisecond, nil
}

// Unlock 释放一次重入；ctx 上的持有者未持有时返回 ErrNotHeld
func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	owner := l.ownerOf(ctx)
	hk := holdKey(owner, key)
	l.mu.Lock()
	if l.held[hk] == 0 {
		l.mu.Unlock()
		return ErrNotHeld
	}
	l.held[hk]--
	if l.held[hk] == 0 {
		delete(l.held, hk)
	}
	l.mu.Unlock()

	res, err := l.client.RunScript(ctx, releaseScriptName, []string{l.redisKey(key)}, owner, l.lease.Milliseconds())
	if err != nil {
		return err
	}
	if code, _ := res.(int64); code < 0 {
		// 租约已经过期，锁可能被其他实例拿走
		return errors.Wrapf(ErrNotHeld, "lease on %s expired before release", key)
	}
	return nil
}

// Held 判断 ctx 上的持有者是否持有该锁
func (l *RedisLocker) Held(ctx context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[holdKey(l.ownerOf(ctx), key)] > 0
}
