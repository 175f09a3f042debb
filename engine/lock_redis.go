package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisLock 多个进程共用一个存储时使用
func NewRedisLock(redisClient redis.Cmdable) Lock {
	return &redisLock{redisClient: redisClient}
}

type redisLock struct {
	redisClient redis.Cmdable
}

func (d *redisLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := randomLockValue()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(LockFailedError, "[redisLock.NonBlockingSynchronized] key: %s, err: %v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(LockFailedError, "[redisLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	defer d.releaseKey(ctx, key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisLock) releaseKey(ctx context.Context, key string, value string) {
	// ctx 可能已经被 cancel, 释放锁不能跟着取消
	replyInterface, err := d.redisClient.Eval(context.WithoutCancel(ctx), delCommand, []string{key}, value).Result()
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisLock.releaseKey] release key failed, key: %s, err: %v", key, err))
		return
	}
	if reply, ok := replyInterface.(int64); !ok || reply != 1 {
		slog.WarnContext(ctx, fmt.Sprintf("[redisLock.releaseKey] key not released, key: %s, reply: %v", key, replyInterface))
	}
}
