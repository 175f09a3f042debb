package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalLock 进程内的锁, 单实例部署时使用
func NewLocalLock() Lock {
	return &localLock{
		holders: make(map[string]*localLockInfo),
	}
}

type localLock struct {
	mu      sync.Mutex
	holders map[string]*localLockInfo
}

type localLockInfo struct {
	value string      // 持有者标识
	timer *time.Timer // 超时自动释放
}

func (l *localLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁
		return f(ctx)
	}

	value := randomLockValue()
	l.mu.Lock()
	if _, ok := l.holders[key]; ok {
		l.mu.Unlock()
		return errors.WithMessagef(LockFailedError, "[localLock.NonBlockingSynchronized] has been locked, key: %s", key)
	}
	l.holders[key] = &localLockInfo{
		value: value,
		timer: time.AfterFunc(maxLockTimeDuration, func() {
			l.releaseKey(key, value)
		}),
	}
	l.mu.Unlock()
	defer l.releaseKey(key, value)

	return f(context.WithValue(ctx, lockKey(key), value))
}

func (l *localLock) releaseKey(key string, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, ok := l.holders[key]
	if !ok {
		return
	}
	if info.value != value {
		// 超时之后已经被别人拿到了
		slog.Warn(fmt.Sprintf("[localLock.releaseKey] value mismatch, key: %s, expected: %s, got: %s", key, info.value, value))
		return
	}
	info.timer.Stop()
	delete(l.holders, key)
}
