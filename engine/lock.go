package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
)

var (
	LockFailedError        = errors.New("lock failed")
	LockFailedTimeOutError = errors.New("wait time out")
)

// Lock 流程实例级别的互斥, 只是减少冲突, 正确性由 generation 保证
type Lock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁, 立刻返回错误
	//                 2.可以重入锁, 同一个 ctx 链上再次加锁直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的 key
	//  @param maxLockTimeDuration 锁最大的时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

func processLockKey(h store.Handle) string {
	return fmt.Sprintf("simple_process_engine:process_instance:%d", h)
}

func randomLockValue() string {
	return fmt.Sprintf("%d_%d", rand.Int(), time.Now().UnixNano())
}
