package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLock(t *testing.T) {
	ctx := context.Background()

	t.Run("可重入", func(t *testing.T) {
		l := NewLocalLock()
		called := false
		err := l.NonBlockingSynchronized(ctx, "k", time.Second, func(ctx context.Context) error {
			return l.NonBlockingSynchronized(ctx, "k", time.Second, func(ctx context.Context) error {
				called = true
				return nil
			})
		})
		require.NoError(t, err)
		assert.True(t, called)
	})

	t.Run("已经被锁", func(t *testing.T) {
		l := NewLocalLock()
		err := l.NonBlockingSynchronized(ctx, "k", time.Second, func(context.Context) error {
			return l.NonBlockingSynchronized(context.Background(), "k", time.Second, func(context.Context) error {
				return nil
			})
		})
		assert.True(t, errors.Is(err, LockFailedError))
		assert.True(t, IsRetryable(err))

		// 释放之后可以再次加锁
		require.NoError(t, l.NonBlockingSynchronized(ctx, "k", time.Second, func(context.Context) error { return nil }))
	})

	t.Run("超时自动释放", func(t *testing.T) {
		l := NewLocalLock()
		release := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = l.NonBlockingSynchronized(ctx, "k", 20*time.Millisecond, func(context.Context) error {
				<-release
				return nil
			})
		}()
		require.Eventually(t, func() bool {
			return l.NonBlockingSynchronized(ctx, "k", time.Second, func(context.Context) error { return nil }) == nil
		}, time.Second, 10*time.Millisecond)
		close(release)
		<-done
	})

	t.Run("并发只有一个成功", func(t *testing.T) {
		l := NewLocalLock()
		var (
			wg      sync.WaitGroup
			success int32
			failed  int32
			start   = make(chan struct{})
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := l.NonBlockingSynchronized(ctx, "k", time.Second, func(context.Context) error {
					atomic.AddInt32(&success, 1)
					// 等其他的都失败之后再释放
					deadline := time.Now().Add(time.Second)
					for atomic.LoadInt32(&failed) < 9 && time.Now().Before(deadline) {
						time.Sleep(time.Millisecond)
					}
					return nil
				})
				if err != nil {
					atomic.AddInt32(&failed, 1)
				}
			}()
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&success))
		assert.Equal(t, int32(9), atomic.LoadInt32(&failed))
	})
}
