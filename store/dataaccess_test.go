package store

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataAccess(t *testing.T) {
	ctx := context.Background()
	cache := NewLocalCache()
	da := NewDataAccess(NewMemoryBackend(), WithCache(cache))

	var h Handle
	committed := false
	err := da.WithTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
		var err error
		h, err = tx.PutProcessInstance(ctx, &ProcessInstancePo{ModelID: "m", State: "new"})
		if err != nil {
			return err
		}
		_, err = tx.PutNodeInstance(ctx, &NodeInstancePo{ProcessInstanceID: int64(h), NodeID: "start", EntryNo: 1})
		tx.OnCommit(func(ctx context.Context) { committed = true })
		return err
	})
	require.NoError(t, err)
	assert.True(t, committed)

	t.Run("读穿缓存", func(t *testing.T) {
		tx, err := da.ReadOnly(ctx)
		require.NoError(t, err)
		agg, err := tx.LoadAggregate(ctx, h)
		require.NoError(t, err)
		require.Len(t, agg.Nodes, 1)
		tx.Close(ctx)

		cached, ok := cache.Get(ctx, h)
		require.True(t, ok)
		assert.Equal(t, "m", cached.Instance.ModelID)
	})

	t.Run("写入后失效", func(t *testing.T) {
		err := da.WithTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
			agg, err := tx.LoadAggregate(ctx, h)
			if err != nil {
				return err
			}
			po := agg.Instance
			po.Generation = 1
			po.State = "started"
			return tx.SetProcessInstance(ctx, po, 0)
		})
		require.NoError(t, err)
		_, ok := cache.Get(ctx, h)
		assert.False(t, ok)

		tx, err := da.ReadOnly(ctx)
		require.NoError(t, err)
		defer tx.Close(ctx)
		agg, err := tx.LoadAggregate(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, "started", agg.Instance.State)
	})

	t.Run("回滚不执行回调", func(t *testing.T) {
		called := false
		err := da.WithTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
			tx.OnCommit(func(ctx context.Context) { called = true })
			return errors.New("boom")
		})
		require.Error(t, err)
		assert.False(t, called)
	})

	t.Run("冲突时失效缓存", func(t *testing.T) {
		tx, err := da.ReadOnly(ctx)
		require.NoError(t, err)
		_, err = tx.LoadAggregate(ctx, h)
		require.NoError(t, err)
		tx.Close(ctx)

		err = da.WithTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
			agg, err := tx.LoadAggregate(ctx, h)
			if err != nil {
				return err
			}
			agg.Instance.Generation = 1
			return tx.SetProcessInstance(ctx, agg.Instance, 0)
		})
		assert.True(t, errors.Is(err, ErrConflict))
		_, ok := cache.Get(ctx, h)
		assert.False(t, ok)
	})

	t.Run("事务关闭后不能再用", func(t *testing.T) {
		tx, err := da.StartTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		assert.True(t, errors.Is(tx.Commit(ctx), ErrTransactionClosed))
	})
}

// interleavingBackend 在读完流程实例、读节点实例之前插入一次操作
type interleavingBackend struct {
	Backend
	beforeListNodes func()
}

func (b *interleavingBackend) Begin(ctx context.Context, writable bool) (Tx, error) {
	tx, err := b.Backend.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &interleavingTx{Tx: tx, backend: b}, nil
}

type interleavingTx struct {
	Tx
	backend *interleavingBackend
}

func (t *interleavingTx) ListNodeInstances(ctx context.Context, process Handle) ([]*NodeInstancePo, error) {
	if fn := t.backend.beforeListNodes; fn != nil {
		t.backend.beforeListNodes = nil
		fn()
	}
	return t.Tx.ListNodeInstances(ctx, process)
}

func TestCacheFill(t *testing.T) {
	ctx := context.Background()

	t.Run("读取期间有提交不回填", func(t *testing.T) {
		backend := &interleavingBackend{Backend: NewMemoryBackend()}
		cache := NewLocalCache()
		da := NewDataAccess(backend, WithCache(cache))

		var h Handle
		err := da.WithTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
			var err error
			h, err = tx.PutProcessInstance(ctx, &ProcessInstancePo{ModelID: "m", State: "started"})
			return err
		})
		require.NoError(t, err)

		backend.beforeListNodes = func() {
			err := da.WithTransaction(ctx, func(ctx context.Context, tx *Transaction) error {
				po, err := tx.GetProcessInstance(ctx, h)
				if err != nil {
					return err
				}
				po.Generation = 1
				po.State = "finished"
				return tx.SetProcessInstance(ctx, po, 0)
			})
			require.NoError(t, err)
		}

		tx, err := da.ReadOnly(ctx)
		require.NoError(t, err)
		agg, err := tx.LoadAggregate(ctx, h)
		require.NoError(t, err)
		tx.Close(ctx)
		// 这次读到的是旧数据, 但不能留在缓存里
		assert.Equal(t, "started", agg.Instance.State)
		_, ok := cache.Get(ctx, h)
		assert.False(t, ok)

		tx, err = da.ReadOnly(ctx)
		require.NoError(t, err)
		defer tx.Close(ctx)
		agg, err = tx.LoadAggregate(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, int64(1), agg.Instance.Generation)
		assert.Equal(t, "finished", agg.Instance.State)
	})

	t.Run("fence 之后失效或清空的不写入", func(t *testing.T) {
		cache := NewLocalCache()
		agg := &Aggregate{Instance: &ProcessInstancePo{ID: 1, ModelID: "m"}}

		fence := cache.Fence(ctx)
		cache.Delete(ctx, 1)
		cache.Set(ctx, 1, agg, fence)
		_, ok := cache.Get(ctx, 1)
		assert.False(t, ok)

		// 其它句柄的失效不影响
		fence = cache.Fence(ctx)
		cache.Delete(ctx, 2)
		cache.Set(ctx, 1, agg, fence)
		_, ok = cache.Get(ctx, 1)
		assert.True(t, ok)

		fence = cache.Fence(ctx)
		cache.Clear(ctx)
		cache.Set(ctx, 1, agg, fence)
		_, ok = cache.Get(ctx, 1)
		assert.False(t, ok)

		cache.Set(ctx, 1, agg, cache.Fence(ctx))
		_, ok = cache.Get(ctx, 1)
		assert.True(t, ok)
	})
}
