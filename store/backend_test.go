package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Bool(b bool) *bool { return &b }

func setupGormBackend(t *testing.T) Backend {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接是一个独立的库
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return NewGormBackend(db)
}

func setupBoltBackend(t *testing.T) Backend {
	db, err := OpenBolt(context.Background(), filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	backend, err := NewBoltBackend(db)
	require.NoError(t, err)
	return backend
}

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"gorm":   setupGormBackend(t),
		"bolt":   setupBoltBackend(t),
	}
}

func TestBackends(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			testBackend(t, backend)
		})
	}
}

func mustCommit(t *testing.T, ctx context.Context, backend Backend, fn func(tx Tx)) {
	tx, err := backend.Begin(ctx, true)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit(ctx))
}

func testBackend(t *testing.T, backend Backend) {
	ctx := context.Background()
	var (
		ph Handle
		nh Handle
	)

	t.Run("创建和读取", func(t *testing.T) {
		mustCommit(t, ctx, backend, func(tx Tx) {
			var err error
			ph, err = tx.PutProcessInstance(ctx, &ProcessInstancePo{ModelID: "m", Owner: "alice", State: "new"})
			require.NoError(t, err)
			assert.True(t, ph.Valid())
			nh, err = tx.PutNodeInstance(ctx, &NodeInstancePo{ProcessInstanceID: int64(ph), NodeID: "start", EntryNo: 1, State: "pending"})
			require.NoError(t, err)
			_, err = tx.PutNodeInstance(ctx, &NodeInstancePo{ProcessInstanceID: int64(ph), NodeID: "end", EntryNo: 1, State: "pending"})
			require.NoError(t, err)
		})

		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		po, err := tx.GetProcessInstance(ctx, ph)
		require.NoError(t, err)
		assert.Equal(t, "alice", po.Owner)
		nodes, err := tx.ListNodeInstances(ctx, ph)
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "start", nodes[0].NodeID)
		assert.Less(t, nodes[0].ID, nodes[1].ID)

		_, err = tx.GetProcessInstance(ctx, ph+1000)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("只读事务不能写", func(t *testing.T) {
		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		_, err = tx.PutProcessInstance(ctx, &ProcessInstancePo{ModelID: "m"})
		assert.True(t, errors.Is(err, ErrReadOnly))
	})

	t.Run("generation检查", func(t *testing.T) {
		mustCommit(t, ctx, backend, func(tx Tx) {
			po, err := tx.GetProcessInstance(ctx, ph)
			require.NoError(t, err)
			po.Generation = 1
			po.State = "started"
			require.NoError(t, tx.SetProcessInstance(ctx, po, 0))
		})

		tx, err := backend.Begin(ctx, true)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		po, err := tx.GetProcessInstance(ctx, ph)
		require.NoError(t, err)
		assert.Equal(t, int64(1), po.Generation)
		po.Generation = 1
		err = tx.SetProcessInstance(ctx, po, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConflict))
		var conflict ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.Actual)
	})

	t.Run("更新节点实例", func(t *testing.T) {
		mustCommit(t, ctx, backend, func(tx Tx) {
			po, err := tx.GetNodeInstance(ctx, nh)
			require.NoError(t, err)
			po.State = "complete"
			po.Results = []byte(`[{"name":"a"}]`)
			require.NoError(t, tx.SetNodeInstance(ctx, po))
		})
		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		po, err := tx.GetNodeInstance(ctx, nh)
		require.NoError(t, err)
		assert.Equal(t, "complete", po.State)
		assert.Equal(t, `[{"name":"a"}]`, string(po.Results))
	})

	t.Run("回滚不生效", func(t *testing.T) {
		tx, err := backend.Begin(ctx, true)
		require.NoError(t, err)
		_, err = tx.PutNodeInstance(ctx, &NodeInstancePo{ProcessInstanceID: int64(ph), NodeID: "ghost", EntryNo: 1})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		tx, err = backend.Begin(ctx, false)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		nodes, err := tx.ListNodeInstances(ctx, ph)
		require.NoError(t, err)
		assert.Len(t, nodes, 2)
	})

	t.Run("查询分页", func(t *testing.T) {
		mustCommit(t, ctx, backend, func(tx Tx) {
			for i := 0; i < 3; i++ {
				_, err := tx.PutProcessInstance(ctx, &ProcessInstancePo{ModelID: "paged", Owner: "bob", State: "new"})
				require.NoError(t, err)
			}
		})
		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		defer tx.Rollback(ctx)

		owner := "bob"
		pos, err := tx.QueryProcessInstances(ctx, &QueryProcessInstanceParams{
			Owner: &owner,
			Page:  &Pager{Page: 1, Size: 2},
		})
		require.NoError(t, err)
		require.Len(t, pos, 2)
		assert.Less(t, pos[0].ID, pos[1].ID)

		pos, err = tx.QueryProcessInstances(ctx, &QueryProcessInstanceParams{
			ModelIDIn:    []string{"paged", "m"},
			OrderbyIDAsc: Bool(false),
			Page:         &Pager{IsNoLimit: Bool(true)},
		})
		require.NoError(t, err)
		require.Len(t, pos, 4)
		assert.Greater(t, pos[0].ID, pos[3].ID)

		pos, err = tx.QueryProcessInstances(ctx, &QueryProcessInstanceParams{
			StateIn: []string{"started"},
			Page:    &Pager{IsNoLimit: Bool(true)},
		})
		require.NoError(t, err)
		require.Len(t, pos, 1)
		assert.Equal(t, int64(ph), pos[0].ID)

		_, err = tx.QueryProcessInstances(ctx, &QueryProcessInstanceParams{})
		assert.Error(t, err)
	})

	t.Run("删除流程实例", func(t *testing.T) {
		mustCommit(t, ctx, backend, func(tx Tx) {
			require.NoError(t, tx.RemoveProcessInstance(ctx, ph))
		})
		tx, err := backend.Begin(ctx, false)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		_, err = tx.GetProcessInstance(ctx, ph)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = tx.GetNodeInstance(ctx, nh)
		assert.True(t, errors.Is(err, ErrNotFound))
		nodes, err := tx.ListNodeInstances(ctx, ph)
		require.NoError(t, err)
		assert.Empty(t, nodes)
	})
}

func TestMemoryBackendCommitConflict(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	var h Handle
	mustCommit(t, ctx, backend, func(tx Tx) {
		var err error
		h, err = tx.PutProcessInstance(ctx, &ProcessInstancePo{ModelID: "m"})
		require.NoError(t, err)
	})

	// 两个事务基于同一个 generation 写入, 后提交的失败
	first, err := backend.Begin(ctx, true)
	require.NoError(t, err)
	second, err := backend.Begin(ctx, true)
	require.NoError(t, err)

	for _, tx := range []Tx{first, second} {
		po, err := tx.GetProcessInstance(ctx, h)
		require.NoError(t, err)
		po.Generation = 1
		require.NoError(t, tx.SetProcessInstance(ctx, po, 0))
	}
	require.NoError(t, first.Commit(ctx))
	err = second.Commit(ctx)
	assert.True(t, errors.Is(err, ErrConflict))
}
