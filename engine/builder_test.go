package engine

import (
	"context"
	"testing"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openUnitOfWork 测试里直接操作 builder
func openUnitOfWork(t *testing.T, ctx context.Context, e *ProcessEngine) (*unitOfWork, *store.Transaction) {
	tx, err := e.data.StartTransaction(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close(ctx) })
	return newUnitOfWork(ctx, e, tx), tx
}

func TestBuilder(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, nil, &recordingDispatcher{}, nil, linearJSON)
	created, err := e.CreateInstance(ctx, &CreateInstanceReq{
		ModelID: "linear",
		Inputs:  []model.ProcessData{jsonData(t, "amount", 100)},
		IsRun:   true,
	})
	require.NoError(t, err)

	t.Run("没有修改时返回原快照", func(t *testing.T) {
		u, _ := openUnitOfWork(t, ctx, e)
		p, err := u.load(created.Handle)
		require.NoError(t, err)
		assert.False(t, p.changed())
		assert.Same(t, p.base, p.build())
		for _, b := range p.nodes {
			assert.Same(t, b.base, b.build())
		}
		// 同一个事务里只加载一次
		again, err := u.load(created.Handle)
		require.NoError(t, err)
		assert.Same(t, p, again)

		// 设置成相同的值不算修改
		p.state.Set(ProcessInstanceStateStarted)
		assert.False(t, p.changed())
		require.NoError(t, u.flush())
	})

	t.Run("修改之后生成新快照", func(t *testing.T) {
		u, _ := openUnitOfWork(t, ctx, e)
		p, err := u.load(created.Handle)
		require.NoError(t, err)
		a := p.latest("a")
		require.NotNil(t, a)
		a.failureCause.Set("changed")
		assert.True(t, p.changed())
		snapshot := p.build()
		assert.NotSame(t, p.base, snapshot)
		assert.Equal(t, p.base.Generation+1, snapshot.Generation)
		assert.Same(t, p.latest("start").base, p.latest("start").build())
	})

	t.Run("终止状态不能再变化", func(t *testing.T) {
		u, _ := openUnitOfWork(t, ctx, e)
		p, err := u.load(created.Handle)
		require.NoError(t, err)
		start := p.latest("start")
		require.Equal(t, NodeInstanceStateComplete, start.state.Get())

		_, err = start.softUpdateState(NodeInstanceStateStarted)
		assert.True(t, errors.Is(err, ErrProcessException))
		assert.True(t, errors.Is(start.skip(NodeInstanceStateSkipped), ErrProcessException))
		assert.True(t, errors.Is(start.fail("x"), ErrProcessException))
		assert.NoError(t, start.cancel(true))
		assert.Equal(t, NodeInstanceStateComplete, start.state.Get())
		assert.Empty(t, u.agenda)
	})

	t.Run("跳过到相同状态没有影响", func(t *testing.T) {
		u, _ := openUnitOfWork(t, ctx, e)
		p, err := u.load(created.Handle)
		require.NoError(t, err)
		a := p.latest("a")
		assert.True(t, errors.Is(a.skip(NodeInstanceStateComplete), ErrProcessException))
		require.NoError(t, a.skip(NodeInstanceStateSkipped))
		agenda := len(u.agenda)
		require.NoError(t, a.skip(NodeInstanceStateSkipped))
		assert.Len(t, u.agenda, agenda)
	})

	t.Run("soft update 只接受合法的前置状态", func(t *testing.T) {
		u, _ := openUnitOfWork(t, ctx, e)
		p, err := u.load(created.Handle)
		require.NoError(t, err)
		a := p.latest("a")
		require.Equal(t, NodeInstanceStateSent, a.state.Get())
		ok, err := a.softUpdateState(NodeInstanceStateComplete)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, NodeInstanceStateSent, a.state.Get())
		ok, err = a.softUpdateState(NodeInstanceStateStarted)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCanSoftUpdate(t *testing.T) {
	assert.True(t, CanSoftUpdate(NodeInstanceStatePending, NodeInstanceStateSent))
	assert.True(t, CanSoftUpdate(NodeInstanceStateFailRetry, NodeInstanceStateSent))
	assert.True(t, CanSoftUpdate(NodeInstanceStateSent, NodeInstanceStateTaken))
	assert.True(t, CanSoftUpdate(NodeInstanceStateAcknowledged, NodeInstanceStateStarted))
	assert.True(t, CanSoftUpdate(NodeInstanceStateStarted, NodeInstanceStateComplete))
	assert.False(t, CanSoftUpdate(NodeInstanceStatePending, NodeInstanceStateComplete))
	assert.False(t, CanSoftUpdate(NodeInstanceStateTaken, NodeInstanceStateAcknowledged))
	assert.False(t, CanSoftUpdate(NodeInstanceStateComplete, NodeInstanceStateStarted))

	assert.True(t, NodeInstanceStateTaken.IsCommitted())
	assert.False(t, NodeInstanceStateSent.IsCommitted())
	assert.True(t, NodeInstanceStateSkippedCancel.IsSkipped())
	assert.False(t, NodeInstanceStateFailRetry.IsFinal())
	assert.Equal(t, "失败重试", GetNodeInstanceStateText(NodeInstanceStateFailRetry))
	assert.Equal(t, "运行中", GetProcessInstanceStateText(ProcessInstanceStateStarted))
}

func TestMirrorState(t *testing.T) {
	assert.Equal(t, NodeInstanceStateSkippedCancel, mirrorState(NodeInstanceStateCancelled))
	assert.Equal(t, NodeInstanceStateSkippedCancel, mirrorState(NodeInstanceStateSkippedCancel))
	assert.Equal(t, NodeInstanceStateSkippedFail, mirrorState(NodeInstanceStateFailed))
	assert.Equal(t, NodeInstanceStateSkippedFail, mirrorState(NodeInstanceStateSkippedFail))
	assert.Equal(t, NodeInstanceStateSkipped, mirrorState(NodeInstanceStateSkipped))
	assert.Equal(t, NodeInstanceStateSkipped, mirrorState(NodeInstanceStateSkippedInvalidated))
}

func TestGenerationConflict(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, nil, &recordingDispatcher{}, nil, linearJSON)
	created, err := e.CreateInstance(ctx, &CreateInstanceReq{ModelID: "linear"})
	require.NoError(t, err)

	u1, tx1 := openUnitOfWork(t, ctx, e)
	u2, tx2 := openUnitOfWork(t, ctx, e)
	p1, err := u1.load(created.Handle)
	require.NoError(t, err)
	p2, err := u2.load(created.Handle)
	require.NoError(t, err)

	require.NoError(t, p1.cancelInstance())
	require.NoError(t, u1.run())
	require.NoError(t, u1.flush())
	require.NoError(t, tx1.Commit(ctx))

	require.NoError(t, p2.start())
	require.NoError(t, u2.run())
	err = u2.flush()
	if err == nil {
		err = tx2.Commit(ctx)
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
	assert.True(t, IsRetryable(err))

	// 重新读取之后看到的是第一个事务的结果
	p, err := e.GetInstance(ctx, created.Handle)
	require.NoError(t, err)
	assert.Equal(t, ProcessInstanceStateCancelled, p.State)
	assert.Equal(t, created.Generation+1, p.Generation)
	assert.Empty(t, p.Nodes)
}

func TestConflictRetry(t *testing.T) {
	ctx := context.Background()
	e := setupEngine(t, nil, &recordingDispatcher{}, nil, linearJSON)
	created, err := e.CreateInstance(ctx, &CreateInstanceReq{ModelID: "linear"})
	require.NoError(t, err)

	// 第一次执行时由另一个事务抢先写入, 重试之后成功
	attempts := 0
	err = e.execute(ctx, ActionTickle, created.Handle, created.Handle, func(u *unitOfWork) error {
		attempts++
		p, err := u.load(created.Handle)
		if err != nil {
			return err
		}
		if attempts == 1 {
			other, otherTx := openUnitOfWork(t, ctx, e)
			op, err := other.load(created.Handle)
			require.NoError(t, err)
			op.inputs.Set([]model.ProcessData{jsonData(t, "amount", 1)})
			require.NoError(t, other.flush())
			require.NoError(t, otherTx.Commit(ctx))
		}
		return p.start()
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	p, err := e.GetInstance(ctx, created.Handle)
	require.NoError(t, err)
	assert.Equal(t, ProcessInstanceStateStarted, p.State)
	assert.Equal(t, []model.ProcessData{jsonData(t, "amount", 1)}, p.Inputs)
}
