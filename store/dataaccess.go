package store

import (
	"context"

	"github.com/pkg/errors"
)

// DataAccess 事务入口, 负责缓存的读穿和失效
type DataAccess struct {
	backend Backend
	cache   Cache
}

type DataAccessOption func(*DataAccess)

// WithCache 设置缓存, 默认不缓存
func WithCache(c Cache) DataAccessOption {
	return func(d *DataAccess) {
		if c != nil {
			d.cache = c
		}
	}
}

func NewDataAccess(backend Backend, opts ...DataAccessOption) *DataAccess {
	d := &DataAccess{backend: backend, cache: noopCache{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartTransaction 开启读写事务
func (d *DataAccess) StartTransaction(ctx context.Context) (*Transaction, error) {
	return d.begin(ctx, true)
}

// ReadOnly 开启只读事务
func (d *DataAccess) ReadOnly(ctx context.Context) (*Transaction, error) {
	return d.begin(ctx, false)
}

func (d *DataAccess) begin(ctx context.Context, writable bool) (*Transaction, error) {
	// fence 先于后端事务取得, 之后的失效都会让这个事务的回填作废
	fence := d.cache.Fence(ctx)
	tx, err := d.backend.Begin(ctx, writable)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		tx:       tx,
		data:     d,
		writable: writable,
		fence:    fence,
		touched:  make(map[Handle]struct{}),
	}, nil
}

// WithTransaction fn 返回 nil 时提交, 否则回滚
func (d *DataAccess) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	tx, err := d.StartTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InvalidateCache 让指定流程实例的缓存失效
func (d *DataAccess) InvalidateCache(ctx context.Context, hs ...Handle) {
	d.cache.Delete(ctx, hs...)
}

// InvalidateAllCache 清空缓存
func (d *DataAccess) InvalidateAllCache(ctx context.Context) {
	d.cache.Clear(ctx)
}

// Transaction 对后端事务的包装
// 记录写过的流程实例, 提交或回滚后让它们的缓存失效; 提交成功后执行 OnCommit 回调
type Transaction struct {
	tx         Tx
	data       *DataAccess
	writable   bool
	done       bool
	fence      CacheFence
	touched    map[Handle]struct{}
	onCommit   []func(ctx context.Context)
	onRollback []func(ctx context.Context)
}

func (t *Transaction) touch(h Handle) {
	if h.Valid() {
		t.touched[h] = struct{}{}
	}
}

// OnCommit 注册提交成功后的回调, 事务回滚时不会执行
func (t *Transaction) OnCommit(fn func(ctx context.Context)) {
	t.onCommit = append(t.onCommit, fn)
}

// OnRollback 注册回滚后的回调, 提交失败也算回滚
func (t *Transaction) OnRollback(fn func(ctx context.Context)) {
	t.onRollback = append(t.onRollback, fn)
}

func (t *Transaction) Writable() bool {
	return t.writable
}

// LoadAggregate 读取流程实例和节点实例, 优先读缓存
func (t *Transaction) LoadAggregate(ctx context.Context, h Handle) (*Aggregate, error) {
	if t.done {
		return nil, ErrTransactionClosed
	}
	if _, dirty := t.touched[h]; !dirty {
		if agg, ok := t.data.cache.Get(ctx, h); ok {
			return agg, nil
		}
	}
	po, err := t.tx.GetProcessInstance(ctx, h)
	if err != nil {
		return nil, err
	}
	nodes, err := t.tx.ListNodeInstances(ctx, h)
	if err != nil {
		return nil, err
	}
	agg := &Aggregate{Instance: po, Nodes: nodes}
	if _, dirty := t.touched[h]; !dirty {
		t.data.cache.Set(ctx, h, agg, t.fence)
	}
	return agg, nil
}

func (t *Transaction) GetProcessInstance(ctx context.Context, h Handle) (*ProcessInstancePo, error) {
	return t.tx.GetProcessInstance(ctx, h)
}

func (t *Transaction) QueryProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstancePo, error) {
	return t.tx.QueryProcessInstances(ctx, params)
}

func (t *Transaction) PutProcessInstance(ctx context.Context, po *ProcessInstancePo) (Handle, error) {
	h, err := t.tx.PutProcessInstance(ctx, po)
	if err != nil {
		return InvalidHandle, err
	}
	t.touch(h)
	return h, nil
}

func (t *Transaction) SetProcessInstance(ctx context.Context, po *ProcessInstancePo, baseGeneration int64) error {
	t.touch(Handle(po.ID))
	return t.tx.SetProcessInstance(ctx, po, baseGeneration)
}

func (t *Transaction) RemoveProcessInstance(ctx context.Context, h Handle) error {
	t.touch(h)
	return t.tx.RemoveProcessInstance(ctx, h)
}

func (t *Transaction) GetNodeInstance(ctx context.Context, h Handle) (*NodeInstancePo, error) {
	return t.tx.GetNodeInstance(ctx, h)
}

func (t *Transaction) ListNodeInstances(ctx context.Context, process Handle) ([]*NodeInstancePo, error) {
	return t.tx.ListNodeInstances(ctx, process)
}

func (t *Transaction) PutNodeInstance(ctx context.Context, po *NodeInstancePo) (Handle, error) {
	t.touch(Handle(po.ProcessInstanceID))
	return t.tx.PutNodeInstance(ctx, po)
}

func (t *Transaction) SetNodeInstance(ctx context.Context, po *NodeInstancePo) error {
	t.touch(Handle(po.ProcessInstanceID))
	return t.tx.SetNodeInstance(ctx, po)
}

func (t *Transaction) RemoveNodeInstance(ctx context.Context, h Handle) error {
	po, err := t.tx.GetNodeInstance(ctx, h)
	if err != nil {
		return err
	}
	t.touch(Handle(po.ProcessInstanceID))
	return t.tx.RemoveNodeInstance(ctx, h)
}

// Commit 提交, 冲突或者失败时同样会让写过的缓存失效
func (t *Transaction) Commit(ctx context.Context) error {
	if t.done {
		return ErrTransactionClosed
	}
	t.done = true
	err := t.tx.Commit(ctx)
	t.invalidate(ctx)
	if err != nil {
		t.rolledBack(ctx)
		return errors.WithMessage(err, "commit transaction failed")
	}
	for _, fn := range t.onCommit {
		fn(ctx)
	}
	return nil
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback(ctx)
	t.invalidate(ctx)
	t.rolledBack(ctx)
	return err
}

func (t *Transaction) rolledBack(ctx context.Context) {
	for _, fn := range t.onRollback {
		fn(ctx)
	}
}

// Close 没有提交时回滚, 配合 defer 使用
func (t *Transaction) Close(ctx context.Context) {
	_ = t.Rollback(ctx)
}

func (t *Transaction) invalidate(ctx context.Context) {
	if len(t.touched) == 0 {
		return
	}
	hs := make([]Handle, 0, len(t.touched))
	for h := range t.touched {
		hs = append(hs, h)
	}
	t.data.cache.Delete(ctx, hs...)
}
