package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// NewMemoryBackend 内存后端, 写操作先记在事务里, 提交时统一做 generation 检查
func NewMemoryBackend() Backend {
	return &memoryBackend{
		processes: make(map[Handle]*ProcessInstancePo),
		nodes:     make(map[Handle]*NodeInstancePo),
	}
}

type memoryBackend struct {
	mu        sync.Mutex
	seq       int64
	processes map[Handle]*ProcessInstancePo
	nodes     map[Handle]*NodeInstancePo
}

func (b *memoryBackend) Begin(ctx context.Context, writable bool) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{
		backend:   b,
		writable:  writable,
		processes: make(map[Handle]*ProcessInstancePo),
		nodes:     make(map[Handle]*NodeInstancePo),
		expected:  make(map[Handle]int64),
	}, nil
}

func (b *memoryBackend) nextHandle() Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return Handle(b.seq)
}

type memoryTx struct {
	backend  *memoryBackend
	writable bool
	closed   bool
	// 写集合, value 为 nil 表示删除
	processes map[Handle]*ProcessInstancePo
	nodes     map[Handle]*NodeInstancePo
	// 提交时存储里应有的 generation
	expected map[Handle]int64
}

func (t *memoryTx) check(write bool) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if write && !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *memoryTx) GetProcessInstance(ctx context.Context, h Handle) (*ProcessInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if po, ok := t.processes[h]; ok {
		if po == nil {
			return nil, errors.WithMessagef(ErrNotFound, "process instance %d", h)
		}
		return cloneProcessInstance(po), nil
	}
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	po, ok := t.backend.processes[h]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "process instance %d", h)
	}
	return cloneProcessInstance(po), nil
}

func (t *memoryTx) QueryProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, errors.New("nil QueryProcessInstanceParams")
	}
	merged := make(map[Handle]*ProcessInstancePo)
	t.backend.mu.Lock()
	for h, po := range t.backend.processes {
		merged[h] = po
	}
	t.backend.mu.Unlock()
	for h, po := range t.processes {
		merged[h] = po
	}
	pos := make([]*ProcessInstancePo, 0)
	for _, po := range merged {
		if po != nil && matchProcessInstance(po, params) {
			pos = append(pos, cloneProcessInstance(po))
		}
	}
	sort.Slice(pos, func(i, j int) bool { return pos[i].ID < pos[j].ID })
	return pageSlice(pos, params)
}

func (t *memoryTx) PutProcessInstance(ctx context.Context, po *ProcessInstancePo) (Handle, error) {
	if err := t.check(true); err != nil {
		return InvalidHandle, err
	}
	if po == nil {
		return InvalidHandle, errors.New("nil ProcessInstancePo")
	}
	h := t.backend.nextHandle()
	po.ID = int64(h)
	t.processes[h] = cloneProcessInstance(po)
	return h, nil
}

func (t *memoryTx) SetProcessInstance(ctx context.Context, po *ProcessInstancePo, baseGeneration int64) error {
	if err := t.check(true); err != nil {
		return err
	}
	if po == nil {
		return errors.New("nil ProcessInstancePo")
	}
	h := Handle(po.ID)
	current, err := t.GetProcessInstance(ctx, h)
	if err != nil {
		return err
	}
	if current.Generation != baseGeneration {
		return ConflictError{Handle: h, Expected: baseGeneration, Actual: current.Generation}
	}
	if _, ok := t.expected[h]; !ok {
		if _, pending := t.processes[h]; !pending {
			// 只对事务开始前就存在的记录做提交检查
			t.expected[h] = baseGeneration
		}
	}
	t.processes[h] = cloneProcessInstance(po)
	return nil
}

func (t *memoryTx) RemoveProcessInstance(ctx context.Context, h Handle) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.GetProcessInstance(ctx, h); err != nil {
		return err
	}
	nodes, err := t.ListNodeInstances(ctx, h)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		t.nodes[Handle(n.ID)] = nil
	}
	t.processes[h] = nil
	return nil
}

func (t *memoryTx) GetNodeInstance(ctx context.Context, h Handle) (*NodeInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	if po, ok := t.nodes[h]; ok {
		if po == nil {
			return nil, errors.WithMessagef(ErrNotFound, "node instance %d", h)
		}
		return cloneNodeInstance(po), nil
	}
	t.backend.mu.Lock()
	defer t.backend.mu.Unlock()
	po, ok := t.backend.nodes[h]
	if !ok {
		return nil, errors.WithMessagef(ErrNotFound, "node instance %d", h)
	}
	return cloneNodeInstance(po), nil
}

func (t *memoryTx) ListNodeInstances(ctx context.Context, process Handle) ([]*NodeInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	merged := make(map[Handle]*NodeInstancePo)
	t.backend.mu.Lock()
	for h, po := range t.backend.nodes {
		if po.ProcessInstanceID == int64(process) {
			merged[h] = po
		}
	}
	t.backend.mu.Unlock()
	for h, po := range t.nodes {
		if po == nil {
			delete(merged, h)
			continue
		}
		if po.ProcessInstanceID == int64(process) {
			merged[h] = po
		}
	}
	pos := make([]*NodeInstancePo, 0, len(merged))
	for _, po := range merged {
		pos = append(pos, cloneNodeInstance(po))
	}
	sort.Slice(pos, func(i, j int) bool { return pos[i].ID < pos[j].ID })
	return pos, nil
}

func (t *memoryTx) PutNodeInstance(ctx context.Context, po *NodeInstancePo) (Handle, error) {
	if err := t.check(true); err != nil {
		return InvalidHandle, err
	}
	if po == nil {
		return InvalidHandle, errors.New("nil NodeInstancePo")
	}
	h := t.backend.nextHandle()
	po.ID = int64(h)
	t.nodes[h] = cloneNodeInstance(po)
	return h, nil
}

func (t *memoryTx) SetNodeInstance(ctx context.Context, po *NodeInstancePo) error {
	if err := t.check(true); err != nil {
		return err
	}
	if po == nil {
		return errors.New("nil NodeInstancePo")
	}
	if _, err := t.GetNodeInstance(ctx, Handle(po.ID)); err != nil {
		return err
	}
	t.nodes[Handle(po.ID)] = cloneNodeInstance(po)
	return nil
}

func (t *memoryTx) RemoveNodeInstance(ctx context.Context, h Handle) error {
	if err := t.check(true); err != nil {
		return err
	}
	if _, err := t.GetNodeInstance(ctx, h); err != nil {
		return err
	}
	t.nodes[h] = nil
	return nil
}

func (t *memoryTx) Commit(ctx context.Context) error {
	if err := t.check(false); err != nil {
		return err
	}
	t.closed = true
	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, expected := range t.expected {
		stored, ok := b.processes[h]
		if !ok {
			return errors.WithMessagef(ErrNotFound, "process instance %d", h)
		}
		if stored.Generation != expected {
			return ConflictError{Handle: h, Expected: expected, Actual: stored.Generation}
		}
	}
	for h, po := range t.processes {
		if po == nil {
			delete(b.processes, h)
			continue
		}
		b.processes[h] = po
	}
	for h, po := range t.nodes {
		if po == nil {
			delete(b.nodes, h)
			continue
		}
		b.nodes[h] = po
	}
	return nil
}

func (t *memoryTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return nil
}
