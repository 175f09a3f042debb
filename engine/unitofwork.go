package engine

import (
	"context"
	"sort"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// unitOfWork 一次引擎操作, 对应一个事务
// 连带的所有修改通过 agenda 顺序执行, 最后一起写入
type unitOfWork struct {
	ctx       context.Context
	engine    *ProcessEngine
	tx        *store.Transaction
	now       int64
	processes map[store.Handle]*processBuilder
	agenda    []agendaItem
}

type agendaItem struct {
	name string
	fn   func() error
}

func newUnitOfWork(ctx context.Context, e *ProcessEngine, tx *store.Transaction) *unitOfWork {
	return &unitOfWork{
		ctx:       ctx,
		engine:    e,
		tx:        tx,
		now:       e.clock().Unix(),
		processes: make(map[store.Handle]*processBuilder),
	}
}

func (u *unitOfWork) enqueue(name string, fn func() error) {
	u.agenda = append(u.agenda, agendaItem{name: name, fn: fn})
}

// run 先进先出, 执行过程中可以继续加入
func (u *unitOfWork) run() error {
	for len(u.agenda) > 0 {
		item := u.agenda[0]
		u.agenda = u.agenda[1:]
		if err := u.ctx.Err(); err != nil {
			return err
		}
		if err := item.fn(); err != nil {
			return errors.WithMessagef(err, "agenda %s failed", item.name)
		}
	}
	return nil
}

// load 同一个事务里同一个流程实例只加载一次
func (u *unitOfWork) load(h store.Handle) (*processBuilder, error) {
	if p, ok := u.processes[h]; ok {
		return p, nil
	}
	agg, err := u.tx.LoadAggregate(u.ctx, h)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.WithMessagef(ErrInstanceNotFound, "process instance: %d", h)
		}
		return nil, err
	}
	snapshot, err := decodeAggregate(agg)
	if err != nil {
		return nil, err
	}
	m, err := u.engine.models.Model(snapshot.ModelID)
	if err != nil {
		return nil, err
	}
	p, err := extendProcessBuilder(u, m, snapshot)
	if err != nil {
		return nil, err
	}
	u.processes[h] = p
	return p, nil
}

func (u *unitOfWork) loadByNodeInstance(h store.Handle) (*processBuilder, error) {
	po, err := u.tx.GetNodeInstance(u.ctx, h)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.WithMessagef(ErrNodeInstanceNotFound, "node instance: %d", h)
		}
		return nil, err
	}
	return u.load(store.Handle(po.ProcessInstanceID))
}

// node 按句柄找到节点实例的 builder
func (u *unitOfWork) node(h store.Handle) (*nodeBuilder, error) {
	p, err := u.loadByNodeInstance(h)
	if err != nil {
		return nil, err
	}
	b, ok := p.byHandle[h]
	if !ok {
		return nil, errors.WithMessagef(ErrNodeInstanceNotFound, "node instance: %d", h)
	}
	return b, nil
}

// newProcess 新建流程实例并马上写入, 拿到句柄
func (u *unitOfWork) newProcess(m *model.Model, owner string, parentActivity store.Handle, inputs []model.ProcessData) (*processBuilder, error) {
	p := &processBuilder{
		uow:            u,
		model:          m,
		uuid:           uuid.NewString(),
		owner:          owner,
		parentActivity: parentActivity,
		createdAt:      u.now,
		state:          newComparableOverlay(ProcessInstanceStateNew),
		inputs:         newOverlay(model.CloneData(inputs), model.EqualData),
		outputs:        newOverlay[[]model.ProcessData](nil, model.EqualData),
		byNode:         make(map[string][]*nodeBuilder),
		byHandle:       make(map[store.Handle]*nodeBuilder),
	}
	po, err := toProcessInstancePo(p.build())
	if err != nil {
		return nil, err
	}
	h, err := u.tx.PutProcessInstance(u.ctx, po)
	if err != nil {
		return nil, errors.WithMessagef(err, "put process instance failed, model: %s", m.ID)
	}
	p.handle = h
	p.persisted(p.build())
	// 新建的实例也要经过 flush 写入 generation
	p.grown = true
	u.processes[h] = p
	return p, nil
}

// flush 按句柄顺序写入修改过的实例, 每个实例 generation 加一
func (u *unitOfWork) flush() error {
	handles := make([]store.Handle, 0, len(u.processes))
	for h := range u.processes {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	for _, h := range handles {
		p := u.processes[h]
		if !p.changed() {
			continue
		}
		baseGeneration := p.base.Generation
		snapshot := p.build()
		for _, b := range p.nodes {
			if !b.changed() {
				continue
			}
			po, err := toNodeInstancePo(b.build())
			if err != nil {
				return err
			}
			if err := u.tx.SetNodeInstance(u.ctx, po); err != nil {
				return errors.WithMessagef(err, "set node instance failed, node instance: %d", b.handle)
			}
		}
		po, err := toProcessInstancePo(snapshot)
		if err != nil {
			return err
		}
		if err := u.tx.SetProcessInstance(u.ctx, po, baseGeneration); err != nil {
			return errors.WithMessagef(err, "set process instance failed, process instance: %d", h)
		}
		p.persisted(snapshot)
	}
	return nil
}
