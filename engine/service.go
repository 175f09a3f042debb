package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type ProcessService interface {
	/**
	 * @description: 创建流程实例
	 * @param ctx context.Context
	 * @param req *CreateInstanceReq
	 *				  req.IsRun 为 true 时在同一个事务里启动
	 * @return *ProcessInstance, error
	 */
	CreateInstance(ctx context.Context, req *CreateInstanceReq) (*ProcessInstance, error)
	/**
	 * @description: 启动流程实例, 只有 new 状态可以启动
	 * @param ctx context.Context
	 * @param h store.Handle 流程实例句柄
	 * @return *ProcessInstance, error
	 */
	StartInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error)
	/**
	 * @description: 查询流程实例, 包含全部节点实例
	 * @param ctx context.Context
	 * @param h store.Handle
	 * @return *ProcessInstance, error
	 */
	GetInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error)
	GetNodeInstance(ctx context.Context, h store.Handle) (*NodeInstance, error)
	/**
	 * @description: 按条件查询流程实例, 返回的实例不包含节点实例
	 * @param ctx context.Context
	 * @param params *store.QueryProcessInstanceParams
	 * @return []*ProcessInstance, error
	 */
	QueryInstances(ctx context.Context, params *store.QueryProcessInstanceParams) ([]*ProcessInstance, error)

	/**
	 * @description: worker 侧的任务操作, h 为节点实例句柄
	 *				 AcknowledgeTask: 收到任务
	 *				 TakeTask: 领取任务, 领取之后不能再被悄悄替换
	 *				 StartTask: 开始执行
	 *				 FinishTask: 完成, Payload 按节点的 results 提取结果
	 *				 FailTask: 失败, pending 的任务进入 fail_retry, 其他的失败并跳过后续节点
	 *				 CancelTask: 取消, 后续节点跳过
	 *				 同一个流程实例只能被一个 goroutine 操作, 被占用时返回 LockFailedError
	 */
	AcknowledgeTask(ctx context.Context, h store.Handle) (*NodeInstance, error)
	TakeTask(ctx context.Context, h store.Handle) (*NodeInstance, error)
	StartTask(ctx context.Context, h store.Handle) (*NodeInstance, error)
	FinishTask(ctx context.Context, params *FinishTaskParams) (*NodeInstance, error)
	FailTask(ctx context.Context, params *FailTaskParams) (*NodeInstance, error)
	CancelTask(ctx context.Context, h store.Handle) (*NodeInstance, error)

	/**
	 * @description: 取消流程实例, 存活的节点全部取消, 作为子流程时父节点跟着取消
	 * @param ctx context.Context
	 * @param h store.Handle
	 * @return *ProcessInstance, error
	 */
	CancelInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error)
	/**
	 * @description: 恢复流程实例, 重新推动卡住的节点, 可以重复调用
	 * @param ctx context.Context
	 * @param h store.Handle
	 * @return *ProcessInstance, error
	 */
	TickleInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error)
	/**
	 * @description: 恢复全部运行中的流程实例, 一般由定时任务调用
	 *				 单个实例失败不影响其他实例, 错误合并后返回
	 * @param ctx context.Context
	 * @return error
	 */
	TickleAll(ctx context.Context) error
	/**
	 * @description: 删除已经结束的流程实例, 子流程实例一起删除
	 * @param ctx context.Context
	 * @param h store.Handle
	 * @return error
	 */
	RemoveInstance(ctx context.Context, h store.Handle) error
}

var _ ProcessService = (*ProcessEngine)(nil)

type CreateInstanceReq struct {
	ModelID string              `json:"model_id" validate:"required"`
	Owner   string              `json:"owner"`
	Inputs  []model.ProcessData `json:"inputs" validate:"dive"`
	IsRun   bool                `json:"is_run"` // 是否立即启动
}

type FinishTaskParams struct {
	Handle  store.Handle `json:"handle" validate:"gt=0"`
	Payload []byte       `json:"payload"` // JSON 对象, 节点的 results 从这里提取
}

type FailTaskParams struct {
	Handle store.Handle `json:"handle" validate:"gt=0"`
	Cause  string       `json:"cause"`
}

func (e *ProcessEngine) CreateInstance(ctx context.Context, req *CreateInstanceReq) (*ProcessInstance, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "create instance req is nil")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.WithMessagef(ErrParamInvalid, "invalid create instance req, err: %v", err)
	}
	m, err := e.models.Model(req.ModelID)
	if err != nil {
		return nil, err
	}
	var h store.Handle
	err = e.execute(ctx, ActionCreateInstance, store.InvalidHandle, store.InvalidHandle, func(u *unitOfWork) error {
		p, err := u.newProcess(m, req.Owner, store.InvalidHandle, req.Inputs)
		if err != nil {
			return err
		}
		h = p.handle
		if req.IsRun {
			return p.start()
		}
		return nil
	})
	if err != nil {
		e.logFailure(ctx, fmt.Sprintf("CreateInstance failed, model: %s", req.ModelID), err)
		return nil, err
	}
	return e.loadInstance(ctx, h)
}

func (e *ProcessEngine) StartInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error) {
	return e.updateProcess(ctx, ActionStartInstance, h, func(p *processBuilder) error {
		return p.start()
	})
}

func (e *ProcessEngine) GetInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error) {
	if err := e.ensurePermission(ctx, ActionReadInstance, h); err != nil {
		return nil, err
	}
	return e.loadInstance(ctx, h)
}

func (e *ProcessEngine) GetNodeInstance(ctx context.Context, h store.Handle) (*NodeInstance, error) {
	if err := e.ensurePermission(ctx, ActionReadInstance, h); err != nil {
		return nil, err
	}
	return e.loadNodeInstance(ctx, h)
}

func (e *ProcessEngine) QueryInstances(ctx context.Context, params *store.QueryProcessInstanceParams) ([]*ProcessInstance, error) {
	if params == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "query params is nil")
	}
	if err := e.ensurePermission(ctx, ActionReadInstance, store.InvalidHandle); err != nil {
		return nil, err
	}
	ret := make([]*ProcessInstance, 0)
	err := e.readView(ctx, func(tx *store.Transaction) error {
		pos, err := tx.QueryProcessInstances(ctx, params)
		if err != nil {
			return err
		}
		for _, po := range pos {
			p, err := fromProcessInstancePo(po)
			if err != nil {
				return err
			}
			ret = append(ret, p)
		}
		return nil
	})
	return ret, err
}

func (e *ProcessEngine) AcknowledgeTask(ctx context.Context, h store.Handle) (*NodeInstance, error) {
	return e.updateNode(ctx, h, func(b *nodeBuilder) error {
		return b.acknowledge()
	})
}

func (e *ProcessEngine) TakeTask(ctx context.Context, h store.Handle) (*NodeInstance, error) {
	return e.updateNode(ctx, h, func(b *nodeBuilder) error {
		return b.take(true)
	})
}

func (e *ProcessEngine) StartTask(ctx context.Context, h store.Handle) (*NodeInstance, error) {
	return e.updateNode(ctx, h, func(b *nodeBuilder) error {
		return b.start(true)
	})
}

func (e *ProcessEngine) FinishTask(ctx context.Context, params *FinishTaskParams) (*NodeInstance, error) {
	if params == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "finish task params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.WithMessagef(ErrParamInvalid, "invalid finish task params, err: %v", err)
	}
	return e.updateNode(ctx, params.Handle, func(b *nodeBuilder) error {
		return b.finish(params.Payload)
	})
}

func (e *ProcessEngine) FailTask(ctx context.Context, params *FailTaskParams) (*NodeInstance, error) {
	if params == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "fail task params is nil")
	}
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.WithMessagef(ErrParamInvalid, "invalid fail task params, err: %v", err)
	}
	return e.updateNode(ctx, params.Handle, func(b *nodeBuilder) error {
		return b.fail(params.Cause)
	})
}

func (e *ProcessEngine) CancelTask(ctx context.Context, h store.Handle) (*NodeInstance, error) {
	return e.updateNode(ctx, h, func(b *nodeBuilder) error {
		return b.cancel(true)
	})
}

func (e *ProcessEngine) CancelInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error) {
	return e.updateProcess(ctx, ActionCancelInstance, h, func(p *processBuilder) error {
		return p.cancelInstance()
	})
}

func (e *ProcessEngine) TickleInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error) {
	return e.updateProcess(ctx, ActionTickle, h, func(p *processBuilder) error {
		return p.tickle()
	})
}

func (e *ProcessEngine) TickleAll(ctx context.Context) error {
	if err := e.ensurePermission(ctx, ActionTickle, store.InvalidHandle); err != nil {
		return err
	}
	instances, err := e.QueryInstances(ctx, &store.QueryProcessInstanceParams{
		StateIn: []string{string(ProcessInstanceStateStarted)},
		Page:    &store.Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return err
	}
	var (
		mu     sync.Mutex
		merged error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.TickleConcurrency)
	for _, inst := range instances {
		h := inst.Handle
		g.Go(func() error {
			if _, err := e.TickleInstance(gctx, h); err != nil {
				e.logFailure(gctx, fmt.Sprintf("TickleInstance failed, process instance: %d", h), err)
				mu.Lock()
				merged = multierr.Append(merged, errors.WithMessagef(err, "tickle process instance %d", h))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merged
}

func (e *ProcessEngine) RemoveInstance(ctx context.Context, h store.Handle) error {
	if !h.Valid() {
		return errors.WithMessagef(ErrParamInvalid, "invalid process instance handle: %d", h)
	}
	return e.execute(ctx, ActionRemoveInstance, h, h, func(u *unitOfWork) error {
		return removeInstance(u, h)
	})
}

// removeInstance 先删子流程, 再删自己
func removeInstance(u *unitOfWork, h store.Handle) error {
	p, err := u.load(h)
	if err != nil {
		return err
	}
	if s := p.state.Get(); !s.IsFinal() {
		return errors.WithMessagef(ErrIllegalState, "process instance %d is %s, not final", h, s)
	}
	for _, b := range p.nodes {
		if child := b.childInstance.Get(); child.Valid() {
			if err := removeInstance(u, child); err != nil && !errors.Is(err, ErrInstanceNotFound) {
				return err
			}
		}
	}
	delete(u.processes, h)
	return u.tx.RemoveProcessInstance(u.ctx, h)
}

func Bool(b bool) *bool { return &b }
