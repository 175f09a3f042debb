package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// TaskWorker 活动节点的执行器, 需要外部实现
type TaskWorker interface {
	/**
	 * @description:  任务执行
	 * @return error nil表示执行成功了, ErrTaskFailedWithContinue 当作完成处理, 其他错误任务失败
	 * @param ctx context.Context 上下文, 任务被取消时会被 cancel
	 * @param nodeContext *JSONContext 节点上下文, 消息的输入放在顶层, 执行完成后整体作为 FinishTask 的 payload
	 */
	Run(ctx context.Context, nodeContext *JSONContext) error
	/**
	 * @description:  异步等待检查, 返回 ErrTaskNotReady 时过一段时间再检查
	 * @return error nil表示检查成功了
	 * @param ctx context.Context 上下文
	 * @param nodeContext *JSONContext 节点上下文
	 */
	AsynchronousWaitCheck(ctx context.Context, nodeContext *JSONContext) error
}

type RunFunc func(ctx context.Context, nodeContext *JSONContext) error
type AsynchronousWaitCheckFunc func(ctx context.Context, nodeContext *JSONContext) error

// NormalTaskWorker 用函数构造 TaskWorker, 没有异步检查时直接完成
type NormalTaskWorker struct {
	runHandler                   RunFunc
	asynchronousWaitCheckHandler AsynchronousWaitCheckFunc
}

func (w NormalTaskWorker) Run(ctx context.Context, nodeContext *JSONContext) error {
	if w.runHandler == nil {
		return errors.New("Not implemented")
	}
	return w.runHandler(ctx, nodeContext)
}

func (w NormalTaskWorker) AsynchronousWaitCheck(ctx context.Context, nodeContext *JSONContext) error {
	if w.asynchronousWaitCheckHandler == nil {
		// 不是所有的节点都有异步等待检查
		return nil
	}
	return w.asynchronousWaitCheckHandler(ctx, nodeContext)
}

func NewNormalTaskWorker(
	funcRun RunFunc,
	funcAsynchronousWaitCheck AsynchronousWaitCheckFunc,
) *NormalTaskWorker {
	return &NormalTaskWorker{
		runHandler:                   funcRun,
		asynchronousWaitCheckHandler: funcAsynchronousWaitCheck,
	}
}

// LocalDispatcher 进程内的 Dispatcher, 事务提交之后把任务放进队列, 由固定数量的 worker 执行
type LocalDispatcher struct {
	workers sync.Map // service_operation -> TaskWorker
	cancels sync.Map // store.Handle -> context.CancelFunc

	engine  *ProcessEngine
	ctx     context.Context
	stop    context.CancelFunc
	group   *errgroup.Group
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	queue   chan task
	slots   chan struct{} // 已经接收还没有被 worker 取走的任务
	pending sync.WaitGroup
}

type task struct {
	msg    *Message
	worker TaskWorker
}

func NewLocalDispatcher() *LocalDispatcher {
	ctx, stop := context.WithCancel(context.Background())
	return &LocalDispatcher{ctx: ctx, stop: stop, group: &errgroup.Group{}}
}

func (d *LocalDispatcher) bind(e *ProcessEngine) {
	d.once.Do(func() {
		d.engine = e
		d.queue = make(chan task, e.cfg.WorkerQueueSize)
		d.slots = make(chan struct{}, e.cfg.WorkerQueueSize)
		for i := 0; i < e.cfg.WorkerConcurrency; i++ {
			d.group.Go(d.loop)
		}
	})
}

func workerKey(serviceName string, operation string) string {
	return serviceName + "_" + operation
}

/*
*
  - @description: 注册任务执行器
  - @param serviceName string 对应节点 message.service
  - @param operation string 对应节点 message.operation
  - @param worker TaskWorker
  - @return error
*/
func (d *LocalDispatcher) RegisterTaskWorker(serviceName string, operation string, worker TaskWorker) error {
	if worker == nil {
		return errors.WithMessage(ErrParamInvalid, "task worker is nil")
	}
	if _, loaded := d.workers.LoadOrStore(workerKey(serviceName, operation), worker); loaded {
		return errors.WithMessagef(ErrTaskWorkerAlreadyRegistered, "service: %s, operation: %s", serviceName, operation)
	}
	return nil
}

func (d *LocalDispatcher) CreateMessage(_ context.Context, node *model.Node, onInstance *NodeInstance, inputs []model.ProcessData) (*Message, error) {
	return newMessage(node, onInstance, inputs), nil
}

// SendMessage 没有注册 worker、队列满了或者已经关闭时不接收, 节点进入 fail_retry
func (d *LocalDispatcher) SendMessage(ctx context.Context, tx *store.Transaction, msg *Message, _ *NodeInstance) (bool, error) {
	i, ok := d.workers.Load(workerKey(msg.ServiceName, msg.Operation))
	if !ok {
		return false, errors.WithMessagef(ErrTaskWorkerNotFound, "service: %s, operation: %s", msg.ServiceName, msg.Operation)
	}
	if d.engine == nil {
		return false, errors.New("local dispatcher is not bound to an engine")
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return false, ErrDispatcherClosed
	}
	select {
	case d.slots <- struct{}{}:
	default:
		return false, errors.WithMessagef(ErrWorkerQueueFull, "queue size: %d", cap(d.slots))
	}
	t := task{msg: msg, worker: i.(TaskWorker)}
	tx.OnCommit(func(context.Context) {
		d.submit(t)
	})
	tx.OnRollback(func(context.Context) {
		<-d.slots
	})
	return true, nil
}

func (d *LocalDispatcher) CancelMessage(_ context.Context, tx *store.Transaction, h store.Handle) error {
	tx.OnCommit(func(context.Context) {
		if cancel, ok := d.cancels.Load(h); ok {
			cancel.(context.CancelFunc)()
		}
	})
	return nil
}

// Wait 等待已经提交的任务全部执行结束
func (d *LocalDispatcher) Wait() {
	d.pending.Wait()
}

// Close 取消正在执行的任务并等待 worker 退出, 队列里没有执行的任务留给 TickleInstance 恢复
func (d *LocalDispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.stop()
	_ = d.group.Wait()
	for {
		select {
		case <-d.queue:
			<-d.slots
			d.pending.Done()
		default:
			return
		}
	}
}

// submit 位置在 SendMessage 时已经占好了, 这里不会阻塞
func (d *LocalDispatcher) submit(t task) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		<-d.slots
		return
	}
	d.pending.Add(1)
	d.queue <- t
}

func (d *LocalDispatcher) loop() error {
	for {
		select {
		case <-d.ctx.Done():
			return nil
		case t := <-d.queue:
			<-d.slots
			if d.ctx.Err() == nil {
				d.run(t.msg, t.worker)
			}
			d.pending.Done()
		}
	}
}

func (d *LocalDispatcher) run(msg *Message, worker TaskWorker) {
	ctx, cancel := context.WithCancel(d.ctx)
	d.cancels.Store(msg.NodeInstance, cancel)
	defer func() {
		d.cancels.Delete(msg.NodeInstance)
		cancel()
	}()
	logger := d.engine.logger

	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.ErrorContext(ctx, fmt.Sprintf("task worker panic: %v, node instance: %d, node: %s, stack: %s", r, msg.NodeInstance, msg.NodeID, string(stack)))
			d.report(ctx, msg, func(ctx context.Context) error {
				_, err := d.engine.FailTask(ctx, &FailTaskParams{Handle: msg.NodeInstance, Cause: fmt.Sprintf("panic: %v", r)})
				return err
			})
		}
	}()

	if !d.report(ctx, msg, func(ctx context.Context) error {
		_, err := d.engine.StartTask(ctx, msg.NodeInstance)
		return err
	}) {
		return
	}

	nodeContext := NewJSONContextFromData(msg.Inputs)
	runErr := worker.Run(ctx, nodeContext)
	if runErr == nil || errors.Is(runErr, ErrTaskFailedWithContinue) {
		runErr = d.waitCheck(ctx, worker, nodeContext)
	}
	if ctx.Err() != nil {
		// 被取消了, 状态已经由取消方处理
		return
	}
	if runErr != nil && !errors.Is(runErr, ErrTaskFailedWithContinue) {
		d.engine.logFailure(ctx, fmt.Sprintf("TaskRun failed, node instance: %d, node: %s", msg.NodeInstance, msg.NodeID), runErr)
		d.report(ctx, msg, func(ctx context.Context) error {
			_, err := d.engine.FailTask(ctx, &FailTaskParams{Handle: msg.NodeInstance, Cause: runErr.Error()})
			return err
		})
		return
	}
	payload, err := nodeContext.ToBytes()
	if err != nil {
		logger.ErrorContext(ctx, fmt.Sprintf("marshal node context failed, node instance: %d, err: %v", msg.NodeInstance, err))
		return
	}
	d.report(ctx, msg, func(ctx context.Context) error {
		_, err := d.engine.FinishTask(ctx, &FinishTaskParams{Handle: msg.NodeInstance, Payload: payload})
		return err
	})
}

func (d *LocalDispatcher) waitCheck(ctx context.Context, worker TaskWorker, nodeContext *JSONContext) error {
	for {
		err := worker.AsynchronousWaitCheck(ctx, nodeContext)
		if !errors.Is(err, ErrTaskNotReady) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.engine.cfg.WorkerPollInterval):
		}
	}
}

// report 回写引擎, 锁冲突和 generation 冲突时重试
func (d *LocalDispatcher) report(ctx context.Context, msg *Message, fn func(ctx context.Context) error) bool {
	cfg := d.engine.cfg
	var err error
	for attempt := 0; attempt <= cfg.WorkerReportRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return true
		}
		if !IsRetryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(cfg.WorkerPollInterval):
		}
	}
	d.engine.logFailure(ctx, fmt.Sprintf("report task failed, node instance: %d, node: %s", msg.NodeInstance, msg.NodeID), err)
	return false
}
