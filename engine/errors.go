package engine

import (
	"fmt"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
)

var (
	ErrModelNotFound               = model.ErrModelNotFound
	ErrInstanceNotFound            = errors.New("process instance not found")
	ErrNodeInstanceNotFound        = errors.New("node instance not found")
	ErrParamInvalid                = errors.New("param invalid")
	ErrPermissionDenied            = errors.New("permission denied")
	ErrTaskWorkerNotFound          = errors.New("task worker not found")
	ErrTaskWorkerAlreadyRegistered = errors.New("task worker already registered")
	ErrWorkerQueueFull             = errors.New("worker queue full")
	ErrDispatcherClosed            = errors.New("dispatcher closed")
	// ErrProcessException 生命周期错误, 当前事务回滚
	ErrProcessException = errors.New("process exception")
	// ErrIllegalState 运行时发现的结构错误, 例如 split 直接连接 join
	ErrIllegalState = errors.New("illegal state")

	// 下面的 error 给 TaskWorker 使用, 会影响节点的走向
	// ErrTaskNotReady: 当前阶段还没有准备好, 需要过一会儿再检查
	// 场景&应用: 审核中, 每次都是审核中
	ErrTaskNotReady = errors.New("task not ready")
	// ErrTaskFailedWithContinue: 任务失败但是当成完成处理
	// 场景&应用: 一些异步通知, 成功或者失败都行
	ErrTaskFailedWithContinue = errors.New("task failed with continue")

	// 业务上使用, 用于报警定义
	// 如果你希望这种错误打印 error 使用 errors.Wrapf(ErrBusinessCriticalError, "err message: %s", err)
	// 如果你希望这种错误打印 warn 使用 errors.Wrapf(ErrBusinessWarningError, "err message: %s", err)
	ErrBusinessCriticalError = errors.New("business critical error")
	ErrBusinessWarningError  = errors.New("business warning error")
)

// ProcessException 带上出错节点的标识, 用于定位数据问题
type ProcessException struct {
	NodeID        string
	Handle        store.Handle
	ProcessHandle store.Handle
	Message       string
}

func (e *ProcessException) Error() string {
	return fmt.Sprintf(
		"process exception: %s, node: %s, node instance: %d, process instance: %d",
		e.Message,
		e.NodeID,
		e.Handle,
		e.ProcessHandle,
	)
}

func (e *ProcessException) Is(target error) bool {
	return target == ErrProcessException
}

func newProcessException(b *nodeBuilder, format string, args ...any) error {
	return errors.WithStack(&ProcessException{
		NodeID:        b.node.ID,
		Handle:        b.handle,
		ProcessHandle: b.process.handle,
		Message:       fmt.Sprintf(format, args...),
	})
}

// IsSeriousError 判断是否需要打 error 级别日志
// 严重错误定义: 需要人工介入处理
// 1. 流程配置不正确, 没有办法正常运行
// 2. 数据不一致, 生命周期错误
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, model.ErrStructural) ||
		errors.Is(err, ErrIllegalState) ||
		errors.Is(err, ErrProcessException) ||
		errors.Is(err, ErrTaskWorkerNotFound) ||
		errors.Is(err, ErrTaskWorkerAlreadyRegistered) ||
		errors.Is(err, ErrBusinessCriticalError) {
		return true
	}
	return false
}

// IsRetryable 冲突和锁失败都可以重新读取后重试
func IsRetryable(err error) bool {
	return errors.Is(err, store.ErrConflict) || errors.Is(err, LockFailedError)
}
