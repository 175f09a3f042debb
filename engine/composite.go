package engine

import (
	"fmt"
	"strings"

	"github.com/blingmoon/simple-process-engine/model"
)

// compositeBehavior 子流程节点, 子流程实例和父节点在同一个事务里创建
type compositeBehavior struct {
	autoBehavior
}

func (compositeBehavior) doProvide(b *nodeBuilder) (bool, error) {
	if b.childInstance.Get().Valid() {
		return true, nil
	}
	uow := b.process.uow
	m, err := uow.engine.models.Model(b.node.ChildModel)
	if err != nil {
		return false, err
	}
	child, err := uow.newProcess(m, b.process.owner, b.handle, nil)
	if err != nil {
		return false, err
	}
	b.childInstance.Set(child.handle)
	return true, nil
}

// doStart 用 defines 作为子流程输入, 子流程结束时通过 onChildFinished 回来
func (compositeBehavior) doStart(b *nodeBuilder) (bool, error) {
	child, err := b.child()
	if err != nil {
		return false, err
	}
	inputs, missing := b.process.resolveDefines(b.node.Defines)
	if len(missing) > 0 {
		return false, newProcessException(b, "missing data: %s", strings.Join(missing, ","))
	}
	child.inputs.Set(inputs)
	return false, child.start()
}

func (compositeBehavior) doFinish(b *nodeBuilder, _ []byte) ([]model.ProcessData, error) {
	child, err := b.child()
	if err != nil {
		return nil, err
	}
	if s := child.state.Get(); s != ProcessInstanceStateFinished {
		return nil, newProcessException(b, "child process instance %d is %s, not finished", child.handle, s)
	}
	return model.CloneData(child.outputs.Get()), nil
}

func (compositeBehavior) doCancel(b *nodeBuilder) error {
	if !b.childInstance.Get().Valid() {
		return nil
	}
	child, err := b.child()
	if err != nil {
		return err
	}
	return child.cancelInstance()
}

func (compositeBehavior) tickle(b *nodeBuilder) error {
	if b.state.Get() != NodeInstanceStateStarted {
		return nil
	}
	child, err := b.child()
	if err != nil {
		return err
	}
	if child.state.Get().IsFinal() {
		return onChildFinished(b, child)
	}
	return child.tickle()
}

func (b *nodeBuilder) child() (*processBuilder, error) {
	h := b.childInstance.Get()
	if !h.Valid() {
		return nil, newProcessException(b, "composite has no child process instance")
	}
	return b.process.uow.load(h)
}

// onChildFinished 子流程的终止状态映射到组合节点
func onChildFinished(b *nodeBuilder, child *processBuilder) error {
	if b.state.Get().IsFinal() {
		return nil
	}
	switch child.state.Get() {
	case ProcessInstanceStateFinished:
		return b.finish(nil)
	case ProcessInstanceStateFailed:
		return b.fail(fmt.Sprintf("child process instance %d failed", child.handle))
	case ProcessInstanceStateCancelled:
		return b.cancel(true)
	case ProcessInstanceStateSkipped:
		return b.skip(NodeInstanceStateSkipped)
	}
	return nil
}
