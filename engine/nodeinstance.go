package engine

import (
	"fmt"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
)

// nodeBuilder 节点实例的可写视图
// base 为空时是新建的实例, 否则是覆盖在已有快照上的修改
type nodeBuilder struct {
	process  *processBuilder
	node     *model.Node
	behavior behavior

	base      *NodeInstance
	handle    store.Handle
	entryNo   int64
	createdAt int64

	state         Overlay[NodeInstanceState]
	predecessors  Overlay[[]store.Handle]
	results       Overlay[[]model.ProcessData]
	failureCause  Overlay[string]
	childInstance Overlay[store.Handle]
}

func equalHandles(a, b []store.Handle) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newNodeBuilder(p *processBuilder, node *model.Node, entryNo int64) *nodeBuilder {
	return &nodeBuilder{
		process:       p,
		node:          node,
		behavior:      behaviorFor(node),
		entryNo:       entryNo,
		createdAt:     p.uow.now,
		state:         newComparableOverlay(NodeInstanceStatePending),
		predecessors:  newOverlay[[]store.Handle](nil, equalHandles),
		results:       newOverlay[[]model.ProcessData](nil, model.EqualData),
		failureCause:  newComparableOverlay(""),
		childInstance: newComparableOverlay(store.InvalidHandle),
	}
}

func extendNodeBuilder(p *processBuilder, node *model.Node, base *NodeInstance) *nodeBuilder {
	return &nodeBuilder{
		process:       p,
		node:          node,
		behavior:      behaviorFor(node),
		base:          base,
		handle:        base.Handle,
		entryNo:       base.EntryNo,
		createdAt:     base.CreatedAt,
		state:         newComparableOverlay(base.State),
		predecessors:  newOverlay(base.Predecessors, equalHandles),
		results:       newOverlay(base.Results, model.EqualData),
		failureCause:  newComparableOverlay(base.FailureCause),
		childInstance: newComparableOverlay(base.ChildInstance),
	}
}

func (b *nodeBuilder) changed() bool {
	return b.state.Dirty() ||
		b.predecessors.Dirty() ||
		b.results.Dirty() ||
		b.failureCause.Dirty() ||
		b.childInstance.Dirty()
}

// build 没有修改时返回原来的快照
func (b *nodeBuilder) build() *NodeInstance {
	if b.base != nil && !b.changed() {
		return b.base
	}
	updatedAt := b.createdAt
	if b.base != nil {
		updatedAt = b.process.uow.now
	}
	return &NodeInstance{
		Handle:          b.handle,
		ProcessInstance: b.process.handle,
		NodeID:          b.node.ID,
		EntryNo:         b.entryNo,
		Predecessors:    append([]store.Handle(nil), b.predecessors.Get()...),
		State:           b.state.Get(),
		Results:         model.CloneData(b.results.Get()),
		FailureCause:    b.failureCause.Get(),
		ChildInstance:   b.childInstance.Get(),
		CreatedAt:       b.createdAt,
		UpdatedAt:       updatedAt,
	}
}

// persisted 写入存储之后, 当前值成为新的基线
func (b *nodeBuilder) persisted(snapshot *NodeInstance) {
	b.base = snapshot
	b.handle = snapshot.Handle
	b.state.reset()
	b.predecessors.reset()
	b.results.reset()
	b.failureCause.reset()
	b.childInstance.reset()
}

func (b *nodeBuilder) hasPredecessor(h store.Handle) bool {
	for _, p := range b.predecessors.Get() {
		if p == h {
			return true
		}
	}
	return false
}

func (b *nodeBuilder) addPredecessor(h store.Handle) {
	if !h.Valid() || b.hasPredecessor(h) {
		return
	}
	next := append(append([]store.Handle(nil), b.predecessors.Get()...), h)
	b.predecessors.Set(next)
}

// softUpdateState 只有当前状态是 target 的合法前置状态时才修改
func (b *nodeBuilder) softUpdateState(target NodeInstanceState) (bool, error) {
	cur := b.state.Get()
	if cur.IsFinal() {
		return false, newProcessException(b, "cannot leave final state %s for %s", cur, target)
	}
	if !CanSoftUpdate(cur, target) {
		return false, nil
	}
	b.state.Set(target)
	return true, nil
}

// provide 只处理 pending 和 fail_retry, 其他状态直接返回
func (b *nodeBuilder) provide() error {
	if s := b.state.Get(); s != NodeInstanceStatePending && s != NodeInstanceStateFailRetry {
		return nil
	}
	ok, err := b.behavior.doProvide(b)
	if err != nil || !ok {
		return err
	}
	if s := b.state.Get(); s != NodeInstanceStatePending && s != NodeInstanceStateFailRetry {
		// hook 里已经推进了状态
		return nil
	}
	b.state.Set(NodeInstanceStateSent)
	return b.take(false)
}

// acknowledge worker 收到任务
func (b *nodeBuilder) acknowledge() error {
	if b.state.Get() == NodeInstanceStateAcknowledged {
		return nil
	}
	// 有消息的节点必须先发送才能确认
	if b.state.Get() == NodeInstanceStatePending && b.node.Message != nil {
		return newProcessException(b, "cannot acknowledge, task not provided")
	}
	ok, err := b.softUpdateState(NodeInstanceStateAcknowledged)
	if err != nil {
		return err
	}
	if !ok && !b.state.Get().IsCommitted() {
		return newProcessException(b, "cannot acknowledge in state %s", b.state.Get())
	}
	return nil
}

// take external 为 true 表示 worker 主动领取, 不管 hook 的结果都会进入 taken
func (b *nodeBuilder) take(external bool) error {
	ok, err := b.behavior.doTake(b)
	if err != nil {
		return err
	}
	if !external && !ok {
		return nil
	}
	cur := b.state.Get()
	if external && (cur == NodeInstanceStateTaken || cur == NodeInstanceStateStarted) {
		return nil
	}
	updated, err := b.softUpdateState(NodeInstanceStateTaken)
	if err != nil {
		return err
	}
	if !updated {
		return newProcessException(b, "cannot take in state %s", cur)
	}
	if !ok {
		return nil
	}
	return b.start(false)
}

func (b *nodeBuilder) start(external bool) error {
	cur := b.state.Get()
	if external && cur == NodeInstanceStateStarted {
		return nil
	}
	updated, err := b.softUpdateState(NodeInstanceStateStarted)
	if err != nil {
		return err
	}
	if !updated {
		return newProcessException(b, "cannot start in state %s", cur)
	}
	ok, err := b.behavior.doStart(b)
	if err != nil || !ok || b.state.Get().IsFinal() {
		return err
	}
	return b.finish(nil)
}

// finish 完成任务, 提取结果并触发后续节点
func (b *nodeBuilder) finish(payload []byte) error {
	cur := b.state.Get()
	if cur.IsFinal() {
		return newProcessException(b, "cannot finish, already %s", cur)
	}
	if cur == NodeInstanceStatePending || cur == NodeInstanceStateFailRetry {
		return newProcessException(b, "cannot finish, task not provided, state %s", cur)
	}
	if cur != NodeInstanceStateStarted {
		b.state.Set(NodeInstanceStateStarted)
	}
	results, err := b.behavior.doFinish(b, payload)
	if err != nil {
		return err
	}
	b.results.Set(results)
	b.state.Set(NodeInstanceStateComplete)
	b.onFinal(true)
	return nil
}

// skip 只接受 skipped 类的状态, 重复跳过到同一个状态没有影响
func (b *nodeBuilder) skip(state NodeInstanceState) error {
	if !state.IsSkipped() {
		return newProcessException(b, "%s is not a skip state", state)
	}
	cur := b.state.Get()
	if cur == state {
		return nil
	}
	if cur.IsFinal() {
		return newProcessException(b, "cannot skip to %s, already %s", state, cur)
	}
	b.state.Set(state)
	b.onFinal(true)
	return nil
}

// fail pending 的节点进入 fail_retry 等待重试, 其他的直接失败
func (b *nodeBuilder) fail(cause string) error {
	cur := b.state.Get()
	if cur.IsFinal() {
		return newProcessException(b, "cannot fail, already %s", cur)
	}
	b.failureCause.Set(cause)
	if cur == NodeInstanceStatePending || cur == NodeInstanceStateFailRetry {
		b.state.Set(NodeInstanceStateFailRetry)
		return nil
	}
	if err := b.cancelSideEffects(); err != nil {
		return err
	}
	b.state.Set(NodeInstanceStateFailed)
	b.onFinal(true)
	return nil
}

// forceFail 不经过 fail_retry, join 凑不够数量时使用
func (b *nodeBuilder) forceFail(cause string) error {
	cur := b.state.Get()
	if cur.IsFinal() {
		return newProcessException(b, "cannot fail, already %s", cur)
	}
	b.failureCause.Set(cause)
	b.state.Set(NodeInstanceStateFailed)
	b.onFinal(true)
	return nil
}

// cancel 还没有被领取的节点跳过, 已经领取的通知 worker 之后进入 cancelled
func (b *nodeBuilder) cancel(propagate bool) error {
	cur := b.state.Get()
	if cur.IsFinal() {
		return nil
	}
	if err := b.cancelSideEffects(); err != nil {
		return err
	}
	if cur.IsCommitted() {
		b.state.Set(NodeInstanceStateCancelled)
	} else {
		b.state.Set(NodeInstanceStateSkippedCancel)
	}
	b.onFinal(propagate)
	return nil
}

// cancelAndSkip 没有领取的直接跳过, 已经领取的先取消再跳过
func (b *nodeBuilder) cancelAndSkip() error {
	if b.state.Get().IsFinal() {
		return nil
	}
	if err := b.cancelSideEffects(); err != nil {
		return err
	}
	b.state.Set(NodeInstanceStateSkipped)
	b.onFinal(true)
	return nil
}

func (b *nodeBuilder) cancelSideEffects() error {
	cur := b.state.Get()
	if cur.IsActive() && b.node.Message != nil {
		if err := b.process.uow.engine.dispatcher.CancelMessage(b.process.uow.ctx, b.process.uow.tx, b.handle); err != nil {
			return err
		}
	}
	if cur.IsCommitted() {
		return b.behavior.doCancel(b)
	}
	return nil
}

// tickle 恢复入口, pending 重新计算条件, fail_retry 重新发送
func (b *nodeBuilder) tickle() error {
	switch b.state.Get() {
	case NodeInstanceStatePending:
		if !b.node.IsJoin() {
			switch b.node.Evaluate(b.process) {
			case model.ConditionTrue:
				if err := b.provide(); err != nil {
					return err
				}
			case model.ConditionNever:
				return b.skip(NodeInstanceStateSkipped)
			}
		}
	case NodeInstanceStateFailRetry:
		if err := b.provide(); err != nil {
			return err
		}
	}
	if b.state.Get().IsFinal() {
		return nil
	}
	return b.behavior.tickle(b)
}

// onFinal 进入终止状态之后的后续处理, 放到 agenda 里按顺序执行
func (b *nodeBuilder) onFinal(propagate bool) {
	if !propagate {
		return
	}
	p := b.process
	p.uow.enqueue(fmt.Sprintf("start successors of %s", b.node.ID), func() error {
		return p.startSuccessors(b)
	})
	p.uow.enqueue("update splits", p.updateSplits)
	p.uow.enqueue("finish process", p.finish)
}
