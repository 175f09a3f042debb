package engine

import (
	"fmt"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/pkg/errors"
)

// splitBehavior 有界的分支, 最少 min 个最多 max 个后续节点被执行
type splitBehavior struct {
	autoBehavior
}

func (splitBehavior) doStart(b *nodeBuilder) (bool, error) {
	return false, updateSplit(b)
}

func (splitBehavior) doFinish(*nodeBuilder, []byte) ([]model.ProcessData, error) {
	return nil, nil
}

func (splitBehavior) tickle(b *nodeBuilder) error {
	return updateSplit(b)
}

// updateSplit 按声明顺序处理后续节点, 可以重复调用
func updateSplit(b *nodeBuilder) error {
	if b.state.Get() != NodeInstanceStateStarted {
		return nil
	}
	p := b.process
	total := len(b.node.Successors)
	minCount, maxCount := b.node.EffectiveMin(total), b.node.EffectiveMax(total)

	var active, viable, undecided int
	for _, id := range b.node.Successors {
		next, ok := p.model.Node(id)
		if !ok {
			return errors.WithMessagef(model.ErrStructural, "split %s references missing node %s", b.node.ID, id)
		}
		if next.IsJoin() {
			return errors.WithMessagef(ErrIllegalState, "split %s is directly followed by join %s", b.node.ID, id)
		}
		inst := p.latest(id)
		if inst != nil && inst.state.Get().IsActiveOrComplete() {
			active++
			viable++
			continue
		}
		if inst != nil && inst.state.Get().IsFinal() {
			continue
		}
		if active >= maxCount {
			// 剩下的在后面统一跳过
			continue
		}
		if inst == nil {
			var err error
			if inst, err = p.createOrReuse(next); err != nil {
				return err
			}
		}
		inst.addPredecessor(b.handle)
		switch next.Evaluate(p) {
		case model.ConditionTrue:
			if err := inst.provide(); err != nil {
				return err
			}
		case model.ConditionNever:
			if err := inst.skip(NodeInstanceStateSkipped); err != nil {
				return err
			}
		}
		switch s := inst.state.Get(); {
		case s.IsActiveOrComplete():
			active++
			viable++
		case !s.IsFinal():
			viable++
			undecided++
		}
	}

	if viable < minCount {
		for _, id := range b.node.Successors {
			if inst := p.latest(id); inst != nil {
				if err := inst.cancel(true); err != nil {
					return err
				}
			}
		}
		return b.forceFail("split cannot reach min successors")
	}
	if active < maxCount && undecided > 0 {
		// 等待条件确定或者后续节点推进
		return nil
	}
	for _, id := range b.node.Successors {
		inst := p.latest(id)
		if inst == nil {
			next, _ := p.model.Node(id)
			var err error
			if inst, err = p.createOrReuse(next); err != nil {
				return err
			}
			inst.addPredecessor(b.handle)
		}
		if inst.state.Get().IsActiveOrComplete() {
			continue
		}
		if err := inst.cancelAndSkip(); err != nil {
			return err
		}
	}
	return b.finish(nil)
}

// recoverSplit 已结束的 split 丢失了后续节点实例时补齐
// split 已完成时补齐的节点仍受 max 限制, 超出的直接跳过
func recoverSplit(b *nodeBuilder) error {
	p := b.process
	if p.state.Get().IsFinal() {
		return nil
	}
	if b.state.Get() != NodeInstanceStateComplete {
		return p.startSuccessors(b)
	}
	maxCount := b.node.EffectiveMax(len(b.node.Successors))
	active := 0
	missing := make([]*model.Node, 0)
	for _, id := range b.node.Successors {
		next, ok := p.model.Node(id)
		if !ok {
			return errors.WithMessagef(model.ErrStructural, "split %s references missing node %s", b.node.ID, id)
		}
		var inst *nodeBuilder
		for _, cand := range p.byNode[id] {
			if cand.hasPredecessor(b.handle) {
				inst = cand
				break
			}
		}
		if inst == nil {
			missing = append(missing, next)
			continue
		}
		if inst.state.Get().IsActiveOrComplete() {
			active++
		}
	}
	for _, next := range missing {
		inst, err := p.createOrReuse(next)
		if err != nil {
			return err
		}
		inst.addPredecessor(b.handle)
		if inst.state.Get() != NodeInstanceStatePending {
			if inst.state.Get().IsActiveOrComplete() {
				active++
			}
			continue
		}
		if active < maxCount && next.Evaluate(p) == model.ConditionTrue {
			active++
			p.uow.enqueue(fmt.Sprintf("provide %s", next.ID), inst.provide)
			continue
		}
		// 跳过会继续传播, 下游的 join 能看到这个分支
		if err := inst.skip(NodeInstanceStateSkipped); err != nil {
			return err
		}
	}
	return nil
}
