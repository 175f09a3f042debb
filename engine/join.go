package engine

import "github.com/blingmoon/simple-process-engine/model"

// joinBehavior 有界的汇聚, 前置节点逐个加入, 凑够 min 个完成之后继续
type joinBehavior struct {
	autoBehavior
}

// doProvide 后续节点已经被领取时不再提前发送
func (joinBehavior) doProvide(b *nodeBuilder) (bool, error) {
	for _, id := range b.node.Successors {
		if inst := b.process.latest(id); inst != nil && inst.state.Get().IsCommitted() && inst.entryNo >= b.entryNo {
			return false, nil
		}
	}
	return true, nil
}

func (joinBehavior) doTake(*nodeBuilder) (bool, error) {
	return false, nil
}

func (joinBehavior) doStart(*nodeBuilder) (bool, error) {
	return false, nil
}

func (joinBehavior) doFinish(b *nodeBuilder, _ []byte) ([]model.ProcessData, error) {
	tally := tallyJoin(b)
	if minCount := b.node.EffectiveMin(len(b.node.Predecessors)); tally.complete < minCount {
		return nil, newProcessException(b, "join has %d complete predecessors, min %d", tally.complete, minCount)
	}
	if b.node.MultiMerge {
		return nil, nil
	}
	// 不是 multi merge 时, 同一轮里还没有结束的上游节点都不再需要
	p := b.process
	for _, anc := range p.model.Ancestors(b.node.ID) {
		for _, inst := range p.byNode[anc] {
			if inst.entryNo != b.entryNo || inst.state.Get().IsFinal() {
				continue
			}
			if err := inst.cancelAndSkip(); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// tickle 根据节点 id 补齐缺失的前置实例, 然后重新计算
func (joinBehavior) tickle(b *nodeBuilder) error {
	for _, id := range b.node.Predecessors {
		if inst := b.process.latest(id); inst != nil && inst.state.Get().IsFinal() {
			b.addPredecessor(inst.handle)
		}
	}
	return evaluateJoin(b)
}

type joinTally struct {
	complete int
	skipped  int
	reported int
	// 全部跳过时使用的镜像状态
	skipState NodeInstanceState
}

// tallyJoin 每个前置节点只看加入 join 的最新实例
func tallyJoin(b *nodeBuilder) joinTally {
	p := b.process
	latest := make(map[string]*nodeBuilder, len(b.node.Predecessors))
	for _, h := range b.predecessors.Get() {
		inst := p.byHandle[h]
		if inst == nil {
			continue
		}
		if cur, ok := latest[inst.node.ID]; !ok || inst.entryNo > cur.entryNo {
			latest[inst.node.ID] = inst
		}
	}
	t := joinTally{skipState: NodeInstanceStateSkipped}
	for _, id := range b.node.Predecessors {
		inst, ok := latest[id]
		if !ok || !inst.state.Get().IsFinal() {
			continue
		}
		t.reported++
		s := inst.state.Get()
		if s == NodeInstanceStateComplete {
			t.complete++
			continue
		}
		t.skipped++
		switch mirror := mirrorState(s); {
		case mirror == NodeInstanceStateSkippedFail:
			t.skipState = mirror
		case mirror == NodeInstanceStateSkippedCancel && t.skipState != NodeInstanceStateSkippedFail:
			t.skipState = mirror
		}
	}
	return t
}

func evaluateJoin(b *nodeBuilder) error {
	if b.state.Get().IsFinal() {
		return nil
	}
	if s := b.state.Get(); s == NodeInstanceStatePending || s == NodeInstanceStateFailRetry {
		if err := b.provide(); err != nil {
			return err
		}
		if s := b.state.Get(); s == NodeInstanceStatePending || s == NodeInstanceStateFailRetry {
			return nil
		}
	}
	total := len(b.node.Predecessors)
	minCount, maxCount := b.node.EffectiveMin(total), b.node.EffectiveMax(total)
	t := tallyJoin(b)
	switch {
	case minCount == 0 && t.reported == total && t.complete == 0:
		// 不要求任何前置完成, 全部跳过时 join 跟着跳过
		return b.skip(t.skipState)
	case total-t.skipped < minCount:
		return b.forceFail(newProcessException(b,
			"join cannot reach quorum, declared %d, skipped %d, min %d", total, t.skipped, minCount).Error())
	case t.complete >= minCount && (t.complete >= maxCount || t.reported == total):
		return b.finish(nil)
	}
	return nil
}

// mirrorState 前置节点没有完成时, 后续节点对应的跳过状态
func mirrorState(s NodeInstanceState) NodeInstanceState {
	switch s {
	case NodeInstanceStateCancelled, NodeInstanceStateSkippedCancel:
		return NodeInstanceStateSkippedCancel
	case NodeInstanceStateFailed, NodeInstanceStateSkippedFail:
		return NodeInstanceStateSkippedFail
	}
	return NodeInstanceStateSkipped
}
