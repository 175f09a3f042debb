package engine

import (
	"fmt"
	"sort"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/pkg/errors"
)

// processBuilder 流程实例的可写视图, 持有全部节点实例的 builder
type processBuilder struct {
	uow   *unitOfWork
	model *model.Model

	base           *ProcessInstance
	handle         store.Handle
	uuid           string
	owner          string
	parentActivity store.Handle
	createdAt      int64
	// 本事务里新建了节点实例
	grown bool

	state   Overlay[ProcessInstanceState]
	inputs  Overlay[[]model.ProcessData]
	outputs Overlay[[]model.ProcessData]

	nodes    []*nodeBuilder // 按句柄升序
	byNode   map[string][]*nodeBuilder
	byHandle map[store.Handle]*nodeBuilder
}

func extendProcessBuilder(uow *unitOfWork, m *model.Model, base *ProcessInstance) (*processBuilder, error) {
	p := &processBuilder{
		uow:            uow,
		model:          m,
		base:           base,
		handle:         base.Handle,
		uuid:           base.UUID,
		owner:          base.Owner,
		parentActivity: base.ParentActivity,
		createdAt:      base.CreatedAt,
		state:          newComparableOverlay(base.State),
		inputs:         newOverlay(base.Inputs, model.EqualData),
		outputs:        newOverlay(base.Outputs, model.EqualData),
		byNode:         make(map[string][]*nodeBuilder),
		byHandle:       make(map[store.Handle]*nodeBuilder),
	}
	for _, n := range base.Nodes {
		node, ok := m.Node(n.NodeID)
		if !ok {
			return nil, errors.WithMessagef(ErrIllegalState, "node %s not in model %s, process instance: %d", n.NodeID, m.ID, base.Handle)
		}
		p.index(extendNodeBuilder(p, node, n))
	}
	return p, nil
}

func (p *processBuilder) index(b *nodeBuilder) {
	p.nodes = append(p.nodes, b)
	p.byNode[b.node.ID] = append(p.byNode[b.node.ID], b)
	p.byHandle[b.handle] = b
}

func (p *processBuilder) changed() bool {
	if p.grown || p.state.Dirty() || p.inputs.Dirty() || p.outputs.Dirty() {
		return true
	}
	for _, b := range p.nodes {
		if b.changed() {
			return true
		}
	}
	return false
}

// build 没有任何修改时返回原来的快照
func (p *processBuilder) build() *ProcessInstance {
	if p.base != nil && !p.changed() {
		return p.base
	}
	ret := &ProcessInstance{
		Handle:         p.handle,
		UUID:           p.uuid,
		Owner:          p.owner,
		ModelID:        p.model.ID,
		State:          p.state.Get(),
		ParentActivity: p.parentActivity,
		Inputs:         model.CloneData(p.inputs.Get()),
		Outputs:        model.CloneData(p.outputs.Get()),
		CreatedAt:      p.createdAt,
		UpdatedAt:      p.uow.now,
		Nodes:          make([]*NodeInstance, 0, len(p.nodes)),
	}
	if p.base != nil {
		ret.Generation = p.base.Generation + 1
	}
	for _, b := range p.nodes {
		ret.Nodes = append(ret.Nodes, b.build())
	}
	return ret
}

func (p *processBuilder) persisted(snapshot *ProcessInstance) {
	p.base = snapshot
	p.grown = false
	p.state.reset()
	p.inputs.reset()
	p.outputs.reset()
	for i, b := range p.nodes {
		b.persisted(snapshot.Nodes[i])
	}
}

// latest 节点最新的实例
func (p *processBuilder) latest(nodeID string) *nodeBuilder {
	var ret *nodeBuilder
	for _, b := range p.byNode[nodeID] {
		if ret == nil || b.entryNo > ret.entryNo {
			ret = b
		}
	}
	return ret
}

// newEntry 新建节点实例并马上写入, 拿到句柄
func (p *processBuilder) newEntry(node *model.Node, entryNo int64) (*nodeBuilder, error) {
	b := newNodeBuilder(p, node, entryNo)
	po, err := toNodeInstancePo(b.build())
	if err != nil {
		return nil, err
	}
	h, err := p.uow.tx.PutNodeInstance(p.uow.ctx, po)
	if err != nil {
		return nil, errors.WithMessagef(err, "put node instance failed, process instance: %d, node: %s", p.handle, node.ID)
	}
	b.handle = h
	b.persisted(b.build())
	p.index(b)
	p.grown = true
	return b, nil
}

// createOrReuse 多实例节点在上一个实例结束后新建, 普通节点只能有一个存活的实例
func (p *processBuilder) createOrReuse(node *model.Node) (*nodeBuilder, error) {
	latest := p.latest(node.ID)
	if latest == nil {
		return p.newEntry(node, 1)
	}
	if !node.MultiInstance {
		live := 0
		for _, b := range p.byNode[node.ID] {
			if !b.state.Get().IsFinal() {
				live++
			}
		}
		if live > 1 {
			return nil, newProcessException(latest, "node has %d live instances", live)
		}
		return latest, nil
	}
	if latest.state.Get().IsFinal() {
		return p.newEntry(node, latest.entryNo+1)
	}
	return latest, nil
}

// start NEW -> INITIALIZED -> STARTED, 开始节点放到 agenda 里执行
func (p *processBuilder) start() error {
	if s := p.state.Get(); s != ProcessInstanceStateNew {
		return errors.WithMessagef(ErrIllegalState, "process instance %d already %s", p.handle, s)
	}
	p.state.Set(ProcessInstanceStateInitialized)
	starts := make([]*nodeBuilder, 0)
	for _, node := range p.model.StartNodes() {
		b, err := p.newEntry(node, 1)
		if err != nil {
			return err
		}
		starts = append(starts, b)
	}
	p.state.Set(ProcessInstanceStateStarted)
	for _, b := range starts {
		p.uow.enqueue(fmt.Sprintf("provide %s", b.node.ID), b.provide)
	}
	return nil
}

// startSuccessors 前置节点结束之后创建或者复用后续节点
func (p *processBuilder) startSuccessors(pred *nodeBuilder) error {
	if p.state.Get().IsFinal() {
		return nil
	}
	predState := pred.state.Get()
	joins := make([]*nodeBuilder, 0)
	for _, id := range pred.node.Successors {
		node, ok := p.model.Node(id)
		if !ok {
			return errors.WithMessagef(model.ErrStructural, "node %s references missing node %s", pred.node.ID, id)
		}
		if node.IsJoin() {
			j, err := p.joinFor(node, pred)
			if err != nil {
				return err
			}
			if j == nil {
				continue
			}
			j.addPredecessor(pred.handle)
			if node.Evaluate(p) == model.ConditionNever {
				if err := j.skip(NodeInstanceStateSkipped); err != nil {
					return err
				}
				p.skipPredecessors(j)
				continue
			}
			joins = append(joins, j)
			continue
		}

		b, err := p.createOrReuse(node)
		if err != nil {
			return err
		}
		if b.state.Get() != NodeInstanceStatePending {
			continue
		}
		b.addPredecessor(pred.handle)
		cond := node.Evaluate(p)
		switch {
		case cond == model.ConditionNever:
			err = b.skip(NodeInstanceStateSkipped)
		case predState == NodeInstanceStateComplete:
			if cond == model.ConditionTrue {
				p.uow.enqueue(fmt.Sprintf("provide %s", node.ID), b.provide)
			}
		default:
			err = b.skip(mirrorState(predState))
		}
		if err != nil {
			return err
		}
	}
	// 同一批创建的节点都处理完之后再计算 join
	for _, j := range joins {
		j := j // go 1.21 的循环变量不是每次迭代独立的
		p.uow.enqueue(fmt.Sprintf("evaluate join %s", j.node.ID), func() error {
			return evaluateJoin(j)
		})
	}
	return nil
}

// joinFor 已经结束的 join 只有 multi merge 时才接受新完成的前置节点
func (p *processBuilder) joinFor(node *model.Node, pred *nodeBuilder) (*nodeBuilder, error) {
	j := p.latest(node.ID)
	if j == nil {
		return p.newEntry(node, 1)
	}
	if !j.state.Get().IsFinal() {
		return j, nil
	}
	if j.hasPredecessor(pred.handle) {
		return nil, nil
	}
	if node.MultiMerge && pred.state.Get() == NodeInstanceStateComplete {
		return p.newEntry(node, j.entryNo+1)
	}
	return nil, nil
}

// skipPredecessors join 不会再执行, 还没有结束的前置节点也跳过
func (p *processBuilder) skipPredecessors(j *nodeBuilder) {
	for _, id := range j.node.Predecessors {
		inst := p.latest(id)
		if inst == nil || inst.state.Get().IsFinal() {
			continue
		}
		p.uow.enqueue(fmt.Sprintf("skip %s", id), inst.cancelAndSkip)
	}
}

// updateSplits 节点状态变化之后, 正在执行的 split 重新计算
func (p *processBuilder) updateSplits() error {
	if p.state.Get().IsFinal() {
		return nil
	}
	for _, b := range p.nodes {
		if b.node.Type == model.NodeTypeSplit && b.state.Get() == NodeInstanceStateStarted {
			if err := updateSplit(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish 全部结束节点都终止之后决定流程的状态
func (p *processBuilder) finish() error {
	if p.state.Get() != ProcessInstanceStateStarted {
		return nil
	}
	ends := make([]*nodeBuilder, 0)
	for _, node := range p.model.Nodes() {
		if node.Type != model.NodeTypeEnd {
			continue
		}
		if b := p.latest(node.ID); b != nil && b.state.Get().IsFinal() {
			ends = append(ends, b)
		}
	}
	if len(ends) < p.model.EndNodeCount() {
		return nil
	}

	var failed, cancelled, complete, skipped int
	for _, b := range ends {
		switch s := b.state.Get(); s {
		case NodeInstanceStateComplete:
			complete++
		case NodeInstanceStateFailed, NodeInstanceStateSkippedFail:
			failed++
		case NodeInstanceStateCancelled, NodeInstanceStateSkippedCancel:
			cancelled++
		default:
			skipped++
		}
	}
	state := ProcessInstanceStateCancelled
	switch {
	case failed > 0:
		state = ProcessInstanceStateFailed
	case cancelled > 0:
		state = ProcessInstanceStateCancelled
	case complete > 0:
		state = ProcessInstanceStateFinished
	case skipped > 0:
		state = ProcessInstanceStateSkipped
	}

	if state == ProcessInstanceStateFinished {
		outputs := make([]model.ProcessData, 0)
		for _, b := range ends {
			if b.state.Get() != NodeInstanceStateComplete {
				continue
			}
			for _, d := range b.results.Get() {
				if p.model.HasOutput(d.Name) {
					outputs = append(outputs, d)
				}
			}
		}
		p.outputs.Set(model.CloneData(outputs))
	}
	// 结束之后还存活的节点直接终止, 不再传播
	for _, b := range p.nodes {
		if err := b.cancel(false); err != nil {
			return err
		}
	}
	p.state.Set(state)
	p.notifyParent()
	return nil
}

// cancelInstance 取消全部存活节点, 不向后传播
func (p *processBuilder) cancelInstance() error {
	if p.state.Get().IsFinal() {
		return nil
	}
	for _, b := range p.nodes {
		if err := b.cancel(false); err != nil {
			return err
		}
	}
	p.state.Set(ProcessInstanceStateCancelled)
	p.notifyParent()
	return nil
}

func (p *processBuilder) notifyParent() {
	if !p.parentActivity.Valid() {
		return
	}
	p.uow.enqueue(fmt.Sprintf("child %d finished", p.handle), func() error {
		parent, err := p.uow.loadByNodeInstance(p.parentActivity)
		if err != nil {
			return err
		}
		b, ok := parent.byHandle[p.parentActivity]
		if !ok {
			return errors.WithMessagef(ErrNodeInstanceNotFound, "parent activity %d, child: %d", p.parentActivity, p.handle)
		}
		return onChildFinished(b, p)
	})
}

// tickle 流程级别的恢复: 推动未结束的节点, 补齐后续节点不全的已结束节点
func (p *processBuilder) tickle() error {
	if p.state.Get() != ProcessInstanceStateStarted {
		return nil
	}
	// tickle 过程中会新建节点, 只处理开始时已经存在的
	current := append([]*nodeBuilder(nil), p.nodes...)
	for _, b := range current {
		if b.state.Get().IsFinal() {
			continue
		}
		if err := b.tickle(); err != nil {
			return err
		}
	}
	for _, b := range current {
		if !b.state.Get().IsFinal() || !p.underSubscribed(b) {
			continue
		}
		b := b // go 1.21 的循环变量不是每次迭代独立的
		if b.node.Type == model.NodeTypeSplit {
			p.uow.enqueue(fmt.Sprintf("recover split %s", b.node.ID), func() error {
				return recoverSplit(b)
			})
			continue
		}
		p.uow.enqueue(fmt.Sprintf("start successors of %s", b.node.ID), func() error {
			return p.startSuccessors(b)
		})
	}
	p.uow.enqueue("update splits", p.updateSplits)
	p.uow.enqueue("finish process", p.finish)
	return nil
}

// underSubscribed 已结束节点的后续节点实例没有全部存在
func (p *processBuilder) underSubscribed(b *nodeBuilder) bool {
	for _, id := range b.node.Successors {
		found := false
		for _, next := range p.byNode[id] {
			if next.hasPredecessor(b.handle) {
				found = true
				break
			}
		}
		if !found {
			return true
		}
	}
	return false
}

// ProcessInput 实现 model.ConditionContext
func (p *processBuilder) ProcessInput(name string) ([]byte, bool) {
	return model.FindData(p.inputs.Get(), name)
}

// NodeResult 节点最近一次完成的结果
func (p *processBuilder) NodeResult(nodeID string, name string) ([]byte, bool) {
	instances := append([]*nodeBuilder(nil), p.byNode[nodeID]...)
	sort.Slice(instances, func(i, j int) bool { return instances[i].entryNo > instances[j].entryNo })
	for _, b := range instances {
		if b.state.Get() == NodeInstanceStateComplete {
			return model.FindData(b.results.Get(), name)
		}
	}
	return nil, false
}

// resolveDefines 返回解析到的数据和缺失的名称
func (p *processBuilder) resolveDefines(defs []model.Define) ([]model.ProcessData, []string) {
	ret := make([]model.ProcessData, 0, len(defs))
	missing := make([]string, 0)
	for _, def := range defs {
		refName := def.RefName
		if refName == "" {
			refName = def.Name
		}
		var (
			content []byte
			ok      bool
		)
		if def.RefNode == "" {
			content, ok = p.ProcessInput(refName)
		} else {
			content, ok = p.NodeResult(def.RefNode, refName)
		}
		if !ok {
			missing = append(missing, def.Name)
			continue
		}
		ret = append(ret, model.ProcessData{Name: def.Name, Content: append([]byte(nil), content...)})
	}
	return ret, missing
}
