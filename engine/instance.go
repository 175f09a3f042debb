package engine

import (
	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
)

// NodeInstance 节点实例快照, 只读, 修改都通过 nodeBuilder
type NodeInstance struct {
	Handle          store.Handle
	ProcessInstance store.Handle
	NodeID          string
	EntryNo         int64
	Predecessors    []store.Handle
	State           NodeInstanceState
	Results         []model.ProcessData
	FailureCause    string
	ChildInstance   store.Handle // 组合节点的子流程实例
	CreatedAt       int64
	UpdatedAt       int64
}

// ProcessInstance 流程实例快照, Nodes 按句柄升序
type ProcessInstance struct {
	Handle         store.Handle
	UUID           string
	Owner          string
	ModelID        string
	Generation     int64
	State          ProcessInstanceState
	ParentActivity store.Handle // 作为子流程时, 父流程里组合节点实例的句柄
	Inputs         []model.ProcessData
	Outputs        []model.ProcessData
	CreatedAt      int64
	UpdatedAt      int64
	Nodes          []*NodeInstance
}

// NodeInstances 返回某个节点的全部实例, 按 entryNo 升序
func (p *ProcessInstance) NodeInstances(nodeID string) []*NodeInstance {
	ret := make([]*NodeInstance, 0)
	for _, n := range p.Nodes {
		if n.NodeID == nodeID {
			ret = append(ret, n)
		}
	}
	return ret
}

// LatestNodeInstance 某个节点最新的实例
func (p *ProcessInstance) LatestNodeInstance(nodeID string) (*NodeInstance, bool) {
	var latest *NodeInstance
	for _, n := range p.Nodes {
		if n.NodeID == nodeID && (latest == nil || n.EntryNo > latest.EntryNo) {
			latest = n
		}
	}
	return latest, latest != nil
}

// Output 按名称读取输出
func (p *ProcessInstance) Output(name string) ([]byte, bool) {
	return model.FindData(p.Outputs, name)
}
