package model

import "sort"

// NodeType 节点类型
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeActivity  NodeType = "activity"
	NodeTypeSplit     NodeType = "split"
	NodeTypeJoin      NodeType = "join"
	NodeTypeEnd       NodeType = "end"
	NodeTypeComposite NodeType = "composite"
)

// Unbounded min/max 的无界取值, min 为 -1 表示全部, max 为 -1 表示不限制
const Unbounded = -1

// MessageDescriptor 活动节点对外发送的消息描述, 为空表示节点自动完成
type MessageDescriptor struct {
	ServiceName string
	Operation   string
}

// ResultDef 节点完成时从 payload 中提取的结果, Path 为 JSON 路径
type ResultDef struct {
	Name string
	Path []string
}

// Define 数据引用, RefNode 为空时引用流程输入
type Define struct {
	Name    string
	RefNode string
	RefName string
}

// Node 流程图里的节点, 编译之后只读
type Node struct {
	ID            string
	Name          string
	Type          NodeType
	Predecessors  []string
	Successors    []string
	Min           int
	Max           int
	MultiInstance bool
	MultiMerge    bool
	Condition     Condition
	Message       *MessageDescriptor
	Results       []ResultDef
	Defines       []Define
	ChildModel    string
}

// EffectiveMin 根据实际数量计算 min
func (n *Node) EffectiveMin(total int) int {
	if n.Min < 0 || n.Min > total {
		return total
	}
	return n.Min
}

// EffectiveMax 根据实际数量计算 max
func (n *Node) EffectiveMax(total int) int {
	if n.Max < 0 || n.Max > total {
		return total
	}
	return n.Max
}

func (n *Node) IsJoin() bool {
	return n.Type == NodeTypeJoin
}

// Evaluate 计算节点条件, 没有条件的节点恒为 TRUE
func (n *Node) Evaluate(ctx ConditionContext) ConditionResult {
	if n.Condition == nil {
		return ConditionTrue
	}
	return n.Condition.Evaluate(ctx)
}

// Model 编译后的流程图, 节点按 id 平铺存放
type Model struct {
	ID      string
	Name    string
	Outputs []string

	nodes     map[string]*Node
	order     []string
	starts    []string
	endCount  int
	ancestors map[string]map[string]struct{}
}

func (m *Model) Node(id string) (*Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// Nodes 按声明顺序返回全部节点
func (m *Model) Nodes() []*Node {
	ret := make([]*Node, 0, len(m.order))
	for _, id := range m.order {
		ret = append(ret, m.nodes[id])
	}
	return ret
}

func (m *Model) StartNodes() []*Node {
	ret := make([]*Node, 0, len(m.starts))
	for _, id := range m.starts {
		ret = append(ret, m.nodes[id])
	}
	return ret
}

func (m *Model) EndNodeCount() int {
	return m.endCount
}

// IsAncestor anc 是否在某条路径上位于 id 之前
func (m *Model) IsAncestor(anc, id string) bool {
	set, ok := m.ancestors[id]
	if !ok {
		return false
	}
	_, ok = set[anc]
	return ok
}

// Ancestors 返回 id 的全部祖先节点, 按节点 id 排序
func (m *Model) Ancestors(id string) []string {
	set := m.ancestors[id]
	ret := make([]string, 0, len(set))
	for anc := range set {
		ret = append(ret, anc)
	}
	sort.Strings(ret)
	return ret
}

// HasOutput 流程是否对外输出 name, 没有声明 Outputs 时全部输出
func (m *Model) HasOutput(name string) bool {
	if len(m.Outputs) == 0 {
		return true
	}
	for _, o := range m.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// ChildModels 组合节点引用的子流程 id
func (m *Model) ChildModels() []string {
	ret := make([]string, 0)
	for _, id := range m.order {
		if n := m.nodes[id]; n.Type == NodeTypeComposite {
			ret = append(ret, n.ChildModel)
		}
	}
	return ret
}

// computeAncestors 对每个节点做一次反向 BFS
func (m *Model) computeAncestors() {
	m.ancestors = make(map[string]map[string]struct{}, len(m.nodes))
	for _, id := range m.order {
		visited := make(map[string]struct{})
		queue := append([]string(nil), m.nodes[id].Predecessors...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, ok := visited[cur]; ok {
				continue
			}
			visited[cur] = struct{}{}
			if n, ok := m.nodes[cur]; ok {
				queue = append(queue, n.Predecessors...)
			}
		}
		m.ancestors[id] = visited
	}
}
