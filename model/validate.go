package model

import "github.com/pkg/errors"

var (
	// ErrStructural 流程图结构错误, 只会在编译校验时出现
	ErrStructural             = errors.New("process model structural error")
	ErrModelNotFound          = errors.New("process model not found")
	ErrModelAlreadyRegistered = errors.New("process model already registered")
)

type fanRule struct {
	minPre, maxPre   int
	minNext, maxNext int
}

// -1 表示不限制
var fanRules = map[NodeType]fanRule{
	NodeTypeStart:     {0, 0, 1, 1},
	NodeTypeActivity:  {1, 1, 1, 1},
	NodeTypeComposite: {1, 1, 1, 1},
	NodeTypeSplit:     {1, 1, 1, -1},
	NodeTypeJoin:      {1, -1, 1, 1},
	NodeTypeEnd:       {1, 1, 0, 0},
}

// Validate 结构校验: 引用, 出入度, 基数, split 直连 join, 环, 可达性
func Validate(m *Model) error {
	if len(m.starts) == 0 {
		return errors.WithMessagef(ErrStructural, "model %s has no start node", m.ID)
	}
	if m.endCount == 0 {
		return errors.WithMessagef(ErrStructural, "model %s has no end node", m.ID)
	}
	for _, id := range m.order {
		n := m.nodes[id]
		rule, ok := fanRules[n.Type]
		if !ok {
			return errors.WithMessagef(ErrStructural, "unknown node type, model: %s, node: %s, type: %s", m.ID, id, n.Type)
		}
		if err := checkFan(m.ID, n, "predecessors", len(n.Predecessors), rule.minPre, rule.maxPre); err != nil {
			return err
		}
		if err := checkFan(m.ID, n, "successors", len(n.Successors), rule.minNext, rule.maxNext); err != nil {
			return err
		}
		if n.Min < Unbounded || n.Max < Unbounded {
			return errors.WithMessagef(ErrStructural, "negative cardinality, model: %s, node: %s", m.ID, id)
		}
		if n.Min >= 0 && n.Max >= 0 && n.Min > n.Max {
			return errors.WithMessagef(ErrStructural, "min greater than max, model: %s, node: %s, min: %d, max: %d", m.ID, id, n.Min, n.Max)
		}
		if n.Type == NodeTypeSplit {
			for _, next := range n.Successors {
				if m.nodes[next].Type == NodeTypeJoin {
					return errors.WithMessagef(ErrStructural, "split %s is directly followed by join %s, model: %s", id, next, m.ID)
				}
			}
		}
		if n.Type == NodeTypeComposite && n.ChildModel == "" {
			return errors.WithMessagef(ErrStructural, "composite %s has no child model, model: %s", id, m.ID)
		}
		if n.Type == NodeTypeComposite && n.ChildModel == m.ID {
			return errors.WithMessagef(ErrStructural, "composite %s references its own model %s", id, m.ID)
		}
		seen := make(map[string]struct{}, len(n.Successors))
		for _, next := range n.Successors {
			if _, dup := seen[next]; dup {
				return errors.WithMessagef(ErrStructural, "duplicate successor, model: %s, node: %s, successor: %s", m.ID, id, next)
			}
			seen[next] = struct{}{}
		}
	}
	if err := checkCycle(m); err != nil {
		return err
	}
	return checkReachable(m)
}

func checkFan(modelID string, n *Node, what string, count, min, max int) error {
	if count < min || (max >= 0 && count > max) {
		return errors.WithMessagef(ErrStructural, "node %s (%s) has %d %s, model: %s", n.ID, n.Type, count, what, modelID)
	}
	return nil
}

// checkCycle 迭代 DFS, 灰色节点再次出现即为环
func checkCycle(m *Model) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(m.nodes))
	type frame struct {
		id   string
		next int
	}
	for _, root := range m.order {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := m.nodes[top.id].Successors
			if top.next >= len(succ) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			next := succ[top.next]
			top.next++
			switch color[next] {
			case grey:
				return errors.WithMessagef(ErrStructural, "cycle detected at %s -> %s, model: %s", top.id, next, m.ID)
			case white:
				color[next] = grey
				stack = append(stack, frame{id: next})
			}
		}
	}
	return nil
}

func checkReachable(m *Model) error {
	visited := make(map[string]struct{}, len(m.nodes))
	queue := append([]string(nil), m.starts...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}
		queue = append(queue, m.nodes[cur].Successors...)
	}
	for _, id := range m.order {
		if _, ok := visited[id]; !ok {
			return errors.WithMessagef(ErrStructural, "node %s is unreachable from start, model: %s", id, m.ID)
		}
	}
	return nil
}
