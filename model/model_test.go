package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const approvalJSON = `{
	"id": "approval",
	"name": "审批",
	"outputs": ["decision"],
	"nodes": [
		{"id": "start", "type": "start", "next_nodes": ["split"]},
		{"id": "split", "type": "split", "min": 1, "max": 2, "next_nodes": ["a", "b"]},
		{"id": "a", "type": "activity", "next_nodes": ["join"], "results": [{"name": "decision", "path": "result.decision"}]},
		{"id": "b", "type": "activity", "condition": "never", "next_nodes": ["join"]},
		{"id": "join", "type": "join", "min": 1, "next_nodes": ["end"]},
		{"id": "end", "type": "end", "defines": [{"name": "decision", "ref_node": "a", "ref_name": "decision"}]}
	]
}`

func TestCompile(t *testing.T) {
	cfg, err := ParseModelJSON([]byte(approvalJSON))
	require.NoError(t, err)

	m, err := Compile(cfg, nil)
	require.NoError(t, err)

	t.Run("前置节点由next_nodes反推", func(t *testing.T) {
		join, ok := m.Node("join")
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, join.Predecessors)
		assert.True(t, join.IsJoin())
	})

	t.Run("默认基数", func(t *testing.T) {
		join, _ := m.Node("join")
		assert.Equal(t, 1, join.Min)
		assert.Equal(t, Unbounded, join.Max)
		assert.Equal(t, 2, join.EffectiveMax(2))

		split, _ := m.Node("split")
		assert.Equal(t, 1, split.EffectiveMin(2))
		assert.Equal(t, 2, split.EffectiveMax(2))
	})

	t.Run("索引", func(t *testing.T) {
		require.Len(t, m.StartNodes(), 1)
		assert.Equal(t, "start", m.StartNodes()[0].ID)
		assert.Equal(t, 1, m.EndNodeCount())
		assert.True(t, m.IsAncestor("split", "join"))
		assert.False(t, m.IsAncestor("join", "split"))
		assert.Equal(t, []string{"a", "b", "split", "start"}, m.Ancestors("join"))
		assert.True(t, m.HasOutput("decision"))
		assert.False(t, m.HasOutput("other"))
	})

	t.Run("条件和结果", func(t *testing.T) {
		b, _ := m.Node("b")
		assert.Equal(t, ConditionNever, b.Evaluate(nil))
		a, _ := m.Node("a")
		assert.Equal(t, ConditionTrue, a.Evaluate(nil))
		require.Len(t, a.Results, 1)
		assert.Equal(t, []string{"result", "decision"}, a.Results[0].Path)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		nodes []*Node
	}{
		{
			name: "split直连join",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"split"}},
				{ID: "split", Type: NodeTypeSplit, Min: 1, Max: Unbounded, Successors: []string{"join", "a"}},
				{ID: "a", Type: NodeTypeActivity, Successors: []string{"join"}},
				{ID: "join", Type: NodeTypeJoin, Min: Unbounded, Max: Unbounded, Successors: []string{"e"}},
				{ID: "e", Type: NodeTypeEnd},
			},
		},
		{
			name: "引用不存在的节点",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"missing"}},
				{ID: "e", Type: NodeTypeEnd},
			},
		},
		{
			name: "环",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"j"}},
				{ID: "j", Type: NodeTypeJoin, Min: Unbounded, Max: Unbounded, Successors: []string{"a"}},
				{ID: "a", Type: NodeTypeActivity, Successors: []string{"split"}},
				{ID: "split", Type: NodeTypeSplit, Min: 1, Max: Unbounded, Successors: []string{"b", "e"}},
				{ID: "b", Type: NodeTypeActivity, Successors: []string{"j"}},
				{ID: "e", Type: NodeTypeEnd},
			},
		},
		{
			name: "活动节点多个后置",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"a"}},
				{ID: "a", Type: NodeTypeActivity, Successors: []string{"e1", "e2"}},
				{ID: "e1", Type: NodeTypeEnd},
				{ID: "e2", Type: NodeTypeEnd},
			},
		},
		{
			name: "min大于max",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"split"}},
				{ID: "split", Type: NodeTypeSplit, Min: 3, Max: 1, Successors: []string{"e1", "e2"}},
				{ID: "e1", Type: NodeTypeEnd},
				{ID: "e2", Type: NodeTypeEnd},
			},
		},
		{
			name: "没有结束节点",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"a"}},
				{ID: "a", Type: NodeTypeActivity},
			},
		},
		{
			name: "重复节点",
			nodes: []*Node{
				{ID: "s", Type: NodeTypeStart, Successors: []string{"e"}},
				{ID: "e", Type: NodeTypeEnd},
				{ID: "e", Type: NodeTypeEnd},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := NewModel("bad", "", nil, c.nodes...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStructural))
		})
	}

	t.Run("合法流程", func(t *testing.T) {
		m, err := NewModel("ok", "", nil,
			&Node{ID: "s", Type: NodeTypeStart, Successors: []string{"split"}},
			&Node{ID: "split", Type: NodeTypeSplit, Min: 1, Max: Unbounded, Successors: []string{"e1", "e2"}},
			&Node{ID: "e1", Type: NodeTypeEnd},
			&Node{ID: "e2", Type: NodeTypeEnd},
		)
		require.NoError(t, err)
		assert.Equal(t, 2, m.EndNodeCount())
	})
}

func TestParseModelYAML(t *testing.T) {
	content := `
id: yaml_model
name: yaml
nodes:
  - id: start
    type: start
    next_nodes: [task]
  - id: task
    type: activity
    message:
      service: mail
      operation: send
    next_nodes: [end]
  - id: end
    type: end
`
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadModelFile(path)
	require.NoError(t, err)
	assert.Equal(t, "yaml_model", cfg.ID)
	require.Len(t, cfg.Nodes, 3)
	assert.Equal(t, []string{"end"}, cfg.Nodes[1].NextNodes)

	m, err := Compile(cfg, nil)
	require.NoError(t, err)
	task, _ := m.Node("task")
	require.NotNil(t, task.Message)
	assert.Equal(t, "mail", task.Message.ServiceName)
	assert.Equal(t, "send", task.Message.Operation)

	_, err = LoadModelFile(filepath.Join(t.TempDir(), "model.txt"))
	assert.Error(t, err)
}

type fakeConditionContext map[string][]byte

func (f fakeConditionContext) ProcessInput(name string) ([]byte, bool) {
	b, ok := f["input."+name]
	return b, ok
}

func (f fakeConditionContext) NodeResult(nodeID string, name string) ([]byte, bool) {
	b, ok := f[nodeID+"."+name]
	return b, ok
}

func TestDataEquals(t *testing.T) {
	cond := DataEquals("review", "decision", "approved")
	assert.Equal(t, ConditionMaybe, cond.Evaluate(fakeConditionContext{}))
	assert.Equal(t, ConditionTrue, cond.Evaluate(fakeConditionContext{"review.decision": []byte(`"approved"`)}))
	assert.Equal(t, ConditionNever, cond.Evaluate(fakeConditionContext{"review.decision": []byte(`"rejected"`)}))

	input := DataEquals("", "level", 3)
	assert.Equal(t, ConditionTrue, input.Evaluate(fakeConditionContext{"input.level": []byte(`3`)}))
}
