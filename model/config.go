package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var validatorUtil = validator.New()

// ModelConfig 流程配置
type ModelConfig struct {
	ID      string        `json:"id" yaml:"id" validate:"required"`        // 流程 id, 唯一标识
	Name    string        `json:"name" yaml:"name"`                        // 流程名称
	Outputs []string      `json:"outputs" yaml:"outputs"`                  // 对外输出的数据名称, 为空表示全部输出
	Nodes   []*NodeConfig `json:"nodes" yaml:"nodes" validate:"required,min=1,dive,required"`
}

// NodeConfig 节点配置, 前置节点由 next_nodes 反推
type NodeConfig struct {
	ID            string          `json:"id" yaml:"id" validate:"required"`
	Name          string          `json:"name" yaml:"name"`
	Type          NodeType        `json:"type" yaml:"type" validate:"required,oneof=start activity split join end composite"`
	NextNodes     []string        `json:"next_nodes" yaml:"next_nodes"`
	Min           *int            `json:"min" yaml:"min" validate:"omitempty,gte=-1"`
	Max           *int            `json:"max" yaml:"max" validate:"omitempty,gte=-1"`
	MultiInstance bool            `json:"multi_instance" yaml:"multi_instance"`
	MultiMerge    bool            `json:"multi_merge" yaml:"multi_merge"`
	Condition     string          `json:"condition" yaml:"condition"` // true, never, maybe 或者注册过的条件名
	Message       *MessageConfig  `json:"message" yaml:"message"`
	Results       []*ResultConfig `json:"results" yaml:"results" validate:"dive,required"`
	Defines       []*DefineConfig `json:"defines" yaml:"defines" validate:"dive,required"`
	ChildModel    string          `json:"child_model" yaml:"child_model" validate:"required_if=Type composite"`
}

type MessageConfig struct {
	Service   string `json:"service" yaml:"service" validate:"required"`
	Operation string `json:"operation" yaml:"operation" validate:"required"`
}

type ResultConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	Path string `json:"path" yaml:"path"` // 点分隔的 JSON 路径, 为空时使用 name
}

type DefineConfig struct {
	Name    string `json:"name" yaml:"name" validate:"required"`
	RefNode string `json:"ref_node" yaml:"ref_node"`
	RefName string `json:"ref_name" yaml:"ref_name" validate:"required"`
}

// ParseModelJSON 解析 JSON 流程配置
func ParseModelJSON(b []byte) (*ModelConfig, error) {
	cfg := &ModelConfig{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal model json failed")
	}
	return cfg, nil
}

// ParseModelYAML 解析 YAML 流程配置
func ParseModelYAML(b []byte) (*ModelConfig, error) {
	cfg := &ModelConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal model yaml failed")
	}
	return cfg, nil
}

// LoadModelFile 按扩展名读取流程配置文件
func LoadModelFile(path string) (*ModelConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read model file failed, path: %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseModelYAML(b)
	case ".json":
		return ParseModelJSON(b)
	}
	return nil, errors.Errorf("unsupported model file extension, path: %s", path)
}

// CompileOptions 编译参数
type CompileOptions struct {
	// Conditions 配置中按名称引用的条件
	Conditions map[string]Condition
}

func (o *CompileOptions) condition(name string) (Condition, bool) {
	if name == "" {
		return nil, true
	}
	if c, ok := builtinConditions[name]; ok {
		return c, true
	}
	if o == nil {
		return nil, false
	}
	c, ok := o.Conditions[name]
	return c, ok
}

// Compile 把配置转换成流程图并做结构校验
func Compile(cfg *ModelConfig, opts *CompileOptions) (*Model, error) {
	if cfg == nil {
		return nil, errors.New("model config is nil")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return nil, errors.WithMessagef(ErrStructural, "invalid model config, id: %s, err: %v", cfg.ID, err)
	}
	m := &Model{
		ID:      cfg.ID,
		Name:    cfg.Name,
		Outputs: append([]string(nil), cfg.Outputs...),
		nodes:   make(map[string]*Node, len(cfg.Nodes)),
		order:   make([]string, 0, len(cfg.Nodes)),
	}
	for _, nc := range cfg.Nodes {
		if _, ok := m.nodes[nc.ID]; ok {
			return nil, errors.WithMessagef(ErrStructural, "duplicate node, model: %s, node: %s", cfg.ID, nc.ID)
		}
		cond, ok := opts.condition(nc.Condition)
		if !ok {
			return nil, errors.WithMessagef(ErrStructural, "unknown condition, model: %s, node: %s, condition: %s", cfg.ID, nc.ID, nc.Condition)
		}
		n := &Node{
			ID:            nc.ID,
			Name:          nc.Name,
			Type:          nc.Type,
			Successors:    append([]string(nil), nc.NextNodes...),
			Predecessors:  make([]string, 0),
			Min:           defaultMin(nc.Type),
			Max:           Unbounded,
			MultiInstance: nc.MultiInstance,
			MultiMerge:    nc.MultiMerge,
			Condition:     cond,
			ChildModel:    nc.ChildModel,
		}
		if nc.Min != nil {
			n.Min = *nc.Min
		}
		if nc.Max != nil {
			n.Max = *nc.Max
		}
		if nc.Message != nil {
			n.Message = &MessageDescriptor{ServiceName: nc.Message.Service, Operation: nc.Message.Operation}
		}
		for _, rc := range nc.Results {
			path := rc.Path
			if path == "" {
				path = rc.Name
			}
			n.Results = append(n.Results, ResultDef{Name: rc.Name, Path: strings.Split(path, ".")})
		}
		for _, dc := range nc.Defines {
			n.Defines = append(n.Defines, Define{Name: dc.Name, RefNode: dc.RefNode, RefName: dc.RefName})
		}
		m.nodes[n.ID] = n
		m.order = append(m.order, n.ID)
	}
	return assemble(m)
}

// NewModel 用代码直接构造流程图, 前置节点由 Successors 反推
func NewModel(id string, name string, outputs []string, nodes ...*Node) (*Model, error) {
	m := &Model{
		ID:      id,
		Name:    name,
		Outputs: append([]string(nil), outputs...),
		nodes:   make(map[string]*Node, len(nodes)),
		order:   make([]string, 0, len(nodes)),
	}
	for _, n := range nodes {
		if n == nil {
			return nil, errors.WithMessagef(ErrStructural, "nil node, model: %s", id)
		}
		if _, ok := m.nodes[n.ID]; ok {
			return nil, errors.WithMessagef(ErrStructural, "duplicate node, model: %s, node: %s", id, n.ID)
		}
		n.Predecessors = make([]string, 0)
		m.nodes[n.ID] = n
		m.order = append(m.order, n.ID)
	}
	return assemble(m)
}

// assemble 反推前置节点, 建索引并校验
func assemble(m *Model) (*Model, error) {
	for _, id := range m.order {
		for _, next := range m.nodes[id].Successors {
			nextNode, ok := m.nodes[next]
			if !ok {
				return nil, errors.WithMessagef(ErrStructural, "node %s references missing successor %s, model: %s", id, next, m.ID)
			}
			nextNode.Predecessors = append(nextNode.Predecessors, id)
		}
	}
	m.starts = make([]string, 0)
	m.endCount = 0
	for _, id := range m.order {
		switch m.nodes[id].Type {
		case NodeTypeStart:
			m.starts = append(m.starts, id)
		case NodeTypeEnd:
			m.endCount++
		}
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	m.computeAncestors()
	return m, nil
}

func defaultMin(t NodeType) int {
	switch t {
	case NodeTypeSplit:
		return 1
	}
	return Unbounded
}
