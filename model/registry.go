package model

import (
	"sync"

	"github.com/pkg/errors"
)

// Provider 按 id 获取流程图
type Provider interface {
	Model(id string) (*Model, error)
}

// Registry 流程注册表
// 配置只做存储, 第一次 Model 时才编译, 这样组合节点引用的子流程可以按任意顺序加载
type Registry struct {
	configs    sync.Map // id -> *ModelConfig
	models     sync.Map // id -> *Model
	conditions sync.Map // name -> Condition
	loadLock   sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterCondition 注册配置中按名称引用的条件, 需要在编译之前调用
func (r *Registry) RegisterCondition(name string, c Condition) error {
	if c == nil {
		return errors.New("condition is nil")
	}
	if _, ok := builtinConditions[name]; ok {
		return errors.Errorf("condition name is reserved, name: %s", name)
	}
	if _, loaded := r.conditions.LoadOrStore(name, c); loaded {
		return errors.Errorf("condition already registered, name: %s", name)
	}
	return nil
}

// LoadModelConfig 保存流程配置
func (r *Registry) LoadModelConfig(cfg *ModelConfig) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return errors.WithMessagef(ErrStructural, "invalid model config, id: %s, err: %v", cfg.ID, err)
	}
	if _, ok := r.models.Load(cfg.ID); ok {
		return errors.WithMessagef(ErrModelAlreadyRegistered, "id: %s", cfg.ID)
	}
	if _, loaded := r.configs.LoadOrStore(cfg.ID, cfg); loaded {
		return errors.WithMessagef(ErrModelAlreadyRegistered, "id: %s", cfg.ID)
	}
	return nil
}

// LoadModelFiles 批量读取配置文件
func (r *Registry) LoadModelFiles(paths ...string) error {
	for _, p := range paths {
		cfg, err := LoadModelFile(p)
		if err != nil {
			return err
		}
		if err := r.LoadModelConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Register 直接注册编译好的流程图
func (r *Registry) Register(m *Model) error {
	if m == nil {
		return errors.New("model is nil")
	}
	if _, ok := r.configs.Load(m.ID); ok {
		return errors.WithMessagef(ErrModelAlreadyRegistered, "id: %s", m.ID)
	}
	if _, loaded := r.models.LoadOrStore(m.ID, m); loaded {
		return errors.WithMessagef(ErrModelAlreadyRegistered, "id: %s", m.ID)
	}
	return nil
}

// Model 获取流程图, 需要时编译, 并检查子流程是否存在
func (r *Registry) Model(id string) (*Model, error) {
	if i, ok := r.models.Load(id); ok {
		return i.(*Model), nil
	}
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	if i, ok := r.models.Load(id); ok {
		return i.(*Model), nil
	}
	i, ok := r.configs.Load(id)
	if !ok {
		return nil, errors.WithMessagef(ErrModelNotFound, "id: %s", id)
	}
	opts := &CompileOptions{Conditions: make(map[string]Condition)}
	r.conditions.Range(func(key, value any) bool {
		opts.Conditions[key.(string)] = value.(Condition)
		return true
	})
	m, err := Compile(i.(*ModelConfig), opts)
	if err != nil {
		return nil, err
	}
	for _, child := range m.ChildModels() {
		if !r.has(child) {
			return nil, errors.WithMessagef(ErrStructural, "child model %s not found, model: %s", child, id)
		}
	}
	r.models.Store(id, m)
	return m, nil
}

func (r *Registry) has(id string) bool {
	if _, ok := r.models.Load(id); ok {
		return true
	}
	_, ok := r.configs.Load(id)
	return ok
}
