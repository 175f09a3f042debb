package engine

import (
	"encoding/json"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/pkg/errors"
)

// JSONContext 任务执行时的数据上下文
// 输入数据按名称放在顶层, 任务完成时整体序列化成 payload
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从 JSON 字节创建, 非对象的内容会被忽略
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{data: make(map[string]any)}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &ctx.data)
		if ctx.data == nil {
			ctx.data = make(map[string]any)
		}
	}
	return ctx
}

// NewJSONContextFromData 每个 ProcessData 放到同名的 key 下, 不是合法 JSON 的内容按字符串处理
func NewJSONContextFromData(list []model.ProcessData) *JSONContext {
	ctx := &JSONContext{data: make(map[string]any, len(list))}
	for _, d := range list {
		var v any
		if err := json.Unmarshal(d.Content, &v); err != nil {
			v = string(d.Content)
		}
		ctx.data[d.Name] = v
	}
	return ctx
}

// Get 获取值, 支持嵌套路径, 例如 Get("user", "name")
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = currentMap[key]; !ok {
			return nil, false
		}
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	// 反序列化出来的数字都是 float64
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值, 中间路径不是 map 时会被覆盖
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, keys[len(keys)-1])
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// ToMap 返回底层 map, 注意是引用
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

func (c *JSONContext) Clone() *JSONContext {
	b, _ := c.ToBytes()
	return NewJSONContext(b)
}

func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Extract 按结果定义取值, 路径不存在的结果跳过
func (c *JSONContext) Extract(defs []model.ResultDef) ([]model.ProcessData, error) {
	ret := make([]model.ProcessData, 0, len(defs))
	for _, def := range defs {
		v, ok := c.Get(def.Path...)
		if !ok {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.WithMessagef(err, "marshal result %s failed", def.Name)
		}
		ret = append(ret, model.ProcessData{Name: def.Name, Content: b})
	}
	return ret, nil
}
