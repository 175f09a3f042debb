package model

import (
	"bytes"
	"encoding/json"
)

// ConditionResult 条件计算结果
type ConditionResult int

const (
	ConditionTrue ConditionResult = iota
	ConditionNever
	// ConditionMaybe 暂时无法判断, 实例先创建, 之后重新计算
	ConditionMaybe
)

func (r ConditionResult) String() string {
	switch r {
	case ConditionTrue:
		return "TRUE"
	case ConditionNever:
		return "NEVER"
	case ConditionMaybe:
		return "MAYBE"
	}
	return "UNKNOWN"
}

// ConditionContext 条件计算时可以读到的数据
type ConditionContext interface {
	// ProcessInput 流程输入
	ProcessInput(name string) ([]byte, bool)
	// NodeResult 节点最近一次完成时的结果
	NodeResult(nodeID string, name string) ([]byte, bool)
}

type Condition interface {
	Evaluate(ctx ConditionContext) ConditionResult
}

type ConditionFunc func(ctx ConditionContext) ConditionResult

func (f ConditionFunc) Evaluate(ctx ConditionContext) ConditionResult {
	return f(ctx)
}

type constCondition ConditionResult

func (c constCondition) Evaluate(ConditionContext) ConditionResult {
	return ConditionResult(c)
}

var (
	Always Condition = constCondition(ConditionTrue)
	Never  Condition = constCondition(ConditionNever)
	Maybe  Condition = constCondition(ConditionMaybe)
)

var builtinConditions = map[string]Condition{
	"true":  Always,
	"never": Never,
	"maybe": Maybe,
}

// DataEquals 比较节点结果和 want 的 JSON 编码, 结果还不存在时返回 MAYBE
func DataEquals(nodeID string, name string, want any) Condition {
	expected, err := json.Marshal(want)
	return ConditionFunc(func(ctx ConditionContext) ConditionResult {
		if err != nil {
			return ConditionNever
		}
		var (
			content []byte
			ok      bool
		)
		if nodeID == "" {
			content, ok = ctx.ProcessInput(name)
		} else {
			content, ok = ctx.NodeResult(nodeID, name)
		}
		if !ok {
			return ConditionMaybe
		}
		if bytes.Equal(bytes.TrimSpace(content), expected) {
			return ConditionTrue
		}
		return ConditionNever
	})
}
