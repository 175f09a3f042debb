package engine

import (
	"fmt"
	"strings"

	"github.com/blingmoon/simple-process-engine/model"
)

// behavior 不同节点类型的生命周期 hook
// doProvide/doTake/doStart 返回 true 表示可以继续下一个阶段
type behavior interface {
	doProvide(b *nodeBuilder) (bool, error)
	doTake(b *nodeBuilder) (bool, error)
	doStart(b *nodeBuilder) (bool, error)
	doFinish(b *nodeBuilder, payload []byte) ([]model.ProcessData, error)
	doCancel(b *nodeBuilder) error
	tickle(b *nodeBuilder) error
}

func behaviorFor(node *model.Node) behavior {
	switch node.Type {
	case model.NodeTypeSplit:
		return splitBehavior{}
	case model.NodeTypeJoin:
		return joinBehavior{}
	case model.NodeTypeComposite:
		return compositeBehavior{}
	case model.NodeTypeEnd:
		return endBehavior{}
	}
	return activityBehavior{}
}

// autoBehavior 自动完成的节点
type autoBehavior struct{}

func (autoBehavior) doProvide(*nodeBuilder) (bool, error) { return true, nil }
func (autoBehavior) doTake(*nodeBuilder) (bool, error)    { return true, nil }
func (autoBehavior) doStart(*nodeBuilder) (bool, error)   { return true, nil }
func (autoBehavior) doCancel(*nodeBuilder) error          { return nil }
func (autoBehavior) tickle(*nodeBuilder) error            { return nil }

func (autoBehavior) doFinish(b *nodeBuilder, payload []byte) ([]model.ProcessData, error) {
	return extractResults(b, payload)
}

// activityBehavior start 和 activity 节点, 有消息描述时交给 Dispatcher 执行
type activityBehavior struct {
	autoBehavior
}

func (activityBehavior) doProvide(b *nodeBuilder) (bool, error) {
	if b.node.Message == nil {
		return true, nil
	}
	uow := b.process.uow
	inputs, missing := b.process.resolveDefines(b.node.Defines)
	if len(missing) > 0 {
		return false, b.fail(fmt.Sprintf("missing data: %s", strings.Join(missing, ",")))
	}
	dispatcher := uow.engine.dispatcher
	msg, err := dispatcher.CreateMessage(uow.ctx, b.node, b.build(), inputs)
	if err != nil {
		return false, b.fail(fmt.Sprintf("create message failed: %v", err))
	}
	ok, err := dispatcher.SendMessage(uow.ctx, uow.tx, msg, b.build())
	// 发送可能重入引擎, 缓存不再可信
	uow.engine.data.InvalidateCache(uow.ctx, b.process.handle)
	if err != nil {
		return false, b.fail(fmt.Sprintf("send message failed: %v", err))
	}
	if !ok {
		return false, b.fail("message not accepted")
	}
	return true, nil
}

func (activityBehavior) doTake(b *nodeBuilder) (bool, error) {
	return b.node.Message == nil, nil
}

func (activityBehavior) doStart(b *nodeBuilder) (bool, error) {
	return b.node.Message == nil, nil
}

// endBehavior 结束节点, 结果来自 defines, 作为流程的输出
type endBehavior struct {
	autoBehavior
}

func (endBehavior) doFinish(b *nodeBuilder, payload []byte) ([]model.ProcessData, error) {
	results, err := extractResults(b, payload)
	if err != nil {
		return nil, err
	}
	defined, missing := b.process.resolveDefines(b.node.Defines)
	if len(missing) > 0 {
		return nil, newProcessException(b, "missing data: %s", strings.Join(missing, ","))
	}
	return append(results, defined...), nil
}

func extractResults(b *nodeBuilder, payload []byte) ([]model.ProcessData, error) {
	if len(b.node.Results) == 0 || len(payload) == 0 {
		return nil, nil
	}
	results, err := NewJSONContext(payload).Extract(b.node.Results)
	if err != nil {
		return nil, newProcessException(b, "extract results failed: %v", err)
	}
	return results, nil
}
