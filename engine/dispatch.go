package engine

import (
	"context"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Message 发给外部 worker 的任务
type Message struct {
	ID              string
	ProcessInstance store.Handle
	NodeInstance    store.Handle
	NodeID          string
	ServiceName     string
	Operation       string
	Inputs          []model.ProcessData
}

// Dispatcher 活动节点的投递
// SendMessage 返回 true 只表示已经接收, 执行结果通过 FinishTask/FailTask 回到引擎
type Dispatcher interface {
	CreateMessage(ctx context.Context, node *model.Node, onInstance *NodeInstance, inputs []model.ProcessData) (*Message, error)
	SendMessage(ctx context.Context, tx *store.Transaction, msg *Message, onInstance *NodeInstance) (bool, error)
	// CancelMessage 尽力通知 worker 放弃执行
	CancelMessage(ctx context.Context, tx *store.Transaction, h store.Handle) error
}

func newMessage(node *model.Node, onInstance *NodeInstance, inputs []model.ProcessData) *Message {
	msg := &Message{
		ID:              uuid.NewString(),
		ProcessInstance: onInstance.ProcessInstance,
		NodeInstance:    onInstance.Handle,
		NodeID:          node.ID,
		Inputs:          model.CloneData(inputs),
	}
	if node.Message != nil {
		msg.ServiceName = node.Message.ServiceName
		msg.Operation = node.Message.Operation
	}
	return msg
}

// rejectDispatcher 没有配置 Dispatcher 时使用, 所有消息都发送失败, 节点停在 fail_retry
type rejectDispatcher struct{}

func (rejectDispatcher) CreateMessage(_ context.Context, node *model.Node, onInstance *NodeInstance, inputs []model.ProcessData) (*Message, error) {
	return newMessage(node, onInstance, inputs), nil
}

func (rejectDispatcher) SendMessage(_ context.Context, _ *store.Transaction, msg *Message, _ *NodeInstance) (bool, error) {
	return false, errors.WithMessagef(ErrTaskWorkerNotFound, "no dispatcher, service: %s, operation: %s", msg.ServiceName, msg.Operation)
}

func (rejectDispatcher) CancelMessage(context.Context, *store.Transaction, store.Handle) error {
	return nil
}
