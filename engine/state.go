package engine

// NodeInstanceState 节点实例状态
type NodeInstanceState string

const (
	NodeInstanceStatePending      NodeInstanceState = "pending"
	NodeInstanceStateSent         NodeInstanceState = "sent"
	NodeInstanceStateAcknowledged NodeInstanceState = "acknowledged"
	NodeInstanceStateTaken        NodeInstanceState = "taken"
	NodeInstanceStateStarted      NodeInstanceState = "started"
	// 终止状态, 不再变化
	NodeInstanceStateComplete           NodeInstanceState = "complete"
	NodeInstanceStateSkipped            NodeInstanceState = "skipped"
	NodeInstanceStateSkippedCancel      NodeInstanceState = "skipped_cancel"
	NodeInstanceStateSkippedFail        NodeInstanceState = "skipped_fail"
	NodeInstanceStateSkippedInvalidated NodeInstanceState = "skipped_invalidated"
	NodeInstanceStateCancelled          NodeInstanceState = "cancelled"
	NodeInstanceStateFailed             NodeInstanceState = "failed"
	// 发送失败, 等待 tickle 重新发送, 只能从 pending 进入
	NodeInstanceStateFailRetry NodeInstanceState = "fail_retry"
)

func (s NodeInstanceState) IsFinal() bool {
	switch s {
	case NodeInstanceStateComplete,
		NodeInstanceStateSkipped,
		NodeInstanceStateSkippedCancel,
		NodeInstanceStateSkippedFail,
		NodeInstanceStateSkippedInvalidated,
		NodeInstanceStateCancelled,
		NodeInstanceStateFailed:
		return true
	}
	return false
}

// IsCommitted 已经被领取或者已经结束, 不能再被悄悄替换
func (s NodeInstanceState) IsCommitted() bool {
	return s == NodeInstanceStateTaken || s == NodeInstanceStateStarted || s.IsFinal()
}

func (s NodeInstanceState) IsSkipped() bool {
	switch s {
	case NodeInstanceStateSkipped,
		NodeInstanceStateSkippedCancel,
		NodeInstanceStateSkippedFail,
		NodeInstanceStateSkippedInvalidated:
		return true
	}
	return false
}

// IsActive 已经发出还没有结束, split 计数时和 complete 一起算
func (s NodeInstanceState) IsActive() bool {
	switch s {
	case NodeInstanceStateSent,
		NodeInstanceStateAcknowledged,
		NodeInstanceStateTaken,
		NodeInstanceStateStarted:
		return true
	}
	return false
}

func (s NodeInstanceState) IsActiveOrComplete() bool {
	return s.IsActive() || s == NodeInstanceStateComplete
}

// predecessorStates softUpdateState 的合法前置状态
var predecessorStates = map[NodeInstanceState][]NodeInstanceState{
	NodeInstanceStateSent:         {NodeInstanceStatePending, NodeInstanceStateFailRetry},
	NodeInstanceStateAcknowledged: {NodeInstanceStatePending, NodeInstanceStateFailRetry, NodeInstanceStateSent},
	NodeInstanceStateTaken:        {NodeInstanceStateSent, NodeInstanceStateAcknowledged},
	NodeInstanceStateStarted:      {NodeInstanceStateTaken, NodeInstanceStateSent, NodeInstanceStateAcknowledged},
	NodeInstanceStateComplete:     {NodeInstanceStateStarted},
}

// CanSoftUpdate from 是否可以通过 softUpdateState 进入 to
func CanSoftUpdate(from, to NodeInstanceState) bool {
	for _, s := range predecessorStates[to] {
		if s == from {
			return true
		}
	}
	return false
}

func GetNodeInstanceStateText(s NodeInstanceState) string {
	switch s {
	case NodeInstanceStatePending:
		return "等待中"
	case NodeInstanceStateSent:
		return "已发送"
	case NodeInstanceStateAcknowledged:
		return "已确认"
	case NodeInstanceStateTaken:
		return "已领取"
	case NodeInstanceStateStarted:
		return "执行中"
	case NodeInstanceStateComplete:
		return "完成"
	case NodeInstanceStateSkipped:
		return "跳过"
	case NodeInstanceStateSkippedCancel:
		return "取消跳过"
	case NodeInstanceStateSkippedFail:
		return "失败跳过"
	case NodeInstanceStateSkippedInvalidated:
		return "失效跳过"
	case NodeInstanceStateCancelled:
		return "取消"
	case NodeInstanceStateFailed:
		return "失败"
	case NodeInstanceStateFailRetry:
		return "失败重试"
	}
	return "未知"
}

// ProcessInstanceState 流程实例状态
type ProcessInstanceState string

const (
	ProcessInstanceStateNew         ProcessInstanceState = "new"
	ProcessInstanceStateInitialized ProcessInstanceState = "initialized"
	ProcessInstanceStateStarted     ProcessInstanceState = "started"
	ProcessInstanceStateFinished    ProcessInstanceState = "finished"
	ProcessInstanceStateSkipped     ProcessInstanceState = "skipped"
	ProcessInstanceStateFailed      ProcessInstanceState = "failed"
	ProcessInstanceStateCancelled   ProcessInstanceState = "cancelled"
)

func (s ProcessInstanceState) IsFinal() bool {
	switch s {
	case ProcessInstanceStateFinished,
		ProcessInstanceStateSkipped,
		ProcessInstanceStateFailed,
		ProcessInstanceStateCancelled:
		return true
	}
	return false
}

func GetProcessInstanceStateText(s ProcessInstanceState) string {
	switch s {
	case ProcessInstanceStateNew:
		return "新建"
	case ProcessInstanceStateInitialized:
		return "初始化"
	case ProcessInstanceStateStarted:
		return "运行中"
	case ProcessInstanceStateFinished:
		return "完成"
	case ProcessInstanceStateSkipped:
		return "跳过"
	case ProcessInstanceStateFailed:
		return "失败"
	case ProcessInstanceStateCancelled:
		return "取消"
	}
	return "未知"
}
