package store

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Handle 存储记录的句柄, 由后端分配, 0 表示无效
type Handle int64

const InvalidHandle Handle = 0

func (h Handle) Valid() bool {
	return h > InvalidHandle
}

var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("optimistic concurrency conflict")
	ErrTransactionClosed = errors.New("transaction already closed")
	ErrReadOnly          = errors.New("transaction is read only")
)

// ConflictError 写入时存储里的 generation 已经变化
type ConflictError struct {
	Handle   Handle
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf(
		"optimistic concurrency conflict on process instance %d, expected generation %d, actual %d",
		e.Handle,
		e.Expected,
		e.Actual,
	)
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type ProcessInstancePo struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UUID           string `gorm:"column:uuid" json:"uuid"`
	Owner          string `gorm:"column:owner" json:"owner"`
	ModelID        string `gorm:"column:model_id" json:"model_id"`
	Generation     int64  `gorm:"column:generation" json:"generation"`
	State          string `gorm:"column:state" json:"state"`
	ParentActivity int64  `gorm:"column:parent_activity" json:"parent_activity"` // 组合节点实例句柄, 顶层流程为 0
	Inputs         []byte `gorm:"column:inputs" json:"inputs"`
	Outputs        []byte `gorm:"column:outputs" json:"outputs"`
	CreatedAt      int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (ProcessInstancePo) TableName() string {
	return "process_instance"
}

type NodeInstancePo struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProcessInstanceID int64  `gorm:"column:process_instance_id;index" json:"process_instance_id"`
	NodeID            string `gorm:"column:node_id" json:"node_id"`
	EntryNo           int64  `gorm:"column:entry_no" json:"entry_no"`
	Predecessors      []byte `gorm:"column:predecessors" json:"predecessors"` // 前置节点实例句柄, JSON 数组
	State             string `gorm:"column:state" json:"state"`
	Results           []byte `gorm:"column:results" json:"results"`
	FailureCause      string `gorm:"column:failure_cause" json:"failure_cause"`
	ChildInstanceID   int64  `gorm:"column:child_instance_id" json:"child_instance_id"`
	CreatedAt         int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (NodeInstancePo) TableName() string {
	return "node_instance"
}

type QueryProcessInstanceParams struct {
	ModelIDIn      []string `json:"model_id_in"`
	Owner          *string  `json:"owner"`
	StateIn        []string `json:"state_in"`
	ParentActivity *int64   `json:"parent_activity"`
	IDGreaterThan  *int64   `json:"id_greater_than"`
	OrderbyIDAsc   *bool    `json:"orderby_id_asc"`
	Page           *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

// normalize 补齐默认分页, 返回 offset 和 limit, limit<0 表示不分页
func (p *Pager) normalize() (int, int, error) {
	if p == nil {
		return 0, 0, errors.New("page is nil")
	}
	if p.IsNoLimit != nil && *p.IsNoLimit {
		return 0, -1, nil
	}
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Size == 0 {
		p.Size = 10
	}
	return int(p.Page-1) * int(p.Size), int(p.Size), nil
}

// Tx 后端事务
// SetProcessInstance 是唯一的乐观锁检查点: 存储里的 generation 必须等于 baseGeneration
type Tx interface {
	GetProcessInstance(ctx context.Context, h Handle) (*ProcessInstancePo, error)
	QueryProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstancePo, error)
	PutProcessInstance(ctx context.Context, po *ProcessInstancePo) (Handle, error)
	SetProcessInstance(ctx context.Context, po *ProcessInstancePo, baseGeneration int64) error
	// RemoveProcessInstance 同时删除节点实例
	RemoveProcessInstance(ctx context.Context, h Handle) error

	GetNodeInstance(ctx context.Context, h Handle) (*NodeInstancePo, error)
	// ListNodeInstances 按句柄升序
	ListNodeInstances(ctx context.Context, process Handle) ([]*NodeInstancePo, error)
	PutNodeInstance(ctx context.Context, po *NodeInstancePo) (Handle, error)
	SetNodeInstance(ctx context.Context, po *NodeInstancePo) error
	RemoveNodeInstance(ctx context.Context, h Handle) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Backend interface {
	Begin(ctx context.Context, writable bool) (Tx, error)
}

func matchProcessInstance(po *ProcessInstancePo, params *QueryProcessInstanceParams) bool {
	if len(params.ModelIDIn) != 0 && !contains(params.ModelIDIn, po.ModelID) {
		return false
	}
	if params.Owner != nil && *params.Owner != po.Owner {
		return false
	}
	if len(params.StateIn) != 0 && !contains(params.StateIn, po.State) {
		return false
	}
	if params.ParentActivity != nil && *params.ParentActivity != po.ParentActivity {
		return false
	}
	if params.IDGreaterThan != nil && po.ID <= *params.IDGreaterThan {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// pageSlice 内存后端和 bolt 后端共用的排序分页
func pageSlice(pos []*ProcessInstancePo, params *QueryProcessInstanceParams) ([]*ProcessInstancePo, error) {
	offset, limit, err := params.Page.normalize()
	if err != nil {
		return nil, err
	}
	if params.OrderbyIDAsc != nil && !*params.OrderbyIDAsc {
		for i, j := 0, len(pos)-1; i < j; i, j = i+1, j-1 {
			pos[i], pos[j] = pos[j], pos[i]
		}
	}
	if offset >= len(pos) {
		return make([]*ProcessInstancePo, 0), nil
	}
	pos = pos[offset:]
	if limit >= 0 && limit < len(pos) {
		pos = pos[:limit]
	}
	return pos, nil
}

func cloneProcessInstance(po *ProcessInstancePo) *ProcessInstancePo {
	if po == nil {
		return nil
	}
	c := *po
	c.Inputs = append([]byte(nil), po.Inputs...)
	c.Outputs = append([]byte(nil), po.Outputs...)
	return &c
}

func cloneNodeInstance(po *NodeInstancePo) *NodeInstancePo {
	if po == nil {
		return nil
	}
	c := *po
	c.Predecessors = append([]byte(nil), po.Predecessors...)
	c.Results = append([]byte(nil), po.Results...)
	return &c
}
