package store

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type gormBackend struct {
	db *gorm.DB
}

// NewGormBackend 关系型数据库后端, 表结构见 ProcessInstancePo 和 NodeInstancePo
func NewGormBackend(db *gorm.DB) Backend {
	return &gormBackend{db: db}
}

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ProcessInstancePo{}, &NodeInstancePo{})
}

func (b *gormBackend) Begin(ctx context.Context, writable bool) (Tx, error) {
	tx := b.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errors.WithMessage(tx.Error, "begin transaction failed")
	}
	return &gormTx{db: tx, writable: writable}, nil
}

type gormTx struct {
	db       *gorm.DB
	writable bool
	closed   bool
}

func (t *gormTx) check(write bool) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if write && !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *gormTx) GetProcessInstance(ctx context.Context, h Handle) (*ProcessInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	po := &ProcessInstancePo{}
	if err := t.db.WithContext(ctx).Where("id = ?", int64(h)).Take(po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.WithMessagef(ErrNotFound, "process instance %d", h)
		}
		return nil, errors.WithMessage(err, "GetProcessInstance failed")
	}
	return po, nil
}

func buildQueryProcessInstanceParams(db *gorm.DB, param *QueryProcessInstanceParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryProcessInstanceParams")
	}
	if len(param.ModelIDIn) != 0 {
		db = db.Where("model_id IN ?", param.ModelIDIn)
	}
	if param.Owner != nil {
		db = db.Where("owner = ?", *param.Owner)
	}
	if len(param.StateIn) != 0 {
		db = db.Where("state IN ?", param.StateIn)
	}
	if param.ParentActivity != nil {
		db = db.Where("parent_activity = ?", *param.ParentActivity)
	}
	if param.IDGreaterThan != nil {
		db = db.Where("id > ?", *param.IDGreaterThan)
	}
	if param.OrderbyIDAsc != nil && !*param.OrderbyIDAsc {
		db = db.Order("id desc")
	} else {
		db = db.Order("id asc")
	}
	offset, limit, err := param.Page.normalize()
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		// 不分页
		return db, nil
	}
	return db.Offset(offset).Limit(limit), nil
}

func (t *gormTx) QueryProcessInstances(ctx context.Context, params *QueryProcessInstanceParams) ([]*ProcessInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	db, err := buildQueryProcessInstanceParams(t.db.WithContext(ctx).Model(&ProcessInstancePo{}), params)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryProcessInstanceParams failed")
	}
	pos := make([]*ProcessInstancePo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryProcessInstances failed")
	}
	return pos, nil
}

func (t *gormTx) PutProcessInstance(ctx context.Context, po *ProcessInstancePo) (Handle, error) {
	if err := t.check(true); err != nil {
		return InvalidHandle, err
	}
	if po == nil {
		return InvalidHandle, errors.New("nil ProcessInstancePo")
	}
	po.ID = 0
	if err := t.db.WithContext(ctx).Create(po).Error; err != nil {
		return InvalidHandle, errors.WithMessage(err, "PutProcessInstance failed")
	}
	return Handle(po.ID), nil
}

func (t *gormTx) SetProcessInstance(ctx context.Context, po *ProcessInstancePo, baseGeneration int64) error {
	if err := t.check(true); err != nil {
		return err
	}
	if po == nil {
		return errors.New("nil ProcessInstancePo")
	}
	result := t.db.WithContext(ctx).Model(&ProcessInstancePo{}).
		Where("id = ? AND generation = ?", po.ID, baseGeneration).
		Updates(map[string]any{
			"uuid":            po.UUID,
			"owner":           po.Owner,
			"model_id":        po.ModelID,
			"generation":      po.Generation,
			"state":           po.State,
			"parent_activity": po.ParentActivity,
			"inputs":          po.Inputs,
			"outputs":         po.Outputs,
			"updated_at":      po.UpdatedAt,
		})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "SetProcessInstance failed")
	}
	if result.RowsAffected == 1 {
		return nil
	}
	// 没有更新到记录, 区分不存在和版本冲突
	current, err := t.GetProcessInstance(ctx, Handle(po.ID))
	if err != nil {
		return err
	}
	return ConflictError{Handle: Handle(po.ID), Expected: baseGeneration, Actual: current.Generation}
}

func (t *gormTx) RemoveProcessInstance(ctx context.Context, h Handle) error {
	if err := t.check(true); err != nil {
		return err
	}
	db := t.db.WithContext(ctx)
	if err := db.Where("process_instance_id = ?", int64(h)).Delete(&NodeInstancePo{}).Error; err != nil {
		return errors.WithMessage(err, "RemoveProcessInstance delete nodes failed")
	}
	result := db.Where("id = ?", int64(h)).Delete(&ProcessInstancePo{})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "RemoveProcessInstance failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrNotFound, "process instance %d", h)
	}
	return nil
}

func (t *gormTx) GetNodeInstance(ctx context.Context, h Handle) (*NodeInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	po := &NodeInstancePo{}
	if err := t.db.WithContext(ctx).Where("id = ?", int64(h)).Take(po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.WithMessagef(ErrNotFound, "node instance %d", h)
		}
		return nil, errors.WithMessage(err, "GetNodeInstance failed")
	}
	return po, nil
}

func (t *gormTx) ListNodeInstances(ctx context.Context, process Handle) ([]*NodeInstancePo, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	pos := make([]*NodeInstancePo, 0)
	if err := t.db.WithContext(ctx).Where("process_instance_id = ?", int64(process)).Order("id asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "ListNodeInstances failed")
	}
	return pos, nil
}

func (t *gormTx) PutNodeInstance(ctx context.Context, po *NodeInstancePo) (Handle, error) {
	if err := t.check(true); err != nil {
		return InvalidHandle, err
	}
	if po == nil {
		return InvalidHandle, errors.New("nil NodeInstancePo")
	}
	po.ID = 0
	if err := t.db.WithContext(ctx).Create(po).Error; err != nil {
		return InvalidHandle, errors.WithMessage(err, "PutNodeInstance failed")
	}
	return Handle(po.ID), nil
}

func (t *gormTx) SetNodeInstance(ctx context.Context, po *NodeInstancePo) error {
	if err := t.check(true); err != nil {
		return err
	}
	if po == nil {
		return errors.New("nil NodeInstancePo")
	}
	result := t.db.WithContext(ctx).Model(&NodeInstancePo{}).
		Where("id = ?", po.ID).
		Updates(map[string]any{
			"process_instance_id": po.ProcessInstanceID,
			"node_id":             po.NodeID,
			"entry_no":            po.EntryNo,
			"predecessors":        po.Predecessors,
			"state":               po.State,
			"results":             po.Results,
			"failure_cause":       po.FailureCause,
			"child_instance_id":   po.ChildInstanceID,
			"updated_at":          po.UpdatedAt,
		})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "SetNodeInstance failed")
	}
	if result.RowsAffected == 0 {
		// mysql 在值没有变化时返回 0, 需要再确认记录是否存在
		_, err := t.GetNodeInstance(ctx, Handle(po.ID))
		return err
	}
	return nil
}

func (t *gormTx) RemoveNodeInstance(ctx context.Context, h Handle) error {
	if err := t.check(true); err != nil {
		return err
	}
	result := t.db.WithContext(ctx).Where("id = ?", int64(h)).Delete(&NodeInstancePo{})
	if result.Error != nil {
		return errors.WithMessage(result.Error, "RemoveNodeInstance failed")
	}
	if result.RowsAffected == 0 {
		return errors.WithMessagef(ErrNotFound, "node instance %d", h)
	}
	return nil
}

func (t *gormTx) Commit(ctx context.Context) error {
	if err := t.check(false); err != nil {
		return err
	}
	t.closed = true
	if !t.writable {
		return t.db.Rollback().Error
	}
	if err := t.db.Commit().Error; err != nil {
		return errors.WithMessage(err, "commit failed")
	}
	return nil
}

func (t *gormTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.db.Rollback().Error
}
