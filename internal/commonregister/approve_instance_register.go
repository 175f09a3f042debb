package commonregister

import (
	"context"
	"fmt"
	"time"

	"github.com/blingmoon/simple-process-engine/engine"
	"github.com/blingmoon/simple-process-engine/model"
	"github.com/pkg/errors"
)

const (
	ApprovalModelID = "approval_process"
	ApprovalService = "approval"
)

// 流程结构：开始 -> 提交 -> 审核 -> 批准 -> 结束
const approvalModelJSON = `{
	"id": "approval_process",
	"name": "审批流程",
	"outputs": ["final_status", "reviewer"],
	"nodes": [
		{"id": "start", "name": "开始", "type": "start", "next_nodes": ["submit"]},
		{
			"id": "submit",
			"name": "提交申请",
			"type": "activity",
			"next_nodes": ["review"],
			"message": {"service": "approval", "operation": "submit"},
			"defines": [{"name": "applicant", "ref_name": "applicant"}],
			"results": [{"name": "submit_time"}, {"name": "status"}]
		},
		{
			"id": "review",
			"name": "审核",
			"type": "activity",
			"next_nodes": ["approve"],
			"message": {"service": "approval", "operation": "review"},
			"defines": [{"name": "submit_time", "ref_node": "submit", "ref_name": "submit_time"}],
			"results": [{"name": "review_time"}, {"name": "reviewer"}]
		},
		{
			"id": "approve",
			"name": "批准",
			"type": "activity",
			"next_nodes": ["end"],
			"message": {"service": "approval", "operation": "approve"},
			"results": [{"name": "approve_time"}, {"name": "final_status"}]
		},
		{
			"id": "end",
			"name": "结束",
			"type": "end",
			"defines": [
				{"name": "final_status", "ref_node": "approve", "ref_name": "final_status"},
				{"name": "reviewer", "ref_node": "review", "ref_name": "reviewer"}
			]
		}
	]
}`

// RegisterApprovalModel 只加载流程配置, 不注册 worker
func RegisterApprovalModel(registry *model.Registry) error {
	cfg, err := model.ParseModelJSON([]byte(approvalModelJSON))
	if err != nil {
		return errors.Wrap(err, "parse approval model failed")
	}
	if err := registry.LoadModelConfig(cfg); err != nil {
		return errors.Wrap(err, "load approval model failed")
	}
	return nil
}

// RegisterApprovalWorkers 注册审批流程三个活动节点的 worker
func RegisterApprovalWorkers(d *engine.LocalDispatcher) error {
	// 提交申请节点
	err := d.RegisterTaskWorker(ApprovalService, "submit", engine.NewNormalTaskWorker(
		func(ctx context.Context, nodeContext *engine.JSONContext) error {
			applicant, _ := nodeContext.GetString("applicant")
			fmt.Printf("  [提交] %s 执行中...\n", applicant)
			if err := nodeContext.Set([]string{"submit_time"}, time.Now().Format(time.RFC3339)); err != nil {
				return err
			}
			if err := nodeContext.Set([]string{"status"}, "submitted"); err != nil {
				return err
			}
			fmt.Println("  [提交] 完成 ✓")
			return nil
		},
		nil,
	))
	if err != nil {
		return errors.Wrap(err, "register submit task failed")
	}

	// 审核节点（包含异步检查）
	err = d.RegisterTaskWorker(ApprovalService, "review", engine.NewNormalTaskWorker(
		func(ctx context.Context, nodeContext *engine.JSONContext) error {
			fmt.Println("  [审核] 执行中...")
			if _, ok := nodeContext.GetString("submit_time"); !ok {
				return errors.New("submit_time not found")
			}
			if err := nodeContext.Set([]string{"review_time"}, time.Now().Format(time.RFC3339)); err != nil {
				return err
			}
			if err := nodeContext.Set([]string{"reviewer"}, "manager"); err != nil {
				return err
			}
			fmt.Println("  [审核] 完成 ✓")
			return nil
		},
		func(ctx context.Context, nodeContext *engine.JSONContext) error {
			// 异步检查：模拟等待审核完成
			submitTime, ok := nodeContext.GetString("submit_time")
			if !ok {
				return errors.New("submit_time not found")
			}
			fmt.Printf("  [审核-异步检查] 验证提交时间: %s\n", submitTime)
			return nil
		},
	))
	if err != nil {
		return errors.Wrap(err, "register review task failed")
	}

	// 批准节点
	err = d.RegisterTaskWorker(ApprovalService, "approve", engine.NewNormalTaskWorker(
		func(ctx context.Context, nodeContext *engine.JSONContext) error {
			fmt.Println("  [批准] 执行中...")
			if err := nodeContext.Set([]string{"approve_time"}, time.Now().Format(time.RFC3339)); err != nil {
				return err
			}
			if err := nodeContext.Set([]string{"final_status"}, "approved"); err != nil {
				return err
			}
			fmt.Println("  [批准] 完成 ✓")
			return nil
		},
		nil,
	))
	if err != nil {
		return errors.Wrap(err, "register approve task failed")
	}
	return nil
}

// RegisterApprovalInstanceTask 加载流程并注册 worker
func RegisterApprovalInstanceTask(registry *model.Registry, d *engine.LocalDispatcher) error {
	if err := RegisterApprovalModel(registry); err != nil {
		return err
	}
	return RegisterApprovalWorkers(d)
}
