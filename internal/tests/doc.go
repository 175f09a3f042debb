// Package tests 是 simple-process-engine 的集成测试模块。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容
//
// 此模块把 engine、model、store 组合起来测试：
//   - 审批流程在 sqlite (gorm) 和 bbolt 后端上完整执行
//   - 多个流程实例并发执行
//   - 进程重启之后通过 TickleAll 恢复
//   - YAML 流程配置和组合节点
//
// 运行测试
//
// 在项目根目录：
//
//	go test ./internal/tests/...
//
// 查看覆盖率：
//
//	go test -coverprofile=coverage.out -coverpkg=github.com/blingmoon/simple-process-engine/... ./...
//	go tool cover -html=coverage.out
package tests
