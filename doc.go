// Package processengine 是一个持久化的流程执行引擎。
//
// 流程模型由节点组成 (start, activity, split, join, end, composite)，引擎为每次执行创建流程实例，
// 按模型推进节点实例的状态，并把每次操作产生的全部变更放在一个存储事务里提交。
//
// 主要特性：
//   - 分支与汇合：split 按 min/max 选择后继，join 支持法定数量 (quorum)、跳过传播和提前失败
//   - 组合节点：composite 节点启动子流程，子流程结束后回写父节点
//   - 乐观并发：流程实例带 generation，冲突时整个操作重试
//   - 可恢复：TickleInstance / TickleAll 重新推进重启前未完成的实例
//   - 多种存储：gorm (SQLite、MySQL 等)、bbolt、内存；可选本地缓存或 Redis 缓存
//   - 并发安全：每个流程实例一把锁，支持本地锁和 Redis 分布式锁
//
// 包结构：
//   - model: 流程模型、配置解析 (JSON / YAML)、校验和注册表
//   - store: 存储记录、事务、后端实现和缓存
//   - engine: 流程引擎、节点状态机、消息分发和本地 worker 池
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "encoding/json"
//	    "time"
//
//	    "github.com/blingmoon/simple-process-engine/engine"
//	    "github.com/blingmoon/simple-process-engine/model"
//	    "github.com/blingmoon/simple-process-engine/store"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("process.db"), &gorm.Config{})
//	    store.AutoMigrate(db)
//	    data := store.NewDataAccess(store.NewGormBackend(db), store.WithCache(store.NewLocalCache()))
//
//	    // 2. 加载流程配置
//	    registry := model.NewRegistry()
//	    cfg, _ := model.ParseModelJSON([]byte(`{
//	        "id": "approval",
//	        "nodes": [
//	            {"id": "start", "type": "start", "next_nodes": ["review"]},
//	            {"id": "review", "type": "activity", "next_nodes": ["end"],
//	             "message": {"service": "approval", "operation": "review"},
//	             "results": [{"name": "review_time"}]},
//	            {"id": "end", "type": "end"}
//	        ]
//	    }`))
//	    registry.LoadModelConfig(cfg)
//
//	    // 3. 注册任务处理器
//	    dispatcher := engine.NewLocalDispatcher()
//	    defer dispatcher.Close()
//	    dispatcher.RegisterTaskWorker("approval", "review", engine.NewNormalTaskWorker(
//	        func(ctx context.Context, nodeContext *engine.JSONContext) error {
//	            return nodeContext.Set([]string{"review_time"}, time.Now().Unix())
//	        },
//	        nil,
//	    ))
//
//	    // 4. 创建并启动流程实例
//	    processEngine, _ := engine.NewProcessEngine(data, registry, engine.WithDispatcher(dispatcher))
//	    processEngine.CreateInstance(context.Background(), &engine.CreateInstanceReq{
//	        ModelID: "approval",
//	        Owner:   "ORDER-001",
//	        IsRun:   true,
//	    })
//	}
//
// 数据流转：
//
// 节点的 defines 声明输入：ref_node 为空时取流程输入，否则取该前置节点实例的结果。
// activity 节点发消息时，输入放在 JSONContext 的顶层；worker 执行完成后整个 JSONContext
// 作为 FinishTask 的 payload，再按 results 的 path (点分隔) 提取节点结果。end 节点的 defines
// 汇总成流程输出，模型声明了 outputs 时只保留其中列出的名称。
//
//	// 读取输入
//	orderID, _ := nodeContext.GetString("order_id")
//
//	// 写入结果, results 里配置 {"name": "stock_status", "path": "stock.status"}
//	nodeContext.Set([]string{"stock", "status"}, "locked")
//
// 更多示例见 examples/with-sqlite。
package processengine
