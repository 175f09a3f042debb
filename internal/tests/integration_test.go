package tests

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/simple-process-engine/engine"
	"github.com/blingmoon/simple-process-engine/internal/commonregister"
	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.WorkerPollInterval = 10 * time.Millisecond
	return cfg
}

func setupSqliteBackend(t *testing.T) store.Backend {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))
	return store.NewGormBackend(db)
}

func setupBoltBackend(t *testing.T, path string) store.Backend {
	db, err := store.OpenBolt(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	backend, err := store.NewBoltBackend(db)
	require.NoError(t, err)
	return backend
}

// setupApprovalEngine 审批流程 + 本地 worker
func setupApprovalEngine(t *testing.T, backend store.Backend) *engine.ProcessEngine {
	registry := model.NewRegistry()
	d := engine.NewLocalDispatcher()
	t.Cleanup(d.Close)
	require.NoError(t, commonregister.RegisterApprovalInstanceTask(registry, d))
	data := store.NewDataAccess(backend, store.WithCache(store.NewLocalCache()))
	e, err := engine.NewProcessEngine(data, registry, engine.WithDispatcher(d), engine.WithConfig(testConfig()))
	require.NoError(t, err)
	return e
}

func applicant(t *testing.T, name string) []model.ProcessData {
	b, err := json.Marshal(name)
	require.NoError(t, err)
	return []model.ProcessData{{Name: "applicant", Content: b}}
}

func waitFinished(t *testing.T, e *engine.ProcessEngine, h store.Handle) *engine.ProcessInstance {
	var p *engine.ProcessInstance
	require.Eventually(t, func() bool {
		var err error
		p, err = e.GetInstance(context.Background(), h)
		return err == nil && p.State.IsFinal()
	}, 10*time.Second, 20*time.Millisecond)
	return p
}

// Test完整审批流程
func TestApprovalProcessScenario(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Backend{
		"sqlite": setupSqliteBackend,
		"bolt": func(t *testing.T) store.Backend {
			return setupBoltBackend(t, filepath.Join(t.TempDir(), "engine.db"))
		},
		"memory": func(*testing.T) store.Backend { return store.NewMemoryBackend() },
	}
	for name, newBackend := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := setupApprovalEngine(t, newBackend(t))

			p, err := e.CreateInstance(ctx, &engine.CreateInstanceReq{
				ModelID: commonregister.ApprovalModelID,
				Owner:   "tom",
				Inputs:  applicant(t, "tom"),
				IsRun:   true,
			})
			require.NoError(t, err)

			p = waitFinished(t, e, p.Handle)
			assert.Equal(t, engine.ProcessInstanceStateFinished, p.State)
			for _, id := range []string{"start", "submit", "review", "approve", "end"} {
				n, ok := p.LatestNodeInstance(id)
				require.True(t, ok, "node %s", id)
				assert.Equal(t, engine.NodeInstanceStateComplete, n.State, "node %s", id)
			}
			status, ok := p.Output("final_status")
			require.True(t, ok)
			assert.JSONEq(t, `"approved"`, string(status))
			reviewer, ok := p.Output("reviewer")
			require.True(t, ok)
			assert.JSONEq(t, `"manager"`, string(reviewer))

			review, _ := p.LatestNodeInstance("review")
			submit, _ := p.LatestNodeInstance("submit")
			assert.Equal(t, []store.Handle{submit.Handle}, review.Predecessors)

			require.NoError(t, e.RemoveInstance(ctx, p.Handle))
			_, err = e.GetInstance(ctx, p.Handle)
			assert.ErrorIs(t, err, engine.ErrInstanceNotFound)
		})
	}
}

// Test并发执行
func TestConcurrentExecution(t *testing.T) {
	ctx := context.Background()
	e := setupApprovalEngine(t, store.NewMemoryBackend())

	t.Run("并发创建流程实例", func(t *testing.T) {
		const n = 10
		handles := make([]store.Handle, n)
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p, err := e.CreateInstance(ctx, &engine.CreateInstanceReq{
					ModelID: commonregister.ApprovalModelID,
					Owner:   "batch",
					Inputs:  applicant(t, "batch"),
					IsRun:   true,
				})
				errs[i] = err
				if err == nil {
					handles[i] = p.Handle
				}
			}(i)
		}
		wg.Wait()
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i])
		}
		for _, h := range handles {
			p := waitFinished(t, e, h)
			assert.Equal(t, engine.ProcessInstanceStateFinished, p.State)
		}

		owner := "batch"
		list, err := e.QueryInstances(ctx, &store.QueryProcessInstanceParams{
			Owner:   &owner,
			StateIn: []string{string(engine.ProcessInstanceStateFinished)},
			Page:    &store.Pager{IsNoLimit: engine.Bool(true)},
		})
		require.NoError(t, err)
		assert.Len(t, list, n)
	})
}

// Test重启之后恢复
func TestRecoveryAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	db, err := store.OpenBolt(ctx, path)
	require.NoError(t, err)
	backend, err := store.NewBoltBackend(db)
	require.NoError(t, err)

	// 第一个进程没有注册 worker, 活动节点停在 fail_retry
	registry := model.NewRegistry()
	require.NoError(t, commonregister.RegisterApprovalModel(registry))
	first, err := engine.NewProcessEngine(store.NewDataAccess(backend), registry, engine.WithDispatcher(engine.NewLocalDispatcher()))
	require.NoError(t, err)
	handles := make([]store.Handle, 0)
	for i := 0; i < 3; i++ {
		p, err := first.CreateInstance(ctx, &engine.CreateInstanceReq{
			ModelID: commonregister.ApprovalModelID,
			Inputs:  applicant(t, "restart"),
			IsRun:   true,
		})
		require.NoError(t, err)
		submit, ok := p.LatestNodeInstance("submit")
		require.True(t, ok)
		assert.Equal(t, engine.NodeInstanceStateFailRetry, submit.State)
		handles = append(handles, p.Handle)
	}
	require.NoError(t, db.Close())

	// 重新打开同一个文件, 第二个进程注册了 worker
	second := setupApprovalEngine(t, setupBoltBackend(t, path))
	require.NoError(t, second.TickleAll(ctx))
	for _, h := range handles {
		p := waitFinished(t, second, h)
		assert.Equal(t, engine.ProcessInstanceStateFinished, p.State)
		assert.Len(t, p.NodeInstances("submit"), 1)
	}
}
