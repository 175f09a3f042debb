package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/blingmoon/simple-process-engine/store"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var validatorUtil = validator.New()

// Config 引擎配置
type Config struct {
	// MaxConflictRetries generation 冲突时的重试次数
	MaxConflictRetries int `json:"max_conflict_retries" yaml:"max_conflict_retries" validate:"gte=0"`
	// LockTimeout 一次操作持有流程实例锁的最长时间
	LockTimeout time.Duration `json:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`
	// TickleConcurrency TickleAll 同时处理的流程实例数量
	TickleConcurrency int `json:"tickle_concurrency" yaml:"tickle_concurrency" validate:"gte=1"`
	// 下面给 LocalDispatcher 使用
	WorkerConcurrency   int           `json:"worker_concurrency" yaml:"worker_concurrency" validate:"gte=1"`
	WorkerPollInterval  time.Duration `json:"worker_poll_interval" yaml:"worker_poll_interval" validate:"gt=0"`
	WorkerReportRetries int           `json:"worker_report_retries" yaml:"worker_report_retries" validate:"gte=0"`
	// WorkerQueueSize 等待执行的任务上限, 满了之后新任务不接收
	WorkerQueueSize int `json:"worker_queue_size" yaml:"worker_queue_size" validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		MaxConflictRetries:  3,
		LockTimeout:         30 * time.Second,
		TickleConcurrency:   4,
		WorkerConcurrency:   8,
		WorkerPollInterval:  time.Second,
		WorkerReportRetries: 20,
		WorkerQueueSize:     1024,
	}
}

// LoadConfigFile 读取 yaml 配置, 没有写的字段使用默认值
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WithMessagef(err, "read config file failed, path: %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.WithMessagef(err, "parse config file failed, path: %s", path)
	}
	if err := validatorUtil.Struct(cfg); err != nil {
		return cfg, errors.WithMessagef(ErrParamInvalid, "invalid config, path: %s, err: %v", path, err)
	}
	return cfg, nil
}

// Action 权限检查时的操作类型
type Action string

const (
	ActionCreateInstance Action = "create_instance"
	ActionStartInstance  Action = "start_instance"
	ActionReadInstance   Action = "read_instance"
	ActionUpdateTask     Action = "update_task"
	ActionCancelInstance Action = "cancel_instance"
	ActionTickle         Action = "tickle"
	ActionRemoveInstance Action = "remove_instance"
)

// PermissionGate 返回 error 表示没有权限, target 为流程实例或者节点实例句柄
type PermissionGate func(ctx context.Context, action Action, principal string, target store.Handle) error

type principalKey struct{}

// WithPrincipal 设置调用方身份, 权限检查时使用
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFromContext(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

type Option func(*ProcessEngine)

func WithConfig(cfg Config) Option {
	return func(e *ProcessEngine) {
		e.cfg = cfg
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *ProcessEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(e *ProcessEngine) {
		if d != nil {
			e.dispatcher = d
		}
	}
}

func WithLock(l Lock) Option {
	return func(e *ProcessEngine) {
		if l != nil {
			e.lock = l
		}
	}
}

func WithPermissionGate(gate PermissionGate) Option {
	return func(e *ProcessEngine) {
		e.gate = gate
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *ProcessEngine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// ProcessEngine 流程引擎, 每个操作一个事务, 冲突时重新读取后重试
type ProcessEngine struct {
	cfg        Config
	data       *store.DataAccess
	models     model.Provider
	logger     *slog.Logger
	dispatcher Dispatcher
	lock       Lock
	gate       PermissionGate
	clock      func() time.Time
}

// engineBinder 需要回调引擎的 Dispatcher 实现
type engineBinder interface {
	bind(e *ProcessEngine)
}

func NewProcessEngine(data *store.DataAccess, models model.Provider, opts ...Option) (*ProcessEngine, error) {
	if data == nil || models == nil {
		return nil, errors.WithMessage(ErrParamInvalid, "data access and model provider are required")
	}
	e := &ProcessEngine{
		cfg:        DefaultConfig(),
		data:       data,
		models:     models,
		logger:     slog.Default(),
		dispatcher: rejectDispatcher{},
		lock:       NewLocalLock(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := validatorUtil.Struct(e.cfg); err != nil {
		return nil, errors.WithMessagef(ErrParamInvalid, "invalid config, err: %v", err)
	}
	if b, ok := e.dispatcher.(engineBinder); ok {
		b.bind(e)
	}
	return e, nil
}

func (e *ProcessEngine) Config() Config {
	return e.cfg
}

func (e *ProcessEngine) ensurePermission(ctx context.Context, action Action, target store.Handle) error {
	if e.gate == nil {
		return nil
	}
	principal := PrincipalFromContext(ctx)
	err := e.gate(ctx, action, principal, target)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}
	return errors.WithMessagef(ErrPermissionDenied, "action: %s, principal: %s, target: %d, err: %v", action, principal, target, err)
}

// execute 权限检查, 加锁, 事务内执行 fn, 冲突时重试
// lockOn 为流程实例句柄, 无效时不加锁
func (e *ProcessEngine) execute(ctx context.Context, action Action, target store.Handle, lockOn store.Handle, fn func(u *unitOfWork) error) error {
	if err := e.ensurePermission(ctx, action, target); err != nil {
		return err
	}
	run := func(ctx context.Context) error {
		var err error
		for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
			err = e.inTransaction(ctx, fn)
			if !errors.Is(err, store.ErrConflict) {
				return err
			}
			e.logger.WarnContext(ctx, fmt.Sprintf("process engine conflict, action: %s, target: %d, attempt: %d, err: %v", action, target, attempt, err))
		}
		return err
	}
	if !lockOn.Valid() {
		return run(ctx)
	}
	return e.lock.NonBlockingSynchronized(ctx, processLockKey(lockOn), e.cfg.LockTimeout, run)
}

func (e *ProcessEngine) inTransaction(ctx context.Context, fn func(u *unitOfWork) error) error {
	tx, err := e.data.StartTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	u := newUnitOfWork(ctx, e, tx)
	if err := fn(u); err != nil {
		return err
	}
	if err := u.run(); err != nil {
		return err
	}
	if err := u.flush(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// readView 只读事务
func (e *ProcessEngine) readView(ctx context.Context, fn func(tx *store.Transaction) error) error {
	tx, err := e.data.ReadOnly(ctx)
	if err != nil {
		return err
	}
	defer tx.Close(ctx)
	return fn(tx)
}

func (e *ProcessEngine) loadInstance(ctx context.Context, h store.Handle) (*ProcessInstance, error) {
	var ret *ProcessInstance
	err := e.readView(ctx, func(tx *store.Transaction) error {
		agg, err := tx.LoadAggregate(ctx, h)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errors.WithMessagef(ErrInstanceNotFound, "process instance: %d", h)
			}
			return err
		}
		ret, err = decodeAggregate(agg)
		return err
	})
	return ret, err
}

func (e *ProcessEngine) loadNodeInstance(ctx context.Context, h store.Handle) (*NodeInstance, error) {
	var ret *NodeInstance
	err := e.readView(ctx, func(tx *store.Transaction) error {
		po, err := tx.GetNodeInstance(ctx, h)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errors.WithMessagef(ErrNodeInstanceNotFound, "node instance: %d", h)
			}
			return err
		}
		ret, err = fromNodeInstancePo(po)
		return err
	})
	return ret, err
}

// updateNode 节点实例上的操作, 锁加在所属的流程实例上
func (e *ProcessEngine) updateNode(ctx context.Context, h store.Handle, fn func(b *nodeBuilder) error) (*NodeInstance, error) {
	if !h.Valid() {
		return nil, errors.WithMessagef(ErrParamInvalid, "invalid node instance handle: %d", h)
	}
	current, err := e.loadNodeInstance(ctx, h)
	if err != nil {
		return nil, err
	}
	err = e.execute(ctx, ActionUpdateTask, h, current.ProcessInstance, func(u *unitOfWork) error {
		b, err := u.node(h)
		if err != nil {
			return err
		}
		return fn(b)
	})
	if err != nil {
		return nil, err
	}
	return e.loadNodeInstance(ctx, h)
}

// updateProcess 流程实例上的操作
func (e *ProcessEngine) updateProcess(ctx context.Context, action Action, h store.Handle, fn func(p *processBuilder) error) (*ProcessInstance, error) {
	if !h.Valid() {
		return nil, errors.WithMessagef(ErrParamInvalid, "invalid process instance handle: %d", h)
	}
	err := e.execute(ctx, action, h, h, func(u *unitOfWork) error {
		p, err := u.load(h)
		if err != nil {
			return err
		}
		return fn(p)
	})
	if err != nil {
		return nil, err
	}
	return e.loadInstance(ctx, h)
}

func (e *ProcessEngine) logFailure(ctx context.Context, msg string, err error) {
	if IsSeriousError(err) {
		e.logger.ErrorContext(ctx, fmt.Sprintf("[error]%s, err: %v", msg, err))
		return
	}
	e.logger.WarnContext(ctx, fmt.Sprintf("[warn]%s, err: %v", msg, err))
}
