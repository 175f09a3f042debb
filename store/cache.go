package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// localFenceLimit 记录的失效句柄超过这个数量时整体抬高下限
const localFenceLimit = 4096

// Aggregate 流程实例和它的全部节点实例, 缓存的最小单位
type Aggregate struct {
	Instance *ProcessInstancePo `json:"instance"`
	Nodes    []*NodeInstancePo  `json:"nodes"`
}

// CacheFence 读后端之前取到的失效序号
// 序号之后句柄被失效过, 读到的数据可能比存储旧, 不能再写回缓存
type CacheFence struct {
	Seq   int64
	Taken time.Time
}

// Cache 读穿缓存, 存取的都是副本
type Cache interface {
	Get(ctx context.Context, h Handle) (*Aggregate, bool)
	// Fence 必须在开启后端事务之前调用
	Fence(ctx context.Context) CacheFence
	// Set fence 之后 h 没有失效过才写入
	Set(ctx context.Context, h Handle, agg *Aggregate, fence CacheFence)
	Delete(ctx context.Context, hs ...Handle)
	Clear(ctx context.Context)
}

// NewLocalCache 进程内缓存
func NewLocalCache() Cache {
	return &localCache{
		items:       make(map[Handle][]byte),
		invalidated: make(map[Handle]int64),
	}
}

type localCache struct {
	mu    sync.Mutex
	seq   int64
	floor int64 // 小于它的 fence 全部作废
	items map[Handle][]byte
	// 句柄最后一次失效时的序号
	invalidated map[Handle]int64
}

func (c *localCache) Get(ctx context.Context, h Handle) (*Aggregate, bool) {
	c.mu.Lock()
	b, ok := c.items[h]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	agg := &Aggregate{}
	if err := json.Unmarshal(b, agg); err != nil {
		c.Delete(ctx, h)
		return nil, false
	}
	return agg, true
}

func (c *localCache) Fence(ctx context.Context) CacheFence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheFence{Seq: c.seq, Taken: time.Now()}
}

func (c *localCache) Set(ctx context.Context, h Handle, agg *Aggregate, fence CacheFence) {
	b, err := json.Marshal(agg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fence.Seq < c.floor || c.invalidated[h] > fence.Seq {
		return
	}
	c.items[h] = b
}

func (c *localCache) Delete(ctx context.Context, hs ...Handle) {
	if len(hs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	for _, h := range hs {
		delete(c.items, h)
		c.invalidated[h] = c.seq
	}
	if len(c.invalidated) > localFenceLimit {
		c.floor = c.seq
		c.invalidated = make(map[Handle]int64)
	}
}

func (c *localCache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.floor = c.seq
	c.items = make(map[Handle][]byte)
	c.invalidated = make(map[Handle]int64)
}

type noopCache struct{}

func (noopCache) Get(context.Context, Handle) (*Aggregate, bool)      { return nil, false }
func (noopCache) Fence(context.Context) CacheFence                    { return CacheFence{} }
func (noopCache) Set(context.Context, Handle, *Aggregate, CacheFence) {}
func (noopCache) Delete(context.Context, ...Handle)                   {}
func (noopCache) Clear(context.Context)                               {}
