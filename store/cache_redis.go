package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisCachePrefix = "simple_process_engine:aggregate:"
	// 失效记录的保留时间, 超过这个时间的 fence 直接作废
	defaultRedisFenceTTL = 10 * time.Minute
)

// KEYS: seq, {aggregate, invalidated}...  ARGV: fence ttl(ms)
const invalidateCommand = `
local seq = redis.call("INCR", KEYS[1])
for i = 2, #KEYS, 2 do
    redis.call("DEL", KEYS[i])
    redis.call("SET", KEYS[i + 1], seq, "PX", ARGV[1])
end
return seq
`

// KEYS: aggregate, invalidated, floor  ARGV: payload, fence, ttl(ms)
const fencedSetCommand = `
local invalidated = tonumber(redis.call("GET", KEYS[2]) or "0")
local floor = tonumber(redis.call("GET", KEYS[3]) or "0")
local fence = tonumber(ARGV[2])
if invalidated > fence or floor > fence then
    return 0
end
if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
else
    redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`

// KEYS: seq, floor
const clearCommand = `
local seq = redis.call("INCR", KEYS[1])
redis.call("SET", KEYS[2], seq)
return seq
`

// NewRedisCache 多进程共享的缓存, ttl<=0 表示不过期
func NewRedisCache(redisClient redis.Cmdable, ttl time.Duration) Cache {
	return &redisCache{
		redisClient: redisClient,
		ttl:         ttl,
		fenceTTL:    defaultRedisFenceTTL,
		prefix:      defaultRedisCachePrefix,
	}
}

type redisCache struct {
	redisClient redis.Cmdable
	ttl         time.Duration
	fenceTTL    time.Duration
	prefix      string
}

func (c *redisCache) key(h Handle) string {
	return fmt.Sprintf("%s%d", c.prefix, h)
}

func (c *redisCache) invalidatedKey(h Handle) string {
	return fmt.Sprintf("%sinvalidated:%d", c.prefix, h)
}

func (c *redisCache) seqKey() string {
	return c.prefix + "seq"
}

func (c *redisCache) floorKey() string {
	return c.prefix + "floor"
}

func (c *redisCache) Get(ctx context.Context, h Handle) (*Aggregate, bool) {
	b, err := c.redisClient.Get(ctx, c.key(h)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.WarnContext(ctx, fmt.Sprintf("[redisCache.Get] get failed, handle: %d, err: %v", h, err))
		}
		return nil, false
	}
	agg := &Aggregate{}
	if err := json.Unmarshal(b, agg); err != nil {
		return nil, false
	}
	return agg, true
}

func (c *redisCache) Fence(ctx context.Context) CacheFence {
	seq, err := c.redisClient.Get(ctx, c.seqKey()).Int64()
	if err != nil && err != redis.Nil {
		slog.WarnContext(ctx, fmt.Sprintf("[redisCache.Fence] get seq failed, err: %v", err))
		// 取不到序号时这次读取不回填
		return CacheFence{Seq: -1, Taken: time.Now()}
	}
	return CacheFence{Seq: seq, Taken: time.Now()}
}

func (c *redisCache) Set(ctx context.Context, h Handle, agg *Aggregate, fence CacheFence) {
	if fence.Seq < 0 || time.Since(fence.Taken) >= c.fenceTTL {
		return
	}
	b, err := json.Marshal(agg)
	if err != nil {
		return
	}
	ttl := int64(0)
	if c.ttl > 0 {
		ttl = c.ttl.Milliseconds()
	}
	keys := []string{c.key(h), c.invalidatedKey(h), c.floorKey()}
	if err := c.redisClient.Eval(ctx, fencedSetCommand, keys, b, fence.Seq, ttl).Err(); err != nil {
		slog.WarnContext(ctx, fmt.Sprintf("[redisCache.Set] set failed, handle: %d, err: %v", h, err))
	}
}

func (c *redisCache) Delete(ctx context.Context, hs ...Handle) {
	if len(hs) == 0 {
		return
	}
	keys := make([]string, 0, 1+2*len(hs))
	keys = append(keys, c.seqKey())
	for _, h := range hs {
		keys = append(keys, c.key(h), c.invalidatedKey(h))
	}
	// ctx 可能已经被 cancel, 失效缓存不能跳过
	err := c.redisClient.Eval(context.WithoutCancel(ctx), invalidateCommand, keys, c.fenceTTL.Milliseconds()).Err()
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisCache.Delete] invalidate failed, handles: %v, err: %v", hs, err))
	}
}

func (c *redisCache) Clear(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	// 先抬高下限, 正在进行的回填都会被拒绝
	if err := c.redisClient.Eval(ctx, clearCommand, []string{c.seqKey(), c.floorKey()}).Err(); err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("[redisCache.Clear] raise floor failed, err: %v", err))
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.redisClient.Scan(ctx, cursor, c.prefix+"[0-9]*", 100).Result()
		if err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("[redisCache.Clear] scan failed, err: %v", err))
			return
		}
		if len(keys) > 0 {
			if err := c.redisClient.Del(ctx, keys...).Err(); err != nil {
				slog.ErrorContext(ctx, fmt.Sprintf("[redisCache.Clear] del failed, err: %v", err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
