package store

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisWindowStore Redis 固定窗口计数器（多实例部署共享限流状态）
//
// INCR 与过期设置放在同一个 Lua 脚本里，保证「计数 + 开窗」原子执行。
type RedisWindowStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

// NewRedisWindowStore 创建 Redis 窗口存储
func NewRedisWindowStore(client goredis.Cmdable) *RedisWindowStore {
	return &RedisWindowStore{
		client:    client,
		keyPrefix: "gemstudio:rl:",
	}
}

// incrScript 原子「自增 + 首次开窗」脚本
// KEYS[1] = 窗口 key
// ARGV[1] = 窗口时长（毫秒）
// 返回 {count, pttl}
var incrScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// Incr 窗口内计数加一，返回当前计数与窗口剩余时间
func (s *RedisWindowStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client, []string{s.keyPrefix + key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}

	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}
