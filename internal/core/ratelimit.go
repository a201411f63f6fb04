package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/gemstudio/internal/logger"
	"github.com/xiaopang/gemstudio/internal/model"
)

// 限流 scope（端点类别）
const (
	ScopeSubmitIP   = "submit_ip"
	ScopeSubmitUser = "submit_user"
	ScopeQueryIP    = "query_ip"
)

// WindowStore 固定窗口计数存储
//
// Incr 必须是原子的「自增 + 首次开窗」，返回窗口内当前计数与剩余时间。
// 内存实现用于单实例，Redis 实现用于多实例共享。
type WindowStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Rule 限流规则
type Rule struct {
	Limit  int64
	Window time.Duration
}

// RateLimiter 频率限制器
//
// 限流检查严格发生在任何积分操作之前；被拒绝的请求不会触碰账本。
type RateLimiter struct {
	store WindowStore
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRateLimiter 创建频率限制器
func NewRateLimiter(store WindowStore) *RateLimiter {
	return &RateLimiter{
		store: store,
		rules: make(map[string]Rule),
	}
}

// SetRule 设置某个 scope 的限流规则（limit <= 0 表示不限）
func (r *RateLimiter) SetRule(scope string, limit int64, window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[scope] = Rule{Limit: limit, Window: window}
}

// CheckAndConsume 检查并记账
//
// 超限返回 RateLimitedError（带重试等待时间）。计数存储故障时放行，
// 限流是保护层，不应把存储故障放大成全站拒绝服务。
func (r *RateLimiter) CheckAndConsume(ctx context.Context, identity, scope string) error {
	r.mu.RLock()
	rule, ok := r.rules[scope]
	r.mu.RUnlock()
	if !ok || rule.Limit <= 0 {
		return nil
	}

	count, ttl, err := r.store.Incr(ctx, scope+":"+identity, rule.Window)
	if err != nil {
		logger.Warn("rate limit store unavailable, allowing request", "scope", scope, "err", err)
		return nil
	}

	if count > rule.Limit {
		retry := ttl
		if retry < time.Second {
			retry = time.Second
		}
		return &model.RateLimitedError{Scope: scope, RetryAfter: retry}
	}
	return nil
}

// MemoryWindowStore 进程内固定窗口计数器
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]*memWindow
	now     func() time.Time
}

type memWindow struct {
	count  int64
	start  time.Time
	window time.Duration
}

// NewMemoryWindowStore 创建内存窗口存储（带后台清理）
func NewMemoryWindowStore() *MemoryWindowStore {
	s := &MemoryWindowStore{
		windows: make(map[string]*memWindow),
		now:     time.Now,
	}
	go s.cleanup()
	return s
}

// Incr 窗口内计数加一
func (s *MemoryWindowStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w := s.windows[key]
	if w == nil || now.Sub(w.start) >= w.window {
		w = &memWindow{start: now, window: window}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.start.Add(w.window).Sub(now), nil
}

// cleanup periodically drops expired windows
func (s *MemoryWindowStore) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	for range ticker.C {
		s.mu.Lock()
		now := s.now()
		for k, w := range s.windows {
			if now.Sub(w.start) >= w.window {
				delete(s.windows, k)
			}
		}
		s.mu.Unlock()
	}
}
