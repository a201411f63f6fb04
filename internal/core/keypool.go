package core

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaopang/gemstudio/internal/config"
	"github.com/xiaopang/gemstudio/internal/logger"
	"github.com/xiaopang/gemstudio/internal/model"
)

// KeyState 凭证状态
type KeyState string

const (
	KeyHealthy  KeyState = "healthy"
	KeyCooling  KeyState = "cooling"  // 上游限流触发的临时冷却
	KeyDisabled KeyState = "disabled" // 认证失败，需人工处理
)

// FailureKind 上游失败分类
type FailureKind string

const (
	FailRateLimit FailureKind = "rate_limit"
	FailAuth      FailureKind = "auth"
	FailTransient FailureKind = "transient"
)

// upstreamKey 单个上游凭证的运行时状态
//
// activeRequests 只影响负载均衡，不影响计费正确性，进程内软状态即可。
type upstreamKey struct {
	key              string
	state            KeyState
	cooldownUntil    time.Time
	consecutiveFails int
	active           int
	limiter          *rate.Limiter // 每凭证 RPM 平滑，nil = 不限
}

// KeyPool 上游凭证池
//
// 选择策略：在可用凭证中取 activeRequests 最小者，并列时按配置顺序。
type KeyPool struct {
	mu           sync.Mutex
	keys         []*upstreamKey
	cooldownBase time.Duration
	cooldownMax  time.Duration
	now          func() time.Time
}

// KeyStatus 凭证状态快照（管理端用，不含明文）
type KeyStatus struct {
	Hint             string    `json:"hint"`
	State            KeyState  `json:"state"`
	CooldownUntil    time.Time `json:"cooldown_until,omitempty"`
	ActiveRequests   int       `json:"active_requests"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// NewKeyPool 创建凭证池
func NewKeyPool(cfgKeys []config.UpstreamKey, cooldownBase, cooldownMax time.Duration) *KeyPool {
	p := &KeyPool{
		cooldownBase: cooldownBase,
		cooldownMax:  cooldownMax,
		now:          time.Now,
	}
	for _, k := range cfgKeys {
		uk := &upstreamKey{key: k.Key, state: KeyHealthy}
		if k.RPM > 0 {
			uk.limiter = rate.NewLimiter(rate.Limit(float64(k.RPM)/60.0), k.RPM)
		}
		p.keys = append(p.keys, uk)
	}
	return p
}

// Select 选取一个可用凭证
//
// 返回凭证与 release 函数；release 幂等，任何退出路径都必须调用，
// 与 acquire 严格配对。没有可用凭证时返回 ErrNoHealthyKeys。
func (p *KeyPool) Select() (string, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	// 可用 = 非 Disabled 且冷却已过；按 active 升序、配置顺序稳定排序
	var eligible []*upstreamKey
	for _, k := range p.keys {
		switch k.state {
		case KeyDisabled:
			continue
		case KeyCooling:
			if now.Before(k.cooldownUntil) {
				continue
			}
		}
		eligible = append(eligible, k)
	}

	for {
		var best *upstreamKey
		for _, k := range eligible {
			if best == nil || k.active < best.active {
				best = k
			}
		}
		if best == nil {
			return "", func() {}, model.ErrNoHealthyKeys
		}

		// RPM 平滑：没有令牌的凭证跳过，尝试下一个候选
		if best.limiter != nil && !best.limiter.Allow() {
			eligible = remove(eligible, best)
			continue
		}

		if best.state == KeyCooling {
			best.state = KeyHealthy
		}
		best.active++

		chosen := best
		var once sync.Once
		release := func() {
			once.Do(func() {
				p.mu.Lock()
				defer p.mu.Unlock()
				if chosen.active > 0 {
					chosen.active--
				}
			})
		}
		return chosen.key, release, nil
	}
}

func remove(keys []*upstreamKey, target *upstreamKey) []*upstreamKey {
	out := keys[:0]
	for _, k := range keys {
		if k != target {
			out = append(out, k)
		}
	}
	return out
}

// ReportFailure 上报上游失败信号
//
// rate_limit 触发指数冷却；auth 永久停用；transient 不改变状态。
func (p *KeyPool) ReportFailure(key string, kind FailureKind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(key)
	if k == nil {
		return
	}

	switch kind {
	case FailRateLimit:
		k.consecutiveFails++
		cd := p.cooldownBase << (k.consecutiveFails - 1)
		if cd > p.cooldownMax || cd <= 0 {
			cd = p.cooldownMax
		}
		k.state = KeyCooling
		k.cooldownUntil = p.now().Add(cd)
		logger.Warn("upstream key cooling", "key", KeyHint(key), "until", k.cooldownUntil, "fails", k.consecutiveFails)
	case FailAuth:
		k.state = KeyDisabled
		logger.Error("upstream key disabled after auth failure", "key", KeyHint(key))
	case FailTransient:
		// 瞬时错误不动状态
	}
}

// ReportSuccess 上报成功，重置失败计数
func (p *KeyPool) ReportSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.find(key)
	if k == nil {
		return
	}
	k.consecutiveFails = 0
	if k.state == KeyCooling {
		k.state = KeyHealthy
	}
}

// find 按凭证查找，调用方持锁
func (p *KeyPool) find(key string) *upstreamKey {
	for _, k := range p.keys {
		if k.key == key {
			return k
		}
	}
	return nil
}

// Snapshot 状态快照
func (p *KeyPool) Snapshot() []KeyStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyStatus, 0, len(p.keys))
	for _, k := range p.keys {
		st := KeyStatus{
			Hint:             KeyHint(k.key),
			State:            k.state,
			ActiveRequests:   k.active,
			ConsecutiveFails: k.consecutiveFails,
		}
		if k.state == KeyCooling {
			st.CooldownUntil = k.cooldownUntil
		}
		out = append(out, st)
	}
	return out
}

// Size 池大小
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// KeyHint 凭证提示（末四位），用于日志与管理端展示
func KeyHint(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "…" + key[len(key)-4:]
}
