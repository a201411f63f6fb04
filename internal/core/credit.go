package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/gemstudio/internal/logger"
	"github.com/xiaopang/gemstudio/internal/model"
)

// Ledger 积分账本
//
// Reserve 必须以单条原子条件更新实现「available >= amount 才扣」，
// 这是全系统唯一的互斥点。Confirm/Refund 对同一 tx_id 幂等：
// 第二次调用返回 ErrUnknownTransaction 且不产生变更。
type Ledger interface {
	GetOrCreateAccount(ctx context.Context, userID string) (*model.CreditAccount, error)
	Grant(ctx context.Context, userID string, amount int64) error
	Reserve(ctx context.Context, userID string, amount int64) (txID string, err error)
	Confirm(ctx context.Context, txID string, actual int64) error
	Refund(ctx context.Context, txID string) error
	StaleReservations(ctx context.Context, olderThan time.Time) ([]string, error)
}

// CreditManager 预留生命周期管理
//
// 保证每个预留恰好被解决一次：成功确认、失败退还、panic 兜底退还，
// 进程崩溃留下的孤儿由后台回收任务退还。
type CreditManager struct {
	ledger   Ledger
	ttl      time.Duration // 孤儿判定阈值
	interval time.Duration // 回收周期

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCreditManager 创建积分管理器
func NewCreditManager(ledger Ledger, ttl, interval time.Duration) *CreditManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &CreditManager{
		ledger:   ledger,
		ttl:      ttl,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Balance 查询余额（账户不存在则惰性初始化）
func (m *CreditManager) Balance(ctx context.Context, userID string) (*model.CreditAccount, error) {
	return m.ledger.GetOrCreateAccount(ctx, userID)
}

// Grant 发放积分
func (m *CreditManager) Grant(ctx context.Context, userID string, amount int64) error {
	return m.ledger.Grant(ctx, userID, amount)
}

// WithReservedCredit 预留积分并执行 op，保证预留在所有退出路径上被解决
//
// op 返回实际费用（按量计费时可小于预留额）。成功按实际费用确认；
// op 返回错误或 panic 时全额退还。确认与退还使用独立的后台 context，
// 客户端断连不会把预留悬挂在账上。
func (m *CreditManager) WithReservedCredit(ctx context.Context, userID string, amount int64, op func(ctx context.Context) (int64, error)) error {
	txID, err := m.ledger.Reserve(ctx, userID, amount)
	if err != nil {
		return err
	}

	resolved := false
	defer func() {
		// panic 兜底：先退还再继续抛出
		if !resolved {
			m.refundDetached(txID)
		}
	}()

	actual, opErr := op(ctx)
	if opErr != nil {
		m.refundDetached(txID)
		resolved = true
		return opErr
	}

	if err := m.confirmDetached(txID, actual); err != nil {
		// 确认失败时预留仍是 held，退还是安全的幂等操作；
		// 若确认实际已提交，退还会以 UnknownTransaction 空转。
		m.refundDetached(txID)
		resolved = true
		return err
	}
	resolved = true
	return nil
}

func (m *CreditManager) confirmDetached(txID string, actual int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.ledger.Confirm(ctx, txID, actual)
}

func (m *CreditManager) refundDetached(txID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.ledger.Refund(ctx, txID); err != nil && err != model.ErrUnknownTransaction {
		// 退还失败的孤儿会被回收任务兜底
		logger.Error("refund failed, reservation left for sweeper", "tx_id", txID, "err", err)
	}
}

// StartSweeper 启动孤儿预留回收
func (m *CreditManager) StartSweeper() {
	if m.ctx == nil || m.ctx.Err() != nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.wg.Add(1)
	go m.run()
}

// StopSweeper 停止回收任务
func (m *CreditManager) StopSweeper() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// run 回收循环
func (m *CreditManager) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.ctx)
		}
	}
}

// Sweep 退还超过阈值仍未解决的预留，返回回收数量
func (m *CreditManager) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-m.ttl)
	ids, err := m.ledger.StaleReservations(ctx, cutoff)
	if err != nil {
		logger.Error("stale reservation scan failed", "err", err)
		return 0
	}

	swept := 0
	for _, txID := range ids {
		if err := m.ledger.Refund(ctx, txID); err != nil {
			if err != model.ErrUnknownTransaction {
				logger.Error("orphan refund failed", "tx_id", txID, "err", err)
			}
			continue
		}
		swept++
	}
	if swept > 0 {
		logger.Warn("refunded orphaned reservations", "count", swept)
	}
	return swept
}
