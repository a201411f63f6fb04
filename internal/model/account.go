package model

import "time"

// CreditAccount 用户积分账户（唯一资金真相源）
//
// 不变式：0 <= Reserved <= Balance，Available = Balance - Reserved >= 0。
// 账户只通过 grant/reserve/confirm/refund 变更，从不删除（留作审计）。
type CreditAccount struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	Reserved    int64     `json:"reserved"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Available 可用余额
func (a *CreditAccount) Available() int64 {
	return a.Balance - a.Reserved
}

// BalanceResponse 余额查询响应
type BalanceResponse struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	Reserved    int64  `json:"reserved"`
	Available   int64  `json:"available"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
}

// ToBalanceResponse 转换为余额响应
func (a *CreditAccount) ToBalanceResponse() BalanceResponse {
	return BalanceResponse{
		UserID:      a.UserID,
		Balance:     a.Balance,
		Reserved:    a.Reserved,
		Available:   a.Available(),
		TotalEarned: a.TotalEarned,
		TotalSpent:  a.TotalSpent,
	}
}

// 预留状态
const (
	ReservationHeld      = "held"
	ReservationConfirmed = "confirmed"
	ReservationRefunded  = "refunded"
)

// Reservation 积分预留
//
// 生命周期：reserve 创建，confirm 或 refund 恰好结束一次，绝不两者都发生。
// 进程崩溃可能留下 held 状态的孤儿预留，由后台回收任务按 CreatedAt 兜底退还。
type Reservation struct {
	TxID       string     `json:"tx_id"`
	UserID     string     `json:"user_id"`
	Amount     int64      `json:"amount"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
