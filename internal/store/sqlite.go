package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaopang/gemstudio/internal/model"
)

// Store 数据存储（积分账本 + 运营数据）
//
// 账本的 reserve 必须是单条条件更新（balance - reserved >= amount 时才加
// reserved），不能读一次再写一次，否则并发请求会基于过期余额双重扣减。
type Store struct {
	db          *sql.DB
	signupGrant int64
}

// New 创建存储实例
func New(dbPath string, signupGrant int64) (*Store, error) {
	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	store := &Store{db: db, signupGrant: signupGrant}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate 数据库迁移
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credit_accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		reserved INTEGER NOT NULL DEFAULT 0,
		total_earned INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (reserved >= 0),
		CHECK (balance >= reserved)
	);

	CREATE TABLE IF NOT EXISTS credit_reservations (
		tx_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'held',
		created_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_status ON credit_reservations(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_reservations_user ON credit_reservations(user_id);

	CREATE TABLE IF NOT EXISTS user_keys (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		last_used_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_user_keys_user ON user_keys(user_id);

	CREATE TABLE IF NOT EXISTS job_logs (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		timestamp DATETIME NOT NULL,
		user_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		requested_units INTEGER,
		credits_reserved INTEGER,
		credits_charged INTEGER,
		success INTEGER,
		status_code INTEGER,
		completed_units INTEGER,
		latency_ms INTEGER,
		error TEXT,
		client_ip TEXT,
		key_id TEXT,
		upstream_key_hint TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_job_logs_timestamp ON job_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_job_logs_user ON job_logs(user_id);
	CREATE INDEX IF NOT EXISTS idx_job_logs_operation ON job_logs(operation);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

// === 积分账本 ===

// GetOrCreateAccount 获取账户，不存在则按注册赠送额度惰性初始化
func (s *Store) GetOrCreateAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (user_id, balance, reserved, total_earned, total_spent, created_at, updated_at)
		VALUES (?, ?, 0, ?, 0, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, s.signupGrant, s.signupGrant, now, now)
	if err != nil {
		return nil, fmt.Errorf("init account: %w", err)
	}

	return s.getAccount(ctx, userID)
}

func (s *Store) getAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, reserved, total_earned, total_spent, created_at, updated_at
		FROM credit_accounts WHERE user_id = ?
	`, userID)

	var acc model.CreditAccount
	err := row.Scan(&acc.UserID, &acc.Balance, &acc.Reserved, &acc.TotalEarned, &acc.TotalSpent,
		&acc.CreatedAt, &acc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// Grant 发放积分（balance 与 total_earned 同步增加）
func (s *Store) Grant(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return &model.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + ?, total_earned = total_earned + ?, updated_at = ?
		WHERE user_id = ?
	`, amount, amount, time.Now().UTC(), userID)
	return err
}

// Reserve 原子预留积分
//
// 条件更新在单条语句内完成「检查可用余额 + 增加 reserved」，
// 余额不足返回 InsufficientCreditsError（携带缺口）。
func (s *Store) Reserve(ctx context.Context, userID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", &model.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := s.GetOrCreateAccount(ctx, userID); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE credit_accounts SET reserved = reserved + ?, updated_at = ?
		WHERE user_id = ? AND balance - reserved >= ?
	`, amount, now, userID, amount)
	if err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		// 读取当前可用额度，仅用于错误提示
		var balance, reserved int64
		if err := tx.QueryRowContext(ctx,
			`SELECT balance, reserved FROM credit_accounts WHERE user_id = ?`, userID,
		).Scan(&balance, &reserved); err != nil {
			return "", err
		}
		return "", &model.InsufficientCreditsError{Required: amount, Available: balance - reserved}
	}

	txID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (tx_id, user_id, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, txID, userID, amount, model.ReservationHeld, now)
	if err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit reserve: %w", err)
	}
	return txID, nil
}

// Confirm 确认预留：reserved 释放，balance 扣减实际费用，total_spent 累加
//
// actual 允许小于预留金额（按量计费 / 部分成功）。重复确认返回
// UnknownTransaction 且不产生任何变更。
func (s *Store) Confirm(ctx context.Context, txID string, actual int64) error {
	if actual < 0 {
		return &model.ValidationError{Field: "actual", Message: "must be non-negative"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	userID, reserved, err := s.resolveReservation(ctx, tx, txID, model.ReservationConfirmed)
	if err != nil {
		return err
	}
	if actual > reserved {
		// 结算金额不应超过预留；封顶以保护账户不变式
		actual = reserved
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts
		SET reserved = reserved - ?, balance = balance - ?, total_spent = total_spent + ?, updated_at = ?
		WHERE user_id = ?
	`, reserved, actual, actual, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}

	return tx.Commit()
}

// Refund 退还预留：reserved 释放，balance 不变。重复退款同样是安全的空操作。
func (s *Store) Refund(ctx context.Context, txID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	userID, reserved, err := s.resolveReservation(ctx, tx, txID, model.ReservationRefunded)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_accounts SET reserved = reserved - ?, updated_at = ? WHERE user_id = ?
	`, reserved, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}

	return tx.Commit()
}

// resolveReservation 将 held 状态的预留置为终态，返回其归属与金额。
// 状态条件保证每个预留只能被解决一次。
func (s *Store) resolveReservation(ctx context.Context, tx *sql.Tx, txID, status string) (string, int64, error) {
	var userID string
	var amount int64
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, amount FROM credit_reservations WHERE tx_id = ? AND status = ?
	`, txID, model.ReservationHeld).Scan(&userID, &amount)
	if err == sql.ErrNoRows {
		return "", 0, model.ErrUnknownTransaction
	}
	if err != nil {
		return "", 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations SET status = ?, resolved_at = ? WHERE tx_id = ? AND status = ?
	`, status, time.Now().UTC(), txID, model.ReservationHeld)
	if err != nil {
		return "", 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", 0, err
	}
	if affected == 0 {
		return "", 0, model.ErrUnknownTransaction
	}
	return userID, amount, nil
}

// GetReservation 查询预留
func (s *Store) GetReservation(ctx context.Context, txID string) (*model.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, user_id, amount, status, created_at, resolved_at
		FROM credit_reservations WHERE tx_id = ?
	`, txID)

	var r model.Reservation
	var resolvedAt sql.NullTime
	err := row.Scan(&r.TxID, &r.UserID, &r.Amount, &r.Status, &r.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrUnknownTransaction
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return &r, nil
}

// StaleReservations 列出超过阈值仍未解决的预留（孤儿回收用）
func (s *Store) StaleReservations(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id FROM credit_reservations WHERE status = ? AND created_at < ?
	`, model.ReservationHeld, olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// === 用户密钥 ===

// CreateUserKey 创建用户 API 密钥
func (s *Store) CreateUserKey(ctx context.Context, userID, name string) (*model.UserKey, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	uk := &model.UserKey{
		ID:        uuid.NewString(),
		Key:       "gsk-" + hex.EncodeToString(b),
		UserID:    userID,
		Name:      name,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_keys (id, key, user_id, name, enabled, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, uk.ID, uk.Key, uk.UserID, uk.Name, uk.CreatedAt)
	if err != nil {
		return nil, err
	}
	return uk, nil
}

// GetUserKeyByKey 按密钥查找（仅启用的）
func (s *Store) GetUserKeyByKey(ctx context.Context, key string) (*model.UserKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key, user_id, name, enabled, created_at, COALESCE(last_used_at, created_at)
		FROM user_keys WHERE key = ? AND enabled = 1
	`, key)

	var uk model.UserKey
	err := row.Scan(&uk.ID, &uk.Key, &uk.UserID, &uk.Name, &uk.Enabled, &uk.CreatedAt, &uk.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &uk, nil
}

// ListUserKeys 列出所有密钥
func (s *Store) ListUserKeys(ctx context.Context) ([]*model.UserKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, user_id, name, enabled, created_at, COALESCE(last_used_at, created_at)
		FROM user_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*model.UserKey
	for rows.Next() {
		var uk model.UserKey
		if err := rows.Scan(&uk.ID, &uk.Key, &uk.UserID, &uk.Name, &uk.Enabled, &uk.CreatedAt, &uk.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &uk)
	}
	return keys, rows.Err()
}

// DisableUserKey 停用密钥
func (s *Store) DisableUserKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE user_keys SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TouchUserKey 更新最近使用时间（尽力而为）
func (s *Store) TouchUserKey(ctx context.Context, id string) {
	s.db.ExecContext(ctx, `UPDATE user_keys SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

// === 任务日志 ===

// SaveJobLog 保存任务日志
func (s *Store) SaveJobLog(ctx context.Context, log *model.JobLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (id, request_id, timestamp, user_id, operation,
			requested_units, credits_reserved, credits_charged, success, status_code,
			completed_units, latency_ms, error, client_ip, key_id, upstream_key_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID, log.RequestID, log.Timestamp, log.UserID, log.Operation,
		log.RequestedUnits, log.CreditsReserved, log.CreditsCharged, log.Success, log.StatusCode,
		log.CompletedUnits, log.LatencyMs, log.Error, log.ClientIP, log.KeyID, log.UpstreamKeyHint)
	return err
}

// QueryJobLogs 查询日志
func (s *Store) QueryJobLogs(ctx context.Context, query *model.LogQuery) ([]*model.JobLog, error) {
	q := `SELECT id, request_id, timestamp, user_id, operation, requested_units,
		credits_reserved, credits_charged, success, status_code, completed_units,
		latency_ms, error, client_ip, key_id, upstream_key_hint
		FROM job_logs WHERE 1=1`
	args := []any{}

	if query.UserID != "" {
		q += " AND user_id = ?"
		args = append(args, query.UserID)
	}
	if query.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, query.RequestID)
	}
	if query.Operation != "" {
		q += " AND operation = ?"
		args = append(args, query.Operation)
	}
	if query.Success != nil {
		q += " AND success = ?"
		args = append(args, *query.Success)
	}
	if !query.StartTime.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, query.StartTime)
	}
	if !query.EndTime.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, query.EndTime)
	}

	q += " ORDER BY timestamp DESC"

	if query.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", query.Limit)
	} else {
		q += " LIMIT 100"
	}
	if query.Offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", query.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*model.JobLog
	for rows.Next() {
		var log model.JobLog
		if err := rows.Scan(&log.ID, &log.RequestID, &log.Timestamp, &log.UserID, &log.Operation,
			&log.RequestedUnits, &log.CreditsReserved, &log.CreditsCharged, &log.Success, &log.StatusCode,
			&log.CompletedUnits, &log.LatencyMs, &log.Error, &log.ClientIP, &log.KeyID, &log.UpstreamKeyHint); err != nil {
			return nil, err
		}
		logs = append(logs, &log)
	}
	return logs, rows.Err()
}

// GetDailyStats 获取每日统计
func (s *Store) GetDailyStats(ctx context.Context, days int) ([]*model.DailyStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			date(timestamp) as date,
			COUNT(*) as total_jobs,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			COALESCE(SUM(credits_charged), 0) as credits_charged,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM job_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY date(timestamp)
		ORDER BY date DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.DailyStats
	for rows.Next() {
		var d model.DailyStats
		if err := rows.Scan(&d.Date, &d.TotalJobs, &d.SuccessRate, &d.CreditsCharged, &d.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &d)
	}
	return stats, rows.Err()
}

// GetOperationStats 按操作类型统计
func (s *Store) GetOperationStats(ctx context.Context, days int) ([]*model.OperationStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			operation,
			COUNT(*) as job_count,
			ROUND(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END) * 100.0 / COUNT(*), 2) as success_rate,
			COALESCE(SUM(credits_charged), 0) as credits_charged,
			ROUND(AVG(latency_ms), 2) as avg_latency
		FROM job_logs
		WHERE timestamp >= date('now', ?)
		GROUP BY operation
		ORDER BY job_count DESC
	`, fmt.Sprintf("-%d days", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []*model.OperationStats
	for rows.Next() {
		var o model.OperationStats
		if err := rows.Scan(&o.Operation, &o.JobCount, &o.SuccessRate, &o.CreditsCharged, &o.AvgLatency); err != nil {
			return nil, err
		}
		stats = append(stats, &o)
	}
	return stats, rows.Err()
}

// CleanOldLogs 清理过期日志
func (s *Store) CleanOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM job_logs WHERE timestamp < date('now', ?)
	`, fmt.Sprintf("-%d days", retentionDays))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
