package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xiaopang/gemstudio/internal/model"
)

// PostgresLedger PostgreSQL 积分账本
//
// 水平扩容部署时账本必须落在所有实例可达的共享库；语义与 sqlite
// 账本完全一致，reserve 同样是单条条件更新。
type PostgresLedger struct {
	pool        *pgxpool.Pool
	signupGrant int64
}

// NewPostgresLedger 创建 PostgreSQL 账本
func NewPostgresLedger(ctx context.Context, dsn string, signupGrant int64) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	l := &PostgresLedger{pool: pool, signupGrant: signupGrant}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return l, nil
}

func (l *PostgresLedger) ensureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			reserved BIGINT NOT NULL DEFAULT 0,
			total_earned BIGINT NOT NULL DEFAULT 0,
			total_spent BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (reserved >= 0),
			CHECK (balance >= reserved)
		);
		CREATE TABLE IF NOT EXISTS credit_reservations (
			tx_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'held',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_reservations_status ON credit_reservations(status, created_at);
	`)
	return err
}

// Close 关闭连接池
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

// GetOrCreateAccount 获取账户，不存在则惰性初始化
func (l *PostgresLedger) GetOrCreateAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO credit_accounts (user_id, balance, total_earned)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, l.signupGrant)
	if err != nil {
		return nil, fmt.Errorf("init account: %w", err)
	}

	var acc model.CreditAccount
	err = l.pool.QueryRow(ctx, `
		SELECT user_id, balance, reserved, total_earned, total_spent, created_at, updated_at
		FROM credit_accounts WHERE user_id = $1
	`, userID).Scan(&acc.UserID, &acc.Balance, &acc.Reserved, &acc.TotalEarned, &acc.TotalSpent,
		&acc.CreatedAt, &acc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// Grant 发放积分
func (l *PostgresLedger) Grant(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return &model.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := l.GetOrCreateAccount(ctx, userID); err != nil {
		return err
	}
	_, err := l.pool.Exec(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $1, total_earned = total_earned + $1, updated_at = now()
		WHERE user_id = $2
	`, amount, userID)
	return err
}

// Reserve 原子预留积分
func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amount int64) (string, error) {
	if amount <= 0 {
		return "", &model.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if _, err := l.GetOrCreateAccount(ctx, userID); err != nil {
		return "", err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var reserved bool
	err = tx.QueryRow(ctx, `
		UPDATE credit_accounts SET reserved = reserved + $1, updated_at = now()
		WHERE user_id = $2 AND balance - reserved >= $1
		RETURNING true
	`, amount, userID).Scan(&reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		var balance, held int64
		if err := tx.QueryRow(ctx,
			`SELECT balance, reserved FROM credit_accounts WHERE user_id = $1`, userID,
		).Scan(&balance, &held); err != nil {
			return "", err
		}
		return "", &model.InsufficientCreditsError{Required: amount, Available: balance - held}
	}
	if err != nil {
		return "", fmt.Errorf("reserve: %w", err)
	}

	txID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_reservations (tx_id, user_id, amount, status)
		VALUES ($1, $2, $3, $4)
	`, txID, userID, amount, model.ReservationHeld)
	if err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit reserve: %w", err)
	}
	return txID, nil
}

// Confirm 确认预留
func (l *PostgresLedger) Confirm(ctx context.Context, txID string, actual int64) error {
	if actual < 0 {
		return &model.ValidationError{Field: "actual", Message: "must be non-negative"}
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations SET status = $1, resolved_at = now()
		WHERE tx_id = $2 AND status = $3
		RETURNING user_id, amount
	`, model.ReservationConfirmed, txID, model.ReservationHeld).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrUnknownTransaction
	}
	if err != nil {
		return err
	}
	if actual > amount {
		actual = amount
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts
		SET reserved = reserved - $1, balance = balance - $2, total_spent = total_spent + $2, updated_at = now()
		WHERE user_id = $3
	`, amount, actual, userID)
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}

	return tx.Commit(ctx)
}

// Refund 退还预留
func (l *PostgresLedger) Refund(ctx context.Context, txID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID string
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE credit_reservations SET status = $1, resolved_at = now()
		WHERE tx_id = $2 AND status = $3
		RETURNING user_id, amount
	`, model.ReservationRefunded, txID, model.ReservationHeld).Scan(&userID, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrUnknownTransaction
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE credit_accounts SET reserved = reserved - $1, updated_at = now() WHERE user_id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}

	return tx.Commit(ctx)
}

// StaleReservations 列出超过阈值仍未解决的预留
func (l *PostgresLedger) StaleReservations(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT tx_id FROM credit_reservations WHERE status = $1 AND created_at < $2
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
