//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/xiaopang/gemstudio/internal/model"
)

// 需要一个可写的 PostgreSQL 实例：
//
//	TEST_POSTGRES_DSN=postgres://localhost:5432/gemstudio_test?sslmode=disable \
//	  go test -tags integration ./internal/store/
func testPGLedger(t *testing.T) *PostgresLedger {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	l, err := NewPostgresLedger(context.Background(), dsn, 10)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		l.pool.Exec(ctx, `DELETE FROM credit_reservations WHERE user_id LIKE $1`, t.Name()+"%")
		l.pool.Exec(ctx, `DELETE FROM credit_accounts WHERE user_id LIKE $1`, t.Name()+"%")
		l.Close()
	})
	return l
}

// pgUser 按测试名隔离账户，共享库上的用例互不干扰
func pgUser(t *testing.T) string {
	return t.Name() + "-user"
}

func TestPG_GetOrCreateAccount_SignupGrant(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	acc, err := l.GetOrCreateAccount(ctx, user)
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}
	if acc.Balance != 10 || acc.TotalEarned != 10 {
		t.Errorf("expected signup grant 10, got balance=%d earned=%d", acc.Balance, acc.TotalEarned)
	}

	// Second call must not grant again
	acc, _ = l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 10 {
		t.Errorf("expected balance 10 after re-read, got %d", acc.Balance)
	}
}

func TestPG_ReserveConfirm_Math(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, err := l.Reserve(ctx, user, 7)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 10 || acc.Reserved != 7 {
		t.Errorf("after reserve: expected balance=10 reserved=7, got balance=%d reserved=%d", acc.Balance, acc.Reserved)
	}

	if err := l.Confirm(ctx, txID, 7); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	acc, _ = l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 3 || acc.Reserved != 0 || acc.TotalSpent != 7 {
		t.Errorf("after confirm: expected balance=3 reserved=0 spent=7, got balance=%d reserved=%d spent=%d",
			acc.Balance, acc.Reserved, acc.TotalSpent)
	}
}

func TestPG_Confirm_PartialAmount(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, _ := l.Reserve(ctx, user, 8)
	if err := l.Confirm(ctx, txID, 4); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 6 || acc.Reserved != 0 || acc.TotalSpent != 4 {
		t.Errorf("expected balance=6 reserved=0 spent=4, got balance=%d reserved=%d spent=%d",
			acc.Balance, acc.Reserved, acc.TotalSpent)
	}
}

func TestPG_Confirm_CapsAtReserved(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, _ := l.Reserve(ctx, user, 5)
	if err := l.Confirm(ctx, txID, 100); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 5 || acc.TotalSpent != 5 {
		t.Errorf("expected settlement capped at the hold: balance=%d spent=%d", acc.Balance, acc.TotalSpent)
	}
}

func TestPG_Refund_Restores(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, _ := l.Reserve(ctx, user, 7)
	if err := l.Refund(ctx, txID); err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 10 || acc.Reserved != 0 || acc.TotalSpent != 0 {
		t.Errorf("after refund: expected balance=10 reserved=0 spent=0, got balance=%d reserved=%d spent=%d",
			acc.Balance, acc.Reserved, acc.TotalSpent)
	}
}

func TestPG_Reserve_Insufficient(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	_, err := l.Reserve(ctx, user, 11)
	var ic *model.InsufficientCreditsError
	if !errors.As(err, &ic) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ic.Required != 11 || ic.Available != 10 || ic.Shortfall() != 1 {
		t.Errorf("expected required=11 available=10 shortfall=1, got %+v", ic)
	}
}

func TestPG_Reserve_HoldReducesAvailable(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	if _, err := l.Reserve(ctx, user, 6); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	_, err := l.Reserve(ctx, user, 5)
	var ic *model.InsufficientCreditsError
	if !errors.As(err, &ic) {
		t.Fatalf("expected InsufficientCreditsError over the hold, got %v", err)
	}

	if _, err := l.Reserve(ctx, user, 4); err != nil {
		t.Errorf("reserve within available should succeed: %v", err)
	}
}

func TestPG_Confirm_Twice(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, _ := l.Reserve(ctx, user, 3)
	if err := l.Confirm(ctx, txID, 3); err != nil {
		t.Fatalf("first Confirm failed: %v", err)
	}
	if err := l.Confirm(ctx, txID, 3); !errors.Is(err, model.ErrUnknownTransaction) {
		t.Errorf("expected ErrUnknownTransaction on second confirm, got %v", err)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 7 || acc.TotalSpent != 3 {
		t.Errorf("no double charge: balance=%d spent=%d", acc.Balance, acc.TotalSpent)
	}
}

func TestPG_Refund_Twice(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, _ := l.Reserve(ctx, user, 3)
	if err := l.Refund(ctx, txID); err != nil {
		t.Fatalf("first Refund failed: %v", err)
	}
	if err := l.Refund(ctx, txID); !errors.Is(err, model.ErrUnknownTransaction) {
		t.Errorf("expected ErrUnknownTransaction on second refund, got %v", err)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Balance != 10 || acc.Reserved != 0 {
		t.Errorf("no double release: balance=%d reserved=%d", acc.Balance, acc.Reserved)
	}
}

func TestPG_Refund_AfterConfirm(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	txID, _ := l.Reserve(ctx, user, 3)
	l.Confirm(ctx, txID, 3)

	if err := l.Refund(ctx, txID); !errors.Is(err, model.ErrUnknownTransaction) {
		t.Errorf("expected ErrUnknownTransaction on refund after confirm, got %v", err)
	}
}

func TestPG_ConcurrentReserves_NoOverdraft(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	// Signup grant is 10; 20 concurrent holds of 1 each, at most 10 may win
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, user, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected exactly 10 successful reserves, got %d", succeeded)
	}

	acc, _ := l.GetOrCreateAccount(ctx, user)
	if acc.Reserved != 10 {
		t.Errorf("expected reserved 10, got %d", acc.Reserved)
	}
	if acc.Reserved > acc.Balance {
		t.Errorf("invariant violated: reserved %d > balance %d", acc.Reserved, acc.Balance)
	}
}

func TestPG_StaleReservations(t *testing.T) {
	l := testPGLedger(t)
	ctx := context.Background()
	user := pgUser(t)

	oldTx, _ := l.Reserve(ctx, user, 2)
	l.Reserve(ctx, user, 2)

	// Backdate the first reservation
	_, err := l.pool.Exec(ctx, `UPDATE credit_reservations SET created_at = $1 WHERE tx_id = $2`,
		time.Now().UTC().Add(-time.Hour), oldTx)
	if err != nil {
		t.Fatalf("failed to backdate reservation: %v", err)
	}

	ids, err := l.StaleReservations(ctx, time.Now().Add(-15*time.Minute))
	if err != nil {
		t.Fatalf("StaleReservations failed: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == oldTx {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected backdated reservation in %v", ids)
	}

	l.Refund(ctx, oldTx)
	ids, _ = l.StaleReservations(ctx, time.Now().Add(-15*time.Minute))
	for _, id := range ids {
		if id == oldTx {
			t.Error("resolved reservation must not reappear as stale")
		}
	}
}
