package store

import (
	"errors"
	"testing"

	"github.com/somnolog/somnolog/internal/database"
)

func setupCreditTestDB(t *testing.T) (*CreditStore, *UserStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCreditStore(db), NewUserStore(db)
}

func createCreditTestUser(t *testing.T, us *UserStore, email string) int64 {
	t.Helper()
	user, err := us.Create(email, "hash", "", "en")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user.ID
}

func TestCreditZeroBalanceForNewUser(t *testing.T) {
	cs, us := setupCreditTestDB(t)
	userID := createCreditTestUser(t, us, "zero@example.com")

	bal, err := cs.Get(userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Balance != 0 || bal.LifetimeEarned != 0 {
		t.Errorf("new user balance = %+v, want zeroes", bal)
	}
}

func TestCreditGrantAndSpend(t *testing.T) {
	cs, us := setupCreditTestDB(t)
	userID := createCreditTestUser(t, us, "flow@example.com")

	applied, err := cs.Grant(userID, 10, "purchase:pack_10", "pi_1")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !applied {
		t.Fatal("first grant reported as not applied")
	}

	if err := cs.Spend(userID, 3, "action:deep"); err != nil {
		t.Fatalf("spend: %v", err)
	}

	bal, _ := cs.Get(userID)
	if bal.Balance != 7 {
		t.Errorf("balance = %d, want 7", bal.Balance)
	}
	if bal.LifetimeEarned != 10 || bal.LifetimeSpent != 3 {
		t.Errorf("lifetime counters = earned %d spent %d", bal.LifetimeEarned, bal.LifetimeSpent)
	}
}

func TestCreditSpendInsufficient(t *testing.T) {
	cs, us := setupCreditTestDB(t)
	userID := createCreditTestUser(t, us, "broke@example.com")

	if _, err := cs.Grant(userID, 2, "signup", ""); err != nil {
		t.Fatalf("grant: %v", err)
	}

	err := cs.Spend(userID, 5, "action:premium")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The failed spend left nothing behind.
	bal, _ := cs.Get(userID)
	if bal.Balance != 2 {
		t.Errorf("balance after rejected spend = %d, want 2", bal.Balance)
	}
	entries, _ := cs.History(userID, 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1 (the grant only)", len(entries))
	}
}

func TestCreditGrantReplayIsNoOp(t *testing.T) {
	cs, us := setupCreditTestDB(t)
	userID := createCreditTestUser(t, us, "replay@example.com")

	applied, err := cs.Grant(userID, 10, "purchase:pack_10", "pi_dup")
	if err != nil || !applied {
		t.Fatalf("first grant: applied=%v err=%v", applied, err)
	}

	// Same provider ref again: redelivered webhook.
	applied, err = cs.Grant(userID, 10, "purchase:pack_10", "pi_dup")
	if err != nil {
		t.Fatalf("replayed grant: %v", err)
	}
	if applied {
		t.Error("replayed grant reported as applied")
	}

	bal, _ := cs.Get(userID)
	if bal.Balance != 10 {
		t.Errorf("balance after replay = %d, want 10", bal.Balance)
	}
	entries, _ := cs.History(userID, 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries after replay = %d, want 1", len(entries))
	}
}

func TestCreditGrantsWithoutRefAreIndependent(t *testing.T) {
	cs, us := setupCreditTestDB(t)
	userID := createCreditTestUser(t, us, "admin@example.com")

	// Admin grants carry no provider ref and must never collide.
	for i := 0; i < 3; i++ {
		applied, err := cs.Grant(userID, 5, "admin_grant", "")
		if err != nil || !applied {
			t.Fatalf("grant %d: applied=%v err=%v", i, applied, err)
		}
	}
	bal, _ := cs.Get(userID)
	if bal.Balance != 15 {
		t.Errorf("balance = %d, want 15", bal.Balance)
	}
}

func TestCreditHistoryNewestFirst(t *testing.T) {
	cs, us := setupCreditTestDB(t)
	userID := createCreditTestUser(t, us, "hist@example.com")

	cs.Grant(userID, 10, "purchase:pack_10", "pi_a")
	cs.Spend(userID, 1, "action:basic")
	cs.Spend(userID, 3, "action:deep")

	entries, err := cs.History(userID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Delta != -3 || entries[2].Delta != 10 {
		t.Errorf("unexpected ordering: %+v", entries)
	}
}
