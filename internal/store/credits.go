package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/somnolog/somnolog/internal/model"
)

// ErrInsufficientBalance is returned when a spend would take the balance
// negative. The spend is rejected outright, never truncated.
var ErrInsufficientBalance = errors.New("insufficient credit balance")

type CreditStore struct {
	db *sql.DB
}

func NewCreditStore(db *sql.DB) *CreditStore {
	return &CreditStore{db: db}
}

// Get returns the user's balance row. A missing row is a valid zero balance.
func (s *CreditStore) Get(userID int64) (*model.CreditBalance, error) {
	row := s.db.QueryRow(
		`SELECT user_id, balance, lifetime_earned, lifetime_spent, updated_at FROM credit_balances WHERE user_id = ?`,
		userID,
	)
	var b model.CreditBalance
	err := row.Scan(&b.UserID, &b.Balance, &b.LifetimeEarned, &b.LifetimeSpent, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return &model.CreditBalance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credit balance: %w", err)
	}
	return &b, nil
}

// Grant adds credits inside one transaction. When providerRef is non-empty
// the ledger's unique constraint makes the grant replay-safe: a redelivered
// payment event inserts nothing and the balance is untouched. The returned
// bool reports whether the grant was applied.
func (s *CreditStore) Grant(userID int64, amount int, reason, providerRef string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback()

	var ref any
	if providerRef != "" {
		ref = providerRef
	}
	_, err = tx.Exec(
		`INSERT INTO credit_ledger (user_id, delta, reason, provider_ref) VALUES (?, ?, ?, ?)`,
		userID, amount, reason, ref,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO credit_balances (user_id, balance, lifetime_earned) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			balance = balance + excluded.balance,
			lifetime_earned = lifetime_earned + excluded.lifetime_earned,
			updated_at = CURRENT_TIMESTAMP`,
		userID, amount, amount,
	)
	if err != nil {
		return false, fmt.Errorf("apply grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return true, nil
}

// Spend debits credits, failing with ErrInsufficientBalance when the balance
// cannot cover the amount. The guard lives in the UPDATE's WHERE clause so
// concurrent spends cannot drive the balance negative.
func (s *CreditStore) Spend(userID int64, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("spend amount must be positive, got %d", amount)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin spend tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE credit_balances SET
			balance = balance - ?,
			lifetime_spent = lifetime_spent + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND balance >= ?`,
		amount, amount, userID, amount,
	)
	if err != nil {
		return fmt.Errorf("apply spend: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(
		`INSERT INTO credit_ledger (user_id, delta, reason) VALUES (?, ?, ?)`,
		userID, -amount, reason,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spend: %w", err)
	}
	return nil
}

// History returns the most recent ledger entries, newest first.
func (s *CreditStore) History(userID int64, limit int) ([]*model.CreditLedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, user_id, delta, reason, provider_ref, created_at FROM credit_ledger
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*model.CreditLedgerEntry
	for rows.Next() {
		var e model.CreditLedgerEntry
		var ref sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.Reason, &ref, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if ref.Valid {
			e.ProviderRef = &ref.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
