package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/somnolog/somnolog/internal/model"
)

type AddonStore struct {
	db *sql.DB
}

func NewAddonStore(db *sql.DB) *AddonStore {
	return &AddonStore{db: db}
}

func scanAddonGrant(scanner interface{ Scan(...any) error }) (*model.AddonGrant, error) {
	var g model.AddonGrant
	var active int
	var expiresAt sql.NullTime
	err := scanner.Scan(
		&g.ID, &g.UserID, &g.AddonKey, &active, &g.PurchasedAt, &expiresAt,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Active = active != 0
	if expiresAt.Valid {
		g.ExpiresAt = &expiresAt.Time
	}
	return &g, nil
}

const addonGrantCols = `id, user_id, addon_key, active, purchased_at, expires_at, created_at, updated_at`

// GetCurrent returns the user's active, unexpired grant for the add-on key.
// Expiry is evaluated lazily here; no sweep marks grants inactive.
func (s *AddonStore) GetCurrent(userID int64, addonKey string, now time.Time) (*model.AddonGrant, error) {
	row := s.db.QueryRow(
		`SELECT `+addonGrantCols+` FROM addon_grants
		 WHERE user_id = ? AND addon_key = ? AND active = 1 AND (expires_at IS NULL OR expires_at > ?)`,
		userID, addonKey, now,
	)
	g, err := scanAddonGrant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get addon grant: %w", err)
	}
	return g, nil
}

// ListCurrent returns all active, unexpired grants for the user.
func (s *AddonStore) ListCurrent(userID int64, now time.Time) ([]*model.AddonGrant, error) {
	rows, err := s.db.Query(
		`SELECT `+addonGrantCols+` FROM addon_grants
		 WHERE user_id = ? AND active = 1 AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY addon_key`,
		userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list addon grants: %w", err)
	}
	defer rows.Close()

	var grants []*model.AddonGrant
	for rows.Next() {
		g, err := scanAddonGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan addon grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Grant activates an add-on for the user. A redelivered payment event hits
// the partial unique index and converges on the existing grant, so the
// returned bool reports whether a new grant was created.
//
// Expired rows keep active = 1 (expiry is lazy), which would make the index
// swallow a paid re-purchase as if it were a replay. The grant therefore
// retires any expired row for the (user, key) pair in the same transaction
// before inserting.
func (s *AddonStore) Grant(userID int64, addonKey string, expiresAt *time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin addon grant: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE addon_grants SET active = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND addon_key = ? AND active = 1
		   AND expires_at IS NOT NULL AND expires_at <= ?`,
		userID, addonKey, time.Now().UTC(),
	); err != nil {
		return false, fmt.Errorf("retire expired addon grant: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO addon_grants (user_id, addon_key, expires_at) VALUES (?, ?, ?)`,
		userID, addonKey, expiresAt,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, nil
		}
		return false, fmt.Errorf("insert addon grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit addon grant: %w", err)
	}
	return true, nil
}

// Deactivate retires the active grant for the key, freeing the slot for a
// future re-purchase.
func (s *AddonStore) Deactivate(userID int64, addonKey string) error {
	_, err := s.db.Exec(
		`UPDATE addon_grants SET active = 0, updated_at = CURRENT_TIMESTAMP
		 WHERE user_id = ? AND addon_key = ? AND active = 1`,
		userID, addonKey,
	)
	if err != nil {
		return fmt.Errorf("deactivate addon grant: %w", err)
	}
	return nil
}
