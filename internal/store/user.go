package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/somnolog/somnolog/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var deletedAt sql.NullTime
	err := scanner.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Locale, &u.Role,
		&u.FreeDeepUsed, &u.FreePeriodStart, &deletedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return &u, nil
}

const userCols = `id, email, password_hash, display_name, locale, role, free_deep_used, free_period_start, deleted_at, created_at, updated_at`

func (s *UserStore) Create(email, passwordHash, displayName, locale string) (*model.User, error) {
	if locale == "" {
		locale = "en"
	}
	result, err := s.db.Exec(
		`INSERT INTO users (email, password_hash, display_name, locale) VALUES (?, ?, ?, ?)`,
		email, passwordHash, displayName, locale,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *UserStore) GetByID(id int64) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE email = ? AND deleted_at IS NULL`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) UpdateProfile(id int64, displayName, locale string) error {
	_, err := s.db.Exec(
		`UPDATE users SET display_name = ?, locale = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		displayName, locale, id,
	)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// SoftDelete flags the account as deleted and anonymizes the email so the
// address can be reused. Rows are kept for referential history.
func (s *UserStore) SoftDelete(id int64) error {
	anonymized := fmt.Sprintf("deleted-%d@somnolog.invalid", id)
	_, err := s.db.Exec(
		`UPDATE users SET deleted_at = CURRENT_TIMESTAMP, email = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`,
		anonymized, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	return nil
}

// IncrementFreeDeep consumes one free deep action. If the stored period
// started before monthStart the counter rolls over to a fresh month first.
func (s *UserStore) IncrementFreeDeep(id int64, monthStart time.Time) error {
	_, err := s.db.Exec(
		`UPDATE users SET
			free_deep_used = CASE WHEN free_period_start < ? THEN 1 ELSE free_deep_used + 1 END,
			free_period_start = CASE WHEN free_period_start < ? THEN ? ELSE free_period_start END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		monthStart, monthStart, monthStart, id,
	)
	if err != nil {
		return fmt.Errorf("increment free deep: %w", err)
	}
	return nil
}
