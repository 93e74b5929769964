package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/somnolog/somnolog/internal/model"
)

type DreamStore struct {
	db *sql.DB
}

func NewDreamStore(db *sql.DB) *DreamStore {
	return &DreamStore{db: db}
}

func scanDream(scanner interface{ Scan(...any) error }) (*model.Dream, error) {
	var d model.Dream
	var dreamedOn sql.NullTime
	err := scanner.Scan(&d.ID, &d.UserID, &d.Title, &d.Body, &dreamedOn, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dreamedOn.Valid {
		d.DreamedOn = &dreamedOn.Time
	}
	return &d, nil
}

const dreamCols = `id, user_id, title, body, dreamed_on, created_at, updated_at`

func (s *DreamStore) Create(userID int64, title, body string, dreamedOn *time.Time) (*model.Dream, error) {
	result, err := s.db.Exec(
		`INSERT INTO dreams (user_id, title, body, dreamed_on) VALUES (?, ?, ?, ?)`,
		userID, title, body, dreamedOn,
	)
	if err != nil {
		return nil, fmt.Errorf("insert dream: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *DreamStore) GetByID(id int64) (*model.Dream, error) {
	row := s.db.QueryRow(`SELECT `+dreamCols+` FROM dreams WHERE id = ?`, id)
	d, err := scanDream(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dream: %w", err)
	}
	return d, nil
}

func (s *DreamStore) ListByUser(userID int64, limit int) ([]*model.Dream, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+dreamCols+` FROM dreams WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dreams: %w", err)
	}
	defer rows.Close()

	var dreams []*model.Dream
	for rows.Next() {
		d, err := scanDream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dream: %w", err)
		}
		dreams = append(dreams, d)
	}
	return dreams, rows.Err()
}

func (s *DreamStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM dreams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dream: %w", err)
	}
	return nil
}

func (s *DreamStore) AddInterpretation(dreamID int64, class, summary, symbols, mood string) (*model.Interpretation, error) {
	result, err := s.db.Exec(
		`INSERT INTO interpretations (dream_id, class, summary, symbols, mood) VALUES (?, ?, ?, ?, ?)`,
		dreamID, class, summary, symbols, mood,
	)
	if err != nil {
		return nil, fmt.Errorf("insert interpretation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(
		`SELECT id, dream_id, class, summary, symbols, mood, created_at FROM interpretations WHERE id = ?`,
		id,
	)
	var in model.Interpretation
	if err := row.Scan(&in.ID, &in.DreamID, &in.Class, &in.Summary, &in.Symbols, &in.Mood, &in.CreatedAt); err != nil {
		return nil, fmt.Errorf("get interpretation: %w", err)
	}
	return &in, nil
}

func (s *DreamStore) ListInterpretations(dreamID int64) ([]*model.Interpretation, error) {
	rows, err := s.db.Query(
		`SELECT id, dream_id, class, summary, symbols, mood, created_at FROM interpretations
		 WHERE dream_id = ? ORDER BY created_at DESC, id DESC`,
		dreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("list interpretations: %w", err)
	}
	defer rows.Close()

	var list []*model.Interpretation
	for rows.Next() {
		var in model.Interpretation
		if err := rows.Scan(&in.ID, &in.DreamID, &in.Class, &in.Summary, &in.Symbols, &in.Mood, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interpretation: %w", err)
		}
		list = append(list, &in)
	}
	return list, rows.Err()
}
