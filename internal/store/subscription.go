package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/somnolog/somnolog/internal/model"
)

// ErrSubscriptionExists is returned when a second subscription row is created
// for a user who already has one. The unique index on user_id is the backstop
// for concurrent checkout attempts.
var ErrSubscriptionExists = errors.New("subscription already exists for user")

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var customerID, stripeSubID sql.NullString
	var periodEnd sql.NullTime
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&sub.ID, &sub.UserID, &customerID, &stripeSubID, &sub.Plan, &sub.Status,
		&periodEnd, &cancelAtPeriodEnd, &sub.MonthlyDeepLimit, &sub.MonthlyDeepUsed,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID.Valid {
		sub.StripeCustomerID = &customerID.String
	}
	if stripeSubID.Valid {
		sub.StripeSubscriptionID = &stripeSubID.String
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = &periodEnd.Time
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &sub, nil
}

const subscriptionCols = `id, user_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, cancel_at_period_end, monthly_deep_limit, monthly_deep_used, created_at, updated_at`

func (s *SubscriptionStore) GetByUserID(userID int64) (*model.Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ?`, userID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByStripeID(stripeSubID string) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE stripe_subscription_id = ?`,
		stripeSubID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// CreateProvisional inserts the local subscription row written optimistically
// after a successful provider call. Returns ErrSubscriptionExists when the
// user already has a row; the webhook reconciler owns all later mutations.
func (s *SubscriptionStore) CreateProvisional(userID int64, customerID, stripeSubID, plan, status string, periodEnd *time.Time, deepLimit int) (*model.Subscription, error) {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end, monthly_deep_limit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, customerID, stripeSubID, plan, status, periodEnd, deepLimit,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrSubscriptionExists
		}
		return nil, fmt.Errorf("insert subscription: %w", err)
	}
	return s.GetByUserID(userID)
}

// UpsertFields carries the subset of columns a merge should touch.
// Nil fields are left untouched (last-write-wins per field).
type UpsertFields struct {
	StripeCustomerID     *string
	StripeSubscriptionID *string
	Plan                 *string
	Status               *string
	CurrentPeriodEnd     *time.Time
	CancelAtPeriodEnd    *bool
	MonthlyDeepLimit     *int
	MonthlyDeepUsed      *int
}

// Upsert merges the given fields into the user's single subscription row,
// creating it if absent. Safe to call concurrently with itself: a lost
// insert race degrades to the update path.
func (s *SubscriptionStore) Upsert(userID int64, f UpsertFields) error {
	existing, err := s.GetByUserID(userID)
	if err != nil {
		return err
	}
	if existing == nil {
		plan, status := model.PlanNone, model.SubscriptionStatusNone
		if f.Plan != nil {
			plan = *f.Plan
		}
		if f.Status != nil {
			status = *f.Status
		}
		_, err := s.db.Exec(
			`INSERT INTO subscriptions (user_id, plan, status) VALUES (?, ?, ?)`,
			userID, plan, status,
		)
		if err != nil && !strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("upsert insert subscription: %w", err)
		}
	}

	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}
	if f.StripeCustomerID != nil {
		sets = append(sets, "stripe_customer_id = ?")
		args = append(args, *f.StripeCustomerID)
	}
	if f.StripeSubscriptionID != nil {
		sets = append(sets, "stripe_subscription_id = ?")
		args = append(args, *f.StripeSubscriptionID)
	}
	if f.Plan != nil {
		sets = append(sets, "plan = ?")
		args = append(args, *f.Plan)
	}
	if f.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *f.Status)
	}
	if f.CurrentPeriodEnd != nil {
		sets = append(sets, "current_period_end = ?")
		args = append(args, *f.CurrentPeriodEnd)
	}
	if f.CancelAtPeriodEnd != nil {
		v := 0
		if *f.CancelAtPeriodEnd {
			v = 1
		}
		sets = append(sets, "cancel_at_period_end = ?")
		args = append(args, v)
	}
	if f.MonthlyDeepLimit != nil {
		sets = append(sets, "monthly_deep_limit = ?")
		args = append(args, *f.MonthlyDeepLimit)
	}
	if f.MonthlyDeepUsed != nil {
		sets = append(sets, "monthly_deep_used = ?")
		args = append(args, *f.MonthlyDeepUsed)
	}
	args = append(args, userID)

	_, err = s.db.Exec(
		`UPDATE subscriptions SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("upsert update subscription: %w", err)
	}
	return nil
}

// ApplyRenewal applies an authoritative renewal in one statement: status
// becomes active, the period end is taken from the provider, and the monthly
// deep counter resets only when the period end actually advanced. Replaying
// the same renewal event is therefore a no-op for the counter.
func (s *SubscriptionStore) ApplyRenewal(id int64, periodEnd time.Time) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET
			status = ?,
			monthly_deep_used = CASE WHEN current_period_end IS NULL OR current_period_end < ? THEN 0 ELSE monthly_deep_used END,
			current_period_end = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		model.SubscriptionStatusActive, periodEnd, periodEnd, id,
	)
	if err != nil {
		return fmt.Errorf("apply renewal: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) UpdateStatus(id int64, status string) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

// UpdatePlan refreshes the plan and its deep-action limit together so the
// two never drift apart.
func (s *SubscriptionStore) UpdatePlan(id int64, plan string, deepLimit int) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET plan = ?, monthly_deep_limit = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		plan, deepLimit, id,
	)
	if err != nil {
		return fmt.Errorf("update subscription plan: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) SetCancelAtPeriodEnd(id int64, cancel bool) error {
	var v int
	if cancel {
		v = 1
	}
	_, err := s.db.Exec(
		`UPDATE subscriptions SET cancel_at_period_end = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		v, id,
	)
	if err != nil {
		return fmt.Errorf("set cancel at period end: %w", err)
	}
	return nil
}

// IncrementDeepUsed records one metered deep action against the plan limit.
// The counter only ever goes up; renewal is the sole reset path.
func (s *SubscriptionStore) IncrementDeepUsed(id int64) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET monthly_deep_used = monthly_deep_used + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("increment deep used: %w", err)
	}
	return nil
}
