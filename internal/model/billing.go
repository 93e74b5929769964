package model

import "time"

// Subscription statuses mirror Stripe's vocabulary. "none" is the local
// placeholder for a user who has never subscribed.
const (
	SubscriptionStatusNone     = "none"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// PlanNone marks a subscription row created before any plan is known, e.g. a
// webhook-initiated upsert that only carried status fields.
const PlanNone = "none"

type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               int64      `json:"user_id"`
	StripeCustomerID     *string    `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	MonthlyDeepLimit     int        `json:"monthly_deep_limit"`
	MonthlyDeepUsed      int        `json:"monthly_deep_used"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsActive reports whether the subscription currently grants entitlements.
// past_due is deliberately not active: a failed payment suspends access.
func (s *Subscription) IsActive(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	if s.CurrentPeriodEnd != nil && now.After(*s.CurrentPeriodEnd) {
		return false
	}
	return true
}

type CreditBalance struct {
	UserID         int64     `json:"user_id"`
	Balance        int       `json:"balance"`
	LifetimeEarned int       `json:"lifetime_earned"`
	LifetimeSpent  int       `json:"lifetime_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreditLedgerEntry records a single grant or spend. ProviderRef carries the
// Stripe payment intent ID for purchased credits and makes grants replay-safe.
type CreditLedgerEntry struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Delta       int       `json:"delta"`
	Reason      string    `json:"reason"`
	ProviderRef *string   `json:"provider_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type AddonGrant struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	AddonKey    string     `json:"addon_key"`
	Active      bool       `json:"active"`
	PurchasedAt time.Time  `json:"purchased_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsCurrent reports whether the grant is active and unexpired at now.
// Expiry is checked lazily; there is no background sweep.
func (g *AddonGrant) IsCurrent(now time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return false
	}
	return true
}
