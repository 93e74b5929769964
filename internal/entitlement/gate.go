package entitlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
)

// ErrQuotaExceeded is the metering denial: no active subscription headroom,
// no credits, no free allotment.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Mode names the counter a granted action consumes from.
type Mode string

const (
	ModeSubscription Mode = "subscription"         // active plan, unmetered
	ModeMetered      Mode = "subscription_metered" // active plan, counts against the deep limit
	ModeCredits      Mode = "credits"
	ModeFree         Mode = "free_allotment"
)

// Decision is a granted permission plus the consumption to apply once the
// billable action has actually succeeded.
type Decision struct {
	UserID int64
	Action Action
	Mode   Mode
	Cost   int // credits, only for ModeCredits

	subscriptionID int64
	monthStart     time.Time
}

// Gate makes the synchronous allow/deny decision before a billable action
// and applies the matching consumption afterwards. Nothing is ever debited
// speculatively; a failed action costs the user nothing.
type Gate struct {
	subscriptions *store.SubscriptionStore
	credits       *store.CreditStore
	users         *store.UserStore
	now           func() time.Time
}

func NewGate(subs *store.SubscriptionStore, credits *store.CreditStore, users *store.UserStore) *Gate {
	return &Gate{
		subscriptions: subs,
		credits:       credits,
		users:         users,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the gate's clock. Test hook.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Check decides whether the user may perform the action and which counter
// would pay for it. Returns ErrQuotaExceeded on denial.
func (g *Gate) Check(userID int64, action Action) (*Decision, error) {
	now := g.now()

	sub, err := g.subscriptions.GetByUserID(userID)
	if err != nil {
		return nil, err
	}
	if sub != nil && sub.IsActive(now) {
		// Subscription entitlement bypasses metering, except that plans
		// with a finite deep allotment still count deep actions.
		if action.Metered() && sub.MonthlyDeepLimit > 0 {
			if sub.MonthlyDeepUsed >= sub.MonthlyDeepLimit {
				return nil, fmt.Errorf("monthly deep limit reached (%d/%d): %w",
					sub.MonthlyDeepUsed, sub.MonthlyDeepLimit, ErrQuotaExceeded)
			}
			return &Decision{UserID: userID, Action: action, Mode: ModeMetered, subscriptionID: sub.ID}, nil
		}
		return &Decision{UserID: userID, Action: action, Mode: ModeSubscription}, nil
	}

	// No active subscription: credits first, then the free monthly allotment.
	cost := action.CreditCost()
	bal, err := g.credits.Get(userID)
	if err != nil {
		return nil, err
	}
	if bal.Balance >= cost {
		return &Decision{UserID: userID, Action: action, Mode: ModeCredits, Cost: cost}, nil
	}

	user, err := g.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	monthStart := monthStartOf(now)
	if FreeRemaining(user, now) > 0 {
		return &Decision{UserID: userID, Action: action, Mode: ModeFree, monthStart: monthStart}, nil
	}

	return nil, ErrQuotaExceeded
}

// Consume applies the decision's debit. Call only after the billable action
// itself succeeded.
func (g *Gate) Consume(d *Decision) error {
	switch d.Mode {
	case ModeSubscription:
		return nil
	case ModeMetered:
		return g.subscriptions.IncrementDeepUsed(d.subscriptionID)
	case ModeCredits:
		return g.credits.Spend(d.UserID, d.Cost, "action:"+string(d.Action))
	case ModeFree:
		return g.users.IncrementFreeDeep(d.UserID, d.monthStart)
	default:
		return fmt.Errorf("unknown consumption mode %q", d.Mode)
	}
}

// FreeRemaining returns the user's remaining free allotment at now,
// accounting for the calendar-month rollover without writing anything.
func FreeRemaining(user *model.User, now time.Time) int {
	used := user.FreeDeepUsed
	if user.FreePeriodStart.Before(monthStartOf(now)) {
		used = 0
	}
	remaining := FreeDeepPerMonth - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

func monthStartOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
