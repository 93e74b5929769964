package entitlement

import "time"

// Action classifies a billable request. Costs are strictly increasing with
// the tier.
type Action string

const (
	ActionBasic   Action = "basic"
	ActionDeep    Action = "deep"
	ActionPremium Action = "premium"
)

// CreditCost returns the credits a pay-as-you-go user spends on the action.
// Unknown classes fall back to the cheapest tier on purpose: an unrecognized
// but harmless metadata value should not hard-fail the request.
func (a Action) CreditCost() int {
	switch a {
	case ActionDeep:
		return 3
	case ActionPremium:
		return 5
	default:
		return 1
	}
}

// Metered reports whether the action counts against a plan's monthly deep
// allotment when one is defined.
func (a Action) Metered() bool {
	return a == ActionDeep
}

// FreeDeepPerMonth is the free-tier allotment of deep actions per calendar
// month, reset on the 1st.
const FreeDeepPerMonth = 2

// SignupCreditGrant is the one-time credit grant for new accounts.
const SignupCreditGrant = 5

// Plan describes a subscription plan's metering rules. MonthlyDeepLimit of
// zero means deep actions are unmetered on that plan.
type Plan struct {
	Key              string
	MonthlyDeepLimit int
}

const (
	PlanBasic = "basic"
	PlanPro   = "pro"
)

var plans = map[string]Plan{
	PlanBasic: {Key: PlanBasic, MonthlyDeepLimit: 0},
	PlanPro:   {Key: PlanPro, MonthlyDeepLimit: 100},
}

// PlanByKey returns the plan spec for a key.
func PlanByKey(key string) (Plan, bool) {
	p, ok := plans[key]
	return p, ok
}

// CreditPack is a purchasable one-off credit bundle.
type CreditPack struct {
	Key         string
	Credits     int
	AmountCents int64
}

var creditPacks = map[string]CreditPack{
	"pack_10": {Key: "pack_10", Credits: 10, AmountCents: 499},
	"pack_50": {Key: "pack_50", Credits: 50, AmountCents: 1999},
}

func CreditPackByKey(key string) (CreditPack, bool) {
	p, ok := creditPacks[key]
	return p, ok
}

// Addon is a one-off unlockable feature. A zero ValidFor means the grant
// never expires.
type Addon struct {
	Key         string
	AmountCents int64
	ValidFor    time.Duration
}

const (
	AddonTherapistExport = "therapist_export"
	AddonLucidityCourse  = "lucidity_course"
)

var addons = map[string]Addon{
	AddonTherapistExport: {Key: AddonTherapistExport, AmountCents: 999},
	AddonLucidityCourse:  {Key: AddonLucidityCourse, AmountCents: 2499, ValidFor: 365 * 24 * time.Hour},
}

func AddonByKey(key string) (Addon, bool) {
	a, ok := addons[key]
	return a, ok
}
