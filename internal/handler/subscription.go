package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

type SubscriptionHandler struct {
	stripe        *billing.Client
	subscriptions *store.SubscriptionStore
	credits       *store.CreditStore
	addons        *store.AddonStore
	logger        *slog.Logger
}

func NewSubscriptionHandler(
	sc *billing.Client,
	subs *store.SubscriptionStore,
	credits *store.CreditStore,
	addons *store.AddonStore,
	logger *slog.Logger,
) *SubscriptionHandler {
	return &SubscriptionHandler{
		stripe:        sc,
		subscriptions: subs,
		credits:       credits,
		addons:        addons,
		logger:        logger,
	}
}

// Create starts a subscription: remote objects first, then a provisional
// local row. The webhook reconciler owns every later status change.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		Plan            string `json:"plan"`
		PaymentMethodID string `json:"paymentMethodId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	plan, ok := entitlement.PlanByKey(req.Plan)
	if !ok {
		BadRequest(w, "unknown plan")
		return
	}
	if req.PaymentMethodID == "" {
		BadRequest(w, "paymentMethodId is required")
		return
	}

	existing, err := h.subscriptions.GetByUserID(user.ID)
	if err != nil {
		h.logger.Error("get subscription", "error", err)
		InternalError(w)
		return
	}
	if existing != nil && (existing.Status == model.SubscriptionStatusActive || existing.Status == model.SubscriptionStatusPastDue) {
		Conflict(w, "an active subscription already exists")
		return
	}

	customerID := ""
	if existing != nil && existing.StripeCustomerID != nil {
		customerID = *existing.StripeCustomerID
	}
	if customerID == "" {
		customerID, err = h.stripe.CreateCustomer(user.Email, user.ID)
		if err != nil {
			h.logger.Error("create stripe customer", "error", err)
			UpstreamError(w)
			return
		}
	}

	if err := h.stripe.AttachPaymentMethod(customerID, req.PaymentMethodID); err != nil {
		h.logger.Error("attach payment method", "error", err)
		if billing.IsCardError(err) {
			PaymentRequired(w, billing.ErrorMessage(err))
			return
		}
		UpstreamError(w)
		return
	}

	remote, err := h.stripe.CreateSubscription(customerID, h.stripe.PriceIDForPlan(plan.Key), user.ID)
	if err != nil {
		h.logger.Error("create stripe subscription", "error", err)
		if billing.IsCardError(err) {
			PaymentRequired(w, billing.ErrorMessage(err))
			return
		}
		// Fail closed: no local write on provider failure or timeout.
		UpstreamError(w)
		return
	}

	status := string(remote.Status)
	periodEnd := billing.PeriodEnd(remote)

	var local *model.Subscription
	if existing == nil {
		local, err = h.subscriptions.CreateProvisional(user.ID, customerID, remote.ID, plan.Key, status, periodEnd, plan.MonthlyDeepLimit)
		if errors.Is(err, store.ErrSubscriptionExists) {
			// Lost a race with a concurrent checkout in another tab.
			Conflict(w, "an active subscription already exists")
			return
		}
	} else {
		cancel := false
		used := 0
		f := store.UpsertFields{
			StripeCustomerID:     &customerID,
			StripeSubscriptionID: &remote.ID,
			Plan:                 &plan.Key,
			Status:               &status,
			CurrentPeriodEnd:     periodEnd,
			CancelAtPeriodEnd:    &cancel,
			MonthlyDeepLimit:     &plan.MonthlyDeepLimit,
			MonthlyDeepUsed:      &used,
		}
		if err == nil {
			err = h.subscriptions.Upsert(user.ID, f)
		}
		if err == nil {
			local, err = h.subscriptions.GetByUserID(user.ID)
		}
	}
	if err != nil {
		h.logger.Error("write provisional subscription", "error", err)
		InternalError(w)
		return
	}

	writeJSON(w, http.StatusCreated, local)
}

// Cancel schedules a graceful, period-end cancellation. Local status stays
// untouched until the provider's deletion event arrives.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	sub, err := h.subscriptions.GetByUserID(user.ID)
	if err != nil {
		h.logger.Error("get subscription", "error", err)
		InternalError(w)
		return
	}
	if sub == nil || sub.Status != model.SubscriptionStatusActive || sub.StripeSubscriptionID == nil {
		NotFound(w, "no active subscription")
		return
	}
	if sub.CancelAtPeriodEnd {
		Conflict(w, "cancellation already scheduled")
		return
	}

	if err := h.stripe.CancelAtPeriodEnd(*sub.StripeSubscriptionID); err != nil {
		h.logger.Error("cancel stripe subscription", "error", err)
		UpstreamError(w)
		return
	}

	if err := h.subscriptions.SetCancelAtPeriodEnd(sub.ID, true); err != nil {
		h.logger.Error("set cancel at period end", "error", err)
		InternalError(w)
		return
	}

	sub, err = h.subscriptions.GetByUserID(user.ID)
	if err != nil {
		h.logger.Error("get subscription", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type statusResponse struct {
	Subscription  *model.Subscription  `json:"subscription,omitempty"`
	Credits       *model.CreditBalance `json:"credits"`
	Addons        []*model.AddonGrant  `json:"addons"`
	FreeRemaining int                  `json:"free_remaining"`
}

// Status is the consolidated entitlement view: plan, credits, add-ons, and
// the remaining free monthly allotment.
func (h *SubscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	now := time.Now().UTC()

	sub, err := h.subscriptions.GetByUserID(user.ID)
	if err != nil {
		h.logger.Error("get subscription", "error", err)
		InternalError(w)
		return
	}
	bal, err := h.credits.Get(user.ID)
	if err != nil {
		h.logger.Error("get credits", "error", err)
		InternalError(w)
		return
	}
	grants, err := h.addons.ListCurrent(user.ID, now)
	if err != nil {
		h.logger.Error("list addons", "error", err)
		InternalError(w)
		return
	}
	if grants == nil {
		grants = []*model.AddonGrant{}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Subscription:  sub,
		Credits:       bal,
		Addons:        grants,
		FreeRemaining: entitlement.FreeRemaining(user, now),
	})
}
