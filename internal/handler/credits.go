package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

type CreditsHandler struct {
	stripe        *billing.Client
	subscriptions *store.SubscriptionStore
	credits       *store.CreditStore
	logger        *slog.Logger
}

func NewCreditsHandler(sc *billing.Client, subs *store.SubscriptionStore, credits *store.CreditStore, logger *slog.Logger) *CreditsHandler {
	return &CreditsHandler{stripe: sc, subscriptions: subs, credits: credits, logger: logger}
}

// Purchase charges for a credit pack. Credits are NOT granted here: the
// balance only moves when the payment_intent.succeeded webhook lands, so a
// charge that never settles never mints credits.
func (h *CreditsHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		Pack            string `json:"pack"`
		PaymentMethodID string `json:"paymentMethodId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	pack, ok := entitlement.CreditPackByKey(req.Pack)
	if !ok {
		BadRequest(w, "unknown credit pack")
		return
	}
	if req.PaymentMethodID == "" {
		BadRequest(w, "paymentMethodId is required")
		return
	}

	customerID, err := ensureCustomerID(h.stripe, h.subscriptions, user)
	if err != nil {
		h.logger.Error("ensure stripe customer", "error", err)
		UpstreamError(w)
		return
	}

	intent, err := h.stripe.CreatePaymentIntent(customerID, req.PaymentMethodID, pack.AmountCents, map[string]string{
		"kind":    "credit_pack",
		"pack":    pack.Key,
		"credits": strconv.Itoa(pack.Credits),
		"user_id": strconv.FormatInt(user.ID, 10),
	})
	if err != nil {
		h.logger.Error("create payment intent", "error", err)
		if billing.IsCardError(err) {
			PaymentRequired(w, billing.ErrorMessage(err))
			return
		}
		UpstreamError(w)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"payment_intent": intent.ID,
		"status":         string(intent.Status),
		"credits":        pack.Credits,
	})
}

// Balance returns the current credit balance.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	bal, err := h.credits.Get(user.ID)
	if err != nil {
		h.logger.Error("get balance", "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// History returns the most recent credit ledger entries, newest first.
func (h *CreditsHandler) History(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.credits.History(user.ID, limit)
	if err != nil {
		h.logger.Error("credit history", "error", err)
		InternalError(w)
		return
	}
	if entries == nil {
		entries = []*model.CreditLedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ensureCustomerID reuses the Stripe customer from the user's subscription
// row when one exists, otherwise creates a fresh customer.
func ensureCustomerID(sc *billing.Client, subs *store.SubscriptionStore, user *model.User) (string, error) {
	sub, err := subs.GetByUserID(user.ID)
	if err != nil {
		return "", err
	}
	if sub != nil && sub.StripeCustomerID != nil && *sub.StripeCustomerID != "" {
		return *sub.StripeCustomerID, nil
	}
	return sc.CreateCustomer(user.Email, user.ID)
}
