package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

type AddonHandler struct {
	stripe        *billing.Client
	subscriptions *store.SubscriptionStore
	addons        *store.AddonStore
	logger        *slog.Logger
}

func NewAddonHandler(sc *billing.Client, subs *store.SubscriptionStore, addons *store.AddonStore, logger *slog.Logger) *AddonHandler {
	return &AddonHandler{stripe: sc, subscriptions: subs, addons: addons, logger: logger}
}

// Purchase charges for a one-off add-on. Like credit packs, the grant itself
// only happens when the payment webhook confirms the charge.
func (h *AddonHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	var req struct {
		Addon           string `json:"addon"`
		PaymentMethodID string `json:"paymentMethodId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	addon, ok := entitlement.AddonByKey(req.Addon)
	if !ok {
		BadRequest(w, "unknown addon")
		return
	}
	if req.PaymentMethodID == "" {
		BadRequest(w, "paymentMethodId is required")
		return
	}

	current, err := h.addons.GetCurrent(user.ID, addon.Key, time.Now().UTC())
	if err != nil {
		h.logger.Error("get addon grant", "error", err)
		InternalError(w)
		return
	}
	if current != nil {
		Conflict(w, "addon already active")
		return
	}

	customerID, err := ensureCustomerID(h.stripe, h.subscriptions, user)
	if err != nil {
		h.logger.Error("ensure stripe customer", "error", err)
		UpstreamError(w)
		return
	}

	intent, err := h.stripe.CreatePaymentIntent(customerID, req.PaymentMethodID, addon.AmountCents, map[string]string{
		"kind":    "addon",
		"addon":   addon.Key,
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
		"addon":          addon.Key,
	})
}

// List returns the user's currently active add-on grants.
func (h *AddonHandler) List(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())

	grants, err := h.addons.ListCurrent(user.ID, time.Now().UTC())
	if err != nil {
		h.logger.Error("list addons", "error", err)
		InternalError(w)
		return
	}
	if grants == nil {
		grants = []*model.AddonGrant{}
	}
	writeJSON(w, http.StatusOK, grants)
}
