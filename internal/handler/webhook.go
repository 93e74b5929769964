package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/somnolog/somnolog/internal/email"
	"github.com/somnolog/somnolog/internal/entitlement"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/push"
	"github.com/somnolog/somnolog/internal/store"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

const maxWebhookBody = 64 * 1024

// WebhookHandler reconciles provider events into local entitlement state.
// The provider is the source of truth: every handler here moves the local
// row toward what the event (or a re-fetch) says, and every write path is
// idempotent so redelivered events converge instead of double-applying.
type WebhookHandler struct {
	stripe        *billing.Client
	subscriptions *store.SubscriptionStore
	credits       *store.CreditStore
	addons        *store.AddonStore
	users         *store.UserStore
	email         *email.Client
	notifier      *push.Notifier
	logger        *slog.Logger
}

func NewWebhookHandler(
	sc *billing.Client,
	subs *store.SubscriptionStore,
	credits *store.CreditStore,
	addons *store.AddonStore,
	users *store.UserStore,
	ec *email.Client,
	notifier *push.Notifier,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		stripe:        sc,
		subscriptions: subs,
		credits:       credits,
		addons:        addons,
		users:         users,
		email:         ec,
		notifier:      notifier,
		logger:        logger,
	}
}

// HandleStripe verifies and dispatches one provider event. A failed state
// application returns non-2xx so the provider redelivers; acknowledging an
// event we could not apply would silently drop it.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		BadRequest(w, "could not read body")
		return
	}

	event, err := h.stripe.ConstructWebhookEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		BadRequest(w, "invalid signature")
		return
	}

	h.logger.Info("stripe event", "type", event.Type, "id", event.ID)

	switch event.Type {
	case "invoice.paid":
		err = h.handleInvoicePaid(event)
	case "invoice.payment_failed":
		err = h.handleInvoicePaymentFailed(event)
	case "customer.subscription.updated":
		err = h.handleSubscriptionUpdated(event)
	case "customer.subscription.deleted":
		err = h.handleSubscriptionDeleted(event)
	case "payment_intent.succeeded":
		err = h.handlePaymentIntentSucceeded(event)
	default:
		// Unrecognized event types are acknowledged so the provider does
		// not retry them forever.
		h.logger.Debug("ignoring stripe event", "type", event.Type)
	}

	if err != nil {
		h.logger.Error("apply stripe event", "type", event.Type, "id", event.ID, "error", err)
		InternalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// invoiceSubscriptionID digs the subscription ID out of an invoice. On v82
// invoices carry it under the parent's subscription details.
func invoiceSubscriptionID(inv *stripelib.Invoice) string {
	if inv == nil || inv.Parent == nil || inv.Parent.SubscriptionDetails == nil {
		return ""
	}
	if sub := inv.Parent.SubscriptionDetails.Subscription; sub != nil {
		return sub.ID
	}
	return ""
}

// handleInvoicePaid is the renewal path. The invoice only proves payment;
// the new period end comes from re-fetching the subscription, so a stale or
// replayed event still converges on current remote state.
func (h *WebhookHandler) handleInvoicePaid(event stripelib.Event) error {
	var inv stripelib.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	subID := invoiceSubscriptionID(&inv)
	if subID == "" {
		// One-off invoices have no subscription; nothing to renew.
		return nil
	}

	local, err := h.subscriptions.GetByStripeID(subID)
	if err != nil {
		return err
	}
	if local == nil {
		h.logger.Warn("invoice for unknown subscription", "stripe_subscription", subID)
		return nil
	}

	remote, err := h.stripe.GetSubscription(subID)
	if err != nil {
		return fmt.Errorf("refetch subscription: %w", err)
	}

	periodEnd := billing.PeriodEnd(remote)
	if periodEnd == nil {
		return fmt.Errorf("subscription %s has no period end", subID)
	}

	if err := h.subscriptions.ApplyRenewal(local.ID, *periodEnd); err != nil {
		return err
	}

	if plan, ok := h.stripe.PlanForPrice(billing.PriceID(remote)); ok && plan != local.Plan {
		p, found := entitlement.PlanByKey(plan)
		if found {
			if err := h.subscriptions.UpdatePlan(local.ID, p.Key, p.MonthlyDeepLimit); err != nil {
				return err
			}
		}
	}

	h.notify(local.UserID, push.Payload{
		Title: "Subscription renewed",
		Body:  "Your plan is paid up for another period.",
		URL:   "/account",
	})
	return nil
}

// handleInvoicePaymentFailed parks the subscription in past_due. The gate
// treats past_due as not entitled; recovery happens when a later invoice
// pays and the renewal path reactivates the row.
func (h *WebhookHandler) handleInvoicePaymentFailed(event stripelib.Event) error {
	var inv stripelib.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	subID := invoiceSubscriptionID(&inv)
	if subID == "" {
		return nil
	}

	local, err := h.subscriptions.GetByStripeID(subID)
	if err != nil {
		return err
	}
	if local == nil {
		h.logger.Warn("payment failure for unknown subscription", "stripe_subscription", subID)
		return nil
	}

	if err := h.subscriptions.UpdateStatus(local.ID, model.SubscriptionStatusPastDue); err != nil {
		return err
	}

	h.notify(local.UserID, push.Payload{
		Title: "Payment failed",
		Body:  "Your subscription payment did not go through. Update your card to keep your plan.",
		URL:   "/account/billing",
	})
	return nil
}

// handleSubscriptionUpdated mirrors status, cancellation intent, plan, and
// period end from the event's subscription object.
func (h *WebhookHandler) handleSubscriptionUpdated(event stripelib.Event) error {
	var remote stripelib.Subscription
	if err := json.Unmarshal(event.Data.Raw, &remote); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	local, err := h.subscriptions.GetByStripeID(remote.ID)
	if err != nil {
		return err
	}
	if local == nil {
		h.logger.Warn("update for unknown subscription", "stripe_subscription", remote.ID)
		return nil
	}

	status := localStatus(remote.Status)
	cancel := remote.CancelAtPeriodEnd
	f := store.UpsertFields{
		Status:            &status,
		CancelAtPeriodEnd: &cancel,
	}
	if pe := billing.PeriodEnd(&remote); pe != nil {
		f.CurrentPeriodEnd = pe
	}
	if plan, ok := h.stripe.PlanForPrice(billing.PriceID(&remote)); ok {
		if spec, found := entitlement.PlanByKey(plan); found {
			f.Plan = &spec.Key
			limit := spec.MonthlyDeepLimit
			f.MonthlyDeepLimit = &limit
		}
	}

	return h.subscriptions.Upsert(local.UserID, f)
}

// handleSubscriptionDeleted ends the subscription locally.
func (h *WebhookHandler) handleSubscriptionDeleted(event stripelib.Event) error {
	var remote stripelib.Subscription
	if err := json.Unmarshal(event.Data.Raw, &remote); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	local, err := h.subscriptions.GetByStripeID(remote.ID)
	if err != nil {
		return err
	}
	if local == nil {
		return nil
	}

	if err := h.subscriptions.UpdateStatus(local.ID, model.SubscriptionStatusCanceled); err != nil {
		return err
	}
	return h.subscriptions.SetCancelAtPeriodEnd(local.ID, false)
}

// handlePaymentIntentSucceeded finalizes one-off purchases. The intent's
// metadata names the product; the intent ID is the idempotency key, so a
// redelivered event grants nothing twice.
func (h *WebhookHandler) handlePaymentIntentSucceeded(event stripelib.Event) error {
	var intent stripelib.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("parse payment intent: %w", err)
	}

	userID, err := strconv.ParseInt(intent.Metadata["user_id"], 10, 64)
	if err != nil || userID == 0 {
		// Not one of ours (e.g. a subscription invoice's intent).
		return nil
	}

	switch intent.Metadata["kind"] {
	case "credit_pack":
		return h.applyCreditPurchase(userID, &intent)
	case "addon":
		return h.applyAddonPurchase(userID, &intent)
	}
	return nil
}

func (h *WebhookHandler) applyCreditPurchase(userID int64, intent *stripelib.PaymentIntent) error {
	packKey := intent.Metadata["pack"]
	credits, err := strconv.Atoi(intent.Metadata["credits"])
	if err != nil || credits <= 0 {
		pack, ok := entitlement.CreditPackByKey(packKey)
		if !ok {
			return fmt.Errorf("payment intent %s has no usable credit amount", intent.ID)
		}
		credits = pack.Credits
	}

	applied, err := h.credits.Grant(userID, credits, "purchase:"+packKey, intent.ID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	h.sendReceipt(userID, fmt.Sprintf("%d dream credits", credits))
	h.notify(userID, push.Payload{
		Title: "Credits added",
		Body:  fmt.Sprintf("%d credits are now on your account.", credits),
		URL:   "/account/credits",
	})
	return nil
}

func (h *WebhookHandler) applyAddonPurchase(userID int64, intent *stripelib.PaymentIntent) error {
	addonKey := intent.Metadata["addon"]
	addon, ok := entitlement.AddonByKey(addonKey)
	if !ok {
		return fmt.Errorf("payment intent %s names unknown addon %q", intent.ID, addonKey)
	}

	var expiresAt *time.Time
	if addon.ValidFor > 0 {
		t := time.Now().UTC().Add(addon.ValidFor)
		expiresAt = &t
	}

	applied, err := h.addons.Grant(userID, addon.Key, expiresAt)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	h.sendReceipt(userID, addon.Key)
	h.notify(userID, push.Payload{
		Title: "Purchase complete",
		Body:  "Your " + addon.Key + " add-on is now active.",
		URL:   "/account",
	})
	return nil
}

func (h *WebhookHandler) sendReceipt(userID int64, item string) {
	if h.email == nil || !h.email.Configured() {
		return
	}
	user, err := h.users.GetByID(userID)
	if err != nil || user == nil || user.IsDeleted() {
		return
	}
	if err := h.email.SendReceipt(user.Email, item); err != nil {
		h.logger.Warn("send receipt email", "error", err, "user", userID)
	}
}

func (h *WebhookHandler) notify(userID int64, payload push.Payload) {
	if h.notifier != nil {
		h.notifier.Notify(userID, payload)
	}
}

// localStatus collapses the provider's status vocabulary onto ours. Anything
// not clearly active or past_due counts as canceled for entitlement purposes.
// incomplete lands in canceled: an abandoned first payment must not hold the
// one-subscription slot and 409 the user's retry.
func localStatus(s stripelib.SubscriptionStatus) string {
	switch s {
	case stripelib.SubscriptionStatusActive, stripelib.SubscriptionStatusTrialing:
		return model.SubscriptionStatusActive
	case stripelib.SubscriptionStatusPastDue, stripelib.SubscriptionStatusUnpaid:
		return model.SubscriptionStatusPastDue
	default:
		return model.SubscriptionStatusCanceled
	}
}
