package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/somnolog/somnolog/internal/database"
	"github.com/somnolog/somnolog/internal/model"
	"github.com/somnolog/somnolog/internal/store"
	billing "github.com/somnolog/somnolog/internal/stripe"
)

const testWebhookSecret = "whsec_test_secret"

type webhookFixture struct {
	h     *WebhookHandler
	users *store.UserStore
	subs  *store.SubscriptionStore
	creds *store.CreditStore
	adds  *store.AddonStore
}

func setupWebhookTest(t *testing.T) *webhookFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	subs := store.NewSubscriptionStore(db)
	creds := store.NewCreditStore(db)
	adds := store.NewAddonStore(db)

	sc := billing.NewClient(billing.Config{
		SecretKey:     "sk_test_x",
		WebhookSecret: testWebhookSecret,
		BasicPriceID:  "price_basic",
		ProPriceID:    "price_pro",
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(sc, subs, creds, adds, users, nil, nil, logger)

	return &webhookFixture{h: h, users: users, subs: subs, creds: creds, adds: adds}
}

// signedRequest builds a webhook POST with a valid Stripe-Signature header.
func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, sig))
	return req
}

func (f *webhookFixture) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.h.HandleStripe(rec, signedRequest(t, payload))
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := setupWebhookTest(t)

	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{"type":"invoice.paid"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	f.h.HandleStripe(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookAcceptsOtherAPIVersions(t *testing.T) {
	f := setupWebhookTest(t)

	// The dashboard controls the endpoint's API version; a signed event on
	// an older version must still verify.
	rec := f.deliver(t, `{"id":"evt_v","api_version":"2023-10-16","type":"charge.refund.updated","data":{"object":{}}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookAcknowledgesUnknownEventTypes(t *testing.T) {
	f := setupWebhookTest(t)

	rec := f.deliver(t, `{"id":"evt_1","type":"charge.refund.updated","data":{"object":{}}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookCreditPackGrantAndReplay(t *testing.T) {
	f := setupWebhookTest(t)
	user, _ := f.users.Create("buyer@example.com", "hash", "", "en")

	payload := fmt.Sprintf(`{
		"id": "evt_pi_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_100",
			"metadata": {"kind": "credit_pack", "pack": "pack_10", "credits": "10", "user_id": "%d"}
		}}
	}`, user.ID)

	if rec := f.deliver(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, body %s", rec.Code, rec.Body)
	}
	bal, _ := f.creds.Get(user.ID)
	if bal.Balance != 10 {
		t.Fatalf("balance = %d, want 10", bal.Balance)
	}

	// Stripe redelivers; the intent ID dedupes the grant.
	if rec := f.deliver(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	bal, _ = f.creds.Get(user.ID)
	if bal.Balance != 10 {
		t.Errorf("balance after replay = %d, want 10", bal.Balance)
	}
}

func TestWebhookAddonGrantAndReplay(t *testing.T) {
	f := setupWebhookTest(t)
	user, _ := f.users.Create("export@example.com", "hash", "", "en")

	payload := fmt.Sprintf(`{
		"id": "evt_pi_2",
		"type": "payment_intent.succeeded",
		"data": {"object": {
			"id": "pi_200",
			"metadata": {"kind": "addon", "addon": "therapist_export", "user_id": "%d"}
		}}
	}`, user.ID)

	if rec := f.deliver(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("delivery status = %d, body %s", rec.Code, rec.Body)
	}
	grant, _ := f.adds.GetCurrent(user.ID, "therapist_export", time.Now().UTC())
	if grant == nil {
		t.Fatal("addon not granted")
	}

	if rec := f.deliver(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	grants, _ := f.adds.ListCurrent(user.ID, time.Now().UTC())
	if len(grants) != 1 {
		t.Errorf("grants after replay = %d, want 1", len(grants))
	}
}

func TestWebhookIgnoresForeignPaymentIntents(t *testing.T) {
	f := setupWebhookTest(t)

	// No user_id metadata: a subscription invoice's own payment intent.
	rec := f.deliver(t, `{
		"id": "evt_pi_3",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_300", "metadata": {}}}
	}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestWebhookPaymentFailureParksPastDue(t *testing.T) {
	f := setupWebhookTest(t)
	user, _ := f.users.Create("pastdue@example.com", "hash", "", "en")
	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	if _, err := f.subs.CreateProvisional(user.ID, "cus_1", "sub_55", "pro", "active", &end, 100); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	rec := f.deliver(t, `{
		"id": "evt_inv_1",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_1",
			"parent": {"subscription_details": {"subscription": "sub_55"}}
		}}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	sub, _ := f.subs.GetByUserID(user.ID)
	if sub.Status != model.SubscriptionStatusPastDue {
		t.Errorf("status = %q, want past_due", sub.Status)
	}
}

func TestWebhookSubscriptionUpdatedMirrorsState(t *testing.T) {
	f := setupWebhookTest(t)
	user, _ := f.users.Create("updated@example.com", "hash", "", "en")
	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	if _, err := f.subs.CreateProvisional(user.ID, "cus_1", "sub_77", "basic", "active", &end, 0); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	newEnd := time.Now().UTC().Add(60 * 24 * time.Hour).Unix()
	rec := f.deliver(t, fmt.Sprintf(`{
		"id": "evt_sub_1",
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_77",
			"status": "active",
			"cancel_at_period_end": true,
			"items": {"data": [{"current_period_end": %d, "price": {"id": "price_pro"}}]}
		}}
	}`, newEnd))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	sub, _ := f.subs.GetByUserID(user.ID)
	if !sub.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end not mirrored")
	}
	if sub.Plan != "pro" || sub.MonthlyDeepLimit != 100 {
		t.Errorf("plan = %q limit = %d, want pro/100", sub.Plan, sub.MonthlyDeepLimit)
	}
	if sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.Unix() != newEnd {
		t.Errorf("current_period_end = %v, want unix %d", sub.CurrentPeriodEnd, newEnd)
	}
}

func TestWebhookIncompleteCheckoutDoesNotBlockRetry(t *testing.T) {
	f := setupWebhookTest(t)
	user, _ := f.users.Create("abandoned@example.com", "hash", "", "en")
	if _, err := f.subs.CreateProvisional(user.ID, "cus_1", "sub_99", "basic", "incomplete", nil, 0); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	rec := f.deliver(t, `{
		"id": "evt_sub_3",
		"type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_99", "status": "incomplete"}}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	// An abandoned first payment must not park the row in past_due, which
	// would 409 the user's next checkout attempt.
	sub, _ := f.subs.GetByUserID(user.ID)
	if sub.Status != model.SubscriptionStatusCanceled {
		t.Errorf("status = %q, want canceled", sub.Status)
	}
}

func TestWebhookSubscriptionDeleted(t *testing.T) {
	f := setupWebhookTest(t)
	user, _ := f.users.Create("deleted@example.com", "hash", "", "en")
	end := time.Now().UTC().Add(30 * 24 * time.Hour)
	sub, err := f.subs.CreateProvisional(user.ID, "cus_1", "sub_88", "pro", "active", &end, 100)
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if err := f.subs.SetCancelAtPeriodEnd(sub.ID, true); err != nil {
		t.Fatalf("set cancel: %v", err)
	}

	rec := f.deliver(t, `{
		"id": "evt_sub_2",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_88", "status": "canceled"}}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	got, _ := f.subs.GetByUserID(user.ID)
	if got.Status != model.SubscriptionStatusCanceled {
		t.Errorf("status = %q, want canceled", got.Status)
	}
	if got.CancelAtPeriodEnd {
		t.Error("cancel flag should clear once the subscription ends")
	}
}

func TestWebhookEventForUnknownSubscriptionIsAcknowledged(t *testing.T) {
	f := setupWebhookTest(t)

	rec := f.deliver(t, `{
		"id": "evt_inv_2",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_2",
			"parent": {"subscription_details": {"subscription": "sub_unknown"}}
		}}
	}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
