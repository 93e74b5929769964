package stripe

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	BasicPriceID  string
	ProPriceID    string
	Currency      string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Client{cfg: cfg}
}

// CreateCustomer creates a Stripe customer and returns the customer ID.
// The user ID rides along in metadata so webhooks can always map back.
func (c *Client) CreateCustomer(email string, userID int64) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.AddMetadata("user_id", fmt.Sprintf("%d", userID))
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// AttachPaymentMethod attaches a payment method to a customer and makes it
// the default for invoices.
func (c *Client) AttachPaymentMethod(customerID, paymentMethodID string) error {
	_, err := paymentmethod.Attach(paymentMethodID, &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}
	_, err = customer.Update(customerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}
	return nil
}

// CreateSubscription creates the remote subscription for a plan's price.
// A fresh idempotency key guards against double-submits from the client.
func (c *Client) CreateSubscription(customerID, priceID string, userID int64) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
	}
	params.AddMetadata("user_id", fmt.Sprintf("%d", userID))
	params.SetIdempotencyKey(uuid.NewString())
	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription fetches the authoritative remote subscription state.
func (c *Client) GetSubscription(subscriptionID string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(subscriptionID, nil)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// CancelAtPeriodEnd schedules a graceful cancellation; the subscription
// stays active until the paid period runs out.
func (c *Client) CancelAtPeriodEnd(subscriptionID string) error {
	_, err := subscription.Update(subscriptionID, &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// CreatePaymentIntent creates and confirms a one-off payment. Metadata
// carries what the webhook needs to finalize the entitlement.
func (c *Client) CreatePaymentIntent(customerID, paymentMethodID string, amountCents int64, metadata map[string]string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(c.cfg.Currency),
		Customer:      stripe.String(customerID),
		PaymentMethod: stripe.String(paymentMethodID),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(uuid.NewString())
	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return intent, nil
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
// The endpoint's API version is set in the Stripe dashboard, not pinned to
// this SDK build, so a version mismatch alone must not reject the event;
// signature verification still applies in full.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// PriceIDForPlan returns the Stripe price ID for a plan key, or "" for an
// unknown plan.
func (c *Client) PriceIDForPlan(plan string) string {
	switch plan {
	case "basic":
		return c.cfg.BasicPriceID
	case "pro":
		return c.cfg.ProPriceID
	}
	return ""
}

// PlanForPrice maps a Stripe price ID back to a plan key. Unknown price IDs
// return false so callers leave the stored plan untouched.
func (c *Client) PlanForPrice(priceID string) (string, bool) {
	switch priceID {
	case c.cfg.BasicPriceID:
		return "basic", priceID != ""
	case c.cfg.ProPriceID:
		return "pro", priceID != ""
	}
	return "", false
}

// PeriodEnd extracts the current period end from a remote subscription.
// Stripe reports it per subscription item.
func PeriodEnd(sub *stripe.Subscription) *time.Time {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.CurrentPeriodEnd > 0 {
			t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			return &t
		}
	}
	return nil
}

// PriceID extracts the first item's price ID from a remote subscription.
func PriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return item.Price.ID
		}
	}
	return ""
}

// IsCardError reports whether the provider rejected the card itself, as
// opposed to an outage or API failure. Card declines surface to the user
// with the provider's message; everything else maps to a generic 502.
func IsCardError(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Type == stripe.ErrorTypeCard
	}
	return false
}

// ErrorMessage returns the provider's user-facing message for a card error.
func ErrorMessage(err error) string {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
		return stripeErr.Msg
	}
	return "payment failed"
}
