// internal/payment/stripe.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"diet-report/config"
	"diet-report/internal/apperr"

	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"
)

type StripeClient struct {
	secretKey     string
	webhookSecret string
	currency      string
	successURL    string
	cancelURL     string
}

func NewStripeClient(cfg config.StripeConfig) *StripeClient {
	// Set the secret key for backend operations
	stripe.Key = cfg.SecretKey

	return &StripeClient{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookKey,
		currency:      strings.ToLower(cfg.Currency),
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

func (s *StripeClient) ensureKey() {
	if stripe.Key != s.secretKey {
		stripe.Key = s.secretKey
	}
}

func withSession(url, token string) string {
	return strings.ReplaceAll(url, "{SESSION}", token)
}

// CreateCheckoutSession charges exactly the quoted final price. The session
// token travels as the client reference so the webhook can find the session.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, sessionToken string, q Quote) (string, string, error) {
	s.ensureKey()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(s.currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(q.TierName),
					},
					UnitAmount: stripe.Int64(q.FinalCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(withSession(s.successURL, sessionToken)),
		CancelURL:         stripe.String(withSession(s.cancelURL, sessionToken)),
		ClientReferenceID: stripe.String(sessionToken),
	}
	params.Context = ctx
	params.AddMetadata("tier_id", q.TierID)
	if q.CouponCode != "" {
		params.AddMetadata("coupon_code", q.CouponCode)
	}

	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess.ID, sess.URL, nil
}

// VerifyPayment fetches the checkout session behind reference and checks it
// was paid, for this session, for the expected amount.
func (s *StripeClient) VerifyPayment(ctx context.Context, reference, sessionToken string, amountCents int64) error {
	s.ensureKey()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := session.Get(reference, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return fmt.Errorf("%w: unknown checkout %s", apperr.ErrPaymentUnverified, reference)
		}
		return fmt.Errorf("failed to fetch checkout session: %w", err)
	}

	switch {
	case cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid:
		return fmt.Errorf("%w: checkout %s is %s", apperr.ErrPaymentUnverified, reference, cs.PaymentStatus)
	case cs.ClientReferenceID != sessionToken:
		return fmt.Errorf("%w: checkout %s belongs to another session", apperr.ErrPaymentUnverified, reference)
	case cs.AmountTotal != amountCents:
		return fmt.Errorf("%w: checkout %s charged %d, expected %d", apperr.ErrPaymentUnverified, reference, cs.AmountTotal, amountCents)
	}
	return nil
}

// CompletedCheckout is a paid checkout reported by the webhook.
type CompletedCheckout struct {
	Reference    string
	SessionToken string
}

// ParseWebhook verifies the signature and extracts a paid checkout. Events
// that do not complete a payment return nil.
func (s *StripeClient) ParseWebhook(payload []byte, sig string) (*CompletedCheckout, error) {
	if s.webhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is not configured")
	}
	event, err := webhook.ConstructEvent(payload, sig, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: bad webhook signature: %v", apperr.ErrValidation, err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		return nil, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("%w: malformed checkout session: %v", apperr.ErrValidation, err)
	}
	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid || cs.ClientReferenceID == "" {
		return nil, nil
	}
	return &CompletedCheckout{Reference: cs.ID, SessionToken: cs.ClientReferenceID}, nil
}
