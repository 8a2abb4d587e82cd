package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/db"
	"diet-report/internal/keylock"
	"diet-report/internal/models"
	"diet-report/pkg/logger"

	"github.com/google/uuid"
)

// FreeReferencePrefix marks references minted for zero-price checkouts.
const FreeReferencePrefix = "free_"

type Repository interface {
	SaveCheckout(ctx context.Context, c *models.Checkout) error
	GetCheckout(ctx context.Context, sessionToken string) (*models.Checkout, error)
	UpsertCoupon(ctx context.Context, c *models.Coupon) error
	GetCoupon(ctx context.Context, code string) (*models.Coupon, error)
	GetConfirmation(ctx context.Context, sessionToken string) (*models.PaymentConfirmation, error)
	// InsertConfirmation also counts one use of the confirmation's coupon.
	InsertConfirmation(ctx context.Context, c *models.PaymentConfirmation) error
}

type Sessions interface {
	Get(ctx context.Context, token string) (*models.Session, error)
}

// ReportStarter is invoked once a payment is confirmed. Start must be
// idempotent per confirmation. Check reports whether the session's profile
// can produce a report at all.
type ReportStarter interface {
	Check(ctx context.Context, sessionToken string) error
	Start(ctx context.Context, conf *models.PaymentConfirmation) (*models.Report, error)
}

// Verifier checks a processor reference against the price the gate
// computed.
type Verifier interface {
	VerifyPayment(ctx context.Context, reference, sessionToken string, amountCents int64) error
}

type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, sessionToken string, q Quote) (id, url string, err error)
}

type Quote struct {
	TierID        string `json:"tier_id"`
	TierName      string `json:"tier_name"`
	PriceCents    int64  `json:"price_cents"`
	DiscountCents int64  `json:"discount"`
	FinalCents    int64  `json:"final_price"`
	CouponCode    string `json:"coupon_code,omitempty"`
}

type CheckoutResult struct {
	Quote     Quote  `json:"quote"`
	Reference string `json:"payment_reference"`
	URL       string `json:"checkout_url,omitempty"`
}

type Confirmation struct {
	Confirmation *models.PaymentConfirmation
	Report       *models.Report
}

type Options struct {
	Tiers []models.Tier
	// Verifier is nil when no processor is configured; paid references are
	// then accepted as given.
	Verifier  Verifier
	Checkouts CheckoutCreator
	Now       func() time.Time
}

type Gate struct {
	repo      Repository
	sessions  Sessions
	starter   ReportStarter
	verifier  Verifier
	checkouts CheckoutCreator
	tiers     []models.Tier
	now       func() time.Time
	locks     *keylock.Map
	logger    *logger.Logger
}

func NewGate(repo Repository, sessions Sessions, starter ReportStarter, opts Options, log *logger.Logger) (*Gate, error) {
	if len(opts.Tiers) == 0 {
		return nil, errors.New("payment gate needs at least one tier")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		repo:      repo,
		sessions:  sessions,
		starter:   starter,
		verifier:  opts.Verifier,
		checkouts: opts.Checkouts,
		tiers:     opts.Tiers,
		now:       opts.Now,
		locks:     keylock.New(),
		logger:    log.Named("payment"),
	}, nil
}

// Tiers lists the purchasable tiers in configuration order.
func (g *Gate) Tiers() []models.Tier {
	out := make([]models.Tier, len(g.tiers))
	copy(out, g.tiers)
	return out
}

func (g *Gate) tier(id string) (models.Tier, bool) {
	for _, t := range g.tiers {
		if t.ID == id {
			return t, true
		}
	}
	return models.Tier{}, false
}

// SeedCoupons stores configured coupons, keeping their use counts.
func (g *Gate) SeedCoupons(ctx context.Context, coupons []models.Coupon) error {
	for i := range coupons {
		if err := g.repo.UpsertCoupon(ctx, &coupons[i]); err != nil {
			return fmt.Errorf("failed to seed coupon %s: %w", coupons[i].Code, err)
		}
	}
	return nil
}

// unpaid fails with ErrAlreadyPaid once the session has a confirmation.
func (g *Gate) unpaid(ctx context.Context, token string) error {
	_, err := g.repo.GetConfirmation(ctx, token)
	if err == nil {
		return fmt.Errorf("%w: %s", apperr.ErrAlreadyPaid, token)
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

func (g *Gate) checkout(ctx context.Context, token string) (*models.Checkout, error) {
	co, err := g.repo.GetCheckout(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return co, err
}

// quote prices co from the configured tier and the stored coupon. Client
// supplied prices never enter here.
func (g *Gate) quote(ctx context.Context, co *models.Checkout) (Quote, error) {
	t, ok := g.tier(co.TierID)
	if !ok {
		return Quote{}, fmt.Errorf("%w: unknown tier %q", apperr.ErrValidation, co.TierID)
	}
	q := Quote{TierID: t.ID, TierName: t.Name, PriceCents: t.PriceCents, FinalCents: t.PriceCents}
	if co.CouponCode == "" {
		return q, nil
	}

	c, err := g.repo.GetCoupon(ctx, co.CouponCode)
	if errors.Is(err, db.ErrNotFound) {
		return Quote{}, apperr.ErrInvalidCoupon
	}
	if err != nil {
		return Quote{}, err
	}
	discount, final, err := Resolve(c, t.PriceCents, g.now())
	if err != nil {
		return Quote{}, err
	}
	q.CouponCode = c.Code
	q.DiscountCents = discount
	q.FinalCents = final
	return q, nil
}

// SelectTier records the tier for the session. A previously applied coupon
// is kept while it stays valid.
func (g *Gate) SelectTier(ctx context.Context, token, tierID string) (Quote, error) {
	unlock := g.locks.Lock(token)
	defer unlock()

	if _, err := g.sessions.Get(ctx, token); err != nil {
		return Quote{}, err
	}
	if _, ok := g.tier(tierID); !ok {
		return Quote{}, fmt.Errorf("%w: unknown tier %q", apperr.ErrValidation, tierID)
	}
	if err := g.unpaid(ctx, token); err != nil {
		return Quote{}, err
	}

	co, err := g.checkout(ctx, token)
	if err != nil {
		return Quote{}, err
	}
	if co == nil {
		co = &models.Checkout{SessionToken: token}
	}
	co.TierID = tierID
	co.UpdatedAt = g.now()

	q, err := g.quote(ctx, co)
	if errors.Is(err, apperr.ErrInvalidCoupon) {
		co.CouponCode = ""
		q, err = g.quote(ctx, co)
	}
	if err != nil {
		return Quote{}, err
	}
	if err := g.repo.SaveCheckout(ctx, co); err != nil {
		return Quote{}, fmt.Errorf("failed to save checkout: %w", err)
	}
	return q, nil
}

// ApplyCoupon attaches code to the session's checkout. Without a selected
// tier the first configured tier is used.
func (g *Gate) ApplyCoupon(ctx context.Context, token, code string) (Quote, error) {
	code = models.NormalizeCouponCode(code)
	if code == "" {
		return Quote{}, apperr.ErrInvalidCoupon
	}

	unlock := g.locks.Lock(token)
	defer unlock()

	if _, err := g.sessions.Get(ctx, token); err != nil {
		return Quote{}, err
	}
	if err := g.unpaid(ctx, token); err != nil {
		return Quote{}, err
	}

	co, err := g.checkout(ctx, token)
	if err != nil {
		return Quote{}, err
	}
	if co == nil {
		co = &models.Checkout{SessionToken: token, TierID: g.tiers[0].ID}
	}
	candidate := *co
	candidate.CouponCode = code
	candidate.UpdatedAt = g.now()

	q, err := g.quote(ctx, &candidate)
	if err != nil {
		return Quote{}, err
	}
	if err := g.repo.SaveCheckout(ctx, &candidate); err != nil {
		return Quote{}, fmt.Errorf("failed to save checkout: %w", err)
	}

	g.logger.Infow("Coupon applied", "session", token, "coupon", q.CouponCode, "final_cents", q.FinalCents)
	return q, nil
}

// Quote returns the current price of the session's selection.
func (g *Gate) Quote(ctx context.Context, token string) (Quote, error) {
	if _, err := g.sessions.Get(ctx, token); err != nil {
		return Quote{}, err
	}
	co, err := g.checkout(ctx, token)
	if err != nil {
		return Quote{}, err
	}
	if co == nil {
		return Quote{}, fmt.Errorf("%w: no tier selected", apperr.ErrValidation)
	}
	return g.quote(ctx, co)
}

// Checkout opens a processor checkout for the computed price. A zero price
// needs no processor and yields a free reference instead; it still has to be
// confirmed through ConfirmPayment.
func (g *Gate) Checkout(ctx context.Context, token string) (*CheckoutResult, error) {
	unlock := g.locks.Lock(token)
	defer unlock()

	if _, err := g.sessions.Get(ctx, token); err != nil {
		return nil, err
	}
	if err := g.unpaid(ctx, token); err != nil {
		return nil, err
	}
	co, err := g.checkout(ctx, token)
	if err != nil {
		return nil, err
	}
	if co == nil {
		return nil, fmt.Errorf("%w: no tier selected", apperr.ErrValidation)
	}
	if err := g.starter.Check(ctx, token); err != nil {
		return nil, err
	}
	q, err := g.quote(ctx, co)
	if err != nil {
		return nil, err
	}

	if q.FinalCents == 0 {
		return &CheckoutResult{Quote: q, Reference: FreeReferencePrefix + uuid.NewString()}, nil
	}
	if g.checkouts == nil {
		return nil, errors.New("payment processor is not configured")
	}
	id, url, err := g.checkouts.CreateCheckoutSession(ctx, token, q)
	if err != nil {
		return nil, err
	}

	g.logger.Infow("Checkout created", "session", token, "reference", id, "amount_cents", q.FinalCents)
	return &CheckoutResult{Quote: q, Reference: id, URL: url}, nil
}

// ConfirmPayment records the payment for the session and starts report
// generation. Repeating the call with the same reference returns the
// original confirmation; a different reference fails with ErrAlreadyPaid.
func (g *Gate) ConfirmPayment(ctx context.Context, token, reference string) (*Confirmation, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: payment_reference is required", apperr.ErrValidation)
	}

	unlock := g.locks.Lock(token)
	defer unlock()

	existing, err := g.repo.GetConfirmation(ctx, token)
	if err == nil {
		return g.replay(ctx, existing, reference)
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	if _, err := g.sessions.Get(ctx, token); err != nil {
		return nil, err
	}
	co, err := g.checkout(ctx, token)
	if err != nil {
		return nil, err
	}
	if co == nil {
		return nil, fmt.Errorf("%w: select a tier before confirming payment", apperr.ErrValidation)
	}
	// Nothing is recorded for a profile that cannot produce a report.
	if err := g.starter.Check(ctx, token); err != nil {
		return nil, err
	}
	q, err := g.quote(ctx, co)
	if err != nil {
		return nil, err
	}
	if err := g.verify(ctx, token, reference, q); err != nil {
		return nil, err
	}

	conf := &models.PaymentConfirmation{
		ID:               uuid.NewString(),
		SessionToken:     token,
		TierID:           q.TierID,
		CouponCode:       q.CouponCode,
		PaymentReference: reference,
		FinalPriceCents:  q.FinalCents,
		ConfirmedAt:      g.now(),
	}
	if err := g.repo.InsertConfirmation(ctx, conf); err != nil {
		if errors.Is(err, db.ErrConflict) {
			// Another instance confirmed first.
			existing, err := g.repo.GetConfirmation(ctx, token)
			if err != nil {
				return nil, err
			}
			return g.replay(ctx, existing, reference)
		}
		return nil, fmt.Errorf("failed to save payment confirmation: %w", err)
	}

	g.logger.Infow("Payment confirmed",
		"session", token,
		"confirmation", conf.ID,
		"tier", conf.TierID,
		"coupon", conf.CouponCode,
		"final_cents", conf.FinalPriceCents,
	)

	report, err := g.starter.Start(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &Confirmation{Confirmation: conf, Report: report}, nil
}

func (g *Gate) replay(ctx context.Context, existing *models.PaymentConfirmation, reference string) (*Confirmation, error) {
	if existing.PaymentReference != reference {
		return nil, fmt.Errorf("%w: %s", apperr.ErrAlreadyPaid, existing.SessionToken)
	}
	report, err := g.starter.Start(ctx, existing)
	if err != nil {
		return nil, err
	}
	return &Confirmation{Confirmation: existing, Report: report}, nil
}

func (g *Gate) verify(ctx context.Context, token, reference string, q Quote) error {
	free := strings.HasPrefix(reference, FreeReferencePrefix)
	if q.FinalCents == 0 {
		if !free {
			return fmt.Errorf("%w: zero-price checkout expects a %s reference", apperr.ErrPaymentUnverified, FreeReferencePrefix)
		}
		return nil
	}
	if free {
		return fmt.Errorf("%w: free reference used for a paid checkout", apperr.ErrPaymentUnverified)
	}
	if g.verifier == nil {
		return nil
	}
	if err := g.verifier.VerifyPayment(ctx, reference, token, q.FinalCents); err != nil {
		if errors.Is(err, apperr.ErrPaymentUnverified) {
			return err
		}
		return fmt.Errorf("%w: %v", apperr.ErrPaymentUnverified, err)
	}
	return nil
}
