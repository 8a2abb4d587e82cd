package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/db"
	"diet-report/internal/models"
	"diet-report/internal/session"
	"diet-report/pkg/logger"
)

type fakeStarter struct {
	mu       sync.Mutex
	reports  map[string]*models.Report
	calls    int
	checkErr error
}

func (f *fakeStarter) Check(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkErr
}

func (f *fakeStarter) Start(_ context.Context, conf *models.PaymentConfirmation) (*models.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.reports == nil {
		f.reports = make(map[string]*models.Report)
	}
	if r, ok := f.reports[conf.ID]; ok {
		return r, nil
	}
	r := &models.Report{
		ID:             "report-" + conf.ID,
		AccessToken:    "token-" + conf.ID,
		SessionToken:   conf.SessionToken,
		ConfirmationID: conf.ID,
		Status:         models.ReportGenerating,
	}
	f.reports[conf.ID] = r
	return r, nil
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) VerifyPayment(_ context.Context, _, _ string, _ int64) error {
	f.calls++
	return f.err
}

type fixture struct {
	gate     *Gate
	repo     *db.Memory
	sessions *session.Store
	starter  *fakeStarter
	verifier *fakeVerifier
	token    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := db.NewMemory()
	sessions := session.NewStore(repo, session.Options{TTL: time.Hour}, logger.NewNop())
	starter := &fakeStarter{}
	verifier := &fakeVerifier{}

	gate, err := NewGate(repo, sessions, starter, Options{
		Tiers: []models.Tier{
			{ID: "bundle", Name: "Bundle", PriceCents: 999},
			{ID: "premium", Name: "Premium", PriceCents: 2999},
		},
		Verifier: verifier,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	expired := time.Now().Add(-time.Hour)
	if err := gate.SeedCoupons(ctx, []models.Coupon{
		{Code: "TEST999", Kind: models.DiscountPercentage, Value: 100},
		{Code: "save3", Kind: models.DiscountFixed, Value: 300},
		{Code: "OLD", Kind: models.DiscountPercentage, Value: 50, ExpiresAt: &expired},
		{Code: "ONCE", Kind: models.DiscountFixed, Value: 100, MaxUses: 1},
	}); err != nil {
		t.Fatalf("SeedCoupons: %v", err)
	}

	sess, err := sessions.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return &fixture{gate: gate, repo: repo, sessions: sessions, starter: starter, verifier: verifier, token: sess.Token}
}

func TestSelectTierAndApplyCoupon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	q, err := f.gate.SelectTier(ctx, f.token, "premium")
	if err != nil {
		t.Fatalf("SelectTier: %v", err)
	}
	if q.FinalCents != 2999 {
		t.Fatalf("unexpected quote: %+v", q)
	}

	q, err = f.gate.ApplyCoupon(ctx, f.token, "  Save3 ")
	if err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if q.DiscountCents != 300 || q.FinalCents != 2699 || q.CouponCode != "SAVE3" {
		t.Fatalf("unexpected quote: %+v", q)
	}

	// Switching tier keeps the coupon.
	q, err = f.gate.SelectTier(ctx, f.token, "bundle")
	if err != nil {
		t.Fatalf("SelectTier: %v", err)
	}
	if q.FinalCents != 699 || q.CouponCode != "SAVE3" {
		t.Fatalf("unexpected quote after tier switch: %+v", q)
	}

	if _, err := f.gate.SelectTier(ctx, f.token, "gold"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unknown tier should fail validation, got %v", err)
	}
}

func TestInvalidCouponsLookAlike(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var msgs []string
	for _, code := range []string{"NOPE", "old", ""} {
		_, err := f.gate.ApplyCoupon(ctx, f.token, code)
		if !errors.Is(err, apperr.ErrInvalidCoupon) {
			t.Fatalf("%q: expected ErrInvalidCoupon, got %v", code, err)
		}
		msgs = append(msgs, err.Error())
	}
	for _, m := range msgs[1:] {
		if m != msgs[0] {
			t.Fatalf("invalid coupon errors differ: %q vs %q", msgs[0], m)
		}
	}

	// A rejected coupon leaves the checkout untouched.
	if _, err := f.gate.ApplyCoupon(ctx, f.token, "save3"); err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	_, _ = f.gate.ApplyCoupon(ctx, f.token, "NOPE")
	q, err := f.gate.Quote(ctx, f.token)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.CouponCode != "SAVE3" {
		t.Fatalf("rejected coupon replaced the applied one: %+v", q)
	}
}

// A 100% coupon still goes through the confirmation path.
func TestFullDiscountStillConfirmsThroughGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.gate.SelectTier(ctx, f.token, "bundle"); err != nil {
		t.Fatalf("SelectTier: %v", err)
	}
	q, err := f.gate.ApplyCoupon(ctx, f.token, "test999")
	if err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if q.FinalCents != 0 || q.DiscountCents != 999 {
		t.Fatalf("expected a free quote, got %+v", q)
	}

	co, err := f.gate.Checkout(ctx, f.token)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if co.URL != "" || len(co.Reference) <= len(FreeReferencePrefix) || co.Reference[:len(FreeReferencePrefix)] != FreeReferencePrefix {
		t.Fatalf("expected a free reference, got %+v", co)
	}

	conf, err := f.gate.ConfirmPayment(ctx, f.token, co.Reference)
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if conf.Confirmation.FinalPriceCents != 0 || conf.Report.Status != models.ReportGenerating {
		t.Fatalf("unexpected confirmation: %+v / %+v", conf.Confirmation, conf.Report)
	}
	if len(f.starter.reports) != 1 {
		t.Fatalf("expected exactly one report, got %d", len(f.starter.reports))
	}
	if f.verifier.calls != 0 {
		t.Fatalf("free checkouts must not hit the processor")
	}
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.gate.SelectTier(ctx, f.token, "bundle"); err != nil {
		t.Fatalf("SelectTier: %v", err)
	}

	first, err := f.gate.ConfirmPayment(ctx, f.token, "cs_test_1")
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	again, err := f.gate.ConfirmPayment(ctx, f.token, "cs_test_1")
	if err != nil {
		t.Fatalf("repeat ConfirmPayment: %v", err)
	}
	if again.Confirmation.ID != first.Confirmation.ID || again.Report.ID != first.Report.ID {
		t.Fatalf("repeat call produced a new confirmation or report")
	}
	if len(f.starter.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(f.starter.reports))
	}
	if f.verifier.calls != 1 {
		t.Fatalf("repeat call should not re-verify, got %d calls", f.verifier.calls)
	}

	_, err = f.gate.ConfirmPayment(ctx, f.token, "cs_test_2")
	if !errors.Is(err, apperr.ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
	if _, err := f.gate.ApplyCoupon(ctx, f.token, "save3"); !errors.Is(err, apperr.ErrAlreadyPaid) {
		t.Fatalf("coupon after payment should fail with ErrAlreadyPaid, got %v", err)
	}
}

func TestConcurrentConfirmationsProduceOneReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.gate.SelectTier(ctx, f.token, "bundle"); err != nil {
		t.Fatalf("SelectTier: %v", err)
	}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := f.gate.ConfirmPayment(ctx, f.token, "cs_same")
			if err != nil {
				t.Errorf("ConfirmPayment: %v", err)
				return
			}
			ids[i] = c.Confirmation.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("confirmations differ: %v", ids)
		}
	}
	if len(f.starter.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(f.starter.reports))
	}
}

func TestConfirmPaymentGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.gate.ConfirmPayment(ctx, f.token, "cs_1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("confirming without a tier should fail validation, got %v", err)
	}
	if _, err := f.gate.ConfirmPayment(ctx, "missing", "cs_1"); !errors.Is(err, apperr.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := f.gate.ConfirmPayment(ctx, f.token, "  "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("blank reference should fail validation, got %v", err)
	}

	if _, err := f.gate.SelectTier(ctx, f.token, "bundle"); err != nil {
		t.Fatalf("SelectTier: %v", err)
	}
	if _, err := f.gate.ConfirmPayment(ctx, f.token, FreeReferencePrefix+"x"); !errors.Is(err, apperr.ErrPaymentUnverified) {
		t.Fatalf("free reference on a paid tier should be rejected, got %v", err)
	}

	f.verifier.err = errors.New("checkout is unpaid")
	if _, err := f.gate.ConfirmPayment(ctx, f.token, "cs_unpaid"); !errors.Is(err, apperr.ErrPaymentUnverified) {
		t.Fatalf("expected ErrPaymentUnverified, got %v", err)
	}
	if len(f.starter.reports) != 0 {
		t.Fatalf("no report may start from an unverified payment")
	}
}

func TestCouponUseCountedOnConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.gate.ApplyCoupon(ctx, f.token, "once"); err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if _, err := f.gate.ConfirmPayment(ctx, f.token, "cs_once"); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	other, _ := f.sessions.Create(ctx)
	if _, err := f.gate.ApplyCoupon(ctx, other.Token, "ONCE"); !errors.Is(err, apperr.ErrInvalidCoupon) {
		t.Fatalf("exhausted coupon should be invalid, got %v", err)
	}
}

var (
	_ Repository      = (*db.Memory)(nil)
	_ Verifier        = (*StripeClient)(nil)
	_ CheckoutCreator = (*StripeClient)(nil)
)

func TestUnusableProfileRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.gate.SelectTier(ctx, f.token, "bundle"); err != nil {
		t.Fatalf("SelectTier: %v", err)
	}

	f.starter.checkErr = fmt.Errorf("%w: decode profile: age is not a number", apperr.ErrValidation)
	if _, err := f.gate.Checkout(ctx, f.token); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Checkout: expected ErrValidation, got %v", err)
	}
	if _, err := f.gate.ConfirmPayment(ctx, f.token, "cs_test_1"); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("ConfirmPayment: expected ErrValidation, got %v", err)
	}
	if _, err := f.repo.GetConfirmation(ctx, f.token); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("no confirmation should be stored, got %v", err)
	}
	if f.verifier.calls != 0 || f.starter.calls != 0 {
		t.Fatalf("verifier=%d starter=%d calls for a rejected profile", f.verifier.calls, f.starter.calls)
	}

	f.starter.checkErr = nil
	c, err := f.gate.ConfirmPayment(ctx, f.token, "cs_test_2")
	if err != nil {
		t.Fatalf("ConfirmPayment after fixing the profile: %v", err)
	}
	if c.Confirmation.PaymentReference != "cs_test_2" {
		t.Fatalf("unexpected confirmation: %+v", c.Confirmation)
	}
}
