package payment

import (
	"math"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/models"
)

// Resolve applies c to priceCents. The final price never drops below zero
// and the returned discount never exceeds the price. Unknown, expired and
// exhausted coupons all fail with the same error so codes cannot be probed.
func Resolve(c *models.Coupon, priceCents int64, now time.Time) (discountCents, finalCents int64, err error) {
	if c == nil {
		return 0, 0, apperr.ErrInvalidCoupon
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return 0, 0, apperr.ErrInvalidCoupon
	}
	if c.MaxUses > 0 && c.Uses >= c.MaxUses {
		return 0, 0, apperr.ErrInvalidCoupon
	}
	if c.Value < 0 || math.IsNaN(c.Value) {
		return 0, 0, apperr.ErrInvalidCoupon
	}

	var off int64
	switch c.Kind {
	case models.DiscountPercentage:
		pct := math.Min(c.Value, 100)
		off = int64(math.Round(float64(priceCents) * pct / 100))
	case models.DiscountFixed:
		off = int64(math.Round(c.Value))
	default:
		return 0, 0, apperr.ErrInvalidCoupon
	}

	finalCents = priceCents - off
	if finalCents < 0 {
		finalCents = 0
	}
	return priceCents - finalCents, finalCents, nil
}
