// internal/models/payment.go
package models

import (
	"strings"
	"time"
)

type Tier struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// Coupon values are a percent for DiscountPercentage and cents for
// DiscountFixed.
type Coupon struct {
	Code      string       `json:"code"`
	Kind      DiscountKind `json:"kind"`
	Value     float64      `json:"value"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	MaxUses   int          `json:"max_uses,omitempty"`
	Uses      int          `json:"uses"`
}

// NormalizeCouponCode is the lookup key for a coupon code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Checkout is the pre-payment selection of a session.
type Checkout struct {
	SessionToken string    `json:"session_token"`
	TierID       string    `json:"tier_id"`
	CouponCode   string    `json:"coupon_code,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type PaymentConfirmation struct {
	ID               string    `json:"id"`
	SessionToken     string    `json:"session_token"`
	TierID           string    `json:"tier_id"`
	CouponCode       string    `json:"coupon_code,omitempty"`
	PaymentReference string    `json:"payment_reference"`
	FinalPriceCents  int64     `json:"final_price_cents"`
	ConfirmedAt      time.Time `json:"confirmed_at"`
}
