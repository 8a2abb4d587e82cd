package payment

import (
	"errors"
	"testing"
	"time"

	"diet-report/internal/apperr"
	"diet-report/internal/models"
)

func TestResolve(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name     string
		coupon   *models.Coupon
		price    int64
		discount int64
		final    int64
		invalid  bool
	}{
		{"hundred percent", &models.Coupon{Kind: models.DiscountPercentage, Value: 100}, 999, 999, 0, false},
		{"twenty percent", &models.Coupon{Kind: models.DiscountPercentage, Value: 20}, 1000, 200, 800, false},
		{"percent rounds", &models.Coupon{Kind: models.DiscountPercentage, Value: 15}, 999, 150, 849, false},
		{"over hundred percent", &models.Coupon{Kind: models.DiscountPercentage, Value: 150}, 999, 999, 0, false},
		{"fixed", &models.Coupon{Kind: models.DiscountFixed, Value: 300}, 999, 300, 699, false},
		{"fixed floors at zero", &models.Coupon{Kind: models.DiscountFixed, Value: 5000}, 999, 999, 0, false},
		{"zero price", &models.Coupon{Kind: models.DiscountFixed, Value: 100}, 0, 0, 0, false},
		{"not yet expired", &models.Coupon{Kind: models.DiscountFixed, Value: 1, ExpiresAt: &future}, 10, 1, 9, false},
		{"expired", &models.Coupon{Kind: models.DiscountFixed, Value: 1, ExpiresAt: &past}, 10, 0, 0, true},
		{"expires exactly now", &models.Coupon{Kind: models.DiscountFixed, Value: 1, ExpiresAt: &now}, 10, 0, 0, true},
		{"exhausted", &models.Coupon{Kind: models.DiscountFixed, Value: 1, MaxUses: 2, Uses: 2}, 10, 0, 0, true},
		{"negative value", &models.Coupon{Kind: models.DiscountFixed, Value: -5}, 10, 0, 0, true},
		{"unknown kind", &models.Coupon{Kind: "bogo", Value: 1}, 10, 0, 0, true},
		{"nil", nil, 10, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			discount, final, err := Resolve(tt.coupon, tt.price, now)
			if tt.invalid {
				if !errors.Is(err, apperr.ErrInvalidCoupon) {
					t.Fatalf("expected ErrInvalidCoupon, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if discount != tt.discount || final != tt.final {
				t.Fatalf("got discount=%d final=%d, want %d/%d", discount, final, tt.discount, tt.final)
			}
		})
	}
}

func TestResolveNeverNegativeAndIdempotent(t *testing.T) {
	now := time.Now()
	for _, kind := range []models.DiscountKind{models.DiscountPercentage, models.DiscountFixed} {
		for _, value := range []float64{0, 1, 33.3, 50, 99.9, 100, 250, 1e6} {
			for _, price := range []int64{0, 1, 499, 999, 10000} {
				c := &models.Coupon{Kind: kind, Value: value}
				d1, f1, err := Resolve(c, price, now)
				if err != nil {
					t.Fatalf("%s %v %d: %v", kind, value, price, err)
				}
				d2, f2, _ := Resolve(c, price, now)
				if d1 != d2 || f1 != f2 {
					t.Fatalf("Resolve is not repeatable for %s %v %d", kind, value, price)
				}
				if f1 < 0 || f1 > price || d1+f1 != price {
					t.Fatalf("bad result for %s %v %d: discount=%d final=%d", kind, value, price, d1, f1)
				}
			}
		}
	}
}
