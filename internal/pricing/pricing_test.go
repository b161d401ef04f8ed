package pricing

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"returnshield/backend/internal/domain"
)

func TestQuoteSingleLineNoCoupon(t *testing.T) {
	calc := New(DefaultTaxRate)
	quote := calc.Quote([]domain.CartLine{{ItemID: "a", UnitPriceCents: 249, Qty: 1}}, 0)

	assert.Equal(t, int64(249), quote.SubtotalCents)
	assert.Equal(t, int64(17), quote.TaxCents)
	assert.Equal(t, int64(0), quote.DiscountCents)
	assert.Equal(t, int64(266), quote.TotalCents)
}

func TestQuoteCapsCouponAtSubtotalPlusTax(t *testing.T) {
	calc := New(decimal.Zero)
	quote := calc.Quote([]domain.CartLine{{ItemID: "a", UnitPriceCents: 500, Qty: 2}}, 2500)

	assert.Equal(t, int64(1000), quote.SubtotalCents+quote.TaxCents)
	assert.Equal(t, int64(1000), quote.DiscountCents)
	assert.Equal(t, int64(0), quote.TotalCents)
}

func TestQuoteCouponBelowTotalReducesByExactValue(t *testing.T) {
	calc := New(DefaultTaxRate)
	lines := []domain.CartLine{{ItemID: "a", UnitPriceCents: 1299, Qty: 3}}

	without := calc.Quote(lines, 0)
	with := calc.Quote(lines, 500)
	assert.Equal(t, without.TotalCents-500, with.TotalCents)
}

func TestQuoteTotalInvariant(t *testing.T) {
	calc := New(DefaultTaxRate)
	for price := int64(1); price < 3000; price += 37 {
		for qty := 1; qty <= 4; qty++ {
			for _, coupon := range []int64{0, 1, 250, 1000, 99999} {
				quote := calc.Quote([]domain.CartLine{{ItemID: "x", UnitPriceCents: price, Qty: qty}}, coupon)
				capped := min(coupon, quote.SubtotalCents+quote.TaxCents)
				assert.Equal(t, quote.SubtotalCents-capped+quote.TaxCents, quote.TotalCents)
				assert.GreaterOrEqual(t, quote.TotalCents, int64(0))
			}
		}
	}
}

func TestTaxRoundsHalfAwayFromZero(t *testing.T) {
	calc := New(DefaultTaxRate)
	// 50 * 0.07 = 3.5 cents
	assert.Equal(t, int64(4), calc.Tax(50))
	assert.Equal(t, int64(0), calc.Tax(0))
}

func TestToWei(t *testing.T) {
	rate := decimal.RequireFromString("2000")
	want, _ := new(big.Int).SetString("1330000000000000", 10)
	assert.Equal(t, 0, want.Cmp(ToWei(266, rate)))
	assert.Equal(t, 0, big.NewInt(0).Cmp(ToWei(0, rate)))
	assert.Equal(t, 0, big.NewInt(0).Cmp(ToWei(100, decimal.Zero)))
}

func TestDollars(t *testing.T) {
	assert.Equal(t, "2.66", Dollars(266))
	assert.Equal(t, "0.00", Dollars(0))
	assert.Equal(t, "25.00", Dollars(2500))
}
