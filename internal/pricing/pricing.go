// Package pricing computes sale totals. All amounts are integer cents; the
// intermediate arithmetic runs on decimals so rounding happens exactly once.
package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"

	"returnshield/backend/internal/domain"
)

var DefaultTaxRate = decimal.RequireFromString("0.07")

var weiPerEth = decimal.New(1, 18)

type Calculator struct {
	taxRate decimal.Decimal
}

func New(taxRate decimal.Decimal) Calculator {
	if taxRate.IsNegative() {
		taxRate = DefaultTaxRate
	}
	return Calculator{taxRate: taxRate}
}

func (c Calculator) TaxRate() decimal.Decimal {
	return c.taxRate
}

func Subtotal(lines []domain.CartLine) int64 {
	total := int64(0)
	for _, line := range lines {
		total += line.UnitPriceCents * int64(line.Qty)
	}
	return total
}

func (c Calculator) Tax(subtotalCents int64) int64 {
	return decimal.NewFromInt(subtotalCents).Mul(c.taxRate).Round(0).IntPart()
}

// Quote prices lines with an optional coupon. The discount never exceeds
// subtotal plus tax, so the total cannot go negative.
func (c Calculator) Quote(lines []domain.CartLine, couponValueCents int64) domain.Quote {
	subtotal := Subtotal(lines)
	tax := c.Tax(subtotal)
	discount := couponValueCents
	if discount < 0 {
		discount = 0
	}
	if discount > subtotal+tax {
		discount = subtotal + tax
	}
	return domain.Quote{
		SubtotalCents: subtotal,
		TaxCents:      tax,
		DiscountCents: discount,
		TotalCents:    subtotal - discount + tax,
	}
}

// ToWei converts a cent amount to wei at a fixed USD per ETH rate.
func ToWei(cents int64, usdPerEth decimal.Decimal) *big.Int {
	if cents <= 0 || !usdPerEth.IsPositive() {
		return big.NewInt(0)
	}
	eth := decimal.New(cents, -2).Div(usdPerEth)
	return eth.Mul(weiPerEth).Floor().BigInt()
}

// Dollars renders cents as a fixed two-decimal string.
func Dollars(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
