package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkReturnedIsIdempotent(t *testing.T) {
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	sale := Sale{Lines: []SaleLine{{ItemID: "a", Qty: 1}, {ItemID: "b", Qty: 2}}}
	sale.MarkReturned([]int{0}, first)
	once := CloneSale(sale)

	sale.MarkReturned([]int{0}, later)
	require.True(t, sale.Lines[0].Returned)
	assert.False(t, sale.Lines[1].Returned)
	assert.Equal(t, once, sale)
	assert.Equal(t, first, *sale.Lines[0].ReturnedAt)
	assert.Equal(t, []int{0}, sale.ReturnedIndices())
}

func TestMarkReturnedIgnoresOutOfRange(t *testing.T) {
	sale := Sale{Lines: []SaleLine{{ItemID: "a", Qty: 1}}}
	sale.MarkReturned([]int{-1, 3}, time.Now())
	assert.Empty(t, sale.ReturnedIndices())
}

func TestCouponRedeemable(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	coupon := Coupon{Status: CouponStatusActive, Expiry: now.Add(24 * time.Hour)}
	assert.True(t, coupon.Redeemable(now))

	coupon.Expiry = now
	assert.True(t, coupon.IsExpired(now))
	assert.False(t, coupon.Redeemable(now))

	coupon.Expiry = now.Add(time.Hour)
	coupon.Status = CouponStatusConsumed
	assert.False(t, coupon.Redeemable(now))
}

func TestIntentStates(t *testing.T) {
	assert.True(t, CheckoutIntent{Status: IntentStatusPending}.IsOpen())
	assert.False(t, CheckoutIntent{Status: IntentStatusPending}.Resumable())
	assert.True(t, CheckoutIntent{Status: IntentStatusOrphaned}.Resumable())
	assert.False(t, CheckoutIntent{Status: IntentStatusCommitted}.IsOpen())
}
