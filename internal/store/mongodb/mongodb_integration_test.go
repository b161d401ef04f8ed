package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("RETURNSHIELD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("set RETURNSHIELD_TEST_MONGO_URI to run mongo integration test")
	}

	ctx := context.Background()
	database := fmt.Sprintf("returnshield_it_%d", time.Now().UnixNano())
	s, err := New(ctx, uri, database, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.db.Drop(context.Background())
		_ = s.Close()
	})
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func TestReserveStockCompensatesOnShortage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateInventoryItem(ctx, domain.InventoryItem{ID: "item-a", Name: "A", Qty: 10, PriceCents: 100})
	require.NoError(t, err)
	_, err = s.CreateInventoryItem(ctx, domain.InventoryItem{ID: "item-b", Name: "B", Qty: 1, PriceCents: 100})
	require.NoError(t, err)
	_, err = s.CreateInventoryItem(ctx, domain.InventoryItem{ID: "item-c", Name: " a ", Qty: 1, PriceCents: 100})
	require.ErrorIs(t, err, store.ErrConflict)

	err = s.ReserveStock(ctx, []domain.StockAdjustment{{ItemID: "item-a", Qty: 4}, {ItemID: "item-b", Qty: 2}})
	var shortage *store.ShortageError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, "item-b", shortage.ItemID)

	a, err := s.GetInventoryItem(ctx, "item-a")
	require.NoError(t, err)
	assert.Equal(t, 10, a.Qty)
}

func TestCouponSoftConsumeAndSequences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.CreateCoupon(ctx, domain.Coupon{Code: "MONGO00001", ValueCents: 500, Expiry: now.Add(time.Hour), SourceReturnBillNo: "RET000001"})
	require.NoError(t, err)
	_, err = s.CreateCoupon(ctx, domain.Coupon{Code: "MONGO00002", ValueCents: 500, Expiry: now.Add(time.Hour), SourceReturnBillNo: "RET000001"})
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = s.ReserveCoupon(ctx, "MONGO00001", "intent-1", now)
	require.NoError(t, err)
	_, err = s.ReserveCoupon(ctx, "MONGO00001", "intent-2", now)
	require.ErrorIs(t, err, store.ErrCouponUnavailable)
	require.NoError(t, s.ConsumeCoupon(ctx, "MONGO00001", "intent-1", "PUR000001", now))
	require.NoError(t, s.ConsumeCoupon(ctx, "MONGO00001", "intent-1", "PUR000001", now))

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextSequence(ctx, "PUR")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	dash, err := s.GetDashboard(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), dash.ActiveCoupons)
}
