package cart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"returnshield/backend/internal/domain"
)

func TestAddMergesSameItem(t *testing.T) {
	book := NewBook()
	book.Add("s1", domain.CartLine{ItemID: "item-apple", Name: "Apple", UnitPriceCents: 249, Qty: 1})
	lines := book.Add("s1", domain.CartLine{ItemID: "item-apple", Name: "Apple", UnitPriceCents: 259, Qty: 0})

	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Qty)
	assert.Equal(t, int64(259), lines[0].UnitPriceCents)
}

func TestSetQtyClampsToOne(t *testing.T) {
	book := NewBook()
	book.Add("s1", domain.CartLine{ItemID: "item-milk", Qty: 3})

	lines, ok := book.SetQty("s1", "item-milk", -4)
	require.True(t, ok)
	assert.Equal(t, 1, lines[0].Qty)

	_, ok = book.SetQty("s1", "item-bread", 2)
	assert.False(t, ok)
	_, ok = book.SetQty("other", "item-milk", 2)
	assert.False(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	book := NewBook()
	book.Add("s1", domain.CartLine{ItemID: "a", Qty: 1})
	book.Add("s1", domain.CartLine{ItemID: "b", Qty: 1})
	book.SetCoupon("s1", "AbC123xyZ9")

	lines, ok := book.Remove("s1", "a")
	require.True(t, ok)
	require.Len(t, lines, 1)
	assert.Equal(t, "b", lines[0].ItemID)

	lines, code := book.Snapshot("s1")
	assert.Len(t, lines, 1)
	assert.Equal(t, "AbC123xyZ9", code)

	book.Clear("s1")
	lines, code = book.Snapshot("s1")
	assert.Empty(t, lines)
	assert.Empty(t, code)
}

func TestSnapshotIsACopy(t *testing.T) {
	book := NewBook()
	book.Add("s1", domain.CartLine{ItemID: "a", Qty: 1})
	lines, _ := book.Snapshot("s1")
	lines[0].Qty = 99

	again, _ := book.Snapshot("s1")
	assert.Equal(t, 1, again[0].Qty)
}

func TestSessionsAreIsolated(t *testing.T) {
	book := NewBook()
	book.Add("s1", domain.CartLine{ItemID: "a", Qty: 1})
	book.SetCoupon("s2", "X")
	book.ClearCoupon("s1")

	lines, _ := book.Snapshot("s2")
	assert.Empty(t, lines)
	_, code := book.Snapshot("s2")
	assert.Equal(t, "X", code)
}
