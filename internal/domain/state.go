package domain

import (
	"strings"
	"time"
)

// MarkReturned flags the given lines as returned. Lines already flagged keep
// their original timestamp, and no flag is ever cleared.
func (s *Sale) MarkReturned(indices []int, at time.Time) {
	for _, idx := range indices {
		if idx < 0 || idx >= len(s.Lines) {
			continue
		}
		if s.Lines[idx].Returned {
			continue
		}
		returnedAt := at
		s.Lines[idx].Returned = true
		s.Lines[idx].ReturnedAt = &returnedAt
	}
}

func (s Sale) ReturnedIndices() []int {
	indices := make([]int, 0, len(s.Lines))
	for idx, line := range s.Lines {
		if line.Returned {
			indices = append(indices, idx)
		}
	}
	return indices
}

func (c Coupon) IsExpired(now time.Time) bool {
	return !c.Expiry.After(now)
}

func (c Coupon) Redeemable(now time.Time) bool {
	return c.Status == CouponStatusActive && !c.IsExpired(now)
}

func (i CheckoutIntent) IsOpen() bool {
	switch i.Status {
	case IntentStatusPending, IntentStatusPaid, IntentStatusMinted, IntentStatusOrphaned:
		return true
	default:
		return false
	}
}

func (i CheckoutIntent) Resumable() bool {
	switch i.Status {
	case IntentStatusPaid, IntentStatusMinted, IntentStatusOrphaned:
		return true
	default:
		return false
	}
}

func InventoryNameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func CloneSale(s Sale) Sale {
	out := s
	out.Lines = make([]SaleLine, len(s.Lines))
	for i, line := range s.Lines {
		out.Lines[i] = line
		if line.ReturnedAt != nil {
			at := *line.ReturnedAt
			out.Lines[i].ReturnedAt = &at
		}
	}
	return out
}

func CloneReturn(r Return) Return {
	out := r
	out.Lines = append([]ReturnLine(nil), r.Lines...)
	return out
}

func CloneIntent(i CheckoutIntent) CheckoutIntent {
	out := i
	out.Reservations = append([]StockAdjustment(nil), i.Reservations...)
	if i.Sale != nil {
		sale := CloneSale(*i.Sale)
		out.Sale = &sale
	}
	if i.Return != nil {
		ret := CloneReturn(*i.Return)
		out.Return = &ret
	}
	return out
}
