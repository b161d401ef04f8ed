// Package cart holds the operator's in-progress cart for each session.
// Carts live only in memory and are dropped after checkout.
package cart

import (
	"sync"

	"returnshield/backend/internal/domain"
)

type entry struct {
	lines      []domain.CartLine
	couponCode string
}

type Book struct {
	mu    sync.Mutex
	carts map[string]*entry
}

func NewBook() *Book {
	return &Book{carts: make(map[string]*entry)}
}

func (b *Book) get(sessionID string) *entry {
	cart, ok := b.carts[sessionID]
	if !ok {
		cart = &entry{}
		b.carts[sessionID] = cart
	}
	return cart
}

// Add puts qty units of line on the cart, merging with an existing line for the
// same item. Name and price are refreshed from line.
func (b *Book) Add(sessionID string, line domain.CartLine) []domain.CartLine {
	if line.Qty < 1 {
		line.Qty = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cart := b.get(sessionID)
	for i := range cart.lines {
		if cart.lines[i].ItemID == line.ItemID {
			cart.lines[i].Qty += line.Qty
			cart.lines[i].Name = line.Name
			cart.lines[i].UnitPriceCents = line.UnitPriceCents
			return cloneLines(cart.lines)
		}
	}
	cart.lines = append(cart.lines, line)
	return cloneLines(cart.lines)
}

// SetQty replaces a line's quantity, clamped to at least one. It reports false
// when the item is not on the cart.
func (b *Book) SetQty(sessionID string, itemID string, qty int) ([]domain.CartLine, bool) {
	if qty < 1 {
		qty = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cart, ok := b.carts[sessionID]
	if !ok {
		return nil, false
	}
	for i := range cart.lines {
		if cart.lines[i].ItemID == itemID {
			cart.lines[i].Qty = qty
			return cloneLines(cart.lines), true
		}
	}
	return cloneLines(cart.lines), false
}

func (b *Book) Remove(sessionID string, itemID string) ([]domain.CartLine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cart, ok := b.carts[sessionID]
	if !ok {
		return nil, false
	}
	for i := range cart.lines {
		if cart.lines[i].ItemID == itemID {
			cart.lines = append(cart.lines[:i], cart.lines[i+1:]...)
			return cloneLines(cart.lines), true
		}
	}
	return cloneLines(cart.lines), false
}

func (b *Book) SetCoupon(sessionID string, code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.get(sessionID).couponCode = code
}

func (b *Book) ClearCoupon(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cart, ok := b.carts[sessionID]; ok {
		cart.couponCode = ""
	}
}

// Snapshot returns a copy of the session's lines and selected coupon.
func (b *Book) Snapshot(sessionID string) ([]domain.CartLine, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cart, ok := b.carts[sessionID]
	if !ok {
		return []domain.CartLine{}, ""
	}
	return cloneLines(cart.lines), cart.couponCode
}

func (b *Book) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.carts, sessionID)
}

func cloneLines(lines []domain.CartLine) []domain.CartLine {
	out := make([]domain.CartLine, len(lines))
	copy(out, lines)
	return out
}
