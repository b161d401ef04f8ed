package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
)

// AddToCart adds units of an inventory item to the session's cart. The cart
// never holds more than is currently in stock.
func (s *Service) AddToCart(ctx context.Context, sessionID string, req domain.CartAddRequest) (domain.CartView, error) {
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		return domain.CartView{}, invalidField("invalid cart item", "item_id", "required")
	}
	qty := req.Qty
	if qty < 1 {
		qty = 1
	}
	item, err := s.repo.GetInventoryItem(ctx, itemID)
	if err != nil {
		return domain.CartView{}, err
	}

	lines, _ := s.carts.Snapshot(sessionID)
	inCart := 0
	for _, line := range lines {
		if line.ItemID == item.ID {
			inCart = line.Qty
		}
	}
	if inCart+qty > item.Qty {
		return domain.CartView{}, &InsufficientStockError{ItemID: item.ID, Name: item.Name, Requested: inCart + qty, Available: item.Qty}
	}

	s.carts.Add(sessionID, domain.CartLine{ItemID: item.ID, Name: item.Name, UnitPriceCents: item.PriceCents, Qty: qty})
	return s.GetCart(ctx, sessionID)
}

// UpdateCartQty sets a line's quantity; values below one are clamped to one.
func (s *Service) UpdateCartQty(ctx context.Context, sessionID string, itemID string, qty int) (domain.CartView, error) {
	if _, ok := s.carts.SetQty(sessionID, itemID, qty); !ok {
		return domain.CartView{}, fmt.Errorf("cart line %s: %w", itemID, store.ErrNotFound)
	}
	return s.GetCart(ctx, sessionID)
}

func (s *Service) RemoveFromCart(ctx context.Context, sessionID string, itemID string) (domain.CartView, error) {
	if _, ok := s.carts.Remove(sessionID, itemID); !ok {
		return domain.CartView{}, fmt.Errorf("cart line %s: %w", itemID, store.ErrNotFound)
	}
	return s.GetCart(ctx, sessionID)
}

func (s *Service) ApplyCoupon(ctx context.Context, sessionID string, code string) (domain.CartView, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.CartView{}, invalidField("invalid coupon", "coupon_code", "required")
	}
	if _, err := s.couponValue(ctx, code); err != nil {
		return domain.CartView{}, err
	}
	s.carts.SetCoupon(sessionID, code)
	return s.GetCart(ctx, sessionID)
}

func (s *Service) ClearCoupon(ctx context.Context, sessionID string) (domain.CartView, error) {
	s.carts.ClearCoupon(sessionID)
	return s.GetCart(ctx, sessionID)
}

// GetCart prices the session's cart. A selected coupon that is no longer
// redeemable is dropped from the selection.
func (s *Service) GetCart(ctx context.Context, sessionID string) (domain.CartView, error) {
	lines, code := s.carts.Snapshot(sessionID)
	value, err := s.couponValue(ctx, code)
	if errors.Is(err, ErrCouponInvalid) {
		s.carts.ClearCoupon(sessionID)
		code, value = "", 0
	} else if err != nil {
		return domain.CartView{}, err
	}
	quote := s.pricing.Quote(lines, value)
	quote.CouponCode = code
	return domain.CartView{Lines: lines, CouponCode: code, Quote: quote}, nil
}
