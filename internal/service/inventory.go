package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/xid"
)

const inventoryWriteAttempts = 3

func (s *Service) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	return s.repo.ListInventory(ctx)
}

// UpsertInventory merges into the item with the same name, ignoring case, or
// creates one. Merging adds the quantity and replaces the price.
func (s *Service) UpsertInventory(ctx context.Context, req domain.InventoryUpsertRequest) (domain.InventoryItem, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.InventoryItem{}, invalidField("invalid inventory item", "name", "required")
	}
	if req.Qty < 1 {
		return domain.InventoryItem{}, invalidField("invalid inventory item", "qty", "must be positive")
	}
	if req.PriceCents < 1 {
		return domain.InventoryItem{}, invalidField("invalid inventory item", "price_cents", "must be positive")
	}

	for attempt := 0; attempt < inventoryWriteAttempts; attempt++ {
		existing, err := s.repo.FindInventoryByName(ctx, req.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			created, err := s.repo.CreateInventoryItem(ctx, domain.InventoryItem{
				ID:         xid.New("item"),
				Name:       req.Name,
				Qty:        req.Qty,
				PriceCents: req.PriceCents,
			})
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			if err != nil {
				return domain.InventoryItem{}, err
			}
			s.logAudit(ctx, domain.AuditInventoryUpdated, "inventory", created.ID, fmt.Sprintf("created,qty=%d,price=%d", created.Qty, created.PriceCents))
			return *created, nil
		case err != nil:
			return domain.InventoryItem{}, err
		}

		existing.Qty += req.Qty
		existing.PriceCents = req.PriceCents
		updated, err := s.repo.UpdateInventoryItem(ctx, *existing)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.InventoryItem{}, err
		}
		s.logAudit(ctx, domain.AuditInventoryUpdated, "inventory", updated.ID, fmt.Sprintf("merged,add=%d,price=%d", req.Qty, updated.PriceCents))
		return *updated, nil
	}
	return domain.InventoryItem{}, fmt.Errorf("%w: inventory %q kept changing", store.ErrConflict, req.Name)
}

// UpdateInventory adds stock and sets the price. With ExpectedVersion set the
// write fails on any concurrent change; without it the latest version is used.
func (s *Service) UpdateInventory(ctx context.Context, id string, req domain.InventoryUpdateRequest) (domain.InventoryItem, error) {
	if req.AddQty < 0 {
		return domain.InventoryItem{}, invalidField("invalid inventory update", "add_qty", "must not be negative")
	}
	if req.PriceCents < 1 {
		return domain.InventoryItem{}, invalidField("invalid inventory update", "price_cents", "must be positive")
	}

	attempts := inventoryWriteAttempts
	if req.ExpectedVersion != nil {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		item, err := s.repo.GetInventoryItem(ctx, id)
		if err != nil {
			return domain.InventoryItem{}, err
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != item.Version {
			return domain.InventoryItem{}, fmt.Errorf("%w: item %s is at version %d", store.ErrConflict, item.ID, item.Version)
		}

		item.Qty += req.AddQty
		item.PriceCents = req.PriceCents
		updated, err := s.repo.UpdateInventoryItem(ctx, *item)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.InventoryItem{}, err
		}
		s.logAudit(ctx, domain.AuditInventoryUpdated, "inventory", updated.ID, fmt.Sprintf("add=%d,price=%d", req.AddQty, updated.PriceCents))
		return *updated, nil
	}
	return domain.InventoryItem{}, fmt.Errorf("%w: item %s changed concurrently", store.ErrConflict, id)
}
