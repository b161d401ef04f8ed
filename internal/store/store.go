package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"returnshield/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrCouponUnavailable = errors.New("coupon unavailable")
)

// ShortageError reports the first reservation line that could not be
// satisfied. No stock is held when it is returned.
type ShortageError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *ShortageError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *ShortageError) Unwrap() error {
	return ErrInsufficientStock
}

type Repository interface {
	ListInventory(ctx context.Context) ([]domain.InventoryItem, error)
	GetInventoryItem(ctx context.Context, id string) (*domain.InventoryItem, error)
	GetInventoryItems(ctx context.Context, ids []string) (map[string]domain.InventoryItem, error)
	FindInventoryByName(ctx context.Context, name string) (*domain.InventoryItem, error)
	CreateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	// UpdateInventoryItem writes item only if the stored version equals
	// item.Version, then bumps the version.
	UpdateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	// ReserveStock decrements every line or none of them.
	ReserveStock(ctx context.Context, lines []domain.StockAdjustment) error
	ReleaseStock(ctx context.Context, lines []domain.StockAdjustment) error

	GetCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	ListCoupons(ctx context.Context) ([]domain.Coupon, error)
	CreateCoupon(ctx context.Context, coupon domain.Coupon) (*domain.Coupon, error)
	FindCouponBySourceReturn(ctx context.Context, returnBillNo string) (*domain.Coupon, error)
	// ReserveCoupon moves an active, unexpired coupon to reserved for intentID.
	ReserveCoupon(ctx context.Context, code string, intentID string, now time.Time) (*domain.Coupon, error)
	ReleaseCoupon(ctx context.Context, code string, intentID string) error
	// ConsumeCoupon moves a coupon reserved by intentID to consumed. Repeating
	// the call for the same bill is a no-op.
	ConsumeCoupon(ctx context.Context, code string, intentID string, billNo string, at time.Time) error

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, billNo string) (*domain.Sale, error)
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	// MarkSaleLinesReturned flags lines only while the stored version equals
	// expectedVersion.
	MarkSaleLinesReturned(ctx context.Context, billNo string, indices []int, at time.Time, expectedVersion int64) (*domain.Sale, error)

	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	GetReturn(ctx context.Context, returnBillNo string) (*domain.Return, error)
	ListReturns(ctx context.Context, limit int) ([]domain.Return, error)
	UpdateReturnMint(ctx context.Context, returnBillNo string, mintTxID string, mintStatus string, mintError string) (*domain.Return, error)

	CreateIntent(ctx context.Context, intent domain.CheckoutIntent) error
	GetIntent(ctx context.Context, id string) (*domain.CheckoutIntent, error)
	FindIntentByIdempotency(ctx context.Context, key string) (*domain.CheckoutIntent, error)
	UpdateIntent(ctx context.Context, intent domain.CheckoutIntent) error
	ListIntents(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]domain.CheckoutIntent, error)

	NextSequence(ctx context.Context, name string) (int64, error)

	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error

	GetDashboard(ctx context.Context, now time.Time) (domain.Dashboard, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// MergeAdjustments folds duplicate item ids and drops non-positive quantities.
func MergeAdjustments(lines []domain.StockAdjustment) []domain.StockAdjustment {
	merged := make([]domain.StockAdjustment, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.ItemID == "" || line.Qty <= 0 {
			continue
		}
		if pos, ok := index[line.ItemID]; ok {
			merged[pos].Qty += line.Qty
			continue
		}
		index[line.ItemID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}
