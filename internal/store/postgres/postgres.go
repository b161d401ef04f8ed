package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/xid"
)

//go:embed schema.sql
var schema string

const txAttempts = 3

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("postgres schema applied")
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a serializable transaction, retrying on serialization
// failures.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
		s.logger.Debug("retrying serializable transaction", zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", store.ErrConflict, err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const inventoryColumns = `id, name, name_key, qty, price_cents, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(row rowScanner) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(&item.ID, &item.Name, &item.NameKey, &item.Qty, &item.PriceCents, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, err
}

func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+inventoryColumns+` FROM inventory ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetInventoryItem(ctx context.Context, id string) (*domain.InventoryItem, error) {
	item, err := scanInventory(s.db.QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetInventoryItems(ctx context.Context, ids []string) (map[string]domain.InventoryItem, error) {
	result := make(map[string]domain.InventoryItem, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindInventoryByName(ctx context.Context, name string) (*domain.InventoryItem, error) {
	item, err := scanInventory(s.db.QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory WHERE name_key = $1`, domain.InventoryNameKey(name)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) CreateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" || item.Qty < 0 || item.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}
	item.NameKey = domain.InventoryNameKey(item.Name)

	created, err := scanInventory(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory (id, name, name_key, qty, price_cents, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,1,now(),now())
		RETURNING `+inventoryColumns, item.ID, item.Name, item.NameKey, item.Qty, item.PriceCents))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.Qty < 0 || item.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	updated, err := scanInventory(s.db.QueryRowContext(ctx, `
		UPDATE inventory
		SET qty = $2, price_cents = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $4
		RETURNING `+inventoryColumns, item.ID, item.Qty, item.PriceCents, item.Version))
	if err == nil {
		return &updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetInventoryItem(ctx, item.ID); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) ReserveStock(ctx context.Context, lines []domain.StockAdjustment) error {
	merged := store.MergeAdjustments(lines)
	if len(merged) == 0 {
		return store.ErrInvalidInput
	}
	ids := make([]string, 0, len(merged))
	for _, line := range merged {
		ids = append(ids, line.ItemID)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, qty FROM inventory WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
		if err != nil {
			return err
		}
		available := make(map[string]int, len(ids))
		for rows.Next() {
			var id string
			var qty int
			if err := rows.Scan(&id, &qty); err != nil {
				_ = rows.Close()
				return err
			}
			available[id] = qty
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		for _, line := range merged {
			qty, ok := available[line.ItemID]
			if !ok {
				return store.ErrNotFound
			}
			if qty < line.Qty {
				return &store.ShortageError{ItemID: line.ItemID, Requested: line.Qty, Available: qty}
			}
		}
		for _, line := range merged {
			if _, err := tx.ExecContext(ctx, `
				UPDATE inventory
				SET qty = qty - $2, version = version + 1, updated_at = now()
				WHERE id = $1
			`, line.ItemID, line.Qty); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ReleaseStock(ctx context.Context, lines []domain.StockAdjustment) error {
	merged := store.MergeAdjustments(lines)
	if len(merged) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, line := range merged {
			if _, err := tx.ExecContext(ctx, `
				UPDATE inventory
				SET qty = qty + $2, version = version + 1, updated_at = now()
				WHERE id = $1
			`, line.ItemID, line.Qty); err != nil {
				return err
			}
		}
		return nil
	})
}

const couponColumns = `code, value_cents, expiry, contract_address, owner_address, token_id, token_uri, mint_tx_id,
	status, reserved_by, consumed_by_bill_no, consumed_at, source_return_bill_no, created_by, created_at`

func scanCoupon(row rowScanner) (domain.Coupon, error) {
	var (
		c            domain.Coupon
		tokenID      sql.NullString
		reservedBy   sql.NullString
		consumedBy   sql.NullString
		consumedAt   sql.NullTime
		sourceReturn sql.NullString
	)
	err := row.Scan(&c.Code, &c.ValueCents, &c.Expiry, &c.ContractAddress, &c.OwnerAddress, &tokenID, &c.TokenURI, &c.MintTxID,
		&c.Status, &reservedBy, &consumedBy, &consumedAt, &sourceReturn, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return domain.Coupon{}, err
	}
	c.TokenID = tokenID.String
	c.ReservedBy = reservedBy.String
	c.ConsumedByBillNo = consumedBy.String
	c.SourceReturnBillNo = sourceReturn.String
	if consumedAt.Valid {
		at := consumedAt.Time.UTC()
		c.ConsumedAt = &at
	}
	c.Expiry = c.Expiry.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) GetCoupon(ctx context.Context, code string) (*domain.Coupon, error) {
	coupon, err := scanCoupon(s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &coupon, nil
}

func (s *Store) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := make([]domain.Coupon, 0, 32)
	for rows.Next() {
		coupon, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, coupon)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return coupons, nil
}

func (s *Store) CreateCoupon(ctx context.Context, coupon domain.Coupon) (*domain.Coupon, error) {
	if coupon.Code == "" || coupon.ValueCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if coupon.Status == "" {
		coupon.Status = domain.CouponStatusActive
	}
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupons (code, value_cents, expiry, contract_address, owner_address, token_id, token_uri, mint_tx_id,
			status, source_return_bill_no, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, coupon.Code, coupon.ValueCents, coupon.Expiry, coupon.ContractAddress, coupon.OwnerAddress, nullIfEmpty(coupon.TokenID),
		coupon.TokenURI, coupon.MintTxID, coupon.Status, nullIfEmpty(coupon.SourceReturnBillNo), coupon.CreatedBy, coupon.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &coupon, nil
}

func (s *Store) FindCouponBySourceReturn(ctx context.Context, returnBillNo string) (*domain.Coupon, error) {
	coupon, err := scanCoupon(s.db.QueryRowContext(ctx, `SELECT `+couponColumns+` FROM coupons WHERE source_return_bill_no = $1`, returnBillNo))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &coupon, nil
}

func (s *Store) ReserveCoupon(ctx context.Context, code string, intentID string, now time.Time) (*domain.Coupon, error) {
	coupon, err := scanCoupon(s.db.QueryRowContext(ctx, `
		UPDATE coupons
		SET status = $3, reserved_by = $2
		WHERE code = $1 AND status = $4 AND expiry > $5
		RETURNING `+couponColumns, code, intentID, domain.CouponStatusReserved, domain.CouponStatusActive, now))
	if err == nil {
		return &coupon, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetCoupon(ctx, code); err != nil {
		return nil, err
	}
	return nil, store.ErrCouponUnavailable
}

func (s *Store) ReleaseCoupon(ctx context.Context, code string, intentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupons
		SET status = $3, reserved_by = NULL
		WHERE code = $1 AND status = $4 AND reserved_by = $2
	`, code, intentID, domain.CouponStatusActive, domain.CouponStatusReserved)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err != nil || affected > 0 {
		return err
	}
	_, err = s.GetCoupon(ctx, code)
	return err
}

func (s *Store) ConsumeCoupon(ctx context.Context, code string, intentID string, billNo string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE coupons
		SET status = $4, consumed_by_bill_no = $3, consumed_at = $5
		WHERE code = $1 AND status = $6 AND reserved_by = $2
	`, code, intentID, billNo, domain.CouponStatusConsumed, at, domain.CouponStatusReserved)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	coupon, err := s.GetCoupon(ctx, code)
	if err != nil {
		return err
	}
	if coupon.Status == domain.CouponStatusConsumed && coupon.ConsumedByBillNo == billNo {
		return nil
	}
	return store.ErrCouponUnavailable
}

const saleColumns = `bill_no, lines, subtotal_cents, discount_cents, tax_cents, total_cents, coupon_code,
	purchaser_address, payment_tx_id, mint_tx_id, intent_id, created_by, version, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var (
		sale       domain.Sale
		lines      []byte
		couponCode sql.NullString
	)
	err := row.Scan(&sale.BillNo, &lines, &sale.SubtotalCents, &sale.DiscountCents, &sale.TaxCents, &sale.TotalCents, &couponCode,
		&sale.PurchaserAddress, &sale.PaymentTxID, &sale.MintTxID, &sale.IntentID, &sale.CreatedBy, &sale.Version, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(lines, &sale.Lines); err != nil {
		return domain.Sale{}, fmt.Errorf("decode sale lines: %w", err)
	}
	sale.CouponCode = couponCode.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.BillNo == "" || len(sale.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	lines, err := json.Marshal(sale.Lines)
	if err != nil {
		return nil, err
	}

	created, err := scanSale(s.db.QueryRowContext(ctx, `
		INSERT INTO receipts (bill_no, lines, subtotal_cents, discount_cents, tax_cents, total_cents, coupon_code,
			purchaser_address, payment_tx_id, mint_tx_id, intent_id, created_by, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,$13)
		RETURNING `+saleColumns,
		sale.BillNo, lines, sale.SubtotalCents, sale.DiscountCents, sale.TaxCents, sale.TotalCents, nullIfEmpty(sale.CouponCode),
		sale.PurchaserAddress, sale.PaymentTxID, sale.MintTxID, sale.IntentID, sale.CreatedBy, sale.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetSale(ctx context.Context, billNo string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM receipts WHERE bill_no = $1`, billNo))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+saleColumns+` FROM receipts ORDER BY created_at DESC, bill_no DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) MarkSaleLinesReturned(ctx context.Context, billNo string, indices []int, at time.Time, expectedVersion int64) (*domain.Sale, error) {
	var updated domain.Sale
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sale, err := scanSale(tx.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM receipts WHERE bill_no = $1 FOR UPDATE`, billNo))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if sale.Version != expectedVersion {
			return store.ErrConflict
		}
		for _, idx := range indices {
			if idx < 0 || idx >= len(sale.Lines) {
				return store.ErrInvalidInput
			}
		}

		sale.MarkReturned(indices, at)
		lines, err := json.Marshal(sale.Lines)
		if err != nil {
			return err
		}
		updated, err = scanSale(tx.QueryRowContext(ctx, `
			UPDATE receipts SET lines = $2, version = version + 1
			WHERE bill_no = $1
			RETURNING `+saleColumns, billNo, lines))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

const returnColumns = `return_bill_no, original_bill_no, lines, refund_value_cents, reason, condition, restocked, owner_address,
	mint_tx_id, mint_status, mint_error, intent_id, created_by, original_created_at, created_at`

func scanReturn(row rowScanner) (domain.Return, error) {
	var (
		ret   domain.Return
		lines []byte
	)
	err := row.Scan(&ret.ReturnBillNo, &ret.OriginalBillNo, &lines, &ret.RefundValueCents, &ret.Reason, &ret.Condition, &ret.Restocked,
		&ret.OwnerAddress, &ret.MintTxID, &ret.MintStatus, &ret.MintError, &ret.IntentID, &ret.CreatedBy, &ret.OriginalCreatedAt, &ret.CreatedAt)
	if err != nil {
		return domain.Return{}, err
	}
	if err := json.Unmarshal(lines, &ret.Lines); err != nil {
		return domain.Return{}, fmt.Errorf("decode return lines: %w", err)
	}
	ret.OriginalCreatedAt = ret.OriginalCreatedAt.UTC()
	ret.CreatedAt = ret.CreatedAt.UTC()
	return ret, nil
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if ret.ReturnBillNo == "" || ret.OriginalBillNo == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	lines, err := json.Marshal(ret.Lines)
	if err != nil {
		return nil, err
	}

	created, err := scanReturn(s.db.QueryRowContext(ctx, `
		INSERT INTO returns (return_bill_no, original_bill_no, lines, refund_value_cents, reason, condition, restocked, owner_address,
			mint_tx_id, mint_status, mint_error, intent_id, created_by, original_created_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING `+returnColumns,
		ret.ReturnBillNo, ret.OriginalBillNo, lines, ret.RefundValueCents, ret.Reason, ret.Condition, ret.Restocked, ret.OwnerAddress,
		ret.MintTxID, ret.MintStatus, ret.MintError, ret.IntentID, ret.CreatedBy, ret.OriginalCreatedAt, ret.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) GetReturn(ctx context.Context, returnBillNo string) (*domain.Return, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM returns WHERE return_bill_no = $1`, returnBillNo))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ret, nil
}

func (s *Store) ListReturns(ctx context.Context, limit int) ([]domain.Return, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+returnColumns+` FROM returns ORDER BY created_at DESC, return_bill_no DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, limit)
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) UpdateReturnMint(ctx context.Context, returnBillNo string, mintTxID string, mintStatus string, mintError string) (*domain.Return, error) {
	ret, err := scanReturn(s.db.QueryRowContext(ctx, `
		UPDATE returns SET mint_tx_id = $2, mint_status = $3, mint_error = $4
		WHERE return_bill_no = $1 AND mint_status <> $5
		RETURNING `+returnColumns, returnBillNo, mintTxID, mintStatus, mintError, domain.MintStatusMinted))
	if err == nil {
		return &ret, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetReturn(ctx, returnBillNo); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

func scanIntent(row rowScanner) (domain.CheckoutIntent, error) {
	var (
		intent  domain.CheckoutIntent
		payload []byte
		idemKey sql.NullString
		status  string
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&payload, &idemKey, &status, &created, &updated); err != nil {
		return domain.CheckoutIntent{}, err
	}
	if err := json.Unmarshal(payload, &intent); err != nil {
		return domain.CheckoutIntent{}, fmt.Errorf("decode intent: %w", err)
	}
	intent.IdempotencyKey = idemKey.String
	intent.Status = status
	intent.CreatedAt = created.UTC()
	intent.UpdatedAt = updated.UTC()
	return intent, nil
}

const intentColumns = `payload, idempotency_key, status, created_at, updated_at`

func (s *Store) CreateIntent(ctx context.Context, intent domain.CheckoutIntent) error {
	if intent.ID == "" {
		return store.ErrInvalidInput
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intents (id, kind, idempotency_key, bill_no, status, payload, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, intent.ID, intent.Kind, nullIfEmpty(intent.IdempotencyKey), intent.BillNo, intent.Status, payload, intent.CreatedAt, intent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (*domain.CheckoutIntent, error) {
	intent, err := scanIntent(s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (s *Store) FindIntentByIdempotency(ctx context.Context, key string) (*domain.CheckoutIntent, error) {
	intent, err := scanIntent(s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &intent, nil
}

// UpdateIntent rewrites the intent body. The idempotency key and creation
// time are columns the update never touches.
func (s *Store) UpdateIntent(ctx context.Context, intent domain.CheckoutIntent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET bill_no = $2, status = $3, payload = $4, updated_at = $5
		WHERE id = $1
	`, intent.ID, intent.BillNo, intent.Status, payload, intent.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListIntents(ctx context.Context, statuses []string, updatedBefore time.Time, limit int) ([]domain.CheckoutIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE 1=1`
	args := make([]any, 0, 3)
	if len(statuses) > 0 {
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if !updatedBefore.IsZero() {
		args = append(args, updatedBefore)
		query += fmt.Sprintf(" AND updated_at < $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	intents := make([]domain.CheckoutIntent, 0, 16)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return intents, nil
}

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, store.ErrInvalidInput
	}
	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequences (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	if session.ID == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, username, wallet_address, created_at, last_active)
		VALUES ($1,$2,$3,$4,$5)
	`, session.ID, session.Username, session.WalletAddress, session.CreatedAt, session.LastActive)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, wallet_address, created_at, last_active
		FROM sessions WHERE id = $1
	`, id).Scan(&session.ID, &session.Username, &session.WalletAddress, &session.CreatedAt, &session.LastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastActive = session.LastActive.UTC()
	return &session, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_active = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetDashboard(ctx context.Context, now time.Time) (domain.Dashboard, error) {
	var dash domain.Dashboard
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM receipts),
			(SELECT COUNT(*) FROM coupons WHERE status = $1 AND expiry > $2),
			(SELECT COUNT(*) FROM returns),
			(SELECT COALESCE(SUM(total_cents), 0) FROM receipts),
			(SELECT COUNT(*) FROM intents WHERE status = ANY($3)),
			(SELECT COUNT(*) FROM intents WHERE status = $4)
	`, domain.CouponStatusActive, now,
		[]string{domain.IntentStatusPending, domain.IntentStatusPaid, domain.IntentStatusMinted, domain.IntentStatusOrphaned},
		domain.IntentStatusOrphaned,
	).Scan(&dash.TotalPurchases, &dash.ActiveCoupons, &dash.TotalReturns, &dash.TotalValueCents, &dash.OpenIntents, &dash.OrphanedIntents)
	if err != nil {
		return domain.Dashboard{}, err
	}
	return dash, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
