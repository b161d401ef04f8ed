package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"returnshield/backend/internal/chain"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/pricing"
	"returnshield/backend/internal/sequence"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/xid"
)

type receiptItem struct {
	ItemID    string `json:"itemId"`
	Name      string `json:"name"`
	UnitPrice string `json:"unitPrice"`
	Qty       int    `json:"qty"`
}

type receiptPayload struct {
	BillNo      string        `json:"billNo"`
	Items       []receiptItem `json:"items"`
	Subtotal    string        `json:"subtotal"`
	Discount    string        `json:"discount"`
	Tax         string        `json:"tax"`
	Total       string        `json:"total"`
	CouponCode  string        `json:"couponCode,omitempty"`
	Timestamp   string        `json:"timestamp"`
	PaymentTxID string        `json:"paymentTxId,omitempty"`
}

// Quote prices a cart without reserving anything.
func (s *Service) Quote(ctx context.Context, req domain.CheckoutRequest) (domain.Quote, error) {
	items, err := normalizeItems(req.CartItems)
	if err != nil {
		return domain.Quote{}, err
	}
	lines, err := s.priceLines(ctx, items)
	if err != nil {
		return domain.Quote{}, err
	}
	code := strings.TrimSpace(req.CouponCode)
	value, err := s.couponValue(ctx, code)
	if err != nil {
		return domain.Quote{}, err
	}
	quote := s.pricing.Quote(lines, value)
	quote.CouponCode = code
	return quote, nil
}

// Checkout sells the cart: reserve stock and coupon, capture payment, mint the
// receipt token, then commit the sale. Each step advances a durable intent so
// a failure past payment can be resumed instead of lost.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.CouponCode = strings.TrimSpace(req.CouponCode)

	items, err := normalizeItems(req.CartItems)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	if req.IdempotencyKey != "" {
		resp, found, err := s.lookupIdempotent(ctx, req.IdempotencyKey)
		if err != nil || found {
			return resp, err
		}
	}

	lines, err := s.priceLines(ctx, items)
	if err != nil {
		s.metrics.Checkout("insufficient_stock")
		return domain.CheckoutResponse{}, err
	}
	couponValue, err := s.couponValue(ctx, req.CouponCode)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}
	quote := s.pricing.Quote(lines, couponValue)

	if s.wallet == nil || s.minter == nil {
		return domain.CheckoutResponse{}, ErrWalletNotAvailable
	}
	purchaser, err := s.purchaserAddress(ctx, req.PurchaserAddress)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	billNo, err := s.seq.Next(ctx, sequence.PurchasePrefix)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	now := s.now()
	intent := domain.CheckoutIntent{
		ID:             xid.New("intent"),
		Kind:           domain.IntentKindSale,
		IdempotencyKey: req.IdempotencyKey,
		BillNo:         billNo,
		Status:         domain.IntentStatusPending,
		Reservations:   adjustmentsFor(items),
		CouponCode:     req.CouponCode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	sale := domain.Sale{
		BillNo:           billNo,
		Lines:            saleLines(lines),
		SubtotalCents:    quote.SubtotalCents,
		DiscountCents:    quote.DiscountCents,
		TaxCents:         quote.TaxCents,
		TotalCents:       quote.TotalCents,
		CouponCode:       req.CouponCode,
		PurchaserAddress: purchaser,
		IntentID:         intent.ID,
		CreatedBy:        actorName(ctx),
		CreatedAt:        now,
	}
	intent.Sale = &sale

	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
			return domain.CheckoutResponse{}, fmt.Errorf("%w: checkout %s already in progress", store.ErrConflict, req.IdempotencyKey)
		}
		return domain.CheckoutResponse{}, err
	}

	if err := s.repo.ReserveStock(ctx, intent.Reservations); err != nil {
		s.failIntent(ctx, &intent, err)
		s.metrics.Checkout("insufficient_stock")
		return domain.CheckoutResponse{}, s.stockError(err, lines)
	}
	if intent.CouponCode != "" {
		if _, err := s.repo.ReserveCoupon(ctx, intent.CouponCode, intent.ID, now); err != nil {
			s.releaseReservations(ctx, &intent)
			s.failIntent(ctx, &intent, err)
			s.metrics.Checkout("coupon_invalid")
			return domain.CheckoutResponse{}, wrapCause(ErrCouponInvalid, err)
		}
	}

	if sale.TotalCents > 0 {
		wei := pricing.ToWei(sale.TotalCents, s.opts.UsdPerEth)
		started := time.Now()
		txID, err := s.wallet.Transfer(ctx, s.wallet.Address(), wei)
		s.metrics.ObserveChainCall("transfer", time.Since(started).Seconds(), err)
		if broadcastUnconfirmed(txID, err) {
			// Funds may move once the tx is mined; hold everything until resume settles it.
			intent.PaymentTxID = txID
			intent.Sale.PaymentTxID = txID
			intent.PaymentPending = true
			intent.Error = err.Error()
			s.advanceIntent(ctx, &intent, domain.IntentStatusPaid)
			s.metrics.Checkout("payment_unconfirmed")
			s.logger.Warn("payment unconfirmed", zap.String("bill_no", billNo), zap.String("intent_id", intent.ID), zap.String("tx", txID), zap.Error(err))
			return domain.CheckoutResponse{}, &WorkflowError{Op: "payment", IntentID: intent.ID, BillNo: billNo, PaymentTxID: txID, Err: wrapCause(ErrPaymentFailed, err)}
		}
		if err != nil {
			s.releaseReservations(ctx, &intent)
			s.failIntent(ctx, &intent, err)
			s.metrics.Checkout("payment_failed")
			s.logger.Warn("payment failed", zap.String("bill_no", billNo), zap.String("intent_id", intent.ID), zap.Error(err))
			return domain.CheckoutResponse{}, &WorkflowError{Op: "payment", IntentID: intent.ID, BillNo: billNo, Err: wrapCause(ErrPaymentFailed, err)}
		}
		intent.PaymentTxID = txID
		intent.Sale.PaymentTxID = txID
		s.advanceIntent(ctx, &intent, domain.IntentStatusPaid)
	}

	if err := s.mintSaleReceipt(ctx, &intent); err != nil {
		s.metrics.Checkout("mint_failed")
		if intent.PaymentTxID == "" && intent.MintTxID == "" {
			s.releaseReservations(ctx, &intent)
			s.failIntent(ctx, &intent, err)
		}
		return domain.CheckoutResponse{}, err
	}

	committed, err := s.commitSale(ctx, &intent)
	if err != nil {
		s.metrics.Checkout("ledger_failed")
		return domain.CheckoutResponse{}, err
	}
	s.metrics.Checkout("committed")
	return domain.CheckoutResponse{Sale: committed}, nil
}

// CheckoutCart checks out the session's cart and clears it on success.
func (s *Service) CheckoutCart(ctx context.Context, sessionID string, req domain.CartCheckoutRequest) (domain.CheckoutResponse, error) {
	lines, code := s.carts.Snapshot(sessionID)
	if len(lines) == 0 {
		return domain.CheckoutResponse{}, invalid("cart is empty")
	}
	items := make([]domain.CartItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, domain.CartItem{ItemID: line.ItemID, Qty: line.Qty})
	}
	resp, err := s.Checkout(ctx, domain.CheckoutRequest{
		CartItems:        items,
		CouponCode:       code,
		PurchaserAddress: req.PurchaserAddress,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		return resp, err
	}
	s.carts.Clear(sessionID)
	return resp, nil
}

func (s *Service) lookupIdempotent(ctx context.Context, key string) (domain.CheckoutResponse, bool, error) {
	intent, err := s.repo.FindIntentByIdempotency(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CheckoutResponse{}, false, nil
	}
	if err != nil {
		return domain.CheckoutResponse{}, false, err
	}
	switch intent.Status {
	case domain.IntentStatusCommitted:
		sale, err := s.repo.GetSale(ctx, intent.BillNo)
		if err != nil {
			return domain.CheckoutResponse{}, false, err
		}
		return domain.CheckoutResponse{Sale: *sale, Duplicate: true}, true, nil
	case domain.IntentStatusFailed:
		return domain.CheckoutResponse{}, false, fmt.Errorf("%w: idempotency key %s belongs to a failed checkout", store.ErrConflict, key)
	default:
		return domain.CheckoutResponse{}, false, fmt.Errorf("%w: checkout %s is %s", store.ErrConflict, key, intent.Status)
	}
}

func (s *Service) mintSaleReceipt(ctx context.Context, intent *domain.CheckoutIntent) error {
	sale := intent.Sale
	payload, err := json.Marshal(buildReceiptPayload(*sale))
	if err != nil {
		return fmt.Errorf("encode receipt payload: %w", err)
	}

	started := time.Now()
	txID, err := s.minter.MintReceipt(ctx, sale.PurchaserAddress, sale.BillNo, string(payload))
	s.metrics.ObserveChainCall("mint_receipt", time.Since(started).Seconds(), err)
	if err != nil {
		intent.Error = err.Error()
		if broadcastUnconfirmed(txID, err) {
			intent.MintTxID = txID
			sale.MintTxID = txID
			intent.MintPending = true
			s.advanceIntent(ctx, intent, domain.IntentStatusMinted)
		} else {
			s.saveIntent(ctx, intent)
		}
		s.logger.Warn("receipt mint failed",
			zap.String("bill_no", sale.BillNo),
			zap.String("intent_id", intent.ID),
			zap.String("tx", txID),
			zap.Bool("payment_captured", intent.PaymentTxID != ""),
			zap.Error(err),
		)
		return &WorkflowError{
			Op:          "mint_receipt",
			IntentID:    intent.ID,
			BillNo:      sale.BillNo,
			PaymentTxID: intent.PaymentTxID,
			MintTxID:    intent.MintTxID,
			Err:         wrapCause(ErrMintFailed, err),
		}
	}

	intent.MintTxID = txID
	sale.MintTxID = txID
	s.advanceIntent(ctx, intent, domain.IntentStatusMinted)
	return nil
}

// commitSale writes the sale, consumes the reserved coupon and closes the
// intent. A sale already written by the same intent is reused, so resuming is
// safe; a bill number held by another intent is a ledger failure.
func (s *Service) commitSale(ctx context.Context, intent *domain.CheckoutIntent) (domain.Sale, error) {
	sale := *intent.Sale
	sale.PaymentTxID = intent.PaymentTxID
	sale.MintTxID = intent.MintTxID

	created, err := s.repo.CreateSale(ctx, sale)
	if errors.Is(err, store.ErrConflict) {
		created, err = s.repo.GetSale(ctx, sale.BillNo)
		if err == nil && created.IntentID != intent.ID {
			err = fmt.Errorf("%w: bill %s already belongs to intent %s", store.ErrConflict, sale.BillNo, created.IntentID)
		}
	}
	if err != nil {
		return domain.Sale{}, s.ledgerFailure(ctx, intent, "commit_sale", err)
	}

	if intent.CouponCode != "" {
		if err := s.repo.ConsumeCoupon(ctx, intent.CouponCode, intent.ID, created.BillNo, s.now()); err != nil {
			return domain.Sale{}, s.ledgerFailure(ctx, intent, "consume_coupon", err)
		}
		s.metrics.CouponRedeemed()
		s.logAudit(ctx, domain.AuditCouponRedeemed, "coupon", intent.CouponCode, "bill="+created.BillNo)
	}

	intent.Error = ""
	s.advanceIntent(ctx, intent, domain.IntentStatusCommitted)
	s.logAudit(ctx, domain.AuditPurchaseTokenCreated, "sale", created.BillNo,
		fmt.Sprintf("total=%s,mint_tx=%s,payment_tx=%s", pricing.Dollars(created.TotalCents), created.MintTxID, created.PaymentTxID))
	s.logger.Info("sale committed", zap.String("bill_no", created.BillNo), zap.String("intent_id", intent.ID))
	return *created, nil
}

func (s *Service) ledgerFailure(ctx context.Context, intent *domain.CheckoutIntent, op string, err error) error {
	intent.Error = err.Error()
	intent.UpdatedAt = s.now()
	if saveErr := s.repo.UpdateIntent(ctx, *intent); saveErr != nil {
		s.logger.Error("failed to record ledger failure", zap.String("intent_id", intent.ID), zap.Error(saveErr))
	}
	s.logger.Error("ledger write failed", zap.String("op", op), zap.String("intent_id", intent.ID), zap.Error(err))
	return &WorkflowError{
		Op:          op,
		IntentID:    intent.ID,
		BillNo:      intent.BillNo,
		PaymentTxID: intent.PaymentTxID,
		MintTxID:    intent.MintTxID,
		Err:         wrapCause(ErrLedgerWriteFailed, err),
	}
}

func (s *Service) priceLines(ctx context.Context, items []domain.CartItem) ([]domain.CartLine, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ItemID)
	}
	inventory, err := s.repo.GetInventoryItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		stock, ok := inventory[item.ItemID]
		if !ok {
			return nil, fmt.Errorf("inventory item %s: %w", item.ItemID, store.ErrNotFound)
		}
		if item.Qty > stock.Qty {
			return nil, &InsufficientStockError{ItemID: stock.ID, Name: stock.Name, Requested: item.Qty, Available: stock.Qty}
		}
		lines = append(lines, domain.CartLine{
			ItemID:         stock.ID,
			Name:           stock.Name,
			UnitPriceCents: stock.PriceCents,
			Qty:            item.Qty,
		})
	}
	return lines, nil
}

// couponValue returns the discount a code grants now, or ErrCouponInvalid.
func (s *Service) couponValue(ctx context.Context, code string) (int64, error) {
	if code == "" {
		return 0, nil
	}
	coupon, err := s.repo.GetCoupon(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s does not exist", ErrCouponInvalid, code)
	}
	if err != nil {
		return 0, err
	}
	if coupon.IsExpired(s.now()) {
		return 0, fmt.Errorf("%w: %s expired", ErrCouponInvalid, code)
	}
	if coupon.Status != domain.CouponStatusActive {
		return 0, fmt.Errorf("%w: %s is %s", ErrCouponInvalid, code, coupon.Status)
	}
	return coupon.ValueCents, nil
}

func (s *Service) purchaserAddress(ctx context.Context, requested string) (string, error) {
	address := strings.TrimSpace(requested)
	if address == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			address = actor.WalletAddress
		}
	}
	if address == "" {
		address = s.wallet.Address()
	}
	normalized, err := chain.NormalizeAddress(address)
	if err != nil {
		return "", invalidField("invalid purchaser address", "purchaser_address", err.Error())
	}
	return normalized, nil
}

func (s *Service) stockError(err error, lines []domain.CartLine) error {
	var shortage *store.ShortageError
	if !errors.As(err, &shortage) {
		return err
	}
	name := shortage.ItemID
	for _, line := range lines {
		if line.ItemID == shortage.ItemID {
			name = line.Name
			break
		}
	}
	return &InsufficientStockError{ItemID: shortage.ItemID, Name: name, Requested: shortage.Requested, Available: shortage.Available}
}

func normalizeItems(items []domain.CartItem) ([]domain.CartItem, error) {
	merged := make([]domain.CartItem, 0, len(items))
	index := make(map[string]int, len(items))
	for i, item := range items {
		item.ItemID = strings.TrimSpace(item.ItemID)
		if item.ItemID == "" {
			return nil, invalidField("invalid cart", fmt.Sprintf("cart_items[%d].item_id", i), "required")
		}
		if item.Qty < 1 {
			return nil, invalidField("invalid cart", fmt.Sprintf("cart_items[%d].qty", i), "must be at least 1")
		}
		if pos, ok := index[item.ItemID]; ok {
			merged[pos].Qty += item.Qty
			continue
		}
		index[item.ItemID] = len(merged)
		merged = append(merged, item)
	}
	if len(merged) == 0 {
		return nil, invalid("cart is empty")
	}
	return merged, nil
}

func adjustmentsFor(items []domain.CartItem) []domain.StockAdjustment {
	out := make([]domain.StockAdjustment, 0, len(items))
	for _, item := range items {
		out = append(out, domain.StockAdjustment{ItemID: item.ItemID, Qty: item.Qty})
	}
	return out
}

func saleLines(lines []domain.CartLine) []domain.SaleLine {
	out := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, domain.SaleLine{
			ItemID:         line.ItemID,
			Name:           line.Name,
			UnitPriceCents: line.UnitPriceCents,
			Qty:            line.Qty,
		})
	}
	return out
}

func buildReceiptPayload(sale domain.Sale) receiptPayload {
	items := make([]receiptItem, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		items = append(items, receiptItem{
			ItemID:    line.ItemID,
			Name:      line.Name,
			UnitPrice: pricing.Dollars(line.UnitPriceCents),
			Qty:       line.Qty,
		})
	}
	return receiptPayload{
		BillNo:      sale.BillNo,
		Items:       items,
		Subtotal:    pricing.Dollars(sale.SubtotalCents),
		Discount:    pricing.Dollars(sale.DiscountCents),
		Tax:         pricing.Dollars(sale.TaxCents),
		Total:       pricing.Dollars(sale.TotalCents),
		CouponCode:  sale.CouponCode,
		Timestamp:   sale.CreatedAt.Format(time.RFC3339),
		PaymentTxID: sale.PaymentTxID,
	}
}
