package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
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

type returnPayload struct {
	ReturnBillNo      string        `json:"returnBillNo"`
	OriginalBillNo    string        `json:"originalBillNo"`
	Items             []receiptItem `json:"items"`
	RefundValue       string        `json:"refundValue"`
	Reason            string        `json:"reason,omitempty"`
	Condition         string        `json:"condition"`
	OriginalTimestamp string        `json:"originalTimestamp"`
	Timestamp         string        `json:"timestamp"`
}

// SubmitReturn records a return against a sale and mints its return token.
// A failed mint does not block the return: it is committed with
// MintStatus failed and can be retried with RetryReturnMint.
func (s *Service) SubmitReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	billNo := strings.TrimSpace(req.OriginalBillNo)
	if billNo == "" {
		return domain.ReturnResponse{}, invalidField("invalid return", "original_bill_no", "required")
	}
	condition, err := normalizeCondition(req.Condition)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	sale, err := s.repo.GetSale(ctx, billNo)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ReturnResponse{}, fmt.Errorf("%w: %s", ErrSaleNotFound, billNo)
	}
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if err := validateSelection(*sale, req.LineIndices); err != nil {
		return domain.ReturnResponse{}, err
	}
	if s.minter == nil {
		return domain.ReturnResponse{}, ErrWalletNotAvailable
	}

	returnBillNo, err := s.seq.Next(ctx, sequence.ReturnPrefix)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	now := s.now()
	indices := append([]int(nil), req.LineIndices...)
	sort.Ints(indices)
	ret := domain.Return{
		ReturnBillNo:      returnBillNo,
		OriginalBillNo:    sale.BillNo,
		Lines:             make([]domain.ReturnLine, 0, len(indices)),
		Reason:            strings.TrimSpace(req.Reason),
		Condition:         condition,
		Restocked:         req.Restock,
		OwnerAddress:      sale.PurchaserAddress,
		CreatedBy:         actorName(ctx),
		OriginalCreatedAt: sale.CreatedAt,
		CreatedAt:         now,
	}
	for _, idx := range indices {
		line := sale.Lines[idx]
		ret.Lines = append(ret.Lines, domain.ReturnLine{
			LineIndex:      idx,
			ItemID:         line.ItemID,
			Name:           line.Name,
			UnitPriceCents: line.UnitPriceCents,
			Qty:            line.Qty,
		})
		ret.RefundValueCents += line.UnitPriceCents * int64(line.Qty)
	}

	intent := domain.CheckoutIntent{
		ID:        xid.New("intent"),
		Kind:      domain.IntentKindReturn,
		BillNo:    returnBillNo,
		Status:    domain.IntentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ret.IntentID = intent.ID
	intent.Return = &ret
	if err := s.repo.CreateIntent(ctx, intent); err != nil {
		return domain.ReturnResponse{}, err
	}

	if _, err := s.repo.MarkSaleLinesReturned(ctx, sale.BillNo, indices, now, sale.Version); err != nil {
		s.failIntent(ctx, &intent, err)
		if errors.Is(err, store.ErrConflict) {
			return domain.ReturnResponse{}, fmt.Errorf("%w: sale %s changed while the return was being recorded", store.ErrConflict, sale.BillNo)
		}
		return domain.ReturnResponse{}, err
	}
	intent.LinesMarked = true
	s.saveIntent(ctx, &intent)

	s.mintReturnReceipt(ctx, &intent)

	committed, err := s.commitReturn(ctx, &intent)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	resp := domain.ReturnResponse{Return: committed}
	if req.Coupon != nil {
		coupon, err := s.ReissueCoupon(ctx, committed.ReturnBillNo, req.Coupon.OwnerAddress)
		if err != nil {
			resp.CouponError = err.Error()
			s.logger.Warn("coupon reissue failed", zap.String("return_bill_no", committed.ReturnBillNo), zap.Error(err))
		} else {
			resp.Coupon = &coupon
		}
	}
	return resp, nil
}

// mintReturnReceipt records the mint outcome on the intent's return snapshot.
func (s *Service) mintReturnReceipt(ctx context.Context, intent *domain.CheckoutIntent) {
	ret := intent.Return
	txID, err := s.mintReturn(ctx, *ret)
	if err != nil {
		ret.MintStatus = domain.MintStatusFailed
		ret.MintError = err.Error()
		intent.Error = err.Error()
		if broadcastUnconfirmed(txID, err) {
			// Kept so a retry checks this tx before minting again.
			ret.MintTxID = txID
			intent.MintTxID = txID
			intent.MintPending = true
		}
		s.saveIntent(ctx, intent)
		return
	}
	ret.MintStatus = domain.MintStatusMinted
	ret.MintTxID = txID
	ret.MintError = ""
	intent.MintTxID = txID
	s.advanceIntent(ctx, intent, domain.IntentStatusMinted)
}

func (s *Service) mintReturn(ctx context.Context, ret domain.Return) (string, error) {
	payload, err := json.Marshal(buildReturnPayload(ret))
	if err != nil {
		return "", fmt.Errorf("encode return payload: %w", err)
	}
	started := time.Now()
	txID, err := s.minter.MintReceipt(ctx, ret.OwnerAddress, ret.ReturnBillNo, string(payload))
	s.metrics.ObserveChainCall("mint_return", time.Since(started).Seconds(), err)
	if err != nil {
		s.logger.Warn("return mint failed", zap.String("return_bill_no", ret.ReturnBillNo), zap.String("tx", txID), zap.Error(err))
		return txID, err
	}
	return txID, nil
}

func (s *Service) commitReturn(ctx context.Context, intent *domain.CheckoutIntent) (domain.Return, error) {
	ret := *intent.Return
	created, err := s.repo.CreateReturn(ctx, ret)
	restock := ret.Restocked
	if errors.Is(err, store.ErrConflict) {
		created, err = s.repo.GetReturn(ctx, ret.ReturnBillNo)
		restock = false
		if err == nil && created.IntentID != intent.ID {
			err = fmt.Errorf("%w: return %s already belongs to intent %s", store.ErrConflict, ret.ReturnBillNo, created.IntentID)
		}
	}
	if err != nil {
		return domain.Return{}, s.ledgerFailure(ctx, intent, "commit_return", err)
	}

	if restock {
		adjustments := make([]domain.StockAdjustment, 0, len(created.Lines))
		for _, line := range created.Lines {
			adjustments = append(adjustments, domain.StockAdjustment{ItemID: line.ItemID, Qty: line.Qty})
		}
		if err := s.repo.ReleaseStock(ctx, adjustments); err != nil {
			s.logger.Error("restock failed", zap.String("return_bill_no", created.ReturnBillNo), zap.Error(err))
		}
	}

	intent.Error = ""
	s.advanceIntent(ctx, intent, domain.IntentStatusCommitted)
	s.metrics.Return(created.MintStatus)
	s.logAudit(ctx, domain.AuditReturnProcessed, "return", created.ReturnBillNo,
		fmt.Sprintf("original=%s,lines=%d,refund=%s,mint=%s", created.OriginalBillNo, len(created.Lines), pricing.Dollars(created.RefundValueCents), created.MintStatus))
	return *created, nil
}

// resumeReturn finishes a return intent. An intent that stopped before its
// lines were marked is validated against the sale again, since another
// return may have taken those lines in the meantime.
func (s *Service) resumeReturn(ctx context.Context, intent *domain.CheckoutIntent) error {
	ret := intent.Return
	if !intent.LinesMarked && ret.MintStatus == "" {
		sale, err := s.repo.GetSale(ctx, ret.OriginalBillNo)
		if err != nil {
			return err
		}
		indices := make([]int, 0, len(ret.Lines))
		for _, line := range ret.Lines {
			indices = append(indices, line.LineIndex)
		}
		if err := validateSelection(*sale, indices); err != nil {
			s.failIntent(ctx, intent, err)
			return err
		}
		if _, err := s.repo.MarkSaleLinesReturned(ctx, sale.BillNo, indices, ret.CreatedAt, sale.Version); err != nil {
			return err
		}
		intent.LinesMarked = true
		s.saveIntent(ctx, intent)
	}
	if ret.MintStatus == "" {
		s.mintReturnReceipt(ctx, intent)
	}
	_, err := s.commitReturn(ctx, intent)
	return err
}

// RetryReturnMint re-attempts the mint of a return committed with a failed
// mint. A return that is already minted is returned unchanged.
func (s *Service) RetryReturnMint(ctx context.Context, returnBillNo string) (domain.Return, error) {
	ret, err := s.repo.GetReturn(ctx, returnBillNo)
	if err != nil {
		return domain.Return{}, err
	}
	if ret.MintStatus == domain.MintStatusMinted {
		return *ret, nil
	}
	if s.minter == nil {
		return domain.Return{}, ErrWalletNotAvailable
	}

	if ret.MintTxID != "" {
		adopted, done, err := s.settleReturnMint(ctx, ret)
		if err != nil || done {
			return adopted, err
		}
	}

	txID, mintErr := s.mintReturn(ctx, *ret)
	if mintErr != nil {
		kept := ""
		if broadcastUnconfirmed(txID, mintErr) {
			kept = txID
		}
		if _, err := s.repo.UpdateReturnMint(ctx, ret.ReturnBillNo, kept, domain.MintStatusFailed, mintErr.Error()); err != nil {
			s.logger.Error("failed to record mint retry failure", zap.String("return_bill_no", ret.ReturnBillNo), zap.Error(err))
		}
		return domain.Return{}, &WorkflowError{Op: "mint_return", IntentID: ret.IntentID, BillNo: ret.ReturnBillNo, MintTxID: kept, Err: wrapCause(ErrMintFailed, mintErr)}
	}

	updated, err := s.repo.UpdateReturnMint(ctx, ret.ReturnBillNo, txID, domain.MintStatusMinted, "")
	if err != nil {
		return domain.Return{}, &WorkflowError{Op: "mint_return", IntentID: ret.IntentID, BillNo: ret.ReturnBillNo, MintTxID: txID, Err: wrapCause(ErrLedgerWriteFailed, err)}
	}
	s.metrics.Return(domain.MintStatusMinted)
	s.logAudit(ctx, domain.AuditReturnProcessed, "return", updated.ReturnBillNo, "mint retried,tx="+txID)
	return *updated, nil
}

// settleReturnMint checks a mint tx recorded by an earlier attempt. A confirmed
// tx is adopted; a pending one blocks the retry; anything else lets it mint.
func (s *Service) settleReturnMint(ctx context.Context, ret *domain.Return) (domain.Return, bool, error) {
	state, err := s.txState(ctx, ret.MintTxID)
	if err != nil {
		return domain.Return{}, false, err
	}
	switch state {
	case chain.TxConfirmed:
		updated, err := s.repo.UpdateReturnMint(ctx, ret.ReturnBillNo, ret.MintTxID, domain.MintStatusMinted, "")
		if err != nil {
			return domain.Return{}, false, &WorkflowError{Op: "mint_return", IntentID: ret.IntentID, BillNo: ret.ReturnBillNo, MintTxID: ret.MintTxID, Err: wrapCause(ErrLedgerWriteFailed, err)}
		}
		s.metrics.Return(domain.MintStatusMinted)
		s.logAudit(ctx, domain.AuditReturnProcessed, "return", updated.ReturnBillNo, "mint confirmed,tx="+updated.MintTxID)
		return *updated, true, nil
	case chain.TxPending:
		return domain.Return{}, false, fmt.Errorf("%w: mint %s is still pending", store.ErrConflict, ret.MintTxID)
	}
	return domain.Return{}, false, nil
}

func validateSelection(sale domain.Sale, indices []int) error {
	if len(indices) == 0 {
		return invalidField("invalid return", "line_indices", "select at least one line")
	}
	seen := make(map[int]struct{}, len(indices))
	returned := make([]string, 0)
	for _, idx := range indices {
		if idx < 0 || idx >= len(sale.Lines) {
			return invalidField("invalid return", "line_indices", fmt.Sprintf("index %d out of range", idx))
		}
		if _, dup := seen[idx]; dup {
			return invalidField("invalid return", "line_indices", fmt.Sprintf("index %d listed twice", idx))
		}
		seen[idx] = struct{}{}
		if sale.Lines[idx].Returned {
			returned = append(returned, strconv.Itoa(idx))
		}
	}
	if len(returned) > 0 {
		return invalidField("lines already returned", "line_indices", strings.Join(returned, ","))
	}
	return nil
}

func normalizeCondition(condition string) (string, error) {
	condition = strings.ToLower(strings.TrimSpace(condition))
	switch condition {
	case "":
		return domain.ConditionGood, nil
	case domain.ConditionGood, domain.ConditionDamaged, domain.ConditionDefective:
		return condition, nil
	default:
		return "", invalidField("invalid return", "condition", "must be good, damaged or defective")
	}
}

func buildReturnPayload(ret domain.Return) returnPayload {
	items := make([]receiptItem, 0, len(ret.Lines))
	for _, line := range ret.Lines {
		items = append(items, receiptItem{
			ItemID:    line.ItemID,
			Name:      line.Name,
			UnitPrice: pricing.Dollars(line.UnitPriceCents),
			Qty:       line.Qty,
		})
	}
	return returnPayload{
		ReturnBillNo:      ret.ReturnBillNo,
		OriginalBillNo:    ret.OriginalBillNo,
		Items:             items,
		RefundValue:       pricing.Dollars(ret.RefundValueCents),
		Reason:            ret.Reason,
		Condition:         ret.Condition,
		OriginalTimestamp: ret.OriginalCreatedAt.Format(time.RFC3339),
		Timestamp:         ret.CreatedAt.Format(time.RFC3339),
	}
}
