package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"returnshield/backend/internal/chain"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/store"
)

func (s *Service) advanceIntent(ctx context.Context, intent *domain.CheckoutIntent, status string) {
	intent.Status = status
	if s.saveIntent(ctx, intent) {
		s.metrics.Intent(status)
	}
}

// saveIntent persists the intent without changing its status.
func (s *Service) saveIntent(ctx context.Context, intent *domain.CheckoutIntent) bool {
	intent.UpdatedAt = s.now()
	if err := s.repo.UpdateIntent(ctx, *intent); err != nil {
		s.logger.Error("failed to persist intent",
			zap.String("intent_id", intent.ID),
			zap.String("status", intent.Status),
			zap.Error(err),
		)
		return false
	}
	return true
}

// broadcastUnconfirmed reports a chain call that returned a tx hash but no
// successful receipt. Unless it reverted, the tx may still be mined.
func broadcastUnconfirmed(txID string, err error) bool {
	return err != nil && txID != "" && !errors.Is(err, chain.ErrTxReverted)
}

func (s *Service) txState(ctx context.Context, txID string) (chain.TxState, error) {
	if s.tracker == nil {
		return "", fmt.Errorf("%w: cannot check transaction %s", ErrWalletNotAvailable, txID)
	}
	state, err := s.tracker.TransactionState(ctx, txID)
	if err != nil {
		return "", fmt.Errorf("check transaction %s: %w", txID, err)
	}
	return state, nil
}

// settlePayment resolves a payment whose receipt was never seen. A payment
// that reverted or vanished moved no funds, so the intent is released.
func (s *Service) settlePayment(ctx context.Context, intent *domain.CheckoutIntent) error {
	txID := intent.PaymentTxID
	state, err := s.txState(ctx, txID)
	if err != nil {
		return err
	}
	switch state {
	case chain.TxConfirmed:
		intent.PaymentPending = false
		intent.Error = ""
		s.saveIntent(ctx, intent)
		return nil
	case chain.TxPending:
		return fmt.Errorf("%w: payment %s is still pending", store.ErrConflict, txID)
	}

	cause := fmt.Errorf("payment %s %s", txID, state)
	intent.PaymentTxID = ""
	intent.PaymentPending = false
	if intent.Sale != nil {
		intent.Sale.PaymentTxID = ""
	}
	s.releaseReservations(ctx, intent)
	s.failIntent(ctx, intent, cause)
	return &WorkflowError{Op: "payment", IntentID: intent.ID, BillNo: intent.BillNo, Err: wrapCause(ErrPaymentFailed, cause)}
}

// settleMint resolves a receipt mint whose receipt was never seen. A mint
// that reverted or vanished is cleared so it can be sent again.
func (s *Service) settleMint(ctx context.Context, intent *domain.CheckoutIntent) error {
	txID := intent.MintTxID
	state, err := s.txState(ctx, txID)
	if err != nil {
		return err
	}
	switch state {
	case chain.TxConfirmed:
		intent.MintPending = false
		intent.Error = ""
	case chain.TxPending:
		return fmt.Errorf("%w: mint %s is still pending", store.ErrConflict, txID)
	default:
		intent.MintTxID = ""
		intent.MintPending = false
		if intent.Sale != nil {
			intent.Sale.MintTxID = ""
		}
		intent.Error = fmt.Sprintf("mint %s %s", txID, state)
	}
	s.saveIntent(ctx, intent)
	return nil
}

func (s *Service) failIntent(ctx context.Context, intent *domain.CheckoutIntent, cause error) {
	intent.Error = cause.Error()
	s.advanceIntent(ctx, intent, domain.IntentStatusFailed)
}

// releaseReservations returns held stock and the held coupon. Errors are
// logged; the intent keeps the reservations for the reconciler.
func (s *Service) releaseReservations(ctx context.Context, intent *domain.CheckoutIntent) {
	if len(intent.Reservations) > 0 {
		if err := s.repo.ReleaseStock(ctx, intent.Reservations); err != nil {
			s.logger.Error("failed to release stock", zap.String("intent_id", intent.ID), zap.Error(err))
			return
		}
	}
	if intent.CouponCode != "" {
		if err := s.repo.ReleaseCoupon(ctx, intent.CouponCode, intent.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("failed to release coupon", zap.String("intent_id", intent.ID), zap.String("coupon", intent.CouponCode), zap.Error(err))
			return
		}
	}
	intent.Reservations = nil
}

func (s *Service) ListIntents(ctx context.Context, statuses []string) ([]domain.CheckoutIntent, error) {
	return s.repo.ListIntents(ctx, statuses, time.Time{}, 500)
}

func (s *Service) GetIntent(ctx context.Context, id string) (domain.CheckoutIntent, error) {
	intent, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return domain.CheckoutIntent{}, err
	}
	return *intent, nil
}

// ReconcileOnce settles intents idle for longer than the TTL. Stale sale
// intents that never paid are released and failed. Anything that moved funds
// or touched the ledger is only flagged orphaned for an operator.
func (s *Service) ReconcileOnce(ctx context.Context, now time.Time) (domain.ReconcileReport, error) {
	report := domain.ReconcileReport{Released: []string{}, Orphaned: []string{}}
	cutoff := now.Add(-s.opts.IntentTTL)

	pending, err := s.repo.ListIntents(ctx, []string{domain.IntentStatusPending}, cutoff, 0)
	if err != nil {
		return report, err
	}
	for i := range pending {
		intent := pending[i]
		if intent.Kind == domain.IntentKindReturn {
			s.orphanIntent(ctx, &intent)
			report.Orphaned = append(report.Orphaned, intent.ID)
			continue
		}
		s.releaseReservations(ctx, &intent)
		s.failIntent(ctx, &intent, errors.New("expired before payment"))
		report.Released = append(report.Released, intent.ID)
	}

	stuck, err := s.repo.ListIntents(ctx, []string{domain.IntentStatusPaid, domain.IntentStatusMinted}, cutoff, 0)
	if err != nil {
		return report, err
	}
	for i := range stuck {
		intent := stuck[i]
		s.orphanIntent(ctx, &intent)
		report.Orphaned = append(report.Orphaned, intent.ID)
	}
	return report, nil
}

func (s *Service) orphanIntent(ctx context.Context, intent *domain.CheckoutIntent) {
	previous := intent.Status
	s.advanceIntent(ctx, intent, domain.IntentStatusOrphaned)
	s.logAudit(ctx, domain.AuditIntentOrphaned, "intent", intent.ID,
		fmt.Sprintf("bill=%s,from=%s,payment_tx=%s,mint_tx=%s", intent.BillNo, previous, intent.PaymentTxID, intent.MintTxID))
	s.logger.Warn("intent orphaned",
		zap.String("intent_id", intent.ID),
		zap.String("bill_no", intent.BillNo),
		zap.String("from", previous),
	)
}

func (s *Service) RunReconcileLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("reconcile loop started", zap.Duration("interval", interval), zap.Duration("ttl", s.opts.IntentTTL))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile loop stopped")
			return
		case <-ticker.C:
			report, err := s.ReconcileOnce(ctx, s.now())
			if err != nil {
				s.logger.Error("reconcile failed", zap.Error(err))
				continue
			}
			if len(report.Released) > 0 || len(report.Orphaned) > 0 {
				s.logger.Info("reconcile finished",
					zap.Int("released", len(report.Released)),
					zap.Int("orphaned", len(report.Orphaned)),
				)
			}
		}
	}
}

// ResumeIntent rolls a stuck intent forward from wherever it stopped.
func (s *Service) ResumeIntent(ctx context.Context, id string) (domain.CheckoutIntent, error) {
	intent, err := s.repo.GetIntent(ctx, id)
	if err != nil {
		return domain.CheckoutIntent{}, err
	}
	if !intent.Resumable() {
		return domain.CheckoutIntent{}, fmt.Errorf("%w: intent %s is %s", store.ErrConflict, intent.ID, intent.Status)
	}
	if s.minter == nil {
		return domain.CheckoutIntent{}, ErrWalletNotAvailable
	}

	switch intent.Kind {
	case domain.IntentKindSale:
		if intent.Sale == nil {
			return domain.CheckoutIntent{}, fmt.Errorf("%w: intent %s has no sale snapshot", store.ErrInvalidInput, intent.ID)
		}
		if intent.PaymentPending {
			if err := s.settlePayment(ctx, intent); err != nil {
				return *intent, err
			}
		}
		if intent.MintPending {
			if err := s.settleMint(ctx, intent); err != nil {
				return *intent, err
			}
		}
		if intent.MintTxID == "" {
			if err := s.mintSaleReceipt(ctx, intent); err != nil {
				return *intent, err
			}
		}
		if _, err := s.commitSale(ctx, intent); err != nil {
			return *intent, err
		}
	case domain.IntentKindReturn:
		if intent.Return == nil {
			return domain.CheckoutIntent{}, fmt.Errorf("%w: intent %s has no return snapshot", store.ErrInvalidInput, intent.ID)
		}
		if err := s.resumeReturn(ctx, intent); err != nil {
			return *intent, err
		}
	default:
		return domain.CheckoutIntent{}, fmt.Errorf("%w: unknown intent kind %q", store.ErrInvalidInput, intent.Kind)
	}

	s.logAudit(ctx, domain.AuditIntentResumed, "intent", intent.ID, "bill="+intent.BillNo)
	return *intent, nil
}
