package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"returnshield/backend/internal/store"
)

var (
	ErrWalletNotAvailable = errors.New("wallet not available")
	ErrPaymentFailed      = errors.New("payment failed")
	ErrMintFailed         = errors.New("mint failed")
	ErrLedgerWriteFailed  = errors.New("ledger write failed")
	ErrCouponInvalid      = errors.New("coupon invalid")
	ErrSaleNotFound       = fmt.Errorf("sale %w", store.ErrNotFound)
)

// ValidationError is a rejected request; Fields maps input names to problems.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for key := range e.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+e.Fields[key])
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

func (e *ValidationError) Unwrap() error {
	return store.ErrInvalidInput
}

func invalid(message string) error {
	return &ValidationError{Message: message}
}

func invalidField(message string, field string, problem string) error {
	return &ValidationError{Message: message, Fields: map[string]string{field: problem}}
}

type InsufficientStockError struct {
	ItemID    string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// WorkflowError reports a failure after the workflow has taken external
// effect. IntentID identifies the record an operator resumes from.
type WorkflowError struct {
	Op          string
	IntentID    string
	BillNo      string
	PaymentTxID string
	MintTxID    string
	Err         error
}

func (e *WorkflowError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.IntentID != "" {
		b.WriteString(" (intent ")
		b.WriteString(e.IntentID)
		if e.PaymentTxID != "" {
			b.WriteString(", payment ")
			b.WriteString(e.PaymentTxID)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) PaymentCaptured() bool {
	return e.PaymentTxID != ""
}

// IsMintFailedAfterPayment reports the state where funds moved but no
// receipt token exists.
func IsMintFailedAfterPayment(err error) bool {
	var wf *WorkflowError
	return errors.As(err, &wf) && errors.Is(wf.Err, ErrMintFailed) && wf.PaymentCaptured()
}

func wrapCause(sentinel error, cause error) error {
	return fmt.Errorf("%w: %v", sentinel, cause)
}
