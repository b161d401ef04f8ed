package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"returnshield/backend/internal/chain"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/metadata"
	"returnshield/backend/internal/pricing"
	"returnshield/backend/internal/store"
)

const (
	couponCodeLength   = 10
	couponCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

func (s *Service) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	coupons, err := s.repo.ListCoupons(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range coupons {
		coupons[i].Expired = coupons[i].IsExpired(now)
	}
	return coupons, nil
}

// GetCoupon looks a code up exactly; codes are case-sensitive.
func (s *Service) GetCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	coupon, err := s.repo.GetCoupon(ctx, strings.TrimSpace(code))
	if err != nil {
		return domain.Coupon{}, err
	}
	coupon.Expired = coupon.IsExpired(s.now())
	return *coupon, nil
}

func (s *Service) MintCoupon(ctx context.Context, req domain.CouponMintRequest) (domain.Coupon, error) {
	if req.ValueCents < 1 {
		return domain.Coupon{}, invalidField("invalid coupon", "value_cents", "must be positive")
	}
	expiry, err := parseExpiry(req.Expiry)
	if err != nil {
		return domain.Coupon{}, invalidField("invalid coupon", "expiry", err.Error())
	}
	if !expiry.After(s.now()) {
		return domain.Coupon{}, invalidField("invalid coupon", "expiry", "must be in the future")
	}
	owner, err := chain.NormalizeAddress(req.OwnerAddress)
	if err != nil {
		return domain.Coupon{}, invalidField("invalid coupon", "owner_address", err.Error())
	}
	if contract := strings.TrimSpace(req.ContractAddress); contract != "" && !strings.EqualFold(contract, s.opts.ContractAddress) {
		return domain.Coupon{}, invalidField("invalid coupon", "contract_address", "only the configured coupon contract can mint")
	}

	return s.issueCoupon(ctx, req.ValueCents, expiry, owner, "")
}

// ReissueCoupon mints a store-credit coupon worth the returned lines. A return
// gets at most one coupon.
func (s *Service) ReissueCoupon(ctx context.Context, returnBillNo string, ownerAddress string) (domain.Coupon, error) {
	ret, err := s.repo.GetReturn(ctx, returnBillNo)
	if err != nil {
		return domain.Coupon{}, err
	}
	if existing, err := s.repo.FindCouponBySourceReturn(ctx, ret.ReturnBillNo); err == nil {
		return domain.Coupon{}, fmt.Errorf("%w: return %s already issued coupon %s", store.ErrConflict, ret.ReturnBillNo, existing.Code)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Coupon{}, err
	}
	if ret.RefundValueCents < 1 {
		return domain.Coupon{}, invalid("return has no refundable value")
	}

	owner := strings.TrimSpace(ownerAddress)
	if owner == "" {
		owner = ret.OwnerAddress
	}
	owner, err = chain.NormalizeAddress(owner)
	if err != nil {
		return domain.Coupon{}, invalidField("invalid coupon", "owner_address", err.Error())
	}

	expiry := ret.CreatedAt.AddDate(0, 0, s.opts.CouponValidityDays)
	return s.issueCoupon(ctx, ret.RefundValueCents, expiry, owner, ret.ReturnBillNo)
}

func (s *Service) issueCoupon(ctx context.Context, valueCents int64, expiry time.Time, owner string, sourceReturn string) (domain.Coupon, error) {
	if s.minter == nil {
		return domain.Coupon{}, ErrWalletNotAvailable
	}
	if s.uploader == nil {
		return domain.Coupon{}, metadata.ErrNotConfigured
	}

	code, err := generateCouponCode()
	if err != nil {
		return domain.Coupon{}, err
	}
	value := pricing.Dollars(valueCents)
	expiryDate := expiry.UTC().Format(time.DateOnly)

	tokenURI, err := s.uploader.UploadJSON(ctx, metadata.CouponMetadata{
		Name:        code,
		Description: fmt.Sprintf("Coupon worth $%s, expires on %s", value, expiryDate),
		Value:       value,
		Expiry:      expiryDate,
		Image:       s.opts.CouponImageURL,
	})
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("%w: upload metadata: %v", ErrMintFailed, err)
	}

	started := time.Now()
	txID, tokenID, err := s.minter.MintCoupon(ctx, owner, code, tokenURI)
	s.metrics.ObserveChainCall("mint_coupon", time.Since(started).Seconds(), err)
	if err != nil {
		return domain.Coupon{}, &WorkflowError{Op: "mint_coupon", BillNo: sourceReturn, Err: wrapCause(ErrMintFailed, err)}
	}

	coupon := domain.Coupon{
		Code:               code,
		ValueCents:         valueCents,
		Expiry:             expiry.UTC(),
		ContractAddress:    s.opts.ContractAddress,
		OwnerAddress:       owner,
		TokenID:            tokenID,
		TokenURI:           tokenURI,
		MintTxID:           txID,
		Status:             domain.CouponStatusActive,
		SourceReturnBillNo: sourceReturn,
		CreatedBy:          actorName(ctx),
		CreatedAt:          s.now(),
	}
	created, err := s.repo.CreateCoupon(ctx, coupon)
	if err != nil {
		s.logger.Error("coupon minted but not stored", zap.String("code", code), zap.String("tx", txID), zap.Error(err))
		return domain.Coupon{}, &WorkflowError{Op: "store_coupon", BillNo: sourceReturn, MintTxID: txID, Err: wrapCause(ErrLedgerWriteFailed, err)}
	}

	s.metrics.CouponMinted()
	detail := fmt.Sprintf("value=%s,expiry=%s,token=%s", value, expiryDate, tokenID)
	if sourceReturn != "" {
		detail += ",return=" + sourceReturn
	}
	s.logAudit(ctx, domain.AuditCouponMinted, "coupon", created.Code, detail)
	created.Expired = created.IsExpired(s.now())
	return *created, nil
}

func generateCouponCode() (string, error) {
	limit := big.NewInt(int64(len(couponCodeAlphabet)))
	var b strings.Builder
	b.Grow(couponCodeLength)
	for i := 0; i < couponCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate coupon code: %w", err)
		}
		b.WriteByte(couponCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func parseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, errors.New("use YYYY-MM-DD or RFC 3339")
	}
	return t.UTC(), nil
}
