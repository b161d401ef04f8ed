package service

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"returnshield/backend/internal/cart"
	"returnshield/backend/internal/chain"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/metrics"
	"returnshield/backend/internal/pricing"
	"returnshield/backend/internal/sequence"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Wallet captures payment from the server-held signer.
type Wallet interface {
	Address() string
	Transfer(ctx context.Context, to string, amountWei *big.Int) (string, error)
}

// Wallet and Minter return the tx hash alongside an error once the tx was
// broadcast, so callers can track a tx whose receipt never arrived.
type Minter interface {
	MintReceipt(ctx context.Context, owner string, billNo string, payload string) (string, error)
	MintCoupon(ctx context.Context, owner string, couponCode string, tokenURI string) (txID string, tokenID string, err error)
}

// TxTracker settles transactions left pending by an earlier attempt.
type TxTracker interface {
	TransactionState(ctx context.Context, txID string) (chain.TxState, error)
}

type MetadataUploader interface {
	UploadJSON(ctx context.Context, v any) (string, error)
}

type Options struct {
	UsdPerEth          decimal.Decimal
	TaxRate            decimal.NullDecimal
	ContractAddress    string
	CouponValidityDays int
	CouponImageURL     string
	IntentTTL          time.Duration
}

// Dependencies wires the collaborators. Wallet, Minter and Uploader may be
// nil; the operations that need them then fail with ErrWalletNotAvailable or
// metadata.ErrNotConfigured.
type Dependencies struct {
	Repo     store.Repository
	Wallet   Wallet
	Minter   Minter
	Tracker  TxTracker
	Uploader MetadataUploader
	Sequence sequence.Allocator
	Carts    *cart.Book
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type Service struct {
	repo     store.Repository
	wallet   Wallet
	minter   Minter
	tracker  TxTracker
	uploader MetadataUploader
	seq      sequence.Allocator
	carts    *cart.Book
	metrics  *metrics.Metrics
	logger   *zap.Logger
	pricing  pricing.Calculator
	opts     Options
	now      func() time.Time
}

func New(deps Dependencies, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sequence == nil {
		deps.Sequence = sequence.NewStoreAllocator(deps.Repo)
	}
	if deps.Carts == nil {
		deps.Carts = cart.NewBook()
	}
	if !opts.TaxRate.Valid {
		opts.TaxRate = decimal.NewNullDecimal(pricing.DefaultTaxRate)
	}
	if !opts.UsdPerEth.IsPositive() {
		opts.UsdPerEth = decimal.NewFromInt(2000)
	}
	if opts.CouponValidityDays <= 0 {
		opts.CouponValidityDays = 180
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = 15 * time.Minute
	}

	return &Service{
		repo:     deps.Repo,
		wallet:   deps.Wallet,
		minter:   deps.Minter,
		tracker:  deps.Tracker,
		uploader: deps.Uploader,
		seq:      deps.Sequence,
		carts:    deps.Carts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		pricing:  pricing.New(opts.TaxRate.Decimal),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListSales(ctx context.Context, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, clampLimit(limit))
}

func (s *Service) GetSale(ctx context.Context, billNo string) (domain.Sale, error) {
	sale, err := s.repo.GetSale(ctx, billNo)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListReturns(ctx context.Context, limit int) ([]domain.Return, error) {
	return s.repo.ListReturns(ctx, clampLimit(limit))
}

func (s *Service) GetReturn(ctx context.Context, returnBillNo string) (domain.Return, error) {
	ret, err := s.repo.GetReturn(ctx, returnBillNo)
	if err != nil {
		return domain.Return{}, err
	}
	return *ret, nil
}

func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	return s.repo.GetDashboard(ctx, s.now())
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	return s.repo.ListAuditLogs(ctx, clampLimit(limit))
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && actor.Username != "" {
		return actor.Username
	}
	return "system"
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
