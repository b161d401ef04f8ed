package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"returnshield/backend/internal/chain"
	"returnshield/backend/internal/config"
	"returnshield/backend/internal/domain"
	"returnshield/backend/internal/httpapi"
	"returnshield/backend/internal/logging"
	"returnshield/backend/internal/metadata"
	"returnshield/backend/internal/metrics"
	"returnshield/backend/internal/sequence"
	"returnshield/backend/internal/service"
	"returnshield/backend/internal/store"
	"returnshield/backend/internal/store/memory"
	mongostore "returnshield/backend/internal/store/mongodb"
	pgstore "returnshield/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	if strings.EqualFold(cfg.Environment, "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 4)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("repository unavailable; refusing to start with in-memory fallback", zap.Error(err))
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}
	if err := seedAdmin(ctx, repo, cfg.SeedAdminPassword, logger); err != nil {
		logger.Fatal("seed admin", zap.Error(err))
	}

	var allocator sequence.Allocator
	if cfg.RedisAddr != "" {
		redisSeq := sequence.NewRedisAllocator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisSeq.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using store sequences", zap.Error(err))
			_ = redisSeq.Close()
		} else if err := alignSequences(ctx, redisSeq, repo); err != nil {
			logger.Warn("align redis sequences failed, using store sequences", zap.Error(err))
			_ = redisSeq.Close()
		} else {
			allocator = redisSeq
			closers = append(closers, redisSeq.Close)
			logger.Info("sequence: redis")
		}
	} else {
		logger.Info("sequence: store")
	}

	m := metrics.New()
	deps := service.Dependencies{
		Repo:     repo,
		Sequence: allocator,
		Metrics:  m,
		Logger:   logger,
	}

	contractAddress := cfg.CouponContractAddress
	if cfg.ChainEnabled() {
		client, err := chain.Dial(ctx, chain.Config{
			RPCURL:          cfg.EthRPCURL,
			PrivateKeyHex:   cfg.EthPrivateKey,
			ChainID:         cfg.EthChainID,
			ContractAddress: cfg.CouponContractAddress,
			TxTimeout:       cfg.ChainTxTimeout,
		}, logger)
		if err != nil {
			logger.Fatal("chain unavailable", zap.Error(err))
		}
		deps.Wallet = client
		deps.Minter = client
		deps.Tracker = client
		contractAddress = client.ContractAddress()
		closers = append(closers, client.Close)
		logger.Info("chain: connected", zap.String("signer", client.Address()), zap.String("contract", contractAddress))
	} else {
		logger.Warn("chain: disabled, checkout and coupon minting will be unavailable")
	}

	if cfg.PinataJWT != "" {
		pinata := metadata.NewPinataClient(cfg.PinataBaseURL, cfg.PinataJWT, cfg.ChainTxTimeout, logger)
		deps.Uploader = pinata
		closers = append(closers, pinata.Close)
	} else {
		logger.Warn("metadata: pinata not configured, coupon minting will be unavailable")
	}

	svc := service.New(deps, service.Options{
		UsdPerEth:          cfg.UsdPerEth,
		TaxRate:            decimal.NewNullDecimal(cfg.TaxRate),
		ContractAddress:    contractAddress,
		CouponValidityDays: cfg.CouponValidityDays,
		CouponImageURL:     cfg.CouponImageURL,
		IntentTTL:          cfg.IntentTTL,
	})
	cancel()

	auth := httpapi.NewAuthManager(context.Background(), cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, repo, logger)
	api := httpapi.New(svc, auth, m, logger, cfg.AllowedOrigin)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go svc.RunReconcileLoop(loopCtx, cfg.ReconcileInterval)

	// chain calls wait for receipts, so writes get the tx timeout on top
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2*cfg.ChainTxTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("returnshield backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopLoop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// openRepository prefers postgres, then mongo, then the seeded memory store.
// A configured backend that fails to come up is an error, never a fallback.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		logger.Info("repository: postgres")
		return pg, pg.Close, nil
	case cfg.MongoURI != "":
		mg, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		if err := mg.EnsureIndexes(ctx); err != nil {
			_ = mg.Close()
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		logger.Info("repository: mongodb", zap.String("database", cfg.MongoDatabase))
		return mg, mg.Close, nil
	default:
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
}

type userSeeder interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// seedAdmin creates the first admin on an empty user table.
func seedAdmin(ctx context.Context, users userSeeder, password string, logger *zap.Logger) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if len(password) < 8 {
		logger.Warn("no users and SEED_ADMIN_PASSWORD unset or shorter than 8 characters; login disabled")
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := users.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	logger.Info("seeded admin account", zap.String("username", "admin"))
	return nil
}

type ledgerReader interface {
	ListSales(ctx context.Context, limit int) ([]domain.Sale, error)
	ListReturns(ctx context.Context, limit int) ([]domain.Return, error)
}

type sequenceFloor interface {
	EnsureAtLeast(ctx context.Context, prefix string, floor int64) error
}

// alignSequences lifts the shared counters past the newest bills already in
// the ledger so a flushed Redis never hands out a duplicate number.
func alignSequences(ctx context.Context, seq sequenceFloor, ledger ledgerReader) error {
	sales, err := ledger.ListSales(ctx, 1)
	if err != nil {
		return err
	}
	if len(sales) > 0 {
		if n, ok := sequence.Parse(sequence.PurchasePrefix, sales[0].BillNo); ok {
			if err := seq.EnsureAtLeast(ctx, sequence.PurchasePrefix, n); err != nil {
				return err
			}
		}
	}

	returns, err := ledger.ListReturns(ctx, 1)
	if err != nil {
		return err
	}
	if len(returns) > 0 {
		if n, ok := sequence.Parse(sequence.ReturnPrefix, returns[0].ReturnBillNo); ok {
			if err := seq.EnsureAtLeast(ctx, sequence.ReturnPrefix, n); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ChainEnabled() {
		if strings.TrimSpace(cfg.EthPrivateKey) == "" {
			return fmt.Errorf("ETH_PRIVATE_KEY must be set when ETH_RPC_URL is configured")
		}
		if !chain.ValidAddress(cfg.CouponContractAddress) {
			return fmt.Errorf("COUPON_CONTRACT_ADDRESS must be a valid address when ETH_RPC_URL is configured")
		}
	}
	return nil
}
