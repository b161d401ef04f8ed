package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	Environment   string
	LogLevel      string
	AllowedOrigin string

	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int
	SeedAdminPassword     string

	EthRPCURL             string
	EthPrivateKey         string
	EthChainID            int64
	CouponContractAddress string
	ChainTxTimeout        time.Duration
	UsdPerEth             decimal.Decimal
	TaxRate               decimal.Decimal

	PinataJWT      string
	PinataBaseURL  string
	CouponImageURL string

	CouponValidityDays int
	IntentTTL          time.Duration
	ReconcileInterval  time.Duration
}

// Load reads settings from the environment, falling back to an optional .env
// file and then to defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigType("env")
	v.SetConfigName(".env")
	v.AddConfigPath(".")
	v.AddConfigPath("..")

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("MONGO_DATABASE", "returnshield")
	v.SetDefault("REDIS_DB", "0")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", "480")
	v.SetDefault("ETH_CHAIN_ID", "0")
	v.SetDefault("CHAIN_TX_TIMEOUT_SECONDS", "120")
	v.SetDefault("USD_PER_ETH", "2000")
	v.SetDefault("TAX_RATE", "0.07")
	v.SetDefault("PINATA_BASE_URL", "https://api.pinata.cloud")
	v.SetDefault("COUPON_VALIDITY_DAYS", "180")
	v.SetDefault("INTENT_TTL_SECONDS", "900")
	v.SetDefault("RECONCILE_INTERVAL_SECONDS", "60")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	get := func(key string) string {
		if val := os.Getenv(key); val != "" {
			return strings.TrimSpace(val)
		}
		return strings.TrimSpace(v.GetString(key))
	}

	var errs []error
	intValue := func(key string, min int) int {
		n, err := strconv.Atoi(get(key))
		if err != nil || n < min {
			errs = append(errs, fmt.Errorf("%s must be an integer >= %d", key, min))
		}
		return n
	}
	decimalValue := func(key string) decimal.Decimal {
		d, err := decimal.NewFromString(get(key))
		if err != nil || d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must be a non-negative decimal", key))
		}
		return d
	}

	chainID, err := strconv.ParseInt(get("ETH_CHAIN_ID"), 10, 64)
	if err != nil || chainID < 0 {
		errs = append(errs, errors.New("ETH_CHAIN_ID must be a non-negative integer"))
	}

	cfg := Config{
		Port:          get("PORT"),
		Environment:   get("ENVIRONMENT"),
		LogLevel:      get("LOG_LEVEL"),
		AllowedOrigin: get("ALLOWED_ORIGIN"),

		DatabaseURL:   get("DATABASE_URL"),
		MongoURI:      get("MONGO_URI"),
		MongoDatabase: get("MONGO_DATABASE"),
		RedisAddr:     get("REDIS_ADDR"),
		RedisPassword: get("REDIS_PASSWORD"),
		RedisDB:       intValue("REDIS_DB", 0),

		AuthSecret:            get("AUTH_SECRET"),
		AccessTokenTTLMinutes: intValue("ACCESS_TOKEN_TTL_MINUTES", 1),
		SeedAdminPassword:     get("SEED_ADMIN_PASSWORD"),

		EthRPCURL:             get("ETH_RPC_URL"),
		EthPrivateKey:         get("ETH_PRIVATE_KEY"),
		EthChainID:            chainID,
		CouponContractAddress: get("COUPON_CONTRACT_ADDRESS"),
		ChainTxTimeout:        time.Duration(intValue("CHAIN_TX_TIMEOUT_SECONDS", 1)) * time.Second,
		UsdPerEth:             decimalValue("USD_PER_ETH"),
		TaxRate:               decimalValue("TAX_RATE"),

		PinataJWT:      get("PINATA_JWT"),
		PinataBaseURL:  get("PINATA_BASE_URL"),
		CouponImageURL: get("COUPON_IMAGE_URL"),

		CouponValidityDays: intValue("COUPON_VALIDITY_DAYS", 1),
		IntentTTL:          time.Duration(intValue("INTENT_TTL_SECONDS", 1)) * time.Second,
		ReconcileInterval:  time.Duration(intValue("RECONCILE_INTERVAL_SECONDS", 1)) * time.Second,
	}

	if cfg.UsdPerEth.IsZero() {
		errs = append(errs, errors.New("USD_PER_ETH must be positive"))
	}
	// The reconciler must not orphan an intent whose chain call is still waiting.
	if cfg.IntentTTL <= 2*cfg.ChainTxTimeout {
		errs = append(errs, fmt.Errorf("INTENT_TTL_SECONDS (%s) must exceed twice CHAIN_TX_TIMEOUT_SECONDS (%s)", cfg.IntentTTL, cfg.ChainTxTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) ChainEnabled() bool {
	return c.EthRPCURL != ""
}
