package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("ETH_PRIVATE_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.EthPrivateKey != "" {
		t.Fatalf("expected empty ETH_PRIVATE_KEY when unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "2000", cfg.UsdPerEth.String())
	assert.Equal(t, "0.07", cfg.TaxRate.String())
	assert.Equal(t, 180, cfg.CouponValidityDays)
	assert.Equal(t, 15*time.Minute, cfg.IntentTTL)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 2*time.Minute, cfg.ChainTxTimeout)
	assert.Equal(t, "returnshield", cfg.MongoDatabase)
	assert.False(t, cfg.ChainEnabled())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("USD_PER_ETH", "3150.25")
	t.Setenv("INTENT_TTL_SECONDS", "30")
	t.Setenv("CHAIN_TX_TIMEOUT_SECONDS", "10")
	t.Setenv("ETH_RPC_URL", "http://127.0.0.1:8545")
	t.Setenv("ETH_CHAIN_ID", "31337")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "3150.25", cfg.UsdPerEth.String())
	assert.Equal(t, 30*time.Second, cfg.IntentTTL)
	assert.Equal(t, 10*time.Second, cfg.ChainTxTimeout)
	assert.Equal(t, int64(31337), cfg.EthChainID)
	assert.True(t, cfg.ChainEnabled())
}

func TestLoadRejectsInvalidNumbers(t *testing.T) {
	t.Setenv("USD_PER_ETH", "lots")
	t.Setenv("REDIS_DB", "-1")
	t.Setenv("TAX_RATE", "-0.1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USD_PER_ETH")
	assert.Contains(t, err.Error(), "REDIS_DB")
	assert.Contains(t, err.Error(), "TAX_RATE")
}

func TestLoadRejectsIntentTTLWithinChainTimeout(t *testing.T) {
	t.Setenv("CHAIN_TX_TIMEOUT_SECONDS", "60")

	t.Setenv("INTENT_TTL_SECONDS", "120")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INTENT_TTL_SECONDS")
	assert.Contains(t, err.Error(), "CHAIN_TX_TIMEOUT_SECONDS")

	t.Setenv("INTENT_TTL_SECONDS", "121")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 121*time.Second, cfg.IntentTTL)
}
