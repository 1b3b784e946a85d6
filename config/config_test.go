package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
chain_id: 1
endpoints:
  - url: https://rpc-a.example.com
    priority: 1
  - url: https://rpc-b.example.com
    priority: 0
tokens:
  - symbol: USDC
    address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
    decimals: 6
    stable: true
  - symbol: WETH
    address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
    decimals: 18
    price_feed: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"
venues:
  - name: unifarm
    kind: v2
    address: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
  - name: depthswap
    kind: v3
    address: "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6"
    fee_tiers: [500, 3000]
pairs:
  - token_a: USDC
    token_b: WETH
    test_amount: "10000000000"
    min_profit_bps: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flasharb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), cfg.ChainID)
	assert.Len(t, cfg.Endpoints, 2)
	// Values the file does not set keep their defaults.
	assert.Equal(t, int64(5), cfg.FlashLoanFeeBps)
	assert.Equal(t, 2*time.Second, cfg.PriceCacheTTL.Std())
	assert.Equal(t, 30*time.Second, cfg.UnhealthyCooldown.Std())
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.True(t, cfg.Simulation)
	assert.Equal(t, "0xcA11bde05977b3631167028862bE2a173976CA11", cfg.MulticallAddress)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfigAloneDoesNotValidate(t *testing.T) {
	// Market tables have no defaults; a bare default config is unusable.
	err := DefaultConfig().ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain_id")
	assert.Contains(t, err.Error(), "endpoint")
}

func TestValidateRejectsBadVenues(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Venues[0].Kind = "balancer"
	assert.ErrorContains(t, cfg.ValidateConfig(), `unknown kind "balancer"`)

	cfg, err = LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)
	cfg.Venues[1].FeeTiers = nil
	assert.ErrorContains(t, cfg.ValidateConfig(), "at least one fee tier")
}

func TestValidateRejectsDegeneratePair(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Pairs[0].TokenB = "USDC"
	assert.ErrorContains(t, cfg.ValidateConfig(), "same token on both sides")

	cfg.Pairs[0].TokenB = "WETH"
	cfg.Pairs[0].TestAmount = "not-a-number"
	assert.ErrorContains(t, cfg.ValidateConfig(), "positive test_amount")
}

func TestValidateRejectsFeeOutOfRange(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.FlashLoanFeeBps = 10000
	assert.ErrorContains(t, cfg.ValidateConfig(), "flash_loan_fee_bps")
}

func TestEnvOverrideReplacesEndpoints(t *testing.T) {
	t.Setenv(EnvRPCURLs, "https://env-a.example.com, https://env-b.example.com")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "https://env-a.example.com", cfg.Endpoints[0].URL)
	assert.Equal(t, 0, cfg.Endpoints[0].Priority)
	assert.Equal(t, "https://env-b.example.com", cfg.Endpoints[1].URL)
}

func TestSortedEndpointsOrdersByPriority(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	eps := cfg.SortedEndpoints()
	assert.Equal(t, "https://rpc-b.example.com", eps[0].URL)
	assert.Equal(t, "https://rpc-a.example.com", eps[1].URL)
}

func TestMinSwapWeiParsing(t *testing.T) {
	f := FeedConfig{}
	v, ok := f.MinSwapWeiInt()
	require.True(t, ok)
	assert.Equal(t, 0, v.Sign())

	f.MinSwapWei = "50000000000000000000"
	v, ok = f.MinSwapWeiInt()
	require.True(t, ok)
	expected, _ := new(big.Int).SetString("50000000000000000000", 10)
	assert.Equal(t, expected, v)

	f.MinSwapWei = "fifty"
	_, ok = f.MinSwapWeiInt()
	assert.False(t, ok)
}
