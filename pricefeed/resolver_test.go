package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/rpcpool"
)

type feedClient struct {
	mu      sync.Mutex
	answer  *big.Int
	updated int64
	err     error
	reads   int
}

func (f *feedClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	parsed, err := abi.JSON(strings.NewReader(feedABIJson))
	if err != nil {
		return nil, err
	}
	return parsed.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(1), f.answer, big.NewInt(f.updated), big.NewInt(f.updated), big.NewInt(1))
}

func (f *feedClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

func (f *feedClient) TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, nil
}

type directCaller struct{ client rpcpool.Client }

func (d *directCaller) Call(ctx context.Context, op rpcpool.Operation) error {
	return op(ctx, d.client)
}

func resolverConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Tokens = []config.TokenConfig{
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18,
			PriceFeed: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", FallbackUSD: 3000},
		{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6, Stable: true},
		{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8, FallbackUSD: 95000},
	}
	return cfg
}

func newTestResolver(t *testing.T, client rpcpool.Client, clock func() time.Time) *Resolver {
	t.Helper()
	r, err := NewResolver(resolverConfig(), &directCaller{client: client}, zap.NewNop(), WithClock(clock))
	require.NoError(t, err)
	return r
}

func TestResolveAuthoritativeThenCacheTTL(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	client := &feedClient{answer: big.NewInt(300_000_000_000), updated: base.Unix()} // $3000.00
	r := newTestResolver(t, client, clock)

	point, err := r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, SourceAuthoritative, point.Source)
	assert.InDelta(t, 3000.0, point.USD, 0.001)
	assert.False(t, point.Stale)
	assert.Equal(t, 1, client.reads)

	// t=1.9s: cache hit, no feed read.
	advance(1900 * time.Millisecond)
	point, err = r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, point.Source)
	assert.Equal(t, 1, client.reads)

	// t=2.1s past the refresh: miss, re-resolve against the feed.
	advance(200 * time.Millisecond)
	point, err = r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, SourceAuthoritative, point.Source)
	assert.Equal(t, 2, client.reads)
}

func TestResolveFallbackWhenFeedFails(t *testing.T) {
	client := &feedClient{err: errors.New("execution reverted")}
	r := newTestResolver(t, client, time.Now)

	point, err := r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, point.Source)
	assert.Equal(t, 3000.0, point.USD)
}

func TestResolveStablecoinDefault(t *testing.T) {
	r := newTestResolver(t, &feedClient{}, time.Now)

	// USDC has no feed and no fallback; the stable flag yields 1.0.
	point, err := r.Resolve(context.Background(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, point.Source)
	assert.Equal(t, 1.0, point.USD)

	// Naming convention catches unconfigured dollar-pegged symbols too.
	point, err = r.Resolve(context.Background(), "SUSDE")
	require.NoError(t, err)
	assert.Equal(t, 1.0, point.USD)
}

func TestResolvePriceNotFound(t *testing.T) {
	r := newTestResolver(t, &feedClient{}, time.Now)

	_, err := r.Resolve(context.Background(), "PEPE")
	assert.ErrorIs(t, err, ErrPriceNotFound)
}

func TestStaleFeedIsFlaggedButUsable(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return base }

	// Feed last updated two hours ago, bound is one hour.
	client := &feedClient{answer: big.NewInt(300_000_000_000), updated: base.Add(-2 * time.Hour).Unix()}
	r := newTestResolver(t, client, clock)

	point, err := r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, SourceAuthoritative, point.Source)
	assert.True(t, point.Stale)
}

func TestClearForcesReresolution(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	client := &feedClient{answer: big.NewInt(300_000_000_000), updated: base.Unix()}
	r := newTestResolver(t, client, func() time.Time { return base })

	_, err := r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	r.Clear()
	_, err = r.Resolve(context.Background(), "WETH")
	require.NoError(t, err)
	assert.Equal(t, 2, client.reads)
}

func TestToUSDAndFromUSD(t *testing.T) {
	r := newTestResolver(t, &feedClient{err: errors.New("execution reverted")}, time.Now)

	// WBTC via fallback: 0.5 BTC at $95,000.
	usd, err := r.ToUSD(context.Background(), big.NewInt(50_000_000), "WBTC", 8)
	require.NoError(t, err)
	assert.InDelta(t, 47_500.0, usd, 0.01)

	amount, err := r.FromUSD(context.Background(), 47_500.0, "WBTC", 8)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50_000_000), amount)

	// USDC is 1:1.
	usd, err = r.ToUSD(context.Background(), big.NewInt(10_000_000_000), "USDC", 6)
	require.NoError(t, err)
	assert.InDelta(t, 10_000.0, usd, 0.001)
}
