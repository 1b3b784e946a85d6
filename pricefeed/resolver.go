package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/rpcpool"
	"github.com/arbx/flasharb/utils/metrics"
)

// Source tags where a price came from in the waterfall.
type Source string

const (
	SourceCache         Source = "cache"
	SourceAuthoritative Source = "authoritative"
	SourceFallback      Source = "fallback"
	SourceDefault       Source = "default"
)

// ErrPriceNotFound means every waterfall stage missed.
var ErrPriceNotFound = errors.New("price not found")

// PricePoint is a resolved USD price. Display and ranking only; never part
// of the integer accept/reject decision.
type PricePoint struct {
	Symbol     string
	USD        float64
	Source     Source
	ResolvedAt time.Time
	Stale      bool
}

type cacheEntry struct {
	point PricePoint
}

const feedABIJson = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

// Standard USD feeds answer with 8 decimals.
const feedDecimals = 8

// Caller is the pool surface the resolver needs.
type Caller interface {
	Call(ctx context.Context, op rpcpool.Operation) error
}

// Resolver resolves token symbols to USD prices through a cache ->
// authoritative feed -> static fallback -> stablecoin default waterfall.
type Resolver struct {
	caller    Caller
	feeds     map[string]common.Address
	fallbacks map[string]float64
	stables   map[string]bool

	cache      *lru.Cache
	ttl        time.Duration
	staleBound time.Duration

	feedABI abi.ABI
	logger  *zap.Logger
	metrics *metrics.PriceMetrics
	clock   func() time.Time
}

type Option func(*Resolver)

func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) { r.clock = clock }
}

func WithMetrics(m *metrics.PriceMetrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

func NewResolver(cfg *config.Config, caller Caller, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	parsed, err := abi.JSON(strings.NewReader(feedABIJson))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed ABI: %w", err)
	}

	cache, err := lru.New(256)
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		caller:     caller,
		feeds:      make(map[string]common.Address),
		fallbacks:  make(map[string]float64),
		stables:    make(map[string]bool),
		cache:      cache,
		ttl:        cfg.PriceCacheTTL.Std(),
		staleBound: cfg.FeedStalenessBound.Std(),
		feedABI:    parsed,
		logger:     logger,
		clock:      time.Now,
	}
	for _, tok := range cfg.Tokens {
		if tok.PriceFeed != "" {
			r.feeds[tok.Symbol] = common.HexToAddress(tok.PriceFeed)
		}
		if tok.FallbackUSD > 0 {
			r.fallbacks[tok.Symbol] = tok.FallbackUSD
		}
		if tok.Stable {
			r.stables[tok.Symbol] = true
		}
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Resolve walks the waterfall. Each stage is attempted only when the prior
// one missed.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (PricePoint, error) {
	now := r.clock()

	if cached, ok := r.cache.Get(symbol); ok {
		entry := cached.(cacheEntry)
		if now.Sub(entry.point.ResolvedAt) < r.ttl {
			point := entry.point
			point.Source = SourceCache
			r.count(SourceCache)
			return point, nil
		}
		// Expired entries are treated as absent.
		r.cache.Remove(symbol)
	}

	if feed, ok := r.feeds[symbol]; ok {
		point, err := r.readFeed(ctx, symbol, feed)
		if err != nil {
			r.logger.Warn("Authoritative feed read failed",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			r.cache.Add(symbol, cacheEntry{point: point})
			r.count(SourceAuthoritative)
			return point, nil
		}
	}

	if usd, ok := r.fallbacks[symbol]; ok {
		r.count(SourceFallback)
		return PricePoint{Symbol: symbol, USD: usd, Source: SourceFallback, ResolvedAt: now}, nil
	}

	if r.isStablecoin(symbol) {
		r.count(SourceDefault)
		return PricePoint{Symbol: symbol, USD: 1.0, Source: SourceDefault, ResolvedAt: now}, nil
	}

	if r.metrics != nil {
		r.metrics.Failures.Inc()
	}
	return PricePoint{}, fmt.Errorf("%w: %s", ErrPriceNotFound, symbol)
}

func (r *Resolver) readFeed(ctx context.Context, symbol string, feed common.Address) (PricePoint, error) {
	payload, err := r.feedABI.Pack("latestRoundData")
	if err != nil {
		return PricePoint{}, err
	}

	var raw []byte
	err = r.caller.Call(ctx, func(ctx context.Context, client rpcpool.Client) error {
		var callErr error
		raw, callErr = client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: payload}, nil)
		return callErr
	})
	if err != nil {
		return PricePoint{}, err
	}

	outs, err := r.feedABI.Unpack("latestRoundData", raw)
	if err != nil {
		return PricePoint{}, fmt.Errorf("unpack latestRoundData: %w", err)
	}
	answer := *abi.ConvertType(outs[1], new(*big.Int)).(**big.Int)
	updatedAt := *abi.ConvertType(outs[3], new(*big.Int)).(**big.Int)

	if answer.Sign() <= 0 {
		return PricePoint{}, fmt.Errorf("feed for %s answered %s", symbol, answer)
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(feedDecimals), nil))
	usd, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), scale).Float64()

	now := r.clock()
	point := PricePoint{
		Symbol:     symbol,
		USD:        usd,
		Source:     SourceAuthoritative,
		ResolvedAt: now,
	}
	updated := time.Unix(updatedAt.Int64(), 0)
	if now.Sub(updated) > r.staleBound {
		// Still usable, but flagged; downstream may deprioritize.
		point.Stale = true
		r.logger.Warn("Feed answer is stale",
			zap.String("symbol", symbol),
			zap.Time("updated_at", updated))
	}
	return point, nil
}

// isStablecoin recognizes dollar-pegged tokens by config flag or naming
// convention.
func (r *Resolver) isStablecoin(symbol string) bool {
	if r.stables[symbol] {
		return true
	}
	upper := strings.ToUpper(symbol)
	return strings.Contains(upper, "USD") || upper == "DAI" || upper == "FRAX"
}

// ToUSD converts an integer token amount to its USD value.
func (r *Resolver) ToUSD(ctx context.Context, amount *big.Int, symbol string, decimals uint8) (float64, error) {
	point, err := r.Resolve(ctx, symbol)
	if err != nil {
		return 0, err
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value := new(big.Float).SetInt(amount)
	value.Quo(value, scale)
	value.Mul(value, big.NewFloat(point.USD))
	usd, _ := value.Float64()
	return usd, nil
}

// FromUSD converts a USD value into the token's smallest unit, rounded
// down.
func (r *Resolver) FromUSD(ctx context.Context, usd float64, symbol string, decimals uint8) (*big.Int, error) {
	point, err := r.Resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if point.USD <= 0 {
		return nil, fmt.Errorf("non-positive price for %s", symbol)
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value := big.NewFloat(usd)
	value.Quo(value, big.NewFloat(point.USD))
	value.Mul(value, scale)
	out, _ := value.Int(nil)
	return out, nil
}

// Clear drops every cache entry.
func (r *Resolver) Clear() {
	r.cache.Purge()
}

func (r *Resolver) count(src Source) {
	if r.metrics != nil {
		r.metrics.Resolutions.WithLabelValues(string(src)).Inc()
	}
}
