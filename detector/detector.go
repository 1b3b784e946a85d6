package detector

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/quote"
	"github.com/arbx/flasharb/types"
	xmath "github.com/arbx/flasharb/utils/math"
	"github.com/arbx/flasharb/utils/metrics"
)

// Quoter is the aggregator surface the detector needs; tests substitute
// fakes.
type Quoter interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*quote.Result, int, error)
}

// Pricer is the resolver surface used for USD ranking and notional caps.
type Pricer interface {
	ToUSD(ctx context.Context, amount *big.Int, symbol string, decimals uint8) (float64, error)
	FromUSD(ctx context.Context, usd float64, symbol string, decimals uint8) (*big.Int, error)
}

type pair struct {
	cfg     config.PairConfig
	tokenA  config.TokenConfig
	tokenB  config.TokenConfig
	amount  *big.Int
}

type route struct {
	cfg    config.RouteConfig
	borrow config.TokenConfig
	middle config.TokenConfig
	target config.TokenConfig
	amount *big.Int
}

// Detector evaluates configured pairs and triangular routes against live
// quotes and emits ranked opportunities. All profit decisions are exact
// integer arithmetic.
type Detector struct {
	quoter  Quoter
	pricer  Pricer
	pairs   []pair
	routes  []route
	feeBps  int64

	topKPairs   int
	topKRoutes  int
	concurrency int
	triangular  bool

	logger  *zap.Logger
	metrics *metrics.ScanMetrics
	clock   func() time.Time
}

type Option func(*Detector)

func WithClock(clock func() time.Time) Option {
	return func(d *Detector) { d.clock = clock }
}

func WithMetrics(m *metrics.ScanMetrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector pre-sorts pairs and routes by priority so each cycle only
// evaluates the configured top-K.
func NewDetector(cfg *config.Config, quoter Quoter, pricer Pricer, logger *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		quoter:      quoter,
		pricer:      pricer,
		feeBps:      cfg.FlashLoanFeeBps,
		topKPairs:   cfg.TopKPairs,
		topKRoutes:  cfg.TopKRoutes,
		concurrency: cfg.ScanConcurrency,
		triangular:  cfg.TriangularEnabled,
		logger:      logger,
		clock:       time.Now,
	}

	for _, p := range cfg.Pairs {
		tokenA, okA := cfg.Token(p.TokenA)
		tokenB, okB := cfg.Token(p.TokenB)
		amount, okAmt := p.TestAmountInt()
		if !okA || !okB || !okAmt {
			continue
		}
		d.pairs = append(d.pairs, pair{cfg: p, tokenA: tokenA, tokenB: tokenB, amount: amount})
	}
	sort.SliceStable(d.pairs, func(i, j int) bool { return d.pairs[i].cfg.Priority < d.pairs[j].cfg.Priority })

	for _, r := range cfg.Routes {
		borrow, okB := cfg.Token(r.Borrow)
		middle, okM := cfg.Token(r.Middle)
		target, okT := cfg.Token(r.Target)
		amount, okAmt := r.TestAmountInt()
		if !okB || !okM || !okT || !okAmt {
			continue
		}
		d.routes = append(d.routes, route{cfg: r, borrow: borrow, middle: middle, target: target, amount: amount})
	}
	sort.SliceStable(d.routes, func(i, j int) bool { return d.routes[i].cfg.Priority < d.routes[j].cfg.Priority })

	for _, o := range opts {
		o(d)
	}
	return d
}

// Scan evaluates the top-K pairs (and routes, if enabled) concurrently with
// bounded fan-out. Each check is fault-isolated: one pair failing never
// aborts the others. Results are ranked best-first.
func (d *Detector) Scan(ctx context.Context, trigger types.TriggerSource) []*types.Opportunity {
	pairs := d.pairs
	if len(pairs) > d.topKPairs {
		pairs = pairs[:d.topKPairs]
	}
	routes := d.routes
	if len(routes) > d.topKRoutes {
		routes = routes[:d.topKRoutes]
	}
	if !d.triangular {
		routes = nil
	}

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		opps []*types.Opportunity
	)
	sem := make(chan struct{}, d.concurrency)

	collect := func(opp *types.Opportunity) {
		if opp == nil {
			return
		}
		opp.Trigger = trigger
		mu.Lock()
		opps = append(opps, opp)
		mu.Unlock()
		if d.metrics != nil {
			d.metrics.Opportunities.WithLabelValues(opp.Kind.String()).Inc()
		}
	}

	for i := range pairs {
		p := pairs[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			opp, err := d.checkPair(ctx, p)
			if err != nil {
				d.logger.Debug("Pair check failed",
					zap.String("token_a", p.cfg.TokenA),
					zap.String("token_b", p.cfg.TokenB),
					zap.Error(err))
				return
			}
			collect(opp)
		}()
	}

	for i := range routes {
		r := routes[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			opp, err := d.checkRoute(ctx, r)
			if err != nil {
				d.logger.Debug("Route check failed",
					zap.String("borrow", r.cfg.Borrow),
					zap.String("middle", r.cfg.Middle),
					zap.String("target", r.cfg.Target),
					zap.Error(err))
				return
			}
			collect(opp)
		}()
	}

	wg.Wait()

	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].USDReliable && opps[j].USDReliable && opps[i].ProfitUSD != opps[j].ProfitUSD {
			return opps[i].ProfitUSD > opps[j].ProfitUSD
		}
		return opps[i].ProfitBps > opps[j].ProfitBps
	})
	return opps
}

// checkPair runs the simple two-leg arbitrage check: buy on the best venue
// out, sell on the best venue back, net of the flash-loan fee.
func (d *Detector) checkPair(ctx context.Context, p pair) (*types.Opportunity, error) {
	amountIn := d.capNotional(ctx, p.amount, p.tokenA, p.cfg.MaxNotionalUSD)

	addrA := common.HexToAddress(p.tokenA.Address)
	addrB := common.HexToAddress(p.tokenB.Address)

	leg1, venues, err := d.quoter.BestQuote(ctx, addrA, addrB, amountIn)
	if err != nil {
		return nil, err
	}
	// A single quoting venue cannot be arbitraged against itself.
	if leg1 == nil || venues < 2 {
		return nil, nil
	}

	leg2, _, err := d.quoter.BestQuote(ctx, addrB, addrA, leg1.AmountOut)
	if err != nil {
		return nil, err
	}
	if leg2 == nil {
		return nil, nil
	}

	profit := xmath.NetProfit(leg2.AmountOut, amountIn, d.feeBps)
	if profit.Sign() <= 0 {
		return nil, nil
	}
	profitBps := xmath.ProfitBps(profit, amountIn)
	if profitBps < p.cfg.MinProfitBps {
		return nil, nil
	}

	opp := &types.Opportunity{
		Kind:      types.KindSimple,
		Tokens:    []string{p.tokenA.Symbol, p.tokenB.Symbol},
		AmountIn:  amountIn,
		Profit:    profit,
		ProfitBps: profitBps,
		Legs: []types.Leg{
			{Venue: leg1.Venue, TokenIn: p.tokenA.Symbol, TokenOut: p.tokenB.Symbol,
				FeeTier: leg1.FeeTier, AmountIn: amountIn, AmountOut: leg1.AmountOut},
			{Venue: leg2.Venue, TokenIn: p.tokenB.Symbol, TokenOut: p.tokenA.Symbol,
				FeeTier: leg2.FeeTier, AmountIn: leg1.AmountOut, AmountOut: leg2.AmountOut},
		},
		DetectedAt: d.clock(),
	}
	d.priceInUSD(ctx, opp, p.tokenA)
	return opp, nil
}

// checkRoute runs the triangular check. Legs are causally dependent, so
// they resolve sequentially; any dead leg voids the whole route.
func (d *Detector) checkRoute(ctx context.Context, r route) (*types.Opportunity, error) {
	amountIn := d.capNotional(ctx, r.amount, r.borrow, r.cfg.MaxNotionalUSD)

	hops := []struct {
		in, out config.TokenConfig
	}{
		{r.borrow, r.middle},
		{r.middle, r.target},
		{r.target, r.borrow},
	}

	legs := make([]types.Leg, 0, 3)
	current := amountIn
	for _, hop := range hops {
		best, _, err := d.quoter.BestQuote(ctx,
			common.HexToAddress(hop.in.Address), common.HexToAddress(hop.out.Address), current)
		if err != nil {
			return nil, err
		}
		if best == nil {
			// No partial profit is ever reported.
			return nil, nil
		}
		legs = append(legs, types.Leg{
			Venue: best.Venue, TokenIn: hop.in.Symbol, TokenOut: hop.out.Symbol,
			FeeTier: best.FeeTier, AmountIn: current, AmountOut: best.AmountOut,
		})
		current = best.AmountOut
	}

	profit := xmath.NetProfit(current, amountIn, d.feeBps)
	if profit.Sign() <= 0 {
		return nil, nil
	}
	profitBps := xmath.ProfitBps(profit, amountIn)
	if profitBps < r.cfg.MinProfitBps {
		return nil, nil
	}

	opp := &types.Opportunity{
		Kind:       types.KindTriangular,
		Tokens:     []string{r.borrow.Symbol, r.middle.Symbol, r.target.Symbol, r.borrow.Symbol},
		AmountIn:   amountIn,
		Profit:     profit,
		ProfitBps:  profitBps,
		Legs:       legs,
		DetectedAt: d.clock(),
	}
	d.priceInUSD(ctx, opp, r.borrow)
	return opp, nil
}

// capNotional shrinks the test amount so the borrowed notional stays under
// the pair's USD cap. Unresolvable prices leave the amount unchanged.
func (d *Detector) capNotional(ctx context.Context, amount *big.Int, token config.TokenConfig, maxUSD float64) *big.Int {
	if maxUSD <= 0 {
		return amount
	}
	notional, err := d.pricer.ToUSD(ctx, amount, token.Symbol, token.Decimals)
	if err != nil || notional <= maxUSD {
		return amount
	}
	capped, err := d.pricer.FromUSD(ctx, maxUSD, token.Symbol, token.Decimals)
	if err != nil || capped.Sign() <= 0 {
		return amount
	}
	return xmath.Min(amount, capped)
}

// priceInUSD attaches the display/ranking USD value. An unresolvable price
// never blocks the opportunity; it just cannot be ranked in USD.
func (d *Detector) priceInUSD(ctx context.Context, opp *types.Opportunity, token config.TokenConfig) {
	usd, err := d.pricer.ToUSD(ctx, opp.Profit, token.Symbol, token.Decimals)
	if err != nil {
		d.logger.Debug("USD ranking unavailable",
			zap.String("symbol", token.Symbol), zap.Error(err))
		return
	}
	opp.ProfitUSD = usd
	opp.USDReliable = true
}
