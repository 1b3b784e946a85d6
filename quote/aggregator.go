package quote

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/rpcpool"
	"github.com/arbx/flasharb/utils/metrics"
)

// Request is one independent venue quote: how much tokenOut for amountIn of
// tokenIn on this venue. Immutable, created per scan.
type Request struct {
	Venue    string
	TokenIn  common.Address
	TokenOut common.Address
	AmountIn *big.Int
	FeeTier  uint32
}

// Result is the positional answer to a Request. A reverted quote (no pool,
// no liquidity) is Success=false, never an error.
type Result struct {
	Venue     string
	FeeTier   uint32
	Success   bool
	AmountOut *big.Int
	Latency   time.Duration
}

// Caller is the pool surface the aggregator needs; tests substitute fakes.
type Caller interface {
	Call(ctx context.Context, op rpcpool.Operation) error
}

type venue struct {
	name     string
	kind     string
	target   common.Address
	feeTiers []uint32
}

// Aggregator batches independent venue quotes into single multicall round
// trips.
type Aggregator struct {
	caller    Caller
	multicall common.Address
	venues    []venue
	abis      *abiSet
	logger    *zap.Logger
	metrics   *metrics.RPCMetrics
	clock     func() time.Time
}

func NewAggregator(cfg *config.Config, caller Caller, logger *zap.Logger, m *metrics.RPCMetrics) *Aggregator {
	venues := make([]venue, 0, len(cfg.Venues))
	for _, v := range cfg.Venues {
		tiers := v.FeeTiers
		if v.Kind == "v2" {
			// Constant-product venues have a single implicit tier.
			tiers = []uint32{0}
		}
		venues = append(venues, venue{
			name:     v.Name,
			kind:     v.Kind,
			target:   common.HexToAddress(v.Address),
			feeTiers: tiers,
		})
	}
	return &Aggregator{
		caller:    caller,
		multicall: common.HexToAddress(cfg.MulticallAddress),
		venues:    venues,
		abis:      mustParseABIs(),
		logger:    logger,
		metrics:   m,
		clock:     time.Now,
	}
}

// encode builds the inner calldata for one request against its venue.
func (a *Aggregator) encode(req Request) (common.Address, []byte, error) {
	v, ok := a.venueByName(req.Venue)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unknown venue %q", req.Venue)
	}

	switch v.kind {
	case "v2":
		data, err := a.abis.router.Pack("getAmountsOut", req.AmountIn, []common.Address{req.TokenIn, req.TokenOut})
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack getAmountsOut: %w", err)
		}
		return v.target, data, nil
	case "v3":
		data, err := a.abis.quoter.Pack("quoteExactInputSingle",
			req.TokenIn, req.TokenOut, big.NewInt(int64(req.FeeTier)), req.AmountIn, big.NewInt(0))
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("pack quoteExactInputSingle: %w", err)
		}
		return v.target, data, nil
	default:
		return common.Address{}, nil, fmt.Errorf("venue %q has unknown kind %q", v.name, v.kind)
	}
}

// decode extracts the output amount from one inner call's return data.
func (a *Aggregator) decode(req Request, data []byte) (*big.Int, error) {
	v, _ := a.venueByName(req.Venue)

	switch v.kind {
	case "v2":
		outs, err := a.abis.router.Unpack("getAmountsOut", data)
		if err != nil {
			return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
		}
		amounts := *abi.ConvertType(outs[0], new([]*big.Int)).(*[]*big.Int)
		if len(amounts) == 0 {
			return nil, fmt.Errorf("empty amounts array")
		}
		return amounts[len(amounts)-1], nil
	default:
		outs, err := a.abis.quoter.Unpack("quoteExactInputSingle", data)
		if err != nil {
			return nil, fmt.Errorf("unpack quoteExactInputSingle: %w", err)
		}
		return *abi.ConvertType(outs[0], new(*big.Int)).(**big.Int), nil
	}
}

func (a *Aggregator) venueByName(name string) (venue, bool) {
	for _, v := range a.venues {
		if v.name == name {
			return v, true
		}
	}
	return venue{}, false
}

// BatchQuote submits every request as one aggregate3 call and decodes the
// response positionally. Individual reverts yield Success=false without
// affecting siblings; a batch-level transport failure (after pool retries)
// is returned as an error.
func (a *Aggregator) BatchQuote(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	calls := make([]multicallCall, len(reqs))
	for i, req := range reqs {
		target, data, err := a.encode(req)
		if err != nil {
			return nil, err
		}
		calls[i] = multicallCall{Target: target, AllowFailure: true, CallData: data}
	}

	payload, err := a.abis.multicall.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}

	if a.metrics != nil {
		a.metrics.BatchSize.Observe(float64(len(reqs)))
	}

	start := a.clock()
	var raw []byte
	err = a.caller.Call(ctx, func(ctx context.Context, client rpcpool.Client) error {
		var callErr error
		raw, callErr = client.CallContract(ctx, ethereum.CallMsg{To: &a.multicall, Data: payload}, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("batch quote call: %w", err)
	}
	latency := a.clock().Sub(start)

	outs, err := a.abis.multicall.Unpack("aggregate3", raw)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	inner := *abi.ConvertType(outs[0], new([]multicallResult)).(*[]multicallResult)
	if len(inner) != len(reqs) {
		return nil, fmt.Errorf("multicall returned %d results for %d requests", len(inner), len(reqs))
	}

	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i] = Result{Venue: req.Venue, FeeTier: req.FeeTier, Latency: latency}
		if !inner[i].Success {
			if a.metrics != nil {
				a.metrics.QuoteFailures.Inc()
			}
			a.logger.Debug("Quote reverted",
				zap.String("venue", req.Venue),
				zap.String("token_in", req.TokenIn.Hex()),
				zap.String("token_out", req.TokenOut.Hex()))
			continue
		}
		amount, decodeErr := a.decode(req, inner[i].ReturnData)
		if decodeErr != nil {
			a.logger.Debug("Quote decode failed",
				zap.String("venue", req.Venue), zap.Error(decodeErr))
			continue
		}
		results[i].Success = true
		results[i].AmountOut = amount
	}
	return results, nil
}

// BestQuote issues a quote to every configured venue (all fee tiers) for
// the hop and returns the successful result with the strictly greatest
// output, plus the number of distinct venues that produced a success. A nil
// result means no venue quoted the hop.
func (a *Aggregator) BestQuote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*Result, int, error) {
	reqs := a.RequestsFor(tokenIn, tokenOut, amountIn)
	results, err := a.BatchQuote(ctx, reqs)
	if err != nil {
		return nil, 0, err
	}

	var best *Result
	succeeded := make(map[string]struct{})
	for i := range results {
		r := &results[i]
		if !r.Success {
			continue
		}
		succeeded[r.Venue] = struct{}{}
		if best == nil || r.AmountOut.Cmp(best.AmountOut) > 0 {
			best = r
		}
	}
	return best, len(succeeded), nil
}

// RequestsFor expands one hop into per-venue, per-fee-tier requests.
func (a *Aggregator) RequestsFor(tokenIn, tokenOut common.Address, amountIn *big.Int) []Request {
	var reqs []Request
	for _, v := range a.venues {
		for _, tier := range v.feeTiers {
			reqs = append(reqs, Request{
				Venue:    v.name,
				TokenIn:  tokenIn,
				TokenOut: tokenOut,
				AmountIn: amountIn,
				FeeTier:  tier,
			})
		}
	}
	return reqs
}
