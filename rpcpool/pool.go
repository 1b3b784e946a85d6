package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/utils/metrics"
)

// Client is the subset of ethclient operations the scanner needs.
type Client interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
}

// HealthState of a single endpoint.
type HealthState int

const (
	Healthy HealthState = iota
	Unhealthy
)

// Endpoint is one RPC transport handle. Health is owned exclusively by the
// pool; endpoints are never removed.
type Endpoint struct {
	URL      string
	Priority int

	client    Client
	state     HealthState
	failures  int
	nextProbe time.Time
}

// Operation is executed against the currently selected endpoint.
type Operation func(ctx context.Context, client Client) error

// Pool rotates calls across healthy endpoints, demotes endpoints on
// transport failures and probes them back to health after a cooldown.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	cursor    int

	attempts    int
	baseDelay   time.Duration
	cooldown    time.Duration
	callTimeout time.Duration

	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.RPCMetrics
	clock   func() time.Time
}

// Option tweaks pool construction; used by tests to inject clocks and fake
// clients.
type Option func(*Pool)

func WithClock(clock func() time.Time) Option {
	return func(p *Pool) { p.clock = clock }
}

func WithMetrics(m *metrics.RPCMetrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool dials every configured endpoint. Dial failures are fatal at
// startup; a node that is down later is handled by health tracking, but a
// URL that cannot even be parsed is a configuration error.
func NewPool(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Pool, error) {
	eps := cfg.SortedEndpoints()
	endpoints := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		client, err := ethclient.Dial(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial endpoint %s: %w", ep.URL, err)
		}
		endpoints = append(endpoints, &Endpoint{
			URL:      ep.URL,
			Priority: ep.Priority,
			client:   client,
			state:    Healthy,
		})
	}
	return newPool(cfg, endpoints, logger, opts...), nil
}

// NewPoolWithClients builds a pool over pre-constructed clients, preserving
// the order given (index = priority).
func NewPoolWithClients(cfg *config.Config, urls []string, clients []Client, logger *zap.Logger, opts ...Option) *Pool {
	endpoints := make([]*Endpoint, len(clients))
	for i, c := range clients {
		endpoints[i] = &Endpoint{URL: urls[i], Priority: i, client: c, state: Healthy}
	}
	return newPool(cfg, endpoints, logger, opts...)
}

func newPool(cfg *config.Config, endpoints []*Endpoint, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		endpoints:   endpoints,
		attempts:    cfg.RetryAttempts,
		baseDelay:   cfg.RetryBaseDelay.Std(),
		cooldown:    cfg.UnhealthyCooldown.Std(),
		callTimeout: cfg.CallTimeout.Std(),
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.BurstSize),
		logger:      logger,
		clock:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics != nil {
		for _, ep := range p.endpoints {
			p.metrics.EndpointHealthy.WithLabelValues(ep.URL).Set(1)
		}
	}
	return p
}

// Call executes op against the selected healthy endpoint, retrying across
// endpoints with linearly increasing delay. A CallError (revert) is
// returned to the caller immediately without penalizing the endpoint.
func (p *Pool) Call(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * p.baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		ep := p.next()
		if ep == nil {
			return fmt.Errorf("rpc pool has no endpoints: %w", ErrPoolExhausted)
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		start := p.clock()
		err := op(callCtx, ep.client)
		cancel()

		if p.metrics != nil {
			p.metrics.CallsTotal.Inc()
			p.metrics.CallLatency.Observe(p.clock().Sub(start).Seconds())
		}

		if err == nil {
			return nil
		}

		classified := Classify(ep.URL, err)
		var callErr *CallError
		if errors.As(classified, &callErr) {
			// Application-level failure; the endpoint answered fine.
			return classified
		}

		var tErr *TransportError
		errors.As(classified, &tErr)
		p.logger.Warn("Endpoint call failed",
			zap.String("endpoint", ep.URL),
			zap.String("kind", tErr.Kind.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if p.metrics != nil {
			p.metrics.CallErrors.WithLabelValues(tErr.Kind.String()).Inc()
			p.metrics.EndpointFailures.WithLabelValues(ep.URL).Inc()
		}
		p.MarkUnhealthy(ep.URL)
		lastErr = classified
	}

	return fmt.Errorf("%w: %v", ErrPoolExhausted, lastErr)
}

// next selects round-robin among healthy endpoints. When every endpoint is
// unhealthy it falls back to the highest-priority one: degraded but
// available beats refusing to operate.
func (p *Pool) next() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.cursor+i)%n]
		if ep.state == Healthy {
			p.cursor = (p.cursor + i + 1) % n
			return ep
		}
	}
	return p.endpoints[0]
}

// MarkUnhealthy demotes the endpoint on a single failure and schedules a
// recovery probe after the cooldown.
func (p *Pool) MarkUnhealthy(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.URL != url {
			continue
		}
		ep.failures++
		if ep.state != Unhealthy {
			ep.state = Unhealthy
			p.logger.Warn("Endpoint marked unhealthy",
				zap.String("endpoint", ep.URL),
				zap.Int("failures", ep.failures))
			if p.metrics != nil {
				p.metrics.EndpointHealthy.WithLabelValues(ep.URL).Set(0)
			}
		}
		ep.nextProbe = p.clock().Add(p.cooldown)
		return
	}
}

// CheckRecoveries probes every unhealthy endpoint whose cooldown elapsed
// with a cheap read-only call. Success flips it back to Healthy; failure
// reschedules the probe.
func (p *Pool) CheckRecoveries(ctx context.Context) {
	p.mu.Lock()
	due := make([]*Endpoint, 0)
	now := p.clock()
	for _, ep := range p.endpoints {
		if ep.state == Unhealthy && !now.Before(ep.nextProbe) {
			due = append(due, ep)
		}
	}
	p.mu.Unlock()

	for _, ep := range due {
		probeCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		_, err := ep.client.BlockNumber(probeCtx)
		cancel()

		p.mu.Lock()
		if err != nil {
			ep.nextProbe = p.clock().Add(p.cooldown)
			p.logger.Debug("Recovery probe failed",
				zap.String("endpoint", ep.URL), zap.Error(err))
		} else {
			ep.state = Healthy
			ep.failures = 0
			p.logger.Info("Endpoint recovered", zap.String("endpoint", ep.URL))
			if p.metrics != nil {
				p.metrics.EndpointHealthy.WithLabelValues(ep.URL).Set(1)
			}
		}
		p.mu.Unlock()
	}
}

// Start runs the recovery probe loop until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	interval := p.cooldown / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CheckRecoveries(ctx)
		}
	}
}

// HealthSnapshot reports each endpoint's state, for stats dumps.
func (p *Pool) HealthSnapshot() map[string]HealthState {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := make(map[string]HealthState, len(p.endpoints))
	for _, ep := range p.endpoints {
		snap[ep.URL] = ep.state
	}
	return snap
}
