package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/feed"
	"github.com/arbx/flasharb/types"
	"github.com/arbx/flasharb/utils/metrics"
)

// Scanner is the detector surface the coordinator drives.
type Scanner interface {
	Scan(ctx context.Context, trigger types.TriggerSource) []*types.Opportunity
}

// Executor consumes accepted opportunities. Execution is external; the
// coordinator only needs the outcome for statistics.
type Executor interface {
	Execute(ctx context.Context, opp *types.Opportunity) error
}

// Stats is a snapshot of cycle counters.
type Stats struct {
	Scans          uint64
	DroppedBlock   uint64
	DroppedFeed    uint64
	Opportunities  uint64
	Executed       uint64
	ExecuteErrors  uint64
	LastBlock      uint64
	LastScanTime   time.Duration
}

// Coordinator owns the Idle -> Scanning -> Idle state machine. Both the
// block trigger and the pre-block feed trigger observe the same scanning
// flag; a trigger arriving mid-scan is dropped and counted, never queued.
type Coordinator struct {
	scanner    Scanner
	executor   Executor
	classifier *feed.Classifier

	minProfitUSD float64

	scanning  atomic.Bool
	lastBlock atomic.Uint64

	scans         atomic.Uint64
	droppedBlock  atomic.Uint64
	droppedFeed   atomic.Uint64
	opportunities atomic.Uint64
	executed      atomic.Uint64
	executeErrors atomic.Uint64

	lastScanMu   sync.Mutex
	lastScanTime time.Duration

	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.ScanMetrics
	clock   func() time.Time
}

type Option func(*Coordinator)

func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithMetrics(m *metrics.ScanMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(cfg *config.Config, scanner Scanner, executor Executor, classifier *feed.Classifier, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		scanner:      scanner,
		executor:     executor,
		classifier:   classifier,
		minProfitUSD: cfg.MinProfitUSD,
		logger:       logger,
		clock:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnBlock reacts to a new chain head. Stale or repeated block numbers are
// ignored; a fresh one triggers a scan unless one is already in flight.
func (c *Coordinator) OnBlock(ctx context.Context, blockNumber uint64) {
	last := c.lastBlock.Load()
	if blockNumber <= last {
		return
	}

	if !c.scanning.CompareAndSwap(false, true) {
		c.droppedBlock.Add(1)
		if c.metrics != nil {
			c.metrics.DroppedTriggers.WithLabelValues(string(types.TriggerBlock)).Inc()
		}
		c.logger.Debug("Dropped block trigger, scan in flight",
			zap.Uint64("block", blockNumber))
		return
	}
	c.lastBlock.Store(blockNumber)

	c.wg.Add(1)
	go c.runScan(ctx, types.TriggerBlock)
}

// OnFeedTransaction reacts to a pending transaction from the pre-block
// feed. Irrelevant transactions never touch the scanning flag.
func (c *Coordinator) OnFeedTransaction(ctx context.Context, tx *types.FeedTransaction) {
	if c.classifier != nil && !c.classifier.Relevant(tx) {
		return
	}

	if !c.scanning.CompareAndSwap(false, true) {
		c.droppedFeed.Add(1)
		if c.metrics != nil {
			c.metrics.DroppedTriggers.WithLabelValues(string(types.TriggerFeed)).Inc()
		}
		c.logger.Debug("Dropped feed trigger, scan in flight",
			zap.String("tx", tx.Hash.Hex()))
		return
	}

	c.wg.Add(1)
	go c.runScan(ctx, types.TriggerFeed)
}

// runScan owns the Scanning state. The flag is cleared on every exit path.
func (c *Coordinator) runScan(ctx context.Context, trigger types.TriggerSource) {
	defer c.wg.Done()
	defer c.scanning.Store(false)

	start := c.clock()
	c.scans.Add(1)
	if c.metrics != nil {
		c.metrics.ScansTotal.WithLabelValues(string(trigger)).Inc()
	}

	opps := c.scanner.Scan(ctx, trigger)
	c.opportunities.Add(uint64(len(opps)))

	for _, opp := range opps {
		if !c.qualifies(opp) {
			continue
		}
		c.executed.Add(1)
		if c.metrics != nil {
			c.metrics.ExecutionsTotal.Inc()
		}
		if err := c.executor.Execute(ctx, opp); err != nil {
			c.executeErrors.Add(1)
			if c.metrics != nil {
				c.metrics.ExecutionErrors.Inc()
			}
			c.logger.Error("Executor failed",
				zap.String("kind", opp.Kind.String()),
				zap.Error(err))
		}
	}

	elapsed := c.clock().Sub(start)
	c.lastScanMu.Lock()
	c.lastScanTime = elapsed
	c.lastScanMu.Unlock()
	if c.metrics != nil {
		c.metrics.ScanLatency.Observe(elapsed.Seconds())
	}
	c.logger.Debug("Scan cycle complete",
		zap.String("trigger", string(trigger)),
		zap.Duration("elapsed", elapsed),
		zap.Int("opportunities", len(opps)))
}

// qualifies applies the forwarding thresholds. The integer profit check
// already happened in the detector; here the USD floor is enforced. An
// opportunity without a reliable USD value cannot prove the floor, so it
// only passes when no floor is configured.
func (c *Coordinator) qualifies(opp *types.Opportunity) bool {
	if opp.Profit == nil || opp.Profit.Sign() <= 0 {
		return false
	}
	if c.minProfitUSD <= 0 {
		return true
	}
	return opp.USDReliable && opp.ProfitUSD >= c.minProfitUSD
}

// Run consumes block and feed streams until ctx is cancelled. Bounded
// channels plus the scanning flag give the drop-while-busy semantics
// deterministically.
func (c *Coordinator) Run(ctx context.Context, blocks <-chan uint64, feedTxs <-chan *types.FeedTransaction) {
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case blockNumber, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			// Coalesce: keep only the newest block if several queued up.
		drain:
			for blocks != nil {
				select {
				case newer, more := <-blocks:
					if !more {
						blocks = nil
					} else if newer > blockNumber {
						blockNumber = newer
					}
				default:
					break drain
				}
			}
			c.OnBlock(ctx, blockNumber)
		case tx, ok := <-feedTxs:
			if !ok {
				feedTxs = nil
				continue
			}
			c.OnFeedTransaction(ctx, tx)
		}
	}
}

// Stats snapshots the cycle counters.
func (c *Coordinator) Stats() Stats {
	c.lastScanMu.Lock()
	last := c.lastScanTime
	c.lastScanMu.Unlock()
	return Stats{
		Scans:         c.scans.Load(),
		DroppedBlock:  c.droppedBlock.Load(),
		DroppedFeed:   c.droppedFeed.Load(),
		Opportunities: c.opportunities.Load(),
		Executed:      c.executed.Load(),
		ExecuteErrors: c.executeErrors.Load(),
		LastBlock:     c.lastBlock.Load(),
		LastScanTime:  last,
	}
}

// Wait blocks until any in-flight scan finishes. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
