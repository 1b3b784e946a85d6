package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/feed"
	"github.com/arbx/flasharb/types"
	"github.com/arbx/flasharb/utils/metrics"
)

type blockingScanner struct {
	mu      sync.Mutex
	started chan types.TriggerSource
	release chan struct{}
	scans   []types.TriggerSource
	emit    []*types.Opportunity
}

func newBlockingScanner(emit []*types.Opportunity) *blockingScanner {
	return &blockingScanner{
		started: make(chan types.TriggerSource, 16),
		release: make(chan struct{}),
		emit:    emit,
	}
}

func (s *blockingScanner) Scan(ctx context.Context, trigger types.TriggerSource) []*types.Opportunity {
	s.mu.Lock()
	s.scans = append(s.scans, trigger)
	s.mu.Unlock()
	s.started <- trigger
	<-s.release
	return s.emit
}

func (s *blockingScanner) scanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans)
}

type recordingExecutor struct {
	mu       sync.Mutex
	executed []*types.Opportunity
	err      error
}

func (e *recordingExecutor) Execute(ctx context.Context, opp *types.Opportunity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, opp)
	return e.err
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed)
}

func coordinatorConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MinProfitUSD = 25
	return cfg
}

func opportunity(profit int64, usd float64, reliable bool) *types.Opportunity {
	return &types.Opportunity{
		Kind:        types.KindSimple,
		Tokens:      []string{"USDC", "WETH"},
		AmountIn:    big.NewInt(10_000_000_000),
		Profit:      big.NewInt(profit),
		ProfitBps:   55,
		ProfitUSD:   usd,
		USDReliable: reliable,
		Legs:        []types.Leg{},
	}
}

func TestScanExclusivityDropsSecondBlock(t *testing.T) {
	scanner := newBlockingScanner(nil)
	exec := &recordingExecutor{}
	c := NewCoordinator(coordinatorConfig(), scanner, exec, nil, zap.NewNop())

	c.OnBlock(context.Background(), 101)
	<-scanner.started

	// Second trigger while the first scan is in flight: dropped, not queued.
	c.OnBlock(context.Background(), 102)

	close(scanner.release)
	c.Wait()

	assert.Equal(t, 1, scanner.scanCount())
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Scans)
	assert.Equal(t, uint64(1), stats.DroppedBlock)
	assert.Equal(t, uint64(101), stats.LastBlock)
}

func TestStaleBlockIgnoredWithoutDropCount(t *testing.T) {
	scanner := newBlockingScanner(nil)
	c := NewCoordinator(coordinatorConfig(), scanner, &recordingExecutor{}, nil, zap.NewNop())

	c.OnBlock(context.Background(), 101)
	<-scanner.started
	close(scanner.release)
	c.Wait()

	// Same and older block numbers are ignored entirely.
	c.OnBlock(context.Background(), 101)
	c.OnBlock(context.Background(), 99)
	c.Wait()

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Scans)
	assert.Equal(t, uint64(0), stats.DroppedBlock)
}

func TestFeedTriggerSharesScanningFlag(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.Feed.Enabled = true
	cfg.Feed.Routers = []string{"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"}
	cfg.Feed.MinSwapWei = "0"
	classifier, err := feed.NewClassifier(cfg, zap.NewNop())
	require.NoError(t, err)

	scanner := newBlockingScanner(nil)
	c := NewCoordinator(cfg, scanner, &recordingExecutor{}, classifier, zap.NewNop())

	c.OnBlock(context.Background(), 101)
	<-scanner.started

	// A relevant feed transaction during a block scan is dropped.
	router := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	input := append(common.FromHex("0x38ed1739"), make([]byte, 64)...)
	c.OnFeedTransaction(context.Background(), &types.FeedTransaction{
		Hash: common.Hash{1}, To: &router, Value: big.NewInt(0), Input: input,
	})

	close(scanner.release)
	c.Wait()

	assert.Equal(t, 1, scanner.scanCount())
	assert.Equal(t, uint64(1), c.Stats().DroppedFeed)
}

func TestIrrelevantFeedTransactionNeverTriggers(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.Feed.Enabled = true
	cfg.Feed.Routers = []string{"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"}
	classifier, err := feed.NewClassifier(cfg, zap.NewNop())
	require.NoError(t, err)

	scanner := newBlockingScanner(nil)
	c := NewCoordinator(cfg, scanner, &recordingExecutor{}, classifier, zap.NewNop())

	other := common.HexToAddress("0x0000000000000000000000000000000000009999")
	c.OnFeedTransaction(context.Background(), &types.FeedTransaction{
		Hash: common.Hash{2}, To: &other, Value: big.NewInt(0),
	})
	c.Wait()

	assert.Equal(t, 0, scanner.scanCount())
	assert.Equal(t, uint64(0), c.Stats().DroppedFeed)
}

func TestQualifyingOpportunitiesForwarded(t *testing.T) {
	opps := []*types.Opportunity{
		opportunity(55_000_000, 55, true),  // above both floors
		opportunity(55_000_000, 10, true),  // below the USD floor
		opportunity(55_000_000, 0, false),  // USD unknown, floor configured
	}
	scanner := newBlockingScanner(opps)
	exec := &recordingExecutor{}
	c := NewCoordinator(coordinatorConfig(), scanner, exec, nil, zap.NewNop())

	c.OnBlock(context.Background(), 101)
	<-scanner.started
	close(scanner.release)
	c.Wait()

	assert.Equal(t, 1, exec.count())
	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Opportunities)
	assert.Equal(t, uint64(1), stats.Executed)
}

func TestNoUSDFloorForwardsUnrankedOpportunities(t *testing.T) {
	cfg := coordinatorConfig()
	cfg.MinProfitUSD = 0

	scanner := newBlockingScanner([]*types.Opportunity{opportunity(55_000_000, 0, false)})
	exec := &recordingExecutor{}
	c := NewCoordinator(cfg, scanner, exec, nil, zap.NewNop())

	c.OnBlock(context.Background(), 101)
	<-scanner.started
	close(scanner.release)
	c.Wait()

	assert.Equal(t, 1, exec.count())
}

func TestExecutorErrorCounted(t *testing.T) {
	scanner := newBlockingScanner([]*types.Opportunity{opportunity(55_000_000, 55, true)})
	exec := &recordingExecutor{err: errors.New("nonce too low")}
	c := NewCoordinator(coordinatorConfig(), scanner, exec, nil, zap.NewNop())

	c.OnBlock(context.Background(), 101)
	<-scanner.started
	close(scanner.release)
	c.Wait()

	assert.Equal(t, uint64(1), c.Stats().ExecuteErrors)
}

func TestDroppedTriggerMetricIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewScanMetrics("flasharb", reg)

	scanner := newBlockingScanner(nil)
	c := NewCoordinator(coordinatorConfig(), scanner, &recordingExecutor{}, nil, zap.NewNop(), WithMetrics(m))

	c.OnBlock(context.Background(), 101)
	<-scanner.started
	c.OnBlock(context.Background(), 102)
	close(scanner.release)
	c.Wait()

	var metric dto.Metric
	counter, err := m.DroppedTriggers.GetMetricWithLabelValues(string(types.TriggerBlock))
	require.NoError(t, err)
	require.NoError(t, counter.Write(&metric))
	assert.Equal(t, 1.0, metric.GetCounter().GetValue())
}

func TestRunLoopCoalescesBlocks(t *testing.T) {
	scanner := newBlockingScanner(nil)
	c := NewCoordinator(coordinatorConfig(), scanner, &recordingExecutor{}, nil, zap.NewNop())

	blocks := make(chan uint64, 8)
	feedTxs := make(chan *types.FeedTransaction, 8)
	ctx, cancel := context.WithCancel(context.Background())

	// Queue three blocks before the loop starts; it drains to the newest
	// and runs a single scan for it.
	blocks <- 101
	blocks <- 102
	blocks <- 103

	var loopDone atomic.Bool
	go func() {
		c.Run(ctx, blocks, feedTxs)
		loopDone.Store(true)
	}()

	trigger := <-scanner.started
	assert.Equal(t, types.TriggerBlock, trigger)
	close(scanner.release)

	require.Eventually(t, func() bool {
		return c.Stats().Scans == 1 && c.Stats().LastBlock == 103
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, loopDone.Load, time.Second, 5*time.Millisecond)
}
