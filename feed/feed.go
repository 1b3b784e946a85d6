package feed

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/rpcpool"
	"github.com/arbx/flasharb/types"
)

// Classifier decides whether a pending transaction is a large venue-router
// swap worth triggering a scan for. It needs only {to, value, selector}.
type Classifier struct {
	routers    map[common.Address]struct{}
	selectors  map[[4]byte]struct{}
	minSwapWei *big.Int
	seen       *lru.Cache
	logger     *zap.Logger
}

func NewClassifier(cfg *config.Config, logger *zap.Logger) (*Classifier, error) {
	minWei, ok := cfg.Feed.MinSwapWeiInt()
	if !ok {
		return nil, fmt.Errorf("invalid feed.min_swap_wei %q", cfg.Feed.MinSwapWei)
	}

	window := cfg.Feed.DedupWindow
	if window <= 0 {
		window = 4096
	}
	seen, err := lru.New(window)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		routers:    make(map[common.Address]struct{}),
		selectors:  make(map[[4]byte]struct{}),
		minSwapWei: minWei,
		seen:       seen,
		logger:     logger,
	}
	for _, r := range cfg.Feed.Routers {
		c.routers[common.HexToAddress(r)] = struct{}{}
	}
	for _, s := range cfg.Feed.SwapSelectors {
		raw := common.FromHex(s)
		if len(raw) != 4 {
			return nil, fmt.Errorf("swap selector %q is not 4 bytes", s)
		}
		var sel [4]byte
		copy(sel[:], raw)
		c.selectors[sel] = struct{}{}
	}
	return c, nil
}

// Relevant reports whether tx should trigger a scan. Each hash fires at
// most once within the dedup window.
func (c *Classifier) Relevant(tx *types.FeedTransaction) bool {
	if tx == nil || tx.To == nil {
		return false
	}
	if _, ok := c.routers[*tx.To]; !ok {
		return false
	}
	sel, ok := tx.Selector()
	if !ok {
		return false
	}
	if _, ok := c.selectors[sel]; !ok {
		return false
	}
	if c.minSwapWei.Sign() > 0 && tx.Value != nil && tx.Value.Cmp(c.minSwapWei) < 0 {
		return false
	}

	key := xxhash.Sum64(tx.Hash.Bytes())
	if _, dup := c.seen.Get(key); dup {
		return false
	}
	c.seen.Add(key, struct{}{})
	return true
}

// PendingSource delivers pending transaction hashes; the ws transport
// provides it in production.
type PendingSource interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
}

// Listener turns the pending-hash stream into FeedTransactions, fetching
// bodies through the endpoint pool.
type Listener struct {
	source PendingSource
	pool   *rpcpool.Pool
	logger *zap.Logger
}

func NewListener(source PendingSource, pool *rpcpool.Pool, logger *zap.Logger) *Listener {
	return &Listener{source: source, pool: pool, logger: logger}
}

// Run streams classifiable transactions into out until ctx is cancelled.
// out is bounded; when it is full the transaction is dropped, the scan
// trigger it would have produced is already racing a running scan anyway.
func (l *Listener) Run(ctx context.Context, out chan<- *types.FeedTransaction) error {
	hashes := make(chan common.Hash, 512)
	sub, err := l.source.SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		return fmt.Errorf("subscribe pending transactions: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("pending transaction subscription: %w", err)
		case hash := <-hashes:
			tx := l.fetch(ctx, hash)
			if tx == nil {
				continue
			}
			select {
			case out <- tx:
			default:
				l.logger.Debug("Feed channel full, dropping transaction",
					zap.String("tx", hash.Hex()))
			}
		}
	}
}

func (l *Listener) fetch(ctx context.Context, hash common.Hash) *types.FeedTransaction {
	var result *types.FeedTransaction
	err := l.pool.Call(ctx, func(ctx context.Context, client rpcpool.Client) error {
		tx, pending, err := client.TransactionByHash(ctx, hash)
		if err != nil {
			return err
		}
		if !pending || tx == nil {
			return nil
		}
		result = &types.FeedTransaction{
			Hash:      hash,
			To:        tx.To(),
			Value:     tx.Value(),
			Input:     tx.Data(),
			FirstSeen: time.Now(),
		}
		return nil
	})
	if err != nil {
		l.logger.Debug("Pending transaction fetch failed",
			zap.String("tx", hash.Hex()), zap.Error(err))
		return nil
	}
	return result
}
