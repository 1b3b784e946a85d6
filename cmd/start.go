package cmd

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arbx/flasharb/config"
	"github.com/arbx/flasharb/coordinator"
	"github.com/arbx/flasharb/detector"
	"github.com/arbx/flasharb/executor"
	"github.com/arbx/flasharb/feed"
	"github.com/arbx/flasharb/pricefeed"
	"github.com/arbx/flasharb/quote"
	"github.com/arbx/flasharb/rpcpool"
	"github.com/arbx/flasharb/types"
	"github.com/arbx/flasharb/utils"
	"github.com/arbx/flasharb/utils/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arbitrage scanner",
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()

		if err := config.LoadEnv(); err != nil {
			log.Debug("No .env file loaded", zap.Error(err))
		}

		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			log.Fatal("Failed to load config", zap.Error(err))
		}
		cfg.Logger = log

		scanMetrics := metrics.NewScanMetrics("flasharb", nil)
		rpcMetrics := metrics.NewRPCMetrics("flasharb", nil)
		priceMetrics := metrics.NewPriceMetrics("flasharb", nil)
		if cfg.PrometheusEnabled {
			go func() {
				if err := metrics.Serve(cfg.PrometheusEndpoint, log); err != nil {
					log.Error("Metrics server stopped", zap.Error(err))
				}
			}()
		}

		pool, err := rpcpool.NewPool(cfg, log, rpcpool.WithMetrics(rpcMetrics))
		if err != nil {
			log.Fatal("Failed to build endpoint pool", zap.Error(err))
		}

		aggregator := quote.NewAggregator(cfg, pool, log, rpcMetrics)
		resolver, err := pricefeed.NewResolver(cfg, pool, log, pricefeed.WithMetrics(priceMetrics))
		if err != nil {
			log.Fatal("Failed to build price resolver", zap.Error(err))
		}
		det := detector.NewDetector(cfg, aggregator, resolver, log, detector.WithMetrics(scanMetrics))

		var classifier *feed.Classifier
		if cfg.Feed.Enabled {
			classifier, err = feed.NewClassifier(cfg, log)
			if err != nil {
				log.Fatal("Failed to build feed classifier", zap.Error(err))
			}
		}

		if !cfg.Simulation {
			log.Warn("Live settlement is not wired in; running in simulation mode")
		}
		exec := executor.NewSimulated(log)

		coord := coordinator.NewCoordinator(cfg, det, exec, classifier, log,
			coordinator.WithMetrics(scanMetrics))

		ctx := cmd.Context()
		go pool.Start(ctx)

		blocks := make(chan uint64, 16)
		feedTxs := make(chan *types.FeedTransaction, 64)

		go runBlockSource(ctx, cfg, pool, log, blocks)
		if cfg.Feed.Enabled && cfg.WSEndpoint != "" {
			go runFeedSource(ctx, cfg, pool, log, feedTxs)
		} else if cfg.Feed.Enabled {
			log.Warn("Feed enabled without ws_endpoint; pre-block triggers disabled")
		}
		go runStatsLoop(ctx, cfg.StatsInterval.Std(), coord, pool, log)

		log.Info("Scanner started",
			zap.Uint64("chain_id", cfg.ChainID),
			zap.Int("endpoints", len(cfg.Endpoints)),
			zap.Int("pairs", len(cfg.Pairs)),
			zap.Int("routes", len(cfg.Routes)),
			zap.Bool("feed", cfg.Feed.Enabled))

		coord.Run(ctx, blocks, feedTxs)
		log.Info("Scanner stopped")
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()

		if err := config.LoadEnv(); err != nil {
			log.Debug("No .env file loaded", zap.Error(err))
		}
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			log.Fatal("Configuration invalid", zap.Error(err))
		}
		log.Info("Configuration valid",
			zap.Uint64("chain_id", cfg.ChainID),
			zap.Int("endpoints", len(cfg.Endpoints)),
			zap.Int("tokens", len(cfg.Tokens)),
			zap.Int("venues", len(cfg.Venues)),
			zap.Int("pairs", len(cfg.Pairs)),
			zap.Int("routes", len(cfg.Routes)))
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(checkCmd)
}

// runBlockSource feeds new block numbers into out. The websocket head
// subscription is preferred; when it is unconfigured or dies, polling
// through the endpoint pool takes over.
func runBlockSource(ctx context.Context, cfg *config.Config, pool *rpcpool.Pool, log *zap.Logger, out chan<- uint64) {
	if cfg.WSEndpoint != "" {
		err := subscribeHeads(ctx, cfg.WSEndpoint, out)
		if ctx.Err() != nil {
			return
		}
		log.Warn("Head subscription failed, falling back to polling", zap.Error(err))
	}
	pollBlocks(ctx, cfg.BlockPollInterval.Std(), pool, log, out)
}

func subscribeHeads(ctx context.Context, wsURL string, out chan<- uint64) error {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return err
	}
	defer client.Close()

	heads := make(chan *gethtypes.Header, 16)
	sub, err := client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case head := <-heads:
			select {
			case out <- head.Number.Uint64():
			default:
				// The coordinator coalesces; a full channel means it is busy.
			}
		}
	}
}

func pollBlocks(ctx context.Context, interval time.Duration, pool *rpcpool.Pool, log *zap.Logger, out chan<- uint64) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var number uint64
			err := pool.Call(ctx, func(ctx context.Context, client rpcpool.Client) error {
				n, err := client.BlockNumber(ctx)
				number = n
				return err
			})
			if err != nil {
				log.Debug("Block poll failed", zap.Error(err))
				continue
			}
			if number <= last {
				continue
			}
			last = number
			select {
			case out <- number:
			default:
			}
		}
	}
}

// pendingSource adapts the geth pending-transaction subscription to the
// listener's interface.
type pendingSource struct {
	client *gethclient.Client
}

func (s pendingSource) SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error) {
	return s.client.SubscribePendingTransactions(ctx, ch)
}

func runFeedSource(ctx context.Context, cfg *config.Config, pool *rpcpool.Pool, log *zap.Logger, out chan *types.FeedTransaction) {
	rpcClient, err := rpc.DialContext(ctx, cfg.WSEndpoint)
	if err != nil {
		log.Warn("Feed transport dial failed; pre-block triggers disabled", zap.Error(err))
		return
	}
	defer rpcClient.Close()

	listener := feed.NewListener(pendingSource{gethclient.New(rpcClient)}, pool, log)
	if err := listener.Run(ctx, out); err != nil && ctx.Err() == nil {
		log.Warn("Feed listener stopped", zap.Error(err))
	}
}

func runStatsLoop(ctx context.Context, interval time.Duration, coord *coordinator.Coordinator, pool *rpcpool.Pool, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := coord.Stats()
			healthy := 0
			for _, state := range pool.HealthSnapshot() {
				if state == rpcpool.Healthy {
					healthy++
				}
			}
			log.Info("Scanner stats",
				zap.Uint64("scans", s.Scans),
				zap.Uint64("dropped_block", s.DroppedBlock),
				zap.Uint64("dropped_feed", s.DroppedFeed),
				zap.Uint64("opportunities", s.Opportunities),
				zap.Uint64("executed", s.Executed),
				zap.Uint64("execute_errors", s.ExecuteErrors),
				zap.Uint64("last_block", s.LastBlock),
				zap.Duration("last_scan", s.LastScanTime),
				zap.Int("healthy_endpoints", healthy))
		}
	}
}
