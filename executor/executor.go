package executor

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arbx/flasharb/types"
)

// Simulated logs every opportunity it would have executed. Real settlement
// (signing, flash-loan contract call, submission) lives outside this
// process; this is the default collaborator for simulation mode.
type Simulated struct {
	logger   *zap.Logger
	executed atomic.Uint64
}

func NewSimulated(logger *zap.Logger) *Simulated {
	return &Simulated{logger: logger}
}

func (s *Simulated) Execute(ctx context.Context, opp *types.Opportunity) error {
	s.executed.Add(1)
	fields := []zap.Field{
		zap.String("kind", opp.Kind.String()),
		zap.Strings("tokens", opp.Tokens),
		zap.String("amount_in", opp.AmountIn.String()),
		zap.String("profit", opp.Profit.String()),
		zap.Int64("profit_bps", opp.ProfitBps),
		zap.String("trigger", string(opp.Trigger)),
	}
	if opp.USDReliable {
		fields = append(fields, zap.Float64("profit_usd", opp.ProfitUSD))
	}
	for _, leg := range opp.Legs {
		s.logger.Debug("Simulated leg",
			zap.String("venue", leg.Venue),
			zap.String("token_in", leg.TokenIn),
			zap.String("token_out", leg.TokenOut),
			zap.String("amount_out", leg.AmountOut.String()))
	}
	s.logger.Info("Simulated execution", fields...)
	return nil
}

// Executed reports how many opportunities were consumed.
func (s *Simulated) Executed() uint64 {
	return s.executed.Load()
}
