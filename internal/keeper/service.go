package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/orchestrator"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type Ledger interface {
	Strategies(ctx context.Context) ([]protocol.Account[protocol.Strategy], error)
}

type BookScanner interface {
	ScanStrategies(ctx context.Context, strategyIDs []uint64) (*orderbook.Snapshot, error)
}

// Trader submits one crossing. *orchestrator.Session implements it.
type Trader interface {
	ExecuteTrade(ctx context.Context, req orchestrator.ExecuteTradeRequest) (*orchestrator.Result, error)
}

type Service struct {
	cfg     config.KeeperConfig
	ledger  Ledger
	scanner BookScanner
	trader  Trader
	logger  *slog.Logger
}

// TickStats summarises one matching pass.
type TickStats struct {
	Markets  int
	Matches  int
	Executed int
	Skipped  int
	Failed   int
}

func New(cfg config.KeeperConfig, l Ledger, scanner BookScanner, trader Trader, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		ledger:  l,
		scanner: scanner,
		trader:  trader,
		logger:  logging.Component(logger, "keeper"),
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.Ledger.RPCURL,
		"program", s.cfg.Ledger.ProgramID,
		"poll_interval", s.cfg.PollInterval.String(),
		"max_trades_per_tick", s.cfg.MaxTradesPerTick,
	)

	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

// Tick recovers every active marketplace's book and submits crossings best price
// first, up to MaxTradesPerTick in total. A crossing that no longer holds when
// re-read is skipped; the next tick sees the updated book.
func (s *Service) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	strategies, err := s.ledger.Strategies(ctx)
	if err != nil {
		return stats, fmt.Errorf("enumerate strategies: %w", err)
	}
	ids := make([]uint64, 0, len(strategies))
	for _, strategy := range strategies {
		if strategy.Record.IsActive {
			ids = append(ids, strategy.Record.StrategyID)
		}
	}
	if len(ids) == 0 {
		return stats, nil
	}

	snapshot, err := s.scanner.ScanStrategies(ctx, ids)
	if err != nil {
		return stats, fmt.Errorf("scan order book: %w", err)
	}

	budget := s.cfg.MaxTradesPerTick
	for _, market := range snapshot.Markets {
		if !market.Marketplace.Record.IsActive {
			continue
		}
		stats.Markets++
		if budget <= 0 {
			break
		}
		matches := market.Book().Matches(market.Marketplace.Record.TradingFeeBasisPoints, budget)
		stats.Matches += len(matches)
		for _, match := range matches {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			budget--
			s.execute(ctx, market, match, &stats)
		}
	}

	if stats.Matches > 0 {
		s.logger.Info("keeper tick complete",
			"markets", stats.Markets,
			"matches", stats.Matches,
			"executed", stats.Executed,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

func (s *Service) execute(ctx context.Context, market orderbook.Market, match orderbook.Match, stats *TickStats) {
	result, err := s.trader.ExecuteTrade(ctx, orchestrator.ExecuteTradeRequest{
		BuyOrder:  match.Buy.Address,
		SellOrder: match.Sell.Address,
		Amount:    match.Amount,
	})
	switch {
	case err == nil:
		stats.Executed++
		s.logger.Info("trade executed",
			"marketplace", market.Marketplace.Address,
			"buy", match.Buy.Address,
			"sell", match.Sell.Address,
			"amount", match.Amount,
			"price", protocol.FormatPrice(match.Price).String(),
			"signature", result.Signature,
		)
	case isStale(err):
		stats.Skipped++
		s.logger.Warn("crossing skipped", "buy", match.Buy.Address, "sell", match.Sell.Address, "reason", err)
	default:
		stats.Failed++
		s.logger.Warn("trade execution failed", "buy", match.Buy.Address, "sell", match.Sell.Address, "err", err)
	}
}

func isStale(err error) bool {
	return errors.Is(err, orchestrator.ErrOrderNotLive) ||
		errors.Is(err, orchestrator.ErrOrdersDoNotCross) ||
		errors.Is(err, protocol.ErrInvalidAmount) ||
		errors.Is(err, protocol.ErrRecordNotFound)
}
