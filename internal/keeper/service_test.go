package keeper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/orchestrator"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type fakeLedger struct {
	strategies []protocol.Account[protocol.Strategy]
}

func (f *fakeLedger) Strategies(context.Context) ([]protocol.Account[protocol.Strategy], error) {
	return f.strategies, nil
}

type fakeScanner struct {
	ids      []uint64
	snapshot *orderbook.Snapshot
}

func (f *fakeScanner) ScanStrategies(_ context.Context, ids []uint64) (*orderbook.Snapshot, error) {
	f.ids = ids
	return f.snapshot, nil
}

type fakeTrader struct {
	calls []orchestrator.ExecuteTradeRequest
	errs  map[solana.PublicKey]error
}

func (f *fakeTrader) ExecuteTrade(_ context.Context, req orchestrator.ExecuteTradeRequest) (*orchestrator.Result, error) {
	f.calls = append(f.calls, req)
	if err := f.errs[req.SellOrder]; err != nil {
		return nil, err
	}
	return &orchestrator.Result{Flow: "execute_trade", Amount: req.Amount}, nil
}

func strategy(id uint64, active bool) protocol.Account[protocol.Strategy] {
	return protocol.Account[protocol.Strategy]{
		Address: solana.NewWallet().PublicKey(),
		Record:  protocol.Strategy{StrategyID: id, IsActive: active},
	}
}

func order(market solana.PublicKey, side protocol.OrderType, amount, price uint64, id uint64) protocol.Account[protocol.TradeOrder] {
	return protocol.Account[protocol.TradeOrder]{
		Address: solana.NewWallet().PublicKey(),
		Record: protocol.TradeOrder{
			Owner:            solana.NewWallet().PublicKey(),
			Marketplace:      market,
			OrderType:        side,
			YieldTokenAmount: amount,
			PricePerToken:    price,
			IsActive:         true,
			CreatedAt:        int64(id),
			OrderID:          id,
		},
	}
}

func market(active bool, orders func(solana.PublicKey) []protocol.Account[protocol.TradeOrder]) orderbook.Market {
	address := solana.NewWallet().PublicKey()
	return orderbook.Market{
		Marketplace: protocol.Account[protocol.Marketplace]{
			Address: address,
			Record:  protocol.Marketplace{TradingFeeBasisPoints: 30, IsActive: active},
		},
		Orders: orders(address),
	}
}

func TestTickExecutesCrossingOrders(t *testing.T) {
	var buy, sell protocol.Account[protocol.TradeOrder]
	m := market(true, func(addr solana.PublicKey) []protocol.Account[protocol.TradeOrder] {
		buy = order(addr, protocol.OrderBuy, 100, 1_100_000, 1)
		sell = order(addr, protocol.OrderSell, 60, 1_000_000, 2)
		return []protocol.Account[protocol.TradeOrder]{buy, sell, order(addr, protocol.OrderSell, 10, 2_000_000, 3)}
	})
	scanner := &fakeScanner{snapshot: &orderbook.Snapshot{Markets: []orderbook.Market{m}}}
	trader := &fakeTrader{}
	l := &fakeLedger{strategies: []protocol.Account[protocol.Strategy]{strategy(1, true), strategy(2, false)}}
	svc := New(config.KeeperConfig{MaxTradesPerTick: 5}, l, scanner, trader, nil)

	stats, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, scanner.ids, "inactive strategies are not scanned")
	require.Len(t, trader.calls, 1)
	assert.Equal(t, orchestrator.ExecuteTradeRequest{BuyOrder: buy.Address, SellOrder: sell.Address, Amount: 60}, trader.calls[0])
	assert.Equal(t, TickStats{Markets: 1, Matches: 1, Executed: 1}, stats)
}

func TestTickRespectsTradeBudgetAcrossMarkets(t *testing.T) {
	crossing := func(addr solana.PublicKey) []protocol.Account[protocol.TradeOrder] {
		return []protocol.Account[protocol.TradeOrder]{
			order(addr, protocol.OrderBuy, 30, 1_000_000, 1),
			order(addr, protocol.OrderSell, 10, 1_000_000, 2),
			order(addr, protocol.OrderSell, 10, 1_000_000, 3),
			order(addr, protocol.OrderSell, 10, 1_000_000, 4),
		}
	}
	scanner := &fakeScanner{snapshot: &orderbook.Snapshot{Markets: []orderbook.Market{market(true, crossing), market(true, crossing)}}}
	trader := &fakeTrader{}
	svc := New(config.KeeperConfig{MaxTradesPerTick: 4}, &fakeLedger{strategies: []protocol.Account[protocol.Strategy]{strategy(1, true)}}, scanner, trader, nil)

	stats, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, trader.calls, 4)
	assert.Equal(t, 4, stats.Executed)
}

func TestTickSkipsInactiveMarketplaces(t *testing.T) {
	m := market(false, func(addr solana.PublicKey) []protocol.Account[protocol.TradeOrder] {
		return []protocol.Account[protocol.TradeOrder]{
			order(addr, protocol.OrderBuy, 10, 1_000_000, 1),
			order(addr, protocol.OrderSell, 10, 1_000_000, 2),
		}
	})
	trader := &fakeTrader{}
	svc := New(config.KeeperConfig{MaxTradesPerTick: 5}, &fakeLedger{strategies: []protocol.Account[protocol.Strategy]{strategy(1, true)}},
		&fakeScanner{snapshot: &orderbook.Snapshot{Markets: []orderbook.Market{m}}}, trader, nil)

	stats, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trader.calls)
	assert.Zero(t, stats.Markets)
}

func TestTickClassifiesFailures(t *testing.T) {
	var stale, rejected protocol.Account[protocol.TradeOrder]
	m := market(true, func(addr solana.PublicKey) []protocol.Account[protocol.TradeOrder] {
		stale = order(addr, protocol.OrderSell, 10, 900_000, 2)
		rejected = order(addr, protocol.OrderSell, 10, 950_000, 3)
		return []protocol.Account[protocol.TradeOrder]{order(addr, protocol.OrderBuy, 30, 1_000_000, 1), stale, rejected}
	})
	trader := &fakeTrader{errs: map[solana.PublicKey]error{
		stale.Address:    &orchestrator.FlowError{Flow: "execute_trade", Err: orchestrator.ErrOrderNotLive},
		rejected.Address: fmt.Errorf("submit: %w", protocol.ErrTransactionRejected),
	}}
	svc := New(config.KeeperConfig{MaxTradesPerTick: 5}, &fakeLedger{strategies: []protocol.Account[protocol.Strategy]{strategy(1, true)}},
		&fakeScanner{snapshot: &orderbook.Snapshot{Markets: []orderbook.Market{m}}}, trader, nil)

	stats, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Markets: 1, Matches: 2, Skipped: 1, Failed: 1}, stats)
}

func TestTickWithoutStrategies(t *testing.T) {
	scanner := &fakeScanner{}
	svc := New(config.KeeperConfig{MaxTradesPerTick: 5}, &fakeLedger{}, scanner, &fakeTrader{}, nil)
	stats, err := svc.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, scanner.ids)
	assert.Equal(t, TickStats{}, stats)
}

func TestIsStale(t *testing.T) {
	assert.True(t, isStale(fmt.Errorf("read: %w", protocol.ErrRecordNotFound)))
	assert.False(t, isStale(errors.New("connection reset")))
}
