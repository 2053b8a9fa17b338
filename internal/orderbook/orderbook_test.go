package orderbook_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/ledger/ledgertest"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

var programID = solana.MustPublicKeyFromBase58("5S3gna7dtmoGD1M6AqRLRZvP7MUDHp8K8pkXRMovsrR9")

type harness struct {
	t         *testing.T
	transport *ledgertest.Transport
	scanner   *orderbook.Scanner
	nextOrder uint64
}

func newHarness(t *testing.T) *harness {
	transport := ledgertest.New()
	reader := ledger.NewReader(transport, programID, ledger.Options{}, nil)
	return &harness{t: t, transport: transport, scanner: orderbook.NewScanner(reader, nil)}
}

func (h *harness) marketplace(strategyID uint64, m protocol.Marketplace) solana.PublicKey {
	h.t.Helper()
	strategy := protocol.MustDeriveStrategyPDA(programID, strategyID)
	address, _, err := protocol.DeriveMarketplacePDA(programID, strategy)
	require.NoError(h.t, err)
	data, err := protocol.MarketplaceLayout.EncodeAccount(&m, protocol.MarketplaceAccountSize)
	require.NoError(h.t, err)
	h.transport.SetAccount(address, data)
	return address
}

func (h *harness) validMarketplace(strategyID uint64) solana.PublicKey {
	return h.marketplace(strategyID, protocol.Marketplace{
		Admin:                 solana.NewWallet().PublicKey(),
		Strategy:              protocol.MustDeriveStrategyPDA(programID, strategyID),
		YieldMint:             solana.NewWallet().PublicKey(),
		UnderlyingMint:        solana.NewWallet().PublicKey(),
		TradingFeeBasisPoints: 30,
		IsActive:              true,
		MarketplaceID:         strategyID,
	})
}

func (h *harness) order(marketplace solana.PublicKey, side protocol.OrderType, amount, price, filled uint64, active bool) solana.PublicKey {
	h.t.Helper()
	h.nextOrder++
	owner := solana.NewWallet().PublicKey()
	address, _, err := protocol.DeriveOrderPDA(programID, owner, h.nextOrder)
	require.NoError(h.t, err)
	data, err := protocol.TradeOrderLayout.EncodeAccount(&protocol.TradeOrder{
		Owner:            owner,
		Marketplace:      marketplace,
		OrderType:        side,
		YieldTokenAmount: amount,
		PricePerToken:    price,
		TotalValue:       protocol.OrderValue(amount, price),
		FilledAmount:     filled,
		IsActive:         active,
		CreatedAt:        int64(h.nextOrder),
		OrderID:          h.nextOrder,
	}, protocol.TradeOrderAccountSize)
	require.NoError(h.t, err)
	h.transport.SetAccount(address, data)
	return address
}

func TestScanGroupsLiveOrdersByMarketplace(t *testing.T) {
	h := newHarness(t)
	first := h.validMarketplace(1)
	second := h.validMarketplace(2)
	live := h.order(first, protocol.OrderBuy, 100, 1_000_000, 0, true)
	h.order(first, protocol.OrderSell, 100, 1_000_000, 100, true)
	h.order(first, protocol.OrderSell, 100, 1_000_000, 0, false)
	ask := h.order(second, protocol.OrderSell, 50, 2_000_000, 10, true)
	h.order(solana.NewWallet().PublicKey(), protocol.OrderBuy, 1, 1, 0, true)

	snapshot, err := h.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Markets, 2)
	assert.Equal(t, first, snapshot.Markets[0].Marketplace.Address)
	assert.Equal(t, second, snapshot.Markets[1].Marketplace.Address)

	require.Len(t, snapshot.Markets[0].Orders, 1)
	assert.Equal(t, live, snapshot.Markets[0].Orders[0].Address)
	require.Len(t, snapshot.Markets[1].Orders, 1)
	assert.Equal(t, ask, snapshot.Markets[1].Orders[0].Address)
	assert.Equal(t, 1, snapshot.Orphans)
}

func TestScanRejectsZeroKeyMarketplace(t *testing.T) {
	h := newHarness(t)
	h.marketplace(3, protocol.Marketplace{TradingFeeBasisPoints: 30, IsActive: true})
	good := h.validMarketplace(4)

	snapshot, err := h.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot.Markets, 1)
	assert.Equal(t, good, snapshot.Markets[0].Marketplace.Address)
	assert.Equal(t, 1, snapshot.Skipped)
}

func TestScanIgnoresForeignAccountsOfMatchingSize(t *testing.T) {
	h := newHarness(t)
	h.transport.SetAccount(solana.NewWallet().PublicKey(), make([]byte, protocol.MarketplaceAccountSize))
	junk := make([]byte, protocol.TradeOrderAccountSize)
	for i := range junk {
		junk[i] = 0xff
	}
	h.transport.SetAccount(solana.NewWallet().PublicKey(), junk)

	snapshot, err := h.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot.Markets)
	assert.Equal(t, 2, snapshot.Skipped)
}

func TestScanResultsAreCached(t *testing.T) {
	h := newHarness(t)
	h.validMarketplace(1)

	_, err := h.scanner.Scan(context.Background())
	require.NoError(t, err)
	scans := h.transport.Scans()
	_, err = h.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scans, h.transport.Scans())
}

func TestScanStrategiesDerivesMarketplaces(t *testing.T) {
	h := newHarness(t)
	first := h.validMarketplace(1)
	h.validMarketplace(2)
	h.order(first, protocol.OrderBuy, 10, 1_000_000, 0, true)

	snapshot, err := h.scanner.ScanStrategies(context.Background(), []uint64{1, 5})
	require.NoError(t, err)
	require.Len(t, snapshot.Markets, 1, "strategy 5 has no marketplace and strategy 2 was not asked for")
	assert.Equal(t, first, snapshot.Markets[0].Marketplace.Address)
	assert.Len(t, snapshot.Markets[0].Orders, 1)
}

func TestOrdersForMarketplace(t *testing.T) {
	h := newHarness(t)
	first := h.validMarketplace(1)
	second := h.validMarketplace(2)
	bid := h.order(first, protocol.OrderBuy, 10, 1_000_000, 0, true)
	h.order(second, protocol.OrderBuy, 10, 1_000_000, 0, true)

	orders, err := h.scanner.Orders(context.Background(), first)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, bid, orders[0].Address)
}

func account(id uint64, marketplace solana.PublicKey, side protocol.OrderType, amount, price, filled uint64) protocol.Account[protocol.TradeOrder] {
	return protocol.Account[protocol.TradeOrder]{
		Address: solana.NewWallet().PublicKey(),
		Record: protocol.TradeOrder{
			Owner:            solana.NewWallet().PublicKey(),
			Marketplace:      marketplace,
			OrderType:        side,
			YieldTokenAmount: amount,
			PricePerToken:    price,
			FilledAmount:     filled,
			IsActive:         true,
			CreatedAt:        int64(id),
			OrderID:          id,
		},
	}
}

func TestBookOrdering(t *testing.T) {
	market := solana.NewWallet().PublicKey()
	book := orderbook.NewBook(market, []protocol.Account[protocol.TradeOrder]{
		account(1, market, protocol.OrderBuy, 10, 900_000, 0),
		account(2, market, protocol.OrderBuy, 10, 950_000, 0),
		account(3, market, protocol.OrderBuy, 10, 950_000, 0),
		account(4, market, protocol.OrderSell, 10, 1_100_000, 0),
		account(5, market, protocol.OrderSell, 10, 1_000_000, 0),
		account(6, solana.NewWallet().PublicKey(), protocol.OrderSell, 10, 1, 0),
	})

	require.Len(t, book.Bids, 3)
	assert.Equal(t, uint64(2), book.Bids[0].Record.OrderID)
	assert.Equal(t, uint64(3), book.Bids[1].Record.OrderID)
	assert.Equal(t, uint64(1), book.Bids[2].Record.OrderID)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, uint64(5), book.Asks[0].Record.OrderID)

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(950_000), bid)
	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000), ask)
	assert.False(t, book.Crossed())
	assert.Empty(t, book.Matches(30, 0))

	levels := book.Levels()
	require.Len(t, levels, 4)
	assert.Equal(t, orderbook.SideBid, levels[0].Side)
	assert.Equal(t, uint64(20), levels[0].Amount)
	assert.Equal(t, 2, levels[0].Orders)
	assert.Equal(t, "0.95", levels[0].Price.String())
	assert.Equal(t, orderbook.SideAsk, levels[2].Side)
}

func TestEmptyBook(t *testing.T) {
	book := orderbook.NewBook(solana.NewWallet().PublicKey(), nil)
	_, ok := book.BestBid()
	assert.False(t, ok)
	_, ok = book.BestAsk()
	assert.False(t, ok)
	assert.False(t, book.Crossed())
	assert.Empty(t, book.Levels())
}

func TestMatchesWalkCrossingOrders(t *testing.T) {
	market := solana.NewWallet().PublicKey()
	book := orderbook.NewBook(market, []protocol.Account[protocol.TradeOrder]{
		account(1, market, protocol.OrderBuy, 100, 1_200_000, 0),
		account(2, market, protocol.OrderBuy, 50, 1_050_000, 0),
		account(3, market, protocol.OrderSell, 150, 1_000_000, 90),
		account(4, market, protocol.OrderSell, 80, 1_100_000, 0),
	})
	require.True(t, book.Crossed())

	matches := book.Matches(100, 0)
	require.Len(t, matches, 2)

	first := matches[0]
	assert.Equal(t, uint64(1), first.Buy.Record.OrderID)
	assert.Equal(t, uint64(3), first.Sell.Record.OrderID)
	assert.Equal(t, uint64(60), first.Amount)
	assert.Equal(t, uint64(1_000_000), first.Price, "settles at the ask")
	assert.Equal(t, uint64(60), first.Value)
	assert.Equal(t, uint64(0), first.Fee)

	second := matches[1]
	assert.Equal(t, uint64(1), second.Buy.Record.OrderID)
	assert.Equal(t, uint64(4), second.Sell.Record.OrderID)
	assert.Equal(t, uint64(40), second.Amount)
	assert.Equal(t, uint64(44), second.Value)

	assert.Len(t, book.Matches(100, 1), 1)
}

func TestMatchFee(t *testing.T) {
	market := solana.NewWallet().PublicKey()
	book := orderbook.NewBook(market, []protocol.Account[protocol.TradeOrder]{
		account(1, market, protocol.OrderBuy, 1_000_000_000, 2_000_000, 0),
		account(2, market, protocol.OrderSell, 1_000_000_000, 2_000_000, 0),
	})
	matches := book.Matches(30, 0)
	require.Len(t, matches, 1)
	assert.Equal(t, uint64(2_000_000_000), matches[0].Value)
	assert.Equal(t, uint64(6_000_000), matches[0].Fee)
}
