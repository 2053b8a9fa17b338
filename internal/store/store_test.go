package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"literal", "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
		{"escaped quote", "SELECT 'it''s ?' WHERE a = ?", "SELECT 'it''s ?' WHERE a = $1"},
		{"none", "SELECT 1", "SELECT 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, rebindPostgresPlaceholders(tc.in))
		})
	}
}

func TestNormalizePagination(t *testing.T) {
	limit, offset := normalizePagination(0, -3)
	assert.Equal(t, defaultPageLimit, limit)
	assert.Equal(t, 0, offset)

	limit, offset = normalizePagination(10_000, 20)
	assert.Equal(t, maxPageLimit, limit)
	assert.Equal(t, 20, offset)
}

func TestOrderClauses(t *testing.T) {
	clauses, args := orderClauses(OrderFilter{Marketplace: "m", Side: "buy"})
	assert.Equal(t, []string{"1 = 1", "marketplace = ?", "side = ?", "live = 1"}, clauses)
	assert.Equal(t, []any{"m", "buy"}, args)

	clauses, args = orderClauses(OrderFilter{Owner: "o", IncludeClosed: true})
	assert.Equal(t, []string{"1 = 1", "owner = ?"}, clauses)
	assert.Equal(t, []any{"o"}, args)
}

// Runs against a disposable database named by YIELDOS_TEST_DB_DSN.
func TestSaveSnapshotRoundTrip(t *testing.T) {
	dsn := os.Getenv("YIELDOS_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("YIELDOS_TEST_DB_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	strategy := protocol.Account[protocol.Strategy]{
		Address: solana.NewWallet().PublicKey(),
		Record: protocol.Strategy{
			Admin:          solana.NewWallet().PublicKey(),
			UnderlyingMint: protocol.NativeMint,
			YieldMint:      solana.NewWallet().PublicKey(),
			Name:           "native-staking",
			APYBasisPoints: 700,
			TotalDeposits:  ^uint64(0),
			IsActive:       true,
			StrategyID:     uint64(time.Now().UnixNano()),
		},
	}
	market := protocol.Account[protocol.Marketplace]{
		Address: solana.NewWallet().PublicKey(),
		Record: protocol.Marketplace{
			Admin:                 solana.NewWallet().PublicKey(),
			Strategy:              strategy.Address,
			YieldMint:             strategy.Record.YieldMint,
			UnderlyingMint:        protocol.NativeMint,
			TradingFeeBasisPoints: 30,
			IsActive:              true,
			MarketplaceID:         strategy.Record.StrategyID,
		},
	}
	order := protocol.Account[protocol.TradeOrder]{
		Address: solana.NewWallet().PublicKey(),
		Record: protocol.TradeOrder{
			Owner:            solana.NewWallet().PublicKey(),
			Marketplace:      market.Address,
			OrderType:        protocol.OrderSell,
			YieldTokenAmount: 10,
			PricePerToken:    1_250_000,
			IsActive:         true,
			OrderID:          1,
		},
	}

	book := &orderbook.Snapshot{Markets: []orderbook.Market{{Marketplace: market, Orders: []protocol.Account[protocol.TradeOrder]{order}}}}
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{Strategies: []protocol.Account[protocol.Strategy]{strategy}, Book: book}))

	orders, _, _, err := s.ListOrders(ctx, OrderFilter{Marketplace: market.Address.String()})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "sell", orders[0].Side)
	assert.Equal(t, "1.25", orders[0].Price)

	book.Markets[0].Orders = nil
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{Book: book}))
	orders, _, _, err = s.ListOrders(ctx, OrderFilter{Marketplace: market.Address.String()})
	require.NoError(t, err)
	assert.Empty(t, orders, "order missing from the pass is retired")

	strategies, _, _, err := s.ListStrategies(ctx, StrategyFilter{Limit: maxPageLimit})
	require.NoError(t, err)
	var found bool
	for _, item := range strategies {
		if item.Pubkey == strategy.Address.String() {
			found = true
			assert.Equal(t, "18446744073709551615", item.TotalDeposits)
		}
	}
	assert.True(t, found)
}
