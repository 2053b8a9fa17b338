package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/ledger/ledgertest"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

var programID = solana.MustPublicKeyFromBase58("5S3gna7dtmoGD1M6AqRLRZvP7MUDHp8K8pkXRMovsrR9")

func newReader(t *testing.T, transport ledger.Transport, maxRetries int) *ledger.Reader {
	t.Helper()
	return ledger.NewReader(transport, programID, ledger.Options{MaxRetries: maxRetries}, nil)
}

func putStrategy(t *testing.T, transport *ledgertest.Transport, id uint64) solana.PublicKey {
	t.Helper()
	address, _, err := protocol.DeriveStrategyPDA(programID, id)
	require.NoError(t, err)
	yieldMint, _, err := protocol.DeriveYieldMintPDA(programID, id)
	require.NoError(t, err)
	data, err := protocol.StrategyLayout.EncodeAccount(&protocol.Strategy{
		Admin:          solana.NewWallet().PublicKey(),
		UnderlyingMint: protocol.NativeMint,
		YieldMint:      yieldMint,
		Name:           "strategy",
		APYBasisPoints: 1000,
		IsActive:       true,
		StrategyID:     id,
	}, protocol.StrategyAccountSize)
	require.NoError(t, err)
	transport.SetAccount(address, data)
	return address
}

func putCounter(t *testing.T, transport *ledgertest.Transport, address solana.PublicKey, layout *protocol.Layout[protocol.Counter], count uint64) {
	t.Helper()
	data, err := layout.EncodeAccount(&protocol.Counter{Count: count}, protocol.CounterAccountSize)
	require.NoError(t, err)
	transport.SetAccount(address, data)
}

func TestReaderCachesDecodedRecords(t *testing.T) {
	transport := ledgertest.New()
	address := putStrategy(t, transport, 7)
	reader := newReader(t, transport, 0)
	ctx := context.Background()

	first, err := reader.Strategy(ctx, 7)
	require.NoError(t, err)
	second, err := reader.Strategy(ctx, 7)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, transport.Fetches(address))

	reader.Invalidate(address)
	_, err = reader.Strategy(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.Fetches(address))

	_, err = reader.StrategyAt(ctx, address, true)
	require.NoError(t, err)
	assert.Equal(t, 3, transport.Fetches(address), "fresh reads bypass the cache")
}

func TestReaderNotFoundIsNotAnError(t *testing.T) {
	transport := ledgertest.New()
	reader := newReader(t, transport, 3)
	ctx := context.Background()

	_, err := reader.Strategy(ctx, 1)
	assert.ErrorIs(t, err, protocol.ErrRecordNotFound)
	assert.Equal(t, 1, transport.Calls(), "not found must not be retried")

	exists, err := reader.AccountExists(ctx, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReaderRetriesTransientFailures(t *testing.T) {
	transport := ledgertest.New()
	putStrategy(t, transport, 2)
	transport.FailNext(
		jsonrpc.NewHTTPError(http.StatusTooManyRequests, errors.New("429 Too Many Requests")),
		&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET},
	)
	reader := newReader(t, transport, 4)

	got, err := reader.Strategy(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.StrategyID)
	assert.Equal(t, 3, transport.Calls())
}

func TestReaderRetriesAreBounded(t *testing.T) {
	transport := ledgertest.New()
	putStrategy(t, transport, 2)
	for i := 0; i < 10; i++ {
		transport.FailNext(&jsonrpc.RPCError{Code: http.StatusTooManyRequests, Message: "rate limit exceeded"})
	}
	reader := newReader(t, transport, 2)

	_, err := reader.Strategy(context.Background(), 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransientRPC)

	var transient *protocol.TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 3, transient.Attempts)
	assert.Equal(t, 3, transport.Calls())
}

func TestReaderDoesNotRetryPermanentErrors(t *testing.T) {
	transport := ledgertest.New()
	transport.FailNext(&jsonrpc.RPCError{Code: -32602, Message: "Invalid param: WrongSize"})
	reader := newReader(t, transport, 4)

	_, err := reader.NativeBalance(context.Background(), solana.NewWallet().PublicKey())
	require.Error(t, err)
	assert.NotErrorIs(t, err, protocol.ErrTransientRPC)
	assert.Equal(t, 1, transport.Calls())
}

func TestReaderSurfacesDecodeFailure(t *testing.T) {
	transport := ledgertest.New()
	address, _, err := protocol.DeriveStrategyPDA(programID, 4)
	require.NoError(t, err)
	transport.SetAccount(address, []byte{1, 2, 3})
	reader := newReader(t, transport, 0)

	_, err = reader.Strategy(context.Background(), 4)
	assert.ErrorIs(t, err, protocol.ErrDecode)
}

func TestStrategiesEnumeration(t *testing.T) {
	transport := ledgertest.New()
	counterAddress, _, err := protocol.DeriveStrategyCounterPDA(programID)
	require.NoError(t, err)
	putCounter(t, transport, counterAddress, protocol.StrategyCounterLayout, 3)
	putStrategy(t, transport, 1)
	putStrategy(t, transport, 3)
	reader := newReader(t, transport, 0)

	strategies, err := reader.Strategies(context.Background())
	require.NoError(t, err)
	require.Len(t, strategies, 2)
	assert.Equal(t, uint64(1), strategies[0].Record.StrategyID)
	assert.Equal(t, uint64(3), strategies[1].Record.StrategyID)
	assert.Equal(t, protocol.MustDeriveStrategyPDA(programID, 3), strategies[1].Address)
}

func TestStrategiesWithoutCounter(t *testing.T) {
	reader := newReader(t, ledgertest.New(), 0)
	strategies, err := reader.Strategies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, strategies)
}

func TestUserPositionsByOwner(t *testing.T) {
	transport := ledgertest.New()
	owner := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()

	put := func(holder solana.PublicKey, strategyID, amount uint64) {
		strategy := protocol.MustDeriveStrategyPDA(programID, strategyID)
		address, _, err := protocol.DeriveUserPositionPDA(programID, holder, strategy)
		require.NoError(t, err)
		data, err := protocol.UserPositionLayout.EncodeAccount(&protocol.UserPosition{
			Owner:           holder,
			Strategy:        strategy,
			DepositedAmount: amount,
		}, protocol.UserPositionAccountSize)
		require.NoError(t, err)
		transport.SetAccount(address, data)
	}
	put(owner, 1, 100)
	put(owner, 2, 200)
	put(other, 1, 300)

	reader := newReader(t, transport, 0)
	ctx := context.Background()
	positions, err := reader.UserPositions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	total := uint64(0)
	for _, p := range positions {
		assert.Equal(t, owner, p.Record.Owner)
		total += p.Record.DepositedAmount
	}
	assert.Equal(t, uint64(300), total)

	_, err = reader.UserPositions(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, transport.Scans(), "second scan is served from cache")

	position, err := reader.UserPosition(ctx, owner, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), position.DepositedAmount)
	strategy := protocol.MustDeriveStrategyPDA(programID, 2)
	positionAddress, _, err := protocol.DeriveUserPositionPDA(programID, owner, strategy)
	require.NoError(t, err)
	assert.Equal(t, 0, transport.Fetches(positionAddress), "scan results seed the record cache")

	fresh, err := reader.UserPositionFresh(ctx, owner, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), fresh.DepositedAmount)
	assert.Equal(t, 1, transport.Fetches(positionAddress))
}

func TestMarketplaceByStrategyID(t *testing.T) {
	transport := ledgertest.New()
	strategy := protocol.MustDeriveStrategyPDA(programID, 5)
	address, _, err := protocol.DeriveMarketplacePDA(programID, strategy)
	require.NoError(t, err)
	data, err := protocol.MarketplaceLayout.EncodeAccount(&protocol.Marketplace{
		Admin:                 solana.NewWallet().PublicKey(),
		Strategy:              strategy,
		YieldMint:             solana.NewWallet().PublicKey(),
		UnderlyingMint:        protocol.NativeMint,
		TradingFeeBasisPoints: 25,
		IsActive:              true,
		MarketplaceID:         1,
	}, protocol.MarketplaceAccountSize)
	require.NoError(t, err)
	transport.SetAccount(address, data)

	got, err := newReader(t, transport, 0).Marketplace(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, strategy, got.Strategy)
	assert.Equal(t, uint16(25), got.TradingFeeBasisPoints)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{jsonrpc.NewHTTPError(http.StatusTooManyRequests, errors.New("too many requests")), true},
		{jsonrpc.NewHTTPError(http.StatusServiceUnavailable, errors.New("unavailable")), true},
		{jsonrpc.NewHTTPError(http.StatusBadRequest, errors.New("bad request")), false},
		{&jsonrpc.RPCError{Code: http.StatusTooManyRequests, Message: "Too many requests for a specific RPC call"}, true},
		{&jsonrpc.RPCError{Code: -32005, Message: "Node is behind by 42 slots"}, true},
		{&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{fmt.Errorf("get account: %w", context.DeadlineExceeded), true},
		{protocol.ErrRecordNotFound, false},
		{context.Canceled, false},
		{errors.New("service unavailable: 503"), false},
		{nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ledger.IsTransient(tc.err), "%v", tc.err)
	}

	t.Run("rpc error body digits are not status codes", func(t *testing.T) {
		err := fmt.Errorf("send: %w", &jsonrpc.RPCError{
			Code:    -32002,
			Message: "Transaction simulation failed: Error processing Instruction 0: custom program error: 0x0",
			Data: map[string]any{"logs": []any{
				"Program 5S3gna7dtmoGD1M6AqRLRZvP7MUDHp8K8pkXRMovsrR9 consumed 15030 of 199700 compute units",
				"Program log: timeout 504 502 429",
			}},
		})
		assert.False(t, ledger.IsTransient(err))
	})
}

func TestFilterMatches(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	assert.True(t, ledger.MemcmpFilter(1, []byte{2, 3}).Matches(data))
	assert.False(t, ledger.MemcmpFilter(1, []byte{3}).Matches(data))
	assert.False(t, ledger.MemcmpFilter(4, []byte{5, 6}).Matches(data))
	assert.True(t, ledger.DataSizeFilter(5).Matches(data))
	assert.False(t, ledger.DataSizeFilter(6).Matches(data))
}
