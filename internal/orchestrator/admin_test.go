package orchestrator

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

func TestInitializeProtocol(t *testing.T) {
	f := newFixture(t)
	counter, _, err := protocol.DeriveStrategyCounterPDA(programID)
	require.NoError(t, err)

	res, err := f.session.InitializeProtocol(context.Background())
	require.NoError(t, err)
	assert.Equal(t, counter, res.Address)
	require.Len(t, f.submitter.batches, 1)

	f.putCounter(counter, protocol.StrategyCounterLayout, 0)
	_, err = f.session.InitializeProtocol(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Len(t, f.submitter.batches, 1)
}

func TestCreateStrategyUsesNextCounterValue(t *testing.T) {
	f := newFixture(t)
	counter, _, err := protocol.DeriveStrategyCounterPDA(programID)
	require.NoError(t, err)
	f.putCounter(counter, protocol.StrategyCounterLayout, 8)

	res, err := f.session.CreateStrategy(context.Background(), CreateStrategyRequest{
		Name:           "usdc-lending",
		APYBasisPoints: 850,
		UnderlyingMint: f.tokenMint,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), res.ID)
	assert.Equal(t, protocol.MustDeriveStrategyPDA(programID, 9), res.Address)

	data, err := f.submitter.batches[0][0].Data()
	require.NoError(t, err)
	nameLen := int(binary.LittleEndian.Uint32(data[8:12]))
	assert.Equal(t, "usdc-lending", string(data[12:12+nameLen]))
}

func TestCreateStrategyWithoutCounter(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.CreateStrategy(context.Background(), CreateStrategyRequest{Name: "x", UnderlyingMint: f.tokenMint})
	assert.ErrorIs(t, err, protocol.ErrRecordNotFound)
	assert.Contains(t, err.Error(), "initialize the protocol first")
}

func TestCreateStrategyValidation(t *testing.T) {
	f := newFixture(t)
	long := make([]byte, protocol.MaxStrategyNameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := f.session.CreateStrategy(context.Background(), CreateStrategyRequest{Name: string(long)})
	assert.Error(t, err)
	_, err = f.session.CreateStrategy(context.Background(), CreateStrategyRequest{Name: "ok", APYBasisPoints: protocol.MaxAPYBasisPoints + 1})
	assert.Error(t, err)
	_, err = f.session.CreateStrategy(context.Background(), CreateStrategyRequest{Name: "", UnderlyingMint: f.tokenMint})
	assert.ErrorContains(t, err, "strategy name")
	requireFlowState(t, err, StateResolvingAddresses)
	assert.Equal(t, 0, f.transport.Calls(), "rejected before the counter is read")
	assert.Empty(t, f.submitter.batches)
}

func TestCreateMarketplace(t *testing.T) {
	f := newFixture(t)

	res, err := f.session.CreateMarketplace(context.Background(), CreateMarketplaceRequest{StrategyID: tokenStrategyID, TradingFeeBps: 25})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.ID, "first marketplace when the counter does not exist yet")

	f.putMarketplace(tokenStrategyID, f.tokenMint)
	_, err = f.session.CreateMarketplace(context.Background(), CreateMarketplaceRequest{StrategyID: tokenStrategyID, TradingFeeBps: 25})
	assert.ErrorIs(t, err, ErrMarketplaceExists)

	_, err = f.session.CreateMarketplace(context.Background(), CreateMarketplaceRequest{StrategyID: tokenStrategyID, TradingFeeBps: protocol.MaxTradingFeeBps + 1})
	assert.Error(t, err)
}

func TestCreateMarketplaceInactiveStrategy(t *testing.T) {
	f := newFixture(t)
	f.putStrategy(tokenStrategyID, f.tokenMint, false)

	_, err := f.session.CreateMarketplace(context.Background(), CreateMarketplaceRequest{StrategyID: tokenStrategyID, TradingFeeBps: 25})
	assert.ErrorIs(t, err, protocol.ErrStrategyInactive)
	assert.Empty(t, f.submitter.batches)
}
