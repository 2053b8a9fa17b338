package orchestrator

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/ledger/ledgertest"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

var programID = solana.MustPublicKeyFromBase58("5S3gna7dtmoGD1M6AqRLRZvP7MUDHp8K8pkXRMovsrR9")

const (
	nativeStrategyID = 7
	tokenStrategyID  = 8
)

type fakeSubmitter struct {
	mu      sync.Mutex
	payer   solana.PublicKey
	batches [][]solana.Instruction
	failAt  map[int]error
}

func (f *fakeSubmitter) Payer() solana.PublicKey { return f.payer }

func (f *fakeSubmitter) Submit(_ context.Context, ixs []solana.Instruction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.batches)
	f.batches = append(f.batches, ixs)
	if err := f.failAt[n]; err != nil {
		return solana.Signature{}, err
	}
	return solana.Signature{byte(n + 1)}, nil
}

type fixture struct {
	t         *testing.T
	transport *ledgertest.Transport
	reader    *ledger.Reader
	submitter *fakeSubmitter
	session   *Session
	user      solana.PublicKey
	tokenMint solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	transport := ledgertest.New()
	reader := ledger.NewReader(transport, programID, ledger.Options{}, nil)
	user := solana.NewWallet().PublicKey()
	submitter := &fakeSubmitter{payer: user, failAt: map[int]error{}}
	f := &fixture{
		t:         t,
		transport: transport,
		reader:    reader,
		submitter: submitter,
		session:   NewSession(programID, reader, submitter, nil),
		user:      user,
		tokenMint: solana.NewWallet().PublicKey(),
	}
	f.putStrategy(nativeStrategyID, protocol.NativeMint, true)
	f.putStrategy(tokenStrategyID, f.tokenMint, true)
	return f
}

func (f *fixture) putStrategy(id uint64, underlying solana.PublicKey, active bool) solana.PublicKey {
	f.t.Helper()
	address, _, err := protocol.DeriveStrategyPDA(programID, id)
	require.NoError(f.t, err)
	yieldMint, _, err := protocol.DeriveYieldMintPDA(programID, id)
	require.NoError(f.t, err)
	data, err := protocol.StrategyLayout.EncodeAccount(&protocol.Strategy{
		Admin:          solana.NewWallet().PublicKey(),
		UnderlyingMint: underlying,
		YieldMint:      yieldMint,
		Name:           fmt.Sprintf("strategy-%d", id),
		APYBasisPoints: 1200,
		IsActive:       active,
		StrategyID:     id,
	}, protocol.StrategyAccountSize)
	require.NoError(f.t, err)
	f.transport.SetAccount(address, data)
	return address
}

func (f *fixture) putPosition(strategyID, deposited uint64) solana.PublicKey {
	f.t.Helper()
	addrs, err := protocol.DeriveStrategyAddresses(programID, f.user, strategyID)
	require.NoError(f.t, err)
	data, err := protocol.UserPositionLayout.EncodeAccount(&protocol.UserPosition{
		Owner:           f.user,
		Strategy:        addrs.Strategy,
		DepositedAmount: deposited,
	}, protocol.UserPositionAccountSize)
	require.NoError(f.t, err)
	f.transport.SetAccount(addrs.UserPosition, data)
	return addrs.UserPosition
}

func (f *fixture) ata(owner, mint solana.PublicKey) solana.PublicKey {
	f.t.Helper()
	address, err := protocol.DeriveAssociatedTokenAccount(owner, mint)
	require.NoError(f.t, err)
	return address
}

func requireFlowState(t *testing.T, err error, want State) {
	t.Helper()
	var flowErr *FlowError
	require.True(t, errors.As(err, &flowErr), "expected *FlowError, got %v", err)
	assert.Equal(t, want, flowErr.State)
}

func u64At(data []byte, offset int) uint64 {
	return binary.LittleEndian.Uint64(data[offset : offset+8])
}

func TestDepositZeroAmountMakesNoNetworkCalls(t *testing.T) {
	f := newFixture(t)

	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: nativeStrategyID, Amount: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrInvalidAmount)
	requireFlowState(t, err, StateResolvingAddresses)
	assert.Equal(t, 0, f.transport.Calls())
	assert.Empty(t, f.submitter.batches)
}

func TestDepositNativeAlreadyWrappedSkipsSetup(t *testing.T) {
	f := newFixture(t)
	f.transport.SetTokenBalance(f.ata(f.user, protocol.NativeMint), 2_000_000_000)

	var seen []State
	f.session = NewSession(programID, f.reader, f.submitter, nil,
		WithTransitionHook(func(_ string, _, to State) { seen = append(seen, to) }))

	res, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: nativeStrategyID, Amount: 1_500_000_000})
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{}, res.SetupSignature)
	assert.Zero(t, res.Wrapped)

	require.Len(t, f.submitter.batches, 1, "only the main deposit transaction")
	main := f.submitter.batches[0]
	require.Len(t, main, 1)
	assert.Equal(t, programID, main[0].ProgramID())
	data, err := main[0].Data()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), u64At(data, 8))
	assert.Equal(t, uint64(nativeStrategyID), u64At(data, 16))

	assert.Equal(t, []State{
		StateReadingStrategy,
		StateComputingSetup,
		StateSubmittingMain,
		StateInvalidating,
		StateDone,
	}, seen)
}

func TestDepositNativeWrapsOnlyShortfall(t *testing.T) {
	f := newFixture(t)
	wsol := f.ata(f.user, protocol.NativeMint)
	f.transport.SetTokenBalance(wsol, 500_000_000)
	f.transport.SetNativeBalance(f.user, 5_000_000_000)

	res, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: nativeStrategyID, Amount: 1_500_000_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), res.Wrapped)
	assert.NotEqual(t, solana.Signature{}, res.SetupSignature)

	require.Len(t, f.submitter.batches, 2)
	setup := f.submitter.batches[0]
	require.Len(t, setup, 2, "transfer plus sync, account already exists")
	assert.Equal(t, solana.SystemProgramID, setup[0].ProgramID())
	transferData, err := setup[0].Data()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), u64At(transferData, 4))
	assert.Equal(t, wsol, setup[0].Accounts()[1].PublicKey)
	assert.Equal(t, solana.TokenProgramID, setup[1].ProgramID())
}

func TestDepositNativeCreatesMissingTokenAccount(t *testing.T) {
	f := newFixture(t)
	f.transport.SetNativeBalance(f.user, 5_000_000_000)

	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: nativeStrategyID, Amount: 1_500_000_000})
	require.NoError(t, err)

	setup := f.submitter.batches[0]
	require.Len(t, setup, 3)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, setup[0].ProgramID())
	transferData, err := setup[1].Data()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), u64At(transferData, 4))
}

func TestDepositNativeKeepsFeeReserve(t *testing.T) {
	f := newFixture(t)
	f.transport.SetTokenBalance(f.ata(f.user, protocol.NativeMint), 0)
	f.transport.SetNativeBalance(f.user, 1_500_000_000)

	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: nativeStrategyID, Amount: 1_500_000_000})
	require.Error(t, err)
	var balanceErr *protocol.InsufficientBalanceError
	require.True(t, errors.As(err, &balanceErr))
	assert.Equal(t, protocol.NativeMint, balanceErr.Mint)
	assert.Equal(t, uint64(1_500_000_000+DefaultNativeFeeReserve), balanceErr.Need)
	assert.Empty(t, f.submitter.batches)
}

func TestDepositNonNativeInsufficientBalanceFailsFast(t *testing.T) {
	f := newFixture(t)
	f.transport.SetTokenBalance(f.ata(f.user, f.tokenMint), 10)

	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: tokenStrategyID, Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)
	requireFlowState(t, err, StateComputingSetup)
	assert.Empty(t, f.submitter.batches)

	t.Run("missing token account", func(t *testing.T) {
		g := newFixture(t)
		_, err := g.session.Deposit(context.Background(), DepositRequest{StrategyID: tokenStrategyID, Amount: 1})
		assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)
		assert.Empty(t, g.submitter.batches)
	})
}

func TestDepositUnknownStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: 99, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrRecordNotFound)
	requireFlowState(t, err, StateReadingStrategy)
}

func TestDepositInactiveStrategy(t *testing.T) {
	f := newFixture(t)
	f.putStrategy(9, f.tokenMint, false)
	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: 9, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrStrategyInactive)
}

func TestDepositRejectsExistingPosition(t *testing.T) {
	f := newFixture(t)
	f.transport.SetTokenBalance(f.ata(f.user, f.tokenMint), 1_000)
	f.putPosition(tokenStrategyID, 50)

	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: tokenStrategyID, Amount: 100})
	assert.ErrorIs(t, err, ErrPositionExists)
	assert.Empty(t, f.submitter.batches)
}

func TestDepositInvalidatesOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.SetTokenBalance(f.ata(f.user, f.tokenMint), 1_000)
	strategy := protocol.MustDeriveStrategyPDA(programID, tokenStrategyID)

	_, err := f.reader.StrategyAt(ctx, strategy, false)
	require.NoError(t, err)
	require.Equal(t, 1, f.transport.Fetches(strategy))

	f.submitter.failAt[0] = &protocol.RejectedError{Message: "custom program error"}
	_, err = f.session.Deposit(ctx, DepositRequest{StrategyID: tokenStrategyID, Amount: 100})
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTransactionRejected)
	requireFlowState(t, err, StateSubmittingMain)

	_, err = f.reader.StrategyAt(ctx, strategy, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.transport.Fetches(strategy), "failed flow leaves the cache alone")

	_, err = f.session.Deposit(ctx, DepositRequest{StrategyID: tokenStrategyID, Amount: 100})
	require.NoError(t, err)
	_, err = f.reader.StrategyAt(ctx, strategy, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.transport.Fetches(strategy), "successful flow evicts the strategy")
}

func TestDepositSetupLandedMainFailed(t *testing.T) {
	f := newFixture(t)
	f.transport.SetNativeBalance(f.user, 5_000_000_000)
	f.submitter.failAt[1] = errors.New("blockhash not found")

	_, err := f.session.Deposit(context.Background(), DepositRequest{StrategyID: nativeStrategyID, Amount: 1_000})
	require.Error(t, err)
	var flowErr *FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, StateSubmittingMain, flowErr.State)
	assert.NotEqual(t, solana.Signature{}, flowErr.SetupSignature)
}

func TestWithdrawZeroAmount(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Withdraw(context.Background(), WithdrawRequest{StrategyID: tokenStrategyID})
	assert.ErrorIs(t, err, protocol.ErrInvalidAmount)
	assert.Equal(t, 0, f.transport.Calls())
}

func TestWithdrawAllRereadsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.SetTokenBalance(f.ata(f.user, f.tokenMint), 0)
	position := f.putPosition(tokenStrategyID, 100)

	cached, err := f.reader.PositionAt(ctx, position, false)
	require.NoError(t, err)
	require.Equal(t, uint64(100), cached.DepositedAmount)

	f.putPosition(tokenStrategyID, 60)
	res, err := f.session.Withdraw(ctx, WithdrawRequest{StrategyID: tokenStrategyID, All: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(60), res.Amount)

	require.Len(t, f.submitter.batches, 1)
	data, err := f.submitter.batches[0][0].Data()
	require.NoError(t, err)
	assert.Equal(t, uint64(60), u64At(data, 8))
}

func TestWithdrawMoreThanDeposited(t *testing.T) {
	f := newFixture(t)
	f.putPosition(tokenStrategyID, 100)

	_, err := f.session.Withdraw(context.Background(), WithdrawRequest{StrategyID: tokenStrategyID, Amount: 101})
	var balanceErr *protocol.InsufficientBalanceError
	require.True(t, errors.As(err, &balanceErr))
	assert.Equal(t, uint64(100), balanceErr.Have)
	assert.Empty(t, f.submitter.batches)
}

func TestWithdrawWithoutPosition(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.Withdraw(context.Background(), WithdrawRequest{StrategyID: tokenStrategyID, Amount: 1})
	assert.ErrorIs(t, err, protocol.ErrRecordNotFound)
}

func TestWithdrawCreatesMissingTokenAccount(t *testing.T) {
	f := newFixture(t)
	f.putPosition(tokenStrategyID, 100)

	res, err := f.session.Withdraw(context.Background(), WithdrawRequest{StrategyID: tokenStrategyID, Amount: 40})
	require.NoError(t, err)
	assert.NotEqual(t, solana.Signature{}, res.SetupSignature)
	require.Len(t, f.submitter.batches, 2)
	require.Len(t, f.submitter.batches[0], 1)
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, f.submitter.batches[0][0].ProgramID())
}

func TestWithdrawUnwrapClosesNativeAccount(t *testing.T) {
	f := newFixture(t)
	f.transport.SetTokenBalance(f.ata(f.user, protocol.NativeMint), 0)
	f.putPosition(nativeStrategyID, 1_000)

	_, err := f.session.Withdraw(context.Background(), WithdrawRequest{StrategyID: nativeStrategyID, Amount: 1_000, Unwrap: true})
	require.NoError(t, err)
	require.Len(t, f.submitter.batches, 1)
	main := f.submitter.batches[0]
	require.Len(t, main, 2)
	assert.Equal(t, solana.TokenProgramID, main[1].ProgramID())

	t.Run("ignored for non-native assets", func(t *testing.T) {
		g := newFixture(t)
		g.transport.SetTokenBalance(g.ata(g.user, g.tokenMint), 0)
		g.putPosition(tokenStrategyID, 10)
		_, err := g.session.Withdraw(context.Background(), WithdrawRequest{StrategyID: tokenStrategyID, Amount: 10, Unwrap: true})
		require.NoError(t, err)
		assert.Len(t, g.submitter.batches[0], 1)
	})
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(&protocol.InsufficientBalanceError{}))
	assert.True(t, IsRecoverable(&FlowError{Err: protocol.ErrInvalidAmount}))
	assert.False(t, IsRecoverable(&FlowError{Err: protocol.ErrAddressDerivation}))
}
