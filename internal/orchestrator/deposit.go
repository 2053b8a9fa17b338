package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type DepositRequest struct {
	StrategyID uint64
	Amount     uint64
}

// Deposit moves Amount of the strategy's underlying asset into its vault. Setup
// (token account creation, wrapping the native shortfall) goes out as one
// transaction before the deposit itself, and only when there is something to do.
func (s *Session) Deposit(ctx context.Context, req DepositRequest) (*Result, error) {
	r := s.begin("deposit")
	if req.Amount == 0 {
		return nil, r.fail(fmt.Errorf("%w: deposit amount must be > 0", protocol.ErrInvalidAmount))
	}

	user := s.submitter.Payer()
	addrs, err := protocol.DeriveStrategyAddresses(s.programID, user, req.StrategyID)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingStrategy)
	strategy, err := s.activeStrategy(ctx, addrs.Strategy)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateComputingSetup)
	positionExists, err := s.ledger.AccountExists(ctx, addrs.UserPosition)
	if err != nil {
		return nil, r.fail(err)
	}
	if positionExists {
		return nil, r.fail(fmt.Errorf("%w: %s", ErrPositionExists, addrs.UserPosition))
	}
	userUnderlying, setup, wrapped, err := s.fundTokenAccount(ctx, user, strategy.UnderlyingMint, req.Amount)
	if err != nil {
		return nil, r.fail(err)
	}
	userYield, err := protocol.DeriveAssociatedTokenAccount(user, strategy.YieldMint)
	if err != nil {
		return nil, r.fail(err)
	}

	setupSig, err := r.submitSetup(ctx, setup)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewDepositInstruction(s.programID, protocol.DepositAccounts{
		User:                user,
		Strategy:            addrs.Strategy,
		UserPosition:        addrs.UserPosition,
		UnderlyingMint:      strategy.UnderlyingMint,
		UserUnderlyingToken: userUnderlying,
		Vault:               addrs.Vault,
		YieldMint:           strategy.YieldMint,
		UserYieldToken:      userYield,
	}, req.Amount, req.StrategyID)
	if err != nil {
		return nil, r.failAfterSetup(setupSig, err)
	}

	sig, err := r.submitMain(ctx, setupSig, []solana.Instruction{ix}, addrs.Strategy, addrs.UserPosition)
	if err != nil {
		return nil, err
	}
	return &Result{
		Flow:           r.flow,
		SetupSignature: setupSig,
		Signature:      sig,
		Address:        addrs.UserPosition,
		ID:             req.StrategyID,
		Amount:         req.Amount,
		Wrapped:        wrapped,
	}, nil
}

type WithdrawRequest struct {
	StrategyID uint64
	Amount     uint64
	// All withdraws the full deposited amount, read from the ledger right before
	// the instruction is built. Amount is ignored.
	All bool
	// Unwrap closes the wrapped-native token account afterwards, returning its
	// whole balance as native lamports.
	Unwrap bool
}

func (s *Session) Withdraw(ctx context.Context, req WithdrawRequest) (*Result, error) {
	r := s.begin("withdraw")
	if !req.All && req.Amount == 0 {
		return nil, r.fail(fmt.Errorf("%w: withdraw amount must be > 0", protocol.ErrInvalidAmount))
	}

	user := s.submitter.Payer()
	addrs, err := protocol.DeriveStrategyAddresses(s.programID, user, req.StrategyID)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingStrategy)
	strategy, err := s.activeStrategy(ctx, addrs.Strategy)
	if err != nil {
		return nil, r.fail(err)
	}
	position, err := s.ledger.PositionAt(ctx, addrs.UserPosition, req.All)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read position: %w", err))
	}
	amount := req.Amount
	if req.All {
		amount = position.DepositedAmount
		if amount == 0 {
			return nil, r.fail(fmt.Errorf("%w: nothing deposited", protocol.ErrInvalidAmount))
		}
	}
	if amount > position.DepositedAmount {
		return nil, r.fail(&protocol.InsufficientBalanceError{
			Mint: strategy.UnderlyingMint,
			Have: position.DepositedAmount,
			Need: amount,
		})
	}

	r.enter(StateComputingSetup)
	userUnderlying, setup, err := s.ensureTokenAccount(ctx, user, user, strategy.UnderlyingMint)
	if err != nil {
		return nil, r.fail(err)
	}
	setupSig, err := r.submitSetup(ctx, setup)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewWithdrawInstruction(s.programID, protocol.WithdrawAccounts{
		User:                user,
		Strategy:            addrs.Strategy,
		UserPosition:        addrs.UserPosition,
		Vault:               addrs.Vault,
		UserUnderlyingToken: userUnderlying,
	}, amount, req.StrategyID)
	if err != nil {
		return nil, r.failAfterSetup(setupSig, err)
	}
	instructions := []solana.Instruction{ix}
	if req.Unwrap && strategy.UnderlyingMint.Equals(protocol.NativeMint) {
		closeIx, err := token.NewCloseAccountInstruction(userUnderlying, user, user, nil).ValidateAndBuild()
		if err != nil {
			return nil, r.failAfterSetup(setupSig, fmt.Errorf("build close account: %w", err))
		}
		instructions = append(instructions, closeIx)
	}

	sig, err := r.submitMain(ctx, setupSig, instructions, addrs.Strategy, addrs.UserPosition)
	if err != nil {
		return nil, err
	}
	return &Result{
		Flow:           r.flow,
		SetupSignature: setupSig,
		Signature:      sig,
		Address:        addrs.UserPosition,
		ID:             req.StrategyID,
		Amount:         amount,
	}, nil
}

// IsRecoverable reports whether err is a pre-flight failure the user can fix.
func IsRecoverable(err error) bool {
	return errors.Is(err, protocol.ErrInsufficientBalance) ||
		errors.Is(err, protocol.ErrInvalidAmount) ||
		errors.Is(err, protocol.ErrRecordNotFound) ||
		errors.Is(err, protocol.ErrTransientRPC)
}
