package orchestrator

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type ClaimYieldRequest struct {
	StrategyID uint64
}

func (s *Session) ClaimYield(ctx context.Context, req ClaimYieldRequest) (*Result, error) {
	r := s.begin("claim_yield")
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
	if _, err := s.ledger.PositionAt(ctx, addrs.UserPosition, false); err != nil {
		return nil, r.fail(fmt.Errorf("read position: %w", err))
	}

	r.enter(StateComputingSetup)
	userYield, setup, err := s.ensureTokenAccount(ctx, user, user, strategy.YieldMint)
	if err != nil {
		return nil, r.fail(err)
	}
	setupSig, err := r.submitSetup(ctx, setup)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewClaimYieldInstruction(s.programID, protocol.ClaimYieldAccounts{
		User:           user,
		Strategy:       addrs.Strategy,
		UserPosition:   addrs.UserPosition,
		YieldMint:      strategy.YieldMint,
		UserYieldToken: userYield,
	}, req.StrategyID)
	if err != nil {
		return nil, r.failAfterSetup(setupSig, err)
	}
	sig, err := r.submitMain(ctx, setupSig, []solana.Instruction{ix}, addrs.Strategy, addrs.UserPosition)
	if err != nil {
		return nil, err
	}
	return &Result{Flow: r.flow, SetupSignature: setupSig, Signature: sig, Address: addrs.UserPosition, ID: req.StrategyID}, nil
}

type RedeemRequest struct {
	StrategyID uint64
	Amount     uint64
}

// RedeemYieldTokens burns yield tokens for underlying paid out of the strategy vault.
func (s *Session) RedeemYieldTokens(ctx context.Context, req RedeemRequest) (*Result, error) {
	r := s.begin("redeem_yield_tokens")
	if req.Amount == 0 {
		return nil, r.fail(fmt.Errorf("%w: redeem amount must be > 0", protocol.ErrInvalidAmount))
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
	if _, err := s.ledger.PositionAt(ctx, addrs.UserPosition, false); err != nil {
		return nil, r.fail(fmt.Errorf("read position: %w", err))
	}

	r.enter(StateComputingSetup)
	userYield, setup, _, err := s.fundTokenAccount(ctx, user, strategy.YieldMint, req.Amount)
	if err != nil {
		return nil, r.fail(err)
	}
	userUnderlying, more, err := s.ensureTokenAccount(ctx, user, user, strategy.UnderlyingMint)
	if err != nil {
		return nil, r.fail(err)
	}
	setupSig, err := r.submitSetup(ctx, append(setup, more...))
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewRedeemYieldTokensInstruction(s.programID, protocol.RedeemAccounts{
		User:                user,
		Strategy:            addrs.Strategy,
		UserPosition:        addrs.UserPosition,
		Vault:               addrs.Vault,
		YieldMint:           strategy.YieldMint,
		UserYieldToken:      userYield,
		UserUnderlyingToken: userUnderlying,
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
	}, nil
}
