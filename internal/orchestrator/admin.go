package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

func (s *Session) InitializeProtocol(ctx context.Context) (*Result, error) {
	r := s.begin("initialize_protocol")
	counter, _, err := protocol.DeriveStrategyCounterPDA(s.programID)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingRecords)
	exists, err := s.ledger.AccountExists(ctx, counter)
	if err != nil {
		return nil, r.fail(err)
	}
	if exists {
		return nil, r.fail(ErrAlreadyInitialized)
	}

	ix, err := protocol.NewInitializeProtocolInstruction(s.programID, protocol.InitializeProtocolAccounts{
		Admin:           s.submitter.Payer(),
		StrategyCounter: counter,
	})
	if err != nil {
		return nil, r.fail(err)
	}
	sig, err := r.submitMain(ctx, solana.Signature{}, []solana.Instruction{ix}, counter)
	if err != nil {
		return nil, err
	}
	return &Result{Flow: r.flow, Signature: sig, Address: counter}, nil
}

type CreateStrategyRequest struct {
	Name           string
	APYBasisPoints uint16
	UnderlyingMint solana.PublicKey
	// StrategyID defaults to the next ID from the strategy counter.
	StrategyID uint64
}

func (s *Session) CreateStrategy(ctx context.Context, req CreateStrategyRequest) (*Result, error) {
	r := s.begin("create_strategy")
	if len(req.Name) == 0 || len(req.Name) > protocol.MaxStrategyNameLen || !utf8.ValidString(req.Name) {
		return nil, r.fail(fmt.Errorf("strategy name must be valid utf-8 of 1..%d bytes", protocol.MaxStrategyNameLen))
	}
	if req.APYBasisPoints > protocol.MaxAPYBasisPoints {
		return nil, r.fail(fmt.Errorf("apy %d bps exceeds max %d", req.APYBasisPoints, protocol.MaxAPYBasisPoints))
	}
	counter, _, err := protocol.DeriveStrategyCounterPDA(s.programID)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingRecords)
	strategyID := req.StrategyID
	if strategyID == 0 {
		current, err := s.ledger.FreshCounter(ctx, counter, protocol.DecodeStrategyCounter)
		if errors.Is(err, protocol.ErrRecordNotFound) {
			return nil, r.fail(fmt.Errorf("strategy counter missing, initialize the protocol first: %w", err))
		}
		if err != nil {
			return nil, r.fail(err)
		}
		strategyID = current.Next()
	}

	r.enter(StateResolvingAddresses)
	strategy, _, err := protocol.DeriveStrategyPDA(s.programID, strategyID)
	if err != nil {
		return nil, r.fail(err)
	}
	yieldMint, _, err := protocol.DeriveYieldMintPDA(s.programID, strategyID)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewCreateStrategyInstruction(s.programID, protocol.CreateStrategyAccounts{
		Admin:           s.submitter.Payer(),
		Strategy:        strategy,
		StrategyCounter: counter,
		UnderlyingMint:  req.UnderlyingMint,
		YieldMint:       yieldMint,
	}, req.Name, req.APYBasisPoints, strategyID)
	if err != nil {
		return nil, r.fail(err)
	}
	sig, err := r.submitMain(ctx, solana.Signature{}, []solana.Instruction{ix}, counter, strategy)
	if err != nil {
		return nil, err
	}
	return &Result{Flow: r.flow, Signature: sig, Address: strategy, ID: strategyID}, nil
}

type CreateMarketplaceRequest struct {
	StrategyID    uint64
	TradingFeeBps uint16
}

func (s *Session) CreateMarketplace(ctx context.Context, req CreateMarketplaceRequest) (*Result, error) {
	r := s.begin("create_marketplace")
	if req.TradingFeeBps > protocol.MaxTradingFeeBps {
		return nil, r.fail(fmt.Errorf("trading fee %d bps exceeds max %d", req.TradingFeeBps, protocol.MaxTradingFeeBps))
	}
	strategyAddress, _, err := protocol.DeriveStrategyPDA(s.programID, req.StrategyID)
	if err != nil {
		return nil, r.fail(err)
	}
	marketplace, _, err := protocol.DeriveMarketplacePDA(s.programID, strategyAddress)
	if err != nil {
		return nil, r.fail(err)
	}
	counter, _, err := protocol.DeriveMarketplaceCounterPDA(s.programID)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingStrategy)
	strategy, err := s.activeStrategy(ctx, strategyAddress)
	if err != nil {
		return nil, r.fail(err)
	}
	exists, err := s.ledger.AccountExists(ctx, marketplace)
	if err != nil {
		return nil, r.fail(err)
	}
	if exists {
		return nil, r.fail(fmt.Errorf("%w: %s", ErrMarketplaceExists, marketplace))
	}
	marketplaceID, err := s.nextID(ctx, counter, protocol.DecodeMarketplaceCounter)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewCreateMarketplaceInstruction(s.programID, protocol.CreateMarketplaceAccounts{
		Admin:              s.submitter.Payer(),
		Strategy:           strategyAddress,
		Marketplace:        marketplace,
		MarketplaceCounter: counter,
		YieldMint:          strategy.YieldMint,
		UnderlyingMint:     strategy.UnderlyingMint,
	}, req.StrategyID, marketplaceID, req.TradingFeeBps)
	if err != nil {
		return nil, r.fail(err)
	}
	sig, err := r.submitMain(ctx, solana.Signature{}, []solana.Instruction{ix}, counter, marketplace)
	if err != nil {
		return nil, err
	}
	return &Result{Flow: r.flow, Signature: sig, Address: marketplace, ID: marketplaceID}, nil
}
