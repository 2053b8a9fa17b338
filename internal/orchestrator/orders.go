package orchestrator

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type PlaceOrderRequest struct {
	StrategyID uint64
	Type       protocol.OrderType
	Amount     uint64
	// PricePerToken is fixed point with protocol.PriceScale.
	PricePerToken uint64
}

// PlaceOrder escrows yield tokens (sell) or the underlying payment (buy) in a new
// order account. A buy against a wrapped-native market wraps the payment shortfall.
func (s *Session) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	r := s.begin("place_order")
	if req.Amount == 0 {
		return nil, r.fail(fmt.Errorf("%w: order amount must be > 0", protocol.ErrInvalidAmount))
	}
	if req.PricePerToken == 0 {
		return nil, r.fail(fmt.Errorf("%w: order price must be > 0", protocol.ErrInvalidAmount))
	}
	if !req.Type.Valid() {
		return nil, r.fail(fmt.Errorf("invalid order type %d", uint8(req.Type)))
	}

	user := s.submitter.Payer()
	strategyAddress, _, err := protocol.DeriveStrategyPDA(s.programID, req.StrategyID)
	if err != nil {
		return nil, r.fail(err)
	}
	marketplaceAddress, _, err := protocol.DeriveMarketplacePDA(s.programID, strategyAddress)
	if err != nil {
		return nil, r.fail(err)
	}
	counter, _, err := protocol.DeriveOrderCounterPDA(s.programID)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingRecords)
	marketplace, err := s.ledger.MarketplaceAt(ctx, marketplaceAddress, false)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read marketplace: %w", err))
	}
	if !marketplace.IsActive {
		return nil, r.fail(fmt.Errorf("%w: %s", ErrMarketplaceInactive, marketplaceAddress))
	}
	orderID, err := s.nextID(ctx, counter, protocol.DecodeOrderCounter)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateResolvingAddresses)
	order, _, err := protocol.DeriveOrderPDA(s.programID, user, orderID)
	if err != nil {
		return nil, r.fail(err)
	}
	escrow, _, err := protocol.DeriveEscrowPDA(s.programID, order)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateComputingSetup)
	var (
		userYield, userUnderlying solana.PublicKey
		setup, more               []solana.Instruction
		wrapped                   uint64
	)
	switch req.Type {
	case protocol.OrderSell:
		userYield, setup, _, err = s.fundTokenAccount(ctx, user, marketplace.YieldMint, req.Amount)
		if err != nil {
			return nil, r.fail(err)
		}
		userUnderlying, more, err = s.ensureTokenAccount(ctx, user, user, marketplace.UnderlyingMint)
	case protocol.OrderBuy:
		payment := protocol.OrderValue(req.Amount, req.PricePerToken)
		if payment == 0 {
			return nil, r.fail(fmt.Errorf("%w: order value rounds to zero", protocol.ErrInvalidAmount))
		}
		userUnderlying, setup, wrapped, err = s.fundTokenAccount(ctx, user, marketplace.UnderlyingMint, payment)
		if err != nil {
			return nil, r.fail(err)
		}
		userYield, more, err = s.ensureTokenAccount(ctx, user, user, marketplace.YieldMint)
	}
	if err != nil {
		return nil, r.fail(err)
	}
	setup = append(setup, more...)

	setupSig, err := r.submitSetup(ctx, setup)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewPlaceOrderInstruction(s.programID, protocol.PlaceOrderAccounts{
		User:                user,
		Marketplace:         marketplaceAddress,
		Order:               order,
		OrderCounter:        counter,
		YieldMint:           marketplace.YieldMint,
		UnderlyingMint:      marketplace.UnderlyingMint,
		UserYieldToken:      userYield,
		UserUnderlyingToken: userUnderlying,
		Escrow:              escrow,
	}, orderID, req.Type, req.Amount, req.PricePerToken)
	if err != nil {
		return nil, r.failAfterSetup(setupSig, err)
	}
	sig, err := r.submitMain(ctx, setupSig, []solana.Instruction{ix}, marketplaceAddress, counter, order)
	if err != nil {
		return nil, err
	}
	return &Result{
		Flow:           r.flow,
		SetupSignature: setupSig,
		Signature:      sig,
		Address:        order,
		ID:             orderID,
		Amount:         req.Amount,
		Wrapped:        wrapped,
	}, nil
}

type CancelOrderRequest struct {
	OrderID uint64
}

// CancelOrder refunds the unfilled escrow: yield tokens for a sell, underlying for a buy.
func (s *Session) CancelOrder(ctx context.Context, req CancelOrderRequest) (*Result, error) {
	r := s.begin("cancel_order")
	user := s.submitter.Payer()
	orderAddress, _, err := protocol.DeriveOrderPDA(s.programID, user, req.OrderID)
	if err != nil {
		return nil, r.fail(err)
	}
	escrow, _, err := protocol.DeriveEscrowPDA(s.programID, orderAddress)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateReadingRecords)
	order, err := s.ledger.OrderFresh(ctx, orderAddress)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read order: %w", err))
	}
	if !order.Owner.Equals(user) {
		return nil, r.fail(ErrNotOrderOwner)
	}
	if !order.IsActive {
		return nil, r.fail(fmt.Errorf("%w: order %d", ErrOrderNotLive, req.OrderID))
	}
	marketplace, err := s.ledger.MarketplaceAt(ctx, order.Marketplace, false)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read marketplace: %w", err))
	}

	r.enter(StateComputingSetup)
	refundMint := marketplace.UnderlyingMint
	if order.OrderType == protocol.OrderSell {
		refundMint = marketplace.YieldMint
	}
	refundTarget, setup, err := s.ensureTokenAccount(ctx, user, user, refundMint)
	if err != nil {
		return nil, r.fail(err)
	}
	setupSig, err := r.submitSetup(ctx, setup)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewCancelOrderInstruction(s.programID, protocol.CancelOrderAccounts{
		User:             user,
		Marketplace:      order.Marketplace,
		Order:            orderAddress,
		Escrow:           escrow,
		UserRefundTarget: refundTarget,
	}, req.OrderID)
	if err != nil {
		return nil, r.failAfterSetup(setupSig, err)
	}
	sig, err := r.submitMain(ctx, setupSig, []solana.Instruction{ix}, orderAddress, order.Marketplace)
	if err != nil {
		return nil, err
	}
	return &Result{Flow: r.flow, SetupSignature: setupSig, Signature: sig, Address: orderAddress, ID: req.OrderID}, nil
}

type ExecuteTradeRequest struct {
	BuyOrder  solana.PublicKey
	SellOrder solana.PublicKey
	// Amount of yield tokens to cross; zero fills as much as both orders allow.
	Amount uint64
}

// ExecuteTrade crosses a live bid with a live ask on the same marketplace. The
// executor pays for any counterparty token accounts that do not exist yet.
func (s *Session) ExecuteTrade(ctx context.Context, req ExecuteTradeRequest) (*Result, error) {
	r := s.begin("execute_trade")
	executor := s.submitter.Payer()

	r.enter(StateReadingRecords)
	buy, err := s.ledger.OrderFresh(ctx, req.BuyOrder)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read buy order: %w", err))
	}
	sell, err := s.ledger.OrderFresh(ctx, req.SellOrder)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read sell order: %w", err))
	}
	if err := checkCrossing(buy, sell); err != nil {
		return nil, r.fail(err)
	}
	amount := req.Amount
	if amount == 0 {
		amount = min(buy.Remaining(), sell.Remaining())
	}
	if amount > buy.Remaining() || amount > sell.Remaining() {
		return nil, r.fail(fmt.Errorf("%w: trade amount %d exceeds remaining", protocol.ErrInvalidAmount, amount))
	}
	marketplace, err := s.ledger.MarketplaceAt(ctx, buy.Marketplace, false)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read marketplace: %w", err))
	}

	r.enter(StateResolvingAddresses)
	buyEscrow, _, err := protocol.DeriveEscrowPDA(s.programID, req.BuyOrder)
	if err != nil {
		return nil, r.fail(err)
	}
	sellEscrow, _, err := protocol.DeriveEscrowPDA(s.programID, req.SellOrder)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(StateComputingSetup)
	var setup []solana.Instruction
	ensure := func(owner, mint solana.PublicKey) solana.PublicKey {
		if err != nil {
			return solana.PublicKey{}
		}
		var ata solana.PublicKey
		var ixs []solana.Instruction
		ata, ixs, err = s.ensureTokenAccount(ctx, executor, owner, mint)
		setup = appendUnique(setup, ixs...)
		return ata
	}
	buyerYield := ensure(buy.Owner, marketplace.YieldMint)
	buyerUnderlying := ensure(buy.Owner, marketplace.UnderlyingMint)
	sellerUnderlying := ensure(sell.Owner, marketplace.UnderlyingMint)
	feeCollection := ensure(marketplace.Admin, marketplace.UnderlyingMint)
	if err != nil {
		return nil, r.fail(err)
	}
	setupSig, err := r.submitSetup(ctx, setup)
	if err != nil {
		return nil, r.fail(err)
	}

	ix, err := protocol.NewExecuteTradeInstruction(s.programID, protocol.ExecuteTradeAccounts{
		Executor:              executor,
		Marketplace:           buy.Marketplace,
		BuyOrder:              req.BuyOrder,
		SellOrder:             req.SellOrder,
		BuyOrderEscrow:        buyEscrow,
		SellOrderEscrow:       sellEscrow,
		BuyerYieldToken:       buyerYield,
		BuyerUnderlyingToken:  buyerUnderlying,
		SellerUnderlyingToken: sellerUnderlying,
		FeeCollection:         feeCollection,
	}, amount)
	if err != nil {
		return nil, r.failAfterSetup(setupSig, err)
	}
	sig, err := r.submitMain(ctx, setupSig, []solana.Instruction{ix}, req.BuyOrder, req.SellOrder, buy.Marketplace)
	if err != nil {
		return nil, err
	}
	return &Result{
		Flow:           r.flow,
		SetupSignature: setupSig,
		Signature:      sig,
		Address:        buy.Marketplace,
		Amount:         amount,
	}, nil
}

func checkCrossing(buy, sell *protocol.TradeOrder) error {
	switch {
	case buy.OrderType != protocol.OrderBuy:
		return fmt.Errorf("%w: first order is not a buy", ErrOrdersDoNotCross)
	case sell.OrderType != protocol.OrderSell:
		return fmt.Errorf("%w: second order is not a sell", ErrOrdersDoNotCross)
	case !buy.Live():
		return fmt.Errorf("%w: buy order %d", ErrOrderNotLive, buy.OrderID)
	case !sell.Live():
		return fmt.Errorf("%w: sell order %d", ErrOrderNotLive, sell.OrderID)
	case !buy.Marketplace.Equals(sell.Marketplace):
		return fmt.Errorf("%w: orders belong to different marketplaces", ErrOrdersDoNotCross)
	case sell.PricePerToken > buy.PricePerToken:
		return fmt.Errorf("%w: ask %d above bid %d", ErrOrdersDoNotCross, sell.PricePerToken, buy.PricePerToken)
	}
	return nil
}

// appendUnique skips create instructions for a token account already queued, which
// happens when the buyer is also the seller or the fee collector.
func appendUnique(setup []solana.Instruction, ixs ...solana.Instruction) []solana.Instruction {
	for _, ix := range ixs {
		dup := false
		for _, queued := range setup {
			if sameTarget(queued, ix) {
				dup = true
				break
			}
		}
		if !dup {
			setup = append(setup, ix)
		}
	}
	return setup
}

func sameTarget(a, b solana.Instruction) bool {
	am, bm := a.Accounts(), b.Accounts()
	if len(am) < 2 || len(bm) < 2 {
		return false
	}
	return a.ProgramID().Equals(b.ProgramID()) && am[1].PublicKey.Equals(bm[1].PublicKey)
}
