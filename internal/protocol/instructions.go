package protocol

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	MaxAPYBasisPoints = 50_000
	MaxTradingFeeBps  = 1_000
	// PriceScale is the fixed-point denominator of order prices.
	PriceScale = uint64(1_000_000)
)

var (
	ixInitializeProtocol = InstructionDiscriminator("initialize_protocol")
	ixCreateStrategy     = InstructionDiscriminator("create_strategy")
	ixDeposit            = InstructionDiscriminator("deposit_to_strategy")
	ixWithdraw           = InstructionDiscriminator("withdraw_from_strategy")
	ixClaimYield         = InstructionDiscriminator("claim_yield")
	ixRedeemYieldTokens  = InstructionDiscriminator("redeem_yield_tokens")
	ixCreateMarketplace  = InstructionDiscriminator("create_marketplace")
	ixPlaceOrder         = InstructionDiscriminator("place_order")
	ixCancelOrder        = InstructionDiscriminator("cancel_order")
	ixExecuteTrade       = InstructionDiscriminator("execute_trade")
)

func InstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

type InitializeProtocolAccounts struct {
	Admin           solana.PublicKey
	StrategyCounter solana.PublicKey
}

func NewInitializeProtocolInstruction(programID solana.PublicKey, accounts InitializeProtocolAccounts) (solana.Instruction, error) {
	data, err := instructionData(ixInitializeProtocol)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Admin, true, true),
		solana.NewAccountMeta(accounts.StrategyCounter, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data), nil
}

type CreateStrategyAccounts struct {
	Admin           solana.PublicKey
	Strategy        solana.PublicKey
	StrategyCounter solana.PublicKey
	UnderlyingMint  solana.PublicKey
	YieldMint       solana.PublicKey
}

func NewCreateStrategyInstruction(programID solana.PublicKey, accounts CreateStrategyAccounts, name string, apyBasisPoints uint16, strategyID uint64) (solana.Instruction, error) {
	if len(name) == 0 || len(name) > MaxStrategyNameLen {
		return nil, fmt.Errorf("strategy name must be 1..%d bytes, got %d", MaxStrategyNameLen, len(name))
	}
	if !utf8.ValidString(name) {
		return nil, fmt.Errorf("strategy name is not valid utf-8")
	}
	if apyBasisPoints > MaxAPYBasisPoints {
		return nil, fmt.Errorf("apy %d bps exceeds max %d", apyBasisPoints, MaxAPYBasisPoints)
	}
	data, err := instructionData(ixCreateStrategy, &name, &apyBasisPoints, &strategyID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Admin, true, true),
		solana.NewAccountMeta(accounts.Strategy, true, false),
		solana.NewAccountMeta(accounts.StrategyCounter, true, false),
		solana.NewAccountMeta(accounts.UnderlyingMint, false, false),
		solana.NewAccountMeta(accounts.YieldMint, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data), nil
}

type DepositAccounts struct {
	User                solana.PublicKey
	Strategy            solana.PublicKey
	UserPosition        solana.PublicKey
	UnderlyingMint      solana.PublicKey
	UserUnderlyingToken solana.PublicKey
	Vault               solana.PublicKey
	YieldMint           solana.PublicKey
	UserYieldToken      solana.PublicKey
}

func NewDepositInstruction(programID solana.PublicKey, accounts DepositAccounts, amount, strategyID uint64) (solana.Instruction, error) {
	if amount == 0 {
		return nil, invalidAmount("deposit amount must be > 0")
	}
	data, err := instructionData(ixDeposit, &amount, &strategyID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Strategy, true, false),
		solana.NewAccountMeta(accounts.UserPosition, true, false),
		solana.NewAccountMeta(accounts.UnderlyingMint, false, false),
		solana.NewAccountMeta(accounts.UserUnderlyingToken, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.YieldMint, true, false),
		solana.NewAccountMeta(accounts.UserYieldToken, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data), nil
}

type WithdrawAccounts struct {
	User                solana.PublicKey
	Strategy            solana.PublicKey
	UserPosition        solana.PublicKey
	Vault               solana.PublicKey
	UserUnderlyingToken solana.PublicKey
}

func NewWithdrawInstruction(programID solana.PublicKey, accounts WithdrawAccounts, amount, strategyID uint64) (solana.Instruction, error) {
	if amount == 0 {
		return nil, invalidAmount("withdraw amount must be > 0")
	}
	data, err := instructionData(ixWithdraw, &amount, &strategyID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Strategy, true, false),
		solana.NewAccountMeta(accounts.UserPosition, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.UserUnderlyingToken, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

type ClaimYieldAccounts struct {
	User           solana.PublicKey
	Strategy       solana.PublicKey
	UserPosition   solana.PublicKey
	YieldMint      solana.PublicKey
	UserYieldToken solana.PublicKey
}

func NewClaimYieldInstruction(programID solana.PublicKey, accounts ClaimYieldAccounts, strategyID uint64) (solana.Instruction, error) {
	data, err := instructionData(ixClaimYield, &strategyID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Strategy, true, false),
		solana.NewAccountMeta(accounts.UserPosition, true, false),
		solana.NewAccountMeta(accounts.YieldMint, true, false),
		solana.NewAccountMeta(accounts.UserYieldToken, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

type RedeemAccounts struct {
	User                solana.PublicKey
	Strategy            solana.PublicKey
	UserPosition        solana.PublicKey
	Vault               solana.PublicKey
	YieldMint           solana.PublicKey
	UserYieldToken      solana.PublicKey
	UserUnderlyingToken solana.PublicKey
}

func NewRedeemYieldTokensInstruction(programID solana.PublicKey, accounts RedeemAccounts, yieldTokenAmount, strategyID uint64) (solana.Instruction, error) {
	if yieldTokenAmount == 0 {
		return nil, invalidAmount("redeem amount must be > 0")
	}
	data, err := instructionData(ixRedeemYieldTokens, &yieldTokenAmount, &strategyID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Strategy, true, false),
		solana.NewAccountMeta(accounts.UserPosition, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.YieldMint, true, false),
		solana.NewAccountMeta(accounts.UserYieldToken, true, false),
		solana.NewAccountMeta(accounts.UserUnderlyingToken, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

type CreateMarketplaceAccounts struct {
	Admin              solana.PublicKey
	Strategy           solana.PublicKey
	Marketplace        solana.PublicKey
	MarketplaceCounter solana.PublicKey
	YieldMint          solana.PublicKey
	UnderlyingMint     solana.PublicKey
}

func NewCreateMarketplaceInstruction(programID solana.PublicKey, accounts CreateMarketplaceAccounts, strategyID, marketplaceID uint64, tradingFeeBps uint16) (solana.Instruction, error) {
	if tradingFeeBps > MaxTradingFeeBps {
		return nil, fmt.Errorf("trading fee %d bps exceeds max %d", tradingFeeBps, MaxTradingFeeBps)
	}
	data, err := instructionData(ixCreateMarketplace, &strategyID, &marketplaceID, &tradingFeeBps)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Admin, true, true),
		solana.NewAccountMeta(accounts.Strategy, false, false),
		solana.NewAccountMeta(accounts.Marketplace, true, false),
		solana.NewAccountMeta(accounts.MarketplaceCounter, true, false),
		solana.NewAccountMeta(accounts.YieldMint, false, false),
		solana.NewAccountMeta(accounts.UnderlyingMint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data), nil
}

type PlaceOrderAccounts struct {
	User                solana.PublicKey
	Marketplace         solana.PublicKey
	Order               solana.PublicKey
	OrderCounter        solana.PublicKey
	YieldMint           solana.PublicKey
	UnderlyingMint      solana.PublicKey
	UserYieldToken      solana.PublicKey
	UserUnderlyingToken solana.PublicKey
	Escrow              solana.PublicKey
}

func NewPlaceOrderInstruction(programID solana.PublicKey, accounts PlaceOrderAccounts, orderID uint64, orderType OrderType, yieldTokenAmount, pricePerToken uint64) (solana.Instruction, error) {
	if yieldTokenAmount == 0 {
		return nil, invalidAmount("order amount must be > 0")
	}
	if pricePerToken == 0 {
		return nil, invalidAmount("order price must be > 0")
	}
	if !orderType.Valid() {
		return nil, fmt.Errorf("invalid order type %d", uint8(orderType))
	}
	data, err := instructionData(ixPlaceOrder, &orderID, &orderType, &yieldTokenAmount, &pricePerToken)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Marketplace, true, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.OrderCounter, true, false),
		solana.NewAccountMeta(accounts.YieldMint, false, false),
		solana.NewAccountMeta(accounts.UnderlyingMint, false, false),
		solana.NewAccountMeta(accounts.UserYieldToken, true, false),
		solana.NewAccountMeta(accounts.UserUnderlyingToken, true, false),
		solana.NewAccountMeta(accounts.Escrow, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}, data), nil
}

type CancelOrderAccounts struct {
	User             solana.PublicKey
	Marketplace      solana.PublicKey
	Order            solana.PublicKey
	Escrow           solana.PublicKey
	UserRefundTarget solana.PublicKey
}

func NewCancelOrderInstruction(programID solana.PublicKey, accounts CancelOrderAccounts, orderID uint64) (solana.Instruction, error) {
	data, err := instructionData(ixCancelOrder, &orderID)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.Marketplace, true, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.Escrow, true, false),
		solana.NewAccountMeta(accounts.UserRefundTarget, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

type ExecuteTradeAccounts struct {
	Executor              solana.PublicKey
	Marketplace           solana.PublicKey
	BuyOrder              solana.PublicKey
	SellOrder             solana.PublicKey
	BuyOrderEscrow        solana.PublicKey
	SellOrderEscrow       solana.PublicKey
	BuyerYieldToken       solana.PublicKey
	BuyerUnderlyingToken  solana.PublicKey
	SellerUnderlyingToken solana.PublicKey
	FeeCollection         solana.PublicKey
}

func NewExecuteTradeInstruction(programID solana.PublicKey, accounts ExecuteTradeAccounts, tradeAmount uint64) (solana.Instruction, error) {
	if tradeAmount == 0 {
		return nil, invalidAmount("trade amount must be > 0")
	}
	data, err := instructionData(ixExecuteTrade, &tradeAmount)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Executor, true, true),
		solana.NewAccountMeta(accounts.Marketplace, true, false),
		solana.NewAccountMeta(accounts.BuyOrder, true, false),
		solana.NewAccountMeta(accounts.SellOrder, true, false),
		solana.NewAccountMeta(accounts.BuyOrderEscrow, true, false),
		solana.NewAccountMeta(accounts.SellOrderEscrow, true, false),
		solana.NewAccountMeta(accounts.BuyerYieldToken, true, false),
		solana.NewAccountMeta(accounts.BuyerUnderlyingToken, true, false),
		solana.NewAccountMeta(accounts.SellerUnderlyingToken, true, false),
		solana.NewAccountMeta(accounts.FeeCollection, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}, data), nil
}

// instructionData writes the discriminator followed by each argument in order. Arguments
// are pointers so they share the record field codec.
func instructionData(disc [8]byte, args ...any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(disc[:])
	enc := bin.NewBorshEncoder(&buf)
	for idx, arg := range args {
		if err := writeField(enc, arg); err != nil {
			return nil, fmt.Errorf("encode instruction arg %d: %w", idx, err)
		}
	}
	return buf.Bytes(), nil
}
