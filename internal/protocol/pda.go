package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	seedProtocol           = "protocol"
	seedStrategy           = "strategy"
	seedStrategyCounter    = "strategy_counter"
	seedYieldToken         = "yield_token"
	seedStrategyVault      = "strategy_vault"
	seedUserPosition       = "user_position"
	seedMarketplace        = "marketplace"
	seedMarketplaceCounter = "marketplace_counter"
	seedOrder              = "order"
	seedOrderCounter       = "order_counter"
	seedEscrow             = "escrow"
)

func DeriveProtocolPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "protocol", []byte(seedProtocol))
}

func DeriveStrategyCounterPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "strategy counter", []byte(seedStrategyCounter))
}

func DeriveStrategyPDA(programID solana.PublicKey, strategyID uint64) (solana.PublicKey, uint8, error) {
	return derive(programID, "strategy", []byte(seedStrategy), u64LE(strategyID))
}

func DeriveYieldMintPDA(programID solana.PublicKey, strategyID uint64) (solana.PublicKey, uint8, error) {
	return derive(programID, "yield token mint", []byte(seedYieldToken), u64LE(strategyID))
}

func DeriveStrategyVaultPDA(programID solana.PublicKey, strategyID uint64) (solana.PublicKey, uint8, error) {
	return derive(programID, "strategy vault", []byte(seedStrategyVault), u64LE(strategyID))
}

// DeriveUserPositionPDA keys the position by the strategy's address, not its numeric ID.
func DeriveUserPositionPDA(programID, owner, strategy solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "user position", []byte(seedUserPosition), owner.Bytes(), strategy.Bytes())
}

func DeriveMarketplacePDA(programID, strategy solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "marketplace", []byte(seedMarketplace), strategy.Bytes())
}

func DeriveMarketplaceCounterPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "marketplace counter", []byte(seedMarketplaceCounter))
}

func DeriveOrderPDA(programID, owner solana.PublicKey, orderID uint64) (solana.PublicKey, uint8, error) {
	return derive(programID, "order", []byte(seedOrder), owner.Bytes(), u64LE(orderID))
}

func DeriveOrderCounterPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "order counter", []byte(seedOrderCounter))
}

func DeriveEscrowPDA(programID, order solana.PublicKey) (solana.PublicKey, uint8, error) {
	return derive(programID, "escrow", []byte(seedEscrow), order.Bytes())
}

func DeriveAssociatedTokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: associated token account for %s/%s: %v", ErrAddressDerivation, owner, mint, err)
	}
	return ata, nil
}

// StrategyAddresses groups every address a deposit or withdraw touches.
type StrategyAddresses struct {
	StrategyID   uint64
	Strategy     solana.PublicKey
	YieldMint    solana.PublicKey
	Vault        solana.PublicKey
	UserPosition solana.PublicKey
}

func DeriveStrategyAddresses(programID, owner solana.PublicKey, strategyID uint64) (StrategyAddresses, error) {
	strategy, _, err := DeriveStrategyPDA(programID, strategyID)
	if err != nil {
		return StrategyAddresses{}, err
	}
	yieldMint, _, err := DeriveYieldMintPDA(programID, strategyID)
	if err != nil {
		return StrategyAddresses{}, err
	}
	vault, _, err := DeriveStrategyVaultPDA(programID, strategyID)
	if err != nil {
		return StrategyAddresses{}, err
	}
	position, _, err := DeriveUserPositionPDA(programID, owner, strategy)
	if err != nil {
		return StrategyAddresses{}, err
	}
	return StrategyAddresses{
		StrategyID:   strategyID,
		Strategy:     strategy,
		YieldMint:    yieldMint,
		Vault:        vault,
		UserPosition: position,
	}, nil
}

func MustDeriveStrategyPDA(programID solana.PublicKey, strategyID uint64) solana.PublicKey {
	pk, _, err := DeriveStrategyPDA(programID, strategyID)
	if err != nil {
		panic(err)
	}
	return pk
}

func derive(programID solana.PublicKey, what string, seeds ...[]byte) (solana.PublicKey, uint8, error) {
	pk, bump, err := solana.FindProgramAddress(seeds, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("%w: %s PDA: %v", ErrAddressDerivation, what, err)
	}
	return pk, bump, nil
}

// Numeric seeds are always 8 bytes little-endian; any other width derives a different address.
func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
