package protocol

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// NativeMint is the wrapped form of the native asset.
var NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type OrderType uint8

const (
	OrderBuy  OrderType = 0
	OrderSell OrderType = 1
)

func (t OrderType) Valid() bool {
	return t == OrderBuy || t == OrderSell
}

func (t OrderType) String() string {
	switch t {
	case OrderBuy:
		return "buy"
	case OrderSell:
		return "sell"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func ParseOrderType(raw string) (OrderType, error) {
	switch raw {
	case "buy", "bid", "0":
		return OrderBuy, nil
	case "sell", "ask", "1":
		return OrderSell, nil
	default:
		return 0, fmt.Errorf("invalid order type %q (expected buy|sell)", raw)
	}
}

// Counter is the shared shape of StrategyCounter, MarketplaceCounter and OrderCounter.
type Counter struct {
	Count uint64 `json:"count"`
}

// Next returns the ID the program expects for the next record it allocates.
func (c Counter) Next() uint64 {
	return c.Count + 1
}

type Strategy struct {
	Admin            solana.PublicKey `json:"admin"`
	UnderlyingMint   solana.PublicKey `json:"underlying_mint"`
	YieldMint        solana.PublicKey `json:"yield_mint"`
	Name             string           `json:"name"`
	APYBasisPoints   uint64           `json:"apy_basis_points"`
	TotalDeposits    uint64           `json:"total_deposits"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        int64            `json:"created_at"`
	TotalYieldMinted uint64           `json:"total_yield_minted"`
	StrategyID       uint64           `json:"strategy_id"`
}

type UserPosition struct {
	Owner             solana.PublicKey `json:"owner"`
	Strategy          solana.PublicKey `json:"strategy"`
	DepositedAmount   uint64           `json:"deposited_amount"`
	YieldTokensMinted uint64           `json:"yield_tokens_minted"`
	DepositTime       int64            `json:"deposit_time"`
	LastYieldClaim    int64            `json:"last_yield_claim"`
	TotalYieldClaimed uint64           `json:"total_yield_claimed"`
	PositionID        uint64           `json:"position_id"`
}

type Marketplace struct {
	Admin                 solana.PublicKey `json:"admin"`
	Strategy              solana.PublicKey `json:"strategy"`
	YieldMint             solana.PublicKey `json:"yield_mint"`
	UnderlyingMint        solana.PublicKey `json:"underlying_mint"`
	TotalVolume           uint64           `json:"total_volume"`
	TotalTrades           uint64           `json:"total_trades"`
	BestBid               uint64           `json:"best_bid"`
	BestAsk               uint64           `json:"best_ask"`
	TradingFeeBasisPoints uint16           `json:"trading_fee_bps"`
	IsActive              bool             `json:"is_active"`
	CreatedAt             int64            `json:"created_at"`
	MarketplaceID         uint64           `json:"marketplace_id"`
}

type TradeOrder struct {
	Owner            solana.PublicKey `json:"owner"`
	Marketplace      solana.PublicKey `json:"marketplace"`
	OrderType        OrderType        `json:"order_type"`
	YieldTokenAmount uint64           `json:"yield_token_amount"`
	PricePerToken    uint64           `json:"price_per_token"`
	TotalValue       uint64           `json:"total_value"`
	FilledAmount     uint64           `json:"filled_amount"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        int64            `json:"created_at"`
	OrderID          uint64           `json:"order_id"`
}

// Live reports whether the order can still be filled.
func (o TradeOrder) Live() bool {
	return o.IsActive && o.FilledAmount < o.YieldTokenAmount
}

func (o TradeOrder) Remaining() uint64 {
	if o.FilledAmount >= o.YieldTokenAmount {
		return 0
	}
	return o.YieldTokenAmount - o.FilledAmount
}

// Account pairs a decoded record with the address it was read from.
type Account[T any] struct {
	Address solana.PublicKey `json:"address"`
	Record  T                `json:"record"`
}
