package protocol

import (
	"crypto/sha256"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	DiscriminatorSize  = 8
	MaxStrategyNameLen = 64

	// Allocated account sizes. The program reserves 8 bytes more than the serialized
	// record, so accounts carry zero padding after the last field.
	StrategyAccountSize     = 8 + 8 + 32*3 + 4 + MaxStrategyNameLen + 8 + 8 + 1 + 8 + 8 + 8
	UserPositionAccountSize = 8 + 120
	MarketplaceAccountSize  = 8 + 187
	TradeOrderAccountSize   = 8 + 122
	CounterAccountSize      = 8 + 16
)

// Layout is the byte layout of one record type: the discriminator followed by fields in
// declaration order. Decoding and encoding both walk fields, so a program upgrade that
// changes a record is a change to its table and Version only.
type Layout[T any] struct {
	Record        string
	Version       int
	Discriminator [DiscriminatorSize]byte
	MaxStringLen  int
	fields        []field[T]
}

type field[T any] struct {
	name string
	ref  func(*T) any
}

func fieldOf[T any](name string, ref func(*T) any) field[T] {
	return field[T]{name: name, ref: ref}
}

func newLayout[T any](record string, version int, fields ...field[T]) *Layout[T] {
	return &Layout[T]{
		Record:        record,
		Version:       version,
		Discriminator: AccountDiscriminator(record),
		fields:        fields,
	}
}

var StrategyLayout = withMaxString(newLayout("Strategy", 1,
	fieldOf("admin", func(s *Strategy) any { return &s.Admin }),
	fieldOf("underlying_token", func(s *Strategy) any { return &s.UnderlyingMint }),
	fieldOf("yield_token_mint", func(s *Strategy) any { return &s.YieldMint }),
	fieldOf("name", func(s *Strategy) any { return &s.Name }),
	fieldOf("apy", func(s *Strategy) any { return &s.APYBasisPoints }),
	fieldOf("total_deposits", func(s *Strategy) any { return &s.TotalDeposits }),
	fieldOf("is_active", func(s *Strategy) any { return &s.IsActive }),
	fieldOf("created_at", func(s *Strategy) any { return &s.CreatedAt }),
	fieldOf("total_yield_tokens_minted", func(s *Strategy) any { return &s.TotalYieldMinted }),
	fieldOf("strategy_id", func(s *Strategy) any { return &s.StrategyID }),
), MaxStrategyNameLen)

var UserPositionLayout = newLayout("UserPosition", 1,
	fieldOf("user", func(p *UserPosition) any { return &p.Owner }),
	fieldOf("strategy", func(p *UserPosition) any { return &p.Strategy }),
	fieldOf("deposited_amount", func(p *UserPosition) any { return &p.DepositedAmount }),
	fieldOf("yield_tokens_minted", func(p *UserPosition) any { return &p.YieldTokensMinted }),
	fieldOf("deposit_time", func(p *UserPosition) any { return &p.DepositTime }),
	fieldOf("last_yield_claim", func(p *UserPosition) any { return &p.LastYieldClaim }),
	fieldOf("total_yield_claimed", func(p *UserPosition) any { return &p.TotalYieldClaimed }),
	fieldOf("position_id", func(p *UserPosition) any { return &p.PositionID }),
)

var MarketplaceLayout = newLayout("Marketplace", 1,
	fieldOf("admin", func(m *Marketplace) any { return &m.Admin }),
	fieldOf("strategy", func(m *Marketplace) any { return &m.Strategy }),
	fieldOf("yield_token_mint", func(m *Marketplace) any { return &m.YieldMint }),
	fieldOf("underlying_token_mint", func(m *Marketplace) any { return &m.UnderlyingMint }),
	fieldOf("total_volume", func(m *Marketplace) any { return &m.TotalVolume }),
	fieldOf("total_trades", func(m *Marketplace) any { return &m.TotalTrades }),
	fieldOf("best_bid_price", func(m *Marketplace) any { return &m.BestBid }),
	fieldOf("best_ask_price", func(m *Marketplace) any { return &m.BestAsk }),
	fieldOf("trading_fee_bps", func(m *Marketplace) any { return &m.TradingFeeBasisPoints }),
	fieldOf("is_active", func(m *Marketplace) any { return &m.IsActive }),
	fieldOf("created_at", func(m *Marketplace) any { return &m.CreatedAt }),
	fieldOf("marketplace_id", func(m *Marketplace) any { return &m.MarketplaceID }),
)

var TradeOrderLayout = newLayout("TradeOrder", 1,
	fieldOf("user", func(o *TradeOrder) any { return &o.Owner }),
	fieldOf("marketplace", func(o *TradeOrder) any { return &o.Marketplace }),
	fieldOf("order_type", func(o *TradeOrder) any { return &o.OrderType }),
	fieldOf("yield_token_amount", func(o *TradeOrder) any { return &o.YieldTokenAmount }),
	fieldOf("price_per_token", func(o *TradeOrder) any { return &o.PricePerToken }),
	fieldOf("total_value", func(o *TradeOrder) any { return &o.TotalValue }),
	fieldOf("filled_amount", func(o *TradeOrder) any { return &o.FilledAmount }),
	fieldOf("is_active", func(o *TradeOrder) any { return &o.IsActive }),
	fieldOf("created_at", func(o *TradeOrder) any { return &o.CreatedAt }),
	fieldOf("order_id", func(o *TradeOrder) any { return &o.OrderID }),
)

var (
	StrategyCounterLayout    = counterLayout("StrategyCounter")
	MarketplaceCounterLayout = counterLayout("MarketplaceCounter")
	OrderCounterLayout       = counterLayout("OrderCounter")
)

func counterLayout(record string) *Layout[Counter] {
	return newLayout(record, 1, fieldOf("count", func(c *Counter) any { return &c.Count }))
}

func withMaxString[T any](l *Layout[T], max int) *Layout[T] {
	l.MaxStringLen = max
	return l
}

// AccountDiscriminator is the 8-byte prefix the program writes ahead of every record.
func AccountDiscriminator(record string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("account:" + record))
	var out [DiscriminatorSize]byte
	copy(out[:], sum[:DiscriminatorSize])
	return out
}

// Offset returns the static byte offset of a field, or false when the field does not
// exist or sits behind a variable-length field.
func (l *Layout[T]) Offset(name string) (int, bool) {
	var zero T
	offset := DiscriminatorSize
	for _, fd := range l.fields {
		if fd.name == name {
			return offset, true
		}
		width, fixed := fieldWidth(fd.ref(&zero))
		if !fixed {
			return 0, false
		}
		offset += width
	}
	return 0, false
}

// MinSize is the serialized size with every string field empty.
func (l *Layout[T]) MinSize() int {
	var zero T
	size := DiscriminatorSize
	for _, fd := range l.fields {
		width, _ := fieldWidth(fd.ref(&zero))
		size += width
	}
	return size
}

func (l *Layout[T]) Fields() []string {
	names := make([]string, 0, len(l.fields))
	for _, fd := range l.fields {
		names = append(names, fd.name)
	}
	return names
}

// fieldWidth reports the encoded width of a field; strings report their length prefix only.
func fieldWidth(ptr any) (int, bool) {
	switch ptr.(type) {
	case *solana.PublicKey:
		return solana.PublicKeyLength, true
	case *uint64, *int64:
		return 8, true
	case *uint16:
		return 2, true
	case *uint8, *bool, *OrderType:
		return 1, true
	case *string:
		return 4, false
	default:
		panic(fmt.Sprintf("unsupported layout field type %T", ptr))
	}
}
