package protocol

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the decimal scale of the native asset and of yield tokens minted for it.
const NativeDecimals = 9

const priceDecimals = 6

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// APYPercent converts basis points to a percentage: 1500 bps is 15.00%.
func (s Strategy) APYPercent() decimal.Decimal {
	return decimal.New(int64(s.APYBasisPoints), 0).Shift(-2)
}

// TVL reports total deposits at the underlying asset's decimal scale.
func (s Strategy) TVL(decimals int32) decimal.Decimal {
	return FormatUnits(s.TotalDeposits, decimals)
}

func (o TradeOrder) Price() decimal.Decimal {
	return FormatPrice(o.PricePerToken)
}

// FormatPrice renders a 6-decimal fixed-point price.
func FormatPrice(pricePerToken uint64) decimal.Decimal {
	return FormatUnits(pricePerToken, priceDecimals)
}

func (m Marketplace) FeePercent() decimal.Decimal {
	return decimal.New(int64(m.TradingFeeBasisPoints), 0).Shift(-2)
}

func FormatUnits(amount uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -decimals)
}

// ParseUnits converts a human decimal string to base units. Zero, negative and
// over-precise amounts are rejected with ErrInvalidAmount.
func ParseUnits(raw string, decimals int32) (uint64, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, invalidAmount("parse %q: %v", raw, err)
	}
	if value.Sign() <= 0 {
		return 0, invalidAmount("%s must be > 0", raw)
	}
	scaled := value.Shift(decimals)
	if !scaled.IsInteger() {
		return 0, invalidAmount("%s has more than %d decimals", raw, decimals)
	}
	units := scaled.BigInt()
	if units.Cmp(maxUint64) > 0 {
		return 0, invalidAmount("%s overflows u64 at %d decimals", raw, decimals)
	}
	return units.Uint64(), nil
}

// ParsePrice converts a per-token price to the program's 6-decimal fixed point.
func ParsePrice(raw string) (uint64, error) {
	return ParseUnits(raw, priceDecimals)
}

// OrderValue is amount * price / 10^6, computed without intermediate overflow.
func OrderValue(amount, pricePerToken uint64) uint64 {
	product := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(pricePerToken))
	product.Quo(product, new(big.Int).SetUint64(PriceScale))
	if product.Cmp(maxUint64) > 0 {
		return ^uint64(0)
	}
	return product.Uint64()
}

// TradingFee is value * feeBps / 10000, rounded down.
func TradingFee(value uint64, feeBps uint16) uint64 {
	out := new(big.Int).Mul(new(big.Int).SetUint64(value), big.NewInt(int64(feeBps)))
	out.Quo(out, big.NewInt(10_000))
	return out.Uint64()
}
