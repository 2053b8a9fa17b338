package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	errDiscriminatorMismatch = errors.New("discriminator mismatch")
	errNonCanonicalBool      = errors.New("boolean byte is neither 0 nor 1")
)

type decodeMode int

const (
	// exhaustive decoding treats any nonzero boolean byte as true.
	exhaustive decodeMode = iota
	// speculative decoding rejects bytes that a well-formed record never carries.
	speculative
)

// Decode parses data as this record type. The input is never modified and trailing
// bytes after the last field are ignored.
func (l *Layout[T]) Decode(data []byte) (*T, error) {
	return l.decode(data, exhaustive)
}

// TryDecode is the speculative variant used by scans: any decode failure or an
// implausible record yields false instead of an error.
func (l *Layout[T]) TryDecode(data []byte, plausible func(*T) bool) (*T, bool) {
	out, err := l.decode(data, speculative)
	if err != nil {
		return nil, false
	}
	if plausible != nil && !plausible(out) {
		return nil, false
	}
	return out, true
}

func (l *Layout[T]) decode(data []byte, mode decodeMode) (*T, error) {
	if len(data) < DiscriminatorSize {
		return nil, l.fail("discriminator", 0, io.ErrUnexpectedEOF)
	}
	if !bytes.Equal(data[:DiscriminatorSize], l.Discriminator[:]) {
		return nil, l.fail("discriminator", 0, fmt.Errorf("%w: got %x", errDiscriminatorMismatch, data[:DiscriminatorSize]))
	}

	dec := bin.NewBorshDecoder(data)
	if _, err := dec.ReadNBytes(DiscriminatorSize); err != nil {
		return nil, l.fail("discriminator", 0, err)
	}

	var out T
	for _, fd := range l.fields {
		offset := int(dec.Position())
		if err := l.readField(dec, len(data), fd.ref(&out), mode); err != nil {
			return nil, l.fail(fd.name, offset, err)
		}
	}
	return &out, nil
}

func (l *Layout[T]) readField(dec *bin.Decoder, total int, ptr any, mode decodeMode) error {
	switch v := ptr.(type) {
	case *solana.PublicKey:
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return err
		}
		copy(v[:], raw)
	case *uint64:
		n, err := dec.ReadUint64(binary.LittleEndian)
		if err != nil {
			return err
		}
		*v = n
	case *int64:
		n, err := dec.ReadInt64(binary.LittleEndian)
		if err != nil {
			return err
		}
		*v = n
	case *uint16:
		n, err := dec.ReadUint16(binary.LittleEndian)
		if err != nil {
			return err
		}
		*v = n
	case *uint8:
		b, err := dec.ReadUint8()
		if err != nil {
			return err
		}
		*v = b
	case *OrderType:
		b, err := dec.ReadUint8()
		if err != nil {
			return err
		}
		*v = OrderType(b)
		if mode == speculative && !v.Valid() {
			return fmt.Errorf("order type %d out of range", b)
		}
	case *bool:
		b, err := dec.ReadUint8()
		if err != nil {
			return err
		}
		if mode == speculative && b > 1 {
			return errNonCanonicalBool
		}
		*v = b != 0
	case *string:
		n, err := dec.ReadUint32(binary.LittleEndian)
		if err != nil {
			return err
		}
		remaining := total - int(dec.Position())
		if int64(n) > int64(remaining) {
			return fmt.Errorf("string length %d exceeds remaining %d bytes", n, remaining)
		}
		if mode == speculative && l.MaxStringLen > 0 && int(n) > l.MaxStringLen {
			return fmt.Errorf("string length %d exceeds max %d", n, l.MaxStringLen)
		}
		raw, err := dec.ReadNBytes(int(n))
		if err != nil {
			return err
		}
		if !utf8.Valid(raw) {
			return errors.New("string is not valid utf-8")
		}
		*v = string(raw)
	default:
		return fmt.Errorf("unsupported field type %T", ptr)
	}
	return nil
}

func (l *Layout[T]) fail(fieldName string, offset int, err error) error {
	return &DecodeError{Record: l.Record, Field: fieldName, Offset: offset, Err: err}
}

func DecodeStrategy(data []byte) (*Strategy, error) {
	return StrategyLayout.Decode(data)
}

func DecodeUserPosition(data []byte) (*UserPosition, error) {
	return UserPositionLayout.Decode(data)
}

func DecodeMarketplace(data []byte) (*Marketplace, error) {
	return MarketplaceLayout.Decode(data)
}

func DecodeTradeOrder(data []byte) (*TradeOrder, error) {
	return TradeOrderLayout.Decode(data)
}

func DecodeStrategyCounter(data []byte) (*Counter, error) {
	return StrategyCounterLayout.Decode(data)
}

func DecodeMarketplaceCounter(data []byte) (*Counter, error) {
	return MarketplaceCounterLayout.Decode(data)
}

func DecodeOrderCounter(data []byte) (*Counter, error) {
	return OrderCounterLayout.Decode(data)
}

func TryDecodeMarketplace(data []byte) (*Marketplace, bool) {
	return MarketplaceLayout.TryDecode(data, PlausibleMarketplace)
}

func TryDecodeTradeOrder(data []byte) (*TradeOrder, bool) {
	return TradeOrderLayout.TryDecode(data, PlausibleTradeOrder)
}

func TryDecodeUserPosition(data []byte) (*UserPosition, bool) {
	return UserPositionLayout.TryDecode(data, PlausibleUserPosition)
}

// Identity fields never hold the zero key (the system program's address) in a real record.
func plausibleKey(pk solana.PublicKey) bool {
	return pk != (solana.PublicKey{})
}

func PlausibleMarketplace(m *Marketplace) bool {
	return plausibleKey(m.Admin) &&
		plausibleKey(m.Strategy) &&
		plausibleKey(m.YieldMint) &&
		plausibleKey(m.UnderlyingMint) &&
		m.TradingFeeBasisPoints <= 10_000
}

func PlausibleTradeOrder(o *TradeOrder) bool {
	return plausibleKey(o.Owner) &&
		plausibleKey(o.Marketplace) &&
		o.OrderType.Valid() &&
		o.YieldTokenAmount > 0 &&
		o.FilledAmount <= o.YieldTokenAmount
}

func PlausibleUserPosition(p *UserPosition) bool {
	return plausibleKey(p.Owner) && plausibleKey(p.Strategy)
}
