package orderbook

import (
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

const (
	SideBid = "bid"
	SideAsk = "ask"
)

// Book holds the live orders of one marketplace. Bids are sorted by price
// descending and asks ascending; equal prices keep placement order.
type Book struct {
	Marketplace solana.PublicKey
	Bids        []protocol.Account[protocol.TradeOrder]
	Asks        []protocol.Account[protocol.TradeOrder]
}

type Level struct {
	Side   string          `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Amount uint64          `json:"amount"`
	Orders int             `json:"orders"`
}

func NewBook(marketplace solana.PublicKey, orders []protocol.Account[protocol.TradeOrder]) *Book {
	b := &Book{Marketplace: marketplace}
	for _, o := range orders {
		if !o.Record.Live() || !o.Record.Marketplace.Equals(marketplace) {
			continue
		}
		switch o.Record.OrderType {
		case protocol.OrderBuy:
			b.Bids = append(b.Bids, o)
		case protocol.OrderSell:
			b.Asks = append(b.Asks, o)
		}
	}
	sort.SliceStable(b.Bids, func(i, j int) bool {
		left, right := b.Bids[i].Record, b.Bids[j].Record
		if left.PricePerToken != right.PricePerToken {
			return left.PricePerToken > right.PricePerToken
		}
		return placedBefore(left, right)
	})
	sort.SliceStable(b.Asks, func(i, j int) bool {
		left, right := b.Asks[i].Record, b.Asks[j].Record
		if left.PricePerToken != right.PricePerToken {
			return left.PricePerToken < right.PricePerToken
		}
		return placedBefore(left, right)
	})
	return b
}

func placedBefore(a, b protocol.TradeOrder) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.OrderID < b.OrderID
}

func (b *Book) BestBid() (uint64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Record.PricePerToken, true
}

func (b *Book) BestAsk() (uint64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Record.PricePerToken, true
}

// Crossed reports whether the best bid meets or exceeds the best ask.
func (b *Book) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid >= ask
}

// Levels aggregates remaining amounts by price, bids first, each side in book order.
func (b *Book) Levels() []Level {
	out := make([]Level, 0, len(b.Bids)+len(b.Asks))
	out = appendLevels(out, SideBid, b.Bids)
	out = appendLevels(out, SideAsk, b.Asks)
	return out
}

func appendLevels(out []Level, side string, orders []protocol.Account[protocol.TradeOrder]) []Level {
	var (
		current uint64
		open    bool
	)
	for _, o := range orders {
		price := o.Record.PricePerToken
		if !open || price != current {
			out = append(out, Level{Side: side, Price: o.Record.Price()})
			current = price
			open = true
		}
		last := &out[len(out)-1]
		last.Amount += o.Record.Remaining()
		last.Orders++
	}
	return out
}
