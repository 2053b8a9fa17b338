package orderbook

import (
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

// Match is one executable crossing of a bid with an ask.
type Match struct {
	Buy    protocol.Account[protocol.TradeOrder] `json:"buy"`
	Sell   protocol.Account[protocol.TradeOrder] `json:"sell"`
	Amount uint64                                `json:"amount"`
	// Price is the ask price, which the program settles at.
	Price uint64 `json:"price"`
	Value uint64 `json:"value"`
	Fee   uint64 `json:"fee"`
}

// Matches walks the book from the top and pairs crossing orders until the best
// remaining bid is below the best remaining ask. Each order's remaining amount is
// consumed as it is matched, so the result can be submitted in order. limit <= 0
// means no limit.
func (b *Book) Matches(feeBps uint16, limit int) []Match {
	var out []Match
	bidLeft := remaining(b.Bids)
	askLeft := remaining(b.Asks)
	i, j := 0, 0
	for i < len(b.Bids) && j < len(b.Asks) {
		if limit > 0 && len(out) >= limit {
			break
		}
		bid, ask := b.Bids[i], b.Asks[j]
		if bid.Record.PricePerToken < ask.Record.PricePerToken {
			break
		}
		amount := min(bidLeft[i], askLeft[j])
		value := protocol.OrderValue(amount, ask.Record.PricePerToken)
		out = append(out, Match{
			Buy:    bid,
			Sell:   ask,
			Amount: amount,
			Price:  ask.Record.PricePerToken,
			Value:  value,
			Fee:    protocol.TradingFee(value, feeBps),
		})
		bidLeft[i] -= amount
		askLeft[j] -= amount
		if bidLeft[i] == 0 {
			i++
		}
		if askLeft[j] == 0 {
			j++
		}
	}
	return out
}

func remaining(orders []protocol.Account[protocol.TradeOrder]) []uint64 {
	out := make([]uint64, len(orders))
	for i, o := range orders {
		out[i] = o.Record.Remaining()
	}
	return out
}
