package main

import (
	"context"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type strategyView struct {
	ID             uint64 `json:"id"`
	Address        string `json:"address"`
	Name           string `json:"name"`
	UnderlyingMint string `json:"underlying_mint"`
	YieldMint      string `json:"yield_mint"`
	APYPercent     string `json:"apy_percent"`
	TVL            string `json:"tvl"`
	YieldMinted    string `json:"yield_minted"`
	Active         bool   `json:"active"`
}

func runStrategies(ctx context.Context, a *app, args []string) error {
	fs := a.flags("strategies")
	activeOnly := fs.Bool("active", false, "only list active strategies")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	strategies, err := a.reader.Strategies(ctx)
	if err != nil {
		return err
	}
	decimals := make(map[solana.PublicKey]int32)
	out := make([]strategyView, 0, len(strategies))
	for _, s := range strategies {
		if *activeOnly && !s.Record.IsActive {
			continue
		}
		d, ok := decimals[s.Record.UnderlyingMint]
		if !ok {
			if d, err = a.mintDecimals(ctx, s.Record.UnderlyingMint); err != nil {
				return err
			}
			decimals[s.Record.UnderlyingMint] = d
		}
		out = append(out, strategyView{
			ID:             s.Record.StrategyID,
			Address:        s.Address.String(),
			Name:           s.Record.Name,
			UnderlyingMint: s.Record.UnderlyingMint.String(),
			YieldMint:      s.Record.YieldMint.String(),
			APYPercent:     s.Record.APYPercent().StringFixed(2),
			TVL:            s.Record.TVL(d).String(),
			YieldMinted:    protocol.FormatUnits(s.Record.TotalYieldMinted, d).String(),
			Active:         s.Record.IsActive,
		})
	}
	return a.printJSON(out)
}

type positionView struct {
	Address        string `json:"address"`
	StrategyID     uint64 `json:"strategy_id"`
	Strategy       string `json:"strategy"`
	Deposited      string `json:"deposited"`
	YieldMinted    string `json:"yield_minted"`
	YieldClaimed   string `json:"yield_claimed"`
	DepositTime    int64  `json:"deposit_time"`
	LastYieldClaim int64  `json:"last_yield_claim"`
}

func runPositions(ctx context.Context, a *app, args []string) error {
	fs := a.flags("positions")
	var owner pubkeyFlag
	fs.Var(&owner, "owner", "position owner (default: keypair)")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if !owner.set {
		w, err := a.keypair()
		if err != nil {
			return err
		}
		owner.value = w.PublicKey()
	}

	positions, err := a.reader.UserPositions(ctx, owner.value)
	if err != nil {
		return err
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		strategy, err := a.reader.StrategyAt(ctx, p.Record.Strategy, false)
		if err != nil {
			return err
		}
		d, err := a.mintDecimals(ctx, strategy.UnderlyingMint)
		if err != nil {
			return err
		}
		out = append(out, positionView{
			Address:        p.Address.String(),
			StrategyID:     strategy.StrategyID,
			Strategy:       strategy.Name,
			Deposited:      protocol.FormatUnits(p.Record.DepositedAmount, d).String(),
			YieldMinted:    protocol.FormatUnits(p.Record.YieldTokensMinted, d).String(),
			YieldClaimed:   protocol.FormatUnits(p.Record.TotalYieldClaimed, d).String(),
			DepositTime:    p.Record.DepositTime,
			LastYieldClaim: p.Record.LastYieldClaim,
		})
	}
	return a.printJSON(out)
}

type bookView struct {
	Marketplace   string            `json:"marketplace"`
	MarketplaceID uint64            `json:"marketplace_id"`
	Active        bool              `json:"active"`
	FeePercent    string            `json:"fee_percent"`
	BestBid       string            `json:"best_bid,omitempty"`
	BestAsk       string            `json:"best_ask,omitempty"`
	Crossed       bool              `json:"crossed"`
	Levels        []orderbook.Level `json:"levels"`
}

type orderbookView struct {
	Markets []bookView `json:"markets"`
	Orphans int        `json:"orphans"`
	Skipped int        `json:"skipped"`
}

func runOrderbook(ctx context.Context, a *app, args []string) error {
	fs := a.flags("orderbook")
	strategyID := fs.Uint64("strategy", 0, "only this strategy's marketplace")
	heuristic := fs.Bool("scan", false, "recover marketplaces by account size instead of from strategy IDs")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	var snapshot *orderbook.Snapshot
	var err error
	switch {
	case *strategyID != 0:
		snapshot, err = a.scanner.ScanStrategies(ctx, []uint64{*strategyID})
	case *heuristic:
		snapshot, err = a.scanner.Scan(ctx)
	default:
		var strategies []protocol.Account[protocol.Strategy]
		if strategies, err = a.reader.Strategies(ctx); err != nil {
			return err
		}
		ids := make([]uint64, 0, len(strategies))
		for _, s := range strategies {
			ids = append(ids, s.Record.StrategyID)
		}
		snapshot, err = a.scanner.ScanStrategies(ctx, ids)
	}
	if err != nil {
		return err
	}

	view := orderbookView{Markets: make([]bookView, 0, len(snapshot.Markets)), Orphans: snapshot.Orphans, Skipped: snapshot.Skipped}
	for _, m := range snapshot.Markets {
		book := m.Book()
		bv := bookView{
			Marketplace:   m.Marketplace.Address.String(),
			MarketplaceID: m.Marketplace.Record.MarketplaceID,
			Active:        m.Marketplace.Record.IsActive,
			FeePercent:    m.Marketplace.Record.FeePercent().StringFixed(2),
			Crossed:       book.Crossed(),
			Levels:        book.Levels(),
		}
		if bid, ok := book.BestBid(); ok {
			bv.BestBid = protocol.FormatPrice(bid).String()
		}
		if ask, ok := book.BestAsk(); ok {
			bv.BestAsk = protocol.FormatPrice(ask).String()
		}
		view.Markets = append(view.Markets, bv)
	}
	return a.printJSON(view)
}
