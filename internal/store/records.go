package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

// Snapshot is one indexer pass worth of records.
type Snapshot struct {
	Strategies []protocol.Account[protocol.Strategy]
	Book       *orderbook.Snapshot
}

// SaveSnapshot writes a pass in one transaction. Orders of a recovered marketplace
// that are missing from the pass are marked not live.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, strategy := range snapshot.Strategies {
			if err := s.UpsertStrategyTx(ctx, tx, strategy); err != nil {
				return fmt.Errorf("upsert strategy %s: %w", strategy.Address, err)
			}
		}
		marketplaces, orders := 0, 0
		if snapshot.Book != nil {
			for _, market := range snapshot.Book.Markets {
				if err := s.UpsertMarketplaceTx(ctx, tx, market.Marketplace); err != nil {
					return fmt.Errorf("upsert marketplace %s: %w", market.Marketplace.Address, err)
				}
				if err := s.ReplaceLiveOrdersTx(ctx, tx, market); err != nil {
					return err
				}
				marketplaces++
				orders += len(market.Orders)
			}
		}
		return s.upsertSyncStateTx(ctx, tx, len(snapshot.Strategies), marketplaces, orders)
	})
}

func (s *Store) UpsertStrategyTx(ctx context.Context, tx *Tx, strategy protocol.Account[protocol.Strategy]) error {
	raw, err := json.Marshal(strategy.Record)
	if err != nil {
		return err
	}
	r := strategy.Record
	_, err = tx.ExecContext(ctx, `
		INSERT INTO strategies (
			pubkey, strategy_id, admin, name, underlying_mint, yield_mint,
			apy_basis_points, total_deposits, total_yield_minted, is_active,
			created_at, raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			admin = excluded.admin,
			name = excluded.name,
			underlying_mint = excluded.underlying_mint,
			yield_mint = excluded.yield_mint,
			apy_basis_points = excluded.apy_basis_points,
			total_deposits = excluded.total_deposits,
			total_yield_minted = excluded.total_yield_minted,
			is_active = excluded.is_active,
			created_at = excluded.created_at,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
	`,
		strategy.Address.String(),
		int64(r.StrategyID),
		r.Admin.String(),
		r.Name,
		r.UnderlyingMint.String(),
		r.YieldMint.String(),
		int64(r.APYBasisPoints),
		strconv.FormatUint(r.TotalDeposits, 10),
		strconv.FormatUint(r.TotalYieldMinted, 10),
		boolInt(r.IsActive),
		r.CreatedAt,
		string(raw),
		s.now().Unix(),
	)
	return err
}

func (s *Store) UpsertMarketplaceTx(ctx context.Context, tx *Tx, marketplace protocol.Account[protocol.Marketplace]) error {
	raw, err := json.Marshal(marketplace.Record)
	if err != nil {
		return err
	}
	r := marketplace.Record
	_, err = tx.ExecContext(ctx, `
		INSERT INTO marketplaces (
			pubkey, marketplace_id, strategy, admin, yield_mint, underlying_mint,
			trading_fee_bps, total_volume, total_trades, best_bid, best_ask,
			is_active, created_at, raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			marketplace_id = excluded.marketplace_id,
			strategy = excluded.strategy,
			admin = excluded.admin,
			yield_mint = excluded.yield_mint,
			underlying_mint = excluded.underlying_mint,
			trading_fee_bps = excluded.trading_fee_bps,
			total_volume = excluded.total_volume,
			total_trades = excluded.total_trades,
			best_bid = excluded.best_bid,
			best_ask = excluded.best_ask,
			is_active = excluded.is_active,
			created_at = excluded.created_at,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
	`,
		marketplace.Address.String(),
		int64(r.MarketplaceID),
		r.Strategy.String(),
		r.Admin.String(),
		r.YieldMint.String(),
		r.UnderlyingMint.String(),
		int(r.TradingFeeBasisPoints),
		strconv.FormatUint(r.TotalVolume, 10),
		strconv.FormatUint(r.TotalTrades, 10),
		strconv.FormatUint(r.BestBid, 10),
		strconv.FormatUint(r.BestAsk, 10),
		boolInt(r.IsActive),
		r.CreatedAt,
		string(raw),
		s.now().Unix(),
	)
	return err
}

func (s *Store) ReplaceLiveOrdersTx(ctx context.Context, tx *Tx, market orderbook.Market) error {
	now := s.now().Unix()
	if _, err := tx.ExecContext(ctx, `
		UPDATE orders SET live = 0, updated_at = ?
		WHERE marketplace = ? AND live = 1
	`, now, market.Marketplace.Address.String()); err != nil {
		return fmt.Errorf("retire orders of %s: %w", market.Marketplace.Address, err)
	}
	for _, order := range market.Orders {
		if err := s.UpsertOrderTx(ctx, tx, order); err != nil {
			return fmt.Errorf("upsert order %s: %w", order.Address, err)
		}
	}
	return nil
}

func (s *Store) UpsertOrderTx(ctx context.Context, tx *Tx, order protocol.Account[protocol.TradeOrder]) error {
	raw, err := json.Marshal(order.Record)
	if err != nil {
		return err
	}
	r := order.Record
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			pubkey, order_id, owner, marketplace, side, yield_token_amount,
			filled_amount, price_per_token, price, total_value, live,
			created_at, raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			order_id = excluded.order_id,
			owner = excluded.owner,
			marketplace = excluded.marketplace,
			side = excluded.side,
			yield_token_amount = excluded.yield_token_amount,
			filled_amount = excluded.filled_amount,
			price_per_token = excluded.price_per_token,
			price = excluded.price,
			total_value = excluded.total_value,
			live = excluded.live,
			created_at = excluded.created_at,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
	`,
		order.Address.String(),
		int64(r.OrderID),
		r.Owner.String(),
		r.Marketplace.String(),
		r.OrderType.String(),
		strconv.FormatUint(r.YieldTokenAmount, 10),
		strconv.FormatUint(r.FilledAmount, 10),
		strconv.FormatUint(r.PricePerToken, 10),
		r.Price().String(),
		strconv.FormatUint(r.TotalValue, 10),
		boolInt(r.Live()),
		r.CreatedAt,
		string(raw),
		s.now().Unix(),
	)
	return err
}

func (s *Store) upsertSyncStateTx(ctx context.Context, tx *Tx, strategies, marketplaces, orders int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, strategies, marketplaces, orders, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			strategies = excluded.strategies,
			marketplaces = excluded.marketplaces,
			orders = excluded.orders,
			updated_at = excluded.updated_at
	`, strategies, marketplaces, orders, s.now().Unix())
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
