package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type StrategyFilter struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}

type StrategyRecord struct {
	Pubkey           string `json:"pubkey"`
	StrategyID       uint64 `json:"strategy_id"`
	Admin            string `json:"admin"`
	Name             string `json:"name"`
	UnderlyingMint   string `json:"underlying_mint"`
	YieldMint        string `json:"yield_mint"`
	APYBasisPoints   uint64 `json:"apy_basis_points"`
	TotalDeposits    string `json:"total_deposits"`
	TotalYieldMinted string `json:"total_yield_minted"`
	IsActive         bool   `json:"is_active"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

type MarketplaceFilter struct {
	Strategy string
	Limit    int
	Offset   int
}

type MarketplaceRecord struct {
	Pubkey         string `json:"pubkey"`
	MarketplaceID  uint64 `json:"marketplace_id"`
	Strategy       string `json:"strategy"`
	Admin          string `json:"admin"`
	YieldMint      string `json:"yield_mint"`
	UnderlyingMint string `json:"underlying_mint"`
	TradingFeeBps  uint16 `json:"trading_fee_bps"`
	TotalVolume    string `json:"total_volume"`
	TotalTrades    string `json:"total_trades"`
	BestBid        string `json:"best_bid"`
	BestAsk        string `json:"best_ask"`
	IsActive       bool   `json:"is_active"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

type OrderFilter struct {
	Marketplace string
	Owner       string
	Side        string
	// IncludeClosed also returns cancelled and filled orders.
	IncludeClosed bool
	Limit         int
	Offset        int
}

type OrderRecord struct {
	Pubkey           string `json:"pubkey"`
	OrderID          uint64 `json:"order_id"`
	Owner            string `json:"owner"`
	Marketplace      string `json:"marketplace"`
	Side             string `json:"side"`
	YieldTokenAmount string `json:"yield_token_amount"`
	FilledAmount     string `json:"filled_amount"`
	PricePerToken    string `json:"price_per_token"`
	Price            string `json:"price"`
	TotalValue       string `json:"total_value"`
	Live             bool   `json:"live"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

type SyncState struct {
	Strategies   int   `json:"strategies"`
	Marketplaces int   `json:"marketplaces"`
	Orders       int   `json:"orders"`
	UpdatedAt    int64 `json:"updated_at"`
}

func (s *Store) ListStrategies(ctx context.Context, filter StrategyFilter) ([]StrategyRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active = 1")
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey, strategy_id, admin, name, underlying_mint, yield_mint,
			apy_basis_points, total_deposits, total_yield_minted, is_active,
			created_at, updated_at
		FROM strategies
		WHERE %s
		ORDER BY strategy_id ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]StrategyRecord, 0, limit)
	for rows.Next() {
		var item StrategyRecord
		var strategyID, apy int64
		var active int
		if err := rows.Scan(
			&item.Pubkey,
			&strategyID,
			&item.Admin,
			&item.Name,
			&item.UnderlyingMint,
			&item.YieldMint,
			&apy,
			&item.TotalDeposits,
			&item.TotalYieldMinted,
			&active,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.StrategyID = uint64(strategyID)
		item.APYBasisPoints = uint64(apy)
		item.IsActive = active != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListMarketplaces(ctx context.Context, filter MarketplaceFilter) ([]MarketplaceRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if filter.Strategy != "" {
		clauses = append(clauses, "strategy = ?")
		args = append(args, filter.Strategy)
	}

	query := fmt.Sprintf(`
		SELECT
			pubkey, marketplace_id, strategy, admin, yield_mint, underlying_mint,
			trading_fee_bps, total_volume, total_trades, best_bid, best_ask,
			is_active, created_at, updated_at
		FROM marketplaces
		WHERE %s
		ORDER BY marketplace_id ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]MarketplaceRecord, 0, limit)
	for rows.Next() {
		var item MarketplaceRecord
		var marketplaceID int64
		var fee, active int
		if err := rows.Scan(
			&item.Pubkey,
			&marketplaceID,
			&item.Strategy,
			&item.Admin,
			&item.YieldMint,
			&item.UnderlyingMint,
			&fee,
			&item.TotalVolume,
			&item.TotalTrades,
			&item.BestBid,
			&item.BestAsk,
			&active,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.MarketplaceID = uint64(marketplaceID)
		item.TradingFeeBps = uint16(fee)
		item.IsActive = active != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]OrderRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses, args := orderClauses(filter)

	query := fmt.Sprintf(`
		SELECT
			pubkey, order_id, owner, marketplace, side, yield_token_amount,
			filled_amount, price_per_token, price, total_value, live,
			created_at, updated_at
		FROM orders
		WHERE %s
		ORDER BY created_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OrderRecord, 0, limit)
	for rows.Next() {
		var item OrderRecord
		var orderID int64
		var live int
		if err := rows.Scan(
			&item.Pubkey,
			&orderID,
			&item.Owner,
			&item.Marketplace,
			&item.Side,
			&item.YieldTokenAmount,
			&item.FilledAmount,
			&item.PricePerToken,
			&item.Price,
			&item.TotalValue,
			&live,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.OrderID = uint64(orderID)
		item.Live = live != 0
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func orderClauses(filter OrderFilter) ([]string, []any) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 5)
	if filter.Marketplace != "" {
		clauses = append(clauses, "marketplace = ?")
		args = append(args, filter.Marketplace)
	}
	if filter.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Side != "" {
		clauses = append(clauses, "side = ?")
		args = append(args, filter.Side)
	}
	if !filter.IncludeClosed {
		clauses = append(clauses, "live = 1")
	}
	return clauses, args
}

// LoadSyncState returns the counts of the last saved pass, or nil before the first one.
func (s *Store) LoadSyncState(ctx context.Context) (*SyncState, error) {
	var state SyncState
	err := s.db.QueryRowContext(ctx, `
		SELECT strategies, marketplaces, orders, updated_at FROM sync_state WHERE id = 1
	`).Scan(&state.Strategies, &state.Marketplaces, &state.Orders, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
