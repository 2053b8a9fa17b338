// Package orderbook recovers marketplaces and their resting orders from program
// accounts and arranges them into books that can be matched.
//
// The program keeps no registry of marketplace or order addresses. Scan walks
// every program account of a plausible size and keeps whatever decodes cleanly,
// so its output is best-effort: a record can be missed, and rarely a foreign
// account can slip through. Prefer ScanStrategies when the strategy IDs are known.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

// Allocated size first, then the bare serialized size in case the program's
// allocation ever shrinks to fit.
var (
	marketplaceSizes = []uint64{protocol.MarketplaceAccountSize, protocol.MarketplaceAccountSize - 8}
	orderSizes       = []uint64{protocol.TradeOrderAccountSize, protocol.TradeOrderAccountSize - 8}
)

// Ledger is the subset of *ledger.Reader the scanner reads through.
type Ledger interface {
	ProgramID() solana.PublicKey
	CachedScan(ctx context.Context, key string, filters ...ledger.Filter) ([]ledger.KeyedAccount, error)
	MarketplaceAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.Marketplace, error)
}

type Market struct {
	Marketplace protocol.Account[protocol.Marketplace]   `json:"marketplace"`
	Orders      []protocol.Account[protocol.TradeOrder] `json:"orders"`
}

func (m Market) Book() *Book {
	return NewBook(m.Marketplace.Address, m.Orders)
}

type Snapshot struct {
	Markets []Market `json:"markets"`
	// Orphans counts live orders whose marketplace was not recovered.
	Orphans int `json:"orphans"`
	// Skipped counts size-matching accounts that failed the plausibility check.
	Skipped int `json:"skipped"`
}

// Market returns the recovered market at address.
func (s *Snapshot) Market(address solana.PublicKey) (Market, bool) {
	for _, m := range s.Markets {
		if m.Marketplace.Address.Equals(address) {
			return m, true
		}
	}
	return Market{}, false
}

type Scanner struct {
	ledger Ledger
	logger *slog.Logger
}

func NewScanner(l Ledger, logger *slog.Logger) *Scanner {
	return &Scanner{ledger: l, logger: logging.Component(logger, "orderbook")}
}

// Scan recovers every plausible marketplace and its live orders with program-wide
// size-filtered scans.
func (s *Scanner) Scan(ctx context.Context) (*Snapshot, error) {
	snapshot := &Snapshot{}
	marketplaces, skipped, err := s.scanMarketplaces(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Skipped += skipped
	orders, skipped, err := s.scanOrders(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Skipped += skipped
	s.assemble(snapshot, marketplaces, orders)
	s.logger.Debug("order book scanned",
		"markets", len(snapshot.Markets),
		"orders", len(orders),
		"orphans", snapshot.Orphans,
		"skipped", snapshot.Skipped,
	)
	return snapshot, nil
}

// ScanStrategies derives the marketplace of each strategy ID instead of guessing
// at account sizes. Strategies without a marketplace are left out. Orders are
// still recovered by scan because their addresses depend on the placing wallet.
func (s *Scanner) ScanStrategies(ctx context.Context, strategyIDs []uint64) (*Snapshot, error) {
	programID := s.ledger.ProgramID()
	marketplaces := make([]protocol.Account[protocol.Marketplace], 0, len(strategyIDs))
	for _, id := range strategyIDs {
		strategy, _, err := protocol.DeriveStrategyPDA(programID, id)
		if err != nil {
			return nil, err
		}
		address, _, err := protocol.DeriveMarketplacePDA(programID, strategy)
		if err != nil {
			return nil, err
		}
		m, err := s.ledger.MarketplaceAt(ctx, address, false)
		if errors.Is(err, protocol.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("marketplace for strategy %d: %w", id, err)
		}
		marketplaces = append(marketplaces, protocol.Account[protocol.Marketplace]{Address: address, Record: *m})
	}

	snapshot := &Snapshot{}
	orders, skipped, err := s.scanOrders(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Skipped = skipped
	s.assemble(snapshot, marketplaces, orders)
	return snapshot, nil
}

// Orders returns the live orders resting on one marketplace, selected by an exact
// discriminator and marketplace match rather than by size.
func (s *Scanner) Orders(ctx context.Context, marketplace solana.PublicKey) ([]protocol.Account[protocol.TradeOrder], error) {
	offset, _ := protocol.TradeOrderLayout.Offset("marketplace")
	disc := protocol.TradeOrderLayout.Discriminator
	accounts, err := s.ledger.CachedScan(ctx, "orders:"+marketplace.String(),
		ledger.MemcmpFilter(0, disc[:]),
		ledger.MemcmpFilter(uint64(offset), marketplace[:]),
	)
	if err != nil {
		return nil, fmt.Errorf("scan orders of %s: %w", marketplace, err)
	}
	out := make([]protocol.Account[protocol.TradeOrder], 0, len(accounts))
	for _, acct := range accounts {
		order, ok := protocol.TryDecodeTradeOrder(acct.Data)
		if !ok || !order.Live() || !order.Marketplace.Equals(marketplace) {
			continue
		}
		out = append(out, protocol.Account[protocol.TradeOrder]{Address: acct.Address, Record: *order})
	}
	return out, nil
}

func (s *Scanner) scanMarketplaces(ctx context.Context) ([]protocol.Account[protocol.Marketplace], int, error) {
	var out []protocol.Account[protocol.Marketplace]
	skipped := 0
	seen := make(map[solana.PublicKey]struct{})
	for _, size := range marketplaceSizes {
		accounts, err := s.ledger.CachedScan(ctx, "marketplaces:"+strconv.FormatUint(size, 10), ledger.DataSizeFilter(size))
		if err != nil {
			return nil, 0, fmt.Errorf("scan marketplaces (size %d): %w", size, err)
		}
		for _, acct := range accounts {
			if _, dup := seen[acct.Address]; dup {
				continue
			}
			m, ok := protocol.TryDecodeMarketplace(acct.Data)
			if !ok {
				skipped++
				s.logger.Debug("skipping implausible marketplace", "address", acct.Address, "size", size)
				continue
			}
			seen[acct.Address] = struct{}{}
			out = append(out, protocol.Account[protocol.Marketplace]{Address: acct.Address, Record: *m})
		}
	}
	return out, skipped, nil
}

func (s *Scanner) scanOrders(ctx context.Context) ([]protocol.Account[protocol.TradeOrder], int, error) {
	var out []protocol.Account[protocol.TradeOrder]
	skipped := 0
	seen := make(map[solana.PublicKey]struct{})
	for _, size := range orderSizes {
		accounts, err := s.ledger.CachedScan(ctx, "orders:"+strconv.FormatUint(size, 10), ledger.DataSizeFilter(size))
		if err != nil {
			return nil, 0, fmt.Errorf("scan orders (size %d): %w", size, err)
		}
		for _, acct := range accounts {
			if _, dup := seen[acct.Address]; dup {
				continue
			}
			order, ok := protocol.TryDecodeTradeOrder(acct.Data)
			if !ok {
				skipped++
				continue
			}
			seen[acct.Address] = struct{}{}
			if !order.Live() {
				continue
			}
			out = append(out, protocol.Account[protocol.TradeOrder]{Address: acct.Address, Record: *order})
		}
	}
	return out, skipped, nil
}

func (s *Scanner) assemble(snapshot *Snapshot, marketplaces []protocol.Account[protocol.Marketplace], orders []protocol.Account[protocol.TradeOrder]) {
	byMarket := make(map[solana.PublicKey][]protocol.Account[protocol.TradeOrder], len(marketplaces))
	known := make(map[solana.PublicKey]struct{}, len(marketplaces))
	for _, m := range marketplaces {
		known[m.Address] = struct{}{}
	}
	for _, o := range orders {
		if _, ok := known[o.Record.Marketplace]; !ok {
			snapshot.Orphans++
			continue
		}
		byMarket[o.Record.Marketplace] = append(byMarket[o.Record.Marketplace], o)
	}

	sort.Slice(marketplaces, func(i, j int) bool {
		if marketplaces[i].Record.MarketplaceID != marketplaces[j].Record.MarketplaceID {
			return marketplaces[i].Record.MarketplaceID < marketplaces[j].Record.MarketplaceID
		}
		return marketplaces[i].Address.String() < marketplaces[j].Address.String()
	})
	snapshot.Markets = make([]Market, 0, len(marketplaces))
	for _, m := range marketplaces {
		snapshot.Markets = append(snapshot.Markets, Market{Marketplace: m, Orders: byMarket[m.Address]})
	}
}
