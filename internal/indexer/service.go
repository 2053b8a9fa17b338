package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
	"github.com/coldbell/yieldos/backend/internal/store"
)

type Ledger interface {
	Strategies(ctx context.Context) ([]protocol.Account[protocol.Strategy], error)
}

type BookScanner interface {
	Scan(ctx context.Context) (*orderbook.Snapshot, error)
	ScanStrategies(ctx context.Context, strategyIDs []uint64) (*orderbook.Snapshot, error)
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot store.Snapshot) error
}

// AccountWatcher is satisfied by *ledger.Watcher.
type AccountWatcher interface {
	Run(ctx context.Context, addresses []solana.PublicKey) error
}

type Service struct {
	cfg     config.IndexerConfig
	ledger  Ledger
	scanner BookScanner
	store   SnapshotStore
	watcher AccountWatcher
	logger  *slog.Logger

	changed chan struct{}

	watchMu     sync.Mutex
	watchKey    string
	watchCancel context.CancelFunc
}

type Option func(*Service)

// WithWatcher keeps a push subscription on every indexed strategy and marketplace.
// Pair it with the watcher's OnChange(svc.Notify) to resync as soon as one changes.
func WithWatcher(w AccountWatcher) Option {
	return func(s *Service) {
		s.watcher = w
	}
}

func New(cfg config.IndexerConfig, l Ledger, scanner BookScanner, st SnapshotStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		ledger:  l,
		scanner: scanner,
		store:   st,
		logger:  logging.Component(logger, "indexer"),
		changed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify requests a sync ahead of the next tick. It never blocks.
func (s *Service) Notify(solana.PublicKey) {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer s.stopWatching()

	s.logger.Info("indexer started",
		"rpc", s.cfg.Ledger.RPCURL,
		"program", s.cfg.Ledger.ProgramID,
		"poll_interval", s.cfg.PollInterval.String(),
		"heuristic_scan", s.cfg.HeuristicScan,
		"watcher", s.watcher != nil,
	)

	if _, err := s.SyncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
		case <-s.changed:
			s.logger.Debug("account change reported, syncing early")
		}
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sync failed", "err", err)
		}
	}
}

// SyncOnce runs one pass: enumerate strategies, recover the order book and
// persist both in a single store transaction.
func (s *Service) SyncOnce(ctx context.Context) (store.Snapshot, error) {
	started := time.Now()
	strategies, err := s.ledger.Strategies(ctx)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("enumerate strategies: %w", err)
	}

	var book *orderbook.Snapshot
	if s.cfg.HeuristicScan {
		book, err = s.scanner.Scan(ctx)
	} else {
		ids := make([]uint64, 0, len(strategies))
		for _, strategy := range strategies {
			ids = append(ids, strategy.Record.StrategyID)
		}
		book, err = s.scanner.ScanStrategies(ctx, ids)
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("scan order book: %w", err)
	}

	snapshot := store.Snapshot{Strategies: strategies, Book: book}
	if err := s.store.SaveSnapshot(ctx, snapshot); err != nil {
		return store.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	orders := 0
	for _, market := range book.Markets {
		orders += len(market.Orders)
	}
	s.logger.Info("sync complete",
		"strategies", len(strategies),
		"marketplaces", len(book.Markets),
		"orders", orders,
		"orphans", book.Orphans,
		"skipped", book.Skipped,
		"elapsed", time.Since(started).String(),
	)

	s.watch(ctx, watchedAddresses(snapshot))
	return snapshot, nil
}

func watchedAddresses(snapshot store.Snapshot) []solana.PublicKey {
	out := make([]solana.PublicKey, 0, len(snapshot.Strategies))
	for _, strategy := range snapshot.Strategies {
		out = append(out, strategy.Address)
	}
	if snapshot.Book != nil {
		for _, market := range snapshot.Book.Markets {
			out = append(out, market.Marketplace.Address)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// watch restarts the subscription when the indexed address set changes.
func (s *Service) watch(ctx context.Context, addresses []solana.PublicKey) {
	if s.watcher == nil || len(addresses) == 0 {
		return
	}
	keys := make([]string, len(addresses))
	for i, address := range addresses {
		keys[i] = address.String()
	}
	key := strings.Join(keys, ",")

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if key == s.watchKey {
		return
	}
	if s.watchCancel != nil {
		s.watchCancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchKey = key
	s.watchCancel = cancel
	s.logger.Info("watching accounts", "count", len(addresses))
	go func() {
		if err := s.watcher.Run(watchCtx, addresses); err != nil && watchCtx.Err() == nil {
			s.logger.Warn("account watcher exited", "err", err)
		}
	}()
}

func (s *Service) stopWatching() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
		s.watchKey = ""
	}
}
