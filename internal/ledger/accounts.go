package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/cache"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

func fetchRecord[T any](
	ctx context.Context,
	r *Reader,
	address solana.PublicKey,
	class cache.Class,
	fresh bool,
	decode func([]byte) (*T, error),
) (*T, error) {
	key := address.String()
	if !fresh {
		if hit, ok := cache.Lookup[*T](r.cache, key); ok {
			r.logger.Debug("cache hit", "address", key, "class", class)
			return hit, nil
		}
	}
	data, err := r.FetchAccount(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", class, address, err)
	}
	record, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", address, err)
	}
	r.cache.Put(key, class, record)
	return record, nil
}

func (r *Reader) StrategyCounter(ctx context.Context) (*protocol.Counter, error) {
	address, _, err := protocol.DeriveStrategyCounterPDA(r.programID)
	if err != nil {
		return nil, err
	}
	return fetchRecord(ctx, r, address, cache.ClassCounter, false, protocol.DecodeStrategyCounter)
}

func (r *Reader) MarketplaceCounter(ctx context.Context) (*protocol.Counter, error) {
	address, _, err := protocol.DeriveMarketplaceCounterPDA(r.programID)
	if err != nil {
		return nil, err
	}
	return fetchRecord(ctx, r, address, cache.ClassCounter, false, protocol.DecodeMarketplaceCounter)
}

func (r *Reader) OrderCounter(ctx context.Context) (*protocol.Counter, error) {
	address, _, err := protocol.DeriveOrderCounterPDA(r.programID)
	if err != nil {
		return nil, err
	}
	return fetchRecord(ctx, r, address, cache.ClassCounter, false, protocol.DecodeOrderCounter)
}

// FreshCounter bypasses the cache; ID allocation must see the latest count.
func (r *Reader) FreshCounter(ctx context.Context, address solana.PublicKey, decode func([]byte) (*protocol.Counter, error)) (*protocol.Counter, error) {
	return fetchRecord(ctx, r, address, cache.ClassCounter, true, decode)
}

func (r *Reader) Strategy(ctx context.Context, strategyID uint64) (*protocol.Strategy, error) {
	address, _, err := protocol.DeriveStrategyPDA(r.programID, strategyID)
	if err != nil {
		return nil, err
	}
	return r.StrategyAt(ctx, address, false)
}

func (r *Reader) StrategyAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.Strategy, error) {
	return fetchRecord(ctx, r, address, cache.ClassStrategy, fresh, protocol.DecodeStrategy)
}

// Strategies reads strategies 1..count one at a time, pausing between requests.
// IDs that do not exist are skipped, as are records that fail to decode.
func (r *Reader) Strategies(ctx context.Context) ([]protocol.Account[protocol.Strategy], error) {
	counter, err := r.StrategyCounter(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	r.enumMu.Lock()
	defer r.enumMu.Unlock()

	out := make([]protocol.Account[protocol.Strategy], 0, counter.Count)
	for id := uint64(1); id <= counter.Count; id++ {
		if id > 1 {
			if err := sleepContext(ctx, r.opts.EnumerationDelay); err != nil {
				return out, err
			}
		}
		address, _, err := protocol.DeriveStrategyPDA(r.programID, id)
		if err != nil {
			return out, err
		}
		strategy, err := r.StrategyAt(ctx, address, false)
		switch {
		case err == nil:
			out = append(out, protocol.Account[protocol.Strategy]{Address: address, Record: *strategy})
		case errors.Is(err, protocol.ErrRecordNotFound):
			r.logger.Debug("strategy id not found", "strategy_id", id)
		case errors.Is(err, protocol.ErrDecode):
			r.logger.Warn("skipping undecodable strategy", "strategy_id", id, "address", address, "err", err)
		default:
			return out, err
		}
	}
	return out, nil
}

func (r *Reader) UserPosition(ctx context.Context, owner solana.PublicKey, strategyID uint64) (*protocol.UserPosition, error) {
	return r.userPosition(ctx, owner, strategyID, false)
}

// UserPositionFresh always goes to the ledger; used right before withdrawing everything.
func (r *Reader) UserPositionFresh(ctx context.Context, owner solana.PublicKey, strategyID uint64) (*protocol.UserPosition, error) {
	return r.userPosition(ctx, owner, strategyID, true)
}

func (r *Reader) userPosition(ctx context.Context, owner solana.PublicKey, strategyID uint64, fresh bool) (*protocol.UserPosition, error) {
	strategy, _, err := protocol.DeriveStrategyPDA(r.programID, strategyID)
	if err != nil {
		return nil, err
	}
	address, _, err := protocol.DeriveUserPositionPDA(r.programID, owner, strategy)
	if err != nil {
		return nil, err
	}
	return r.PositionAt(ctx, address, fresh)
}

func (r *Reader) PositionAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.UserPosition, error) {
	return fetchRecord(ctx, r, address, cache.ClassPosition, fresh, protocol.DecodeUserPosition)
}

// UserPositions finds every position owned by owner by matching the discriminator
// and the owner key at their fixed offsets.
func (r *Reader) UserPositions(ctx context.Context, owner solana.PublicKey) ([]protocol.Account[protocol.UserPosition], error) {
	ownerOffset, ok := protocol.UserPositionLayout.Offset("user")
	if !ok {
		return nil, fmt.Errorf("user position layout has no static owner offset")
	}
	disc := protocol.UserPositionLayout.Discriminator
	accounts, err := r.CachedScan(ctx, "positions:"+owner.String(),
		MemcmpFilter(0, disc[:]),
		MemcmpFilter(uint64(ownerOffset), owner[:]),
	)
	if err != nil {
		return nil, fmt.Errorf("scan positions of %s: %w", owner, err)
	}

	out := make([]protocol.Account[protocol.UserPosition], 0, len(accounts))
	for _, account := range accounts {
		position, ok := protocol.TryDecodeUserPosition(account.Data)
		if !ok {
			r.logger.Warn("skipping implausible position", "address", account.Address, "size", len(account.Data))
			continue
		}
		r.cache.Put(account.Address.String(), cache.ClassPosition, position)
		out = append(out, protocol.Account[protocol.UserPosition]{Address: account.Address, Record: *position})
	}
	return out, nil
}

func (r *Reader) Marketplace(ctx context.Context, strategyID uint64) (*protocol.Marketplace, error) {
	strategy, _, err := protocol.DeriveStrategyPDA(r.programID, strategyID)
	if err != nil {
		return nil, err
	}
	address, _, err := protocol.DeriveMarketplacePDA(r.programID, strategy)
	if err != nil {
		return nil, err
	}
	return r.MarketplaceAt(ctx, address, false)
}

func (r *Reader) MarketplaceAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.Marketplace, error) {
	return fetchRecord(ctx, r, address, cache.ClassMarketplace, fresh, protocol.DecodeMarketplace)
}

func (r *Reader) Order(ctx context.Context, address solana.PublicKey) (*protocol.TradeOrder, error) {
	return fetchRecord(ctx, r, address, cache.ClassOrder, false, protocol.DecodeTradeOrder)
}

func (r *Reader) OrderFresh(ctx context.Context, address solana.PublicKey) (*protocol.TradeOrder, error) {
	return fetchRecord(ctx, r, address, cache.ClassOrder, true, protocol.DecodeTradeOrder)
}
