package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/time/rate"

	"github.com/coldbell/yieldos/backend/internal/cache"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type Options struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	// EnumerationDelay separates consecutive reads of one logical sequence (strategies 1..N).
	EnumerationDelay time.Duration
	TTLs             cache.TTLs
	Clock            func() time.Time
}

func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 4,
		Burst:             2,
		MaxRetries:        4,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     8 * time.Second,
		EnumerationDelay:  300 * time.Millisecond,
		TTLs:              cache.DefaultTTLs(),
	}
}

// Reader reads and decodes program records through a Transport, caching decoded values.
type Reader struct {
	transport Transport
	programID solana.PublicKey
	cache     *cache.Cache[string]
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger

	// enumMu serializes enumeration sequences so two listings never interleave.
	enumMu sync.Mutex
}

func NewReader(transport Transport, programID solana.PublicKey, opts Options, logger *slog.Logger) *Reader {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	var cacheOpts []cache.Option
	if opts.Clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(opts.Clock))
	}
	return &Reader{
		transport: transport,
		programID: programID,
		cache:     cache.New[string](opts.TTLs, cacheOpts...),
		limiter:   rate.NewLimiter(limit, burst),
		opts:      opts,
		logger:    logging.Component(logger, "ledger"),
	}
}

func (r *Reader) ProgramID() solana.PublicKey {
	return r.programID
}

func (r *Reader) Cache() *cache.Cache[string] {
	return r.cache
}

// Invalidate evicts the given addresses and every cached scan result, since a scan
// may include any of them.
func (r *Reader) Invalidate(addresses ...solana.PublicKey) {
	keys := make([]string, 0, len(addresses))
	for _, address := range addresses {
		keys = append(keys, address.String())
	}
	r.cache.Invalidate(keys...)
	r.cache.InvalidateClass(cache.ClassScan)
}

// FetchAccount returns the raw account bytes, or protocol.ErrRecordNotFound.
func (r *Reader) FetchAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	var data []byte
	err := r.call(ctx, "get account "+address.String(), func(ctx context.Context) error {
		var err error
		data, err = r.transport.FetchAccount(ctx, address)
		return err
	})
	return data, err
}

// AccountExists treats "not found" as a normal answer rather than an error.
func (r *Reader) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	_, err := r.FetchAccount(ctx, address)
	if errors.Is(err, protocol.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reader) ScanProgramAccounts(ctx context.Context, filters ...Filter) ([]KeyedAccount, error) {
	var accounts []KeyedAccount
	err := r.call(ctx, "scan program accounts", func(ctx context.Context) error {
		var err error
		accounts, err = r.transport.ScanProgramAccounts(ctx, r.programID, filters)
		return err
	})
	return accounts, err
}

// CachedScan is ScanProgramAccounts with the raw result held under key for the scan TTL.
func (r *Reader) CachedScan(ctx context.Context, key string, filters ...Filter) ([]KeyedAccount, error) {
	cacheKey := "scan:" + key
	if hit, ok := cache.Lookup[[]KeyedAccount](r.cache, cacheKey); ok {
		r.logger.Debug("scan cache hit", "key", key, "accounts", len(hit))
		return hit, nil
	}
	accounts, err := r.ScanProgramAccounts(ctx, filters...)
	if err != nil {
		return nil, err
	}
	r.cache.Put(cacheKey, cache.ClassScan, accounts)
	return accounts, nil
}

// TokenBalance returns the raw token amount held by a token account.
func (r *Reader) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var amount uint64
	err := r.call(ctx, "get token balance "+account.String(), func(ctx context.Context) error {
		var err error
		amount, err = r.transport.TokenAccountBalance(ctx, account)
		return err
	})
	return amount, err
}

func (r *Reader) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	var lamports uint64
	err := r.call(ctx, "get balance "+owner.String(), func(ctx context.Context) error {
		var err error
		lamports, err = r.transport.NativeBalance(ctx, owner)
		return err
	})
	return lamports, err
}

// call runs fn under the rate limiter and retries transient failures a bounded
// number of times with capped doubling backoff.
func (r *Reader) call(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.opts.MaxRetries + 1
	delay := r.opts.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		r.logger.Debug("retrying rpc call", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
		delay = nextBackoff(delay, r.opts.RetryBaseDelay, r.opts.RetryMaxDelay)
	}
	r.logger.Warn("rpc retries exhausted", "op", op, "attempts", attempts, "err", lastErr)
	return &protocol.TransientError{Op: op, Attempts: attempts, Err: lastErr}
}

// IsTransient reports whether err is rate limiting or a network hiccup. It looks at
// error types and status codes only; a JSON-RPC error body is an answer from the
// node and is transient only for the rate-limit and node-health codes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, protocol.ErrRecordNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, protocol.ErrTransientRPC) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		_, ok := transientRPCCodes[rpcErr.Code]
		return ok
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests || httpErr.Code >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED)
}

var transientRPCCodes = map[int]struct{}{
	http.StatusTooManyRequests: {},
	-32429:                     {}, // rate limited (provider extension)
	-32005:                     {}, // node is unhealthy / behind
	-32004:                     {}, // block not available yet
	-32014:                     {}, // block status not available yet
}

func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	if current < floor {
		current = floor
	}
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
