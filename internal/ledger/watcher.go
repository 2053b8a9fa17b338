package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/coldbell/yieldos/backend/internal/logging"
)

const (
	maxWatcherBackoff       = 30 * time.Second
	websocketReadLimitBytes = 16 << 20
	websocketWriteTimeout   = 5 * time.Second
)

type Invalidator interface {
	Invalidate(addresses ...solana.PublicKey)
}

// Watcher subscribes to account changes over the JSON-RPC websocket and evicts the
// matching cache entries whenever the ledger reports a write.
type Watcher struct {
	endpoint   string
	commitment string
	target     Invalidator
	logger     *slog.Logger
	minBackoff time.Duration
	onChange   func(solana.PublicKey)
}

type WatcherOption func(*Watcher)

func WithCommitment(commitment string) WatcherOption {
	return func(w *Watcher) {
		if commitment != "" {
			w.commitment = commitment
		}
	}
}

func WithReconnectDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.minBackoff = d
	}
}

// OnChange registers a callback run after each invalidation.
func OnChange(fn func(solana.PublicKey)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

func NewWatcher(endpoint string, target Invalidator, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		endpoint:   endpoint,
		commitment: "confirmed",
		target:     target,
		logger:     logging.Component(logger, "ledger-watcher"),
		minBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
	} `json:"params,omitempty"`
}

// Run keeps the subscriptions alive until ctx is cancelled, reconnecting with
// capped doubling backoff.
func (w *Watcher) Run(ctx context.Context, addresses []solana.PublicKey) error {
	if len(addresses) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	backoff := w.minBackoff
	for {
		err := w.runOnce(ctx, addresses)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.Warn("account watcher disconnected", "err", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = nextBackoff(backoff, w.minBackoff, maxWatcherBackoff)
	}
}

func (w *Watcher) runOnce(ctx context.Context, addresses []solana.PublicKey) error {
	conn, _, err := dialWebsocket(ctx, w.endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.endpoint, err)
	}
	defer conn.Close()
	stop := closeConnOnContextDone(ctx, conn)
	defer stop()

	pending := make(map[uint64]solana.PublicKey, len(addresses))
	for i, address := range addresses {
		id := uint64(i + 1)
		pending[id] = address
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "accountSubscribe",
			Params: []any{
				address.String(),
				map[string]string{"encoding": "base64", "commitment": w.commitment},
			},
		}
		if err := writeWebsocketJSON(conn, req); err != nil {
			return fmt.Errorf("subscribe %s: %w", address, err)
		}
	}

	// Anything may have changed while disconnected.
	w.target.Invalidate(addresses...)

	subscriptions := make(map[uint64]solana.PublicKey, len(addresses))
	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch {
		case msg.ID != nil:
			address, ok := pending[*msg.ID]
			if !ok {
				continue
			}
			delete(pending, *msg.ID)
			if msg.Error != nil {
				return fmt.Errorf("subscribe %s: rpc error %d: %s", address, msg.Error.Code, msg.Error.Message)
			}
			var subID uint64
			if err := json.Unmarshal(msg.Result, &subID); err != nil {
				return fmt.Errorf("subscribe %s: decode subscription id: %w", address, err)
			}
			subscriptions[subID] = address
			w.logger.Debug("account subscribed", "address", address, "subscription", subID)
		case msg.Method == "accountNotification" && msg.Params != nil:
			address, ok := subscriptions[msg.Params.Subscription]
			if !ok {
				continue
			}
			w.target.Invalidate(address)
			w.logger.Debug("account changed", "address", address)
			if w.onChange != nil {
				w.onChange(address)
			}
		}
	}
}

func dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	return conn, resp, nil
}

func writeWebsocketJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(value)
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
