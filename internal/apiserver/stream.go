package apiserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/coldbell/yieldos/backend/internal/store"
)

const (
	defaultStreamInterval = 2 * time.Second
	streamReadDeadline    = 90 * time.Second
	streamWriteTimeout    = 10 * time.Second
	streamOrdersLimit     = 200
)

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

// handleWebsocket pushes snapshot data for subscribed channels every couple of
// seconds. Channels: "sync.status" and "orders.<marketplace>".
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		return s.isOriginAllowed(strings.TrimSpace(req.Header.Get("Origin")))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	stream := &streamConn{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, stream, subs, readErrCh)

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			for _, channel := range subs.List() {
				payload, err := s.channelPayload(ctx, channel)
				if err != nil {
					s.logger.Warn("stream channel fetch failed", "channel", channel, "err", err)
					_ = stream.write(websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := stream.write(websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, stream *streamConn, subs *subscriptionSet, readErrCh chan<- error) {
	conn := stream.conn
	conn.SetReadLimit(64 << 10)
	if err := conn.SetReadDeadline(time.Now().Add(streamReadDeadline)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		channel := strings.TrimSpace(message.Channel)
		if !validChannel(channel) {
			_ = stream.write(websocketEnvelope{Type: "error", Channel: channel, Error: "unknown channel", TS: time.Now().Unix()})
			continue
		}
		switch strings.ToLower(strings.TrimSpace(message.Type)) {
		case "subscribe":
			subs.Add(channel)
		case "unsubscribe":
			subs.Remove(channel)
		}
	}
}

func validChannel(channel string) bool {
	if channel == "sync.status" {
		return true
	}
	if marketplace, ok := strings.CutPrefix(channel, "orders."); ok {
		_, err := solana.PublicKeyFromBase58(marketplace)
		return err == nil
	}
	return false
}

func (s *Service) channelPayload(ctx context.Context, channel string) (any, error) {
	if channel == "sync.status" {
		state, err := s.store.LoadSyncState(ctx)
		if err != nil || state == nil {
			return nil, err
		}
		return state, nil
	}
	if marketplace, ok := strings.CutPrefix(channel, "orders."); ok {
		items, _, _, err := s.store.ListOrders(ctx, store.OrderFilter{Marketplace: marketplace, Limit: streamOrdersLimit})
		if err != nil {
			return nil, err
		}
		return map[string]any{"marketplace": marketplace, "orders": items}, nil
	}
	return nil, nil
}

// streamConn serialises writes; the read loop answers bad subscriptions while the
// push loop is writing events.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) write(payload websocketEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	return out
}
