package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/store"
)

// Store is the read side of *store.Store the API serves from.
type Store interface {
	Ping(ctx context.Context) error
	ListStrategies(ctx context.Context, filter store.StrategyFilter) ([]store.StrategyRecord, int, int, error)
	ListMarketplaces(ctx context.Context, filter store.MarketplaceFilter) ([]store.MarketplaceRecord, int, int, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]store.OrderRecord, int, int, error)
	LoadSyncState(ctx context.Context) (*store.SyncState, error)
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            Store
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
	streamInterval   time.Duration
}

func New(cfg config.APIServerConfig, st Store, logger *slog.Logger) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logging.Component(logger, "api"),
		store:            st,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
		streamInterval:   defaultStreamInterval,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/strategies", s.handleStrategies)
	mux.HandleFunc("/v1/marketplaces", s.handleMarketplaces)
	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type statusResponse struct {
	Synced bool             `json:"synced"`
	State  *store.SyncState `json:"state,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", "err", err)
		s.respondJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false})
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	state, err := s.store.LoadSyncState(r.Context())
	if err != nil {
		s.logger.Error("load sync state failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load sync state")
		return
	}
	s.respondJSON(w, http.StatusOK, statusResponse{Synced: state != nil, State: state})
}

func (s *Service) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	activeOnly, err := parseOptionalBool(r, "active")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListStrategies(r.Context(), store.StrategyFilter{
		ActiveOnly: activeOnly,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("list strategies failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[store.StrategyRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleMarketplaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	strategy, err := parseOptionalPubkey(r, "strategy")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListMarketplaces(r.Context(), store.MarketplaceFilter{
		Strategy: strategy,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.logger.Error("list marketplaces failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list marketplaces")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[store.MarketplaceRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	marketplace, err := parseOptionalPubkey(r, "marketplace")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, err := parseOptionalPubkey(r, "owner")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	side := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("side")))
	if side != "" && side != "buy" && side != "sell" {
		s.respondError(w, http.StatusBadRequest, "invalid side: expected buy|sell")
		return
	}
	includeClosed, err := parseOptionalBool(r, "include_closed")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListOrders(r.Context(), store.OrderFilter{
		Marketplace:   marketplace,
		Owner:         owner,
		Side:          side,
		IncludeClosed: includeClosed,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.logger.Error("list orders failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[store.OrderRecord]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Requests without an Origin header are not cross-origin and always pass.
func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func parsePage(r *http.Request) (int, int, error) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseOptionalPubkey(r *http.Request, key string) (string, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return "", nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return "", fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk.String(), nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
