package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/indexer"
	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/store"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadIndexerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("indexer", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()

	transport := ledger.NewRPCTransport(rpc.New(cfg.Ledger.RPCURL), cfg.Ledger.Commitment)
	reader := ledger.NewReader(transport, cfg.Ledger.ProgramID, cfg.Ledger.ReaderOptions(), logger)
	scanner := orderbook.NewScanner(reader, logger)

	var svc *indexer.Service
	var opts []indexer.Option
	if cfg.EnableWatcher {
		watcher := ledger.NewWatcher(cfg.Ledger.WSURL, reader, logger,
			ledger.WithCommitment(string(cfg.Ledger.Commitment)),
			ledger.OnChange(func(address solana.PublicKey) { svc.Notify(address) }),
		)
		opts = append(opts, indexer.WithWatcher(watcher))
	}
	svc = indexer.New(cfg, reader, scanner, st, logger, opts...)

	if err := svc.Run(ctx); err != nil {
		logger.Error("indexer exited with error", "err", err)
		os.Exit(1)
	}
}
