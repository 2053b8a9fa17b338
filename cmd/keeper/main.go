package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go/rpc"
	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/keeper"
	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/orchestrator"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/txn"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadKeeperConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("keeper", cfg.Log)
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

	wallet, err := txn.LoadKeypairWallet(cfg.Tx.KeypairPath)
	if err != nil {
		logger.Error("failed to load executor keypair", "err", err)
		os.Exit(1)
	}

	client := rpc.New(cfg.Ledger.RPCURL)
	reader := ledger.NewReader(ledger.NewRPCTransport(client, cfg.Ledger.Commitment), cfg.Ledger.ProgramID, cfg.Ledger.ReaderOptions(), logger)
	sender := txn.NewSender(client, wallet, cfg.Tx.SenderOptions(cfg.Ledger.Commitment), logger)
	session := orchestrator.NewSession(cfg.Ledger.ProgramID, reader, sender, logger,
		orchestrator.WithFeeReserve(cfg.Tx.NativeFeeReserve),
	)
	svc := keeper.New(cfg, reader, orderbook.NewScanner(reader, logger), session, logger)
	logger.Info("executor loaded", "pubkey", wallet.PublicKey())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("keeper exited with error", "err", err)
		os.Exit(1)
	}
}
