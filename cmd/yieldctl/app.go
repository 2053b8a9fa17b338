package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/yieldos/backend/internal/config"
	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/orchestrator"
	"github.com/coldbell/yieldos/backend/internal/orderbook"
	"github.com/coldbell/yieldos/backend/internal/protocol"
	"github.com/coldbell/yieldos/backend/internal/txn"
)

// app holds what the commands share. The keypair is only loaded by commands
// that sign or need a default owner.
type app struct {
	programID solana.PublicKey
	reader    *ledger.Reader
	scanner   *orderbook.Scanner
	out       io.Writer
	errOut    io.Writer
	logger    *slog.Logger

	walletOnce  sync.Once
	loadWallet  func() (txn.Wallet, error)
	wallet      txn.Wallet
	walletErr   error
	newSession  func(txn.Wallet) *orchestrator.Session
	sessionOnce sync.Once
	session     *orchestrator.Session
}

func newApp(cfg config.ClientConfig, out, errOut io.Writer, logger *slog.Logger) *app {
	client := rpc.New(cfg.Ledger.RPCURL)
	reader := ledger.NewReader(ledger.NewRPCTransport(client, cfg.Ledger.Commitment), cfg.Ledger.ProgramID, cfg.Ledger.ReaderOptions(), logger)
	return &app{
		programID: cfg.Ledger.ProgramID,
		reader:    reader,
		scanner:   orderbook.NewScanner(reader, logger),
		out:       out,
		errOut:    errOut,
		logger:    logger,
		loadWallet: func() (txn.Wallet, error) {
			return txn.LoadKeypairWallet(cfg.Tx.KeypairPath)
		},
		newSession: func(w txn.Wallet) *orchestrator.Session {
			sender := txn.NewSender(client, w, cfg.Tx.SenderOptions(cfg.Ledger.Commitment), logger)
			return orchestrator.NewSession(cfg.Ledger.ProgramID, reader, sender, logger,
				orchestrator.WithFeeReserve(cfg.Tx.NativeFeeReserve),
			)
		},
	}
}

func (a *app) keypair() (txn.Wallet, error) {
	a.walletOnce.Do(func() {
		a.wallet, a.walletErr = a.loadWallet()
	})
	return a.wallet, a.walletErr
}

func (a *app) signer() (*orchestrator.Session, error) {
	w, err := a.keypair()
	if err != nil {
		return nil, err
	}
	a.sessionOnce.Do(func() {
		a.session = a.newSession(w)
	})
	return a.session, nil
}

// mintDecimals reads the decimals byte of an SPL mint.
func (a *app) mintDecimals(ctx context.Context, mint solana.PublicKey) (int32, error) {
	if mint.Equals(protocol.NativeMint) {
		return protocol.NativeDecimals, nil
	}
	data, err := a.reader.FetchAccount(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("read mint %s: %w", mint, err)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(data).Decode(&m); err != nil {
		return 0, fmt.Errorf("decode mint %s: %w", mint, err)
	}
	return int32(m.Decimals), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type resultView struct {
	Flow           string `json:"flow"`
	Signature      string `json:"signature"`
	SetupSignature string `json:"setup_signature,omitempty"`
	Address        string `json:"address,omitempty"`
	ID             uint64 `json:"id,omitempty"`
	Amount         string `json:"amount,omitempty"`
	Wrapped        string `json:"wrapped,omitempty"`
}

// printResult reports a flow's outcome with amounts at the given decimals.
func (a *app) printResult(res *orchestrator.Result, decimals int32) error {
	view := resultView{
		Flow:      res.Flow,
		Signature: res.Signature.String(),
		ID:        res.ID,
	}
	if res.SetupSignature != (solana.Signature{}) {
		view.SetupSignature = res.SetupSignature.String()
	}
	if !res.Address.IsZero() {
		view.Address = res.Address.String()
	}
	if res.Amount > 0 {
		view.Amount = protocol.FormatUnits(res.Amount, decimals).String()
	}
	if res.Wrapped > 0 {
		view.Wrapped = protocol.FormatUnits(res.Wrapped, protocol.NativeDecimals).String()
	}
	return a.printJSON(view)
}
