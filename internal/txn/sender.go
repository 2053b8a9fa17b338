package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

// RPC is the part of *rpc.Client used for submission.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type Options struct {
	Commitment                    rpc.CommitmentType
	SkipPreflight                 bool
	MaxRetries                    *uint
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	// Timeout bounds build, send and confirmation together. Zero leaves only ctx.
	Timeout      time.Duration
	PollInterval time.Duration
}

// Sender builds, signs, submits and confirms one transaction per Submit call.
type Sender struct {
	rpc    RPC
	wallet Wallet
	opts   Options
	logger *slog.Logger
}

func NewSender(client RPC, wallet Wallet, opts Options, logger *slog.Logger) *Sender {
	if opts.Commitment == "" {
		opts.Commitment = rpc.CommitmentConfirmed
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 700 * time.Millisecond
	}
	return &Sender{
		rpc:    client,
		wallet: wallet,
		opts:   opts,
		logger: logging.Component(logger, "txn"),
	}
}

func (s *Sender) Payer() solana.PublicKey {
	return s.wallet.PublicKey()
}

// Submit sends instructions as a single transaction and waits for confirmation.
// Once sent, a transaction is never retracted; ctx cancellation only stops waiting.
func (s *Sender) Submit(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	if len(instructions) == 0 {
		return solana.Signature{}, errors.New("no instructions to submit")
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	prelude, err := s.computeBudget()
	if err != nil {
		return solana.Signature{}, err
	}
	all := append(prelude, instructions...)

	sig, err := s.send(ctx, all)
	if err != nil {
		return solana.Signature{}, err
	}
	s.logger.Info("transaction submitted", "signature", sig, "instructions", len(all))

	if err := s.waitForConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	s.logger.Info("transaction confirmed", "signature", sig)
	return sig, nil
}

func (s *Sender) computeBudget() ([]solana.Instruction, error) {
	var instructions []solana.Instruction
	if s.opts.ComputeUnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(s.opts.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	if s.opts.ComputeUnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(s.opts.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	return instructions, nil
}

func (s *Sender) send(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.opts.Commitment)
	if err != nil {
		return solana.Signature{}, s.classify("get latest blockhash", err)
	}
	if recent == nil || recent.Value == nil {
		return solana.Signature{}, errors.New("get latest blockhash: empty response")
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.wallet.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	if err := s.wallet.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, err
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.opts.SkipPreflight,
		PreflightCommitment: s.opts.Commitment,
	}
	if s.opts.MaxRetries != nil {
		retries := *s.opts.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, s.classify("send transaction", err)
	}
	return sig, nil
}

// classify separates network trouble from a program-level rejection. A JSON-RPC
// error body means the node answered; unless it is a rate-limit or node-health code
// the transaction itself was refused (-32002 is a failed preflight simulation).
func (s *Sender) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if ledger.IsTransient(err) {
		return &protocol.TransientError{Op: op, Attempts: 1, Err: err}
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rejected(solana.Signature{}, rpcFailureText(rpcErr), err)
	}
	return rejected(solana.Signature{}, err.Error(), err)
}

// rpcFailureText is the node message followed by the simulation logs, if any. The
// error's own Error() is a reflective dump and is never matched against.
func rpcFailureText(e *jsonrpc.RPCError) string {
	lines := []string{e.Message}
	data, ok := e.Data.(map[string]any)
	if !ok {
		return e.Message
	}
	switch logs := data["logs"].(type) {
	case []any:
		for _, line := range logs {
			if text, ok := line.(string); ok {
				lines = append(lines, text)
			}
		}
	case []string:
		lines = append(lines, logs...)
	}
	return strings.Join(lines, "\n")
}

func (s *Sender) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return rejected(sig, fmt.Sprintf("%v", status.Err), nil)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
