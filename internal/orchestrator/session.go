// Package orchestrator sequences the multi-step flows that turn a user action into
// confirmed program instructions: resolve addresses, read state, prepare token
// accounts, submit, and invalidate whatever the submission changed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/yieldos/backend/internal/logging"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

// DefaultNativeFeeReserve is kept back from the native balance when wrapping, to pay
// for fees and rent of accounts the flow creates.
const DefaultNativeFeeReserve = 10_000_000

var (
	ErrPositionExists      = errors.New("position already open for this strategy")
	ErrAlreadyInitialized  = errors.New("protocol already initialized")
	ErrMarketplaceExists   = errors.New("marketplace already exists for this strategy")
	ErrMarketplaceInactive = errors.New("marketplace is not active")
	ErrOrderNotLive        = errors.New("order is not live")
	ErrNotOrderOwner       = errors.New("order belongs to another owner")
	ErrOrdersDoNotCross    = errors.New("orders do not cross")
)

// Ledger is the read side a flow needs. *ledger.Reader implements it.
type Ledger interface {
	StrategyAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.Strategy, error)
	PositionAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.UserPosition, error)
	MarketplaceAt(ctx context.Context, address solana.PublicKey, fresh bool) (*protocol.Marketplace, error)
	OrderFresh(ctx context.Context, address solana.PublicKey) (*protocol.TradeOrder, error)
	FreshCounter(ctx context.Context, address solana.PublicKey, decode func([]byte) (*protocol.Counter, error)) (*protocol.Counter, error)
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
	TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	Invalidate(addresses ...solana.PublicKey)
}

// Submitter signs and lands one transaction. *txn.Sender implements it.
type Submitter interface {
	Payer() solana.PublicKey
	Submit(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error)
}

type State int

const (
	StateResolvingAddresses State = iota
	StateReadingStrategy
	StateReadingRecords
	StateComputingSetup
	StateSubmittingSetup
	StateSubmittingMain
	StateInvalidating
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolvingAddresses:
		return "resolving_addresses"
	case StateReadingStrategy:
		return "reading_strategy"
	case StateReadingRecords:
		return "reading_records"
	case StateComputingSetup:
		return "computing_setup"
	case StateSubmittingSetup:
		return "submitting_setup"
	case StateSubmittingMain:
		return "submitting_main"
	case StateInvalidating:
		return "invalidating"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FlowError reports the state a flow was in when it failed. SetupSignature is set
// when the setup transaction landed before the failure; re-running the flow detects
// the completed setup from ledger state and skips it.
type FlowError struct {
	Flow           string
	State          State
	SetupSignature solana.Signature
	Err            error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s failed while %s: %v", e.Flow, e.State, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

type Result struct {
	Flow           string
	SetupSignature solana.Signature
	Signature      solana.Signature
	// Address is the primary record the flow created or changed.
	Address solana.PublicKey
	ID      uint64
	Amount  uint64
	// Wrapped is the native amount converted to its token form during setup.
	Wrapped uint64
}

type TransitionFunc func(flow string, from, to State)

type Session struct {
	programID    solana.PublicKey
	ledger       Ledger
	submitter    Submitter
	logger       *slog.Logger
	feeReserve   uint64
	onTransition TransitionFunc
}

type Option func(*Session)

func WithFeeReserve(lamports uint64) Option {
	return func(s *Session) {
		s.feeReserve = lamports
	}
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(s *Session) {
		s.onTransition = fn
	}
}

func NewSession(programID solana.PublicKey, ledger Ledger, submitter Submitter, logger *slog.Logger, opts ...Option) *Session {
	s := &Session{
		programID:  programID,
		ledger:     ledger,
		submitter:  submitter,
		logger:     logging.Component(logger, "orchestrator"),
		feeReserve: DefaultNativeFeeReserve,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) ProgramID() solana.PublicKey {
	return s.programID
}

type run struct {
	session *Session
	flow    string
	state   State
	logger  *slog.Logger
}

func (s *Session) begin(flow string) *run {
	return &run{session: s, flow: flow, state: StateResolvingAddresses, logger: s.logger.With("flow", flow)}
}

func (r *run) enter(next State) {
	prev := r.state
	r.state = next
	r.logger.Debug("flow transition", "from", prev, "to", next)
	if r.session.onTransition != nil {
		r.session.onTransition(r.flow, prev, next)
	}
}

func (r *run) fail(err error) error {
	return r.failAfterSetup(solana.Signature{}, err)
}

func (r *run) failAfterSetup(setupSig solana.Signature, err error) error {
	failedIn := r.state
	r.enter(StateFailed)
	if setupSig != (solana.Signature{}) {
		r.logger.Warn("setup landed but flow failed; rerun to resume", "setup_signature", setupSig, "state", failedIn, "err", err)
	} else {
		r.logger.Info("flow failed", "state", failedIn, "err", err)
	}
	return &FlowError{Flow: r.flow, State: failedIn, SetupSignature: setupSig, Err: err}
}

// submitSetup sends the batched setup instructions, if there are any.
func (r *run) submitSetup(ctx context.Context, setup []solana.Instruction) (solana.Signature, error) {
	if len(setup) == 0 {
		return solana.Signature{}, nil
	}
	r.enter(StateSubmittingSetup)
	sig, err := r.session.submitter.Submit(ctx, setup)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("setup transaction: %w", err)
	}
	r.logger.Info("setup confirmed", "signature", sig, "instructions", len(setup))
	return sig, nil
}

// submitMain sends the flow's program instructions, then evicts the touched records.
func (r *run) submitMain(ctx context.Context, setupSig solana.Signature, instructions []solana.Instruction, touched ...solana.PublicKey) (solana.Signature, error) {
	r.enter(StateSubmittingMain)
	sig, err := r.session.submitter.Submit(ctx, instructions)
	if err != nil {
		return solana.Signature{}, r.failAfterSetup(setupSig, err)
	}
	r.enter(StateInvalidating)
	r.session.ledger.Invalidate(touched...)
	r.enter(StateDone)
	r.logger.Info("flow complete", "signature", sig)
	return sig, nil
}

func (s *Session) activeStrategy(ctx context.Context, address solana.PublicKey) (*protocol.Strategy, error) {
	strategy, err := s.ledger.StrategyAt(ctx, address, false)
	if err != nil {
		return nil, err
	}
	if !strategy.IsActive {
		return nil, fmt.Errorf("strategy %s: %w", address, protocol.ErrStrategyInactive)
	}
	return strategy, nil
}

// nextID reads a counter past the cache and returns the ID the program will assign.
// A missing counter means nothing has been allocated yet.
func (s *Session) nextID(ctx context.Context, address solana.PublicKey, decode func([]byte) (*protocol.Counter, error)) (uint64, error) {
	counter, err := s.ledger.FreshCounter(ctx, address, decode)
	if errors.Is(err, protocol.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return counter.Next(), nil
}

// ensureTokenAccount returns owner's associated token account for mint, plus a
// create instruction paid by payer when it does not exist yet.
func (s *Session) ensureTokenAccount(ctx context.Context, payer, owner, mint solana.PublicKey) (solana.PublicKey, []solana.Instruction, error) {
	ata, err := protocol.DeriveAssociatedTokenAccount(owner, mint)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	exists, err := s.ledger.AccountExists(ctx, ata)
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("check token account %s: %w", ata, err)
	}
	if exists {
		return ata, nil, nil
	}
	ix, err := associatedtokenaccount.NewCreateInstruction(payer, owner, mint).ValidateAndBuild()
	if err != nil {
		return solana.PublicKey{}, nil, fmt.Errorf("build create token account: %w", err)
	}
	return ata, []solana.Instruction{ix}, nil
}

// fundTokenAccount makes owner's token account for mint hold at least need. For the
// wrapped native mint only the shortfall against the existing wrapped balance is
// wrapped; any other mint must already hold enough.
func (s *Session) fundTokenAccount(ctx context.Context, owner, mint solana.PublicKey, need uint64) (solana.PublicKey, []solana.Instruction, uint64, error) {
	ata, setup, err := s.ensureTokenAccount(ctx, owner, owner, mint)
	if err != nil {
		return solana.PublicKey{}, nil, 0, err
	}

	var have uint64
	if len(setup) == 0 {
		have, err = s.ledger.TokenBalance(ctx, ata)
		if err != nil && !errors.Is(err, protocol.ErrRecordNotFound) {
			return solana.PublicKey{}, nil, 0, fmt.Errorf("read balance of %s: %w", ata, err)
		}
	}
	if have >= need {
		return ata, setup, 0, nil
	}
	if !mint.Equals(protocol.NativeMint) {
		return solana.PublicKey{}, nil, 0, &protocol.InsufficientBalanceError{Mint: mint, Have: have, Need: need}
	}

	shortfall := need - have
	lamports, err := s.ledger.NativeBalance(ctx, owner)
	if err != nil {
		return solana.PublicKey{}, nil, 0, fmt.Errorf("read native balance: %w", err)
	}
	required := shortfall + s.feeReserve
	if lamports < required {
		return solana.PublicKey{}, nil, 0, &protocol.InsufficientBalanceError{Mint: protocol.NativeMint, Have: lamports, Need: required}
	}

	transfer, err := system.NewTransferInstruction(shortfall, owner, ata).ValidateAndBuild()
	if err != nil {
		return solana.PublicKey{}, nil, 0, fmt.Errorf("build wrap transfer: %w", err)
	}
	sync, err := token.NewSyncNativeInstruction(ata).ValidateAndBuild()
	if err != nil {
		return solana.PublicKey{}, nil, 0, fmt.Errorf("build sync native: %w", err)
	}
	return ata, append(setup, transfer, sync), shortfall, nil
}
