package protocol

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAddressDerivation   = errors.New("address derivation failed")
	ErrRecordNotFound      = errors.New("record not found")
	ErrDecode              = errors.New("decode failure")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransientRPC        = errors.New("transient rpc failure")
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrStrategyInactive    = errors.New("strategy is not active")
)

// DecodeError names the field that could not be parsed and where it started.
type DecodeError struct {
	Record string
	Field  string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s.%s at offset %d: %v", e.Record, e.Field, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

type InsufficientBalanceError struct {
	Mint solana.PublicKey
	Have uint64
	Need uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for mint %s: have %d, need %d", e.Mint, e.Have, e.Need)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// TransientError is returned once a retried read has used up its attempts.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransientRPC, e.Err}
}

// RejectedError carries the ledger's message verbatim plus a hint for known failure patterns.
type RejectedError struct {
	Signature solana.Signature
	Message   string
	Hint      string
	Err       error
}

func (e *RejectedError) Error() string {
	msg := "transaction rejected"
	if e.Signature != (solana.Signature{}) {
		msg += " (" + e.Signature.String() + ")"
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

func (e *RejectedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransactionRejected}
	}
	return []error{ErrTransactionRejected, e.Err}
}

func invalidAmount(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAmount, fmt.Sprintf(format, args...))
}
