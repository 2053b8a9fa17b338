package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/coldbell/yieldos/backend/internal/protocol"
)

// Transport is the network boundary for reads. FetchAccount and TokenAccountBalance
// return protocol.ErrRecordNotFound when the account does not exist.
type Transport interface {
	FetchAccount(ctx context.Context, address solana.PublicKey) ([]byte, error)
	ScanProgramAccounts(ctx context.Context, programID solana.PublicKey, filters []Filter) ([]KeyedAccount, error)
	TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
}

// Filter is either a byte-range equality check (Bytes at Offset) or an exact
// account size match (DataSize), or both.
type Filter struct {
	Offset   uint64
	Bytes    []byte
	DataSize uint64
}

func MemcmpFilter(offset uint64, raw []byte) Filter {
	return Filter{Offset: offset, Bytes: raw}
}

func DataSizeFilter(size uint64) Filter {
	return Filter{DataSize: size}
}

type KeyedAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// Matches applies the filters locally, the same way the RPC node does.
func (f Filter) Matches(data []byte) bool {
	if f.DataSize > 0 && uint64(len(data)) != f.DataSize {
		return false
	}
	if len(f.Bytes) == 0 {
		return true
	}
	end := f.Offset + uint64(len(f.Bytes))
	if end > uint64(len(data)) {
		return false
	}
	return string(data[f.Offset:end]) == string(f.Bytes)
}

type RPCTransport struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewRPCTransport(client *rpc.Client, commitment rpc.CommitmentType) *RPCTransport {
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	return &RPCTransport{client: client, commitment: commitment}
}

func (t *RPCTransport) FetchAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	resp, err := t.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: t.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, protocol.ErrRecordNotFound
		}
		return nil, err
	}
	if resp == nil || resp.Value == nil || resp.Value.Data == nil {
		return nil, protocol.ErrRecordNotFound
	}
	return resp.Value.Data.GetBinary(), nil
}

func (t *RPCTransport) ScanProgramAccounts(ctx context.Context, programID solana.PublicKey, filters []Filter) ([]KeyedAccount, error) {
	opts := &rpc.GetProgramAccountsOpts{
		Commitment: t.commitment,
		Encoding:   solana.EncodingBase64,
	}
	for _, f := range filters {
		if f.DataSize > 0 {
			opts.Filters = append(opts.Filters, rpc.RPCFilter{DataSize: f.DataSize})
		}
		if len(f.Bytes) > 0 {
			opts.Filters = append(opts.Filters, rpc.RPCFilter{
				Memcmp: &rpc.RPCFilterMemcmp{Offset: f.Offset, Bytes: solana.Base58(f.Bytes)},
			})
		}
	}

	accounts, err := t.client.GetProgramAccountsWithOpts(ctx, programID, opts)
	if err != nil {
		return nil, err
	}
	out := make([]KeyedAccount, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil || item.Account.Data == nil {
			continue
		}
		out = append(out, KeyedAccount{Address: item.Pubkey, Data: item.Account.Data.GetBinary()})
	}
	return out, nil
}

func (t *RPCTransport) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	resp, err := t.client.GetTokenAccountBalance(ctx, account, t.commitment)
	if err != nil {
		if isMissingAccount(err) {
			return 0, protocol.ErrRecordNotFound
		}
		return 0, err
	}
	if resp == nil || resp.Value == nil {
		return 0, protocol.ErrRecordNotFound
	}
	amount, err := strconv.ParseUint(resp.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse token balance %q: %w", resp.Value.Amount, err)
	}
	return amount, nil
}

func (t *RPCTransport) NativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	resp, err := t.client.GetBalance(ctx, owner, t.commitment)
	if err != nil {
		return 0, err
	}
	if resp == nil {
		return 0, nil
	}
	return resp.Value, nil
}

func isMissingAccount(err error) bool {
	if errors.Is(err, rpc.ErrNotFound) {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "invalid param: could not find")
}
