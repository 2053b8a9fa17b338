// Package ledgertest provides an in-memory ledger.Transport for tests.
package ledgertest

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/yieldos/backend/internal/ledger"
	"github.com/coldbell/yieldos/backend/internal/protocol"
)

type Transport struct {
	mu             sync.Mutex
	accounts       map[solana.PublicKey][]byte
	tokenBalances  map[solana.PublicKey]uint64
	nativeBalances map[solana.PublicKey]uint64
	failures       []error
	calls          int
	scans          int
	fetched        map[solana.PublicKey]int
}

var _ ledger.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{
		accounts:       make(map[solana.PublicKey][]byte),
		tokenBalances:  make(map[solana.PublicKey]uint64),
		nativeBalances: make(map[solana.PublicKey]uint64),
		fetched:        make(map[solana.PublicKey]int),
	}
}

func (t *Transport) SetAccount(address solana.PublicKey, data []byte) {
	t.mu.Lock()
	t.accounts[address] = append([]byte(nil), data...)
	t.mu.Unlock()
}

func (t *Transport) DeleteAccount(address solana.PublicKey) {
	t.mu.Lock()
	delete(t.accounts, address)
	t.mu.Unlock()
}

// SetTokenBalance also marks the token account as existing.
func (t *Transport) SetTokenBalance(account solana.PublicKey, amount uint64) {
	t.mu.Lock()
	t.tokenBalances[account] = amount
	if _, ok := t.accounts[account]; !ok {
		t.accounts[account] = make([]byte, 165)
	}
	t.mu.Unlock()
}

func (t *Transport) SetNativeBalance(owner solana.PublicKey, lamports uint64) {
	t.mu.Lock()
	t.nativeBalances[owner] = lamports
	t.mu.Unlock()
}

// FailNext queues errors returned by the next calls, in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	t.failures = append(t.failures, errs...)
	t.mu.Unlock()
}

// Calls counts every request, including failed ones.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *Transport) Scans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scans
}

func (t *Transport) Fetches(address solana.PublicKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetched[address]
}

func (t *Transport) begin() error {
	t.calls++
	if len(t.failures) == 0 {
		return nil
	}
	err := t.failures[0]
	t.failures = t.failures[1:]
	return err
}

func (t *Transport) FetchAccount(_ context.Context, address solana.PublicKey) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return nil, err
	}
	t.fetched[address]++
	data, ok := t.accounts[address]
	if !ok {
		return nil, protocol.ErrRecordNotFound
	}
	return append([]byte(nil), data...), nil
}

func (t *Transport) ScanProgramAccounts(_ context.Context, _ solana.PublicKey, filters []ledger.Filter) ([]ledger.KeyedAccount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return nil, err
	}
	t.scans++

	var out []ledger.KeyedAccount
	for address, data := range t.accounts {
		matched := true
		for _, f := range filters {
			if !f.Matches(data) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, ledger.KeyedAccount{Address: address, Data: append([]byte(nil), data...)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.String() < out[j].Address.String()
	})
	return out, nil
}

func (t *Transport) TokenAccountBalance(_ context.Context, account solana.PublicKey) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return 0, err
	}
	amount, ok := t.tokenBalances[account]
	if !ok {
		return 0, protocol.ErrRecordNotFound
	}
	return amount, nil
}

func (t *Transport) NativeBalance(_ context.Context, owner solana.PublicKey) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(); err != nil {
		return 0, err
	}
	return t.nativeBalances[owner], nil
}
