package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositInstructionEncoding(t *testing.T) {
	user := solana.NewWallet().PublicKey()
	addrs, err := DeriveStrategyAddresses(testProgramID, user, 7)
	require.NoError(t, err)

	ix, err := NewDepositInstruction(testProgramID, DepositAccounts{
		User:                user,
		Strategy:            addrs.Strategy,
		UserPosition:        addrs.UserPosition,
		UnderlyingMint:      NativeMint,
		UserUnderlyingToken: solana.NewWallet().PublicKey(),
		Vault:               addrs.Vault,
		YieldMint:           addrs.YieldMint,
		UserYieldToken:      solana.NewWallet().PublicKey(),
	}, 1_500_000_000, 7)
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 8+8+8)

	disc := InstructionDiscriminator("deposit_to_strategy")
	assert.Equal(t, disc[:], data[:8])
	assert.Equal(t, uint64(1_500_000_000), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(data[16:24]))

	accounts := ix.Accounts()
	require.Len(t, accounts, 12)
	assert.Equal(t, user, accounts[0].PublicKey)
	assert.True(t, accounts[0].IsSigner)
	assert.True(t, accounts[0].IsWritable)
	assert.Equal(t, addrs.Strategy, accounts[1].PublicKey)
	assert.Equal(t, addrs.UserPosition, accounts[2].PublicKey)
	assert.False(t, accounts[3].IsWritable, "underlying mint is read-only")
	assert.Equal(t, solana.TokenProgramID, accounts[8].PublicKey)
	assert.Equal(t, solana.SysVarRentPubkey, accounts[11].PublicKey)
	assert.Equal(t, testProgramID, ix.ProgramID())
}

func TestCreateStrategyInstructionEncoding(t *testing.T) {
	ix, err := NewCreateStrategyInstruction(testProgramID, CreateStrategyAccounts{
		Admin:           solana.NewWallet().PublicKey(),
		Strategy:        MustDeriveStrategyPDA(testProgramID, 2),
		StrategyCounter: solana.NewWallet().PublicKey(),
		UnderlyingMint:  NativeMint,
		YieldMint:       solana.NewWallet().PublicKey(),
	}, "SOL", 1500, 2)
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 8+4+3+2+8)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[8:12]))
	assert.Equal(t, "SOL", string(data[12:15]))
	assert.Equal(t, uint16(1500), binary.LittleEndian.Uint16(data[15:17]))
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(data[17:25]))
}

func TestPlaceOrderInstructionEncoding(t *testing.T) {
	ix, err := NewPlaceOrderInstruction(testProgramID, PlaceOrderAccounts{}, 4, OrderSell, 100, 1_000_000)
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	require.Len(t, data, 8+8+1+8+8)
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(data[8:16]))
	assert.Equal(t, byte(OrderSell), data[16])
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(data[17:25]))
	assert.Equal(t, uint64(1_000_000), binary.LittleEndian.Uint64(data[25:33]))
	assert.Len(t, ix.Accounts(), 12)
}

func TestInstructionValidation(t *testing.T) {
	cases := []struct {
		name    string
		build   func() error
		invalid bool
	}{
		{"zero deposit", func() error {
			_, err := NewDepositInstruction(testProgramID, DepositAccounts{}, 0, 1)
			return err
		}, true},
		{"zero withdraw", func() error {
			_, err := NewWithdrawInstruction(testProgramID, WithdrawAccounts{}, 0, 1)
			return err
		}, true},
		{"zero order price", func() error {
			_, err := NewPlaceOrderInstruction(testProgramID, PlaceOrderAccounts{}, 1, OrderBuy, 10, 0)
			return err
		}, true},
		{"zero trade", func() error {
			_, err := NewExecuteTradeInstruction(testProgramID, ExecuteTradeAccounts{}, 0)
			return err
		}, true},
		{"apy too high", func() error {
			_, err := NewCreateStrategyInstruction(testProgramID, CreateStrategyAccounts{}, "x", 50_001, 1)
			return err
		}, false},
		{"name too long", func() error {
			long := make([]byte, MaxStrategyNameLen+1)
			for i := range long {
				long[i] = 'a'
			}
			_, err := NewCreateStrategyInstruction(testProgramID, CreateStrategyAccounts{}, string(long), 100, 1)
			return err
		}, false},
		{"fee too high", func() error {
			_, err := NewCreateMarketplaceInstruction(testProgramID, CreateMarketplaceAccounts{}, 1, 1, 1_001)
			return err
		}, false},
		{"bad order type", func() error {
			_, err := NewPlaceOrderInstruction(testProgramID, PlaceOrderAccounts{}, 1, OrderType(5), 10, 10)
			return err
		}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build()
			require.Error(t, err)
			if tc.invalid {
				assert.ErrorIs(t, err, ErrInvalidAmount)
			}
		})
	}
}

func TestParseUnits(t *testing.T) {
	cases := []struct {
		raw     string
		want    uint64
		wantErr bool
	}{
		{raw: "1", want: 1_000_000_000},
		{raw: "1.5", want: 1_500_000_000},
		{raw: "0.000000001", want: 1},
		{raw: "0", wantErr: true},
		{raw: "-2", wantErr: true},
		{raw: "0.0000000001", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "99999999999999999999", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseUnits(tc.raw, NativeDecimals)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOrderValueAndFee(t *testing.T) {
	assert.Equal(t, uint64(150), OrderValue(100, 1_500_000))
	assert.Equal(t, uint64(3), TradingFee(1_000, 30))
	assert.Equal(t, ^uint64(0), OrderValue(^uint64(0), ^uint64(0)))
}
