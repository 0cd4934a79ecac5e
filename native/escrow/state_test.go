package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"palindromepay/storage"
)

func TestStoreStateEscrowRoundTrip(t *testing.T) {
	state := NewStoreState(storage.NewMemDB())

	esc := &Escrow{
		ID:          3,
		Buyer:       [20]byte{0x01},
		Seller:      [20]byte{0x02},
		Arbiter:     [20]byte{0x03},
		Token:       [20]byte{0x04},
		Amount:      big.NewInt(123_456),
		Maturity:    86_400,
		DepositTime: 1_700_000_000,
		CreatedAt:   1_699_999_000,
		Title:       "camera lens",
		TermsHash:   "0xabc",
		State:       StateDisputed,

		BuyerCancelRequested: true,
		BuyerNonce:           2,
		SellerNonce:          1,
		BuyerEvidence:        "ipfs://a",
		DisputeStart:         1_700_000_500,
	}
	require.NoError(t, state.EscrowPut(esc))

	loaded, ok := state.EscrowGet(3)
	require.True(t, ok)
	require.Equal(t, esc, loaded)

	_, ok = state.EscrowGet(4)
	require.False(t, ok)
}

func TestStoreStateRejectsInvalidRecords(t *testing.T) {
	state := NewStoreState(storage.NewMemDB())

	require.Error(t, state.EscrowPut(&Escrow{ID: 1, Amount: big.NewInt(-1)}))
	require.Error(t, state.EscrowPut(&Escrow{ID: 1, Amount: new(big.Int).Lsh(big.NewInt(1), 300)}))
	require.Error(t, state.EscrowPut(&Escrow{ID: 1, Amount: big.NewInt(1), State: State(200)}))
	require.Error(t, state.EscrowPut(&Escrow{ID: 1, Amount: big.NewInt(1), Maturity: -5}))
}

func TestNextEscrowIDMonotonic(t *testing.T) {
	state := NewStoreState(storage.NewMemDB())

	for want := uint64(0); want < 5; want++ {
		id, err := state.NextEscrowID()
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
}

func TestStoreStateBalances(t *testing.T) {
	state := NewStoreState(storage.NewMemDB())
	addr := [20]byte{0x09}
	token := [20]byte{0x0a}

	zero, err := state.WithdrawableGet(1, addr)
	require.NoError(t, err)
	require.Equal(t, int64(0), zero.Int64())

	require.NoError(t, state.WithdrawableSet(1, addr, big.NewInt(77)))
	got, err := state.WithdrawableGet(1, addr)
	require.NoError(t, err)
	require.Equal(t, int64(77), got.Int64())

	// Same address under another escrow stays independent.
	other, err := state.WithdrawableGet(2, addr)
	require.NoError(t, err)
	require.Equal(t, int64(0), other.Int64())

	require.Error(t, state.WithdrawableSet(1, addr, big.NewInt(-1)))

	pool, err := state.FeePoolGet(token)
	require.NoError(t, err)
	require.Equal(t, int64(0), pool.Int64())

	require.NoError(t, state.FeePoolSet(token, big.NewInt(42)))
	pool, err = state.FeePoolGet(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), pool.Int64())
}
