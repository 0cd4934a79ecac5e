package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	repocrypto "palindromepay/crypto"
)

func testEscrow(t *testing.T, key *repocrypto.PrivateKey) *Escrow {
	t.Helper()
	esc := &Escrow{
		ID:          7,
		Amount:      big.NewInt(1_000_000),
		DepositTime: 1_700_000_000,
		State:       StateAwaitingDelivery,
	}
	esc.Buyer = key.PubKey().Address().Raw()
	esc.Seller = [20]byte{0x02}
	esc.Arbiter = [20]byte{0x03}
	esc.Token = [20]byte{0x04}
	return esc
}

func TestDigestDeterministic(t *testing.T) {
	key, err := repocrypto.GeneratePrivateKey()
	require.NoError(t, err)
	esc := testEscrow(t, key)
	auth := NewAuthorizer(31337, [20]byte{0x05})

	a := auth.Digest(esc, ActionConfirmDelivery, 1_700_000_600, 0)
	b := auth.Digest(esc, ActionConfirmDelivery, 1_700_000_600, 0)
	require.Equal(t, a, b)

	// Any parameter change must shift the digest.
	require.NotEqual(t, a, auth.Digest(esc, ActionRequestCancel, 1_700_000_600, 0))
	require.NotEqual(t, a, auth.Digest(esc, ActionConfirmDelivery, 1_700_000_601, 0))
	require.NotEqual(t, a, auth.Digest(esc, ActionConfirmDelivery, 1_700_000_600, 1))

	other := NewAuthorizer(1, [20]byte{0x05})
	require.NotEqual(t, a, other.Digest(esc, ActionConfirmDelivery, 1_700_000_600, 0))

	moved := NewAuthorizer(31337, [20]byte{0x06})
	require.NotEqual(t, a, moved.Digest(esc, ActionConfirmDelivery, 1_700_000_600, 0))
}

func TestActionSelectorsDistinct(t *testing.T) {
	seen := make(map[[4]byte]Action)
	for _, action := range []Action{ActionConfirmDelivery, ActionRequestCancel, ActionStartDispute, ActionResolveDispute} {
		sel := action.Selector()
		require.NotEqual(t, [4]byte{}, sel)
		prev, dup := seen[sel]
		require.False(t, dup, "selector collision between %s and %s", prev, action)
		seen[sel] = action
	}
}

func TestRecoverSignerRoundTrip(t *testing.T) {
	key, err := repocrypto.GeneratePrivateKey()
	require.NoError(t, err)
	esc := testEscrow(t, key)
	auth := NewAuthorizer(31337, [20]byte{0x05})

	digest := auth.Digest(esc, ActionConfirmDelivery, 1_700_000_600, 0)
	sig, err := SignDigest(digest, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	require.Equal(t, esc.Buyer, signer)

	// Legacy 27/28 recovery identifiers are accepted.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	signer, err = RecoverSigner(digest, legacy)
	require.NoError(t, err)
	require.Equal(t, esc.Buyer, signer)

	_, err = RecoverSigner(digest, sig[:64])
	require.Error(t, err)
}

func TestVerifyDelegated(t *testing.T) {
	key, err := repocrypto.GeneratePrivateKey()
	require.NoError(t, err)
	esc := testEscrow(t, key)
	auth := NewAuthorizer(31337, [20]byte{0x05})

	now := int64(1_700_000_000)
	deadline := now + 600
	digest := auth.Digest(esc, ActionConfirmDelivery, deadline, 0)
	sig, err := SignDigest(digest, key)
	require.NoError(t, err)

	require.NoError(t, auth.VerifyDelegated(esc, RoleBuyer, ActionConfirmDelivery, sig, deadline, 0, now))

	err = auth.VerifyDelegated(esc, RoleBuyer, ActionConfirmDelivery, sig, deadline, 0, deadline+1)
	require.ErrorIs(t, err, ErrExpiredAuthorization)

	err = auth.VerifyDelegated(esc, RoleBuyer, ActionConfirmDelivery, sig, deadline, 1, now)
	require.ErrorIs(t, err, ErrReplayedAuthorization)

	// A buyer signature does not authorize the seller role.
	err = auth.VerifyDelegated(esc, RoleSeller, ActionConfirmDelivery, sig, deadline, 0, now)
	require.ErrorIs(t, err, ErrUnauthorized)

	// Rebinding the signature to another action fails recovery matching.
	err = auth.VerifyDelegated(esc, RoleBuyer, ActionStartDispute, sig, deadline, 0, now)
	require.ErrorIs(t, err, ErrUnauthorized)
}
