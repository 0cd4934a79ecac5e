package escrow

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	repocrypto "palindromepay/crypto"
)

// Action discriminates delegated transitions inside the signed digest so a
// signature produced for one action can never authorise another.
type Action uint8

const (
	ActionConfirmDelivery Action = iota
	ActionRequestCancel
	ActionStartDispute
	ActionResolveDispute
)

// The discriminator is the first four bytes of the keccak256 hash of the
// delegated call signature, mirroring the wire format relayers already
// produce for the deployed contract surface.
var actionSignatures = map[Action]string{
	ActionConfirmDelivery: "confirmDeliverySigned(uint256,bytes,uint256,uint256)",
	ActionRequestCancel:   "requestCancelSigned(uint256,bytes,uint256,uint256)",
	ActionStartDispute:    "startDisputeSigned(uint256,bytes,uint256,uint256)",
	ActionResolveDispute:  "resolveDisputeSigned(uint256,bytes,uint8,uint256,uint256)",
}

// Selector returns the 4-byte discriminator bound into the signed digest.
func (a Action) Selector() [4]byte {
	var sel [4]byte
	sig, ok := actionSignatures[a]
	if !ok {
		return sel
	}
	copy(sel[:], ethcrypto.Keccak256([]byte(sig))[:4])
	return sel
}

func (a Action) String() string {
	switch a {
	case ActionConfirmDelivery:
		return "confirmDelivery"
	case ActionRequestCancel:
		return "requestCancel"
	case ActionStartDispute:
		return "startDispute"
	case ActionResolveDispute:
		return "resolveDispute"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Authorizer builds canonical digests for delegated actions and validates
// the signatures, nonces and deadlines presented with them. The chain
// identifier and engine identity are bound into every digest to prevent
// cross-chain and cross-deployment replay.
type Authorizer struct {
	chainID uint64
	engine  [20]byte
}

// NewAuthorizer creates an authorizer bound to the given chain identifier
// and engine address.
func NewAuthorizer(chainID uint64, engine [20]byte) *Authorizer {
	return &Authorizer{chainID: chainID, engine: engine}
}

// Digest computes the canonical 32-byte message for a delegated action over
// the escrow's current parameters. Layout: twelve 32-byte words holding
// chain id, engine address, action selector, escrow id, buyer, seller,
// arbiter, token, amount, deposit time, deadline and nonce, hashed with
// keccak256.
func (a *Authorizer) Digest(esc *Escrow, action Action, deadline int64, nonce uint64) [32]byte {
	buf := make([]byte, 0, 12*32)
	buf = appendUint64Word(buf, a.chainID)
	buf = appendAddressWord(buf, a.engine)
	buf = appendSelectorWord(buf, action.Selector())
	buf = appendUint64Word(buf, esc.ID)
	buf = appendAddressWord(buf, esc.Buyer)
	buf = appendAddressWord(buf, esc.Seller)
	buf = appendAddressWord(buf, esc.Arbiter)
	buf = appendAddressWord(buf, esc.Token)
	buf = appendBigWord(buf, esc.Amount)
	buf = appendUint64Word(buf, uint64(esc.DepositTime))
	buf = appendUint64Word(buf, uint64(deadline))
	buf = appendUint64Word(buf, nonce)

	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

// VerifyDelegated checks the deadline, nonce and signature of a delegated
// action against the expected role. It does not consume the nonce; the
// engine increments it atomically with the transition so a replay of the
// same signature fails because the stored nonce no longer matches.
func (a *Authorizer) VerifyDelegated(esc *Escrow, role Role, action Action, signature []byte, deadline int64, nonce uint64, now int64) error {
	if deadline < now {
		return ErrExpiredAuthorization
	}
	stored, ok := esc.NonceFor(role)
	if !ok {
		return fmt.Errorf("%w: role %s cannot sign", ErrUnauthorized, role)
	}
	if nonce != stored {
		return ErrReplayedAuthorization
	}
	expected, _ := esc.AddressOf(role)
	signer, err := RecoverSigner(a.Digest(esc, action, deadline, nonce), signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if signer != expected {
		return ErrUnauthorized
	}
	return nil
}

// RecoverSigner recovers the address that produced the signature over the
// personal-message wrapping of the digest. Accepts both 0/1 and 27/28
// recovery identifiers.
func RecoverSigner(digest [32]byte, signature []byte) ([20]byte, error) {
	var signer [20]byte
	if len(signature) != 65 {
		return signer, fmt.Errorf("signature must be 65 bytes (got %d)", len(signature))
	}
	sig := append([]byte(nil), signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	wrapped := ethcrypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest[:])
	pub, err := ethcrypto.SigToPub(wrapped, sig)
	if err != nil {
		return signer, err
	}
	copy(signer[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return signer, nil
}

// SignDigest produces a delegated-action signature over the digest with the
// personal-message prefix applied. Exposed for clients and tests.
func SignDigest(digest [32]byte, key *repocrypto.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("escrow: nil signing key")
	}
	wrapped := ethcrypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest[:])
	return key.Sign(wrapped)
}

func appendUint64Word(buf []byte, v uint64) []byte {
	var word [32]byte
	word[24] = byte(v >> 56)
	word[25] = byte(v >> 48)
	word[26] = byte(v >> 40)
	word[27] = byte(v >> 32)
	word[28] = byte(v >> 24)
	word[29] = byte(v >> 16)
	word[30] = byte(v >> 8)
	word[31] = byte(v)
	return append(buf, word[:]...)
}

func appendAddressWord(buf []byte, addr [20]byte) []byte {
	var word [32]byte
	copy(word[12:], addr[:])
	return append(buf, word[:]...)
}

func appendSelectorWord(buf []byte, sel [4]byte) []byte {
	var word [32]byte
	copy(word[:4], sel[:])
	return append(buf, word[:]...)
}

func appendBigWord(buf []byte, v *big.Int) []byte {
	var word [32]byte
	if v != nil && v.Sign() > 0 {
		v.FillBytes(word[:])
	}
	return append(buf, word[:]...)
}
