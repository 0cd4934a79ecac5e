package escrow

import (
	"fmt"
	"math/big"
	"sync"
)

// Token is the minimal surface the vault consumes from a fungible token
// ledger: balances, direct transfers, and delegated transfers. Non-standard
// behaviour such as fee-on-transfer deduction is tolerated by measuring
// observed balance deltas instead of trusting nominal amounts.
type Token interface {
	BalanceOf(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
	TransferFrom(spender, from, to [20]byte, amount *big.Int) error
}

// Vault custodies escrowed funds. It wraps inbound and outbound token
// movements, maintains the operator-controlled token allowlist, and resolves
// token addresses to their ledger implementations.
type Vault struct {
	mu      sync.RWMutex
	addr    [20]byte
	tokens  map[[20]byte]Token
	allowed map[[20]byte]bool
}

// NewVault creates a vault holding funds under the given address.
func NewVault(addr [20]byte) *Vault {
	return &Vault{
		addr:    addr,
		tokens:  make(map[[20]byte]Token),
		allowed: make(map[[20]byte]bool),
	}
}

// Address returns the address funds are custodied under.
func (v *Vault) Address() [20]byte { return v.addr }

// RegisterToken binds a token address to its ledger implementation.
func (v *Vault) RegisterToken(addr [20]byte, token Token) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[addr] = token
}

// SetAllowed mutates the allowlist entry for the token address.
func (v *Vault) SetAllowed(addr [20]byte, allowed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if allowed {
		v.allowed[addr] = true
		return
	}
	delete(v.allowed, addr)
}

// Allowed reports whether deposits of the token are accepted.
func (v *Vault) Allowed(addr [20]byte) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.allowed[addr]
}

func (v *Vault) token(addr [20]byte) (Token, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	token, ok := v.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrTransferFailed)
	}
	return token, nil
}

// Deposit pulls amount of the token from the payer into the vault and
// returns the amount actually received. The observed balance delta, not the
// nominal argument, is the escrowed principal.
func (v *Vault) Deposit(tokenAddr, from [20]byte, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if !v.Allowed(tokenAddr) {
		return nil, fmt.Errorf("%w: token not allowlisted", ErrInvalidAmount)
	}
	token, err := v.token(tokenAddr)
	if err != nil {
		return nil, err
	}
	before, err := token.BalanceOf(v.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := token.TransferFrom(v.addr, from, v.addr, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	after, err := token.BalanceOf(v.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	received := new(big.Int).Sub(after, before)
	if received.Sign() <= 0 {
		return nil, fmt.Errorf("%w: no balance received", ErrTransferFailed)
	}
	return received, nil
}

// Payout moves amount of the token from the vault to the beneficiary. The
// vault's own balance must drop by exactly the requested amount; anything
// else is surfaced as a failed transfer.
func (v *Vault) Payout(tokenAddr, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	token, err := v.token(tokenAddr)
	if err != nil {
		return err
	}
	before, err := token.BalanceOf(v.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := token.Transfer(v.addr, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	after, err := token.BalanceOf(v.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if new(big.Int).Sub(before, after).Cmp(amount) != 0 {
		return fmt.Errorf("%w: unexpected balance movement", ErrTransferFailed)
	}
	return nil
}
