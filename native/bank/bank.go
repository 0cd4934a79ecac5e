// Package bank implements the fungible token ledger the escrow engine
// settles against: plain balance/allowance accounting with no escrow
// semantics of its own. The engine only consumes the transfer surface and
// observed balance deltas, so alternative token backends can be swapped in
// behind the same interface.
package bank

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"palindromepay/storage"
)

const (
	balancePrefix   = "bank/balance/"
	allowancePrefix = "bank/allowance/"
)

// Ledger is a storage-backed balance and allowance ledger for a single
// token.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger creates a token ledger persisting through the given database.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func balanceKey(addr [20]byte) []byte {
	return []byte(balancePrefix + hex.EncodeToString(addr[:]))
}

func allowanceKey(owner, spender [20]byte) []byte {
	return []byte(allowancePrefix + hex.EncodeToString(owner[:]) + "/" + hex.EncodeToString(spender[:]))
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("bank: corrupt amount for key %q", key)
	}
	return value, nil
}

func (l *Ledger) store(key []byte, value *big.Int) error {
	return l.db.Put(key, []byte(value.String()))
}

// Mint credits the recipient with newly issued units. Used to seed genesis
// balances; the escrow engine never mints.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	return l.store(balanceKey(to), new(big.Int).Add(balance, amount))
}

// BalanceOf returns the current balance of the address.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(balanceKey(addr))
}

// Approve grants the spender the right to move up to amount from the owner.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: allowance must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store(allowanceKey(owner, spender), amount)
}

// Allowance returns the remaining allowance granted by owner to spender.
func (l *Ledger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(allowanceKey(owner, spender))
}

// Transfer moves amount from one balance to another.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

// TransferFrom moves amount from the owner to the recipient on behalf of
// the spender, consuming allowance.
func (l *Ledger) TransferFrom(spender, from, to [20]byte, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: transfer amount must be positive")
	}
	allowance, err := l.load(allowanceKey(from, spender))
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("bank: insufficient allowance")
	}
	if err := l.transfer(from, to, amount); err != nil {
		return err
	}
	return l.store(allowanceKey(from, spender), new(big.Int).Sub(allowance, amount))
}

func (l *Ledger) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: transfer amount must be positive")
	}
	fromBalance, err := l.load(balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("bank: insufficient balance")
	}
	// Self-transfer leaves the balance untouched; writing both sides would
	// double-count the shared entry.
	if from == to {
		return nil
	}
	toBalance, err := l.load(balanceKey(to))
	if err != nil {
		return err
	}
	if err := l.store(balanceKey(from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.store(balanceKey(to), new(big.Int).Add(toBalance, amount))
}
