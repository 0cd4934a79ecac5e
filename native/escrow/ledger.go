package escrow

import (
	"fmt"
	"math/big"
)

// Ledger tracks per-escrow withdrawable principal and per-token accrued
// protocol fees on top of the engine's state backend. Amounts are credited
// by terminal transitions and claimed exactly once; a claim zeroes the
// balance before any token movement happens.
type Ledger struct {
	state engineState
}

// NewLedger creates a ledger over the given state backend.
func NewLedger(state engineState) *Ledger {
	return &Ledger{state: state}
}

// Credit adds amount to the beneficiary's withdrawable balance for the
// escrow.
func (l *Ledger) Credit(id uint64, beneficiary [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: credit amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	current, err := l.state.WithdrawableGet(id, beneficiary)
	if err != nil {
		return err
	}
	return l.state.WithdrawableSet(id, beneficiary, new(big.Int).Add(current, amount))
}

// CreditFee adds amount to the token's protocol fee pool.
func (l *Ledger) CreditFee(token [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("ledger: fee amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	current, err := l.state.FeePoolGet(token)
	if err != nil {
		return err
	}
	return l.state.FeePoolSet(token, new(big.Int).Add(current, amount))
}

// Claim zeroes and returns the beneficiary's withdrawable balance. A zero
// balance fails with ErrNoFunds. No partial claims.
func (l *Ledger) Claim(id uint64, beneficiary [20]byte) (*big.Int, error) {
	current, err := l.state.WithdrawableGet(id, beneficiary)
	if err != nil {
		return nil, err
	}
	if current.Sign() == 0 {
		return nil, ErrNoFunds
	}
	if err := l.state.WithdrawableSet(id, beneficiary, big.NewInt(0)); err != nil {
		return nil, err
	}
	return current, nil
}

// ClaimFees zeroes and returns the token's accrued fee pool. An empty pool
// fails with ErrNoFunds.
func (l *Ledger) ClaimFees(token [20]byte) (*big.Int, error) {
	current, err := l.state.FeePoolGet(token)
	if err != nil {
		return nil, err
	}
	if current.Sign() == 0 {
		return nil, ErrNoFunds
	}
	if err := l.state.FeePoolSet(token, big.NewInt(0)); err != nil {
		return nil, err
	}
	return current, nil
}

// Withdrawable returns the current claimable balance for the pair.
func (l *Ledger) Withdrawable(id uint64, beneficiary [20]byte) (*big.Int, error) {
	return l.state.WithdrawableGet(id, beneficiary)
}

// FeePool returns the accrued protocol fees for the token.
func (l *Ledger) FeePool(token [20]byte) (*big.Int, error) {
	return l.state.FeePoolGet(token)
}

// restore re-credits a claimed amount after a failed payout so a rejected
// withdrawal leaves balances unchanged.
func (l *Ledger) restore(id uint64, beneficiary [20]byte, amount *big.Int) error {
	return l.state.WithdrawableSet(id, beneficiary, amount)
}

func (l *Ledger) restoreFees(token [20]byte, amount *big.Int) error {
	return l.state.FeePoolSet(token, amount)
}
