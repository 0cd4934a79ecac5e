package escrow

import (
	"fmt"
	"math/big"
)

// State represents the lifecycle states of an escrow deal. States only ever
// move forward along the transition graph; terminal outcomes are permanent
// historical records.
type State uint8

const (
	StateAwaitingPayment State = iota
	StateAwaitingDelivery
	StateDisputed
	StateComplete
	StateRefunded
	StateCanceled
	StateWithdrawn
)

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	return s <= StateWithdrawn
}

func (s State) String() string {
	switch s {
	case StateAwaitingPayment:
		return "AWAITING_PAYMENT"
	case StateAwaitingDelivery:
		return "AWAITING_DELIVERY"
	case StateDisputed:
		return "DISPUTED"
	case StateComplete:
		return "COMPLETE"
	case StateRefunded:
		return "REFUNDED"
	case StateCanceled:
		return "CANCELED"
	case StateWithdrawn:
		return "WITHDRAWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Role tags the participants of a deal. An address is resolved to a role
// once per action and matched against the action's required role set.
type Role uint8

const (
	RoleNone Role = iota
	RoleBuyer
	RoleSeller
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	case RoleArbiter:
		return "arbiter"
	default:
		return "none"
	}
}

// Escrow captures one buyer/seller deal with its funds, state and timers.
// Amount holds the nominal amount before deposit and the principal actually
// received afterwards.
type Escrow struct {
	ID          uint64
	Buyer       [20]byte
	Seller      [20]byte
	Arbiter     [20]byte
	Token       [20]byte
	Amount      *big.Int
	Maturity    int64
	DepositTime int64
	CreatedAt   int64
	Title       string
	TermsHash   string
	State       State

	BuyerCancelRequested  bool
	SellerCancelRequested bool

	BuyerNonce   uint64
	SellerNonce  uint64
	ArbiterNonce uint64

	BuyerEvidence   string
	SellerEvidence  string
	ArbiterEvidence string
	DisputeStart    int64

	// PaidOut marks a claimed REFUNDED or CANCELED escrow. COMPLETE
	// escrows transition to StateWithdrawn on their first claim instead.
	PaidOut bool
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// RoleOf resolves the caller address against the deal's participants.
func (e *Escrow) RoleOf(addr [20]byte) Role {
	switch addr {
	case e.Buyer:
		return RoleBuyer
	case e.Seller:
		return RoleSeller
	case e.Arbiter:
		return RoleArbiter
	default:
		return RoleNone
	}
}

// AddressOf returns the participant address assigned to the role.
func (e *Escrow) AddressOf(role Role) ([20]byte, bool) {
	switch role {
	case RoleBuyer:
		return e.Buyer, true
	case RoleSeller:
		return e.Seller, true
	case RoleArbiter:
		return e.Arbiter, true
	default:
		return [20]byte{}, false
	}
}

// NonceFor returns the stored one-time-use nonce for the role.
func (e *Escrow) NonceFor(role Role) (uint64, bool) {
	switch role {
	case RoleBuyer:
		return e.BuyerNonce, true
	case RoleSeller:
		return e.SellerNonce, true
	case RoleArbiter:
		return e.ArbiterNonce, true
	default:
		return 0, false
	}
}

func (e *Escrow) bumpNonce(role Role) {
	switch role {
	case RoleBuyer:
		e.BuyerNonce++
	case RoleSeller:
		e.SellerNonce++
	case RoleArbiter:
		e.ArbiterNonce++
	}
}

// SanitizeEscrow validates the supplied escrow record, returning a cloned
// instance with a non-nil amount field. The function does not mutate the
// original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("escrow: nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow: amount must be non-negative")
	}
	if clone.Amount.BitLen() > 256 {
		return nil, fmt.Errorf("escrow: amount exceeds 256 bits")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("escrow: invalid state: %d", clone.State)
	}
	if clone.Maturity < 0 {
		return nil, fmt.Errorf("escrow: maturity must be non-negative")
	}
	return clone, nil
}
