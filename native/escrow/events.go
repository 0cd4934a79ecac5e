package escrow

import (
	"math/big"
	"strconv"

	"palindromepay/core/types"
	"palindromepay/crypto"
)

const (
	EventTypeCreated           = "escrow.created"
	EventTypeDeposited         = "escrow.deposited"
	EventTypeCompleted         = "escrow.completed"
	EventTypeCancelRequested   = "escrow.cancel_requested"
	EventTypeCanceled          = "escrow.canceled"
	EventTypeDisputed          = "escrow.disputed"
	EventTypeEvidenceSubmitted = "escrow.evidence_submitted"
	EventTypeResolved          = "escrow.resolved"
	EventTypeWithdrawn         = "escrow.withdrawn"
	EventTypeFeesWithdrawn     = "escrow.fees_withdrawn"
	EventTypeTokenAllowlisted  = "escrow.token_allowlisted"
)

// Created is emitted when a seller opens a new deal.
type Created struct {
	Escrow *Escrow
}

func (Created) EventType() string { return EventTypeCreated }

func (e Created) Event() *types.Event { return escrowEvent(EventTypeCreated, e.Escrow, nil) }

// Deposited is emitted when the buyer funds the deal.
type Deposited struct {
	Escrow *Escrow
}

func (Deposited) EventType() string { return EventTypeDeposited }

func (e Deposited) Event() *types.Event { return escrowEvent(EventTypeDeposited, e.Escrow, nil) }

// Completed is emitted when the deal reaches COMPLETE and the seller payout
// and protocol fee were posted to the ledger.
type Completed struct {
	Escrow *Escrow
	Fee    *big.Int
	Payout *big.Int
}

func (Completed) EventType() string { return EventTypeCompleted }

func (e Completed) Event() *types.Event {
	return escrowEvent(EventTypeCompleted, e.Escrow, map[string]string{
		"fee":    formatAmount(e.Fee),
		"payout": formatAmount(e.Payout),
	})
}

// CancelRequested is emitted when one party records a cancellation request.
type CancelRequested struct {
	Escrow    *Escrow
	Requester Role
}

func (CancelRequested) EventType() string { return EventTypeCancelRequested }

func (e CancelRequested) Event() *types.Event {
	return escrowEvent(EventTypeCancelRequested, e.Escrow, map[string]string{
		"requester": e.Requester.String(),
	})
}

// Canceled is emitted when the deal cancels mutually or by timeout.
type Canceled struct {
	Escrow *Escrow
}

func (Canceled) EventType() string { return EventTypeCanceled }

func (e Canceled) Event() *types.Event { return escrowEvent(EventTypeCanceled, e.Escrow, nil) }

// Disputed is emitted when a party escalates the deal to dispute.
type Disputed struct {
	Escrow    *Escrow
	Initiator Role
}

func (Disputed) EventType() string { return EventTypeDisputed }

func (e Disputed) Event() *types.Event {
	return escrowEvent(EventTypeDisputed, e.Escrow, map[string]string{
		"initiator": e.Initiator.String(),
	})
}

// EvidenceSubmitted is emitted when a role records its dispute evidence.
type EvidenceSubmitted struct {
	Escrow    *Escrow
	Submitter Role
	Evidence  string
}

func (EvidenceSubmitted) EventType() string { return EventTypeEvidenceSubmitted }

func (e EvidenceSubmitted) Event() *types.Event {
	return escrowEvent(EventTypeEvidenceSubmitted, e.Escrow, map[string]string{
		"submitter": e.Submitter.String(),
		"evidence":  e.Evidence,
	})
}

// Resolved is emitted when the arbiter decides a dispute.
type Resolved struct {
	Escrow  *Escrow
	Outcome State
}

func (Resolved) EventType() string { return EventTypeResolved }

func (e Resolved) Event() *types.Event {
	return escrowEvent(EventTypeResolved, e.Escrow, map[string]string{
		"outcome": e.Outcome.String(),
	})
}

// Withdrawn is emitted when a beneficiary claims their payout.
type Withdrawn struct {
	Escrow      *Escrow
	Beneficiary [20]byte
	Amount      *big.Int
}

func (Withdrawn) EventType() string { return EventTypeWithdrawn }

func (e Withdrawn) Event() *types.Event {
	return escrowEvent(EventTypeWithdrawn, e.Escrow, map[string]string{
		"beneficiary": crypto.NewAddress(crypto.PalPrefix, e.Beneficiary[:]).String(),
		"amount":      formatAmount(e.Amount),
	})
}

// FeesWithdrawn is emitted when the operator claims the accrued fee pool for
// a token.
type FeesWithdrawn struct {
	Token  [20]byte
	Amount *big.Int
}

func (FeesWithdrawn) EventType() string { return EventTypeFeesWithdrawn }

func (e FeesWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: EventTypeFeesWithdrawn,
		Attributes: map[string]string{
			"token":  crypto.NewAddress(crypto.PalPrefix, e.Token[:]).String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// TokenAllowlisted is emitted when the operator mutates the token
// allowlist.
type TokenAllowlisted struct {
	Token   [20]byte
	Allowed bool
}

func (TokenAllowlisted) EventType() string { return EventTypeTokenAllowlisted }

func (e TokenAllowlisted) Event() *types.Event {
	return &types.Event{
		Type: EventTypeTokenAllowlisted,
		Attributes: map[string]string{
			"token":   crypto.NewAddress(crypto.PalPrefix, e.Token[:]).String(),
			"allowed": strconv.FormatBool(e.Allowed),
		},
	}
}

func escrowEvent(eventType string, esc *Escrow, extra map[string]string) *types.Event {
	attrs := make(map[string]string)
	if esc != nil {
		attrs["id"] = strconv.FormatUint(esc.ID, 10)
		attrs["buyer"] = crypto.NewAddress(crypto.PalPrefix, esc.Buyer[:]).String()
		attrs["seller"] = crypto.NewAddress(crypto.PalPrefix, esc.Seller[:]).String()
		attrs["arbiter"] = crypto.NewAddress(crypto.PalPrefix, esc.Arbiter[:]).String()
		attrs["token"] = crypto.NewAddress(crypto.PalPrefix, esc.Token[:]).String()
		attrs["amount"] = formatAmount(esc.Amount)
		attrs["state"] = esc.State.String()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
