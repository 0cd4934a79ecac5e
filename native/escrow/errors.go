package escrow

import "errors"

// Sentinel errors surfaced by the engine. Every rejected action leaves all
// balances and records unchanged; nothing is retried internally.
var (
	// ErrNotFound is returned when no escrow exists for the requested id.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState is returned when an action is attempted outside its
	// required source state.
	ErrInvalidState = errors.New("escrow: invalid state for action")
	// ErrUnauthorized is returned when the caller or recovered signer does
	// not match the required role.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrExpiredAuthorization is returned when a delegated action's
	// deadline has passed.
	ErrExpiredAuthorization = errors.New("escrow: authorization expired")
	// ErrReplayedAuthorization is returned when a delegated action's nonce
	// does not match the role's stored nonce.
	ErrReplayedAuthorization = errors.New("escrow: authorization replayed")
	// ErrInvalidAmount is returned for a zero amount or a token that is not
	// on the allowlist.
	ErrInvalidAmount = errors.New("escrow: invalid amount or token")
	// ErrInsufficientEvidence is returned when an arbiter decision is
	// attempted before both parties submitted evidence and before the
	// review window elapsed.
	ErrInsufficientEvidence = errors.New("escrow: insufficient evidence")
	// ErrNoFunds is returned when a withdrawal targets a zero balance.
	ErrNoFunds = errors.New("escrow: no funds")
	// ErrDuplicateSubmission is returned when a role resubmits dispute
	// evidence.
	ErrDuplicateSubmission = errors.New("escrow: duplicate submission")
	// ErrTransferFailed is returned when a token movement did not complete
	// as expected.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrTimeoutNotReached is returned when a timeout cancellation is
	// attempted before maturity plus the grace period has elapsed.
	ErrTimeoutNotReached = errors.New("escrow: timeout not reached")
)
