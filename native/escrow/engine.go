package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"palindromepay/core/events"
)

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilVault = errors.New("escrow engine: vault not configured")
	errNilAuth  = errors.New("escrow engine: authorizer not configured")
)

const (
	// cancelGracePeriod is the fixed window a seller has to respond after
	// maturity before the buyer may force a timeout cancellation.
	cancelGracePeriod = int64(24 * time.Hour / time.Second)
	// disputeReviewWindow is the ceiling after which the arbiter may decide
	// a dispute regardless of evidence completeness, preventing deadlock
	// when a party refuses to participate.
	disputeReviewWindow = int64(30 * 24 * time.Hour / time.Second)

	maxFeeBps = uint32(10_000)

	// maxAmountBits bounds escrow amounts to one 256-bit digest word.
	maxAmountBits = 256
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	NextEscrowID() (uint64, error)
	WithdrawableGet(id uint64, addr [20]byte) (*big.Int, error)
	WithdrawableSet(id uint64, addr [20]byte, amount *big.Int) error
	FeePoolGet(token [20]byte) (*big.Int, error)
	FeePoolSet(token [20]byte, amount *big.Int) error
}

// Engine wires the escrow state machine with its state backend, the token
// vault, the delegated-action authorizer and an event emitter. Actions
// execute one at a time under the engine mutex; each either fully applies
// its transition and balance mutations or leaves no effect behind.
type Engine struct {
	mu       sync.Mutex
	state    engineState
	ledger   *Ledger
	vault    *Vault
	auth     *Authorizer
	emitter  events.Emitter
	operator [20]byte
	feeBps   uint32
	nowFn    func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers configure
// the backends via the setters before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) {
	e.state = state
	if state != nil {
		e.ledger = NewLedger(state)
	} else {
		e.ledger = nil
	}
}

// SetVault configures the token vault funds move through.
func (e *Engine) SetVault(vault *Vault) { e.vault = vault }

// SetAuthorizer configures the delegated-action authorizer.
func (e *Engine) SetAuthorizer(auth *Authorizer) { e.auth = auth }

// SetOperator configures the protocol operator address. The operator
// collects protocol fees and serves as the default arbiter.
func (e *Engine) SetOperator(addr [20]byte) { e.operator = addr }

// Operator returns the configured protocol operator address.
func (e *Engine) Operator() [20]byte { return e.operator }

// SetFeeBps configures the protocol fee rate in basis points taken from
// principal on the successful-delivery path. Values above 10_000 are
// rejected.
func (e *Engine) SetFeeBps(bps uint32) error {
	if bps > maxFeeBps {
		return fmt.Errorf("escrow engine: fee bps out of range: %d", bps)
	}
	e.feeBps = bps
	return nil
}

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	switch {
	case e == nil || e.state == nil:
		return errNilState
	case e.vault == nil:
		return errNilVault
	case e.auth == nil:
		return errNilAuth
	}
	return nil
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	return e.state.EscrowPut(esc)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Create initialises and persists a new escrow deal in AWAITING_PAYMENT.
// Only the seller opens a deal; an unset arbiter defaults to the protocol
// operator.
func (e *Engine) Create(seller, buyer, arbiter, token [20]byte, amount *big.Int, maturity int64, title, termsHash string) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if amt.BitLen() > maxAmountBits {
		return nil, fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	if !e.vault.Allowed(token) {
		return nil, fmt.Errorf("%w: token not allowlisted", ErrInvalidAmount)
	}
	if maturity < 0 {
		return nil, fmt.Errorf("escrow engine: maturity must be non-negative")
	}
	if arbiter == ([20]byte{}) {
		arbiter = e.operator
	}
	if arbiter == buyer || arbiter == seller {
		return nil, fmt.Errorf("escrow engine: arbiter must be distinct from buyer and seller")
	}
	if buyer == seller {
		return nil, fmt.Errorf("escrow engine: buyer and seller must differ")
	}

	id, err := e.state.NextEscrowID()
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Arbiter:   arbiter,
		Token:     token,
		Amount:    amt,
		Maturity:  maturity,
		CreatedAt: e.now(),
		Title:     title,
		TermsHash: termsHash,
		State:     StateAwaitingPayment,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(Created{Escrow: esc.Clone()})
	return esc.Clone(), nil
}

// Deposit pulls the deal amount from the buyer through the vault and moves
// the escrow to AWAITING_DELIVERY. The observed balance delta becomes the
// escrowed principal; the deposit time is set exactly once.
func (e *Engine) Deposit(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingPayment {
		return fmt.Errorf("%w: cannot deposit in %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only buyer may deposit", ErrUnauthorized)
	}
	received, err := e.vault.Deposit(esc.Token, caller, esc.Amount)
	if err != nil {
		return err
	}
	esc.Amount = received
	esc.DepositTime = e.now()
	esc.State = StateAwaitingDelivery
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(Deposited{Escrow: esc.Clone()})
	return nil
}

// ConfirmDelivery completes the deal on direct buyer authorization,
// crediting the seller with principal minus the protocol fee.
func (e *Engine) ConfirmDelivery(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot confirm delivery in %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only buyer may confirm delivery", ErrUnauthorized)
	}
	return e.complete(esc)
}

// ConfirmDeliverySigned completes the deal on a relayed buyer signature.
func (e *Engine) ConfirmDeliverySigned(id uint64, signature []byte, deadline int64, nonce uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot confirm delivery in %s", ErrInvalidState, esc.State)
	}
	if err := e.auth.VerifyDelegated(esc, RoleBuyer, ActionConfirmDelivery, signature, deadline, nonce, e.now()); err != nil {
		return err
	}
	esc.bumpNonce(RoleBuyer)
	return e.complete(esc)
}

// complete moves the escrow to COMPLETE and posts the seller payout and
// protocol fee into the ledger. The deal principal is split exactly once.
func (e *Engine) complete(esc *Escrow) error {
	principal := cloneBigInt(esc.Amount)
	fee := new(big.Int).Mul(principal, new(big.Int).SetUint64(uint64(e.feeBps)))
	fee.Div(fee, big.NewInt(int64(maxFeeBps)))
	payout := new(big.Int).Sub(principal, fee)

	if err := e.ledger.Credit(esc.ID, esc.Seller, payout); err != nil {
		return err
	}
	if err := e.ledger.CreditFee(esc.Token, fee); err != nil {
		return err
	}
	esc.State = StateComplete
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(Completed{Escrow: esc.Clone(), Fee: fee, Payout: payout})
	return nil
}

// RequestCancel records a cancellation request by the buyer or seller. When
// both parties have requested, the deal cancels with the full principal
// returned to the buyer and no fee.
func (e *Engine) RequestCancel(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot request cancel in %s", ErrInvalidState, esc.State)
	}
	role := esc.RoleOf(caller)
	if role != RoleBuyer && role != RoleSeller {
		return fmt.Errorf("%w: only buyer or seller may request cancel", ErrUnauthorized)
	}
	return e.requestCancel(esc, role)
}

// RequestCancelSigned records a relayed cancellation request authorized by
// the signing party.
func (e *Engine) RequestCancelSigned(id uint64, role Role, signature []byte, deadline int64, nonce uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if role != RoleBuyer && role != RoleSeller {
		return fmt.Errorf("%w: only buyer or seller may request cancel", ErrUnauthorized)
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot request cancel in %s", ErrInvalidState, esc.State)
	}
	if err := e.auth.VerifyDelegated(esc, role, ActionRequestCancel, signature, deadline, nonce, e.now()); err != nil {
		return err
	}
	esc.bumpNonce(role)
	return e.requestCancel(esc, role)
}

func (e *Engine) requestCancel(esc *Escrow, role Role) error {
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot request cancel in %s", ErrInvalidState, esc.State)
	}
	switch role {
	case RoleBuyer:
		esc.BuyerCancelRequested = true
	case RoleSeller:
		esc.SellerCancelRequested = true
	}
	if esc.BuyerCancelRequested && esc.SellerCancelRequested {
		return e.cancel(esc)
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(CancelRequested{Escrow: esc.Clone(), Requester: role})
	return nil
}

// cancel moves the escrow to CANCELED and credits the buyer with the full
// principal. Cancellation paths never accrue protocol fees.
func (e *Engine) cancel(esc *Escrow) error {
	if err := e.ledger.Credit(esc.ID, esc.Buyer, esc.Amount); err != nil {
		return err
	}
	esc.State = StateCanceled
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(Canceled{Escrow: esc.Clone()})
	return nil
}

// CancelByTimeout lets the buyer force a cancellation after the seller
// stayed unresponsive past maturity plus the grace period. The buyer's own
// cancel request must already be on record.
func (e *Engine) CancelByTimeout(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot cancel in %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: only buyer may cancel by timeout", ErrUnauthorized)
	}
	if !esc.BuyerCancelRequested {
		return fmt.Errorf("%w: cancel not requested", ErrInvalidState)
	}
	if e.now()-esc.DepositTime < esc.Maturity+cancelGracePeriod {
		return ErrTimeoutNotReached
	}
	return e.cancel(esc)
}

// StartDispute moves the deal to DISPUTED on direct authorization by the
// buyer or seller.
func (e *Engine) StartDispute(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot dispute in %s", ErrInvalidState, esc.State)
	}
	role := esc.RoleOf(caller)
	if role != RoleBuyer && role != RoleSeller {
		return fmt.Errorf("%w: only buyer or seller may start a dispute", ErrUnauthorized)
	}
	return e.startDispute(esc, role)
}

// StartDisputeSigned moves the deal to DISPUTED on a relayed signature by
// the given party.
func (e *Engine) StartDisputeSigned(id uint64, role Role, signature []byte, deadline int64, nonce uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if role != RoleBuyer && role != RoleSeller {
		return fmt.Errorf("%w: only buyer or seller may start a dispute", ErrUnauthorized)
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot dispute in %s", ErrInvalidState, esc.State)
	}
	if err := e.auth.VerifyDelegated(esc, role, ActionStartDispute, signature, deadline, nonce, e.now()); err != nil {
		return err
	}
	esc.bumpNonce(role)
	return e.startDispute(esc, role)
}

func (e *Engine) startDispute(esc *Escrow, role Role) error {
	if esc.State != StateAwaitingDelivery {
		return fmt.Errorf("%w: cannot dispute in %s", ErrInvalidState, esc.State)
	}
	esc.State = StateDisputed
	esc.DisputeStart = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(Disputed{Escrow: esc.Clone(), Initiator: role})
	return nil
}

// SubmitDisputeMessage records one evidence reference for the caller's role
// while the deal is disputed. Each role submits at most once.
func (e *Engine) SubmitDisputeMessage(id uint64, caller [20]byte, evidence string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if evidence == "" {
		return fmt.Errorf("escrow engine: evidence reference required")
	}
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateDisputed {
		return fmt.Errorf("%w: cannot submit evidence in %s", ErrInvalidState, esc.State)
	}
	role := esc.RoleOf(caller)
	switch role {
	case RoleBuyer:
		if esc.BuyerEvidence != "" {
			return ErrDuplicateSubmission
		}
		esc.BuyerEvidence = evidence
	case RoleSeller:
		if esc.SellerEvidence != "" {
			return ErrDuplicateSubmission
		}
		esc.SellerEvidence = evidence
	case RoleArbiter:
		if esc.ArbiterEvidence != "" {
			return ErrDuplicateSubmission
		}
		esc.ArbiterEvidence = evidence
	default:
		return fmt.Errorf("%w: not a participant", ErrUnauthorized)
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(EvidenceSubmitted{Escrow: esc.Clone(), Submitter: role, Evidence: evidence})
	return nil
}

// SubmitArbiterDecision resolves a disputed deal to COMPLETE or REFUNDED.
// Permitted immediately once both parties submitted evidence, otherwise only
// after the review window elapsed since the dispute started.
func (e *Engine) SubmitArbiterDecision(id uint64, caller [20]byte, outcome State, evidence string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateDisputed {
		return fmt.Errorf("%w: cannot resolve in %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Arbiter && caller != e.operator {
		return fmt.Errorf("%w: only arbiter may decide", ErrUnauthorized)
	}
	return e.decide(esc, outcome, evidence)
}

// ResolveDisputeSigned resolves a disputed deal on a relayed arbiter
// signature.
func (e *Engine) ResolveDisputeSigned(id uint64, outcome State, signature []byte, deadline int64, nonce uint64, evidence string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if esc.State != StateDisputed {
		return fmt.Errorf("%w: cannot resolve in %s", ErrInvalidState, esc.State)
	}
	if err := e.auth.VerifyDelegated(esc, RoleArbiter, ActionResolveDispute, signature, deadline, nonce, e.now()); err != nil {
		return err
	}
	esc.bumpNonce(RoleArbiter)
	return e.decide(esc, outcome, evidence)
}

func (e *Engine) decide(esc *Escrow, outcome State, evidence string) error {
	if esc.State != StateDisputed {
		return fmt.Errorf("%w: cannot resolve in %s", ErrInvalidState, esc.State)
	}
	if outcome != StateComplete && outcome != StateRefunded {
		return fmt.Errorf("escrow engine: invalid resolution outcome %s", outcome)
	}
	fullEvidence := esc.BuyerEvidence != "" && esc.SellerEvidence != ""
	if !fullEvidence && e.now()-esc.DisputeStart < disputeReviewWindow {
		return ErrInsufficientEvidence
	}
	if evidence != "" && esc.ArbiterEvidence == "" {
		esc.ArbiterEvidence = evidence
	}
	if outcome == StateRefunded {
		if err := e.ledger.Credit(esc.ID, esc.Buyer, esc.Amount); err != nil {
			return err
		}
		esc.State = StateRefunded
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		e.emit(Resolved{Escrow: esc.Clone(), Outcome: StateRefunded})
		return nil
	}
	if err := e.complete(esc); err != nil {
		return err
	}
	e.emit(Resolved{Escrow: esc.Clone(), Outcome: StateComplete})
	return nil
}

// Withdraw pays out the caller's withdrawable balance for the escrow. The
// balance is zeroed before the vault moves tokens; a failed payout restores
// it so the action leaves no effect. The first claim against a COMPLETE
// escrow marks it WITHDRAWN; claims against REFUNDED or CANCELED set the
// paid-out marker.
func (e *Engine) Withdraw(id uint64, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer && caller != esc.Seller {
		return fmt.Errorf("%w: only buyer or seller may withdraw", ErrUnauthorized)
	}
	amount, err := e.ledger.Claim(id, caller)
	if err != nil {
		return err
	}
	if err := e.vault.Payout(esc.Token, caller, amount); err != nil {
		if restoreErr := e.ledger.restore(id, caller, amount); restoreErr != nil {
			return fmt.Errorf("%w (restore failed: %v)", err, restoreErr)
		}
		return err
	}
	if esc.State == StateComplete {
		esc.State = StateWithdrawn
	} else {
		esc.PaidOut = true
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(Withdrawn{Escrow: esc.Clone(), Beneficiary: caller, Amount: amount})
	return nil
}

// WithdrawFees transfers the accrued fee pool for the token to the operator
// and zeroes it.
func (e *Engine) WithdrawFees(token [20]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.operator {
		return fmt.Errorf("%w: only operator may withdraw fees", ErrUnauthorized)
	}
	amount, err := e.ledger.ClaimFees(token)
	if err != nil {
		return err
	}
	if err := e.vault.Payout(token, e.operator, amount); err != nil {
		if restoreErr := e.ledger.restoreFees(token, amount); restoreErr != nil {
			return fmt.Errorf("%w (restore failed: %v)", err, restoreErr)
		}
		return err
	}
	e.emit(FeesWithdrawn{Token: token, Amount: amount})
	return nil
}

// SetAllowedToken mutates the vault allowlist. Operator only.
func (e *Engine) SetAllowedToken(caller, token [20]byte, allowed bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.operator {
		return fmt.Errorf("%w: only operator may manage the allowlist", ErrUnauthorized)
	}
	e.vault.SetAllowed(token, allowed)
	e.emit(TokenAllowlisted{Token: token, Allowed: allowed})
	return nil
}

// Get returns a copy of the escrow record.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadEscrow(id)
}

// Nonce returns the current delegated-action nonce for the role on the
// escrow.
func (e *Engine) Nonce(id uint64, role Role) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	nonce, ok := esc.NonceFor(role)
	if !ok {
		return 0, fmt.Errorf("escrow engine: role %s has no nonce", role)
	}
	return nonce, nil
}

// Withdrawable returns the claimable balance for the pair.
func (e *Engine) Withdrawable(id uint64, addr [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Withdrawable(id, addr)
}

// FeePool returns the accrued protocol fees for the token.
func (e *Engine) FeePool(token [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.FeePool(token)
}

// Digest exposes the canonical digest a party must sign to authorize a
// delegated action with the escrow's current parameters.
func (e *Engine) Digest(id uint64, action Action, deadline int64, nonce uint64) ([32]byte, error) {
	var digest [32]byte
	if err := e.ready(); err != nil {
		return digest, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return digest, err
	}
	return e.auth.Digest(esc, action, deadline, nonce), nil
}
