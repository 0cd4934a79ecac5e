// Package rpc exposes the escrow engine's actions and read-only queries
// over an HTTP API. Delegated actions carry their signature material in the
// request body; direct actions name the calling party, which the transport
// in front of this service is expected to have authenticated.
package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"palindromepay/crypto"
	gatewayauth "palindromepay/gateway/auth"
	"palindromepay/native/escrow"
	"palindromepay/observability"
)

// Server wires the escrow engine into HTTP handlers.
type Server struct {
	engine  *escrow.Engine
	auth    *gatewayauth.Authenticator
	logger  *log.Logger
	tracer  trace.Tracer
	metrics *observability.EngineMetrics
}

// NewServer creates an HTTP server over the engine. The authenticator
// guards the administrative routes; passing nil leaves them open, which is
// only sensible in tests.
func NewServer(engine *escrow.Engine, auth *gatewayauth.Authenticator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		engine:  engine,
		auth:    auth,
		logger:  logger,
		tracer:  otel.Tracer("palindromepay/rpc"),
		metrics: observability.Engine(),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/escrows", s.handleCreate)
		v1.Get("/escrows/{id}", s.handleGet)
		v1.Get("/escrows/{id}/nonce/{role}", s.handleNonce)
		v1.Get("/escrows/{id}/withdrawable/{addr}", s.handleWithdrawable)
		v1.Get("/fees/{token}", s.handleFeePool)

		v1.Post("/escrows/{id}/deposit", s.action("deposit", s.handleDeposit))
		v1.Post("/escrows/{id}/confirm", s.action("confirmDelivery", s.handleConfirm))
		v1.Post("/escrows/{id}/confirm-signed", s.action("confirmDeliverySigned", s.handleConfirmSigned))
		v1.Post("/escrows/{id}/cancel-request", s.action("requestCancel", s.handleRequestCancel))
		v1.Post("/escrows/{id}/cancel-request-signed", s.action("requestCancelSigned", s.handleRequestCancelSigned))
		v1.Post("/escrows/{id}/cancel-timeout", s.action("cancelByTimeout", s.handleCancelTimeout))
		v1.Post("/escrows/{id}/dispute", s.action("startDispute", s.handleStartDispute))
		v1.Post("/escrows/{id}/dispute-signed", s.action("startDisputeSigned", s.handleStartDisputeSigned))
		v1.Post("/escrows/{id}/evidence", s.action("submitDisputeMessage", s.handleEvidence))
		v1.Post("/escrows/{id}/decision", s.action("submitArbiterDecision", s.handleDecision))
		v1.Post("/escrows/{id}/decision-signed", s.action("resolveDisputeSigned", s.handleDecisionSigned))
		v1.Post("/escrows/{id}/withdraw", s.action("withdraw", s.handleWithdraw))

		v1.Group(func(admin chi.Router) {
			if s.auth != nil {
				admin.Use(s.auth.Middleware)
			}
			admin.Post("/fees/{token}/withdraw", s.action("withdrawFees", s.handleWithdrawFees))
			admin.Put("/tokens/{token}", s.action("setAllowedToken", s.handleSetAllowedToken))
		})
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type actionFunc func(w http.ResponseWriter, r *http.Request) error

// action wraps a mutation handler with metrics and uniform error mapping.
func (s *Server) action(name string, fn actionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		err := fn(w, r)
		s.metrics.Observe(name, err, started)
		if err != nil {
			s.logger.Printf("rpc: %s failed: %v", name, err)
			writeError(w, err)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrExpiredAuthorization),
		errors.Is(err, escrow.ErrReplayedAuthorization):
		status = http.StatusUnauthorized
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrDuplicateSubmission),
		errors.Is(err, escrow.ErrNoFunds),
		errors.Is(err, escrow.ErrInsufficientEvidence),
		errors.Is(err, escrow.ErrTimeoutNotReached):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("rpc: bad request")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid escrow id", errBadRequest)
	}
	return id, nil
}

func parseAddr(value string) ([20]byte, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return addr.Raw(), nil
}

func parseOptionalAddr(value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, nil
	}
	return parseAddr(value)
}

func parseAmount(value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid amount %q", errBadRequest, value)
	}
	return amount, nil
}

func parseSignature(value string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature hex", errBadRequest)
	}
	return sig, nil
}

func parseRole(value string) (escrow.Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buyer":
		return escrow.RoleBuyer, nil
	case "seller":
		return escrow.RoleSeller, nil
	case "arbiter":
		return escrow.RoleArbiter, nil
	default:
		return escrow.RoleNone, fmt.Errorf("%w: unknown role %q", errBadRequest, value)
	}
}

func parseOutcome(value string) (escrow.State, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "COMPLETE":
		return escrow.StateComplete, nil
	case "REFUNDED":
		return escrow.StateRefunded, nil
	default:
		return 0, fmt.Errorf("%w: invalid outcome %q", errBadRequest, value)
	}
}

// escrowView is the JSON representation of an escrow record.
type escrowView struct {
	ID          uint64 `json:"id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Arbiter     string `json:"arbiter"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Maturity    int64  `json:"maturity"`
	DepositTime int64  `json:"depositTime"`
	CreatedAt   int64  `json:"createdAt"`
	Title       string `json:"title"`
	TermsHash   string `json:"termsHash"`
	State       string `json:"state"`

	BuyerCancelRequested  bool `json:"buyerCancelRequested"`
	SellerCancelRequested bool `json:"sellerCancelRequested"`

	BuyerEvidence   string `json:"buyerEvidence,omitempty"`
	SellerEvidence  string `json:"sellerEvidence,omitempty"`
	ArbiterEvidence string `json:"arbiterEvidence,omitempty"`
	DisputeStart    int64  `json:"disputeStart,omitempty"`

	PaidOut bool `json:"paidOut,omitempty"`
}

func renderAddr(addr [20]byte) string {
	return crypto.NewAddress(crypto.PalPrefix, addr[:]).String()
}

func viewOf(esc *escrow.Escrow) escrowView {
	return escrowView{
		ID:          esc.ID,
		Buyer:       renderAddr(esc.Buyer),
		Seller:      renderAddr(esc.Seller),
		Arbiter:     renderAddr(esc.Arbiter),
		Token:       renderAddr(esc.Token),
		Amount:      esc.Amount.String(),
		Maturity:    esc.Maturity,
		DepositTime: esc.DepositTime,
		CreatedAt:   esc.CreatedAt,
		Title:       esc.Title,
		TermsHash:   esc.TermsHash,
		State:       esc.State.String(),

		BuyerCancelRequested:  esc.BuyerCancelRequested,
		SellerCancelRequested: esc.SellerCancelRequested,

		BuyerEvidence:   esc.BuyerEvidence,
		SellerEvidence:  esc.SellerEvidence,
		ArbiterEvidence: esc.ArbiterEvidence,
		DisputeStart:    esc.DisputeStart,

		PaidOut: esc.PaidOut,
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	err := s.create(w, r)
	s.metrics.Observe("create", err, started)
	if err != nil {
		s.logger.Printf("rpc: create failed: %v", err)
		writeError(w, err)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Seller    string `json:"seller"`
		Buyer     string `json:"buyer"`
		Arbiter   string `json:"arbiter,omitempty"`
		Token     string `json:"token"`
		Amount    string `json:"amount"`
		Maturity  int64  `json:"maturity"`
		Title     string `json:"title"`
		TermsHash string `json:"termsHash"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	seller, err := parseAddr(req.Seller)
	if err != nil {
		return err
	}
	buyer, err := parseAddr(req.Buyer)
	if err != nil {
		return err
	}
	arbiter, err := parseOptionalAddr(req.Arbiter)
	if err != nil {
		return err
	}
	token, err := parseAddr(req.Token)
	if err != nil {
		return err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return err
	}
	esc, err := s.engine.Create(seller, buyer, arbiter, token, amount, req.Maturity, req.Title, req.TermsHash)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, viewOf(esc))
	return nil
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) callerAction(r *http.Request, fn func(id uint64, caller [20]byte) error) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		return err
	}
	return fn(id, caller)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) error {
	if err := s.callerAction(r, s.engine.Deposit); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
	return nil
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) error {
	if err := s.callerAction(r, s.engine.ConfirmDelivery); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
	return nil
}

type signedRequest struct {
	Role      string `json:"role,omitempty"`
	Signature string `json:"signature"`
	Deadline  int64  `json:"deadline"`
	Nonce     uint64 `json:"nonce"`
	Outcome   string `json:"outcome,omitempty"`
	Evidence  string `json:"evidence,omitempty"`
}

func (s *Server) handleConfirmSigned(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req signedRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		return err
	}
	if err := s.engine.ConfirmDeliverySigned(id, sig, req.Deadline, req.Nonce); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "complete"})
	return nil
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) error {
	if err := s.callerAction(r, s.engine.RequestCancel); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel-requested"})
	return nil
}

func (s *Server) handleRequestCancelSigned(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req signedRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	role, err := parseRole(req.Role)
	if err != nil {
		return err
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		return err
	}
	if err := s.engine.RequestCancelSigned(id, role, sig, req.Deadline, req.Nonce); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancel-requested"})
	return nil
}

func (s *Server) handleCancelTimeout(w http.ResponseWriter, r *http.Request) error {
	if err := s.callerAction(r, s.engine.CancelByTimeout); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	return nil
}

func (s *Server) handleStartDispute(w http.ResponseWriter, r *http.Request) error {
	if err := s.callerAction(r, s.engine.StartDispute); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disputed"})
	return nil
}

func (s *Server) handleStartDisputeSigned(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req signedRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	role, err := parseRole(req.Role)
	if err != nil {
		return err
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		return err
	}
	if err := s.engine.StartDisputeSigned(id, role, sig, req.Deadline, req.Nonce); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disputed"})
	return nil
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req struct {
		Caller   string `json:"caller"`
		Evidence string `json:"evidence"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		return err
	}
	if err := s.engine.SubmitDisputeMessage(id, caller, req.Evidence); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	return nil
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req struct {
		Caller   string `json:"caller"`
		Outcome  string `json:"outcome"`
		Evidence string `json:"evidence,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		return err
	}
	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		return err
	}
	if err := s.engine.SubmitArbiterDecision(id, caller, outcome, req.Evidence); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "outcome": outcome.String()})
	return nil
}

func (s *Server) handleDecisionSigned(w http.ResponseWriter, r *http.Request) error {
	id, err := parseID(r)
	if err != nil {
		return err
	}
	var req signedRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	outcome, err := parseOutcome(req.Outcome)
	if err != nil {
		return err
	}
	sig, err := parseSignature(req.Signature)
	if err != nil {
		return err
	}
	if err := s.engine.ResolveDisputeSigned(id, outcome, sig, req.Deadline, req.Nonce, req.Evidence); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "outcome": outcome.String()})
	return nil
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) error {
	if err := s.callerAction(r, s.engine.Withdraw); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
	return nil
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) error {
	token, err := parseAddr(chi.URLParam(r, "token"))
	if err != nil {
		return err
	}
	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		return err
	}
	if err := s.engine.WithdrawFees(token, caller); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
	return nil
}

func (s *Server) handleSetAllowedToken(w http.ResponseWriter, r *http.Request) error {
	token, err := parseAddr(chi.URLParam(r, "token"))
	if err != nil {
		return err
	}
	var req struct {
		Caller  string `json:"caller"`
		Allowed bool   `json:"allowed"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	caller, err := parseAddr(req.Caller)
	if err != nil {
		return err
	}
	if err := s.engine.SetAllowedToken(caller, token, req.Allowed); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": req.Allowed})
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	esc, err := s.engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(esc))
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	role, err := parseRole(chi.URLParam(r, "role"))
	if err != nil {
		writeError(w, err)
		return
	}
	nonce, err := s.engine.Nonce(id, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"nonce": nonce})
}

func (s *Server) handleWithdrawable(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := parseAddr(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.engine.Withdrawable(id, addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"withdrawable": amount.String()})
}

func (s *Server) handleFeePool(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddr(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.engine.FeePool(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feePool": amount.String()})
}
