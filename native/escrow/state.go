package escrow

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"palindromepay/storage"
)

const (
	keyNextID         = "escrow/next-id"
	keyRecordPrefix   = "escrow/record/"
	keyWithdrawPrefix = "escrow/withdrawable/"
	keyFeePoolPrefix  = "escrow/feepool/"
)

// StoreState persists engine state through a storage.Database. Escrow
// records are stored as JSON with string-encoded big integers; balances and
// fee pools as decimal strings.
type StoreState struct {
	db storage.Database
}

// NewStoreState wraps the database as an engine state backend.
func NewStoreState(db storage.Database) *StoreState {
	return &StoreState{db: db}
}

type escrowRecord struct {
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
	State       uint8  `json:"state"`

	BuyerCancelRequested  bool `json:"buyerCancelRequested"`
	SellerCancelRequested bool `json:"sellerCancelRequested"`

	BuyerNonce   uint64 `json:"buyerNonce"`
	SellerNonce  uint64 `json:"sellerNonce"`
	ArbiterNonce uint64 `json:"arbiterNonce"`

	BuyerEvidence   string `json:"buyerEvidence,omitempty"`
	SellerEvidence  string `json:"sellerEvidence,omitempty"`
	ArbiterEvidence string `json:"arbiterEvidence,omitempty"`
	DisputeStart    int64  `json:"disputeStart,omitempty"`

	PaidOut bool `json:"paidOut,omitempty"`
}

func encodeRecord(e *Escrow) ([]byte, error) {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return nil, err
	}
	rec := escrowRecord{
		ID:          sanitized.ID,
		Buyer:       hex.EncodeToString(sanitized.Buyer[:]),
		Seller:      hex.EncodeToString(sanitized.Seller[:]),
		Arbiter:     hex.EncodeToString(sanitized.Arbiter[:]),
		Token:       hex.EncodeToString(sanitized.Token[:]),
		Amount:      sanitized.Amount.String(),
		Maturity:    sanitized.Maturity,
		DepositTime: sanitized.DepositTime,
		CreatedAt:   sanitized.CreatedAt,
		Title:       sanitized.Title,
		TermsHash:   sanitized.TermsHash,
		State:       uint8(sanitized.State),

		BuyerCancelRequested:  sanitized.BuyerCancelRequested,
		SellerCancelRequested: sanitized.SellerCancelRequested,

		BuyerNonce:   sanitized.BuyerNonce,
		SellerNonce:  sanitized.SellerNonce,
		ArbiterNonce: sanitized.ArbiterNonce,

		BuyerEvidence:   sanitized.BuyerEvidence,
		SellerEvidence:  sanitized.SellerEvidence,
		ArbiterEvidence: sanitized.ArbiterEvidence,
		DisputeStart:    sanitized.DisputeStart,

		PaidOut: sanitized.PaidOut,
	}
	return json.Marshal(rec)
}

func decodeAddr(field, value string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(value)
	if err != nil {
		return addr, fmt.Errorf("escrow state: decode %s: %w", field, err)
	}
	if len(raw) != 20 {
		return addr, fmt.Errorf("escrow state: %s must be 20 bytes (got %d)", field, len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

func decodeRecord(raw []byte) (*Escrow, error) {
	var rec escrowRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(rec.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("escrow state: corrupt amount %q", rec.Amount)
	}
	esc := &Escrow{
		ID:          rec.ID,
		Amount:      amount,
		Maturity:    rec.Maturity,
		DepositTime: rec.DepositTime,
		CreatedAt:   rec.CreatedAt,
		Title:       rec.Title,
		TermsHash:   rec.TermsHash,
		State:       State(rec.State),

		BuyerCancelRequested:  rec.BuyerCancelRequested,
		SellerCancelRequested: rec.SellerCancelRequested,

		BuyerNonce:   rec.BuyerNonce,
		SellerNonce:  rec.SellerNonce,
		ArbiterNonce: rec.ArbiterNonce,

		BuyerEvidence:   rec.BuyerEvidence,
		SellerEvidence:  rec.SellerEvidence,
		ArbiterEvidence: rec.ArbiterEvidence,
		DisputeStart:    rec.DisputeStart,

		PaidOut: rec.PaidOut,
	}
	var err error
	if esc.Buyer, err = decodeAddr("buyer", rec.Buyer); err != nil {
		return nil, err
	}
	if esc.Seller, err = decodeAddr("seller", rec.Seller); err != nil {
		return nil, err
	}
	if esc.Arbiter, err = decodeAddr("arbiter", rec.Arbiter); err != nil {
		return nil, err
	}
	if esc.Token, err = decodeAddr("token", rec.Token); err != nil {
		return nil, err
	}
	return esc, nil
}

func recordKey(id uint64) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)
	return []byte(keyRecordPrefix + hex.EncodeToString(seq[:]))
}

func withdrawableKey(id uint64, addr [20]byte) []byte {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)
	return []byte(keyWithdrawPrefix + hex.EncodeToString(seq[:]) + "/" + hex.EncodeToString(addr[:]))
}

func feePoolKey(token [20]byte) []byte {
	return []byte(keyFeePoolPrefix + hex.EncodeToString(token[:]))
}

// EscrowPut persists a sanitized copy of the escrow record.
func (s *StoreState) EscrowPut(e *Escrow) error {
	encoded, err := encodeRecord(e)
	if err != nil {
		return err
	}
	return s.db.Put(recordKey(e.ID), encoded)
}

// EscrowGet loads the escrow record for the id.
func (s *StoreState) EscrowGet(id uint64) (*Escrow, bool) {
	raw, err := s.db.Get(recordKey(id))
	if err != nil {
		return nil, false
	}
	esc, err := decodeRecord(raw)
	if err != nil {
		return nil, false
	}
	return esc, true
}

// NextEscrowID allocates the next monotonically increasing escrow id.
func (s *StoreState) NextEscrowID() (uint64, error) {
	var next uint64
	raw, err := s.db.Get([]byte(keyNextID))
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("escrow state: corrupt id counter")
		}
		next = binary.BigEndian.Uint64(raw)
	case errors.Is(err, storage.ErrKeyNotFound):
		next = 0
	default:
		return 0, err
	}
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], next+1)
	if err := s.db.Put([]byte(keyNextID), encoded[:]); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *StoreState) loadAmount(key []byte) (*big.Int, error) {
	raw, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return big.NewInt(0), nil
		}
		return nil, err
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("escrow state: corrupt amount for key %q", key)
	}
	return value, nil
}

// WithdrawableGet returns the claimable balance for the pair, zero when none
// was ever credited.
func (s *StoreState) WithdrawableGet(id uint64, addr [20]byte) (*big.Int, error) {
	return s.loadAmount(withdrawableKey(id, addr))
}

// WithdrawableSet stores the claimable balance for the pair.
func (s *StoreState) WithdrawableSet(id uint64, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow state: withdrawable must be non-negative")
	}
	return s.db.Put(withdrawableKey(id, addr), []byte(amount.String()))
}

// FeePoolGet returns the accrued protocol fees for the token.
func (s *StoreState) FeePoolGet(token [20]byte) (*big.Int, error) {
	return s.loadAmount(feePoolKey(token))
}

// FeePoolSet stores the accrued protocol fees for the token.
func (s *StoreState) FeePoolSet(token [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("escrow state: fee pool must be non-negative")
	}
	return s.db.Put(feePoolKey(token), []byte(amount.String()))
}
