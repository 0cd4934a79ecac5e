package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"palindromepay/crypto"
	gatewayauth "palindromepay/gateway/auth"
	"palindromepay/native/bank"
	"palindromepay/native/escrow"
	"palindromepay/storage"
)

type serverHarness struct {
	engine *escrow.Engine
	ledger *bank.Ledger
	server *httptest.Server

	buyer     [20]byte
	seller    [20]byte
	arbiter   [20]byte
	operator  [20]byte
	tokenAddr [20]byte
	vaultAddr [20]byte
}

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func bech(a [20]byte) string {
	return crypto.NewAddress(crypto.PalPrefix, a[:]).String()
}

func newServerHarness(t *testing.T, auth *gatewayauth.Authenticator) *serverHarness {
	t.Helper()
	h := &serverHarness{
		buyer:     addr(0x01),
		seller:    addr(0x02),
		arbiter:   addr(0x03),
		operator:  addr(0x04),
		tokenAddr: addr(0x05),
		vaultAddr: addr(0x06),
	}

	db := storage.NewMemDB()
	h.ledger = bank.NewLedger(db)

	vault := escrow.NewVault(h.vaultAddr)
	vault.RegisterToken(h.tokenAddr, h.ledger)
	vault.SetAllowed(h.tokenAddr, true)

	h.engine = escrow.NewEngine()
	h.engine.SetState(escrow.NewStoreState(db))
	h.engine.SetVault(vault)
	h.engine.SetAuthorizer(escrow.NewAuthorizer(31337, h.vaultAddr))
	h.engine.SetOperator(h.operator)
	require.NoError(t, h.engine.SetFeeBps(100))

	logger := log.New(io.Discard, "", 0)
	h.server = httptest.NewServer(NewServer(h.engine, auth, logger).Router())
	t.Cleanup(h.server.Close)
	return h
}

func (h *serverHarness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	return resp, payload
}

func (h *serverHarness) createEscrow(t *testing.T, amount string) uint64 {
	t.Helper()
	resp, payload := h.do(t, http.MethodPost, "/v1/escrows", map[string]any{
		"seller":    bech(h.seller),
		"buyer":     bech(h.buyer),
		"arbiter":   bech(h.arbiter),
		"token":     bech(h.tokenAddr),
		"amount":    amount,
		"maturity":  0,
		"title":     "bike frame",
		"termsHash": "0xfeed",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return uint64(payload["id"].(float64))
}

func (h *serverHarness) fundBuyer(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, h.ledger.Mint(h.buyer, big.NewInt(amount)))
	require.NoError(t, h.ledger.Approve(h.buyer, h.vaultAddr, big.NewInt(amount)))
}

func TestCreateAndGetEscrow(t *testing.T) {
	h := newServerHarness(t, nil)
	id := h.createEscrow(t, "1000000")

	resp, payload := h.do(t, http.MethodGet, "/v1/escrows/"+strconv.FormatUint(id, 10), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AWAITING_PAYMENT", payload["state"])
	require.Equal(t, bech(h.buyer), payload["buyer"])
	require.Equal(t, "1000000", payload["amount"])

	resp, _ = h.do(t, http.MethodGet, "/v1/escrows/999", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	h := newServerHarness(t, nil)
	id := h.createEscrow(t, "1000000")
	h.fundBuyer(t, 1_000_000)
	path := "/v1/escrows/" + strconv.FormatUint(id, 10)

	resp, _ := h.do(t, http.MethodPost, path+"/deposit", map[string]any{"caller": bech(h.buyer)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, path+"/confirm", map[string]any{"caller": bech(h.buyer)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload := h.do(t, http.MethodGet, path+"/withdrawable/"+bech(h.seller), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "990000", payload["withdrawable"])

	resp, payload = h.do(t, http.MethodGet, "/v1/fees/"+bech(h.tokenAddr), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "10000", payload["feePool"])

	resp, _ = h.do(t, http.MethodPost, path+"/withdraw", map[string]any{"caller": bech(h.seller)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, payload = h.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "WITHDRAWN", payload["state"])

	sellerBal, err := h.ledger.BalanceOf(h.seller)
	require.NoError(t, err)
	require.Equal(t, int64(990_000), sellerBal.Int64())
}

func TestErrorStatusMapping(t *testing.T) {
	h := newServerHarness(t, nil)
	id := h.createEscrow(t, "1000000")
	path := "/v1/escrows/" + strconv.FormatUint(id, 10)

	// Non-buyer deposit is forbidden.
	h.fundBuyer(t, 1_000_000)
	resp, _ := h.do(t, http.MethodPost, path+"/deposit", map[string]any{"caller": bech(h.seller)})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Confirming before deposit conflicts with the lifecycle.
	resp, _ = h.do(t, http.MethodPost, path+"/confirm", map[string]any{"caller": bech(h.buyer)})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Malformed bodies and addresses are client errors.
	resp, _ = h.do(t, http.MethodPost, path+"/deposit", map[string]any{"caller": "nonsense"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/v1/escrows/not-a-number", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNonceQuery(t *testing.T) {
	h := newServerHarness(t, nil)
	id := h.createEscrow(t, "1000000")
	path := "/v1/escrows/" + strconv.FormatUint(id, 10)

	resp, payload := h.do(t, http.MethodGet, path+"/nonce/buyer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(0), payload["nonce"])

	resp, _ = h.do(t, http.MethodGet, path+"/nonce/stranger", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	h := newServerHarness(t, nil)
	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := gatewayauth.NewAuthenticator(map[string]string{"ops": "secret"}, 2*time.Minute, 10*time.Minute, func() time.Time { return now })
	h := newServerHarness(t, auth)

	nextToken := addr(0x42)
	path := "/v1/tokens/" + bech(nextToken)
	body, err := json.Marshal(map[string]any{"caller": bech(h.operator), "allowed": true})
	require.NoError(t, err)

	// Unsigned request is rejected before it reaches the engine.
	resp, _ := h.do(t, http.MethodPut, path, map[string]any{"caller": bech(h.operator), "allowed": true})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, h.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(gatewayauth.HeaderAPIKey, "ops")
	req.Header.Set(gatewayauth.HeaderTimestamp, timestamp)
	req.Header.Set(gatewayauth.HeaderNonce, "nonce-1")
	sig := gatewayauth.ComputeSignature("secret", timestamp, "nonce-1", http.MethodPut, path, body)
	req.Header.Set(gatewayauth.HeaderSignature, hex.EncodeToString(sig))

	signed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer signed.Body.Close()
	require.Equal(t, http.StatusOK, signed.StatusCode)
}
