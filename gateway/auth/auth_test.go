package auth

import (
	"bytes"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testKey    = "ops-key"
	testSecret = "super-secret"
)

func newTestAuthenticator(now time.Time) *Authenticator {
	return NewAuthenticator(map[string]string{testKey: testSecret}, 2*time.Minute, 10*time.Minute, func() time.Time { return now })
}

func signedRequest(t *testing.T, now time.Time, nonce string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/pal1abc", bytes.NewReader(body))
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderAPIKey, testKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	sig := ComputeSignature(testSecret, timestamp, nonce, req.Method, req.URL.Path, body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestAuthenticateSuccess(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	body := []byte(`{"allowed":true}`)

	req := signedRequest(t, now, "nonce-1", body)
	principal, err := a.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, testKey, principal.APIKey)
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)

	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/pal1abc", nil)
	_, err := a.Authenticate(req, nil)
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	body := []byte(`{}`)

	req := signedRequest(t, now, "nonce-1", body)
	req.Header.Set(HeaderAPIKey, "not-a-key")
	_, err := a.Authenticate(req, body)
	require.ErrorIs(t, err, ErrUnknownAPIKey)
}

func TestAuthenticateStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	body := []byte(`{}`)

	req := signedRequest(t, now.Add(-3*time.Minute), "nonce-1", body)
	_, err := a.Authenticate(req, body)
	require.ErrorIs(t, err, ErrStaleTimestamp)

	req = signedRequest(t, now.Add(3*time.Minute), "nonce-2", body)
	_, err = a.Authenticate(req, body)
	require.ErrorIs(t, err, ErrStaleTimestamp)
}

func TestAuthenticateNonceReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	body := []byte(`{}`)

	req := signedRequest(t, now, "nonce-1", body)
	_, err := a.Authenticate(req, body)
	require.NoError(t, err)

	req = signedRequest(t, now, "nonce-1", body)
	_, err = a.Authenticate(req, body)
	require.ErrorIs(t, err, ErrNonceReused)
}

func TestBadSignatureDoesNotConsumeNonce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	body := []byte(`{"allowed":true}`)

	forged := signedRequest(t, now, "nonce-1", body)
	forged.Header.Set(HeaderSignature, "deadbeef")
	_, err := a.Authenticate(forged, body)
	require.ErrorIs(t, err, ErrBadSignature)

	// The legitimate client can still use the same nonce afterwards.
	req := signedRequest(t, now, "nonce-1", body)
	_, err = a.Authenticate(req, body)
	require.NoError(t, err)
}

func TestAuthenticateTamperedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)

	req := signedRequest(t, now, "nonce-1", []byte(`{"allowed":true}`))
	_, err := a.Authenticate(req, []byte(`{"allowed":false}`))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestMiddleware(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestAuthenticator(now)
	body := []byte(`{"allowed":true}`)

	var principal Principal
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(t, now, "nonce-1", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, testKey, principal.APIKey)

	rec = httptest.NewRecorder()
	unsigned := httptest.NewRequest(http.MethodPost, "/v1/tokens/pal1abc", bytes.NewReader(body))
	handler.ServeHTTP(rec, unsigned)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
