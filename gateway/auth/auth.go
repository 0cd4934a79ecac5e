// Package auth verifies API key + HMAC signatures on requests hitting the
// settlement engine's administrative HTTP surface.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrUnknownAPIKey      = errors.New("auth: unknown api key")
	ErrStaleTimestamp     = errors.New("auth: timestamp outside allowed skew")
	ErrNonceReused        = errors.New("auth: nonce already used")
	ErrBadSignature       = errors.New("auth: signature mismatch")
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

type principalKey struct{}

// FromContext returns the authenticated principal attached to the request
// context, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Nonces are tracked in a TTL window per API key so a captured request
// cannot be replayed.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	nowFn    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator creates an authenticator over the key/secret pairs.
func NewAuthenticator(secrets map[string]string, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	if nonceTTL <= 0 {
		nonceTTL = 10 * time.Minute
	}
	copied := make(map[string]string, len(secrets))
	for key, secret := range secrets {
		copied[key] = secret
	}
	return &Authenticator{
		secrets:  copied,
		skew:     skew,
		nonceTTL: nonceTTL,
		nowFn:    nowFn,
		nonces:   make(map[string]time.Time),
	}
}

// ComputeSignature returns the HMAC-SHA256 signature clients must present:
// HMAC(secret, timestamp \n nonce \n method \n path \n sha256(body)).
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write(bodyHash[:])
	return mac.Sum(nil)
}

// Authenticate validates the request headers and body signature, returning
// the authenticated principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (Principal, error) {
	apiKey := r.Header.Get(HeaderAPIKey)
	timestamp := r.Header.Get(HeaderTimestamp)
	nonce := r.Header.Get(HeaderNonce)
	signature := r.Header.Get(HeaderSignature)
	if apiKey == "" || timestamp == "" || nonce == "" || signature == "" {
		return Principal{}, ErrMissingCredentials
	}
	secret, ok := a.secrets[apiKey]
	if !ok {
		return Principal{}, ErrUnknownAPIKey
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Principal{}, ErrStaleTimestamp
	}
	now := a.nowFn()
	issued := time.Unix(ts, 0)
	if issued.Before(now.Add(-a.skew)) || issued.After(now.Add(a.skew)) {
		return Principal{}, ErrStaleTimestamp
	}
	expected := ComputeSignature(secret, timestamp, nonce, r.Method, r.URL.Path, body)
	presented, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, presented) {
		return Principal{}, ErrBadSignature
	}
	// Record the nonce only for authenticated requests so a forged request
	// cannot burn a pair the legitimate client has yet to use.
	if !a.rememberNonce(apiKey+"/"+nonce, now) {
		return Principal{}, ErrNonceReused
	}
	return Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) rememberNonce(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := now.Add(-a.nonceTTL)
	for nonce, seen := range a.nonces {
		if seen.Before(cutoff) {
			delete(a.nonces, nonce)
		}
	}
	if _, used := a.nonces[key]; used {
		return false
	}
	a.nonces[key] = now
	return true
}

// Middleware enforces authentication on the wrapped handler and attaches
// the principal to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
		if err != nil || len(body) > MaxBodyForSignature {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		principal, err := a.Authenticate(r, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
