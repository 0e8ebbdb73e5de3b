// Package auth authenticates back-office calls with a shared-secret HMAC
// over the request timestamp and body.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names carried by signed requests.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// DefaultTolerance is how far a request timestamp may drift from the
// server clock.
const DefaultTolerance = 5 * time.Minute

var (
	// ErrMissingSignature signals absent timestamp or signature headers.
	ErrMissingSignature = errors.New("auth: missing signature headers")
	// ErrStaleTimestamp signals a timestamp outside the tolerance window.
	ErrStaleTimestamp = errors.New("auth: timestamp outside tolerance")
	// ErrBadSignature signals a signature that does not match the body.
	ErrBadSignature = errors.New("auth: signature mismatch")
	// ErrReplayed signals a signature that was already accepted.
	ErrReplayed = errors.New("auth: request replayed")
)

// Verifier checks signed requests.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	replay    ReplayGuard
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithReplayGuard rejects a signature seen before within the tolerance.
func WithReplayGuard(g ReplayGuard) Option {
	return func(v *Verifier) { v.replay = g }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier. A non-positive tolerance selects
// DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: empty shared secret")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks freshness first, then the MAC, then replay.
func (v *Verifier) Verify(ctx context.Context, timestamp, signature string, body []byte) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)
	if timestamp == "" || signature == "" {
		return ErrMissingSignature
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrStaleTimestamp)
	}
	drift := v.now().Sub(time.Unix(secs, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.tolerance {
		return ErrStaleTimestamp
	}

	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, mac(v.secret, timestamp, body)) {
		return ErrBadSignature
	}

	if v.replay != nil {
		// keyed on the canonical MAC; hex decoding ignores letter case
		fresh, err := v.replay.Remember(ctx, hex.EncodeToString(got), v.tolerance)
		if err != nil {
			return fmt.Errorf("auth: replay guard: %w", err)
		}
		if !fresh {
			return ErrReplayed
		}
	}
	return nil
}

// Sign returns the header values for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return timestamp, hex.EncodeToString(mac([]byte(secret), timestamp, body))
}

func mac(secret []byte, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write(body)
	return h.Sum(nil)
}
