package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps the body read for verification.
const MaxBodyBytes = 1 << 20

// ErrBodyTooLarge is passed to the failure handler for oversized bodies.
var ErrBodyTooLarge = errors.New("auth: request body too large")

// Middleware verifies the request signature before next runs and restores
// the body for it. Failures go to onFail, which writes the response.
func Middleware(v *Verifier, onFail func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					err = ErrBodyTooLarge
				}
				onFail(w, r, err)
				return
			}

			err = v.Verify(r.Context(), r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body)
			if err != nil {
				onFail(w, r, err)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// Reason maps a verification error to a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, ErrBadSignature):
		return "mismatch"
	case errors.Is(err, ErrReplayed):
		return "replayed"
	case errors.Is(err, ErrBodyTooLarge):
		return "too_large"
	default:
		return "error"
	}
}
