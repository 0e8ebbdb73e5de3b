package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "shared-secret"

var now = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func newVerifier(t *testing.T, opts ...Option) *Verifier {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	v, err := NewVerifier(secret, 0, opts...)
	require.NoError(t, err)
	return v
}

func TestVerify(t *testing.T) {
	body := []byte(`{"client_name":"Jane Doe"}`)
	ts, sig := Sign(secret, now, body)

	tests := []struct {
		name      string
		timestamp string
		signature string
		body      []byte
		want      error
	}{
		{"valid", ts, sig, body, nil},
		{"missing timestamp", "", sig, body, ErrMissingSignature},
		{"missing signature", ts, "", body, ErrMissingSignature},
		{"tampered body", ts, sig, []byte(`{"client_name":"Eve"}`), ErrBadSignature},
		{"not hex", ts, "zz", body, ErrBadSignature},
		{"malformed timestamp", "yesterday", sig, body, ErrStaleTimestamp},
		{"too old", strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10), sig, body, ErrStaleTimestamp},
		{"too far ahead", strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10), sig, body, ErrStaleTimestamp},
	}
	v := newVerifier(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(context.Background(), tt.timestamp, tt.signature, tt.body)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerify_WithinToleranceEdge(t *testing.T) {
	body := []byte("{}")
	ts, sig := Sign(secret, now.Add(-5*time.Minute), body)
	assert.NoError(t, newVerifier(t).Verify(context.Background(), ts, sig, body))
}

func TestVerify_ReplayGuard(t *testing.T) {
	guard := NewMemoryReplayGuard()
	guard.now = func() time.Time { return now }
	v := newVerifier(t, WithReplayGuard(guard))

	body := []byte("{}")
	ts, sig := Sign(secret, now, body)
	require.NoError(t, v.Verify(context.Background(), ts, sig, body))
	assert.ErrorIs(t, v.Verify(context.Background(), ts, sig, body), ErrReplayed)
	assert.ErrorIs(t, v.Verify(context.Background(), ts, strings.ToUpper(sig), body), ErrReplayed,
		"changing letter case must not produce a fresh signature")

	// a rejected signature is not remembered
	_, other := Sign(secret, now, []byte("[]"))
	assert.ErrorIs(t, v.Verify(context.Background(), ts, other, body), ErrBadSignature)
}

func TestMemoryReplayGuard_Expires(t *testing.T) {
	clock := now
	guard := NewMemoryReplayGuard()
	guard.now = func() time.Time { return clock }

	fresh, err := guard.Remember(context.Background(), "sig", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	clock = clock.Add(time.Minute)
	fresh, err = guard.Remember(context.Background(), "sig", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("", time.Minute)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t)
	var failed error
	h := Middleware(v, func(w http.ResponseWriter, r *http.Request, err error) {
		failed = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))

	body := `{"template_type":"cea"}`
	ts, sig := Sign(secret, now, []byte(body))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/initiate", strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String(), "handler must see the original body")

	req = httptest.NewRequest(http.MethodPost, "/api/v1/initiate", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing", Reason(failed))

	big := strings.Repeat("x", MaxBodyBytes+1)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/initiate", strings.NewReader(big))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "too_large", Reason(failed))
}

// TestRedisReplayGuard requires a Redis instance on localhost:6379.
func TestRedisReplayGuard(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	guard := NewRedisReplayGuard(client)
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)

	fresh, err := guard.Remember(context.Background(), key, time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = guard.Remember(context.Background(), key, time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestConnect(t *testing.T) {
	c, err := Connect("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Options().DB)

	c, err = Connect("cache:6380")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", c.Options().Addr)

	_, err = Connect("redis://host:notaport/x")
	assert.Error(t, err)
}
