package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signflow/artifacts"
	"signflow/auth"
	"signflow/overlay"
	"signflow/signing"
	"signflow/templates"
)

const testSecret = "back-office-secret"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubSigning struct {
	created   signing.Created
	createErr error
	gotCreate signing.CreateParams

	preview signing.Preview
	openErr error

	submitErr error
	gotSubmit signing.SubmitParams

	request    signing.Request
	requestErr error
	gotRef     signing.Ref
	gotReason  string
}

func (s *stubSigning) Create(_ context.Context, p signing.CreateParams) (signing.Created, error) {
	s.gotCreate = p
	return s.created, s.createErr
}

func (s *stubSigning) Open(_ context.Context, _ string, _ signing.Client) (signing.Preview, error) {
	return s.preview, s.openErr
}

func (s *stubSigning) Submit(_ context.Context, _ string, p signing.SubmitParams) (signing.SignedDocument, error) {
	s.gotSubmit = p
	return signing.SignedDocument{Request: s.request}, s.submitErr
}

func (s *stubSigning) Decline(_ context.Context, _ string, reason string, _ signing.Client) (signing.Request, error) {
	s.gotReason = reason
	return s.request, s.requestErr
}

func (s *stubSigning) FinalReview(_ context.Context, _ string, _ signing.Client) (signing.Request, error) {
	return s.request, s.requestErr
}

func (s *stubSigning) MarkDeliveryFailed(_ context.Context, id, reason string) (signing.Request, error) {
	s.gotRef = signing.ByID(id)
	s.gotReason = reason
	return s.request, s.requestErr
}

func (s *stubSigning) RecordExternalReference(_ context.Context, ref signing.Ref, _ string, _ string) (signing.Request, error) {
	s.gotRef = ref
	return s.request, s.requestErr
}

func (s *stubSigning) Get(_ context.Context, ref signing.Ref) (signing.Request, error) {
	s.gotRef = ref
	return s.request, s.requestErr
}

func (s *stubSigning) FinalReviewURL(token string) string {
	return "https://sign.example.com/v1/sign/final/" + token
}

type stubArtifacts struct {
	dir string
	err error
}

func (s stubArtifacts) Open(kind artifacts.Kind, rel string) (*os.File, error) {
	if s.err != nil {
		return nil, s.err
	}
	return os.Open(filepath.Join(s.dir, string(kind), rel))
}

func newTestServer(t *testing.T, svc SigningService, arts ArtifactOpener) http.Handler {
	t.Helper()
	verifier, err := auth.NewVerifier(testSecret, time.Minute)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return NewServer(svc, arts, verifier, discard).Router()
}

func signedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ts, sig := auth.Sign(testSecret, time.Now(), []byte(body))
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response %q: %v", rec.Body.String(), err)
	}
	return resp.Error
}

func TestHandleInitiate_Success(t *testing.T) {
	expires := time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubSigning{created: signing.Created{
		Request:    signing.Request{ID: "r1", ExpiresAt: expires},
		Token:      "tok",
		SigningURL: "https://sign.example.com/v1/sign/tok",
	}}
	h := newTestServer(t, svc, nil)

	body := `{"client_name":"Jane Doe","client_email":"jane@example.com","template_type":"cea","salesforce_case_id":"500X"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/initiate", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp initiateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token != "tok" || resp.SigningURL != "https://sign.example.com/v1/sign/tok" || resp.ID != "r1" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.ExpiresAt != expires.Format(time.RFC3339) {
		t.Fatalf("expected expires_at %s, got %s", expires.Format(time.RFC3339), resp.ExpiresAt)
	}
	if svc.gotCreate.ExternalCaseID != "500X" {
		t.Fatalf("salesforce_case_id alias not applied: %+v", svc.gotCreate)
	}
}

func TestHandleInitiate_Unsigned(t *testing.T) {
	h := newTestServer(t, &stubSigning{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/initiate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeError(t, rec).Code; code != codeUnauthorized {
		t.Fatalf("expected %s, got %s", codeUnauthorized, code)
	}
}

func TestHandleInitiate_StaleTimestamp(t *testing.T) {
	h := newTestServer(t, &stubSigning{}, nil)

	body := `{}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/initiate", strings.NewReader(body))
	ts, sig := auth.Sign(testSecret, time.Now().Add(-10*time.Minute), []byte(body))
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleInitiate_ValidationError(t *testing.T) {
	svc := &stubSigning{createErr: &signing.ValidationError{Fields: []string{"client_email", "template_type"}}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/initiate", `{"client_name":"Jane"}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	detail := decodeError(t, rec)
	if detail.Code != codeValidation || !strings.Contains(detail.Message, "client_email, template_type") {
		t.Fatalf("unexpected error: %+v", detail)
	}
}

func TestHandleInitiate_UnknownTemplate(t *testing.T) {
	svc := &stubSigning{createErr: errors.Join(errors.New("signing: create"), templates.ErrUnknownTemplate)}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/initiate", `{}`))

	if code := decodeError(t, rec).Code; rec.Code != http.StatusBadRequest || code != codeUnknownTemplate {
		t.Fatalf("expected 400 %s, got %d %s", codeUnknownTemplate, rec.Code, code)
	}
}

func TestHandleInitiate_InvalidJSON(t *testing.T) {
	h := newTestServer(t, &stubSigning{}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/initiate", `{"client_name":`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleInitiate_UnexpectedError(t *testing.T) {
	h := newTestServer(t, &stubSigning{createErr: errors.New("connection reset")}, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/initiate", `{}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
}

func TestHandleEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		want    int
		wantRef signing.Ref
	}{
		{"by token", `{"token":"tok","envelope_document_id":"a0X1"}`, nil, http.StatusOK, signing.ByToken("tok")},
		{"by id", `{"id":"r1","envelope_document_id":"a0X1"}`, nil, http.StatusOK, signing.ByID("r1")},
		{"neither", `{"envelope_document_id":"a0X1"}`, nil, http.StatusBadRequest, signing.Ref{}},
		{"both", `{"id":"r1","token":"tok","envelope_document_id":"a0X1"}`, nil, http.StatusBadRequest, signing.Ref{}},
		{"conflict", `{"id":"r1","envelope_document_id":"a0X2"}`, signing.ErrReferenceConflict, http.StatusConflict, signing.ByID("r1")},
		{"unknown", `{"id":"nope","envelope_document_id":"a0X1"}`, signing.ErrNotFound, http.StatusNotFound, signing.ByID("nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubSigning{request: signing.Request{ID: "r1", ExternalEnvelopeID: "a0X1"}, requestErr: tt.err}
			h := newTestServer(t, svc, nil)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/envelope", tt.body))

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if svc.gotRef != tt.wantRef {
				t.Fatalf("expected ref %+v, got %+v", tt.wantRef, svc.gotRef)
			}
		})
	}
}

func TestHandleDeliveryFailure(t *testing.T) {
	svc := &stubSigning{request: signing.Request{ID: "r1", Status: signing.StatusDeliveryFailure, ExpiresAt: time.Now().Add(time.Hour)}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/delivery-failure", `{"id":"r1","reason":"bounced"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp requestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(signing.StatusDeliveryFailure) || svc.gotReason != "bounced" {
		t.Fatalf("unexpected result: %+v reason=%q", resp, svc.gotReason)
	}

	svc.requestErr = &signing.StateError{Op: "mark delivery failure", Status: signing.StatusCompleted}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/delivery-failure", `{"id":"r1"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleSignPage_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		text string
	}{
		{"unknown token", signing.ErrNotFound, http.StatusNotFound, textInvalidLink},
		{"expired", signing.ErrExpired, http.StatusGone, textExpired},
		{"already signed", &signing.StateError{Op: "open", Status: signing.StatusCompleted}, http.StatusConflict, textUnavailable},
		{"render failure", errors.New("pdfcpu: corrupt xref"), http.StatusInternalServerError, textServerFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubSigning{openErr: tt.err}, nil)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sign/some-token", nil))

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if rec.Body.String() != tt.text {
				t.Fatalf("expected %q, got %q", tt.text, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Fatalf("expected plain text, got %s", ct)
			}
		})
	}
}

func TestHandleSubmit_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
		code string
	}{
		{"bad encoding", `{"signature":"data:image/png;base64,@@@","consent":true}`, signing.ErrInvalidSignatureData, http.StatusBadRequest, codeInvalidSignature},
		{"no consent", `{"signature":"aGVsbG8=","consent":false}`, signing.ErrConsentRequired, http.StatusBadRequest, codeConsentRequired},
		{"already signed", `{"signature":"aGVsbG8=","consent":true}`, &signing.StateError{Op: "submit", Status: signing.StatusCompleted}, http.StatusConflict, codeInvalidState},
		{"expired", `{"signature":"aGVsbG8=","consent":true}`, signing.ErrExpired, http.StatusGone, codeExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubSigning{submitErr: tt.err}, nil)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/tok", strings.NewReader(tt.body)))

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if code := decodeError(t, rec).Code; code != tt.code {
				t.Fatalf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestHandleSubmit_PassesEncodedSignature(t *testing.T) {
	svc := &stubSigning{}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/tok", strings.NewReader(`{"signature":"data:image/png;base64,@@@","consent":true}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.gotSubmit.SignatureData != "data:image/png;base64,@@@" || len(svc.gotSubmit.Signature) != 0 {
		t.Fatalf("signature should reach the service undecoded, got %+v", svc.gotSubmit)
	}
}

func TestHandleDecline_EmptyBody(t *testing.T) {
	svc := &stubSigning{request: signing.Request{ID: "r1", Status: signing.StatusDeclined}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/tok/decline", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.gotReason != "" {
		t.Fatalf("expected empty reason, got %q", svc.gotReason)
	}
}

func TestHandleFinalReview_NotSigned(t *testing.T) {
	svc := &stubSigning{requestErr: &signing.StateError{Op: "final review", Status: signing.StatusDelivered}}
	h := newTestServer(t, svc, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sign/final/tok", nil))

	if rec.Code != http.StatusConflict || rec.Body.String() != textNotSigned {
		t.Fatalf("expected 409 %q, got %d %q", textNotSigned, rec.Code, rec.Body.String())
	}
}

func TestHandleArtifact(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "signed", "20261018"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signed", "20261018", "Doe_cea.pdf"), []byte("%PDF-1.7"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := newTestServer(t, &stubSigning{}, stubArtifacts{dir: dir})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/artifacts/signed/20261018/Doe_cea.pdf", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/pdf" || rec.Body.String() != "%PDF-1.7" {
		t.Fatalf("unexpected artifact response: %s %q", rec.Header().Get("Content-Type"), rec.Body.String())
	}
}

func TestHandleArtifact_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"traversal", artifacts.ErrInvalidPath, http.StatusBadRequest},
		{"missing", artifacts.ErrNotFound, http.StatusNotFound},
		{"io", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &stubSigning{}, stubArtifacts{err: tt.err})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/artifacts/signed/20261018/x.pdf", nil))
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	down := errors.New("db down")
	srv := NewServer(&stubSigning{}, nil, nil, discard, WithHealthCheck(func(context.Context) error { return down }))

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSpanPathHidesTokens(t *testing.T) {
	if got := spanPath("/v1/sign/abc123/decline"); got != "/v1/sign/{token}" {
		t.Fatalf("unexpected span path %q", got)
	}
	if got := spanPath("/v1/sign/final/abc123"); got != "/v1/sign/final/{token}" {
		t.Fatalf("unexpected span path %q", got)
	}
}

// End to end over the in-memory store: initiate, open, sign, final review.

type oneTemplate struct{}

func (oneTemplate) Resolve(key string) (templates.Descriptor, error) {
	if key != "cea" {
		return templates.Descriptor{}, templates.ErrUnknownTemplate
	}
	return templates.Descriptor{Key: "cea", Path: "cea.pdf"}, nil
}

type markerRenderer struct{}

func (markerRenderer) Render(_ context.Context, _ templates.Descriptor, c overlay.Content, dest overlay.Destination) (string, error) {
	return dest.Write([]byte("%PDF-marker " + c.ClientName))
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSigningFlow(t *testing.T) {
	arts, err := artifacts.New(t.TempDir())
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	svc := signing.NewService(signing.NewMemoryStore(), oneTemplate{}, markerRenderer{}, arts,
		signing.Config{BaseURL: "https://sign.example.com"}, signing.WithLogger(discard))
	h := newTestServer(t, svc, arts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/v1/initiate",
		`{"client_name":"Jane Doe","client_email":"jane@example.com","template_type":"cea","external_case_id":"500X"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created initiateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode initiate: %v", err)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sign/"+created.Token, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Jane Doe") {
		t.Fatalf("sign page: expected 200 with client name, got %d", rec.Code)
	}

	body, _ := json.Marshal(submitRequest{Signature: pngDataURL(t), Consent: true})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/"+created.Token, bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var signed submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &signed); err != nil {
		t.Fatalf("decode submit: %v", err)
	}
	if signed.RedirectURL != "https://sign.example.com/v1/sign/final/"+created.Token {
		t.Fatalf("unexpected redirect %q", signed.RedirectURL)
	}

	// a second submission is a state conflict, not a not-found
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/"+created.Token, bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("resubmit: expected 409, got %d", rec.Code)
	}

	// the link is resolved before the payload is looked at
	malformed := `{"signature":"data:image/png;base64,@@@","consent":true}`
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/"+created.Token, strings.NewReader(malformed)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("malformed resubmit: expected 409, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sign/not-a-token", strings.NewReader(malformed)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("malformed submit on unknown link: expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sign/"+created.Token, nil))
	if rec.Code != http.StatusConflict || rec.Body.String() != textUnavailable {
		t.Fatalf("reopen: expected 409 %q, got %d %q", textUnavailable, rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sign/final/"+created.Token, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("final review: expected 200, got %d", rec.Code)
	}

	req, err := svc.Get(context.Background(), signing.ByID(created.ID))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, artifactURL(req.PDFPath), nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Body.String(), "%PDF-marker Jane Doe") {
		t.Fatalf("artifact: expected signed document, got %d %q", rec.Code, rec.Body.String())
	}

	var events []signing.EventType
	for _, e := range req.AuditLog {
		events = append(events, e.Event)
	}
	want := []signing.EventType{signing.EventInitiated, signing.EventDelivered, signing.EventSigned, signing.EventFinalReviewViewed}
	if len(events) != len(want) {
		t.Fatalf("expected audit %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected audit %v, got %v", want, events)
		}
	}
}
