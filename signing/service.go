package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"signflow/metrics"
	"signflow/overlay"
	"signflow/templates"
)

// DefaultValidityWindow applies when Config.ValidityWindow is zero.
const DefaultValidityWindow = 14 * 24 * time.Hour

const (
	lookupTimeout = 5 * time.Second

	SourceBackOffice = "back_office"
	SourceCRMLookup  = "crm_lookup"
)

// TemplateResolver resolves a template identifier.
type TemplateResolver interface {
	Resolve(templateType string) (templates.Descriptor, error)
}

// Renderer fills a template and writes the result to dest.
type Renderer interface {
	Render(ctx context.Context, desc templates.Descriptor, content overlay.Content, dest overlay.Destination) (string, error)
}

// ArtifactStore hands out destinations for rendered documents.
type ArtifactStore interface {
	Preview(tokenHash string, at time.Time) overlay.Destination
	Signed(clientName, templateKey string, at time.Time) overlay.Destination
	Remove(rel string) error
}

// ReferenceResolver looks up the external envelope id for a token in the
// CRM. An empty id with a nil error means "not there yet".
type ReferenceResolver interface {
	FindEnvelopeIDByToken(ctx context.Context, token string) (string, error)
}

// Config holds lifecycle settings.
type Config struct {
	ValidityWindow time.Duration
	// BaseURL is the public origin used to build signing links.
	BaseURL string
}

// Service implements the signature request lifecycle.
type Service struct {
	store     Store
	templates TemplateResolver
	renderer  Renderer
	artifacts ArtifactStore
	resolver  ReferenceResolver
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithReferenceResolver enables CRM lookups of missing envelope ids.
func WithReferenceResolver(r ReferenceResolver) Option {
	return func(s *Service) { s.resolver = r }
}

func NewService(store Store, tmpl TemplateResolver, renderer Renderer, arts ArtifactStore, cfg Config, opts ...Option) *Service {
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	s := &Service{
		store:     store,
		templates: tmpl,
		renderer:  renderer,
		artifacts: arts,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SigningURL is the public link for a plaintext token.
func (s *Service) SigningURL(token string) string {
	return s.cfg.BaseURL + "/v1/sign/" + token
}

// FinalReviewURL is the post-signing page for a plaintext token.
func (s *Service) FinalReviewURL(token string) string {
	return s.cfg.BaseURL + "/v1/sign/final/" + token
}

// CreateParams is the back-office input to Create.
type CreateParams struct {
	ClientName         string
	ClientEmail        string
	TemplateType       string
	ExternalCaseID     string
	ExternalEnvelopeID string
}

// Created is returned once; the plaintext token is not recoverable later.
type Created struct {
	Request    Request
	Token      string
	SigningURL string
}

// Create registers a new request in status Sent.
func (s *Service) Create(ctx context.Context, p CreateParams) (Created, error) {
	p.ClientName = strings.TrimSpace(p.ClientName)
	p.ClientEmail = strings.TrimSpace(p.ClientEmail)
	p.TemplateType = strings.TrimSpace(p.TemplateType)
	p.ExternalCaseID = strings.TrimSpace(p.ExternalCaseID)
	p.ExternalEnvelopeID = strings.TrimSpace(p.ExternalEnvelopeID)

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"client_name", p.ClientName},
		{"client_email", p.ClientEmail},
		{"template_type", p.TemplateType},
		{"external_case_id", p.ExternalCaseID},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return Created{}, &ValidationError{Fields: missing}
	}

	if _, err := s.templates.Resolve(p.TemplateType); err != nil {
		return Created{}, fmt.Errorf("signing: create: %w", err)
	}

	token, hash, err := NewToken()
	if err != nil {
		return Created{}, err
	}

	now := s.now().UTC()
	req := Request{
		ID:                 uuid.NewString(),
		ClientName:         p.ClientName,
		ClientEmail:        p.ClientEmail,
		TemplateType:       p.TemplateType,
		ExternalCaseID:     p.ExternalCaseID,
		ExternalEnvelopeID: p.ExternalEnvelopeID,
		TokenHash:          hash,
		Status:             StatusSent,
		ExpiresAt:          now.Add(s.cfg.ValidityWindow),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	stored, err := s.store.Insert(ctx, req, Change{
		At: now,
		Audit: []AuditEvent{Initiated{
			ClientName:         req.ClientName,
			TemplateType:       req.TemplateType,
			ExternalCaseID:     req.ExternalCaseID,
			ExternalEnvelopeID: req.ExternalEnvelopeID,
			ExpiresAt:          req.ExpiresAt.Format(time.RFC3339),
		}},
		Outbox: []OutboxEvent{{Topic: TopicInitiated}},
	})
	if err != nil {
		return Created{}, fmt.Errorf("signing: create: %w", err)
	}

	s.logger.InfoContext(ctx, "signature request created",
		"request_id", stored.ID, "template", stored.TemplateType, "case_id", stored.ExternalCaseID, "expires_at", stored.ExpiresAt)

	return Created{Request: stored, Token: token, SigningURL: s.SigningURL(token)}, nil
}

// Preview is the result of opening a signing link.
type Preview struct {
	Request Request
	Path    string
}

// Open renders a preview for a live link and marks first delivery.
func (s *Service) Open(ctx context.Context, token string, client Client) (Preview, error) {
	ref := ByToken(token)
	req, err := s.store.Get(ctx, ref)
	if err != nil {
		return Preview{}, s.reject(ctx, "open", err)
	}

	now := s.now().UTC()
	if err := checkSignable(req, now, "open"); err != nil {
		return Preview{}, s.reject(ctx, "open", err)
	}

	desc, err := s.templates.Resolve(req.TemplateType)
	if err != nil {
		return Preview{}, fmt.Errorf("signing: open: %w", err)
	}

	started := time.Now()
	path, err := s.renderer.Render(ctx, desc, overlay.Content{ClientName: req.ClientName, Date: now}, s.artifacts.Preview(req.TokenHash, now))
	if err != nil {
		return Preview{}, fmt.Errorf("signing: render preview: %w", err)
	}
	s.metrics.ObserveRender("preview", time.Since(started))

	var from Status
	updated, err := s.store.Mutate(ctx, ref, func(r *Request) (Change, error) {
		at := s.now().UTC()
		if err := checkSignable(*r, at, "open"); err != nil {
			return Change{}, err
		}
		from = r.Status
		change := Change{At: at}
		if r.Status == StatusSent {
			r.Status = StatusDelivered
			change.Audit = append(change.Audit, Delivered{IP: client.IP, UserAgent: client.UserAgent})
		}
		r.PreviewPath = path
		r.UpdatedAt = at
		return change, nil
	})
	if err != nil {
		return Preview{}, s.reject(ctx, "open", err)
	}
	if from != updated.Status {
		s.metrics.Transition(string(from), string(updated.Status))
	}

	updated = s.resolveReference(ctx, updated, token)
	return Preview{Request: updated, Path: path}, nil
}

// SubmitParams carries a signing attempt.
type SubmitParams struct {
	// Signature is the raw image. When empty, SignatureData is decoded
	// instead, after the link has been resolved.
	Signature     []byte
	SignatureData string
	Consent       bool
	Client        Client
}

// SignedDocument is the result of a successful submission.
type SignedDocument struct {
	Request Request
	Path    string
	Digest  string
}

// Submit signs the document. At most one submission per request succeeds;
// concurrent losers see ErrInvalidState and leave no artifact behind.
func (s *Service) Submit(ctx context.Context, token string, p SubmitParams) (SignedDocument, error) {
	ref := ByToken(token)
	req, err := s.store.Get(ctx, ref)
	if err != nil {
		return SignedDocument{}, s.reject(ctx, "submit", err)
	}

	now := s.now().UTC()
	if err := checkSignable(req, now, "submit"); err != nil {
		return SignedDocument{}, s.reject(ctx, "submit", err)
	}
	if !p.Consent {
		return SignedDocument{}, s.reject(ctx, "submit", ErrConsentRequired)
	}

	raw := p.Signature
	if len(raw) == 0 {
		if raw, err = DecodeSignatureData(p.SignatureData); err != nil {
			return SignedDocument{}, s.reject(ctx, "submit", err)
		}
	}
	image, err := overlay.NormalizeImage(raw)
	if err != nil {
		return SignedDocument{}, s.reject(ctx, "submit", fmt.Errorf("%w: %v", ErrInvalidSignatureData, err))
	}

	desc, err := s.templates.Resolve(req.TemplateType)
	if err != nil {
		return SignedDocument{}, fmt.Errorf("signing: submit: %w", err)
	}

	dest := &digestDestination{Destination: s.artifacts.Signed(req.ClientName, req.TemplateType, now)}
	started := time.Now()
	path, err := s.renderer.Render(ctx, desc, overlay.Content{Signature: image, ClientName: req.ClientName, Date: now}, dest)
	if err != nil {
		if errors.Is(err, overlay.ErrInvalidImage) {
			return SignedDocument{}, s.reject(ctx, "submit", fmt.Errorf("%w: %v", ErrInvalidSignatureData, err))
		}
		return SignedDocument{}, fmt.Errorf("signing: render signed document: %w", err)
	}
	s.metrics.ObserveRender("signed", time.Since(started))

	var from Status
	updated, err := s.store.Mutate(ctx, ref, func(r *Request) (Change, error) {
		at := s.now().UTC()
		if err := checkSignable(*r, at, "submit"); err != nil {
			return Change{}, err
		}
		from = r.Status
		r.Status = StatusCompleted
		r.SignedAt = &at
		r.SignedIP = p.Client.IP
		r.UserAgent = p.Client.UserAgent
		r.PDFPath = path
		r.UpdatedAt = at
		return Change{
			At: at,
			Audit: []AuditEvent{Signed{
				IP:        p.Client.IP,
				UserAgent: p.Client.UserAgent,
				PDFPath:   path,
				Digest:    dest.sum,
			}},
			Outbox: []OutboxEvent{{Topic: TopicCompleted}},
		}, nil
	})
	if err != nil {
		if rmErr := s.artifacts.Remove(path); rmErr != nil {
			s.logger.ErrorContext(ctx, "failed to remove orphaned signed document", "path", path, "error", rmErr)
		}
		return SignedDocument{}, s.reject(ctx, "submit", err)
	}
	s.metrics.Transition(string(from), string(StatusCompleted))

	s.logger.InfoContext(ctx, "document signed",
		"request_id", updated.ID, "template", updated.TemplateType, "pdf_path", path)

	updated = s.resolveReference(ctx, updated, token)
	return SignedDocument{Request: updated, Path: path, Digest: dest.sum}, nil
}

// Decline ends a live request at the client's request.
func (s *Service) Decline(ctx context.Context, token, reason string, client Client) (Request, error) {
	var from Status
	updated, err := s.store.Mutate(ctx, ByToken(token), func(r *Request) (Change, error) {
		at := s.now().UTC()
		if err := checkSignable(*r, at, "decline"); err != nil {
			return Change{}, err
		}
		from = r.Status
		r.Status = StatusDeclined
		r.UpdatedAt = at
		return Change{
			At:     at,
			Audit:  []AuditEvent{Declined{Reason: reason, IP: client.IP, UserAgent: client.UserAgent}},
			Outbox: []OutboxEvent{{Topic: TopicDeclined, Payload: map[string]any{"reason": reason}}},
		}, nil
	})
	if err != nil {
		return Request{}, s.reject(ctx, "decline", err)
	}
	s.metrics.Transition(string(from), string(StatusDeclined))
	return updated, nil
}

// MarkDeliveryFailed records that the signing link never reached the client.
func (s *Service) MarkDeliveryFailed(ctx context.Context, id, reason string) (Request, error) {
	updated, err := s.store.Mutate(ctx, ByID(id), func(r *Request) (Change, error) {
		at := s.now().UTC()
		if r.Expired(at) {
			return Change{}, ErrExpired
		}
		if !CanTransition(r.Status, StatusDeliveryFailure) {
			return Change{}, &StateError{Op: "mark delivery failure", Status: r.Status}
		}
		r.Status = StatusDeliveryFailure
		r.UpdatedAt = at
		return Change{
			At:     at,
			Audit:  []AuditEvent{DeliveryFailed{Reason: reason}},
			Outbox: []OutboxEvent{{Topic: TopicDeliveryFailed, Payload: map[string]any{"reason": reason}}},
		}, nil
	})
	if err != nil {
		return Request{}, fmt.Errorf("signing: mark delivery failure: %w", err)
	}
	s.metrics.Transition(string(StatusSent), string(StatusDeliveryFailure))
	return updated, nil
}

// RecordExternalReference attaches the CRM envelope id. Setting the same
// value twice is a no-op; replacing a different value is refused. Terminal
// status does not block it.
func (s *Service) RecordExternalReference(ctx context.Context, ref Ref, envelopeID, source string) (Request, error) {
	envelopeID = strings.TrimSpace(envelopeID)
	if envelopeID == "" {
		return Request{}, &ValidationError{Fields: []string{"envelope_document_id"}}
	}

	updated, err := s.store.Mutate(ctx, ref, func(r *Request) (Change, error) {
		switch r.ExternalEnvelopeID {
		case envelopeID:
			return Change{}, nil
		case "":
		default:
			return Change{}, ErrReferenceConflict
		}
		at := s.now().UTC()
		r.ExternalEnvelopeID = envelopeID
		r.UpdatedAt = at
		return Change{
			At:    at,
			Audit: []AuditEvent{EnvelopeIDUpdated{EnvelopeID: envelopeID, Source: source}},
		}, nil
	})
	if err != nil {
		return Request{}, fmt.Errorf("signing: record external reference: %w", err)
	}
	return updated, nil
}

// FinalReview records that the signer viewed the completed document.
func (s *Service) FinalReview(ctx context.Context, token string, client Client) (Request, error) {
	updated, err := s.store.Mutate(ctx, ByToken(token), func(r *Request) (Change, error) {
		if r.Status != StatusCompleted {
			return Change{}, &StateError{Op: "final review", Status: r.Status}
		}
		return Change{
			At:    s.now().UTC(),
			Audit: []AuditEvent{FinalReviewViewed{IP: client.IP, UserAgent: client.UserAgent}},
		}, nil
	})
	if err != nil {
		return Request{}, s.reject(ctx, "final_review", err)
	}
	return updated, nil
}

// SyncResult reports the outcome of pushing a request to one external target.
type SyncResult struct {
	Target   string
	Remote   string
	Attempts int
	Err      error
}

// RecordSync appends the outcome of an external synchronization. It never
// changes the request status.
func (s *Service) RecordSync(ctx context.Context, id string, res SyncResult) error {
	var ev AuditEvent = SyncSucceeded{Target: res.Target, Remote: res.Remote, Attempts: res.Attempts}
	if res.Err != nil {
		ev = SyncFailed{Target: res.Target, Error: res.Err.Error(), Attempts: res.Attempts}
	}
	_, err := s.store.Mutate(ctx, ByID(id), func(r *Request) (Change, error) {
		return Change{At: s.now().UTC(), Audit: []AuditEvent{ev}}, nil
	})
	if err != nil {
		return fmt.Errorf("signing: record sync: %w", err)
	}
	s.metrics.Sync(res.Target, res.Err == nil)
	return nil
}

// Get returns a request with its audit log.
func (s *Service) Get(ctx context.Context, ref Ref) (Request, error) {
	return s.store.Get(ctx, ref)
}

// resolveReference asks the CRM for a missing envelope id. Any failure is
// logged and the request is returned unchanged.
func (s *Service) resolveReference(ctx context.Context, req Request, token string) Request {
	if s.resolver == nil || req.ExternalEnvelopeID != "" {
		return req
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	id, err := s.resolver.FindEnvelopeIDByToken(lookupCtx, token)
	if err != nil {
		s.logger.WarnContext(ctx, "envelope lookup failed", "request_id", req.ID, "error", err)
		return req
	}
	if id == "" {
		s.logger.InfoContext(ctx, "envelope not yet available in CRM", "request_id", req.ID)
		return req
	}

	updated, err := s.RecordExternalReference(ctx, ByID(req.ID), id, SourceCRMLookup)
	if err != nil {
		s.logger.WarnContext(ctx, "could not record looked-up envelope id", "request_id", req.ID, "error", err)
		return req
	}
	return updated
}

func (s *Service) reject(ctx context.Context, op string, err error) error {
	reason := "internal"
	switch {
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrExpired):
		reason = "expired"
	case errors.Is(err, ErrInvalidState):
		reason = "invalid_state"
	case errors.Is(err, ErrInvalidSignatureData):
		reason = "invalid_signature"
	case errors.Is(err, ErrConsentRequired):
		reason = "consent_required"
	}
	s.metrics.Rejection(op, reason)
	if reason == "internal" {
		s.logger.ErrorContext(ctx, "signing operation failed", "operation", op, "error", err)
	} else {
		s.logger.WarnContext(ctx, "signing operation rejected", "operation", op, "reason", reason, "error", err)
	}
	return err
}

// checkSignable applies lazy expiry before the state check, so an expired
// link reports Expired whatever its stored status.
func checkSignable(r Request, now time.Time, op string) error {
	if r.Expired(now) {
		return ErrExpired
	}
	if !r.Status.Signable() {
		return &StateError{Op: op, Status: r.Status}
	}
	return nil
}

// digestDestination records the BLAKE2b-256 digest of what it writes.
type digestDestination struct {
	overlay.Destination
	sum string
}

func (d *digestDestination) Write(data []byte) (string, error) {
	sum := blake2b.Sum256(data)
	d.sum = hex.EncodeToString(sum[:])
	return d.Destination.Write(data)
}
