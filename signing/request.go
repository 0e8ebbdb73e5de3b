// Package signing owns the signature request entity and its lifecycle.
//
// A request is created by an authenticated back office, reached by the
// client through a bearer link, and finishes in exactly one terminal state.
// Every state change appends to the request's audit log and, where other
// systems care, enqueues an outbox message in the same transaction.
package signing

import "time"

// Request is a single document awaiting (or having received) a signature.
// The plaintext token is never part of it; only TokenHash is kept.
type Request struct {
	ID                 string
	ClientName         string
	ClientEmail        string
	TemplateType       string
	ExternalCaseID     string
	ExternalEnvelopeID string
	TokenHash          string
	Status             Status
	ExpiresAt          time.Time
	SignedAt           *time.Time
	SignedIP           string
	UserAgent          string
	PDFPath            string
	PreviewPath        string
	AuditLog           []AuditEntry
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Expired reports whether the validity window has closed at now. Expiry is
// evaluated on access and never written back.
func (r Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// EffectiveStatus folds lazy expiry into the stored status.
func (r Request) EffectiveStatus(now time.Time) Status {
	if r.Status.Signable() && r.Expired(now) {
		return StatusExpired
	}
	return r.Status
}

// Client identifies the party acting through the signing link.
type Client struct {
	IP        string
	UserAgent string
}

func (r Request) clone() Request {
	out := r
	if r.SignedAt != nil {
		at := *r.SignedAt
		out.SignedAt = &at
	}
	out.AuditLog = append([]AuditEntry(nil), r.AuditLog...)
	return out
}
