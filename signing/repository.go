package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateToken signals the token hash unique constraint fired.
var ErrDuplicateToken = errors.New("signing: duplicate token hash")

// Querier is the read surface shared by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository holds the SQL for signature requests. Writes run inside the
// caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const requestColumns = `
id::text, client_name, client_email, template_type, external_case_id,
external_envelope_id, token_hash, status::text, expires_at, signed_at,
signed_ip, user_agent, pdf_path, preview_path, created_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var (
		r                                          Request
		status                                     string
		envelopeID, signedIP, ua, pdfPath, preview *string
	)
	err := row.Scan(
		&r.ID, &r.ClientName, &r.ClientEmail, &r.TemplateType, &r.ExternalCaseID,
		&envelopeID, &r.TokenHash, &status, &r.ExpiresAt, &r.SignedAt,
		&signedIP, &ua, &pdfPath, &preview, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("signing: scan request: %w", err)
	}
	if r.Status, err = ParseStatus(status); err != nil {
		return Request{}, err
	}
	r.ExternalEnvelopeID = deref(envelopeID)
	r.SignedIP = deref(signedIP)
	r.UserAgent = deref(ua)
	r.PDFPath = deref(pdfPath)
	r.PreviewPath = deref(preview)
	return r, nil
}

func refClause(ref Ref) (string, any, error) {
	switch {
	case ref.ID != "":
		if _, err := uuid.Parse(ref.ID); err != nil {
			return "", nil, fmt.Errorf("%w: malformed id", ErrNotFound)
		}
		return "id = $1::uuid", ref.ID, nil
	case ref.TokenHash != "":
		return "token_hash = $1", ref.TokenHash, nil
	}
	return "", nil, fmt.Errorf("%w: empty reference", ErrNotFound)
}

// LockRequest loads a request row and holds a row lock until tx ends.
func (r *Repository) LockRequest(ctx context.Context, tx pgx.Tx, ref Ref) (Request, error) {
	where, arg, err := refClause(ref)
	if err != nil {
		return Request{}, err
	}
	return scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM signature_requests WHERE `+where+` FOR UPDATE`, arg))
}

// LoadRequest reads a request together with its audit log.
func (r *Repository) LoadRequest(ctx context.Context, q Querier, ref Ref) (Request, error) {
	where, arg, err := refClause(ref)
	if err != nil {
		return Request{}, err
	}
	req, err := scanRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM signature_requests WHERE `+where, arg))
	if err != nil {
		return Request{}, err
	}
	if req.AuditLog, err = r.LoadAudit(ctx, q, req.ID); err != nil {
		return Request{}, err
	}
	return req, nil
}

// LoadAudit returns the audit log of a request in sequence order.
func (r *Repository) LoadAudit(ctx context.Context, q Querier, requestID string) ([]AuditEntry, error) {
	const selectSQL = `
SELECT seq, event, occurred_at, detail
FROM signature_audit_events
WHERE request_id = $1::uuid
ORDER BY seq;
`
	rows, err := q.Query(ctx, selectSQL, requestID)
	if err != nil {
		return nil, fmt.Errorf("signing: query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e      AuditEntry
			event  string
			detail []byte
		)
		if err := rows.Scan(&e.Seq, &event, &e.At, &detail); err != nil {
			return nil, fmt.Errorf("signing: scan audit: %w", err)
		}
		e.Event = EventType(event)
		e.At = e.At.UTC()
		e.Detail = json.RawMessage(detail)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing: iterate audit: %w", err)
	}
	return out, nil
}

// InsertRequest writes a new request row.
func (r *Repository) InsertRequest(ctx context.Context, tx pgx.Tx, req Request) error {
	const insertSQL = `
INSERT INTO signature_requests (
    id, client_name, client_email, template_type, external_case_id,
    external_envelope_id, token_hash, status, expires_at, created_at, updated_at
) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8::signature_status, $9, $10, $10);
`
	_, err := tx.Exec(ctx, insertSQL,
		req.ID, req.ClientName, req.ClientEmail, req.TemplateType, req.ExternalCaseID,
		nullable(req.ExternalEnvelopeID), req.TokenHash, string(req.Status), req.ExpiresAt, req.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("signing: insert request: %w", err)
	}
	return nil
}

// UpdateRequest writes the mutable columns of a request. Identity, client
// data, template and expiry are never rewritten.
func (r *Repository) UpdateRequest(ctx context.Context, tx pgx.Tx, req Request) error {
	const updateSQL = `
UPDATE signature_requests
SET external_envelope_id = $2,
    status = $3::signature_status,
    signed_at = $4,
    signed_ip = $5,
    user_agent = $6,
    pdf_path = $7,
    preview_path = $8,
    updated_at = $9
WHERE id = $1::uuid;
`
	tag, err := tx.Exec(ctx, updateSQL,
		req.ID, nullable(req.ExternalEnvelopeID), string(req.Status), req.SignedAt,
		nullable(req.SignedIP), nullable(req.UserAgent), nullable(req.PDFPath), nullable(req.PreviewPath), req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("signing: update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit adds events after the current last sequence number. Callers
// hold the request row lock, which keeps sequence numbers contiguous.
func (r *Repository) AppendAudit(ctx context.Context, tx pgx.Tx, requestID string, change Change) error {
	if len(change.Audit) == 0 {
		return nil
	}

	var last int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM signature_audit_events WHERE request_id = $1::uuid`, requestID).Scan(&last); err != nil {
		return fmt.Errorf("signing: read audit sequence: %w", err)
	}

	const insertSQL = `
INSERT INTO signature_audit_events (request_id, seq, event, occurred_at, detail)
VALUES ($1::uuid, $2, $3, $4, $5);
`
	for i, ev := range change.Audit {
		entry, err := newAuditEntry(last+i+1, ev, change.At)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertSQL, requestID, entry.Seq, string(entry.Event), entry.At, []byte(entry.Detail)); err != nil {
			return fmt.Errorf("signing: insert audit event: %w", err)
		}
	}
	return nil
}

// EnqueueOutbox writes outbox rows for the request.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, requestID string, events []OutboxEvent) error {
	const insertSQL = `
INSERT INTO outbox (topic, request_id, payload)
VALUES ($1, $2::uuid, $3);
`
	for _, ev := range events {
		payload, err := outboxPayload(requestID, ev)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertSQL, ev.Topic, requestID, payload); err != nil {
			return fmt.Errorf("signing: insert outbox: %w", err)
		}
	}
	return nil
}

func outboxPayload(requestID string, ev OutboxEvent) ([]byte, error) {
	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["request_id"] = requestID

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signing: marshal outbox payload: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
