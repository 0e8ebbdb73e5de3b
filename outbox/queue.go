// Package outbox delivers lifecycle events written by the signing store to
// external systems: file storage, the CRM and the chat webhook.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/signing"
)

// Queue is the consumer side of the outbox table.
type Queue interface {
	// Claim leases up to limit due messages. A message whose lease runs out
	// before Complete, Retry or Dead becomes claimable again.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]signing.OutboxMessage, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id, reason string, at time.Time) error
	Dead(ctx context.Context, id, reason string) error
}

// DB is the subset of pgxpool.Pool used by PGQueue.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGQueue claims rows with FOR UPDATE SKIP LOCKED so several workers can
// share the table.
type PGQueue struct {
	db DB
}

func NewPGQueue(db DB) *PGQueue {
	return &PGQueue{db: db}
}

const claimSQL = `
UPDATE outbox
SET status = 'processing',
    attempts = attempts + 1,
    locked_until = now() + make_interval(secs => $2)
WHERE id IN (
    SELECT id FROM outbox
    WHERE (status = 'pending' AND available_at <= now())
       OR (status = 'processing' AND locked_until < now())
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT $1
)
RETURNING id::text, topic, request_id::text, payload, attempts, created_at`

func (q *PGQueue) Claim(ctx context.Context, limit int, lease time.Duration) ([]signing.OutboxMessage, error) {
	rows, err := q.db.Query(ctx, claimSQL, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []signing.OutboxMessage
	for rows.Next() {
		var m signing.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.RequestID, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan claimed row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	return out, nil
}

func (q *PGQueue) Complete(ctx context.Context, id string) error {
	return q.exec(ctx, "complete", `
		UPDATE outbox SET status = 'processed', processed_at = now(), locked_until = NULL
		WHERE id = $1::uuid`, id)
}

func (q *PGQueue) Retry(ctx context.Context, id, reason string, at time.Time) error {
	return q.exec(ctx, "retry", `
		UPDATE outbox SET status = 'pending', available_at = $2, last_error = $3, locked_until = NULL
		WHERE id = $1::uuid`, id, at, reason)
}

func (q *PGQueue) Dead(ctx context.Context, id, reason string) error {
	return q.exec(ctx, "dead", `
		UPDATE outbox SET status = 'dead', last_error = $2, processed_at = now(), locked_until = NULL
		WHERE id = $1::uuid`, id, reason)
}

func (q *PGQueue) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("outbox: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox: %s: message %v not found", op, args[0])
	}
	return nil
}
