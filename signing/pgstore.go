package signing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB is the subset of pgxpool.Pool the Postgres store needs.
type DB interface {
	TxBeginner
	Querier
}

// RequestRepository defines the data access the Postgres store composes.
type RequestRepository interface {
	LockRequest(ctx context.Context, tx pgx.Tx, ref Ref) (Request, error)
	LoadRequest(ctx context.Context, q Querier, ref Ref) (Request, error)
	InsertRequest(ctx context.Context, tx pgx.Tx, req Request) error
	UpdateRequest(ctx context.Context, tx pgx.Tx, req Request) error
	AppendAudit(ctx context.Context, tx pgx.Tx, requestID string, change Change) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, requestID string, events []OutboxEvent) error
}

// PGStore is the Postgres-backed Store. Each mutation runs in its own
// transaction holding a row lock on the request.
type PGStore struct {
	pool DB
	repo RequestRepository
}

func NewPGStore(pool DB, repo RequestRepository) *PGStore {
	if repo == nil {
		repo = NewRepository()
	}
	return &PGStore{pool: pool, repo: repo}
}

func (s *PGStore) Insert(ctx context.Context, req Request, change Change) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertRequest(ctx, tx, req); err != nil {
		return Request{}, err
	}
	out, err := s.finish(ctx, tx, req.ID, change)
	if err != nil {
		return Request{}, err
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, ref Ref) (Request, error) {
	return s.repo.LoadRequest(ctx, s.pool, ref)
}

func (s *PGStore) Mutate(ctx context.Context, ref Ref, fn MutateFunc) (Request, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.repo.LockRequest(ctx, tx, ref)
	if err != nil {
		return Request{}, err
	}

	change, err := fn(&req)
	if err != nil {
		return Request{}, err
	}

	if err := s.repo.UpdateRequest(ctx, tx, req); err != nil {
		return Request{}, err
	}
	return s.finish(ctx, tx, req.ID, change)
}

// finish appends the change, reads back the committed view and commits.
func (s *PGStore) finish(ctx context.Context, tx pgx.Tx, requestID string, change Change) (Request, error) {
	if err := s.repo.AppendAudit(ctx, tx, requestID, change); err != nil {
		return Request{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, requestID, change.Outbox); err != nil {
		return Request{}, err
	}

	out, err := s.repo.LoadRequest(ctx, tx, ByID(requestID))
	if err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("signing: commit tx: %w", err)
	}
	return out, nil
}
