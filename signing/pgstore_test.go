package signing

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPGStoreMutate_AbortRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{locked: Request{ID: "req-1", Status: StatusCompleted}}
	store := NewPGStore(pool, repo)

	_, err := store.Mutate(context.Background(), ByID("req-1"), func(r *Request) (Change, error) {
		return Change{}, &StateError{Op: "submit", Status: r.Status}
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if pool.tx == nil {
		t.Fatalf("expected Begin to provide transaction")
	}
	if !pool.tx.rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.tx.committed {
		t.Errorf("expected commit to be skipped when the mutation aborts")
	}
	if repo.updated || repo.audited || repo.enqueued {
		t.Errorf("expected no writes, got update=%v audit=%v outbox=%v", repo.updated, repo.audited, repo.enqueued)
	}
}

func TestPGStoreMutate_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{locked: Request{ID: "req-1", Status: StatusSent}}
	store := NewPGStore(pool, repo)

	out, err := store.Mutate(context.Background(), ByID("req-1"), func(r *Request) (Change, error) {
		r.Status = StatusDelivered
		return Change{Audit: []AuditEvent{Delivered{}}, Outbox: []OutboxEvent{{Topic: TopicCompleted}}}, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if !pool.tx.committed {
		t.Errorf("expected commit to be called")
	}
	if repo.written.Status != StatusDelivered {
		t.Errorf("expected status Delivered to be written, got %s", repo.written.Status)
	}
	if !repo.audited || !repo.enqueued {
		t.Errorf("expected audit and outbox writes")
	}
	if out.ID != "req-1" {
		t.Errorf("expected reloaded request, got %+v", out)
	}
}

func TestPGStoreMutate_LockMissReturnsNotFound(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{lockErr: ErrNotFound}
	store := NewPGStore(pool, repo)

	called := false
	_, err := store.Mutate(context.Background(), ByToken("nope"), func(*Request) (Change, error) {
		called = true
		return Change{}, nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if called {
		t.Errorf("mutation must not run without a locked row")
	}
	if pool.tx.committed {
		t.Errorf("expected no commit")
	}
}

func TestPGStoreInsert_DuplicateToken(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertErr: ErrDuplicateToken}
	store := NewPGStore(pool, repo)

	_, err := store.Insert(context.Background(), Request{ID: "req-1"}, Change{})
	if !errors.Is(err, ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}
	if pool.tx.committed || !pool.tx.rolled {
		t.Errorf("expected rollback without commit")
	}
}

type fakeRepo struct {
	locked    Request
	lockErr   error
	insertErr error
	written   Request
	updated   bool
	audited   bool
	enqueued  bool
}

func (f *fakeRepo) LockRequest(context.Context, pgx.Tx, Ref) (Request, error) {
	if f.lockErr != nil {
		return Request{}, f.lockErr
	}
	return f.locked, nil
}

func (f *fakeRepo) LoadRequest(_ context.Context, _ Querier, ref Ref) (Request, error) {
	return Request{ID: ref.ID, Status: f.written.Status}, nil
}

func (f *fakeRepo) InsertRequest(context.Context, pgx.Tx, Request) error {
	return f.insertErr
}

func (f *fakeRepo) UpdateRequest(_ context.Context, _ pgx.Tx, req Request) error {
	f.updated = true
	f.written = req
	return nil
}

func (f *fakeRepo) AppendAudit(_ context.Context, _ pgx.Tx, _ string, change Change) error {
	f.audited = len(change.Audit) > 0
	return nil
}

func (f *fakeRepo) EnqueueOutbox(_ context.Context, _ pgx.Tx, _ string, events []OutboxEvent) error {
	f.enqueued = len(events) > 0
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
