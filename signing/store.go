package signing

import (
	"context"
	"encoding/json"
	"time"
)

// Outbox topics emitted by the lifecycle.
const (
	TopicInitiated      = "signature.initiated"
	TopicCompleted      = "signature.completed"
	TopicDeclined       = "signature.declined"
	TopicDeliveryFailed = "signature.delivery_failed"
)

// Ref addresses a request either by id or by token hash.
type Ref struct {
	ID        string
	TokenHash string
}

// ByID addresses a request by its identifier.
func ByID(id string) Ref { return Ref{ID: id} }

// ByToken addresses a request by the plaintext bearer token.
func ByToken(token string) Ref { return Ref{TokenHash: HashToken(token)} }

// OutboxEvent is a message to enqueue alongside a state change.
type OutboxEvent struct {
	Topic   string
	Payload map[string]any
}

// OutboxMessage is an enqueued OutboxEvent as handed to the dispatcher.
type OutboxMessage struct {
	ID        string
	Topic     string
	RequestID string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Change is what a mutation appends besides the row update. Audit entries are
// stamped with At.
type Change struct {
	At     time.Time
	Audit  []AuditEvent
	Outbox []OutboxEvent
}

// MutateFunc edits a locked copy of a request. Returning an error aborts the
// mutation without writing anything.
type MutateFunc func(req *Request) (Change, error)

// Store persists requests. Mutate must serialize concurrent callers for the
// same request and apply the row update, audit entries and outbox messages
// atomically.
type Store interface {
	Insert(ctx context.Context, req Request, change Change) (Request, error)
	Get(ctx context.Context, ref Ref) (Request, error)
	Mutate(ctx context.Context, ref Ref, fn MutateFunc) (Request, error)
}
