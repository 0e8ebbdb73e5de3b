package signing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxProcessed  OutboxStatus = "processed"
	OutboxDead       OutboxStatus = "dead"
)

type memoryOutbox struct {
	msg         OutboxMessage
	status      OutboxStatus
	availableAt time.Time
	lockedUntil time.Time
	lastError   string
}

// MemoryStore is an in-process Store and outbox queue. A single mutex
// serializes every operation, which gives Mutate the same exclusivity as a
// row lock. It backs tests and single-node development runs.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	byID    map[string]*Request
	byToken map[string]string
	outbox  []*memoryOutbox
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		byID:    make(map[string]*Request),
		byToken: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, req Request, change Change) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byToken[req.TokenHash]; ok {
		return Request{}, ErrDuplicateToken
	}
	if _, ok := m.byID[req.ID]; ok {
		return Request{}, fmt.Errorf("signing: duplicate id %s", req.ID)
	}

	stored := req.clone()
	stored.AuditLog = nil
	if err := m.apply(&stored, change); err != nil {
		return Request{}, err
	}
	m.byID[stored.ID] = &stored
	m.byToken[stored.TokenHash] = stored.ID
	return stored.clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, ref Ref) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, err := m.lookup(ref)
	if err != nil {
		return Request{}, err
	}
	return req.clone(), nil
}

func (m *MemoryStore) Mutate(_ context.Context, ref Ref, fn MutateFunc) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.lookup(ref)
	if err != nil {
		return Request{}, err
	}

	working := current.clone()
	change, err := fn(&working)
	if err != nil {
		return Request{}, err
	}

	// Only the mutable columns survive, matching the SQL update.
	next := current.clone()
	next.ExternalEnvelopeID = working.ExternalEnvelopeID
	next.Status = working.Status
	next.SignedAt = working.SignedAt
	next.SignedIP = working.SignedIP
	next.UserAgent = working.UserAgent
	next.PDFPath = working.PDFPath
	next.PreviewPath = working.PreviewPath
	next.UpdatedAt = working.UpdatedAt

	if err := m.apply(&next, change); err != nil {
		return Request{}, err
	}
	*current = next
	return next.clone(), nil
}

func (m *MemoryStore) lookup(ref Ref) (*Request, error) {
	id := ref.ID
	if id == "" && ref.TokenHash != "" {
		id = m.byToken[ref.TokenHash]
	}
	req, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req, nil
}

func (m *MemoryStore) apply(req *Request, change Change) error {
	seq := len(req.AuditLog)
	for _, ev := range change.Audit {
		seq++
		entry, err := newAuditEntry(seq, ev, change.At)
		if err != nil {
			return err
		}
		req.AuditLog = append(req.AuditLog, entry)
	}

	now := m.now()
	for _, ev := range change.Outbox {
		payload, err := outboxPayload(req.ID, ev)
		if err != nil {
			return err
		}
		m.outbox = append(m.outbox, &memoryOutbox{
			msg: OutboxMessage{
				ID:        uuid.NewString(),
				Topic:     ev.Topic,
				RequestID: req.ID,
				Payload:   payload,
				CreatedAt: now,
			},
			status:      OutboxPending,
			availableAt: now,
		})
	}
	return nil
}

// Claim hands out up to limit due messages and hides them for lease.
func (m *MemoryStore) Claim(_ context.Context, limit int, lease time.Duration) ([]OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []OutboxMessage
	for _, row := range m.outbox {
		if len(out) >= limit {
			break
		}
		due := row.status == OutboxPending && !row.availableAt.After(now)
		stale := row.status == OutboxProcessing && row.lockedUntil.Before(now)
		if !due && !stale {
			continue
		}
		row.status = OutboxProcessing
		row.lockedUntil = now.Add(lease)
		row.msg.Attempts++
		out = append(out, row.msg)
	}
	return out, nil
}

func (m *MemoryStore) Complete(_ context.Context, id string) error {
	return m.setOutbox(id, func(row *memoryOutbox) {
		row.status = OutboxProcessed
	})
}

func (m *MemoryStore) Retry(_ context.Context, id, reason string, at time.Time) error {
	return m.setOutbox(id, func(row *memoryOutbox) {
		row.status = OutboxPending
		row.availableAt = at
		row.lastError = reason
	})
}

func (m *MemoryStore) Dead(_ context.Context, id, reason string) error {
	return m.setOutbox(id, func(row *memoryOutbox) {
		row.status = OutboxDead
		row.lastError = reason
	})
}

func (m *MemoryStore) setOutbox(id string, fn func(*memoryOutbox)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.outbox {
		if row.msg.ID == id {
			fn(row)
			return nil
		}
	}
	return fmt.Errorf("signing: outbox message %s not found", id)
}

// OutboxEntry is a read-only view of a queued message.
type OutboxEntry struct {
	OutboxMessage
	Status    OutboxStatus
	LastError string
}

// Outbox returns every queued message, oldest first.
func (m *MemoryStore) Outbox() []OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]OutboxEntry, 0, len(m.outbox))
	for _, row := range m.outbox {
		out = append(out, OutboxEntry{OutboxMessage: row.msg, Status: row.status, LastError: row.lastError})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
