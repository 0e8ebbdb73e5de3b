package signing

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names an audit variant as persisted.
type EventType string

const (
	EventInitiated         EventType = "initiated"
	EventDelivered         EventType = "delivered"
	EventSigned            EventType = "signed"
	EventDeclined          EventType = "declined"
	EventDeliveryFailed    EventType = "delivery_failed"
	EventEnvelopeIDUpdated EventType = "envelope_id_updated"
	EventFinalReviewViewed EventType = "final_review_viewed"
	EventSyncSucceeded     EventType = "sync_succeeded"
	EventSyncFailed        EventType = "sync_failed"
)

// AuditEvent is one of the closed set of audit variants below.
type AuditEvent interface {
	Type() EventType
}

type Initiated struct {
	ClientName         string `json:"client_name"`
	TemplateType       string `json:"template_type"`
	ExternalCaseID     string `json:"external_case_id"`
	ExternalEnvelopeID string `json:"external_envelope_id,omitempty"`
	ExpiresAt          string `json:"expires_at"`
}

type Delivered struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type Signed struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	PDFPath   string `json:"pdf_path"`
	Digest    string `json:"blake2b_256"`
}

type Declined struct {
	Reason    string `json:"reason,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type DeliveryFailed struct {
	Reason string `json:"reason,omitempty"`
}

type EnvelopeIDUpdated struct {
	EnvelopeID string `json:"envelope_id"`
	Source     string `json:"source"`
}

type FinalReviewViewed struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type SyncSucceeded struct {
	Target   string `json:"target"`
	Remote   string `json:"remote,omitempty"`
	Attempts int    `json:"attempts"`
}

type SyncFailed struct {
	Target   string `json:"target"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

func (Initiated) Type() EventType         { return EventInitiated }
func (Delivered) Type() EventType         { return EventDelivered }
func (Signed) Type() EventType            { return EventSigned }
func (Declined) Type() EventType          { return EventDeclined }
func (DeliveryFailed) Type() EventType    { return EventDeliveryFailed }
func (EnvelopeIDUpdated) Type() EventType { return EventEnvelopeIDUpdated }
func (FinalReviewViewed) Type() EventType { return EventFinalReviewViewed }
func (SyncSucceeded) Type() EventType     { return EventSyncSucceeded }
func (SyncFailed) Type() EventType        { return EventSyncFailed }

// AuditEntry is the uniform persisted form of an event. Seq starts at 1 and
// is contiguous per request.
type AuditEntry struct {
	Seq    int             `json:"seq"`
	Event  EventType       `json:"event"`
	At     time.Time       `json:"at"`
	Detail json.RawMessage `json:"detail"`
}

func newAuditEntry(seq int, ev AuditEvent, at time.Time) (AuditEntry, error) {
	detail, err := json.Marshal(ev)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("signing: encode %s event: %w", ev.Type(), err)
	}
	return AuditEntry{Seq: seq, Event: ev.Type(), At: at.UTC(), Detail: detail}, nil
}

// Decode returns the typed variant of the entry.
func (e AuditEntry) Decode() (AuditEvent, error) {
	var ev AuditEvent
	switch e.Event {
	case EventInitiated:
		ev = &Initiated{}
	case EventDelivered:
		ev = &Delivered{}
	case EventSigned:
		ev = &Signed{}
	case EventDeclined:
		ev = &Declined{}
	case EventDeliveryFailed:
		ev = &DeliveryFailed{}
	case EventEnvelopeIDUpdated:
		ev = &EnvelopeIDUpdated{}
	case EventFinalReviewViewed:
		ev = &FinalReviewViewed{}
	case EventSyncSucceeded:
		ev = &SyncSucceeded{}
	case EventSyncFailed:
		ev = &SyncFailed{}
	default:
		return nil, fmt.Errorf("signing: unknown audit event %q", e.Event)
	}
	if len(e.Detail) > 0 {
		if err := json.Unmarshal(e.Detail, ev); err != nil {
			return nil, fmt.Errorf("signing: decode %s event: %w", e.Event, err)
		}
	}
	return derefEvent(ev), nil
}

func derefEvent(ev AuditEvent) AuditEvent {
	switch v := ev.(type) {
	case *Initiated:
		return *v
	case *Delivered:
		return *v
	case *Signed:
		return *v
	case *Declined:
		return *v
	case *DeliveryFailed:
		return *v
	case *EnvelopeIDUpdated:
		return *v
	case *FinalReviewViewed:
		return *v
	case *SyncSucceeded:
		return *v
	case *SyncFailed:
		return *v
	}
	return ev
}
