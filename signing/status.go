package signing

import "fmt"

// Status is the lifecycle state of a signature request.
type Status string

const (
	StatusSent            Status = "Sent"
	StatusDelivered       Status = "Delivered"
	StatusCompleted       Status = "Completed"
	StatusDeclined        Status = "Declined"
	StatusExpired         Status = "Expired"
	StatusDeliveryFailure Status = "DeliveryFailure"
)

var transitions = map[Status][]Status{
	StatusSent:      {StatusDelivered, StatusCompleted, StatusDeclined, StatusExpired, StatusDeliveryFailure},
	StatusDelivered: {StatusCompleted, StatusDeclined, StatusExpired},
}

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSent, StatusDelivered, StatusCompleted, StatusDeclined, StatusExpired, StatusDeliveryFailure:
		return st, nil
	}
	return "", fmt.Errorf("signing: unknown status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Signable reports whether the link may still be opened or submitted.
func (s Status) Signable() bool {
	return s == StatusSent || s == StatusDelivered
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Label is the human-facing form used by the CRM and notifications.
func (s Status) Label() string {
	if s == StatusDeliveryFailure {
		return "Delivery Failure"
	}
	return string(s)
}
