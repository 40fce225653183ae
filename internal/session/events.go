package session

import "time"

// EventType enumerates the notifications emitted for UI refresh.
type EventType string

const (
	// EventLeaseGranted fires when an actor takes or reclaims a lease.
	EventLeaseGranted EventType = "lease-granted"
	// EventLeaseReleased fires when a lease is dropped by save or cancel.
	EventLeaseReleased EventType = "lease-released"
	// EventSchemeChanged fires after a create or edit lands.
	EventSchemeChanged EventType = "scheme-changed"
	// EventSchemeDeleted fires after a scheme is removed.
	EventSchemeDeleted EventType = "scheme-deleted"
)

// Event describes one notification about a scheme.
type Event struct {
	SchemeID  string
	Actor     string
	Type      EventType
	Timestamp time.Time
}

// EventPublisher receives controller events. Publishing is best-effort and
// must never block the edit path.
type EventPublisher interface {
	Publish(event Event)
}

type noOpPublisher struct{}

func (noOpPublisher) Publish(Event) {}
