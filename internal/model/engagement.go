package model

import (
	"encoding/json"
	"time"
)

// EventType classifies an inbound engagement signal.
type EventType string

const (
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventConnected    EventType = "connected"
	EventAnswered     EventType = "answered"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// IsValid checks whether the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventOpened, EventClicked, EventReplied, EventConnected, EventAnswered, EventBounced, EventUnsubscribed:
		return true
	}
	return false
}

// IsTerminal reports whether the event ends every enrollment of the contact.
func (t EventType) IsTerminal() bool {
	return t == EventUnsubscribed || t == EventBounced
}

// EngagementEvent is a normalized, deduplicated engagement signal.
type EngagementEvent struct {
	ID              string          `json:"id"`
	ContactID       string          `json:"contact_id"`
	EnrollmentID    string          `json:"enrollment_id,omitempty"`
	Type            EventType       `json:"type"`
	Channel         Channel         `json:"channel"`
	Timestamp       time.Time       `json:"timestamp"`
	ProviderEventID string          `json:"provider_event_id"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// DedupKey is the idempotency key engagement events are deduplicated on.
func (e *EngagementEvent) DedupKey() string {
	return e.ContactID + "|" + string(e.Channel) + "|" + string(e.Type) + "|" + e.ProviderEventID
}
