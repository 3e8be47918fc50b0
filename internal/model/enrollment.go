package model

import (
	"time"
)

// Status represents the lifecycle state of an enrollment.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusWaiting      Status = "waiting"
	StatusCompleted    Status = "completed"
	StatusTerminated   Status = "terminated"
	StatusUnsubscribed Status = "unsubscribed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusWaiting, StatusCompleted, StatusTerminated, StatusUnsubscribed:
		return true
	}
	return false
}

// IsTerminal reports whether no further attempts may ever be made.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusUnsubscribed:
		return true
	}
	return false
}

// AttemptResult is the outcome of a single channel send.
type AttemptResult string

const (
	ResultSent    AttemptResult = "sent"
	ResultFailed  AttemptResult = "failed"
	ResultBounced AttemptResult = "bounced"
	ResultSkipped AttemptResult = "skipped"
)

// ChannelAttempt records one send on one step of an enrollment.
type ChannelAttempt struct {
	ID                string        `json:"id"`
	EnrollmentID      string        `json:"enrollment_id"`
	StepIndex         int           `json:"step_index"`
	AttemptNo         int           `json:"attempt_no"`
	Channel           Channel       `json:"channel"`
	SentAt            time.Time     `json:"sent_at"`
	Result            AttemptResult `json:"result"`
	ViaFallback       bool          `json:"via_fallback,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Error             string        `json:"error,omitempty"`
	ClosedAt          *time.Time    `json:"closed_at,omitempty"`
	EngagementEvents  []string      `json:"engagement_events,omitempty"`
}

// IsOpen reports whether the attempt is still awaiting engagement or dwell
// expiry.
func (a *ChannelAttempt) IsOpen() bool {
	return a.Result == ResultSent && a.ClosedAt == nil
}

// Enrollment is one contact's progress through one sequence version.
type Enrollment struct {
	ID              string     `json:"id"`
	ContactID       string     `json:"contact_id"`
	SequenceID      string     `json:"sequence_id"`
	SequenceVersion int        `json:"sequence_version"`
	Cursor          int        `json:"cursor"`
	Status          Status     `json:"status"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	RetryCount      int        `json:"retry_count"`
	ViaFallback     bool       `json:"via_fallback,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// History is populated from the channel_attempts table, ordered by
	// attempt creation.
	History []*ChannelAttempt `json:"history,omitempty"`
}

// OpenAttempt returns the attempt currently awaiting engagement, or nil.
func (e *Enrollment) OpenAttempt() *ChannelAttempt {
	for i := len(e.History) - 1; i >= 0; i-- {
		if e.History[i].IsOpen() {
			return e.History[i]
		}
	}
	return nil
}

// LastAttempt returns the most recent attempt for the given step, or nil.
func (e *Enrollment) LastAttempt(stepIndex int) *ChannelAttempt {
	for i := len(e.History) - 1; i >= 0; i-- {
		if e.History[i].StepIndex == stepIndex {
			return e.History[i]
		}
	}
	return nil
}

// Consumed returns the set of engagement event IDs already attached to an
// attempt. A consumed event never triggers a second transition.
func (e *Enrollment) Consumed() map[string]struct{} {
	m := make(map[string]struct{})
	for _, a := range e.History {
		for _, id := range a.EngagementEvents {
			m[id] = struct{}{}
		}
	}
	return m
}

// Location resolves the enrollment's timezone, defaulting to UTC.
func (e *Enrollment) Location() *time.Location {
	if e.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsLeased reports whether a lease is held at now.
func (e *Enrollment) IsLeased(now time.Time) bool {
	return e.LeaseOwner != "" && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}
