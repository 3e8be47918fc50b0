package events

import (
	"time"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// Event topic constants
const (
	TopicSequenceDefined = "outreach.sequence.defined"

	TopicEnrollmentCreated      = "outreach.enrollment.created"
	TopicEnrollmentAdvanced     = "outreach.enrollment.advanced"
	TopicEnrollmentCompleted    = "outreach.enrollment.completed"
	TopicEnrollmentTerminated   = "outreach.enrollment.terminated"
	TopicEnrollmentUnsubscribed = "outreach.enrollment.unsubscribed"
	TopicEnrollmentCancelled    = "outreach.enrollment.cancelled"

	// Attempt outcomes other than a successful send.
	TopicAttemptFailed  = "outreach.attempt.failed"
	TopicAttemptBounced = "outreach.attempt.bounced"

	// Policy denials.
	TopicSendDeferred = "outreach.send.deferred"

	TopicEngagementRecorded = "outreach.engagement.recorded"

	// TopicInbound is the wildcard subject providers publish raw engagement
	// events on, e.g. outreach.inbound.email.
	TopicInbound = "outreach.inbound.>"
)

// TopicForStatus returns the closing topic for a terminal status.
func TopicForStatus(s model.Status) string {
	switch s {
	case model.StatusCompleted:
		return TopicEnrollmentCompleted
	case model.StatusUnsubscribed:
		return TopicEnrollmentUnsubscribed
	default:
		return TopicEnrollmentTerminated
	}
}

// Event types

type SequenceDefined struct {
	Sequence *model.Sequence `json:"sequence"`
}

type EnrollmentCreated struct {
	Enrollment *model.Enrollment `json:"enrollment"`
}

type AttemptRecorded struct {
	EnrollmentID string                `json:"enrollment_id"`
	ContactID    string                `json:"contact_id"`
	Attempt      *model.ChannelAttempt `json:"attempt"`
	Retry        bool                  `json:"retry,omitempty"`
}

type EnrollmentClosed struct {
	EnrollmentID string       `json:"enrollment_id"`
	ContactID    string       `json:"contact_id"`
	Status       model.Status `json:"status"`
	Reason       string       `json:"reason,omitempty"`
}

type SendDeferred struct {
	EnrollmentID string        `json:"enrollment_id"`
	StepIndex    int           `json:"step_index"`
	Channel      model.Channel `json:"channel"`
	RetryAfter   time.Time     `json:"retry_after"`
	Reason       string        `json:"reason"`
}

type EngagementRecorded struct {
	Event *model.EngagementEvent `json:"event"`
	Woken []string               `json:"woken,omitempty"`
}
