package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// MaxSteps bounds the length of a sequence.
const MaxSteps = 50

// ValidateSequence checks a Sequence for constraint violations.
// It returns a *ValidationError if any rules fail, or nil if the sequence is valid.
// Step indexes are expected to be normalized.
func ValidateSequence(s *Sequence) error {
	var ve ValidationError

	if strings.TrimSpace(s.ID) == "" {
		ve.add("id", "is required")
	}

	switch {
	case len(s.Steps) == 0:
		ve.add("steps", "at least one step is required")
	case len(s.Steps) > MaxSteps:
		ve.add("steps", "must have %d steps or fewer, got %d", MaxSteps, len(s.Steps))
	case s.FirstStep() == nil:
		ve.add("steps", "at least one non-fallback step is required")
	case s.Steps[0].IsFallback:
		ve.add("steps[0]", "the first step cannot be a fallback step")
	}

	for i := range s.Steps {
		st := &s.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)

		if !st.Channel.IsValid() {
			ve.add(field+".channel", "invalid value %q", st.Channel)
		}
		if st.Dwell.Std() <= 0 {
			ve.add(field+".dwell", "must be positive")
		} else if st.Dwell.Std() > 90*24*time.Hour {
			ve.add(field+".dwell", "must be 90 days or less")
		}
		for _, t := range st.Trigger.Events {
			if !t.IsValid() {
				ve.add(field+".trigger.events", "invalid event type %q", t)
			} else if t.IsTerminal() {
				ve.add(field+".trigger.events", "%q cannot be a qualifying event", t)
			}
		}
		if st.Fallback != nil {
			// Fallbacks only jump forward so the cursor never revisits a step.
			if *st.Fallback <= i || *st.Fallback >= len(s.Steps) {
				ve.add(field+".fallback", "must reference a later step, got %d", *st.Fallback)
			}
		}
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateEngagement checks a normalized engagement event.
func ValidateEngagement(e *EngagementEvent) error {
	var ve ValidationError

	if strings.TrimSpace(e.ContactID) == "" {
		ve.add("contact_id", "is required")
	}
	if !e.Channel.IsValid() {
		ve.add("channel", "invalid value %q", e.Channel)
	}
	if !e.Type.IsValid() {
		ve.add("type", "invalid value %q", e.Type)
	}
	if strings.TrimSpace(e.ProviderEventID) == "" {
		ve.add("provider_event_id", "is required")
	}
	if e.Timestamp.IsZero() {
		ve.add("timestamp", "is required")
	}
	if len(e.RawPayload) > 0 && !json.Valid(e.RawPayload) {
		ve.add("raw", "contains invalid JSON")
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateTimezone checks that tz names a loadable IANA zone. Empty is UTC.
func ValidateTimezone(tz string) error {
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return &ValidationError{Errors: []FieldError{{Field: "timezone", Message: fmt.Sprintf("unknown zone %q", tz)}}}
	}
	return nil
}
