package model

import (
	"encoding/json"
	"testing"
	"time"
)

// validSequence returns a Sequence that passes all validation rules.
func validSequence() Sequence {
	fb := 2
	s := Sequence{
		ID:   "seq-onboarding",
		Name: "Onboarding",
		Steps: []Step{
			{Channel: ChannelEmail, Dwell: Duration(72 * time.Hour), Template: "intro", Fallback: &fb},
			{Channel: ChannelLinkedIn, Dwell: Duration(72 * time.Hour), Template: "connect"},
			{Channel: ChannelSMS, Dwell: Duration(24 * time.Hour), Template: "nudge", IsFallback: true},
		},
	}
	s.Normalize()
	return s
}

// fieldErrors extracts a *ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

// hasFieldError reports whether the error list contains an error for the given field.
func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidateSequence_Valid(t *testing.T) {
	s := validSequence()
	if err := ValidateSequence(&s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSequence_Rules(t *testing.T) {
	back := 0
	outOfRange := 9
	for _, tc := range []struct {
		name   string
		mutate func(s *Sequence)
		field  string
	}{
		{"MissingID", func(s *Sequence) { s.ID = " " }, "id"},
		{"NoSteps", func(s *Sequence) { s.Steps = nil }, "steps"},
		{"FirstStepFallback", func(s *Sequence) { s.Steps[0].IsFallback = true }, "steps[0]"},
		{"BadChannel", func(s *Sequence) { s.Steps[1].Channel = "fax" }, "steps[1].channel"},
		{"ZeroDwell", func(s *Sequence) { s.Steps[1].Dwell = 0 }, "steps[1].dwell"},
		{"HugeDwell", func(s *Sequence) { s.Steps[1].Dwell = Duration(100 * 24 * time.Hour) }, "steps[1].dwell"},
		{"BackwardFallback", func(s *Sequence) { s.Steps[1].Fallback = &back }, "steps[1].fallback"},
		{"FallbackOutOfRange", func(s *Sequence) { s.Steps[0].Fallback = &outOfRange }, "steps[0].fallback"},
		{"UnknownTrigger", func(s *Sequence) { s.Steps[0].Trigger.Events = []EventType{"waved"} }, "steps[0].trigger.events"},
		{"TerminalTrigger", func(s *Sequence) { s.Steps[0].Trigger.Events = []EventType{EventUnsubscribed} }, "steps[0].trigger.events"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := validSequence()
			tc.mutate(&s)
			errs := fieldErrors(t, ValidateSequence(&s))
			if !hasFieldError(errs, tc.field) {
				t.Errorf("expected error on field %q, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateSequence_OnlyFallbackSteps(t *testing.T) {
	s := Sequence{ID: "x", Steps: []Step{{Channel: ChannelSMS, Dwell: Duration(time.Hour), IsFallback: true}}}
	s.Normalize()
	errs := fieldErrors(t, ValidateSequence(&s))
	if !hasFieldError(errs, "steps") {
		t.Errorf("expected error on steps, got %v", errs)
	}
}

func TestValidationError_Message(t *testing.T) {
	ve := &ValidationError{Errors: []FieldError{
		{Field: "id", Message: "is required"},
		{Field: "steps", Message: "at least one step is required"},
	}}
	want := "validation failed: id: is required; steps: at least one step is required"
	if got := ve.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidateEngagement(t *testing.T) {
	valid := func() EngagementEvent {
		return EngagementEvent{
			ContactID:       "c-1",
			Type:            EventReplied,
			Channel:         ChannelEmail,
			ProviderEventID: "p-1",
			Timestamp:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
	}

	ev := valid()
	if err := ValidateEngagement(&ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, tc := range []struct {
		name   string
		mutate func(e *EngagementEvent)
		field  string
	}{
		{"MissingContact", func(e *EngagementEvent) { e.ContactID = "" }, "contact_id"},
		{"BadChannel", func(e *EngagementEvent) { e.Channel = "pigeon" }, "channel"},
		{"BadType", func(e *EngagementEvent) { e.Type = "liked" }, "type"},
		{"MissingProviderID", func(e *EngagementEvent) { e.ProviderEventID = "" }, "provider_event_id"},
		{"MissingTimestamp", func(e *EngagementEvent) { e.Timestamp = time.Time{} }, "timestamp"},
		{"BadRaw", func(e *EngagementEvent) { e.RawPayload = json.RawMessage(`{nope`) }, "raw"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ev := valid()
			tc.mutate(&ev)
			errs := fieldErrors(t, ValidateEngagement(&ev))
			if !hasFieldError(errs, tc.field) {
				t.Errorf("expected error on field %q, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateTimezone(t *testing.T) {
	if err := ValidateTimezone(""); err != nil {
		t.Errorf("empty timezone: %v", err)
	}
	if err := ValidateTimezone("America/New_York"); err != nil {
		t.Errorf("America/New_York: %v", err)
	}
	if err := ValidateTimezone("Mars/Olympus"); err == nil {
		t.Error("expected error for unknown zone")
	}
}

func TestSequence_NextNominalSkipsFallbacks(t *testing.T) {
	s := validSequence()
	// email(0) -> linkedin(1) -> sms(2, fallback)
	if got := s.NextNominal(0); got == nil || got.Index != 1 {
		t.Fatalf("NextNominal(0) = %v, want step 1", got)
	}
	if got := s.NextNominal(1); got != nil {
		t.Fatalf("NextNominal(1) = %v, want nil", got)
	}
	if got := s.FirstStep(); got == nil || got.Index != 0 {
		t.Fatalf("FirstStep() = %v, want step 0", got)
	}
}

func TestStep_Qualifies(t *testing.T) {
	email := Step{Channel: ChannelEmail}
	reply := &EngagementEvent{Type: EventReplied, Channel: ChannelEmail}
	open := &EngagementEvent{Type: EventOpened, Channel: ChannelEmail}
	smsReply := &EngagementEvent{Type: EventReplied, Channel: ChannelSMS}

	if !email.Qualifies(reply) {
		t.Error("email reply should qualify on an email step")
	}
	if email.Qualifies(open) {
		t.Error("open should not qualify by default")
	}
	if email.Qualifies(smsReply) {
		t.Error("sms reply should not qualify on an email step without any_channel")
	}
	email.Trigger.AnyChannel = true
	if !email.Qualifies(smsReply) {
		t.Error("sms reply should qualify with any_channel")
	}
	email.Trigger.Events = []EventType{EventOpened}
	if !email.Qualifies(open) {
		t.Error("open should qualify when listed explicitly")
	}
}

func TestDuration_JSON(t *testing.T) {
	var st Step
	if err := json.Unmarshal([]byte(`{"channel":"email","dwell":"72h"}`), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.Dwell.Std() != 72*time.Hour {
		t.Errorf("dwell = %v, want 72h", st.Dwell)
	}
	out, err := json.Marshal(st.Dwell)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `"72h0m0s"` {
		t.Errorf("marshal = %s", out)
	}
}

func TestEnrollment_OpenAttemptAndConsumed(t *testing.T) {
	now := time.Now().UTC()
	e := &Enrollment{History: []*ChannelAttempt{
		{StepIndex: 0, Result: ResultSent, ClosedAt: &now, EngagementEvents: []string{"evt-1"}},
		{StepIndex: 1, Result: ResultSent},
	}}
	if got := e.OpenAttempt(); got == nil || got.StepIndex != 1 {
		t.Fatalf("OpenAttempt() = %v, want step 1", got)
	}
	if _, ok := e.Consumed()["evt-1"]; !ok {
		t.Error("expected evt-1 to be consumed")
	}
	if e.LastAttempt(0) == nil || e.LastAttempt(2) != nil {
		t.Error("LastAttempt lookup mismatch")
	}
}
